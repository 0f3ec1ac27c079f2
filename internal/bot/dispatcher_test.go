package bot

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"

	"github.com/rewardly/taskbot/internal/models"
	"github.com/rewardly/taskbot/internal/services/account"
	"github.com/rewardly/taskbot/internal/services/channelgate"
	"github.com/rewardly/taskbot/internal/services/taskengine"
)

// Лёгкие фейки вместо моков: конвейер трогает много зависимостей сразу,
// и фейки с функциями-полями читаются проще.

type sentMessage struct {
	chatID int64
	text   string
}

type fakeClient struct {
	mu         sync.Mutex
	getUpdates func(offset int) ([]tgbotapi.Update, error)
	offsets    []int
	sent       []sentMessage
}

func (c *fakeClient) GetUpdates(_ context.Context, offset, _, _ int) ([]tgbotapi.Update, error) {
	c.mu.Lock()
	c.offsets = append(c.offsets, offset)
	c.mu.Unlock()
	return c.getUpdates(offset)
}

func (c *fakeClient) SendText(_ context.Context, chatID int64, text string, _ any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, sentMessage{chatID: chatID, text: text})
	return nil
}

func (c *fakeClient) SendMedia(_ context.Context, chatID int64, mediaURL, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, sentMessage{chatID: chatID, text: "media:" + mediaURL})
	return nil
}

func (c *fakeClient) AnswerCallback(context.Context, string, string) error { return nil }

func (c *fakeClient) sentTexts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.sent))
	for i, m := range c.sent {
		out[i] = m.text
	}
	return out
}

type fakeAccounts struct {
	resolve  func(id account.Identity) (*models.User, bool, error)
	withdraw func(user *models.User, amount float64, wallet string) error
}

func (a *fakeAccounts) Resolve(_ context.Context, id account.Identity) (*models.User, bool, error) {
	return a.resolve(id)
}

func (a *fakeAccounts) Withdraw(_ context.Context, user *models.User, amount float64, wallet string) error {
	if a.withdraw == nil {
		return nil
	}
	return a.withdraw(user, amount, wallet)
}

type fakeGate struct {
	calls  int
	result channelgate.Result
	err    error
}

func (g *fakeGate) CheckAll(context.Context, int64) (channelgate.Result, error) {
	g.calls++
	return g.result, g.err
}

type fakeEngine struct {
	runCommand func(user *models.User, command string) (*taskengine.Outcome, error)
	started    []int64
}

func (e *fakeEngine) Start(_ context.Context, _ *models.User, taskID int64) (*models.UserTask, error) {
	e.started = append(e.started, taskID)
	return &models.UserTask{ID: 1, TaskID: taskID, Status: models.UserTaskInProgress}, nil
}

func (e *fakeEngine) Submit(context.Context, *models.User, int64) (*taskengine.Outcome, error) {
	return &taskengine.Outcome{Completed: true, Reward: 10}, nil
}

func (e *fakeEngine) Cancel(context.Context, *models.User, int64) error { return nil }

func (e *fakeEngine) RunCommand(_ context.Context, user *models.User, command string) (*taskengine.Outcome, error) {
	if e.runCommand == nil {
		return nil, taskengine.ErrTaskUnavailable
	}
	return e.runCommand(user, command)
}

type fakeMatcher struct{ scenario *models.Scenario }

func (m *fakeMatcher) Match(context.Context, string) (*models.Scenario, error) {
	return m.scenario, nil
}

type fakeSettings struct {
	bools  map[string]bool
	values map[string]string
}

func (s *fakeSettings) GetBool(_ context.Context, key string, def bool) bool {
	if v, ok := s.bools[key]; ok {
		return v
	}
	return def
}

func (s *fakeSettings) GetValue(_ context.Context, key, def string) string {
	if v, ok := s.values[key]; ok {
		return v
	}
	return def
}

type fakeStorage struct {
	buttons []*models.Button
	saved   []string
}

func (s *fakeStorage) ListActiveTasks(context.Context, int, int) ([]*models.Task, error) {
	return nil, nil
}

func (s *fakeStorage) GetTask(context.Context, int64) (*models.Task, error) {
	return nil, errors.New("not found")
}

func (s *fakeStorage) FindOpenUserTask(context.Context, int64, int64) (*models.UserTask, error) {
	return nil, errors.New("not found")
}

func (s *fakeStorage) ListActiveButtons(context.Context) ([]*models.Button, error) {
	return s.buttons, nil
}

func (s *fakeStorage) GetButton(context.Context, int64) (*models.Button, error) {
	return nil, errors.New("not found")
}

func (s *fakeStorage) SaveInboundMessage(_ context.Context, _ int64, kind, _ string) error {
	s.saved = append(s.saved, kind)
	return nil
}

type passCache struct{}

func (passCache) Get(string) (any, bool)         { return nil, false }
func (passCache) Set(string, any, time.Duration) {}

func newNoopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
}

type harness struct {
	client   *fakeClient
	accounts *fakeAccounts
	gate     *fakeGate
	engine   *fakeEngine
	matcher  *fakeMatcher
	settings *fakeSettings
	store    *fakeStorage
	d        *Dispatcher
}

func newHarness() *harness {
	activeUser := &models.User{ID: 1, TgID: 100, FirstName: "Иван", Status: models.UserStatusActive}
	h := &harness{
		client: &fakeClient{},
		accounts: &fakeAccounts{
			resolve: func(account.Identity) (*models.User, bool, error) {
				return activeUser, false, nil
			},
		},
		gate:     &fakeGate{result: channelgate.Result{AllSubscribed: true}},
		engine:   &fakeEngine{},
		matcher:  &fakeMatcher{},
		settings: &fakeSettings{},
		store:    &fakeStorage{},
	}
	h.d = New("main", Deps{
		Client:   h.client,
		Accounts: h.accounts,
		Gate:     h.gate,
		Engine:   h.engine,
		Matcher:  h.matcher,
		Settings: h.settings,
		Store:    h.store,
		Cache:    passCache{},
	}, time.Second, time.Millisecond, newNoopLogger())
	h.d.sleep = func(context.Context, time.Duration) {}
	return h
}

func textUpdate(id int, text string) tgbotapi.Update {
	return tgbotapi.Update{
		UpdateID: id,
		Message: &tgbotapi.Message{
			MessageID: id,
			From:      &tgbotapi.User{ID: 100, FirstName: "Иван"},
			Chat:      &tgbotapi.Chat{ID: 100},
			Text:      text,
		},
	}
}

func callbackUpdate(id int, data string) tgbotapi.Update {
	return tgbotapi.Update{
		UpdateID: id,
		CallbackQuery: &tgbotapi.CallbackQuery{
			ID:      "cb",
			From:    &tgbotapi.User{ID: 100, FirstName: "Иван"},
			Data:    data,
			Message: &tgbotapi.Message{Chat: &tgbotapi.Chat{ID: 100}},
		},
	}
}

func TestDispatcher_OffsetAdvancesPastFailedHandlers(t *testing.T) {
	h := newHarness()

	// второй пользователь ломает идентификацию, его обработка падает
	h.accounts.resolve = func(id account.Identity) (*models.User, bool, error) {
		if id.TgID == 200 {
			return nil, false, errors.New("db down")
		}
		return &models.User{ID: 1, TgID: 100, Status: models.UserStatusActive}, false, nil
	}

	broken := textUpdate(11, "привет")
	broken.Message.From = &tgbotapi.User{ID: 200}

	ctx, cancel := context.WithCancel(context.Background())
	batchSent := false
	h.client.getUpdates = func(int) ([]tgbotapi.Update, error) {
		if !batchSent {
			batchSent = true
			return []tgbotapi.Update{textUpdate(10, "привет"), broken}, nil
		}
		cancel()
		return nil, errors.New("stopped")
	}

	h.d.Run(ctx)

	// смещение сдвинулось на последний update_id + 1, хотя второй
	// обработчик завершился ошибкой
	assert.GreaterOrEqual(t, len(h.client.offsets), 2)
	assert.Equal(t, 0, h.client.offsets[0])
	assert.Equal(t, 12, h.client.offsets[1])
}

func TestDispatcher_MaintenanceGate(t *testing.T) {
	h := newHarness()
	h.settings.bools = map[string]bool{"maintenance_mode": true}

	h.d.processUpdate(context.Background(), textUpdate(1, "/tasks"))

	assert.Equal(t, []string{msgMaintenance}, h.client.sentTexts())
	assert.Equal(t, 0, h.gate.calls)
}

func TestDispatcher_RegistrationTurnStops(t *testing.T) {
	h := newHarness()
	h.accounts.resolve = func(id account.Identity) (*models.User, bool, error) {
		return &models.User{ID: 9, TgID: id.TgID, FirstName: "Иван", Status: models.UserStatusActive}, true, nil
	}

	h.d.processUpdate(context.Background(), textUpdate(1, "/start ref555"))

	texts := h.client.sentTexts()
	assert.Len(t, texts, 1)
	// приветствие отправлено, до гейта каналов и маршрутизации не дошло
	assert.Equal(t, 0, h.gate.calls)
}

func TestDispatcher_BlockedGate(t *testing.T) {
	h := newHarness()
	h.accounts.resolve = func(account.Identity) (*models.User, bool, error) {
		return &models.User{ID: 1, TgID: 100, Status: models.UserStatusBlocked}, false, nil
	}

	h.d.processUpdate(context.Background(), textUpdate(1, "/tasks"))

	assert.Equal(t, []string{msgBlocked}, h.client.sentTexts())
	assert.Equal(t, 0, h.gate.calls)
}

func TestDispatcher_MediaShortCircuit(t *testing.T) {
	h := newHarness()

	upd := textUpdate(1, "")
	upd.Message.Photo = []tgbotapi.PhotoSize{{FileID: "f1"}}

	h.d.processUpdate(context.Background(), upd)

	assert.Equal(t, []string{"photo"}, h.store.saved)
	assert.Equal(t, []string{msgMediaSaved}, h.client.sentTexts())
	// медиа не доходит ни до гейта каналов, ни до маршрутизации
	assert.Equal(t, 0, h.gate.calls)
}

func TestDispatcher_ChannelGateBlocksRouting(t *testing.T) {
	h := newHarness()
	h.gate.result = channelgate.Result{
		AllSubscribed: false,
		Missing:       []*models.Channel{{Title: "Новости", JoinLink: "https://t.me/x"}},
	}

	h.d.processUpdate(context.Background(), callbackUpdate(1, "start_task_5"))

	assert.Empty(t, h.engine.started)
	texts := h.client.sentTexts()
	assert.Len(t, texts, 1)
	assert.Contains(t, texts[0], "Новости")
}

func TestDispatcher_ExemptCallbackSkipsChannelGate(t *testing.T) {
	h := newHarness()
	h.gate.result = channelgate.Result{AllSubscribed: false}

	h.d.processUpdate(context.Background(), callbackUpdate(1, "menu"))

	// гейт не вызывался: действие menu разрешено без подписки
	assert.Equal(t, 0, h.gate.calls)
	assert.Equal(t, []string{msgMenu}, h.client.sentTexts())
}

func TestDispatcher_FreeTextFallsBackToSavedMessage(t *testing.T) {
	h := newHarness()

	h.d.processUpdate(context.Background(), textUpdate(1, "просто текст"))

	assert.Equal(t, []string{"text"}, h.store.saved)
	assert.Equal(t, []string{msgMessageSaved}, h.client.sentTexts())
}

func TestDispatcher_FreeTextMatchesButtonLabel(t *testing.T) {
	h := newHarness()
	h.store.buttons = []*models.Button{
		{ID: 1, Label: "💰 Баланс", Action: []byte(`{"type":"command","command":"balance"}`), Active: true},
	}

	h.d.processUpdate(context.Background(), textUpdate(1, "💰 Баланс"))

	texts := h.client.sentTexts()
	assert.Len(t, texts, 1)
	assert.Contains(t, texts[0], "Баланс")
	assert.Empty(t, h.store.saved)
}

func TestDispatcher_FreeTextMatchesScenario(t *testing.T) {
	h := newHarness()
	h.matcher.scenario = &models.Scenario{ID: 1, Trigger: "привет", Response: "Здравствуй, {first_name}!"}

	h.d.processUpdate(context.Background(), textUpdate(1, "привет"))

	assert.Equal(t, []string{"Здравствуй, Иван!"}, h.client.sentTexts())
	assert.Empty(t, h.store.saved)
}

func TestDispatcher_StartTaskCallback(t *testing.T) {
	h := newHarness()

	h.d.processUpdate(context.Background(), callbackUpdate(1, "start_task_5"))

	assert.Equal(t, []int64{5}, h.engine.started)
	assert.Equal(t, []string{msgTaskStarted}, h.client.sentTexts())
}

func TestDispatcher_ScenarioSteps(t *testing.T) {
	h := newHarness()
	h.matcher.scenario = &models.Scenario{
		ID:      2,
		Trigger: "бонус",
		Steps: []models.ScenarioStep{
			{Message: "Шаг один", DelaySeconds: 1},
			{Message: "Шаг два", DelaySeconds: 2},
		},
	}

	var slept []time.Duration
	h.d.sleep = func(_ context.Context, d time.Duration) { slept = append(slept, d) }

	h.d.processUpdate(context.Background(), textUpdate(1, "бонус"))

	assert.Equal(t, []string{"Шаг один", "Шаг два"}, h.client.sentTexts())
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, slept)
}
