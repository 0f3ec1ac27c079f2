// Package bot содержит диспетчер обновлений: цикл длинного опроса,
// конвейер гейтов и маршрутизацию на движок заданий, сценарии и
// статические ответы. На каждого бота-персону запускается свой
// диспетчер со своим смещением.
package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/rewardly/taskbot/internal/lib/sl"
	"github.com/rewardly/taskbot/internal/metrics"
	"github.com/rewardly/taskbot/internal/models"
	"github.com/rewardly/taskbot/internal/services/account"
	"github.com/rewardly/taskbot/internal/services/channelgate"
	"github.com/rewardly/taskbot/internal/services/taskengine"
	"github.com/rewardly/taskbot/internal/settings"
)

const updateLimit = 100

// Действия, разрешённые без подписки на обязательные каналы: только
// те, что дают пользователю пройти сам гейт.
var gateExemptCallbacks = map[string]bool{
	"verify_": true,
	"noop":    true,
	"menu":    true,
}

// Client абстракция над платформой для диспетчера.
type Client interface {
	GetUpdates(ctx context.Context, offset, limit, timeoutSec int) ([]tgbotapi.Update, error)
	SendText(ctx context.Context, chatID int64, text string, markup any) error
	SendMedia(ctx context.Context, chatID int64, mediaURL, caption string) error
	AnswerCallback(ctx context.Context, callbackID, text string) error
}

// Accounts регистрация и операции с учётной записью.
type Accounts interface {
	Resolve(ctx context.Context, id account.Identity) (*models.User, bool, error)
	Withdraw(ctx context.Context, user *models.User, amount float64, wallet string) error
}

// Gate проверка обязательных подписок.
type Gate interface {
	CheckAll(ctx context.Context, userID int64) (channelgate.Result, error)
}

// Engine машина состояний заданий.
type Engine interface {
	Start(ctx context.Context, user *models.User, taskID int64) (*models.UserTask, error)
	Submit(ctx context.Context, user *models.User, taskID int64) (*taskengine.Outcome, error)
	Cancel(ctx context.Context, user *models.User, taskID int64) error
	RunCommand(ctx context.Context, user *models.User, command string) (*taskengine.Outcome, error)
}

// Matcher подбор сценария по свободному тексту.
type Matcher interface {
	Match(ctx context.Context, text string) (*models.Scenario, error)
}

// Settings чтение настроек-флагов.
type Settings interface {
	GetBool(ctx context.Context, key string, def bool) bool
	GetValue(ctx context.Context, key, def string) string
}

// Storage методы хранилища, которые диспетчер вызывает напрямую.
type Storage interface {
	ListActiveTasks(ctx context.Context, limit, offset int) ([]*models.Task, error)
	GetTask(ctx context.Context, id int64) (*models.Task, error)
	FindOpenUserTask(ctx context.Context, userID, taskID int64) (*models.UserTask, error)
	ListActiveButtons(ctx context.Context) ([]*models.Button, error)
	GetButton(ctx context.Context, id int64) (*models.Button, error)
	SaveInboundMessage(ctx context.Context, userID int64, kind, text string) error
}

// Cache кеш списка кнопок меню.
type Cache interface {
	Get(key string) (any, bool)
	Set(key string, value any, ttl time.Duration)
}

// Dispatcher цикл обработки обновлений одного бота-персоны.
type Dispatcher struct {
	persona  string
	client   Client
	accounts Accounts
	gate     Gate
	engine   Engine
	matcher  Matcher
	settings Settings
	store    Storage
	cache    Cache
	log      *slog.Logger

	pollTimeout  time.Duration
	fetchBackoff time.Duration
	sleep        func(ctx context.Context, d time.Duration)
}

// Deps зависимости диспетчера.
type Deps struct {
	Client   Client
	Accounts Accounts
	Gate     Gate
	Engine   Engine
	Matcher  Matcher
	Settings Settings
	Store    Storage
	Cache    Cache
}

// New создает новый экземпляр Dispatcher.
func New(persona string, deps Deps, pollTimeout, fetchBackoff time.Duration, log *slog.Logger) *Dispatcher {
	return &Dispatcher{
		persona:      persona,
		client:       deps.Client,
		accounts:     deps.Accounts,
		gate:         deps.Gate,
		engine:       deps.Engine,
		matcher:      deps.Matcher,
		settings:     deps.Settings,
		store:        deps.Store,
		cache:        deps.Cache,
		log:          log.With(slog.String("persona", persona)),
		pollTimeout:  pollTimeout,
		fetchBackoff: fetchBackoff,
		sleep:        sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// Run крутит цикл длинного опроса до отмены контекста. Смещение после
// каждой порции сдвигается на update_id последнего обновления плюс один
// независимо от ошибок обработчиков: обновление обрабатывается не более
// одного раза, сбой обработчика его не возвращает в очередь.
func (d *Dispatcher) Run(ctx context.Context) {
	d.log.Info("dispatcher started")

	offset := 0
	for {
		select {
		case <-ctx.Done():
			d.log.Info("dispatcher stopped")
			return
		default:
		}

		updates, err := d.client.GetUpdates(ctx, offset, updateLimit, int(d.pollTimeout.Seconds()))
		if err != nil {
			metrics.FetchErrors.WithLabelValues(d.persona).Inc()
			d.log.Warn("failed to fetch updates", sl.Err(err))
			d.sleep(ctx, d.fetchBackoff)
			continue
		}

		for _, upd := range updates {
			d.processUpdate(ctx, upd)
			if upd.UpdateID >= offset {
				offset = upd.UpdateID + 1
			}
		}
	}
}

// processUpdate обрабатывает одно обновление с собственной границей
// ошибок: паника обработчика логируется и не роняет цикл.
func (d *Dispatcher) processUpdate(ctx context.Context, upd tgbotapi.Update) {
	defer func() {
		if r := recover(); r != nil {
			metrics.HandlerErrors.WithLabelValues(d.persona).Inc()
			d.log.Error("handler panicked",
				slog.Int("update_id", upd.UpdateID),
				sl.Err(fmt.Errorf("%v", r)))
		}
	}()

	metrics.UpdatesProcessed.WithLabelValues(d.persona).Inc()

	if err := d.handle(ctx, upd); err != nil {
		metrics.HandlerErrors.WithLabelValues(d.persona).Inc()
		d.log.Error("failed to handle update",
			slog.Int("update_id", upd.UpdateID), sl.Err(err))
	}
}

// handle прогоняет обновление через конвейер гейтов и маршрутизацию.
func (d *Dispatcher) handle(ctx context.Context, upd tgbotapi.Update) error {
	const op = "bot.handle"

	var (
		from     *tgbotapi.User
		chatID   int64
		callback *tgbotapi.CallbackQuery
		msg      *tgbotapi.Message
	)
	switch {
	case upd.Message != nil:
		msg = upd.Message
		from = msg.From
		chatID = msg.Chat.ID
	case upd.CallbackQuery != nil:
		callback = upd.CallbackQuery
		from = callback.From
		if callback.Message != nil {
			chatID = callback.Message.Chat.ID
		}
	default:
		return nil
	}
	if from == nil || from.IsBot {
		return nil
	}

	// 1. Режим обслуживания.
	if d.settings.GetBool(ctx, settings.KeyMaintenanceMode, false) {
		d.send(ctx, chatID, msgMaintenance, nil)
		return nil
	}

	// 2. Идентификация и регистрация.
	identity := account.Identity{
		TgID:      from.ID,
		Username:  from.UserName,
		FirstName: from.FirstName,
	}
	if msg != nil && msg.IsCommand() && msg.Command() == "start" {
		identity.Payload = msg.CommandArguments()
	}
	user, created, err := d.accounts.Resolve(ctx, identity)
	if err != nil {
		if errors.Is(err, account.ErrRegistrationDisabled) {
			d.send(ctx, chatID, msgRegistrationClosed, nil)
			return nil
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	if created {
		// на регистрационном ходе дальше не маршрутизируем
		d.sendMenu(ctx, chatID, welcomeText(user))
		return nil
	}

	// 3. Блокировка.
	if user.Status == models.UserStatusBlocked {
		d.send(ctx, chatID, msgBlocked, nil)
		return nil
	}

	// 4. Медиа сохраняется и не маршрутизируется.
	if msg != nil {
		if kind := mediaKind(msg); kind != "" {
			if err := d.store.SaveInboundMessage(ctx, user.ID, kind, msg.Caption); err != nil {
				return fmt.Errorf("%s: %w", op, err)
			}
			d.send(ctx, chatID, msgMediaSaved, nil)
			return nil
		}
	}

	// 5. Обязательные каналы.
	if callback == nil || !gateExemptCallbacks[callback.Data] {
		res, err := d.gate.CheckAll(ctx, user.TgID)
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		if !res.AllSubscribed {
			d.sendSubscriptionOffer(ctx, chatID, res.Missing)
			return nil
		}
	}

	// 6. Маршрутизация.
	if callback != nil {
		return d.routeCallback(ctx, user, chatID, callback)
	}
	return d.routeMessage(ctx, user, msg)
}

func mediaKind(msg *tgbotapi.Message) string {
	switch {
	case len(msg.Photo) > 0:
		return "photo"
	case msg.Video != nil:
		return "video"
	case msg.Document != nil:
		return "document"
	}
	return ""
}

// send отправляет сообщение и глотает ошибку: неудачная отправка
// логируется и считается, но никогда не откатывает уже сделанные
// изменения состояния.
func (d *Dispatcher) send(ctx context.Context, chatID int64, text string, markup any) {
	if err := d.client.SendText(ctx, chatID, text, markup); err != nil {
		metrics.SendFailures.WithLabelValues(d.persona).Inc()
		d.log.Warn("failed to send message", slog.Int64("chat_id", chatID), sl.Err(err))
	}
}

func (d *Dispatcher) sendMedia(ctx context.Context, chatID int64, mediaURL, caption string) {
	if err := d.client.SendMedia(ctx, chatID, mediaURL, caption); err != nil {
		metrics.SendFailures.WithLabelValues(d.persona).Inc()
		d.log.Warn("failed to send media", slog.Int64("chat_id", chatID), sl.Err(err))
	}
}
