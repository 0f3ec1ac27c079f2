package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/rewardly/taskbot/internal/lib/sl"
	"github.com/rewardly/taskbot/internal/metrics"
	"github.com/rewardly/taskbot/internal/models"
	"github.com/rewardly/taskbot/internal/services/account"
	"github.com/rewardly/taskbot/internal/services/scenario"
	"github.com/rewardly/taskbot/internal/services/taskengine"
	"github.com/rewardly/taskbot/internal/settings"
	"github.com/rewardly/taskbot/internal/telegram"
)

const (
	buttonsCacheKey = "buttons:active"
	buttonsCacheTTL = 60 * time.Second
	tasksPageSize   = 10
)

// Тексты ответов пользователю.
const (
	msgMaintenance        = "⚙️ Бот на техническом обслуживании. Загляните позже."
	msgRegistrationClosed = "Регистрация новых пользователей сейчас закрыта."
	msgBlocked            = "Ваш аккаунт заблокирован. Обратитесь в поддержку."
	msgMediaSaved         = "Файл получен и передан оператору."
	msgMessageSaved       = "Сообщение сохранено, оператор ответит вам позже."
	msgMenu               = "Главное меню:"
	msgSubscribed         = "✅ Подписка подтверждена, можно продолжать!"
	msgNoTasks            = "Пока нет доступных заданий, загляните позже."
	msgUnknownCommand     = "Неизвестная команда. Список команд: /help"
	msgUnknownAction      = "⚠️ Неизвестное действие"
	msgTaskStarted        = "▶️ Задание взято в работу. Когда выполните, нажмите «Я выполнил»."
	msgTaskUnderReview    = "⏳ Задание отправлено на проверку. Награда придёт после подтверждения."
	msgTaskCancelled      = "Задание отменено."
	msgTaskUnavailable    = "Задание недоступно или уже выключено."
	msgLimitReached       = "Вы уже выполнили это задание максимальное число раз."
	msgAttemptExists      = "Это задание уже взято в работу."
	msgNoAttempt          = "Сначала возьмите задание в работу."
	msgTooEarly           = "Слишком быстро! Подождите немного и попробуйте снова."
	msgNotSubscribed      = "Подписка не найдена. Подпишитесь на канал задания и повторите."
	msgCooldown           = "Эту команду пока нельзя повторить, попробуйте позже."
	msgWithdrawUsage      = "Использование: /withdraw <сумма> <кошелёк>"
	msgWithdrawBelowMin   = "Сумма меньше минимальной для вывода."
	msgWithdrawAboveMax   = "Сумма больше максимальной для вывода."
	msgWithdrawBadWallet  = "Кошелёк указан неверно. Проверьте адрес."
	msgWithdrawNoFunds    = "Недостаточно средств на балансе."
	msgWithdrawAccepted   = "✅ Заявка на вывод %.2f принята. Средства поступят после обработки."
)

func welcomeText(user *models.User) string {
	return fmt.Sprintf("Привет, %s! 👋\n\nВыполняй задания и получай награду на баланс. "+
		"Команда /tasks покажет доступные задания, /help — подскажет остальное.", user.FirstName)
}

// --- сообщения -------------------------------------------------------

func (d *Dispatcher) routeMessage(ctx context.Context, user *models.User, msg *tgbotapi.Message) error {
	if msg.IsCommand() {
		return d.runCommand(ctx, user, msg.Chat.ID, msg.Command(), msg.CommandArguments())
	}
	return d.routeText(ctx, user, msg.Chat.ID, msg.Text)
}

// runCommand выполняет команду: сначала встроенные, затем задание с
// командой-псевдонимом, затем команда пользовательской кнопки.
func (d *Dispatcher) runCommand(ctx context.Context, user *models.User, chatID int64, cmd, args string) error {
	const op = "bot.runCommand"

	switch cmd {
	case "start", "menu":
		d.sendMenu(ctx, chatID, msgMenu)
		return nil
	case "balance":
		d.send(ctx, chatID, d.balanceText(user), nil)
		return nil
	case "tasks":
		return d.sendTasksList(ctx, chatID)
	case "help":
		d.send(ctx, chatID, d.helpText(ctx), nil)
		return nil
	case "withdraw":
		return d.handleWithdraw(ctx, user, chatID, args)
	}

	out, err := d.engine.RunCommand(ctx, user, cmd)
	if err == nil {
		d.sendOutcome(ctx, chatID, out)
		return nil
	}
	switch {
	case errors.Is(err, taskengine.ErrCooldownActive):
		d.send(ctx, chatID, msgCooldown, nil)
		return nil
	case errors.Is(err, taskengine.ErrLimitReached):
		d.send(ctx, chatID, msgLimitReached, nil)
		return nil
	case !errors.Is(err, taskengine.ErrTaskUnavailable):
		return fmt.Errorf("%s: %w", op, err)
	}

	// команда пользовательской кнопки
	buttons, err := d.loadButtons(ctx)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	for _, b := range buttons {
		action, err := models.ParseButtonAction(b.Action)
		if err != nil || action.Type != models.ActionCommand {
			continue
		}
		if action.Command == cmd {
			return d.performAction(ctx, user, chatID, action)
		}
	}

	d.send(ctx, chatID, msgUnknownCommand, nil)
	return nil
}

// routeText разбирает свободный текст: надпись reply-кнопки, затем
// сценарий, иначе текст сохраняется как входящее сообщение.
func (d *Dispatcher) routeText(ctx context.Context, user *models.User, chatID int64, text string) error {
	const op = "bot.routeText"

	buttons, err := d.loadButtons(ctx)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	for _, b := range buttons {
		if b.Label == text {
			return d.performButton(ctx, user, chatID, b)
		}
	}

	sc, err := d.matcher.Match(ctx, text)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if sc != nil {
		d.respondScenario(ctx, user, chatID, sc)
		return nil
	}

	if err := d.store.SaveInboundMessage(ctx, user.ID, "text", text); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	d.send(ctx, chatID, msgMessageSaved, nil)
	return nil
}

// respondScenario отправляет ответ сценария: пошаговые сообщения с
// задержками или одиночный текст/медиа. Задержки блокируют только
// обработку текущего обновления.
func (d *Dispatcher) respondScenario(ctx context.Context, user *models.User, chatID int64, sc *models.Scenario) {
	if len(sc.Steps) > 0 {
		for _, step := range sc.Steps {
			if step.DelaySeconds > 0 {
				d.sleep(ctx, time.Duration(step.DelaySeconds)*time.Second)
			}
			d.send(ctx, chatID, scenario.Substitute(step.Message, user), nil)
		}
		return
	}
	if sc.MediaURL != "" {
		d.sendMedia(ctx, chatID, sc.MediaURL, scenario.Substitute(sc.Response, user))
		return
	}
	d.send(ctx, chatID, scenario.Substitute(sc.Response, user), nil)
}

// --- callback-кнопки -------------------------------------------------

func (d *Dispatcher) routeCallback(ctx context.Context, user *models.User, chatID int64, cb *tgbotapi.CallbackQuery) error {
	const op = "bot.routeCallback"

	if err := d.client.AnswerCallback(ctx, cb.ID, ""); err != nil {
		d.log.Warn("failed to answer callback", sl.Err(err))
	}

	data := cb.Data
	switch {
	case strings.HasPrefix(data, "start_task_"):
		return d.handleStartTask(ctx, user, chatID, strings.TrimPrefix(data, "start_task_"))
	case strings.HasPrefix(data, "submit_task_"):
		return d.handleSubmitTask(ctx, user, chatID, strings.TrimPrefix(data, "submit_task_"))
	case strings.HasPrefix(data, "cancel_task_"):
		return d.handleCancelTask(ctx, user, chatID, strings.TrimPrefix(data, "cancel_task_"))
	case strings.HasPrefix(data, "task_"):
		return d.handleTaskCard(ctx, user, chatID, strings.TrimPrefix(data, "task_"))
	case strings.HasPrefix(data, "verify_"):
		return d.handleVerify(ctx, user, chatID)
	case data == "noop":
		return nil
	case data == "menu":
		d.sendMenu(ctx, chatID, msgMenu)
		return nil
	}

	// пользовательская кнопка по ID
	if id, err := strconv.ParseInt(data, 10, 64); err == nil {
		button, err := d.store.GetButton(ctx, id)
		if err != nil {
			d.send(ctx, chatID, msgUnknownAction, nil)
			return nil
		}
		return d.performButton(ctx, user, chatID, button)
	}

	d.send(ctx, chatID, msgUnknownAction, nil)
	return nil
}

func (d *Dispatcher) handleTaskCard(ctx context.Context, user *models.User, chatID int64, raw string) error {
	const op = "bot.handleTaskCard"

	taskID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		d.send(ctx, chatID, msgUnknownAction, nil)
		return nil
	}
	task, err := d.store.GetTask(ctx, taskID)
	if err != nil {
		d.send(ctx, chatID, msgTaskUnavailable, nil)
		return nil
	}

	inProgress := false
	if _, err := d.store.FindOpenUserTask(ctx, user.ID, taskID); err == nil {
		inProgress = true
	}

	text := fmt.Sprintf("📋 %s\n\n%s\n\n💰 Награда: %.0f–%.0f",
		task.Title, task.Description, task.RewardMin, task.RewardMax)
	d.send(ctx, chatID, text, telegram.TaskCardKeyboard(taskID, inProgress))
	return nil
}

func (d *Dispatcher) handleStartTask(ctx context.Context, user *models.User, chatID int64, raw string) error {
	const op = "bot.handleStartTask"

	taskID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		d.send(ctx, chatID, msgUnknownAction, nil)
		return nil
	}
	if _, err := d.engine.Start(ctx, user, taskID); err != nil {
		switch {
		case errors.Is(err, taskengine.ErrTaskUnavailable):
			d.send(ctx, chatID, msgTaskUnavailable, nil)
		case errors.Is(err, taskengine.ErrLimitReached):
			d.send(ctx, chatID, msgLimitReached, nil)
		case errors.Is(err, taskengine.ErrAttemptExists):
			d.send(ctx, chatID, msgAttemptExists, nil)
		default:
			return fmt.Errorf("%s: %w", op, err)
		}
		return nil
	}
	d.send(ctx, chatID, msgTaskStarted, telegram.TaskCardKeyboard(taskID, true))
	return nil
}

func (d *Dispatcher) handleSubmitTask(ctx context.Context, user *models.User, chatID int64, raw string) error {
	const op = "bot.handleSubmitTask"

	taskID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		d.send(ctx, chatID, msgUnknownAction, nil)
		return nil
	}
	out, err := d.engine.Submit(ctx, user, taskID)
	if err != nil {
		switch {
		case errors.Is(err, taskengine.ErrNoAttempt):
			d.send(ctx, chatID, msgNoAttempt, nil)
		case errors.Is(err, taskengine.ErrTooEarly):
			d.send(ctx, chatID, msgTooEarly, nil)
		case errors.Is(err, taskengine.ErrNotSubscribed):
			d.send(ctx, chatID, msgNotSubscribed, telegram.TaskCardKeyboard(taskID, true))
		default:
			return fmt.Errorf("%s: %w", op, err)
		}
		return nil
	}
	d.sendOutcome(ctx, chatID, out)
	return nil
}

func (d *Dispatcher) handleCancelTask(ctx context.Context, user *models.User, chatID int64, raw string) error {
	const op = "bot.handleCancelTask"

	taskID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		d.send(ctx, chatID, msgUnknownAction, nil)
		return nil
	}
	if err := d.engine.Cancel(ctx, user, taskID); err != nil {
		if errors.Is(err, taskengine.ErrNoAttempt) || errors.Is(err, taskengine.ErrWrongStatus) {
			d.send(ctx, chatID, msgNoAttempt, nil)
			return nil
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	d.send(ctx, chatID, msgTaskCancelled, nil)
	return nil
}

func (d *Dispatcher) handleVerify(ctx context.Context, user *models.User, chatID int64) error {
	const op = "bot.handleVerify"

	res, err := d.gate.CheckAll(ctx, user.TgID)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if !res.AllSubscribed {
		d.sendSubscriptionOffer(ctx, chatID, res.Missing)
		return nil
	}
	d.sendMenu(ctx, chatID, msgSubscribed)
	return nil
}

func (d *Dispatcher) sendOutcome(ctx context.Context, chatID int64, out *taskengine.Outcome) {
	if out.NeedsReview {
		d.send(ctx, chatID, msgTaskUnderReview, nil)
		return
	}
	metrics.TasksCompleted.Inc()
	d.send(ctx, chatID, fmt.Sprintf("🎉 Задание выполнено! Начислено %.2f.", out.Reward), nil)
}

// --- кнопки меню и их действия --------------------------------------

func (d *Dispatcher) loadButtons(ctx context.Context) ([]*models.Button, error) {
	const op = "bot.loadButtons"

	if v, ok := d.cache.Get(buttonsCacheKey); ok {
		return v.([]*models.Button), nil
	}
	buttons, err := d.store.ListActiveButtons(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	d.cache.Set(buttonsCacheKey, buttons, buttonsCacheTTL)
	return buttons, nil
}

func (d *Dispatcher) performButton(ctx context.Context, user *models.User, chatID int64, b *models.Button) error {
	action, err := models.ParseButtonAction(b.Action)
	if err != nil {
		d.log.Warn("button has invalid action", sl.Err(err))
		d.send(ctx, chatID, msgUnknownAction, nil)
		return nil
	}
	return d.performAction(ctx, user, chatID, action)
}

func (d *Dispatcher) performAction(ctx context.Context, user *models.User, chatID int64, a *models.ButtonAction) error {
	switch a.Type {
	case models.ActionText:
		d.send(ctx, chatID, scenario.Substitute(a.Text, user), nil)
	case models.ActionMedia:
		d.sendMedia(ctx, chatID, a.MediaURL, scenario.Substitute(a.Caption, user))
	case models.ActionURL:
		d.send(ctx, chatID, a.URL, nil)
	case models.ActionCommand:
		return d.runCommand(ctx, user, chatID, a.Command, "")
	case models.ActionSubmenu:
		d.sendMenu(ctx, chatID, msgMenu)
	}
	return nil
}

func (d *Dispatcher) sendMenu(ctx context.Context, chatID int64, text string) {
	buttons, err := d.loadButtons(ctx)
	if err != nil || len(buttons) == 0 {
		if err != nil {
			d.log.Warn("failed to load menu buttons", sl.Err(err))
		}
		d.send(ctx, chatID, text, nil)
		return
	}
	d.send(ctx, chatID, text, telegram.ReplyKeyboard(buttons))
}

func (d *Dispatcher) sendSubscriptionOffer(ctx context.Context, chatID int64, missing []*models.Channel) {
	var sb strings.Builder
	sb.WriteString("Для продолжения подпишитесь на каналы:\n")
	for _, ch := range missing {
		sb.WriteString("• " + ch.Title + "\n")
	}
	d.send(ctx, chatID, sb.String(), telegram.ChannelsKeyboard(missing))
}

func (d *Dispatcher) sendTasksList(ctx context.Context, chatID int64) error {
	const op = "bot.sendTasksList"

	tasks, err := d.store.ListActiveTasks(ctx, tasksPageSize, 0)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if len(tasks) == 0 {
		d.send(ctx, chatID, msgNoTasks, nil)
		return nil
	}
	d.send(ctx, chatID, "Доступные задания:", telegram.TasksKeyboard(tasks))
	return nil
}

func (d *Dispatcher) balanceText(user *models.User) string {
	return scenario.Substitute(
		"💰 Баланс: {balance}\n✅ Выполнено заданий: {tasks_completed}\n📈 Всего заработано: {total_earned}",
		user)
}

func (d *Dispatcher) helpText(ctx context.Context) string {
	users := d.settings.GetValue(ctx, settings.KeyStatsUsers, "0")
	paid := d.settings.GetValue(ctx, settings.KeyStatsPaid, "0")
	return fmt.Sprintf(`Команды:
/tasks — список заданий
/balance — баланс и статистика
/withdraw <сумма> <кошелёк> — вывод средств
/help — эта справка

Нас уже %s пользователей, выплачено %s!`, users, paid)
}

func (d *Dispatcher) handleWithdraw(ctx context.Context, user *models.User, chatID int64, args string) error {
	const op = "bot.handleWithdraw"

	fields := strings.Fields(args)
	if len(fields) != 2 {
		d.send(ctx, chatID, msgWithdrawUsage, nil)
		return nil
	}
	amount, err := strconv.ParseFloat(fields[0], 64)
	if err != nil || amount <= 0 {
		d.send(ctx, chatID, msgWithdrawUsage, nil)
		return nil
	}

	if err := d.accounts.Withdraw(ctx, user, amount, fields[1]); err != nil {
		switch {
		case errors.Is(err, account.ErrAmountBelowMin):
			d.send(ctx, chatID, msgWithdrawBelowMin, nil)
		case errors.Is(err, account.ErrAmountAboveMax):
			d.send(ctx, chatID, msgWithdrawAboveMax, nil)
		case errors.Is(err, account.ErrBadWallet):
			d.send(ctx, chatID, msgWithdrawBadWallet, nil)
		case errors.Is(err, account.ErrInsufficientBalance):
			d.send(ctx, chatID, msgWithdrawNoFunds, nil)
		default:
			return fmt.Errorf("%s: %w", op, err)
		}
		return nil
	}
	d.send(ctx, chatID, fmt.Sprintf(msgWithdrawAccepted, amount), nil)
	return nil
}
