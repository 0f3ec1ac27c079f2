// Package taskengine реализует машину состояний выполнения задания:
// взятие в работу, отправку на проверку, отмену, автоматическое или
// ручное подтверждение и начисление награды через журнал баланса.
//
// Для пары (пользователь, задание) одновременно допустима не более
// одной попытки в неконечном статусе; завершённые и отклонённые записи
// неизменяемы.
package taskengine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/rewardly/taskbot/internal/lib/bg"
	"github.com/rewardly/taskbot/internal/lib/money"
	"github.com/rewardly/taskbot/internal/models"
	"github.com/rewardly/taskbot/internal/storage/repository"
)

// Порог награды, выше которого автоподтверждение отключается и попытка
// уходит на ручную проверку.
const manualReviewThreshold = 50

// Ошибки доменной логики. Диспетчер превращает их в ответы пользователю.
var (
	// ErrTaskUnavailable задание не найдено или неактивно.
	ErrTaskUnavailable = errors.New("task unavailable")
	// ErrLimitReached исчерпан лимит выполнений задания.
	ErrLimitReached = errors.New("per-user limit reached")
	// ErrAttemptExists уже есть незавершённая попытка.
	ErrAttemptExists = errors.New("open attempt already exists")
	// ErrNoAttempt нет попытки в подходящем статусе.
	ErrNoAttempt = errors.New("no open attempt")
	// ErrTooEarly не прошло минимальное время выполнения.
	ErrTooEarly = errors.New("minimum completion time has not elapsed")
	// ErrNotSubscribed подписка на канал задания не подтверждена.
	ErrNotSubscribed = errors.New("channel subscription not confirmed")
	// ErrCooldownActive не истекла пауза между запусками по команде.
	ErrCooldownActive = errors.New("cooldown is active")
	// ErrWrongStatus попытка не в том статусе для операции.
	ErrWrongStatus = errors.New("attempt is in wrong status")
)

// Repository определяет методы хранилища для машины состояний.
type Repository interface {
	GetTask(ctx context.Context, id int64) (*models.Task, error)
	GetTaskByCommand(ctx context.Context, command string) (*models.Task, error)
	GetUserByID(ctx context.Context, id int64) (*models.User, error)
	CreateUserTask(ctx context.Context, ut models.UserTask) (int64, error)
	GetUserTask(ctx context.Context, id int64) (*models.UserTask, error)
	FindOpenUserTask(ctx context.Context, userID, taskID int64) (*models.UserTask, error)
	FindLatestUserTask(ctx context.Context, userID, taskID int64) (*models.UserTask, error)
	CountCompletedUserTasks(ctx context.Context, userID, taskID int64) (int, error)
	UpdateUserTaskStatus(ctx context.Context, ut *models.UserTask) error
	DeleteUserTask(ctx context.Context, id int64) error
	BumpUserTaskStats(ctx context.Context, userID int64, earned float64) error
}

// Ledger начисляет и списывает средства с записью в журнал.
type Ledger interface {
	Apply(ctx context.Context, user *models.User, delta float64,
		reason models.BalanceReason, comment *string, adminID *int64) (*models.BalanceLog, error)
}

// SubscriptionChecker проверяет подписку на конкретный канал задания.
type SubscriptionChecker interface {
	CheckOne(ctx context.Context, chatID, userID int64) (bool, error)
}

// Bus публикует события шины.
type Bus interface {
	Publish(ctx context.Context, event string, payload any) error
}

// Notifier отправляет внешние уведомления. Вызывается в фоне,
// ошибки не влияют на основной поток.
type Notifier interface {
	BalanceChanged(ctx context.Context, user *models.User, delta float64) error
	ReviewQueued(ctx context.Context, attempt *models.UserTask) error
}

// StatsRecomputer пересчитывает витринную статистику.
type StatsRecomputer interface {
	Recompute(ctx context.Context) error
}

// Outcome итог операции submit или запуска по команде.
type Outcome struct {
	Attempt     *models.UserTask
	Completed   bool    // Награда начислена
	NeedsReview bool    // Попытка ушла на ручную проверку
	Reward      float64 // Зафиксированная награда
}

// Engine машина состояний выполнения заданий.
type Engine struct {
	repo     Repository
	ledger   Ledger
	checker  SubscriptionChecker
	bus      Bus
	notifier Notifier
	stats    StatsRecomputer
	log      *slog.Logger

	now       func() time.Time
	randInt   func(n int) int
	randFloat func() float64
}

// New создает новый экземпляр Engine.
func New(repo Repository, ledger Ledger, checker SubscriptionChecker, bus Bus,
	notifier Notifier, stats StatsRecomputer, log *slog.Logger) *Engine {
	return &Engine{
		repo:      repo,
		ledger:    ledger,
		checker:   checker,
		bus:       bus,
		notifier:  notifier,
		stats:     stats,
		log:       log,
		now:       time.Now,
		randInt:   rand.Intn,
		randFloat: rand.Float64,
	}
}

// Start берёт задание в работу: NONE -> IN_PROGRESS. Требует активное
// задание, свободный лимит и отсутствие незавершённой попытки.
func (e *Engine) Start(ctx context.Context, user *models.User, taskID int64) (*models.UserTask, error) {
	const op = "taskengine.Start"

	task, err := e.repo.GetTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, repository.ErrTaskNotFound) {
			return nil, fmt.Errorf("%s: %w", op, ErrTaskUnavailable)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if !task.Active {
		return nil, fmt.Errorf("%s: %w", op, ErrTaskUnavailable)
	}

	if err := e.checkLimit(ctx, user.ID, task); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if _, err := e.repo.FindOpenUserTask(ctx, user.ID, taskID); err == nil {
		return nil, fmt.Errorf("%s: %w", op, ErrAttemptExists)
	} else if !errors.Is(err, repository.ErrAttemptNotFound) {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	ut := models.UserTask{
		UserID:    user.ID,
		TaskID:    taskID,
		Status:    models.UserTaskInProgress,
		StartedAt: e.now(),
	}
	id, err := e.repo.CreateUserTask(ctx, ut)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	ut.ID = id
	return &ut, nil
}

// Submit отправляет взятое задание: IN_PROGRESS -> SUBMITTED или
// COMPLETED. Задания с ручной проверкой и задания с наградой выше
// порога остаются ждать подтверждения, остальные завершаются сразу
// с начислением награды.
func (e *Engine) Submit(ctx context.Context, user *models.User, taskID int64) (*Outcome, error) {
	const op = "taskengine.Submit"

	ut, err := e.repo.FindOpenUserTask(ctx, user.ID, taskID)
	if err != nil {
		if errors.Is(err, repository.ErrAttemptNotFound) {
			return nil, fmt.Errorf("%s: %w", op, ErrNoAttempt)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if ut.Status != models.UserTaskInProgress {
		return nil, fmt.Errorf("%s: %w", op, ErrWrongStatus)
	}

	task, err := e.repo.GetTask(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if task.MinCompletionTime > 0 {
		elapsed := e.now().Sub(ut.StartedAt)
		if elapsed < time.Duration(task.MinCompletionTime)*time.Minute {
			return nil, fmt.Errorf("%s: %w", op, ErrTooEarly)
		}
	}

	if task.TaskType == models.TaskTypeSubscription && task.ChannelID != nil {
		ok, err := e.checker.CheckOne(ctx, *task.ChannelID, user.TgID)
		if err != nil || !ok {
			// состояние остаётся in_progress, пользователю заново
			// предлагается ссылка на канал
			return nil, fmt.Errorf("%s: %w", op, ErrNotSubscribed)
		}
	}

	reward := e.drawIntReward(task)

	if task.TaskType == models.TaskTypeManual || task.RewardMax > manualReviewThreshold {
		now := e.now()
		ut.Status = models.UserTaskSubmitted
		ut.Reward = reward
		ut.SubmittedAt = &now
		if err := e.repo.UpdateUserTaskStatus(ctx, ut); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		e.publish(ctx, models.EventTaskSubmitted, ut)
		bg.Go(e.log, "review-queued", func(ctx context.Context) error {
			return e.notifier.ReviewQueued(ctx, ut)
		})
		return &Outcome{Attempt: ut, NeedsReview: true, Reward: reward}, nil
	}

	if err := e.complete(ctx, user, ut, reward); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &Outcome{Attempt: ut, Completed: true, Reward: reward}, nil
}

// Cancel отменяет взятое задание: IN_PROGRESS -> NONE. Попытка
// удаляется, баланс не затрагивается.
func (e *Engine) Cancel(ctx context.Context, user *models.User, taskID int64) error {
	const op = "taskengine.Cancel"

	ut, err := e.repo.FindOpenUserTask(ctx, user.ID, taskID)
	if err != nil {
		if errors.Is(err, repository.ErrAttemptNotFound) {
			return fmt.Errorf("%s: %w", op, ErrNoAttempt)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	if ut.Status != models.UserTaskInProgress {
		return fmt.Errorf("%s: %w", op, ErrWrongStatus)
	}
	if err := e.repo.DeleteUserTask(ctx, ut.ID); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// Approve подтверждает попытку с ручной проверкой: SUBMITTED ->
// COMPLETED. Начисляется награда, зафиксированная при отправке,
// без повторного розыгрыша.
func (e *Engine) Approve(ctx context.Context, attemptID, adminID int64) (*Outcome, error) {
	const op = "taskengine.Approve"

	ut, err := e.repo.GetUserTask(ctx, attemptID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if ut.Status != models.UserTaskSubmitted {
		return nil, fmt.Errorf("%s: %w", op, ErrWrongStatus)
	}

	user, err := e.repo.GetUserByID(ctx, ut.UserID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if err := e.complete(ctx, user, ut, ut.Reward); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	e.log.Info("attempt approved",
		slog.Int64("attempt_id", attemptID), slog.Int64("admin_id", adminID))
	return &Outcome{Attempt: ut, Completed: true, Reward: ut.Reward}, nil
}

// Reject отклоняет попытку: SUBMITTED -> REJECTED. Статус конечный,
// баланс не затрагивается.
func (e *Engine) Reject(ctx context.Context, attemptID, adminID int64, reason string) error {
	const op = "taskengine.Reject"

	ut, err := e.repo.GetUserTask(ctx, attemptID)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if ut.Status != models.UserTaskSubmitted {
		return fmt.Errorf("%s: %w", op, ErrWrongStatus)
	}

	ut.Status = models.UserTaskRejected
	if reason != "" {
		ut.RejectReason = &reason
	}
	if err := e.repo.UpdateUserTaskStatus(ctx, ut); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	e.log.Info("attempt rejected",
		slog.Int64("attempt_id", attemptID), slog.Int64("admin_id", adminID))
	return nil
}

// RunCommand выполняет задание, привязанное к команде-псевдониму,
// минуя разделение start/submit. Пауза между запусками и лимит на
// пользователя проверяются так же, как в основном пути; награда
// разыгрывается как равномерная дробная величина.
func (e *Engine) RunCommand(ctx context.Context, user *models.User, command string) (*Outcome, error) {
	const op = "taskengine.RunCommand"

	task, err := e.repo.GetTaskByCommand(ctx, command)
	if err != nil {
		if errors.Is(err, repository.ErrTaskNotFound) {
			return nil, fmt.Errorf("%s: %w", op, ErrTaskUnavailable)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if task.CooldownHours > 0 {
		latest, err := e.repo.FindLatestUserTask(ctx, user.ID, task.ID)
		switch {
		case err == nil:
			cooldown := time.Duration(task.CooldownHours) * time.Hour
			if e.now().Sub(latest.CreatedAt) < cooldown {
				return nil, fmt.Errorf("%s: %w", op, ErrCooldownActive)
			}
		case !errors.Is(err, repository.ErrAttemptNotFound):
			return nil, fmt.Errorf("%s: %w", op, err)
		}
	}

	if err := e.checkLimit(ctx, user.ID, task); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	reward := e.drawFloatReward(task)
	now := e.now()

	if task.TaskType == models.TaskTypeManual {
		ut := models.UserTask{
			UserID:      user.ID,
			TaskID:      task.ID,
			Status:      models.UserTaskSubmitted,
			Reward:      reward,
			StartedAt:   now,
			SubmittedAt: &now,
		}
		id, err := e.repo.CreateUserTask(ctx, ut)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		ut.ID = id
		e.publish(ctx, models.EventTaskSubmitted, &ut)
		bg.Go(e.log, "review-queued", func(ctx context.Context) error {
			return e.notifier.ReviewQueued(ctx, &ut)
		})
		return &Outcome{Attempt: &ut, NeedsReview: true, Reward: reward}, nil
	}

	ut := models.UserTask{
		UserID:    user.ID,
		TaskID:    task.ID,
		Status:    models.UserTaskInProgress,
		Reward:    reward,
		StartedAt: now,
	}
	id, err := e.repo.CreateUserTask(ctx, ut)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	ut.ID = id
	if err := e.complete(ctx, user, &ut, reward); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &Outcome{Attempt: &ut, Completed: true, Reward: reward}, nil
}

func (e *Engine) checkLimit(ctx context.Context, userID int64, task *models.Task) error {
	count, err := e.repo.CountCompletedUserTasks(ctx, userID, task.ID)
	if err != nil {
		return err
	}
	if count >= task.MaxPerUser {
		return ErrLimitReached
	}
	return nil
}

// complete завершает попытку с начислением награды: запись в журнал,
// обновление счётчиков пользователя, перевод попытки в completed и
// фоновые уведомления.
func (e *Engine) complete(ctx context.Context, user *models.User, ut *models.UserTask, reward float64) error {
	comment := fmt.Sprintf("task #%d", ut.TaskID)
	if _, err := e.ledger.Apply(ctx, user, reward, models.ReasonTaskReward, &comment, nil); err != nil {
		return err
	}

	if err := e.repo.BumpUserTaskStats(ctx, user.ID, reward); err != nil {
		return err
	}
	user.TasksCompleted++
	user.TotalEarned = money.Round(user.TotalEarned + reward)

	now := e.now()
	ut.Status = models.UserTaskCompleted
	ut.Reward = reward
	ut.RewardReceived = reward
	ut.CompletedAt = &now
	if err := e.repo.UpdateUserTaskStatus(ctx, ut); err != nil {
		return err
	}

	e.publish(ctx, models.EventBalanceChanged, map[string]any{
		"user_id": user.ID,
		"delta":   reward,
	})
	bg.Go(e.log, "balance-notify", func(ctx context.Context) error {
		return e.notifier.BalanceChanged(ctx, user, reward)
	})
	bg.Go(e.log, "fake-stats", func(ctx context.Context) error {
		return e.stats.Recompute(ctx)
	})
	return nil
}

// drawIntReward разыгрывает целочисленную награду пути start/submit:
// floor(random * (max - min + 1)) + min.
func (e *Engine) drawIntReward(task *models.Task) float64 {
	rmin, rmax := int(task.RewardMin), int(task.RewardMax)
	if rmax <= rmin {
		return float64(rmin)
	}
	return float64(e.randInt(rmax-rmin+1) + rmin)
}

// drawFloatReward разыгрывает дробную награду командного пути:
// равномерная величина на [min, max]. Политики розыгрыша двух путей
// намеренно различаются.
func (e *Engine) drawFloatReward(task *models.Task) float64 {
	return money.Round(task.RewardMin + e.randFloat()*(task.RewardMax-task.RewardMin))
}

func (e *Engine) publish(ctx context.Context, event string, payload any) {
	if err := e.bus.Publish(ctx, event, payload); err != nil {
		e.log.Warn("failed to publish event", slog.String("event", event))
	}
}
