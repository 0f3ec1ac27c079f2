package taskengine

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/rewardly/taskbot/internal/models"
	"github.com/rewardly/taskbot/internal/storage/repository"
)

type RepoMock struct{ mock.Mock }

func (m *RepoMock) GetTask(ctx context.Context, id int64) (*models.Task, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Task), args.Error(1)
}

func (m *RepoMock) GetTaskByCommand(ctx context.Context, command string) (*models.Task, error) {
	args := m.Called(ctx, command)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Task), args.Error(1)
}

func (m *RepoMock) GetUserByID(ctx context.Context, id int64) (*models.User, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.User), args.Error(1)
}

func (m *RepoMock) CreateUserTask(ctx context.Context, ut models.UserTask) (int64, error) {
	args := m.Called(ctx, ut)
	return args.Get(0).(int64), args.Error(1)
}

func (m *RepoMock) GetUserTask(ctx context.Context, id int64) (*models.UserTask, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.UserTask), args.Error(1)
}

func (m *RepoMock) FindOpenUserTask(ctx context.Context, userID, taskID int64) (*models.UserTask, error) {
	args := m.Called(ctx, userID, taskID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.UserTask), args.Error(1)
}

func (m *RepoMock) FindLatestUserTask(ctx context.Context, userID, taskID int64) (*models.UserTask, error) {
	args := m.Called(ctx, userID, taskID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.UserTask), args.Error(1)
}

func (m *RepoMock) CountCompletedUserTasks(ctx context.Context, userID, taskID int64) (int, error) {
	args := m.Called(ctx, userID, taskID)
	return args.Int(0), args.Error(1)
}

func (m *RepoMock) UpdateUserTaskStatus(ctx context.Context, ut *models.UserTask) error {
	args := m.Called(ctx, ut)
	return args.Error(0)
}

func (m *RepoMock) DeleteUserTask(ctx context.Context, id int64) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *RepoMock) BumpUserTaskStats(ctx context.Context, userID int64, earned float64) error {
	args := m.Called(ctx, userID, earned)
	return args.Error(0)
}

type LedgerMock struct{ mock.Mock }

func (m *LedgerMock) Apply(ctx context.Context, user *models.User, delta float64,
	reason models.BalanceReason, comment *string, adminID *int64) (*models.BalanceLog, error) {
	args := m.Called(ctx, user, delta, reason)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.BalanceLog), args.Error(1)
}

type CheckerMock struct{ mock.Mock }

func (m *CheckerMock) CheckOne(ctx context.Context, chatID, userID int64) (bool, error) {
	args := m.Called(ctx, chatID, userID)
	return args.Bool(0), args.Error(1)
}

// Фоновые и широковещательные зависимости: простые заглушки вместо
// моков, чтобы горутины уведомлений не гонялись с проверками теста.
type busStub struct {
	mu     sync.Mutex
	events []string
}

func (b *busStub) Publish(_ context.Context, event string, _ any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, event)
	return nil
}

func (b *busStub) published() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.events...)
}

type notifierStub struct{}

func (notifierStub) BalanceChanged(context.Context, *models.User, float64) error { return nil }
func (notifierStub) ReviewQueued(context.Context, *models.UserTask) error        { return nil }

type statsStub struct{}

func (statsStub) Recompute(context.Context) error { return nil }

func newNoopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
}

func newEngine(repo *RepoMock, ledger *LedgerMock, checker *CheckerMock, bus *busStub) *Engine {
	e := New(repo, ledger, checker, bus, notifierStub{}, statsStub{}, newNoopLogger())
	e.now = func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }
	e.randInt = func(n int) int { return n - 1 } // всегда максимум диапазона
	e.randFloat = func() float64 { return 0.5 }
	return e
}

func activeTask() *models.Task {
	return &models.Task{
		ID:         10,
		TaskType:   models.TaskTypeAction,
		RewardMin:  5,
		RewardMax:  15,
		MaxPerUser: 3,
		Active:     true,
	}
}

func TestEngine_Start(t *testing.T) {
	user := &models.User{ID: 1, TgID: 100}

	t.Run("success", func(t *testing.T) {
		repo := new(RepoMock)
		repo.On("GetTask", mock.Anything, int64(10)).Return(activeTask(), nil).Once()
		repo.On("CountCompletedUserTasks", mock.Anything, int64(1), int64(10)).Return(0, nil).Once()
		repo.On("FindOpenUserTask", mock.Anything, int64(1), int64(10)).
			Return(nil, repository.ErrAttemptNotFound).Once()
		repo.On("CreateUserTask", mock.Anything, mock.MatchedBy(func(ut models.UserTask) bool {
			return ut.Status == models.UserTaskInProgress && ut.UserID == 1 && ut.TaskID == 10
		})).Return(int64(55), nil).Once()

		e := newEngine(repo, new(LedgerMock), new(CheckerMock), &busStub{})
		ut, err := e.Start(context.Background(), user, 10)

		assert.NoError(t, err)
		assert.Equal(t, int64(55), ut.ID)
		assert.Equal(t, models.UserTaskInProgress, ut.Status)
		repo.AssertExpectations(t)
	})

	t.Run("inactive task unavailable", func(t *testing.T) {
		task := activeTask()
		task.Active = false
		repo := new(RepoMock)
		repo.On("GetTask", mock.Anything, int64(10)).Return(task, nil).Once()

		e := newEngine(repo, new(LedgerMock), new(CheckerMock), &busStub{})
		_, err := e.Start(context.Background(), user, 10)

		assert.ErrorIs(t, err, ErrTaskUnavailable)
	})

	t.Run("limit reached", func(t *testing.T) {
		repo := new(RepoMock)
		repo.On("GetTask", mock.Anything, int64(10)).Return(activeTask(), nil).Once()
		repo.On("CountCompletedUserTasks", mock.Anything, int64(1), int64(10)).Return(3, nil).Once()

		e := newEngine(repo, new(LedgerMock), new(CheckerMock), &busStub{})
		_, err := e.Start(context.Background(), user, 10)

		assert.ErrorIs(t, err, ErrLimitReached)
	})

	t.Run("open attempt already exists", func(t *testing.T) {
		repo := new(RepoMock)
		repo.On("GetTask", mock.Anything, int64(10)).Return(activeTask(), nil).Once()
		repo.On("CountCompletedUserTasks", mock.Anything, int64(1), int64(10)).Return(0, nil).Once()
		repo.On("FindOpenUserTask", mock.Anything, int64(1), int64(10)).
			Return(&models.UserTask{ID: 42, Status: models.UserTaskInProgress}, nil).Once()

		e := newEngine(repo, new(LedgerMock), new(CheckerMock), &busStub{})
		_, err := e.Start(context.Background(), user, 10)

		assert.ErrorIs(t, err, ErrAttemptExists)
	})
}

func TestEngine_SubmitAutoComplete(t *testing.T) {
	user := &models.User{ID: 1, TgID: 100, Balance: 2}
	started := time.Date(2025, 6, 1, 11, 0, 0, 0, time.UTC)
	attempt := &models.UserTask{
		ID: 42, UserID: 1, TaskID: 10,
		Status: models.UserTaskInProgress, StartedAt: started,
	}

	repo := new(RepoMock)
	repo.On("FindOpenUserTask", mock.Anything, int64(1), int64(10)).Return(attempt, nil).Once()
	repo.On("GetTask", mock.Anything, int64(10)).Return(activeTask(), nil).Once()
	// randInt(15-5+1)=10 -> награда 10+5=15
	repo.On("BumpUserTaskStats", mock.Anything, int64(1), 15.0).Return(nil).Once()
	repo.On("UpdateUserTaskStatus", mock.Anything, mock.MatchedBy(func(ut *models.UserTask) bool {
		return ut.Status == models.UserTaskCompleted && ut.Reward == 15 && ut.RewardReceived == 15
	})).Return(nil).Once()

	ledger := new(LedgerMock)
	ledger.On("Apply", mock.Anything, user, 15.0, models.ReasonTaskReward).
		Return(&models.BalanceLog{Delta: 15}, nil).Once()

	bus := &busStub{}
	e := newEngine(repo, ledger, new(CheckerMock), bus)

	out, err := e.Submit(context.Background(), user, 10)
	assert.NoError(t, err)
	assert.True(t, out.Completed)
	assert.False(t, out.NeedsReview)
	assert.Equal(t, 15.0, out.Reward)
	assert.Contains(t, bus.published(), models.EventBalanceChanged)

	repo.AssertExpectations(t)
	ledger.AssertExpectations(t)
}

func TestEngine_SubmitManualReview(t *testing.T) {
	user := &models.User{ID: 1, TgID: 100}
	started := time.Date(2025, 6, 1, 11, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		task func() *models.Task
	}{
		{
			name: "manual task type",
			task: func() *models.Task {
				task := activeTask()
				task.TaskType = models.TaskTypeManual
				return task
			},
		},
		{
			name: "reward above auto-approve threshold",
			task: func() *models.Task {
				task := activeTask()
				task.RewardMax = 120
				return task
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			attempt := &models.UserTask{
				ID: 42, UserID: 1, TaskID: 10,
				Status: models.UserTaskInProgress, StartedAt: started,
			}
			repo := new(RepoMock)
			repo.On("FindOpenUserTask", mock.Anything, int64(1), int64(10)).Return(attempt, nil).Once()
			repo.On("GetTask", mock.Anything, int64(10)).Return(tt.task(), nil).Once()
			repo.On("UpdateUserTaskStatus", mock.Anything, mock.MatchedBy(func(ut *models.UserTask) bool {
				return ut.Status == models.UserTaskSubmitted && ut.SubmittedAt != nil && ut.Reward > 0
			})).Return(nil).Once()

			ledger := new(LedgerMock)
			bus := &busStub{}
			e := newEngine(repo, ledger, new(CheckerMock), bus)

			out, err := e.Submit(context.Background(), user, 10)
			assert.NoError(t, err)
			assert.True(t, out.NeedsReview)
			assert.False(t, out.Completed)
			assert.Contains(t, bus.published(), models.EventTaskSubmitted)

			// награда не начислялась
			ledger.AssertNotCalled(t, "Apply",
				mock.Anything, mock.Anything, mock.Anything, mock.Anything)
			repo.AssertExpectations(t)
		})
	}
}

func TestEngine_SubmitTooEarly(t *testing.T) {
	user := &models.User{ID: 1, TgID: 100}
	task := activeTask()
	task.MinCompletionTime = 90 // минут

	attempt := &models.UserTask{
		ID: 42, UserID: 1, TaskID: 10,
		Status:    models.UserTaskInProgress,
		StartedAt: time.Date(2025, 6, 1, 11, 0, 0, 0, time.UTC), // прошёл ровно час
	}
	repo := new(RepoMock)
	repo.On("FindOpenUserTask", mock.Anything, int64(1), int64(10)).Return(attempt, nil).Once()
	repo.On("GetTask", mock.Anything, int64(10)).Return(task, nil).Once()

	e := newEngine(repo, new(LedgerMock), new(CheckerMock), &busStub{})
	_, err := e.Submit(context.Background(), user, 10)

	assert.ErrorIs(t, err, ErrTooEarly)
}

func TestEngine_SubmitSubscriptionNotConfirmed(t *testing.T) {
	user := &models.User{ID: 1, TgID: 100}
	channelID := int64(-500)
	task := activeTask()
	task.TaskType = models.TaskTypeSubscription
	task.ChannelID = &channelID

	attempt := &models.UserTask{
		ID: 42, UserID: 1, TaskID: 10,
		Status:    models.UserTaskInProgress,
		StartedAt: time.Date(2025, 6, 1, 11, 0, 0, 0, time.UTC),
	}
	repo := new(RepoMock)
	repo.On("FindOpenUserTask", mock.Anything, int64(1), int64(10)).Return(attempt, nil).Once()
	repo.On("GetTask", mock.Anything, int64(10)).Return(task, nil).Once()

	checker := new(CheckerMock)
	checker.On("CheckOne", mock.Anything, int64(-500), int64(100)).Return(false, nil).Once()

	e := newEngine(repo, new(LedgerMock), checker, &busStub{})
	_, err := e.Submit(context.Background(), user, 10)

	assert.ErrorIs(t, err, ErrNotSubscribed)
	// попытка осталась в in_progress
	repo.AssertNotCalled(t, "UpdateUserTaskStatus", mock.Anything, mock.Anything)
	checker.AssertExpectations(t)
}

func TestEngine_SubmitNoAttempt(t *testing.T) {
	repo := new(RepoMock)
	repo.On("FindOpenUserTask", mock.Anything, int64(1), int64(10)).
		Return(nil, repository.ErrAttemptNotFound).Once()

	e := newEngine(repo, new(LedgerMock), new(CheckerMock), &busStub{})
	_, err := e.Submit(context.Background(), &models.User{ID: 1}, 10)

	assert.ErrorIs(t, err, ErrNoAttempt)
}

func TestEngine_Cancel(t *testing.T) {
	t.Run("deletes in-progress attempt", func(t *testing.T) {
		repo := new(RepoMock)
		repo.On("FindOpenUserTask", mock.Anything, int64(1), int64(10)).
			Return(&models.UserTask{ID: 42, Status: models.UserTaskInProgress}, nil).Once()
		repo.On("DeleteUserTask", mock.Anything, int64(42)).Return(nil).Once()

		e := newEngine(repo, new(LedgerMock), new(CheckerMock), &busStub{})
		err := e.Cancel(context.Background(), &models.User{ID: 1}, 10)

		assert.NoError(t, err)
		repo.AssertExpectations(t)
	})

	t.Run("submitted attempt cannot be cancelled", func(t *testing.T) {
		repo := new(RepoMock)
		repo.On("FindOpenUserTask", mock.Anything, int64(1), int64(10)).
			Return(&models.UserTask{ID: 42, Status: models.UserTaskSubmitted}, nil).Once()

		e := newEngine(repo, new(LedgerMock), new(CheckerMock), &busStub{})
		err := e.Cancel(context.Background(), &models.User{ID: 1}, 10)

		assert.ErrorIs(t, err, ErrWrongStatus)
		repo.AssertNotCalled(t, "DeleteUserTask", mock.Anything, mock.Anything)
	})
}

func TestEngine_Approve(t *testing.T) {
	t.Run("credits captured reward", func(t *testing.T) {
		user := &models.User{ID: 1, TgID: 100}
		attempt := &models.UserTask{
			ID: 42, UserID: 1, TaskID: 10,
			Status: models.UserTaskSubmitted, Reward: 77,
		}
		repo := new(RepoMock)
		repo.On("GetUserTask", mock.Anything, int64(42)).Return(attempt, nil).Once()
		repo.On("GetUserByID", mock.Anything, int64(1)).Return(user, nil).Once()
		repo.On("BumpUserTaskStats", mock.Anything, int64(1), 77.0).Return(nil).Once()
		repo.On("UpdateUserTaskStatus", mock.Anything, mock.MatchedBy(func(ut *models.UserTask) bool {
			return ut.Status == models.UserTaskCompleted && ut.RewardReceived == 77
		})).Return(nil).Once()

		ledger := new(LedgerMock)
		ledger.On("Apply", mock.Anything, user, 77.0, models.ReasonTaskReward).
			Return(&models.BalanceLog{Delta: 77}, nil).Once()

		e := newEngine(repo, ledger, new(CheckerMock), &busStub{})
		out, err := e.Approve(context.Background(), 42, 9000)

		assert.NoError(t, err)
		assert.True(t, out.Completed)
		assert.Equal(t, 77.0, out.Reward)
		repo.AssertExpectations(t)
		ledger.AssertExpectations(t)
	})

	t.Run("completed attempt is immutable", func(t *testing.T) {
		repo := new(RepoMock)
		repo.On("GetUserTask", mock.Anything, int64(42)).
			Return(&models.UserTask{ID: 42, Status: models.UserTaskCompleted}, nil).Once()

		e := newEngine(repo, new(LedgerMock), new(CheckerMock), &busStub{})
		_, err := e.Approve(context.Background(), 42, 9000)

		assert.ErrorIs(t, err, ErrWrongStatus)
	})
}

func TestEngine_Reject(t *testing.T) {
	t.Run("marks rejected with reason", func(t *testing.T) {
		attempt := &models.UserTask{ID: 42, UserID: 1, Status: models.UserTaskSubmitted}
		repo := new(RepoMock)
		repo.On("GetUserTask", mock.Anything, int64(42)).Return(attempt, nil).Once()
		repo.On("UpdateUserTaskStatus", mock.Anything, mock.MatchedBy(func(ut *models.UserTask) bool {
			return ut.Status == models.UserTaskRejected &&
				ut.RejectReason != nil && *ut.RejectReason == "скриншот не читается"
		})).Return(nil).Once()

		ledger := new(LedgerMock)
		e := newEngine(repo, ledger, new(CheckerMock), &busStub{})
		err := e.Reject(context.Background(), 42, 9000, "скриншот не читается")

		assert.NoError(t, err)
		// баланс не затронут
		ledger.AssertNotCalled(t, "Apply",
			mock.Anything, mock.Anything, mock.Anything, mock.Anything)
		repo.AssertExpectations(t)
	})

	t.Run("rejected attempt cannot be rejected again", func(t *testing.T) {
		repo := new(RepoMock)
		repo.On("GetUserTask", mock.Anything, int64(42)).
			Return(&models.UserTask{ID: 42, Status: models.UserTaskRejected}, nil).Once()

		e := newEngine(repo, new(LedgerMock), new(CheckerMock), &busStub{})
		err := e.Reject(context.Background(), 42, 9000, "")

		assert.ErrorIs(t, err, ErrWrongStatus)
	})
}

func TestEngine_RunCommand(t *testing.T) {
	user := &models.User{ID: 1, TgID: 100}

	commandTask := func() *models.Task {
		cmd := "bonus"
		task := activeTask()
		task.Command = &cmd
		task.CooldownHours = 24
		return task
	}

	t.Run("completes with fractional reward", func(t *testing.T) {
		repo := new(RepoMock)
		repo.On("GetTaskByCommand", mock.Anything, "bonus").Return(commandTask(), nil).Once()
		repo.On("FindLatestUserTask", mock.Anything, int64(1), int64(10)).
			Return(nil, repository.ErrAttemptNotFound).Once()
		repo.On("CountCompletedUserTasks", mock.Anything, int64(1), int64(10)).Return(1, nil).Once()
		// randFloat 0.5 на [5, 15] -> 10.00
		repo.On("CreateUserTask", mock.Anything, mock.MatchedBy(func(ut models.UserTask) bool {
			return ut.Reward == 10 && ut.Status == models.UserTaskInProgress
		})).Return(int64(77), nil).Once()
		repo.On("BumpUserTaskStats", mock.Anything, int64(1), 10.0).Return(nil).Once()
		repo.On("UpdateUserTaskStatus", mock.Anything, mock.MatchedBy(func(ut *models.UserTask) bool {
			return ut.ID == 77 && ut.Status == models.UserTaskCompleted
		})).Return(nil).Once()

		ledger := new(LedgerMock)
		ledger.On("Apply", mock.Anything, user, 10.0, models.ReasonTaskReward).
			Return(&models.BalanceLog{Delta: 10}, nil).Once()

		e := newEngine(repo, ledger, new(CheckerMock), &busStub{})
		out, err := e.RunCommand(context.Background(), user, "bonus")

		assert.NoError(t, err)
		assert.True(t, out.Completed)
		assert.Equal(t, 10.0, out.Reward)
		repo.AssertExpectations(t)
		ledger.AssertExpectations(t)
	})

	t.Run("cooldown is active", func(t *testing.T) {
		latest := &models.UserTask{
			ID: 5, CreatedAt: time.Date(2025, 6, 1, 2, 0, 0, 0, time.UTC), // 10 часов назад
		}
		repo := new(RepoMock)
		repo.On("GetTaskByCommand", mock.Anything, "bonus").Return(commandTask(), nil).Once()
		repo.On("FindLatestUserTask", mock.Anything, int64(1), int64(10)).Return(latest, nil).Once()

		e := newEngine(repo, new(LedgerMock), new(CheckerMock), &busStub{})
		_, err := e.RunCommand(context.Background(), user, "bonus")

		assert.ErrorIs(t, err, ErrCooldownActive)
	})

	t.Run("manual task goes to review", func(t *testing.T) {
		task := commandTask()
		task.TaskType = models.TaskTypeManual
		task.CooldownHours = 0

		repo := new(RepoMock)
		repo.On("GetTaskByCommand", mock.Anything, "bonus").Return(task, nil).Once()
		repo.On("CountCompletedUserTasks", mock.Anything, int64(1), int64(10)).Return(0, nil).Once()
		repo.On("CreateUserTask", mock.Anything, mock.MatchedBy(func(ut models.UserTask) bool {
			return ut.Status == models.UserTaskSubmitted && ut.SubmittedAt != nil
		})).Return(int64(78), nil).Once()

		bus := &busStub{}
		e := newEngine(repo, new(LedgerMock), new(CheckerMock), bus)
		out, err := e.RunCommand(context.Background(), user, "bonus")

		assert.NoError(t, err)
		assert.True(t, out.NeedsReview)
		assert.Contains(t, bus.published(), models.EventTaskSubmitted)
		repo.AssertExpectations(t)
	})

	t.Run("unknown command", func(t *testing.T) {
		repo := new(RepoMock)
		repo.On("GetTaskByCommand", mock.Anything, "nope").
			Return(nil, repository.ErrTaskNotFound).Once()

		e := newEngine(repo, new(LedgerMock), new(CheckerMock), &busStub{})
		_, err := e.RunCommand(context.Background(), user, "nope")

		assert.ErrorIs(t, err, ErrTaskUnavailable)
	})
}
