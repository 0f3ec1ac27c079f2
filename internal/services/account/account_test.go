package account

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/rewardly/taskbot/internal/models"
	"github.com/rewardly/taskbot/internal/storage/repository"
)

type RepoMock struct{ mock.Mock }

func (m *RepoMock) GetUserByTgID(ctx context.Context, tgID int64) (*models.User, error) {
	args := m.Called(ctx, tgID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.User), args.Error(1)
}

func (m *RepoMock) CreateUser(ctx context.Context, user models.User) (int64, error) {
	args := m.Called(ctx, user)
	return args.Get(0).(int64), args.Error(1)
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

// Настройки без хранилища: фиксированные значения для теста.
type settingsStub struct {
	bools  map[string]bool
	floats map[string]float64
}

func (s settingsStub) GetBool(_ context.Context, key string, def bool) bool {
	if v, ok := s.bools[key]; ok {
		return v
	}
	return def
}

func (s settingsStub) GetFloat(_ context.Context, key string, def float64) float64 {
	if v, ok := s.floats[key]; ok {
		return v
	}
	return def
}

type notifierStub struct{}

func (notifierStub) PayoutRequested(context.Context, *models.User, float64, string) error {
	return nil
}

func newNoopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
}

func TestService_Resolve(t *testing.T) {
	t.Run("existing user passes through", func(t *testing.T) {
		existing := &models.User{ID: 1, TgID: 100, Status: models.UserStatusActive}
		repo := new(RepoMock)
		repo.On("GetUserByTgID", mock.Anything, int64(100)).Return(existing, nil).Once()

		s := New(repo, new(LedgerMock), settingsStub{}, notifierStub{}, newNoopLogger())
		user, created, err := s.Resolve(context.Background(), Identity{TgID: 100})

		assert.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, existing, user)
	})

	t.Run("first contact registers", func(t *testing.T) {
		repo := new(RepoMock)
		repo.On("GetUserByTgID", mock.Anything, int64(100)).
			Return(nil, repository.ErrUserNotFound).Once()
		repo.On("CreateUser", mock.Anything, mock.MatchedBy(func(u models.User) bool {
			return u.TgID == 100 && u.Status == models.UserStatusActive && u.ReferredBy == nil
		})).Return(int64(7), nil).Once()

		s := New(repo, new(LedgerMock), settingsStub{}, notifierStub{}, newNoopLogger())
		user, created, err := s.Resolve(context.Background(), Identity{
			TgID: 100, Username: "ivan", FirstName: "Иван",
		})

		assert.NoError(t, err)
		assert.True(t, created)
		assert.Equal(t, int64(7), user.ID)
		repo.AssertExpectations(t)
	})

	t.Run("registration disabled", func(t *testing.T) {
		repo := new(RepoMock)
		repo.On("GetUserByTgID", mock.Anything, int64(100)).
			Return(nil, repository.ErrUserNotFound).Once()

		s := New(repo, new(LedgerMock),
			settingsStub{bools: map[string]bool{"registration_enabled": false}},
			notifierStub{}, newNoopLogger())
		_, _, err := s.Resolve(context.Background(), Identity{TgID: 100})

		assert.ErrorIs(t, err, ErrRegistrationDisabled)
		repo.AssertNotCalled(t, "CreateUser", mock.Anything, mock.Anything)
	})

	t.Run("referral payload credits referrer", func(t *testing.T) {
		referrer := &models.User{ID: 2, TgID: 555, Balance: 10}
		repo := new(RepoMock)
		repo.On("GetUserByTgID", mock.Anything, int64(100)).
			Return(nil, repository.ErrUserNotFound).Once()
		repo.On("CreateUser", mock.Anything, mock.MatchedBy(func(u models.User) bool {
			return u.ReferredBy != nil && *u.ReferredBy == 555
		})).Return(int64(7), nil).Once()
		repo.On("GetUserByTgID", mock.Anything, int64(555)).Return(referrer, nil).Once()

		led := new(LedgerMock)
		led.On("Apply", mock.Anything, referrer, 25.0, models.ReasonReferralBonus).
			Return(&models.BalanceLog{Delta: 25}, nil).Once()

		s := New(repo, led,
			settingsStub{floats: map[string]float64{"referral_bonus": 25}},
			notifierStub{}, newNoopLogger())
		_, created, err := s.Resolve(context.Background(), Identity{
			TgID: 100, Payload: "ref555",
		})

		assert.NoError(t, err)
		assert.True(t, created)
		repo.AssertExpectations(t)
		led.AssertExpectations(t)
	})

	t.Run("missing referrer does not break registration", func(t *testing.T) {
		repo := new(RepoMock)
		repo.On("GetUserByTgID", mock.Anything, int64(100)).
			Return(nil, repository.ErrUserNotFound).Once()
		repo.On("CreateUser", mock.Anything, mock.Anything).Return(int64(7), nil).Once()
		repo.On("GetUserByTgID", mock.Anything, int64(555)).
			Return(nil, repository.ErrUserNotFound).Once()

		s := New(repo, new(LedgerMock),
			settingsStub{floats: map[string]float64{"referral_bonus": 25}},
			notifierStub{}, newNoopLogger())
		_, created, err := s.Resolve(context.Background(), Identity{
			TgID: 100, Payload: "ref555",
		})

		assert.NoError(t, err)
		assert.True(t, created)
	})
}

func TestParseReferral(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		self    int64
		want    *int64
	}{
		{name: "valid", payload: "ref555", self: 100, want: ptr(int64(555))},
		{name: "with spaces", payload: "  ref555 ", self: 100, want: ptr(int64(555))},
		{name: "self invite ignored", payload: "ref100", self: 100, want: nil},
		{name: "not a number", payload: "refabc", self: 100, want: nil},
		{name: "no prefix", payload: "555", self: 100, want: nil},
		{name: "empty", payload: "", self: 100, want: nil},
		{name: "negative", payload: "ref-5", self: 100, want: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseReferral(tt.payload, tt.self)
			if tt.want == nil {
				assert.Nil(t, got)
			} else {
				assert.NotNil(t, got)
				assert.Equal(t, *tt.want, *got)
			}
		})
	}
}

func ptr[T any](v T) *T { return &v }

func TestService_Withdraw(t *testing.T) {
	limits := settingsStub{floats: map[string]float64{
		"min_withdrawal": 50,
		"max_withdrawal": 1000,
	}}
	user := &models.User{ID: 1, TgID: 100, Balance: 500}

	t.Run("debits through ledger", func(t *testing.T) {
		led := new(LedgerMock)
		led.On("Apply", mock.Anything, user, -100.0, models.ReasonPayoutRequest).
			Return(&models.BalanceLog{Delta: -100}, nil).Once()

		s := New(new(RepoMock), led, limits, notifierStub{}, newNoopLogger())
		err := s.Withdraw(context.Background(), user, 100, "TWallet_42")

		assert.NoError(t, err)
		led.AssertExpectations(t)
	})

	t.Run("below minimum", func(t *testing.T) {
		s := New(new(RepoMock), new(LedgerMock), limits, notifierStub{}, newNoopLogger())
		err := s.Withdraw(context.Background(), user, 10, "TWallet_42")
		assert.ErrorIs(t, err, ErrAmountBelowMin)
	})

	t.Run("above maximum", func(t *testing.T) {
		s := New(new(RepoMock), new(LedgerMock), limits, notifierStub{}, newNoopLogger())
		err := s.Withdraw(context.Background(), user, 5000, "TWallet_42")
		assert.ErrorIs(t, err, ErrAmountAboveMax)
	})

	t.Run("bad wallet", func(t *testing.T) {
		s := New(new(RepoMock), new(LedgerMock), limits, notifierStub{}, newNoopLogger())
		err := s.Withdraw(context.Background(), user, 100, "о кошелёк!")
		assert.ErrorIs(t, err, ErrBadWallet)
	})

	t.Run("insufficient balance from ledger", func(t *testing.T) {
		led := new(LedgerMock)
		led.On("Apply", mock.Anything, user, -600.0, models.ReasonPayoutRequest).
			Return(nil, errors.New("ledger.Apply: insufficient balance")).Once()

		s := New(new(RepoMock), led, limits, notifierStub{}, newNoopLogger())
		err := s.Withdraw(context.Background(), user, 600, "TWallet_42")
		assert.Error(t, err)
	})
}
