// Package account отвечает за учётные записи: регистрацию при первом
// обращении, реферальный бонус пригласившему и заявки на вывод средств.
package account

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/rewardly/taskbot/internal/lib/bg"
	"github.com/rewardly/taskbot/internal/lib/sl"
	"github.com/rewardly/taskbot/internal/models"
	"github.com/rewardly/taskbot/internal/services/ledger"
	"github.com/rewardly/taskbot/internal/settings"
	"github.com/rewardly/taskbot/internal/storage/repository"
)

// Ошибки доменной логики вывода средств.
var (
	// ErrRegistrationDisabled регистрация новых пользователей выключена.
	ErrRegistrationDisabled = errors.New("registration is disabled")
	// ErrAmountBelowMin сумма меньше минимальной для вывода.
	ErrAmountBelowMin = errors.New("amount is below minimum withdrawal")
	// ErrAmountAboveMax сумма больше максимальной для вывода.
	ErrAmountAboveMax = errors.New("amount is above maximum withdrawal")
	// ErrBadWallet кошелёк не прошёл проверку формата.
	ErrBadWallet = errors.New("wallet format is invalid")
	// ErrInsufficientBalance на балансе не хватает средств.
	ErrInsufficientBalance = ledger.ErrInsufficientBalance
)

// Кошелёк: латиница, цифры и разделители, от 5 до 64 символов.
var walletRe = regexp.MustCompile(`^[A-Za-z0-9_\-.:]{5,64}$`)

// Пределы вывода по умолчанию, когда настройки не заданы.
const (
	defaultMinWithdrawal = 50
	defaultMaxWithdrawal = 5000
)

// Repository определяет методы хранилища для работы с учётными записями.
type Repository interface {
	GetUserByTgID(ctx context.Context, tgID int64) (*models.User, error)
	CreateUser(ctx context.Context, user models.User) (int64, error)
}

// Ledger проводит изменения баланса через журнал.
type Ledger interface {
	Apply(ctx context.Context, user *models.User, delta float64,
		reason models.BalanceReason, comment *string, adminID *int64) (*models.BalanceLog, error)
}

// Settings читает настройки регистрации и вывода.
type Settings interface {
	GetBool(ctx context.Context, key string, def bool) bool
	GetFloat(ctx context.Context, key string, def float64) float64
}

// Notifier уведомляет внешние системы о заявке на вывод.
type Notifier interface {
	PayoutRequested(ctx context.Context, user *models.User, amount float64, wallet string) error
}

// Service сервис учётных записей.
type Service struct {
	repo     Repository
	ledger   Ledger
	settings Settings
	notifier Notifier
	log      *slog.Logger
}

// New создает новый экземпляр Service.
func New(repo Repository, ledger Ledger, settings Settings, notifier Notifier, log *slog.Logger) *Service {
	return &Service{repo: repo, ledger: ledger, settings: settings, notifier: notifier, log: log}
}

// Identity данные отправителя обновления, достаточные для регистрации.
type Identity struct {
	TgID      int64
	Username  string
	FirstName string
	Payload   string // Аргумент /start, например "ref123456"
}

// Resolve возвращает пользователя по идентификатору Telegram, при первом
// обращении регистрирует его. Возвращает признак того, что пользователь
// только что создан: диспетчер показывает ему приветствие и прекращает
// обработку этого обновления.
func (s *Service) Resolve(ctx context.Context, id Identity) (*models.User, bool, error) {
	const op = "account.Resolve"

	user, err := s.repo.GetUserByTgID(ctx, id.TgID)
	if err == nil {
		return user, false, nil
	}
	if !errors.Is(err, repository.ErrUserNotFound) {
		return nil, false, fmt.Errorf("%s: %w", op, err)
	}

	if !s.settings.GetBool(ctx, settings.KeyRegistrationEnabled, true) {
		return nil, false, fmt.Errorf("%s: %w", op, ErrRegistrationDisabled)
	}

	referredBy := parseReferral(id.Payload, id.TgID)
	newUser := models.User{
		TgID:       id.TgID,
		Username:   id.Username,
		FirstName:  id.FirstName,
		Status:     models.UserStatusActive,
		ReferredBy: referredBy,
	}
	newID, err := s.repo.CreateUser(ctx, newUser)
	if err != nil {
		return nil, false, fmt.Errorf("%s: %w", op, err)
	}
	newUser.ID = newID

	s.log.Info("user registered",
		slog.Int64("tg_id", id.TgID), slog.String("username", id.Username))

	if referredBy != nil {
		s.creditReferrer(ctx, *referredBy, id.TgID)
	}
	return &newUser, true, nil
}

// creditReferrer начисляет бонус пригласившему. Ошибка не мешает
// регистрации: бонус теряется, событие логируется.
func (s *Service) creditReferrer(ctx context.Context, referrerTgID, newTgID int64) {
	bonus := s.settings.GetFloat(ctx, settings.KeyReferralBonus, 0)
	if bonus <= 0 {
		return
	}
	referrer, err := s.repo.GetUserByTgID(ctx, referrerTgID)
	if err != nil {
		s.log.Warn("referrer not found",
			slog.Int64("referrer_tg_id", referrerTgID), sl.Err(err))
		return
	}
	comment := fmt.Sprintf("invited tg %d", newTgID)
	if _, err := s.ledger.Apply(ctx, referrer, bonus, models.ReasonReferralBonus, &comment, nil); err != nil {
		s.log.Error("failed to credit referral bonus",
			slog.Int64("referrer_tg_id", referrerTgID), sl.Err(err))
	}
}

// parseReferral извлекает TgID пригласившего из аргумента /start.
// Самоприглашение игнорируется.
func parseReferral(payload string, selfTgID int64) *int64 {
	raw, ok := strings.CutPrefix(strings.TrimSpace(payload), "ref")
	if !ok {
		return nil
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 || id == selfTgID {
		return nil
	}
	return &id
}

// Withdraw списывает сумму с баланса по заявке на вывод. Проверяются
// пределы из настроек и формат кошелька, списание идёт через журнал,
// поэтому уход в минус отклоняется там.
func (s *Service) Withdraw(ctx context.Context, user *models.User, amount float64, wallet string) error {
	const op = "account.Withdraw"

	minAmount := s.settings.GetFloat(ctx, settings.KeyMinWithdrawal, defaultMinWithdrawal)
	maxAmount := s.settings.GetFloat(ctx, settings.KeyMaxWithdrawal, defaultMaxWithdrawal)
	if amount < minAmount {
		return fmt.Errorf("%s: %w", op, ErrAmountBelowMin)
	}
	if amount > maxAmount {
		return fmt.Errorf("%s: %w", op, ErrAmountAboveMax)
	}
	if !walletRe.MatchString(wallet) {
		return fmt.Errorf("%s: %w", op, ErrBadWallet)
	}

	comment := "payout to " + wallet
	if _, err := s.ledger.Apply(ctx, user, -amount, models.ReasonPayoutRequest, &comment, nil); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	bg.Go(s.log, "payout-notify", func(ctx context.Context) error {
		return s.notifier.PayoutRequested(ctx, user, amount, wallet)
	})
	return nil
}
