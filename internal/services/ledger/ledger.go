// Package ledger реализует журнал баланса: каждое изменение баланса
// пользователя сопровождается неизменяемой записью аудита с балансом
// до и после операции.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/rewardly/taskbot/internal/lib/money"
	"github.com/rewardly/taskbot/internal/models"
)

// ErrInsufficientBalance возвращается при попытке списать больше,
// чем есть на балансе. Запись журнала в этом случае не создаётся.
var ErrInsufficientBalance = errors.New("insufficient balance")

// Repository определяет методы хранилища для изменения баланса.
type Repository interface {
	// UpdateUserBalance сохраняет новое значение баланса пользователя.
	UpdateUserBalance(ctx context.Context, userID int64, balance float64) error
	// CreateBalanceLog добавляет запись журнала и возвращает её ID.
	CreateBalanceLog(ctx context.Context, log models.BalanceLog) (int64, error)
}

// Ledger сервис изменения баланса.
type Ledger struct {
	repo Repository
	log  *slog.Logger
}

// New создает новый экземпляр Ledger.
func New(repo Repository, log *slog.Logger) *Ledger {
	return &Ledger{repo: repo, log: log}
}

// Apply изменяет баланс пользователя на delta и добавляет запись журнала.
// Инвариант: balance_after = balance_before + delta, и balance_after
// совпадает с сохранённым балансом пользователя. Отрицательный итог
// отклоняется до любых записей. Чтение и запись не обёрнуты в
// транзакцию: обновления одного пользователя сериализует цикл бота.
func (l *Ledger) Apply(ctx context.Context, user *models.User, delta float64,
	reason models.BalanceReason, comment *string, adminID *int64) (*models.BalanceLog, error) {
	const op = "ledger.Apply"

	before := user.Balance
	after := money.Round(before + delta)
	if after < 0 {
		return nil, fmt.Errorf("%s: %w", op, ErrInsufficientBalance)
	}

	if err := l.repo.UpdateUserBalance(ctx, user.ID, after); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	user.Balance = after

	entry := models.BalanceLog{
		UserID:        user.ID,
		Delta:         money.Round(delta),
		BalanceBefore: before,
		BalanceAfter:  after,
		Reason:        reason,
		Comment:       comment,
		AdminID:       adminID,
	}
	id, err := l.repo.CreateBalanceLog(ctx, entry)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	entry.ID = id

	l.log.Info("balance changed",
		slog.Int64("user_id", user.ID),
		slog.Float64("delta", entry.Delta),
		slog.String("reason", string(reason)))
	return &entry, nil
}
