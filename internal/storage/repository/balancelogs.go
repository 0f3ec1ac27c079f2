package repository

import (
	"context"
	"fmt"

	"github.com/rewardly/taskbot/internal/models"
)

// CreateBalanceLog добавляет неизменяемую запись журнала баланса
// и возвращает её ID. Записи журнала никогда не обновляются.
func (s *Storage) CreateBalanceLog(ctx context.Context, log models.BalanceLog) (int64, error) {
	const op = "storage.CreateBalanceLog"
	select {
	case <-ctx.Done():
		return 0, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	var newID int64
	query := `INSERT INTO balance_logs (user_id, delta, balance_before, balance_after,
			      reason, comment, admin_id)
			  VALUES ($1, $2, $3, $4, $5, $6, $7)
			  RETURNING id`
	if err := s.DB.QueryRowContext(ctx, query,
		log.UserID, log.Delta, log.BalanceBefore, log.BalanceAfter,
		log.Reason, log.Comment, log.AdminID).Scan(&newID); err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return newID, nil
}

// ListBalanceLogs возвращает записи журнала пользователя с пагинацией,
// от новых к старым.
func (s *Storage) ListBalanceLogs(ctx context.Context, userID int64, limit, offset int) ([]*models.BalanceLog, error) {
	const op = "storage.ListBalanceLogs"
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	query := `SELECT id, user_id, delta, balance_before, balance_after, reason,
			      comment, admin_id, created_at
			  FROM balance_logs
			  WHERE user_id = $1
			  ORDER BY created_at DESC
			  LIMIT $2 OFFSET $3`
	rows, err := s.DB.QueryContext(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var result []*models.BalanceLog
	for rows.Next() {
		var item models.BalanceLog
		if err := rows.Scan(&item.ID, &item.UserID, &item.Delta, &item.BalanceBefore,
			&item.BalanceAfter, &item.Reason, &item.Comment, &item.AdminID,
			&item.CreatedAt); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		result = append(result, &item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return result, nil
}

// SumPaidOut возвращает сумму всех начислений за задания. Используется
// пересчётом витринной статистики.
func (s *Storage) SumPaidOut(ctx context.Context) (float64, error) {
	const op = "storage.SumPaidOut"
	select {
	case <-ctx.Done():
		return 0, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	var res *float64
	query := `SELECT SUM(delta) FROM balance_logs WHERE reason = 'task_reward'`
	if err := s.DB.QueryRowContext(ctx, query).Scan(&res); err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	if res == nil {
		return 0, nil
	}
	return *res, nil
}
