package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/rewardly/taskbot/internal/models"
)

// ErrUserNotFound возвращается, когда пользователь отсутствует в базе.
var ErrUserNotFound = errors.New("user not found")

// CreateUser сохраняет нового пользователя и возвращает его ID.
func (s *Storage) CreateUser(ctx context.Context, user models.User) (int64, error) {
	const op = "storage.CreateUser"
	select {
	case <-ctx.Done():
		return 0, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	var newID int64
	query := `INSERT INTO users (tg_id, username, first_name, balance, tasks_completed,
			      total_earned, status, referred_by)
			  VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			  RETURNING id`
	if err := s.DB.QueryRowContext(ctx, query,
		user.TgID, user.Username, user.FirstName, user.Balance, user.TasksCompleted,
		user.TotalEarned, user.Status, user.ReferredBy).Scan(&newID); err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return newID, nil
}

// GetUserByTgID возвращает пользователя по идентификатору Telegram.
func (s *Storage) GetUserByTgID(ctx context.Context, tgID int64) (*models.User, error) {
	const op = "storage.GetUserByTgID"
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	query := `SELECT id, tg_id, username, first_name, balance, tasks_completed,
			      total_earned, status, referred_by, created_at
			  FROM users
			  WHERE tg_id = $1`
	u := &models.User{}
	row := s.DB.QueryRowContext(ctx, query, tgID)

	var referredBy sql.NullInt64
	if err := row.Scan(&u.ID, &u.TgID, &u.Username, &u.FirstName, &u.Balance,
		&u.TasksCompleted, &u.TotalEarned, &u.Status, &referredBy, &u.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", op, ErrUserNotFound)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if referredBy.Valid {
		u.ReferredBy = &referredBy.Int64
	}
	return u, nil
}

// GetUserByID возвращает пользователя по внутреннему ID.
func (s *Storage) GetUserByID(ctx context.Context, id int64) (*models.User, error) {
	const op = "storage.GetUserByID"
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	query := `SELECT id, tg_id, username, first_name, balance, tasks_completed,
			      total_earned, status, referred_by, created_at
			  FROM users
			  WHERE id = $1`
	u := &models.User{}
	row := s.DB.QueryRowContext(ctx, query, id)

	var referredBy sql.NullInt64
	if err := row.Scan(&u.ID, &u.TgID, &u.Username, &u.FirstName, &u.Balance,
		&u.TasksCompleted, &u.TotalEarned, &u.Status, &referredBy, &u.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", op, ErrUserNotFound)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if referredBy.Valid {
		u.ReferredBy = &referredBy.Int64
	}
	return u, nil
}

// UpdateUserBalance сохраняет новое значение баланса пользователя.
func (s *Storage) UpdateUserBalance(ctx context.Context, userID int64, balance float64) error {
	const op = "storage.UpdateUserBalance"
	select {
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	query := `UPDATE users SET balance = $1 WHERE id = $2`
	if _, err := s.DB.ExecContext(ctx, query, balance, userID); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// BumpUserTaskStats увеличивает счётчик выполненных заданий и сумму
// заработанного после успешного завершения задания.
func (s *Storage) BumpUserTaskStats(ctx context.Context, userID int64, earned float64) error {
	const op = "storage.BumpUserTaskStats"
	select {
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	query := `UPDATE users
			  SET tasks_completed = tasks_completed + 1,
			      total_earned = total_earned + $1
			  WHERE id = $2`
	if _, err := s.DB.ExecContext(ctx, query, earned, userID); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// CountUsers возвращает количество зарегистрированных пользователей.
func (s *Storage) CountUsers(ctx context.Context) (int, error) {
	const op = "storage.CountUsers"
	select {
	case <-ctx.Done():
		return 0, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	var count int
	if err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&count); err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return count, nil
}
