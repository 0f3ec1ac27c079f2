package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/rewardly/taskbot/internal/models"
)

// ErrAttemptNotFound возвращается, когда попытка выполнения отсутствует.
var ErrAttemptNotFound = errors.New("attempt not found")

const userTaskColumns = `id, user_id, task_id, status, reward, reward_received,
			      reject_reason, started_at, submitted_at, completed_at, created_at`

func scanUserTask(row interface{ Scan(dest ...any) error }) (*models.UserTask, error) {
	ut := &models.UserTask{}
	var rejectReason sql.NullString
	var submittedAt, completedAt sql.NullTime
	if err := row.Scan(&ut.ID, &ut.UserID, &ut.TaskID, &ut.Status, &ut.Reward,
		&ut.RewardReceived, &rejectReason, &ut.StartedAt, &submittedAt,
		&completedAt, &ut.CreatedAt); err != nil {
		return nil, err
	}
	if rejectReason.Valid {
		ut.RejectReason = &rejectReason.String
	}
	if submittedAt.Valid {
		ut.SubmittedAt = &submittedAt.Time
	}
	if completedAt.Valid {
		ut.CompletedAt = &completedAt.Time
	}
	return ut, nil
}

// CreateUserTask сохраняет новую попытку выполнения задания и возвращает её ID.
func (s *Storage) CreateUserTask(ctx context.Context, ut models.UserTask) (int64, error) {
	const op = "storage.CreateUserTask"
	select {
	case <-ctx.Done():
		return 0, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	var newID int64
	query := `INSERT INTO user_tasks (user_id, task_id, status, reward, reward_received,
			      started_at, submitted_at, completed_at)
			  VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			  RETURNING id`
	if err := s.DB.QueryRowContext(ctx, query,
		ut.UserID, ut.TaskID, ut.Status, ut.Reward, ut.RewardReceived,
		ut.StartedAt, ut.SubmittedAt, ut.CompletedAt).Scan(&newID); err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return newID, nil
}

// GetUserTask возвращает попытку по её ID.
func (s *Storage) GetUserTask(ctx context.Context, id int64) (*models.UserTask, error) {
	const op = "storage.GetUserTask"
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	query := `SELECT ` + userTaskColumns + ` FROM user_tasks WHERE id = $1`
	ut, err := scanUserTask(s.DB.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", op, ErrAttemptNotFound)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return ut, nil
}

// FindOpenUserTask возвращает неконечную попытку пары (пользователь, задание),
// если такая существует. Для пары одновременно допустима не более одной.
func (s *Storage) FindOpenUserTask(ctx context.Context, userID, taskID int64) (*models.UserTask, error) {
	const op = "storage.FindOpenUserTask"
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	query := `SELECT ` + userTaskColumns + `
			  FROM user_tasks
			  WHERE user_id = $1 AND task_id = $2 AND status IN ('in_progress', 'submitted')
			  LIMIT 1`
	ut, err := scanUserTask(s.DB.QueryRowContext(ctx, query, userID, taskID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", op, ErrAttemptNotFound)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return ut, nil
}

// CountCompletedUserTasks возвращает число завершённых попыток пары
// (пользователь, задание).
func (s *Storage) CountCompletedUserTasks(ctx context.Context, userID, taskID int64) (int, error) {
	const op = "storage.CountCompletedUserTasks"
	select {
	case <-ctx.Done():
		return 0, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	var count int
	query := `SELECT COUNT(*) FROM user_tasks
			  WHERE user_id = $1 AND task_id = $2 AND status = 'completed'`
	if err := s.DB.QueryRowContext(ctx, query, userID, taskID).Scan(&count); err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return count, nil
}

// FindLatestUserTask возвращает самую свежую попытку пары (пользователь,
// задание) независимо от статуса. Используется для проверки паузы между
// запусками по команде-псевдониму.
func (s *Storage) FindLatestUserTask(ctx context.Context, userID, taskID int64) (*models.UserTask, error) {
	const op = "storage.FindLatestUserTask"
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	query := `SELECT ` + userTaskColumns + `
			  FROM user_tasks
			  WHERE user_id = $1 AND task_id = $2
			  ORDER BY created_at DESC
			  LIMIT 1`
	ut, err := scanUserTask(s.DB.QueryRowContext(ctx, query, userID, taskID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", op, ErrAttemptNotFound)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return ut, nil
}

// UpdateUserTaskStatus переводит попытку в новый статус с фиксацией
// награды и отметок времени.
func (s *Storage) UpdateUserTaskStatus(ctx context.Context, ut *models.UserTask) error {
	const op = "storage.UpdateUserTaskStatus"
	select {
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	query := `UPDATE user_tasks
			  SET status = $1, reward = $2, reward_received = $3, reject_reason = $4,
			      submitted_at = $5, completed_at = $6
			  WHERE id = $7`
	if _, err := s.DB.ExecContext(ctx, query,
		ut.Status, ut.Reward, ut.RewardReceived, ut.RejectReason,
		ut.SubmittedAt, ut.CompletedAt, ut.ID); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// DeleteUserTask удаляет попытку. Используется только при отмене задания
// из статуса in_progress.
func (s *Storage) DeleteUserTask(ctx context.Context, id int64) error {
	const op = "storage.DeleteUserTask"
	select {
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	if _, err := s.DB.ExecContext(ctx, `DELETE FROM user_tasks WHERE id = $1`, id); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}
