package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/rewardly/taskbot/internal/models"
)

// ErrTaskNotFound возвращается, когда задание отсутствует или неактивно.
var ErrTaskNotFound = errors.New("task not found")

const taskColumns = `id, title, description, task_type, reward_min, reward_max,
			      max_per_user, cooldown_hours, min_completion_time, channel_id,
			      command, active, created_at`

func scanTask(row interface{ Scan(dest ...any) error }) (*models.Task, error) {
	t := &models.Task{}
	var channelID sql.NullInt64
	var command sql.NullString
	if err := row.Scan(&t.ID, &t.Title, &t.Description, &t.TaskType, &t.RewardMin,
		&t.RewardMax, &t.MaxPerUser, &t.CooldownHours, &t.MinCompletionTime,
		&channelID, &command, &t.Active, &t.CreatedAt); err != nil {
		return nil, err
	}
	if channelID.Valid {
		t.ChannelID = &channelID.Int64
	}
	if command.Valid {
		t.Command = &command.String
	}
	return t, nil
}

// GetTask возвращает задание по ID.
func (s *Storage) GetTask(ctx context.Context, id int64) (*models.Task, error) {
	const op = "storage.GetTask"
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = $1`
	t, err := scanTask(s.DB.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", op, ErrTaskNotFound)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return t, nil
}

// GetTaskByCommand возвращает активное задание, привязанное к команде.
func (s *Storage) GetTaskByCommand(ctx context.Context, command string) (*models.Task, error) {
	const op = "storage.GetTaskByCommand"
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	query := `SELECT ` + taskColumns + ` FROM tasks WHERE command = $1 AND active = true`
	t, err := scanTask(s.DB.QueryRowContext(ctx, query, command))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", op, ErrTaskNotFound)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return t, nil
}

// ListActiveTasks возвращает список активных заданий с пагинацией.
func (s *Storage) ListActiveTasks(ctx context.Context, limit, offset int) ([]*models.Task, error) {
	const op = "storage.ListActiveTasks"
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	query := `SELECT ` + taskColumns + `
			  FROM tasks
			  WHERE active = true
			  ORDER BY id
			  LIMIT $1 OFFSET $2`
	rows, err := s.DB.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var result []*models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		result = append(result, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return result, nil
}
