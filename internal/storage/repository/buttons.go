package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/rewardly/taskbot/internal/models"
)

// ErrButtonNotFound возвращается, когда кнопка отсутствует или неактивна.
var ErrButtonNotFound = errors.New("button not found")

// ListActiveButtons возвращает активные кнопки меню в порядке сортировки.
func (s *Storage) ListActiveButtons(ctx context.Context) ([]*models.Button, error) {
	const op = "storage.ListActiveButtons"
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	query := `SELECT id, label, action, is_inline, active, sort_order
			  FROM buttons
			  WHERE active = true
			  ORDER BY sort_order, id`
	rows, err := s.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var result []*models.Button
	for rows.Next() {
		var item models.Button
		if err := rows.Scan(&item.ID, &item.Label, &item.Action, &item.IsInline,
			&item.Active, &item.SortOrder); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		result = append(result, &item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return result, nil
}

// GetButton возвращает активную кнопку по ID.
func (s *Storage) GetButton(ctx context.Context, id int64) (*models.Button, error) {
	const op = "storage.GetButton"
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	query := `SELECT id, label, action, is_inline, active, sort_order
			  FROM buttons
			  WHERE id = $1 AND active = true`
	var item models.Button
	row := s.DB.QueryRowContext(ctx, query, id)
	if err := row.Scan(&item.ID, &item.Label, &item.Action, &item.IsInline,
		&item.Active, &item.SortOrder); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", op, ErrButtonNotFound)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &item, nil
}
