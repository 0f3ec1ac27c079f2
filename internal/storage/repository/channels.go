package repository

import (
	"context"
	"fmt"

	"github.com/rewardly/taskbot/internal/models"
)

// ListActiveChannels возвращает активные обязательные каналы в порядке
// сортировки. Список читается без кеша: корректность проверки подписки
// важнее задержки.
func (s *Storage) ListActiveChannels(ctx context.Context) ([]*models.Channel, error) {
	const op = "storage.ListActiveChannels"
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	query := `SELECT id, channel_id, title, join_link, is_active, sort_order
			  FROM channels
			  WHERE is_active = true
			  ORDER BY sort_order, id`
	rows, err := s.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var result []*models.Channel
	for rows.Next() {
		var item models.Channel
		if err := rows.Scan(&item.ID, &item.ChannelID, &item.Title, &item.JoinLink,
			&item.IsActive, &item.SortOrder); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		result = append(result, &item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return result, nil
}
