package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/rewardly/taskbot/internal/models"
)

// ListActiveScenarios возвращает активные сценарии. Порядок не задаётся
// явно и совпадает с тем, что вернёт база.
func (s *Storage) ListActiveScenarios(ctx context.Context) ([]*models.Scenario, error) {
	const op = "storage.ListActiveScenarios"
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	query := `SELECT id, trigger_text, response, media_url, steps, active
			  FROM scenarios
			  WHERE active = true`
	rows, err := s.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var result []*models.Scenario
	for rows.Next() {
		var item models.Scenario
		var mediaURL sql.NullString
		var steps []byte
		if err := rows.Scan(&item.ID, &item.Trigger, &item.Response, &mediaURL,
			&steps, &item.Active); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		if mediaURL.Valid {
			item.MediaURL = mediaURL.String
		}
		if len(steps) > 0 {
			if err := json.Unmarshal(steps, &item.Steps); err != nil {
				return nil, fmt.Errorf("%s: %w", op, err)
			}
		}
		result = append(result, &item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return result, nil
}
