package repository

import (
	"context"
	"fmt"
)

// SaveInboundMessage сохраняет входящее сообщение пользователя. Сюда
// попадают медиа-сообщения и свободный текст, не совпавший ни с одним
// сценарием.
func (s *Storage) SaveInboundMessage(ctx context.Context, userID int64, kind, text string) error {
	const op = "storage.SaveInboundMessage"
	select {
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	query := `INSERT INTO inbound_messages (user_id, kind, text) VALUES ($1, $2, $3)`
	if _, err := s.DB.ExecContext(ctx, query, userID, kind, text); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}
