package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrSettingNotFound возвращается, когда ключ настройки отсутствует.
var ErrSettingNotFound = errors.New("setting not found")

// GetSetting возвращает строковое значение настройки по ключу.
func (s *Storage) GetSetting(ctx context.Context, key string) (string, error) {
	const op = "storage.GetSetting"
	select {
	case <-ctx.Done():
		return "", fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	var value string
	query := `SELECT value FROM settings WHERE key = $1`
	if err := s.DB.QueryRowContext(ctx, query, key).Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("%s: %w", op, ErrSettingNotFound)
		}
		return "", fmt.Errorf("%s: %w", op, err)
	}
	return value, nil
}

// UpsertSetting сохраняет значение настройки по ключу.
func (s *Storage) UpsertSetting(ctx context.Context, key, value string) error {
	const op = "storage.UpsertSetting"
	select {
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	query := `INSERT INTO settings (key, value)
			  VALUES ($1, $2)
			  ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`
	if _, err := s.DB.ExecContext(ctx, query, key, value); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}
