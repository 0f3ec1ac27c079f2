// Package settings читает настройки-флаги из таблицы ключ-значение.
// Значения меняет административная панель, поэтому они читаются через
// кеш с коротким TTL и сбрасываются по событию settings.updated.
package settings

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/rewardly/taskbot/internal/lib/sl"
	"github.com/rewardly/taskbot/internal/storage/repository"
)

const cacheTTL = 60 * time.Second

// Известные ключи настроек.
const (
	KeyMaintenanceMode     = "maintenance_mode"
	KeyRegistrationEnabled = "registration_enabled"
	KeyReferralBonus       = "referral_bonus"
	KeyMinWithdrawal       = "min_withdrawal"
	KeyMaxWithdrawal       = "max_withdrawal"
	KeyStatsUsers          = "stats_users"
	KeyStatsPaid           = "stats_paid"
)

// Repository определяет доступ к таблице настроек.
type Repository interface {
	GetSetting(ctx context.Context, key string) (string, error)
}

// Cache описывает методы кеширования значений настроек.
type Cache interface {
	Get(key string) (any, bool)
	Set(key string, value any, ttl time.Duration)
}

// Service читает настройки с кешированием.
type Service struct {
	repo  Repository
	cache Cache
	log   *slog.Logger
}

// New создает новый экземпляр Service.
func New(repo Repository, cache Cache, log *slog.Logger) *Service {
	return &Service{repo: repo, cache: cache, log: log}
}

// GetValue возвращает значение настройки или def, если ключ отсутствует.
// Ошибка хранилища логируется, наружу возвращается def: отказ чтения
// флага не должен останавливать обработку обновления.
func (s *Service) GetValue(ctx context.Context, key, def string) string {
	cacheKey := "settings:" + key
	if v, ok := s.cache.Get(cacheKey); ok {
		return v.(string)
	}

	value, err := s.repo.GetSetting(ctx, key)
	if err != nil {
		if !errors.Is(err, repository.ErrSettingNotFound) {
			s.log.Warn("failed to read setting", slog.String("key", key), sl.Err(err))
		}
		return def
	}
	s.cache.Set(cacheKey, value, cacheTTL)
	return value
}

// GetBool интерпретирует значение настройки как флаг.
func (s *Service) GetBool(ctx context.Context, key string, def bool) bool {
	raw := s.GetValue(ctx, key, strconv.FormatBool(def))
	switch raw {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return def
}

// GetFloat интерпретирует значение настройки как число.
func (s *Service) GetFloat(ctx context.Context, key string, def float64) float64 {
	raw := s.GetValue(ctx, key, "")
	if raw == "" {
		return def
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		s.log.Warn("setting is not a number", slog.String("key", key), sl.Err(err))
		return def
	}
	return v
}
