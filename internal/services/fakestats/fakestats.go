// Package fakestats пересчитывает витринную статистику бота: количество
// пользователей и сумму выплат. Значения пишутся в таблицу настроек и
// показываются пользователям как есть, поэтому пересчёт идёт в фоне и
// его ошибка никогда не влияет на основной поток.
package fakestats

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/rewardly/taskbot/internal/settings"
)

// Repository определяет методы хранилища для пересчёта.
type Repository interface {
	CountUsers(ctx context.Context) (int, error)
	SumPaidOut(ctx context.Context) (float64, error)
	UpsertSetting(ctx context.Context, key, value string) error
}

// Cache сбрасывает кешированные значения настроек после пересчёта.
type Cache interface {
	Invalidate(key string)
}

// Service пересчёт витринной статистики.
type Service struct {
	repo  Repository
	cache Cache
	log   *slog.Logger
}

// New создает новый экземпляр Service.
func New(repo Repository, cache Cache, log *slog.Logger) *Service {
	return &Service{repo: repo, cache: cache, log: log}
}

// Recompute пересчитывает значения stats_users и stats_paid и сбрасывает
// их в кеше, чтобы следующее чтение увидело свежие числа.
func (s *Service) Recompute(ctx context.Context) error {
	const op = "fakestats.Recompute"

	users, err := s.repo.CountUsers(ctx)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	paid, err := s.repo.SumPaidOut(ctx)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	if err := s.repo.UpsertSetting(ctx, settings.KeyStatsUsers, strconv.Itoa(users)); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := s.repo.UpsertSetting(ctx, settings.KeyStatsPaid,
		strconv.FormatFloat(paid, 'f', 2, 64)); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	s.cache.Invalidate("settings:" + settings.KeyStatsUsers)
	s.cache.Invalidate("settings:" + settings.KeyStatsPaid)

	s.log.Debug("stats recomputed",
		slog.Int("users", users), slog.Float64("paid", paid))
	return nil
}
