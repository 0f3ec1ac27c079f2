// Package app собирает приложение: хранилище, миграции, кеш, шину
// событий, сервисы, диспетчер на каждого бота-персону и
// административный HTTP-сервер.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/rewardly/taskbot/internal/bot"
	"github.com/rewardly/taskbot/internal/cache"
	"github.com/rewardly/taskbot/internal/config"
	"github.com/rewardly/taskbot/internal/eventbus"
	"github.com/rewardly/taskbot/internal/httpadmin"
	"github.com/rewardly/taskbot/internal/migrations"
	"github.com/rewardly/taskbot/internal/models"
	"github.com/rewardly/taskbot/internal/notify"
	"github.com/rewardly/taskbot/internal/services/account"
	"github.com/rewardly/taskbot/internal/services/channelgate"
	"github.com/rewardly/taskbot/internal/services/fakestats"
	"github.com/rewardly/taskbot/internal/services/ledger"
	"github.com/rewardly/taskbot/internal/services/scenario"
	"github.com/rewardly/taskbot/internal/services/taskengine"
	"github.com/rewardly/taskbot/internal/settings"
	"github.com/rewardly/taskbot/internal/storage/repository"
	"github.com/rewardly/taskbot/internal/telegram"
)

// App собранное приложение.
type App struct {
	server      *http.Server
	dispatchers []*bot.Dispatcher
	logger      *slog.Logger
	db          *repository.Storage
}

// New инициализирует все зависимости и возвращает готовое приложение.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	const op = "app.New"

	db, err := repository.New(cfg.StorageConnectionString)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err := migrations.Run(db.DB, cfg.MigrationsPath); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	c := cache.New()
	bus := eventbus.New(ctx, logger, cfg.RedisConnection)
	subscribeCacheInvalidation(bus, c)

	notifier := notify.New(cfg.RabbitConnection, logger)
	led := ledger.New(db, logger)
	settingsSvc := settings.New(db, c, logger)
	stats := fakestats.New(db, c, logger)
	accounts := account.New(db, led, settingsSvc, notifier, logger)
	matcher := scenario.New(db, c, logger)

	if len(cfg.Bots) == 0 {
		return nil, fmt.Errorf("%s: no bot personas configured", op)
	}

	var dispatchers []*bot.Dispatcher
	var adminEngine httpadmin.Engine
	for _, persona := range cfg.Bots {
		client, err := telegram.New(persona.Token)
		if err != nil {
			return nil, fmt.Errorf("%s: persona %s: %w", op, persona.Name, err)
		}
		gate := channelgate.New(db, client, logger)
		engine := taskengine.New(db, led, gate, bus, notifier, stats, logger)
		if adminEngine == nil {
			adminEngine = engine
		}

		d := bot.New(persona.Name, bot.Deps{
			Client:   client,
			Accounts: accounts,
			Gate:     gate,
			Engine:   engine,
			Matcher:  matcher,
			Settings: settingsSvc,
			Store:    db,
			Cache:    c,
		}, persona.PollTimeout, persona.FetchBackoff, logger)
		dispatchers = append(dispatchers, d)
	}

	srv := httpadmin.New(cfg.AdminServer, adminEngine, logger)

	return &App{
		server:      srv,
		dispatchers: dispatchers,
		logger:      logger,
		db:          db,
	}, nil
}

// subscribeCacheInvalidation сбрасывает ключи кеша по событиям шины.
// Имя события совпадает с префиксом ключей: scenarios.updated сбрасывает
// "scenarios:*" и так далее.
func subscribeCacheInvalidation(bus *eventbus.Bus, c *cache.Cache) {
	events := []string{
		models.EventScenariosUpdated,
		models.EventButtonsUpdated,
		models.EventChannelsUpdated,
		models.EventSettingsUpdated,
		models.EventTasksUpdated,
	}
	for _, event := range events {
		prefix := strings.SplitN(event, ".", 2)[0] + ":"
		bus.On(event, func(_ context.Context, _ []byte) {
			c.InvalidatePrefix(prefix)
		})
	}
}

// Run запускает диспетчеры и HTTP-сервер и ждёт отмены контекста.
func (a *App) Run(ctx context.Context) error {
	for _, d := range a.dispatchers {
		go d.Run(ctx)
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("admin server starting", slog.String("address", a.server.Addr))
		err := a.server.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			errCh <- nil
		} else {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		timeoutCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		a.logger.Info("shutting down gracefully")
		err := a.server.Shutdown(timeoutCtx)
		_ = a.db.DB.Close()
		return err
	}
}
