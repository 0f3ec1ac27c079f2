// Package httpadmin поднимает административный HTTP-сервер: ручное
// подтверждение и отклонение попыток, health-проверка и метрики.
// Аутентификация административной панели внешняя, сервер слушает
// внутренний адрес.
package httpadmin

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/render"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/rewardly/taskbot/internal/config"
	"github.com/rewardly/taskbot/internal/httpadmin/response"
	"github.com/rewardly/taskbot/internal/services/taskengine"
)

// Engine операции ручной проверки попыток.
type Engine interface {
	Approve(ctx context.Context, attemptID, adminID int64) (*taskengine.Outcome, error)
	Reject(ctx context.Context, attemptID, adminID int64, reason string) error
}

// New собирает http.Server с маршрутами административной поверхности.
func New(cfg config.AdminServer, engine Engine, log *slog.Logger) *http.Server {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(rateLimit(log))

	r.Post("/attempts/{id}/approve", NewApproveHandler(log, engine).ServeHTTP)
	r.Post("/attempts/{id}/reject", NewRejectHandler(log, engine).ServeHTTP)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		render.JSON(w, r, response.StatusOKWithData(map[string]any{"alive": true}))
	})
	r.Handle("/metrics", promhttp.Handler())

	return &http.Server{
		Addr:         cfg.Address,
		Handler:      r,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
}

var limiter = rate.NewLimiter(5, 10)

func rateLimit(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				log.Warn("too many requests", slog.String("path", r.URL.Path))
				w.WriteHeader(http.StatusTooManyRequests)
				render.JSON(w, r, response.Error("too many requests"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
