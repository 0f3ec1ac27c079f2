// Package metrics содержит счётчики Prometheus основного цикла бота.
// Отдаются на административном HTTP-сервере по /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// UpdatesProcessed количество обработанных обновлений по персонам.
	UpdatesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskbot_updates_processed_total",
		Help: "Number of processed platform updates.",
	}, []string{"persona"})

	// HandlerErrors количество ошибок и паник обработчиков.
	HandlerErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskbot_handler_errors_total",
		Help: "Number of update handler errors and panics.",
	}, []string{"persona"})

	// SendFailures количество неудачных исходящих отправок.
	SendFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskbot_send_failures_total",
		Help: "Number of failed outbound platform sends.",
	}, []string{"persona"})

	// TasksCompleted количество завершённых заданий с начислением.
	TasksCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "taskbot_tasks_completed_total",
		Help: "Number of task completions credited to users.",
	})

	// FetchErrors количество ошибок длинного опроса.
	FetchErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskbot_fetch_errors_total",
		Help: "Number of long-poll fetch failures.",
	}, []string{"persona"})
)
