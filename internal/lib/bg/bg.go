// Package bg запускает фоновые задачи с собственной границей ошибок.
// Побочные эффекты вроде уведомлений о балансе не должны ронять основной
// цикл обработки: паника или ошибка фоновой задачи только логируется.
package bg

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/rewardly/taskbot/internal/lib/sl"
)

// Go запускает fn в отдельной горутине. Ошибка или паника внутри fn
// логируется и никогда не поднимается в вызывающий код.
func Go(log *slog.Logger, name string, fn func(ctx context.Context) error) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error("background task panicked",
					slog.String("task", name),
					sl.Err(fmt.Errorf("%v", r)))
			}
		}()
		if err := fn(context.Background()); err != nil {
			log.Warn("background task failed", slog.String("task", name), sl.Err(err))
		}
	}()
}
