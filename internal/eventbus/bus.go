// Package eventbus реализует шину событий: локальный реестр обработчиков
// плюс распределённая доставка через redis pub/sub. Локальные обработчики
// вызываются синхронно при публикации. Распределённая часть работает по
// принципу best-effort: если redis недоступен при старте, публикация и
// подписка для неё превращаются в no-op, локальная доставка сохраняется.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/rewardly/taskbot/internal/config"
	"github.com/rewardly/taskbot/internal/lib/sl"
)

// Handler обработчик события. Получает сырой JSON полезной нагрузки,
// одинаковый для локальной и распределённой доставки.
type Handler func(ctx context.Context, payload []byte)

// Envelope конверт события для передачи через redis. По полю Origin
// получатель отбрасывает события, опубликованные им самим.
type Envelope struct {
	ID      string          `json:"id"`
	Origin  string          `json:"origin"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// Bus шина событий.
type Bus struct {
	log        *slog.Logger
	mu         sync.RWMutex
	handlers   map[string][]Handler
	rdb        *redis.Client
	channel    string
	instanceID string
}

// New создает шину и пытается подключить распределённую часть.
// Ошибка подключения к redis логируется и не является фатальной.
func New(ctx context.Context, log *slog.Logger, cfg config.RedisConnection) *Bus {
	const op = "eventbus.New"

	b := &Bus{
		log:        log,
		handlers:   make(map[string][]Handler),
		channel:    cfg.EventChannel,
		instanceID: uuid.NewString(),
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.AddressRedis,
		Password:     cfg.Password,
		Username:     cfg.User,
		DB:           cfg.DB,
		MaxRetries:   cfg.MaxRetries,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.TimeoutRedis,
		WriteTimeout: cfg.TimeoutRedis,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Warn("redis unreachable, event bus is local-only",
			slog.String("op", op), sl.Err(err))
		return b
	}
	b.rdb = rdb

	go b.listen(ctx)
	return b
}

// On регистрирует обработчик события.
func (b *Bus) On(event string, h Handler) {
	b.mu.Lock()
	b.handlers[event] = append(b.handlers[event], h)
	b.mu.Unlock()
}

// Publish доставляет событие локальным обработчикам синхронно и,
// если распределённая часть активна, публикует конверт в redis.
func (b *Bus) Publish(ctx context.Context, event string, payload any) error {
	const op = "eventbus.Publish"

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	b.dispatch(ctx, event, body)

	if b.rdb == nil {
		return nil
	}
	env := Envelope{
		ID:      uuid.NewString(),
		Origin:  b.instanceID,
		Event:   event,
		Payload: body,
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := b.rdb.Publish(ctx, b.channel, raw).Err(); err != nil {
		// распределённая доставка best-effort
		b.log.Warn("failed to publish event to redis",
			slog.String("event", event), sl.Err(err))
	}
	return nil
}

func (b *Bus) dispatch(ctx context.Context, event string, payload []byte) {
	b.mu.RLock()
	hs := append([]Handler(nil), b.handlers[event]...)
	b.mu.RUnlock()
	for _, h := range hs {
		h(ctx, payload)
	}
}

// listen читает конверты из redis и доставляет чужие события локальным
// обработчикам. Переподключением управляет сам go-redis.
func (b *Bus) listen(ctx context.Context) {
	sub := b.rdb.Subscribe(ctx, b.channel)
	defer func() { _ = sub.Close() }()

	for {
		msg, err := sub.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.log.Warn("event bus subscription error", sl.Err(err))
			time.Sleep(time.Second)
			continue
		}
		var env Envelope
		if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
			b.log.Warn("malformed event envelope", sl.Err(err))
			continue
		}
		if env.Origin == b.instanceID {
			continue
		}
		b.dispatch(ctx, env.Event, env.Payload)
	}
}
