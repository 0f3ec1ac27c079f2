// Package notify публикует уведомления в RabbitMQ: изменения баланса,
// попытки на ручной проверке и заявки на вывод. Публикация строго
// best-effort: потеря брокера на старте или в работе не мешает боту,
// уведомление просто не уходит.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/streadway/amqp"

	"github.com/rewardly/taskbot/internal/config"
	"github.com/rewardly/taskbot/internal/lib/sl"
	"github.com/rewardly/taskbot/internal/models"
)

const exchangeName = "notifications"

// Ключи маршрутизации уведомлений.
const (
	routingBalance = "balance"
	routingReview  = "review"
	routingPayout  = "payout"
)

// QueueConfig описывает очередь и её ключ маршрутизации.
type QueueConfig struct {
	QueueName  string
	RoutingKey string
}

// NotificationQueues очереди, которые разбирают внешние воркеры.
func NotificationQueues() []QueueConfig {
	return []QueueConfig{
		{QueueName: "notification.balance", RoutingKey: routingBalance},
		{QueueName: "notification.review", RoutingKey: routingReview},
		{QueueName: "notification.payout", RoutingKey: routingPayout},
	}
}

// Publisher издатель уведомлений. При недоступном брокере канал nil и
// все публикации становятся no-op.
type Publisher struct {
	ch  *amqp.Channel
	log *slog.Logger
}

// New подключается к брокеру с повторами и объявляет обменник и
// очереди. Ошибка подключения деградирует издателя в no-op.
func New(cfg config.RabbitConnection, log *slog.Logger) *Publisher {
	conn, err := connect(cfg.URL, cfg.Retries, cfg.RetryDelay)
	if err != nil {
		log.Warn("rabbitmq unavailable, notifications disabled", sl.Err(err))
		return &Publisher{log: log}
	}
	ch, err := setupChannel(conn)
	if err != nil {
		log.Warn("rabbitmq channel setup failed, notifications disabled", sl.Err(err))
		return &Publisher{log: log}
	}
	return &Publisher{ch: ch, log: log}
}

func connect(url string, retries int, delay time.Duration) (*amqp.Connection, error) {
	const op = "notify.connect"

	var conn *amqp.Connection
	var err error
	for i := 0; i < retries; i++ {
		conn, err = amqp.Dial(url)
		if err == nil {
			return conn, nil
		}
		time.Sleep(delay)
	}
	return nil, fmt.Errorf("%s: %w", op, err)
}

func setupChannel(conn *amqp.Connection) (*amqp.Channel, error) {
	const op = "notify.setupChannel"

	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if err := ch.ExchangeDeclare(exchangeName, "direct", true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	for _, q := range NotificationQueues() {
		if _, err := ch.QueueDeclare(q.QueueName, true, false, false, false, nil); err != nil {
			return nil, fmt.Errorf("%s: declare %s: %w", op, q.QueueName, err)
		}
		if err := ch.QueueBind(q.QueueName, q.RoutingKey, exchangeName, false, nil); err != nil {
			return nil, fmt.Errorf("%s: bind %s: %w", op, q.QueueName, err)
		}
	}
	return ch, nil
}

func (p *Publisher) publish(routingKey string, message any) error {
	const op = "notify.publish"

	if p.ch == nil {
		return nil
	}
	body, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	err = p.ch.Publish(exchangeName, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Persistent,
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// BalanceChanged уведомляет об изменении баланса пользователя.
func (p *Publisher) BalanceChanged(_ context.Context, user *models.User, delta float64) error {
	return p.publish(routingBalance, map[string]any{
		"user_id": user.ID,
		"tg_id":   user.TgID,
		"delta":   delta,
		"balance": user.Balance,
	})
}

// ReviewQueued уведомляет о попытке, ожидающей ручной проверки.
func (p *Publisher) ReviewQueued(_ context.Context, attempt *models.UserTask) error {
	return p.publish(routingReview, map[string]any{
		"attempt_id": attempt.ID,
		"user_id":    attempt.UserID,
		"task_id":    attempt.TaskID,
		"reward":     attempt.Reward,
	})
}

// PayoutRequested уведомляет о заявке на вывод средств.
func (p *Publisher) PayoutRequested(_ context.Context, user *models.User, amount float64, wallet string) error {
	return p.publish(routingPayout, map[string]any{
		"user_id": user.ID,
		"tg_id":   user.TgID,
		"amount":  amount,
		"wallet":  wallet,
	})
}
