// Package scenario сопоставляет свободный текст пользователя с триггерными
// фразами сценариев и подставляет переменные в ответ.
package scenario

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/rewardly/taskbot/internal/models"
)

const (
	cacheKey = "scenarios:active"
	cacheTTL = 60 * time.Second
)

// Repository определяет доступ к сценариям в хранилище.
type Repository interface {
	// ListActiveScenarios возвращает активные сценарии в порядке базы.
	ListActiveScenarios(ctx context.Context) ([]*models.Scenario, error)
}

// Cache описывает методы кеширования списка сценариев.
type Cache interface {
	Get(key string) (any, bool)
	Set(key string, value any, ttl time.Duration)
}

// Matcher сервис подбора сценария по тексту.
type Matcher struct {
	repo  Repository
	cache Cache
	log   *slog.Logger
}

// New создает новый экземпляр Matcher.
func New(repo Repository, cache Cache, log *slog.Logger) *Matcher {
	return &Matcher{repo: repo, cache: cache, log: log}
}

func (m *Matcher) loadActive(ctx context.Context) ([]*models.Scenario, error) {
	const op = "scenario.loadActive"

	if v, ok := m.cache.Get(cacheKey); ok {
		return v.([]*models.Scenario), nil
	}
	scenarios, err := m.repo.ListActiveScenarios(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	m.cache.Set(cacheKey, scenarios, cacheTTL)
	return scenarios, nil
}

// Match возвращает сценарий для текста или nil, если совпадений нет.
// Сначала ищется точное совпадение нормализованного текста с триггером,
// затем двустороннее вхождение подстроки. Точное совпадение всегда
// выигрывает у подстрочного; между несколькими подстрочными побеждает
// первый в порядке, который вернуло хранилище.
func (m *Matcher) Match(ctx context.Context, text string) (*models.Scenario, error) {
	input := normalize(text)
	if input == "" {
		return nil, nil
	}

	scenarios, err := m.loadActive(ctx)
	if err != nil {
		return nil, err
	}

	for _, sc := range scenarios {
		if normalize(sc.Trigger) == input {
			return sc, nil
		}
	}
	for _, sc := range scenarios {
		trigger := normalize(sc.Trigger)
		if trigger == "" {
			continue
		}
		if strings.Contains(input, trigger) || strings.Contains(trigger, input) {
			return sc, nil
		}
	}
	return nil, nil
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// Substitute подставляет данные пользователя в шаблон ответа.
// Поддерживаются плейсхолдеры {username}, {first_name}, {balance},
// {tasks_completed}, {total_earned}.
func Substitute(template string, user *models.User) string {
	r := strings.NewReplacer(
		"{username}", user.Username,
		"{first_name}", user.FirstName,
		"{balance}", strconv.FormatFloat(user.Balance, 'f', 2, 64),
		"{tasks_completed}", strconv.Itoa(user.TasksCompleted),
		"{total_earned}", strconv.FormatFloat(user.TotalEarned, 'f', 2, 64),
	)
	return r.Replace(template)
}
