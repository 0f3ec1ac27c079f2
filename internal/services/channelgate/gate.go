// Package channelgate проверяет подписку пользователя на обязательные
// каналы через API платформы.
//
// Политика отказов намеренно несимметрична: для отдельного канала любой
// статус кроме creator/administrator/member считается отсутствием
// подписки, но если сам запрос статуса завершился ошибкой транспорта,
// общая проверка признаётся пройденной (fail-open). Иначе потеря ботом
// прав администратора в одном канале заблокировала бы всех пользователей.
package channelgate

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/rewardly/taskbot/internal/lib/sl"
	"github.com/rewardly/taskbot/internal/models"
)

// Статусы участника, считающиеся подпиской.
var subscribedStatuses = map[string]bool{
	"creator":       true,
	"administrator": true,
	"member":        true,
}

// ChannelRepository определяет доступ к списку обязательных каналов.
type ChannelRepository interface {
	// ListActiveChannels возвращает активные каналы без кеша.
	ListActiveChannels(ctx context.Context) ([]*models.Channel, error)
}

// MembershipAPI запрашивает статус участника чата у платформы.
type MembershipAPI interface {
	GetChatMemberStatus(ctx context.Context, chatID, userID int64) (string, error)
}

// Result итог проверки по всем активным каналам.
type Result struct {
	AllSubscribed bool
	Missing       []*models.Channel // Каналы без подтверждённой подписки
}

// Gate сервис проверки обязательных подписок.
type Gate struct {
	repo ChannelRepository
	api  MembershipAPI
	log  *slog.Logger
}

// New создает новый экземпляр Gate.
func New(repo ChannelRepository, api MembershipAPI, log *slog.Logger) *Gate {
	return &Gate{repo: repo, api: api, log: log}
}

// CheckAll проверяет подписку пользователя на все активные каналы.
// Ошибка запроса статуса у платформы переводит проверку в fail-open.
func (g *Gate) CheckAll(ctx context.Context, userID int64) (Result, error) {
	const op = "channelgate.CheckAll"

	channels, err := g.repo.ListActiveChannels(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("%s: %w", op, err)
	}

	result := Result{AllSubscribed: true}
	for _, ch := range channels {
		status, err := g.api.GetChatMemberStatus(ctx, ch.ChannelID, userID)
		if err != nil {
			g.log.Warn("membership check failed, passing gate open",
				slog.Int64("channel_id", ch.ChannelID),
				slog.Int64("user_id", userID),
				sl.Err(err))
			return Result{AllSubscribed: true}, nil
		}
		if !subscribedStatuses[status] {
			result.AllSubscribed = false
			result.Missing = append(result.Missing, ch)
		}
	}
	return result, nil
}

// CheckOne проверяет подписку на один канал. Используется как
// доказательство выполнения задания типа subscription и, в отличие от
// CheckAll, при ошибке транспорта подписку не подтверждает.
func (g *Gate) CheckOne(ctx context.Context, chatID, userID int64) (bool, error) {
	const op = "channelgate.CheckOne"

	status, err := g.api.GetChatMemberStatus(ctx, chatID, userID)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return subscribedStatuses[status], nil
}
