// Package telegram оборачивает Bot API: получение обновлений длинным
// опросом, отправку текста и медиа, проверку членства в канале и сборку
// клавиатур. Диспетчер работает только через этот пакет, поэтому в
// тестах клиент подменяется интерфейсом.
package telegram

import (
	"context"
	"fmt"
	"path"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Client обёртка над Bot API одного бота-персоны.
type Client struct {
	api *tgbotapi.BotAPI
}

// New авторизует бота по токену.
func New(token string) (*Client, error) {
	const op = "telegram.New"

	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &Client{api: api}, nil
}

// Username возвращает @username авторизованного бота.
func (c *Client) Username() string {
	return c.api.Self.UserName
}

// GetUpdates запрашивает порцию обновлений длинным опросом.
func (c *Client) GetUpdates(ctx context.Context, offset int, limit, timeoutSec int) ([]tgbotapi.Update, error) {
	const op = "telegram.GetUpdates"

	cfg := tgbotapi.NewUpdate(offset)
	cfg.Limit = limit
	cfg.Timeout = timeoutSec

	updates, err := c.api.GetUpdates(cfg)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return updates, nil
}

// SendText отправляет текстовое сообщение. markup может быть nil,
// клавиатурой или tgbotapi.NewRemoveKeyboard.
func (c *Client) SendText(ctx context.Context, chatID int64, text string, markup any) error {
	const op = "telegram.SendText"

	msg := tgbotapi.NewMessage(chatID, text)
	if markup != nil {
		msg.ReplyMarkup = markup
	}
	if _, err := c.api.Send(msg); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// SendMedia отправляет файл по ссылке. Вид вложения выбирается по
// расширению: фото, видео или документ.
func (c *Client) SendMedia(ctx context.Context, chatID int64, mediaURL, caption string) error {
	const op = "telegram.SendMedia"

	file := tgbotapi.FileURL(mediaURL)
	var msg tgbotapi.Chattable
	switch strings.ToLower(path.Ext(mediaURL)) {
	case ".jpg", ".jpeg", ".png", ".webp":
		photo := tgbotapi.NewPhoto(chatID, file)
		photo.Caption = caption
		msg = photo
	case ".mp4", ".mov", ".avi":
		video := tgbotapi.NewVideo(chatID, file)
		video.Caption = caption
		msg = video
	default:
		doc := tgbotapi.NewDocument(chatID, file)
		doc.Caption = caption
		msg = doc
	}

	if _, err := c.api.Send(msg); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// AnswerCallback подтверждает нажатие inline-кнопки, чтобы у
// пользователя пропали часики.
func (c *Client) AnswerCallback(ctx context.Context, callbackID, text string) error {
	const op = "telegram.AnswerCallback"

	if _, err := c.api.Request(tgbotapi.NewCallback(callbackID, text)); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// GetChatMemberStatus возвращает статус пользователя в чате:
// creator, administrator, member, restricted, left или kicked.
func (c *Client) GetChatMemberStatus(ctx context.Context, chatID, userID int64) (string, error) {
	const op = "telegram.GetChatMemberStatus"

	member, err := c.api.GetChatMember(tgbotapi.GetChatMemberConfig{
		ChatConfigWithUser: tgbotapi.ChatConfigWithUser{
			ChatID: chatID,
			UserID: userID,
		},
	})
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	return member.Status, nil
}
