package telegram

import (
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/rewardly/taskbot/internal/models"
)

// ChannelsKeyboard собирает inline-клавиатуру с приглашениями в
// обязательные каналы и кнопкой повторной проверки.
func ChannelsKeyboard(channels []*models.Channel) tgbotapi.InlineKeyboardMarkup {
	var rows [][]tgbotapi.InlineKeyboardButton
	for _, ch := range channels {
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonURL(ch.Title, ch.JoinLink),
		))
	}
	rows = append(rows, tgbotapi.NewInlineKeyboardRow(
		tgbotapi.NewInlineKeyboardButtonData("✅ Я подписался", "verify_"),
	))
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

// TasksKeyboard собирает inline-клавиатуру списка заданий: по кнопке
// на задание с наградой в подписи.
func TasksKeyboard(tasks []*models.Task) tgbotapi.InlineKeyboardMarkup {
	var rows [][]tgbotapi.InlineKeyboardButton
	for _, t := range tasks {
		label := fmt.Sprintf("%s (%.0f–%.0f)", t.Title, t.RewardMin, t.RewardMax)
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(label, fmt.Sprintf("task_%d", t.ID)),
		))
	}
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

// TaskCardKeyboard собирает кнопки карточки задания в зависимости от
// того, взято ли оно в работу.
func TaskCardKeyboard(taskID int64, inProgress bool) tgbotapi.InlineKeyboardMarkup {
	if inProgress {
		return tgbotapi.NewInlineKeyboardMarkup(
			tgbotapi.NewInlineKeyboardRow(
				tgbotapi.NewInlineKeyboardButtonData("✅ Я выполнил", fmt.Sprintf("submit_task_%d", taskID)),
			),
			tgbotapi.NewInlineKeyboardRow(
				tgbotapi.NewInlineKeyboardButtonData("❌ Отменить", fmt.Sprintf("cancel_task_%d", taskID)),
			),
		)
	}
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("▶️ Начать", fmt.Sprintf("start_task_%d", taskID)),
		),
	)
}

// ReplyKeyboard собирает постоянную reply-клавиатуру из активных кнопок
// меню, по две в ряд.
func ReplyKeyboard(buttons []*models.Button) tgbotapi.ReplyKeyboardMarkup {
	var rows [][]tgbotapi.KeyboardButton
	var row []tgbotapi.KeyboardButton
	for _, b := range buttons {
		if b.IsInline {
			continue
		}
		row = append(row, tgbotapi.NewKeyboardButton(b.Label))
		if len(row) == 2 {
			rows = append(rows, row)
			row = nil
		}
	}
	if len(row) > 0 {
		rows = append(rows, row)
	}
	kb := tgbotapi.NewReplyKeyboard(rows...)
	kb.ResizeKeyboard = true
	return kb
}
