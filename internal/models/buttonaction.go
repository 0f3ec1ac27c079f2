package models

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ButtonActionType вид действия кнопки.
type ButtonActionType string

const (
	// ActionText отправить текстовый ответ.
	ActionText ButtonActionType = "text"
	// ActionMedia отправить медиафайл с подписью.
	ActionMedia ButtonActionType = "media"
	// ActionURL отправить ссылку.
	ActionURL ButtonActionType = "url"
	// ActionCommand выполнить встроенную команду от имени пользователя.
	ActionCommand ButtonActionType = "command"
	// ActionSubmenu показать вложенное меню кнопок.
	ActionSubmenu ButtonActionType = "submenu"
)

// ErrBadButtonAction действие кнопки не прошло проверку.
var ErrBadButtonAction = errors.New("invalid button action")

// ButtonAction размеченное объединение действий кнопки. Заполнены только
// поля, относящиеся к типу. Полезная нагрузка приходит из JSONB, который
// пишет административная панель, поэтому проверяется при чтении.
type ButtonAction struct {
	Type     ButtonActionType `json:"type"`
	Text     string           `json:"text,omitempty"`
	MediaURL string           `json:"media_url,omitempty"`
	Caption  string           `json:"caption,omitempty"`
	URL      string           `json:"url,omitempty"`
	Command  string           `json:"command,omitempty"`
	MenuID   int64            `json:"menu_id,omitempty"`
}

// ParseButtonAction разбирает и проверяет JSON действия кнопки.
func ParseButtonAction(raw []byte) (*ButtonAction, error) {
	var a ButtonAction
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadButtonAction, err)
	}

	switch a.Type {
	case ActionText:
		if a.Text == "" {
			return nil, fmt.Errorf("%w: empty text", ErrBadButtonAction)
		}
	case ActionMedia:
		if a.MediaURL == "" {
			return nil, fmt.Errorf("%w: empty media_url", ErrBadButtonAction)
		}
	case ActionURL:
		if a.URL == "" {
			return nil, fmt.Errorf("%w: empty url", ErrBadButtonAction)
		}
	case ActionCommand:
		if a.Command == "" {
			return nil, fmt.Errorf("%w: empty command", ErrBadButtonAction)
		}
	case ActionSubmenu:
		if a.MenuID <= 0 {
			return nil, fmt.Errorf("%w: bad menu_id", ErrBadButtonAction)
		}
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrBadButtonAction, a.Type)
	}
	return &a, nil
}
