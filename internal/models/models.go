// Package models содержит доменные структуры бота: пользователей, задания,
// попытки выполнения, журнал баланса, обязательные каналы и сценарии.
// Структуры используются в бизнес-логике и при работе с хранилищем.
package models

import "time"

// UserStatus статус учётной записи пользователя.
type UserStatus string

const (
	// UserStatusActive пользователь может выполнять задания.
	UserStatusActive UserStatus = "active"
	// UserStatusBlocked пользователь заблокирован администратором.
	UserStatusBlocked UserStatus = "blocked"
)

// User представляет пользователя бота. Баланс хранится с точностью
// до двух знаков после запятой.
type User struct {
	ID             int64
	TgID           int64      // Идентификатор пользователя в Telegram (уникальный)
	Username       string     // @username, может быть пустым
	FirstName      string     // Отображаемое имя
	Balance        float64    // Текущий баланс
	TasksCompleted int        // Счётчик выполненных заданий
	TotalEarned    float64    // Сумма всех начислений за задания
	Status         UserStatus // active или blocked
	ReferredBy     *int64     // TgID пригласившего пользователя, может быть nil
	CreatedAt      time.Time
}

// TaskType тип задания.
type TaskType string

const (
	// TaskTypeSubscription задание с проверкой подписки на канал.
	TaskTypeSubscription TaskType = "subscription"
	// TaskTypeAction обычное задание без проверки.
	TaskTypeAction TaskType = "action"
	// TaskTypeManual задание с обязательной ручной проверкой.
	TaskTypeManual TaskType = "manual"
)

// Task представляет задание. Записи создаёт и изменяет административная
// панель, бот их только читает.
type Task struct {
	ID                int64
	Title             string
	Description       string
	TaskType          TaskType
	RewardMin         float64 // Минимальная награда, RewardMin <= RewardMax
	RewardMax         float64 // Максимальная награда
	MaxPerUser        int     // Сколько раз один пользователь может выполнить задание
	CooldownHours     int     // Пауза между попытками для команды-псевдонима
	MinCompletionTime int     // Минимальное время выполнения в минутах
	ChannelID         *int64  // Канал для проверки подписки (subscription)
	Command           *string // Команда-псевдоним для прямого запуска
	Active            bool
	CreatedAt         time.Time
}

// UserTaskStatus статус попытки выполнения задания.
type UserTaskStatus string

const (
	// UserTaskInProgress задание взято в работу.
	UserTaskInProgress UserTaskStatus = "in_progress"
	// UserTaskSubmitted отправлено на ручную проверку, награда зафиксирована,
	// но не начислена.
	UserTaskSubmitted UserTaskStatus = "submitted"
	// UserTaskCompleted выполнено, награда начислена.
	UserTaskCompleted UserTaskStatus = "completed"
	// UserTaskRejected отклонено проверяющим.
	UserTaskRejected UserTaskStatus = "rejected"
)

// IsTerminal сообщает, является ли статус конечным. Для пары
// (пользователь, задание) одновременно может существовать не более
// одной записи в неконечном статусе.
func (s UserTaskStatus) IsTerminal() bool {
	return s == UserTaskCompleted || s == UserTaskRejected
}

// UserTask представляет одну попытку выполнения задания пользователем.
type UserTask struct {
	ID             int64
	UserID         int64
	TaskID         int64
	Status         UserTaskStatus
	Reward         float64    // Награда, вычисленная при отправке
	RewardReceived float64    // Фактически начисленная сумма
	RejectReason   *string    // Причина отклонения
	StartedAt      time.Time
	SubmittedAt    *time.Time
	CompletedAt    *time.Time
	CreatedAt      time.Time
}

// BalanceReason причина изменения баланса в журнале.
type BalanceReason string

const (
	// ReasonTaskReward начисление за выполненное задание.
	ReasonTaskReward BalanceReason = "task_reward"
	// ReasonReferralBonus бонус за приглашённого пользователя.
	ReasonReferralBonus BalanceReason = "referral_bonus"
	// ReasonPayoutRequest списание по заявке на вывод.
	ReasonPayoutRequest BalanceReason = "payout_request"
	// ReasonManualAdjustment ручная корректировка администратором.
	ReasonManualAdjustment BalanceReason = "manual_adjustment"
)

// BalanceLog неизменяемая запись журнала изменений баланса.
// Инвариант: BalanceAfter = BalanceBefore + Delta.
type BalanceLog struct {
	ID            int64
	UserID        int64
	Delta         float64
	BalanceBefore float64
	BalanceAfter  float64
	Reason        BalanceReason
	Comment       *string
	AdminID       *int64 // Идентификатор администратора, если действие ручное
	CreatedAt     time.Time
}

// Channel обязательный для подписки канал.
type Channel struct {
	ID        int64
	ChannelID int64  // Идентификатор чата в Telegram
	Title     string
	JoinLink  string // Ссылка-приглашение для клавиатуры
	IsActive  bool
	SortOrder int
}

// ScenarioStep один шаг пошагового сценария.
type ScenarioStep struct {
	Message      string `json:"message"`
	DelaySeconds int    `json:"delay_seconds"`
}

// Scenario сопоставление триггерной фразы и ответа. Либо Response,
// либо непустой список Steps.
type Scenario struct {
	ID       int64
	Trigger  string // Фраза для сравнения без учёта регистра
	Response string
	MediaURL string
	Steps    []ScenarioStep
	Active   bool
}

// Button кнопка меню, управляется административной панелью.
type Button struct {
	ID        int64
	Label     string // Текст кнопки на reply-клавиатуре
	Action    []byte // JSON с описанием действия, см. buttonaction
	IsInline  bool
	Active    bool
	SortOrder int
}

// События шины, публикуемые при изменении сущностей. Имя события
// совпадает с префиксом ключей кеша, которые нужно сбросить.
const (
	EventScenariosUpdated = "scenarios.updated"
	EventButtonsUpdated   = "buttons.updated"
	EventChannelsUpdated  = "channels.updated"
	EventSettingsUpdated  = "settings.updated"
	EventTasksUpdated     = "tasks.updated"
	EventBalanceChanged   = "balance.changed"
	EventTaskSubmitted    = "task.submitted"
)
