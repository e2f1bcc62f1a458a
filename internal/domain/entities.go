package domain

import (
	"time"

	"github.com/google/uuid"
)

// User описывает пользователя апстрим-платформы.
type User struct {
	ID          uuid.UUID `json:"id"`
	Handle      string    `json:"handle"`
	DisplayName string    `json:"displayName"`
}

// UserToken хранит OAuth-токен пользователя для фоновых запросов к апстриму.
type UserToken struct {
	UserID      uuid.UUID
	AccessToken string
}

// Reaction представляет агрегат (штамп, пользователь, количество) на сообщении.
type Reaction struct {
	StampID uuid.UUID `json:"stampId"`
	UserID  uuid.UUID `json:"userId"`
	Count   int       `json:"count"`
}

// GroupedReaction — свёртка реакций по штампу на момент чтения.
// Поле IsUserReacted зависит от запрашивающего пользователя, поэтому
// свёртка выполняется при выдаче, а не в хранилище.
type GroupedReaction struct {
	StampID       uuid.UUID `json:"stampId"`
	Count         int       `json:"count"`
	IsUserReacted bool      `json:"isUserReacted"`
}

// Message представляет сообщение канала в локальном кэше.
// Апстрим остаётся источником истины: локальная копия пересобирается краулером.
type Message struct {
	ID            uuid.UUID  `json:"id"`
	UserID        uuid.UUID  `json:"userId"`
	ChannelID     uuid.UUID  `json:"channelId"`
	Content       string     `json:"content"`
	Pinned        bool       `json:"pinned"`
	ThreadID      *uuid.UUID `json:"threadId,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
	LastCrawledAt time.Time  `json:"-"`
	Reactions     []Reaction `json:"reactions"`
}

// Stamp описывает именованный тип реакции апстрима.
type Stamp struct {
	ID   uuid.UUID `json:"id"`
	Name string    `json:"name"`
}

// MessageListItem — сообщение с вложенным снапшотом автора для выдачи.
type MessageListItem struct {
	ID        uuid.UUID  `json:"id"`
	UserID    uuid.UUID  `json:"userId"`
	User      *User      `json:"user,omitempty"`
	ChannelID uuid.UUID  `json:"channelId"`
	Content   string     `json:"content"`
	Pinned    bool       `json:"pinned"`
	ThreadID  *uuid.UUID `json:"threadId,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
	Reactions []Reaction `json:"reactions"`
}

// TimelineItem — элемент ленты после свёртки реакций под запрашивающего.
type TimelineItem struct {
	ID        uuid.UUID         `json:"id"`
	UserID    uuid.UUID         `json:"userId"`
	User      *User             `json:"user,omitempty"`
	ChannelID uuid.UUID         `json:"channelId"`
	Content   string            `json:"content"`
	Pinned    bool              `json:"pinned"`
	ThreadID  *uuid.UUID        `json:"threadId,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
	UpdatedAt time.Time         `json:"updatedAt"`
	Reactions []GroupedReaction `json:"reactions"`
}

// TimelinePage — страница ленты с курсорами продолжения в обе стороны.
type TimelinePage struct {
	Items      []TimelineItem `json:"items"`
	NextCursor string         `json:"nextCursor"`
	PrevCursor string         `json:"prevCursor"`
}

// SyncCandidate описывает сообщение, подлежащее проверке на обновление.
type SyncCandidate struct {
	MessageID     uuid.UUID
	CreatedAt     time.Time
	LastCrawledAt time.Time
}
