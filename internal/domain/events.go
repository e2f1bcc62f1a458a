package domain

import (
	"time"

	"github.com/google/uuid"
)

// Имена событий сокет-протокола.
const (
	EventSubscribe      = "subscribe"
	EventUnsubscribe    = "unsubscribe"
	EventMarkViewed     = "markViewed"
	EventMessageUpdated = "messageUpdated"
)

// SubscribePayload — клиентское событие подписки на набор сообщений.
type SubscribePayload struct {
	MessageIDs []uuid.UUID `json:"messageIds"`
}

// UnsubscribePayload — клиентское событие отписки.
type UnsubscribePayload struct {
	MessageIDs []uuid.UUID `json:"messageIds"`
}

// Типы событий изменений, приходящих с вебхука апстрима.
const (
	ChangeMessageCreated = "message_created"
	ChangeMessageUpdated = "message_updated"
	ChangeStampAdded     = "stamp_added"
	ChangeStampRemoved   = "stamp_removed"
)

// ChangeEvent — сигнал апстрима о том, что конкретное сообщение изменилось.
// Краулер обрабатывает его как немедленное обновление, вне очередного цикла.
type ChangeEvent struct {
	Type       string    `json:"type"`
	MessageID  uuid.UUID `json:"message_id"`
	OccurredAt time.Time `json:"occurred_at"`
}
