package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// UserRepo управляет пользователями и их токенами в локальном кэше.
type UserRepo interface {
	SaveUser(ctx context.Context, user User) error
	// GetUserByID возвращает ErrNotFound, если пользователь ещё не наблюдался.
	GetUserByID(ctx context.Context, id uuid.UUID) (User, error)
	SaveToken(ctx context.Context, userID uuid.UUID, accessToken string) error
	ListKeywords(ctx context.Context, userID uuid.UUID) ([]string, error)
	SetKeywords(ctx context.Context, userID uuid.UUID, keywords []string) error
}

// MessageRepo управляет сообщениями и реакциями.
type MessageRepo interface {
	SaveMessage(ctx context.Context, msg Message) error
	SaveMessages(ctx context.Context, msgs []Message) error
	GetMessageByID(ctx context.Context, id uuid.UUID) (Message, error)
	RemoveReaction(ctx context.Context, messageID, stampID, userID uuid.UUID) error
	// LatestMessageTime возвращает вотермарку канала: created_at последнего
	// сохранённого сообщения. ok=false означает, что канал ещё не краулился.
	LatestMessageTime(ctx context.Context, channelID uuid.UUID) (time.Time, bool, error)
	SyncCandidates(ctx context.Context) ([]SyncCandidate, error)
	ListChannelMessages(ctx context.Context, channelID uuid.UUID, since, until time.Time, asc bool, limit int) ([]MessageListItem, error)

	// Выборки-кандидаты для слияния ленты. Каждая ограничена limit
	// и отсортирована по собственному ключу с убыванием created_at
	// в качестве финального разрешения ничьих.
	RecencyCandidates(ctx context.Context, limit int) ([]MessageListItem, error)
	PopularityCandidates(ctx context.Context, limit int) ([]MessageListItem, error)
	AffinityCandidates(ctx context.Context, userID uuid.UUID, window time.Duration, limit int) ([]MessageListItem, error)
	InterestCandidates(ctx context.Context, userID uuid.UUID, limit int) ([]MessageListItem, error)
}

// StampRepo управляет справочником штампов.
type StampRepo interface {
	SaveStamp(ctx context.Context, stamp Stamp) error
	SaveStamps(ctx context.Context, stamps []Stamp) error
	GetStampByID(ctx context.Context, id uuid.UUID) (Stamp, error)
	ListStamps(ctx context.Context) ([]Stamp, error)
}

// ReadStateRepo хранит отметки о прочтении.
type ReadStateRepo interface {
	// MarkRead вставляет пары (user, message) с игнорированием дублей.
	// Повторная отметка уже прочитанного сообщения — no-op.
	MarkRead(ctx context.Context, userID uuid.UUID, messageIDs []uuid.UUID) error
}

// CredentialProvider выдаёт действующий токен для фоновых запросов к апстриму.
// У платформы нет приватных каналов в рамках задачи, поэтому подходит
// токен любого авторизовавшегося пользователя.
type CredentialProvider interface {
	CurrentCredential(ctx context.Context) (string, error)
}

// TraqClient читает данные из апстрим-платформы от имени переданного токена.
type TraqClient interface {
	ListChannels(ctx context.Context, token string) ([]uuid.UUID, error)
	FetchMessagesSince(ctx context.Context, token string, channelID uuid.UUID, since time.Time) ([]Message, error)
	GetMessage(ctx context.Context, token string, id uuid.UUID) (Message, error)
	GetUser(ctx context.Context, token string, id uuid.UUID) (User, error)
	GetUserIcon(ctx context.Context, token string, id uuid.UUID) ([]byte, string, error)
	GetMe(ctx context.Context, token string) (User, error)
	GetStamp(ctx context.Context, token string, id uuid.UUID) (Stamp, error)
	GetStampImage(ctx context.Context, token string, id uuid.UUID) ([]byte, string, error)
	ListStamps(ctx context.Context, token string) ([]Stamp, error)
	AddMessageStamp(ctx context.Context, token string, messageID, stampID uuid.UUID) error
	RemoveMessageStamp(ctx context.Context, token string, messageID, stampID uuid.UUID) error
}

// MessageNotifier уведомляет подключённых клиентов об изменении сообщения.
type MessageNotifier interface {
	NotifyMessageUpdated(ctx context.Context, msg MessageListItem)
}

// EventQueue передаёт события вебхука от HTTP-слоя краулеру.
type EventQueue interface {
	Enqueue(ctx context.Context, event ChangeEvent) error
	// Pop блокируется до появления события или отмены контекста.
	Pop(ctx context.Context) (ChangeEvent, error)
}

// Cache используется для простых TTL-хранилищ.
type Cache interface {
	Once(key string, ttl time.Duration, fn func() error) error
	Set(key string, value []byte, ttl time.Duration) error
	Get(key string) ([]byte, error)
}
