package readstate

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"traq-timeline/internal/infra/metrics"
)

const (
	// Окно накопления: отметки, поступившие в течение окна,
	// уходят в хранилище одной партией.
	flushDelay = 2 * time.Second

	// Порог очистки множества отправленных. Набор служит только
	// дедупликации, хранилище и так игнорирует повторные вставки.
	sentClearThreshold = 5000
)

// Tracker накапливает отметки о прочтении одного пользователя и
// периодически сбрасывает их в хранилище партией. Один трекер на
// соединение: его жизненный цикл совпадает с жизнью сокета.
//
// Семантика сброса — не более одного раза: отметка, попавшая в
// неудавшуюся партию, не переотправляется. Потеря отметки о прочтении
// дешевле дубля нагрузки, повторный просмотр сообщения её восстановит.
type Tracker struct {
	userID uuid.UUID
	flush  func(ctx context.Context, userID uuid.UUID, ids []uuid.UUID) error
	log    zerolog.Logger

	// after подменяется в тестах для управления временем.
	after func(d time.Duration, fn func()) *time.Timer

	mu      sync.Mutex
	pending map[uuid.UUID]struct{}
	sent    map[uuid.UUID]struct{}
	timer   *time.Timer
	closed  bool
}

// NewTracker создаёт трекер для пользователя. flush вызывается вне
// блокировки и может ходить в хранилище.
func NewTracker(
	userID uuid.UUID,
	flush func(ctx context.Context, userID uuid.UUID, ids []uuid.UUID) error,
	logger zerolog.Logger,
) *Tracker {
	return &Tracker{
		userID:  userID,
		flush:   flush,
		log:     logger,
		after:   time.AfterFunc,
		pending: map[uuid.UUID]struct{}{},
		sent:    map[uuid.UUID]struct{}{},
	}
}

// Mark регистрирует просмотренные сообщения. Уже отправленные и уже
// ожидающие идентификаторы игнорируются. Первый новый идентификатор
// взводит таймер сброса.
func (t *Tracker) Mark(messageIDs []uuid.UUID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	added := false
	for _, id := range messageIDs {
		if _, ok := t.sent[id]; ok {
			continue
		}
		if _, ok := t.pending[id]; ok {
			continue
		}
		t.pending[id] = struct{}{}
		added = true
	}
	if added && t.timer == nil {
		t.timer = t.after(flushDelay, func() { t.Flush(context.Background()) })
	}
}

// Flush немедленно сбрасывает накопленное. Вызывается таймером и при
// закрытии соединения.
func (t *Tracker) Flush(ctx context.Context) {
	t.mu.Lock()
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	if len(t.pending) == 0 {
		t.mu.Unlock()
		return
	}
	ids := make([]uuid.UUID, 0, len(t.pending))
	for id := range t.pending {
		ids = append(ids, id)
		t.sent[id] = struct{}{}
	}
	t.pending = map[uuid.UUID]struct{}{}
	if len(t.sent) > sentClearThreshold {
		t.sent = map[uuid.UUID]struct{}{}
	}
	t.mu.Unlock()

	if err := t.flush(ctx, t.userID, ids); err != nil {
		metrics.ReadStateFlushErrors.Inc()
		t.log.Warn().Err(err).Int("count", len(ids)).Msg("отметки о прочтении потеряны")
		return
	}
	metrics.ReadStateFlushes.Inc()
}

// Close сбрасывает остаток и останавливает трекер. Последующие Mark
// игнорируются.
func (t *Tracker) Close(ctx context.Context) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.mu.Unlock()
	t.Flush(ctx)
}
