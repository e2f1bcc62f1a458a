package ws

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"traq-timeline/internal/domain"
	"traq-timeline/internal/infra/metrics"
)

// Sender отправляет событие одному клиенту. Реализуется сокет-соединением,
// в тестах подменяется накопителем.
type Sender interface {
	Send(ctx context.Context, event string, payload any) error
}

// Dispatcher ведёт двусторонний индекс подписок: соединение → сообщения
// и сообщение → соединения. Уведомление об изменении сообщения уходит
// только подписанным на него соединениям.
type Dispatcher struct {
	log zerolog.Logger

	mu        sync.Mutex
	byConn    map[Sender]map[uuid.UUID]struct{}
	byMessage map[uuid.UUID]map[Sender]struct{}
}

var _ domain.MessageNotifier = (*Dispatcher)(nil)

// NewDispatcher создаёт диспетчер без подключений.
func NewDispatcher(logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		log:       logger,
		byConn:    map[Sender]map[uuid.UUID]struct{}{},
		byMessage: map[uuid.UUID]map[Sender]struct{}{},
	}
}

// Register регистрирует новое соединение без подписок.
func (d *Dispatcher) Register(conn Sender) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.byConn[conn]; ok {
		return
	}
	d.byConn[conn] = map[uuid.UUID]struct{}{}
	metrics.WSConnections.Inc()
}

// Subscribe принимает объявленный клиентом полный набор видимых сообщений
// и приводит подписки к нему. Повторное объявление того же набора — no-op.
// Возвращает фактическую дельту.
func (d *Dispatcher) Subscribe(conn Sender, declared []uuid.UUID) (added, removed []uuid.UUID) {
	want := make(map[uuid.UUID]struct{}, len(declared))
	for _, id := range declared {
		want[id] = struct{}{}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	current, ok := d.byConn[conn]
	if !ok {
		current = map[uuid.UUID]struct{}{}
		d.byConn[conn] = current
		metrics.WSConnections.Inc()
	}

	for id := range want {
		if _, has := current[id]; !has {
			added = append(added, id)
			d.attach(conn, current, id)
		}
	}
	for id := range current {
		if _, keep := want[id]; !keep {
			removed = append(removed, id)
			d.detach(conn, current, id)
		}
	}
	return added, removed
}

// Unsubscribe снимает перечисленные подписки соединения.
func (d *Dispatcher) Unsubscribe(conn Sender, messageIDs []uuid.UUID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	current, ok := d.byConn[conn]
	if !ok {
		return
	}
	for _, id := range messageIDs {
		if _, has := current[id]; has {
			d.detach(conn, current, id)
		}
	}
}

// Drop снимает все подписки соединения и забывает его. Вызывается при
// любом завершении сокета, штатном или нет.
func (d *Dispatcher) Drop(conn Sender) {
	d.mu.Lock()
	defer d.mu.Unlock()
	current, ok := d.byConn[conn]
	if !ok {
		return
	}
	for id := range current {
		d.detach(conn, current, id)
	}
	delete(d.byConn, conn)
	metrics.WSConnections.Dec()
}

// NotifyMessageUpdated рассылает обновлённое сообщение подписанным
// соединениям. Ошибка отправки одному клиенту не задерживает остальных.
func (d *Dispatcher) NotifyMessageUpdated(ctx context.Context, msg domain.MessageListItem) {
	d.mu.Lock()
	subscribers := make([]Sender, 0, len(d.byMessage[msg.ID]))
	for conn := range d.byMessage[msg.ID] {
		subscribers = append(subscribers, conn)
	}
	d.mu.Unlock()

	for _, conn := range subscribers {
		if err := conn.Send(ctx, domain.EventMessageUpdated, msg); err != nil {
			d.log.Debug().Err(err).Str("message", msg.ID.String()).Msg("уведомление не доставлено")
			continue
		}
		metrics.WSPushedUpdates.Inc()
	}
}

// attach и detach вызываются под d.mu.
func (d *Dispatcher) attach(conn Sender, current map[uuid.UUID]struct{}, id uuid.UUID) {
	current[id] = struct{}{}
	subs, ok := d.byMessage[id]
	if !ok {
		subs = map[Sender]struct{}{}
		d.byMessage[id] = subs
	}
	subs[conn] = struct{}{}
	metrics.WSSubscriptions.Inc()
}

func (d *Dispatcher) detach(conn Sender, current map[uuid.UUID]struct{}, id uuid.UUID) {
	delete(current, id)
	if subs, ok := d.byMessage[id]; ok {
		delete(subs, conn)
		if len(subs) == 0 {
			delete(d.byMessage, id)
		}
	}
	metrics.WSSubscriptions.Dec()
}
