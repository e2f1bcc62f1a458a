package ws

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"traq-timeline/internal/domain"
)

type stubSender struct {
	events   []string
	payloads []any
	sendErr  error
}

func (s *stubSender) Send(_ context.Context, event string, payload any) error {
	if s.sendErr != nil {
		return s.sendErr
	}
	s.events = append(s.events, event)
	s.payloads = append(s.payloads, payload)
	return nil
}

func idSet(ids []uuid.UUID) map[uuid.UUID]struct{} {
	set := make(map[uuid.UUID]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

func TestSubscribeAppliesDeclaredSetAsDelta(t *testing.T) {
	d := NewDispatcher(zerolog.Nop())
	conn := &stubSender{}
	m1, m2, m3 := uuid.New(), uuid.New(), uuid.New()

	added, removed := d.Subscribe(conn, []uuid.UUID{m1, m2})
	if len(added) != 2 || len(removed) != 0 {
		t.Fatalf("первая подписка: added=%d removed=%d", len(added), len(removed))
	}

	added, removed = d.Subscribe(conn, []uuid.UUID{m2, m3})
	addedSet := idSet(added)
	removedSet := idSet(removed)
	if len(added) != 1 || len(removed) != 1 {
		t.Fatalf("дельта: added=%d removed=%d", len(added), len(removed))
	}
	if _, ok := addedSet[m3]; !ok {
		t.Fatal("в дельте должна добавиться только новая подписка")
	}
	if _, ok := removedSet[m1]; !ok {
		t.Fatal("в дельте должна сняться только пропавшая подписка")
	}

	// Повторное объявление того же набора ничего не меняет.
	added, removed = d.Subscribe(conn, []uuid.UUID{m2, m3})
	if len(added) != 0 || len(removed) != 0 {
		t.Fatalf("повтор того же набора: added=%d removed=%d", len(added), len(removed))
	}
}

func TestNotifyReachesOnlySubscribers(t *testing.T) {
	d := NewDispatcher(zerolog.Nop())
	subscribed := &stubSender{}
	other := &stubSender{}
	msg := domain.MessageListItem{ID: uuid.New(), Content: "updated"}

	d.Subscribe(subscribed, []uuid.UUID{msg.ID})
	d.Subscribe(other, []uuid.UUID{uuid.New()})

	d.NotifyMessageUpdated(context.Background(), msg)
	if len(subscribed.events) != 1 || subscribed.events[0] != domain.EventMessageUpdated {
		t.Fatalf("подписчик должен получить messageUpdated: %v", subscribed.events)
	}
	if len(other.events) != 0 {
		t.Fatal("неподписанное соединение не должно получать уведомлений")
	}
}

func TestDropRemovesAllSubscriptions(t *testing.T) {
	d := NewDispatcher(zerolog.Nop())
	conn := &stubSender{}
	msg := domain.MessageListItem{ID: uuid.New()}

	d.Subscribe(conn, []uuid.UUID{msg.ID, uuid.New()})
	d.Drop(conn)

	d.NotifyMessageUpdated(context.Background(), msg)
	if len(conn.events) != 0 {
		t.Fatal("после Drop соединение не должно получать уведомлений")
	}

	// Повторный Drop и поздняя отписка не должны паниковать.
	d.Drop(conn)
	d.Unsubscribe(conn, []uuid.UUID{msg.ID})
}

func TestNotifySurvivesSendFailure(t *testing.T) {
	d := NewDispatcher(zerolog.Nop())
	broken := &stubSender{sendErr: context.DeadlineExceeded}
	healthy := &stubSender{}
	msg := domain.MessageListItem{ID: uuid.New()}

	d.Subscribe(broken, []uuid.UUID{msg.ID})
	d.Subscribe(healthy, []uuid.UUID{msg.ID})

	d.NotifyMessageUpdated(context.Background(), msg)
	if len(healthy.events) != 1 {
		t.Fatal("ошибка одного клиента не должна задерживать остальных")
	}
}
