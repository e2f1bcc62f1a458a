package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"traq-timeline/internal/domain"
)

type recordingReadRepo struct {
	mu   sync.Mutex
	read map[uuid.UUID][]uuid.UUID
}

func (r *recordingReadRepo) MarkRead(_ context.Context, userID uuid.UUID, ids []uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.read[userID] = append(r.read[userID], ids...)
	return nil
}

func (r *recordingReadRepo) marked(userID, msgID uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range r.read[userID] {
		if id == msgID {
			return true
		}
	}
	return false
}

func (d *Dispatcher) subscribedTo(msgID uuid.UUID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.byMessage[msgID]) > 0
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

// Остановка процесса должна разорвать перехваченные сокеты и сбросить
// накопленные отметки о прочтении, не дожидаясь окна таймера.
func TestShutdownClosesSocketsAndFlushesReadMarks(t *testing.T) {
	base, stop := context.WithCancel(context.Background())
	defer stop()

	repo := &recordingReadRepo{read: map[uuid.UUID][]uuid.UUID{}}
	dispatcher := NewDispatcher(zerolog.Nop())
	handler := NewHandler(base, dispatcher, repo, zerolog.Nop())
	userID := uuid.New()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler.Serve(w, r, userID)
	}))
	defer srv.Close()

	dialCtx, cancelDial := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelDial()
	conn, _, err := websocket.Dial(dialCtx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	msgID := uuid.New()
	if err := wsjson.Write(dialCtx, conn, map[string]any{
		"event":   domain.EventMarkViewed,
		"payload": domain.SubscribePayload{MessageIDs: []uuid.UUID{msgID}},
	}); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	// Кадры обрабатываются по порядку: подписка после отметки
	// подтверждает, что отметка дочитана сервером.
	if err := wsjson.Write(dialCtx, conn, map[string]any{
		"event":   domain.EventSubscribe,
		"payload": domain.SubscribePayload{MessageIDs: []uuid.UUID{msgID}},
	}); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	waitFor(t, func() bool { return dispatcher.subscribedTo(msgID) },
		"сервер не обработал кадры до остановки")

	stop()

	waitFor(t, func() bool { return repo.marked(userID, msgID) },
		"остановка не сбросила накопленные отметки о прочтении")
	waitFor(t, func() bool { return !dispatcher.subscribedTo(msgID) },
		"остановка не сняла подписки соединения")
}
