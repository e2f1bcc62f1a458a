package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"traq-timeline/internal/domain"
	"traq-timeline/internal/usecase/readstate"
)

// frame — кадр сокет-протокола в обе стороны.
type frame struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type outFrame struct {
	Event   string `json:"event"`
	Payload any    `json:"payload,omitempty"`
}

// socketConn оборачивает соединение и сериализует записи: wsjson не
// допускает конкурентных Write на одном соединении.
type socketConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *socketConn) Send(ctx context.Context, event string, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return wsjson.Write(ctx, c.conn, outFrame{Event: event, Payload: payload})
}

// Handler обслуживает сокет-подключения клиентов ленты.
type Handler struct {
	base       context.Context
	dispatcher *Dispatcher
	readStates domain.ReadStateRepo
	log        zerolog.Logger
}

// NewHandler создаёт обработчик сокетов. base — контекст жизни
// процесса: его отмена разрывает все соединения.
func NewHandler(base context.Context, dispatcher *Dispatcher, readStates domain.ReadStateRepo, logger zerolog.Logger) *Handler {
	return &Handler{base: base, dispatcher: dispatcher, readStates: readStates, log: logger}
}

// Serve апгрейдит запрос и ведёт соединение до разрыва. userID —
// аутентифицированный пользователь из сессии.
func (h *Handler) Serve(w http.ResponseWriter, r *http.Request, userID uuid.UUID) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.log.Debug().Err(err).Msg("ws: апгрейд не удался")
		return
	}

	sender := &socketConn{conn: conn}
	h.dispatcher.Register(sender)
	tracker := readstate.NewTracker(userID, func(ctx context.Context, userID uuid.UUID, ids []uuid.UUID) error {
		return h.readStates.MarkRead(ctx, userID, ids)
	}, h.log)

	// Жизнь соединения не привязана к контексту HTTP-запроса, но
	// завершается вместе с процессом: перехваченные сокеты не видны
	// graceful shutdown самого http.Server.
	ctx := h.base
	defer func() {
		// Разрыв по любой причине: подписки снимаются, остаток
		// отметок о прочтении сбрасывается. Сброс идёт на свежем
		// контексте: родительский к этому моменту может быть отменён.
		h.dispatcher.Drop(sender)
		flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		tracker.Close(flushCtx)
		conn.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		var f frame
		if err := wsjson.Read(ctx, conn, &f); err != nil {
			return
		}
		h.handleFrame(sender, tracker, f)
	}
}

func (h *Handler) handleFrame(sender Sender, tracker *readstate.Tracker, f frame) {
	switch f.Event {
	case domain.EventSubscribe:
		var p domain.SubscribePayload
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			h.log.Debug().Err(err).Msg("ws: непригодный payload подписки")
			return
		}
		h.dispatcher.Subscribe(sender, p.MessageIDs)
	case domain.EventUnsubscribe:
		var p domain.UnsubscribePayload
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			h.log.Debug().Err(err).Msg("ws: непригодный payload отписки")
			return
		}
		h.dispatcher.Unsubscribe(sender, p.MessageIDs)
	case domain.EventMarkViewed:
		var p domain.SubscribePayload
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			h.log.Debug().Err(err).Msg("ws: непригодный payload отметки")
			return
		}
		tracker.Mark(p.MessageIDs)
	default:
		h.log.Debug().Str("event", f.Event).Msg("ws: неизвестное событие")
	}
}
