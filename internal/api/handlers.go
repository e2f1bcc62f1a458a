package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	chi "github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"traq-timeline/internal/domain"
	"traq-timeline/internal/usecase/crawler"
	"traq-timeline/internal/usecase/timeline"
	"traq-timeline/internal/ws"
)

const (
	maxKeywords   = 20
	maxKeywordLen = 64

	iconCacheTTL = time.Hour
)

// Handlers связывает HTTP-маршруты с прикладными сервисами.
type Handlers struct {
	timeline   *timeline.Service
	crawler    *crawler.Service
	users      domain.UserRepo
	messages   domain.MessageRepo
	stamps     domain.StampRepo
	readStates domain.ReadStateRepo
	client     domain.TraqClient
	queue      domain.EventQueue
	cache      domain.Cache
	sessions   *SessionStore
	socket     *ws.Handler

	webhookSecret string
	log           zerolog.Logger
}

// NewHandlers создаёт обработчики API.
func NewHandlers(
	timelineSvc *timeline.Service,
	crawlerSvc *crawler.Service,
	users domain.UserRepo,
	messages domain.MessageRepo,
	stamps domain.StampRepo,
	readStates domain.ReadStateRepo,
	client domain.TraqClient,
	queue domain.EventQueue,
	cache domain.Cache,
	sessions *SessionStore,
	socket *ws.Handler,
	webhookSecret string,
	logger zerolog.Logger,
) *Handlers {
	return &Handlers{
		timeline:      timelineSvc,
		crawler:       crawlerSvc,
		users:         users,
		messages:      messages,
		stamps:        stamps,
		readStates:    readStates,
		client:        client,
		queue:         queue,
		cache:         cache,
		sessions:      sessions,
		socket:        socket,
		webhookSecret: webhookSecret,
		log:           logger,
	}
}

// Register вешает маршруты на роутер.
func (h *Handlers) Register(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/auth/token", h.authToken)
		r.Post("/webhook", h.webhook)

		r.Get("/me", h.auth(h.me))
		r.Post("/auth/logout", h.auth(h.logout))
		r.Get("/me/keywords", h.auth(h.getKeywords))
		r.Put("/me/keywords", h.auth(h.putKeywords))

		r.Get("/timeline", h.auth(h.getTimeline))
		r.Post("/messages/read", h.auth(h.markRead))
		r.Get("/channels/{channelId}/messages", h.auth(h.channelMessages))

		r.Get("/users/{userId}", h.auth(h.getUser))
		r.Get("/users/{userId}/icon", h.auth(h.userIcon))

		r.Get("/stamps", h.auth(h.listStamps))
		r.Get("/stamps/{stampId}", h.auth(h.getStamp))
		r.Get("/stamps/{stampId}/image", h.auth(h.stampImage))
		r.Post("/messages/{messageId}/stamps/{stampId}", h.auth(h.addStamp))
		r.Delete("/messages/{messageId}/stamps/{stampId}", h.auth(h.removeStamp))

		r.Get("/ws", h.auth(h.serveSocket))
	})
}

type sessionHandler func(w http.ResponseWriter, r *http.Request, sess Session)

// auth требует действующую сессию.
func (h *Handlers) auth(next sessionHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := sessionCookieValue(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "требуется авторизация")
			return
		}
		sess, ok := h.sessions.Lookup(id)
		if !ok {
			writeError(w, http.StatusUnauthorized, "сессия истекла")
			return
		}
		next(w, r, sess)
	}
}

// authToken обменивает OAuth-токен апстрима на сессию. Токен
// сохраняется и в пул фоновых: краулеру нужен хотя бы один.
func (h *Handlers) authToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AccessToken string `json:"accessToken"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AccessToken == "" {
		writeError(w, http.StatusBadRequest, "ожидается accessToken")
		return
	}

	user, err := h.client.GetMe(r.Context(), req.AccessToken)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "токен не принят апстримом")
		return
	}
	if err := h.users.SaveUser(r.Context(), user); err != nil {
		h.serverError(w, err, "сохранение пользователя")
		return
	}
	if err := h.users.SaveToken(r.Context(), user.ID, req.AccessToken); err != nil {
		h.serverError(w, err, "сохранение токена")
		return
	}

	id := h.sessions.Create(user.ID, req.AccessToken)
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    id,
		Path:     "/",
		MaxAge:   int(sessionLifetime.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	writeJSON(w, http.StatusOK, user)
}

func (h *Handlers) logout(w http.ResponseWriter, r *http.Request, _ Session) {
	if id, ok := sessionCookieValue(r); ok {
		h.sessions.Delete(id)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
	})
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) me(w http.ResponseWriter, r *http.Request, sess Session) {
	user, err := h.users.GetUserByID(r.Context(), sess.UserID)
	if errors.Is(err, domain.ErrNotFound) {
		user, err = h.crawler.SyncUser(r.Context(), sess.UserID)
	}
	if err != nil {
		h.serverError(w, err, "чтение профиля")
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (h *Handlers) getKeywords(w http.ResponseWriter, r *http.Request, sess Session) {
	keywords, err := h.users.ListKeywords(r.Context(), sess.UserID)
	if err != nil {
		h.serverError(w, err, "чтение ключевых слов")
		return
	}
	if keywords == nil {
		keywords = []string{}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"keywords": keywords})
}

func (h *Handlers) putKeywords(w http.ResponseWriter, r *http.Request, sess Session) {
	var req struct {
		Keywords []string `json:"keywords"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "ожидается keywords")
		return
	}
	cleaned := make([]string, 0, len(req.Keywords))
	for _, kw := range req.Keywords {
		kw = strings.TrimSpace(kw)
		if kw == "" {
			continue
		}
		if len(kw) > maxKeywordLen {
			writeError(w, http.StatusBadRequest, "слишком длинное ключевое слово")
			return
		}
		cleaned = append(cleaned, kw)
	}
	if len(cleaned) > maxKeywords {
		writeError(w, http.StatusBadRequest, "слишком много ключевых слов")
		return
	}
	if err := h.users.SetKeywords(r.Context(), sess.UserID, cleaned); err != nil {
		h.serverError(w, err, "сохранение ключевых слов")
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"keywords": cleaned})
}

func (h *Handlers) getTimeline(w http.ResponseWriter, r *http.Request, sess Session) {
	direction := timeline.DirectionNext
	if r.URL.Query().Get("direction") == string(timeline.DirectionPrev) {
		direction = timeline.DirectionPrev
	}
	page, err := h.timeline.Page(r.Context(), sess.UserID, r.URL.Query().Get("cursor"), direction)
	if err != nil {
		h.serverError(w, err, "сборка ленты")
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// markRead — HTTP-путь отметки о прочтении для клиентов без сокета.
// Пишет сразу, без окна накопления.
func (h *Handlers) markRead(w http.ResponseWriter, r *http.Request, sess Session) {
	var req struct {
		MessageIDs []uuid.UUID `json:"messageIds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.MessageIDs) == 0 {
		writeError(w, http.StatusBadRequest, "ожидается messageIds")
		return
	}
	if err := h.readStates.MarkRead(r.Context(), sess.UserID, req.MessageIDs); err != nil {
		h.serverError(w, err, "отметка о прочтении")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) channelMessages(w http.ResponseWriter, r *http.Request, sess Session) {
	channelID, err := uuid.Parse(chi.URLParam(r, "channelId"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "непригодный идентификатор канала")
		return
	}
	q := r.URL.Query()
	var since, until time.Time
	if v := q.Get("since"); v != "" {
		if since, err = time.Parse(time.RFC3339, v); err != nil {
			writeError(w, http.StatusBadRequest, "since не в формате RFC3339")
			return
		}
	}
	if v := q.Get("until"); v != "" {
		if until, err = time.Parse(time.RFC3339, v); err != nil {
			writeError(w, http.StatusBadRequest, "until не в формате RFC3339")
			return
		}
	}
	limit := 50
	if v := q.Get("limit"); v != "" {
		limit, err = strconv.Atoi(v)
		if err != nil || limit <= 0 {
			writeError(w, http.StatusBadRequest, "непригодный limit")
			return
		}
		if limit > 200 {
			limit = 200
		}
	}
	asc := q.Get("order") == "asc"

	items, err := h.timeline.ChannelMessages(r.Context(), sess.UserID, channelID, since, until, asc, limit)
	if err != nil {
		h.serverError(w, err, "чтение сообщений канала")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// getUser отдаёт пользователя из кэша, на промахе дотягивает из апстрима.
func (h *Handlers) getUser(w http.ResponseWriter, r *http.Request, _ Session) {
	userID, err := uuid.Parse(chi.URLParam(r, "userId"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "непригодный идентификатор пользователя")
		return
	}
	user, err := h.users.GetUserByID(r.Context(), userID)
	if errors.Is(err, domain.ErrNotFound) {
		user, err = h.crawler.SyncUser(r.Context(), userID)
	}
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, user)
	case errors.Is(err, domain.ErrUpstreamUnavailable):
		writeError(w, http.StatusBadGateway, "апстрим недоступен")
	case errors.Is(err, domain.ErrNoCredential):
		writeError(w, http.StatusServiceUnavailable, "нет фонового токена")
	default:
		h.serverError(w, err, "чтение пользователя")
	}
}

// imageEnvelope — кэшируемое представление картинки вместе с типом содержимого.
type imageEnvelope struct {
	ContentType string `json:"contentType"`
	Body        []byte `json:"body"`
}

func (h *Handlers) userIcon(w http.ResponseWriter, r *http.Request, sess Session) {
	userID, err := uuid.Parse(chi.URLParam(r, "userId"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "непригодный идентификатор пользователя")
		return
	}
	h.proxyImage(w, "icon:"+userID.String(), func() ([]byte, string, error) {
		return h.client.GetUserIcon(r.Context(), sess.AccessToken, userID)
	})
}

func (h *Handlers) stampImage(w http.ResponseWriter, r *http.Request, sess Session) {
	stampID, err := uuid.Parse(chi.URLParam(r, "stampId"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "непригодный идентификатор штампа")
		return
	}
	h.proxyImage(w, "stamp-image:"+stampID.String(), func() ([]byte, string, error) {
		return h.client.GetStampImage(r.Context(), sess.AccessToken, stampID)
	})
}

// proxyImage отдаёт картинку из кэша либо дотягивает её из апстрима
// и кэширует на TTL.
func (h *Handlers) proxyImage(w http.ResponseWriter, key string, fetch func() ([]byte, string, error)) {
	if raw, err := h.cache.Get(key); err == nil {
		var env imageEnvelope
		if json.Unmarshal(raw, &env) == nil {
			w.Header().Set("Content-Type", env.ContentType)
			w.Write(env.Body)
			return
		}
	}

	body, contentType, err := fetch()
	if err != nil {
		writeError(w, http.StatusBadGateway, "картинка недоступна")
		return
	}
	if raw, err := json.Marshal(imageEnvelope{ContentType: contentType, Body: body}); err == nil {
		if err := h.cache.Set(key, raw, iconCacheTTL); err != nil {
			h.log.Debug().Err(err).Msg("картинка не закэширована")
		}
	}
	w.Header().Set("Content-Type", contentType)
	w.Write(body)
}

func (h *Handlers) listStamps(w http.ResponseWriter, r *http.Request, _ Session) {
	if err := h.crawler.SyncStamps(r.Context()); err != nil {
		h.log.Debug().Err(err).Msg("справочник штампов не обновлён")
	}
	stamps, err := h.stamps.ListStamps(r.Context())
	if err != nil {
		h.serverError(w, err, "чтение штампов")
		return
	}
	if stamps == nil {
		stamps = []domain.Stamp{}
	}
	writeJSON(w, http.StatusOK, map[string][]domain.Stamp{"stamps": stamps})
}

func (h *Handlers) getStamp(w http.ResponseWriter, r *http.Request, _ Session) {
	stampID, err := uuid.Parse(chi.URLParam(r, "stampId"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "непригодный идентификатор штампа")
		return
	}
	stamp, err := h.stamps.GetStampByID(r.Context(), stampID)
	if errors.Is(err, domain.ErrNotFound) {
		stamp, err = h.crawler.SyncStamp(r.Context(), stampID)
	}
	if err != nil {
		writeError(w, http.StatusNotFound, "штамп не найден")
		return
	}
	writeJSON(w, http.StatusOK, stamp)
}

// addStamp ставит реакцию от имени пользователя сессии и сразу
// пересинхронизирует сообщение, чтобы подписчики увидели изменение
// без ожидания цикла краулера.
func (h *Handlers) addStamp(w http.ResponseWriter, r *http.Request, sess Session) {
	messageID, stampID, ok := h.stampParams(w, r)
	if !ok {
		return
	}
	if err := h.client.AddMessageStamp(r.Context(), sess.AccessToken, messageID, stampID); err != nil {
		writeError(w, http.StatusBadGateway, "апстрим отклонил реакцию")
		return
	}
	h.reconcileMessage(r, domain.ChangeStampAdded, messageID)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) removeStamp(w http.ResponseWriter, r *http.Request, sess Session) {
	messageID, stampID, ok := h.stampParams(w, r)
	if !ok {
		return
	}
	if err := h.client.RemoveMessageStamp(r.Context(), sess.AccessToken, messageID, stampID); err != nil {
		writeError(w, http.StatusBadGateway, "апстрим отклонил снятие реакции")
		return
	}
	// Локальная копия правится сразу, пересинхронизация подтвердит.
	if err := h.messages.RemoveReaction(r.Context(), messageID, stampID, sess.UserID); err != nil {
		h.log.Debug().Err(err).Msg("локальная реакция не снята")
	}
	h.reconcileMessage(r, domain.ChangeStampRemoved, messageID)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) stampParams(w http.ResponseWriter, r *http.Request) (uuid.UUID, uuid.UUID, bool) {
	messageID, err := uuid.Parse(chi.URLParam(r, "messageId"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "непригодный идентификатор сообщения")
		return uuid.Nil, uuid.Nil, false
	}
	stampID, err := uuid.Parse(chi.URLParam(r, "stampId"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "непригодный идентификатор штампа")
		return uuid.Nil, uuid.Nil, false
	}
	return messageID, stampID, true
}

func (h *Handlers) reconcileMessage(r *http.Request, changeType string, messageID uuid.UUID) {
	event := domain.ChangeEvent{
		Type:       changeType,
		MessageID:  messageID,
		OccurredAt: time.Now().UTC(),
	}
	if err := h.crawler.HandleChange(r.Context(), event); err != nil {
		h.log.Warn().Err(err).Str("message", messageID.String()).Msg("сообщение не пересинхронизировано")
	}
}

// webhook принимает сигналы апстрима об изменениях и складывает их в
// очередь. Обработка асинхронная: апстрим получает ответ сразу.
func (h *Handlers) webhook(w http.ResponseWriter, r *http.Request) {
	if h.webhookSecret != "" && r.Header.Get("X-Webhook-Secret") != h.webhookSecret {
		writeError(w, http.StatusUnauthorized, "неверный секрет вебхука")
		return
	}
	var event domain.ChangeEvent
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil || event.MessageID == uuid.Nil {
		writeError(w, http.StatusBadRequest, "ожидается событие с message_id")
		return
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	if err := h.queue.Enqueue(r.Context(), event); err != nil {
		h.serverError(w, err, "постановка события в очередь")
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *Handlers) serveSocket(w http.ResponseWriter, r *http.Request, sess Session) {
	h.socket.Serve(w, r, sess.UserID)
}

func (h *Handlers) serverError(w http.ResponseWriter, err error, op string) {
	h.log.Error().Err(err).Str("op", op).Msg("внутренняя ошибка")
	writeError(w, http.StatusInternalServerError, "внутренняя ошибка")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
