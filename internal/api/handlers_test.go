package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	chi "github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"traq-timeline/internal/domain"
	"traq-timeline/internal/usecase/crawler"
	"traq-timeline/internal/usecase/timeline"
	"traq-timeline/internal/ws"
)

// fakeStore — процессная замена Postgres для тестов обработчиков.
type fakeStore struct {
	users    map[uuid.UUID]domain.User
	tokens   map[uuid.UUID]string
	keywords map[uuid.UUID][]string
	messages map[uuid.UUID]domain.Message
	recency  []domain.MessageListItem
	read     map[uuid.UUID][]uuid.UUID
	stamps   map[uuid.UUID]domain.Stamp
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:    map[uuid.UUID]domain.User{},
		tokens:   map[uuid.UUID]string{},
		keywords: map[uuid.UUID][]string{},
		messages: map[uuid.UUID]domain.Message{},
		read:     map[uuid.UUID][]uuid.UUID{},
		stamps:   map[uuid.UUID]domain.Stamp{},
	}
}

func (f *fakeStore) SaveUser(_ context.Context, user domain.User) error {
	f.users[user.ID] = user
	return nil
}

func (f *fakeStore) GetUserByID(_ context.Context, id uuid.UUID) (domain.User, error) {
	user, ok := f.users[id]
	if !ok {
		return domain.User{}, domain.ErrNotFound
	}
	return user, nil
}

func (f *fakeStore) SaveToken(_ context.Context, userID uuid.UUID, token string) error {
	f.tokens[userID] = token
	return nil
}

func (f *fakeStore) ListKeywords(_ context.Context, userID uuid.UUID) ([]string, error) {
	return f.keywords[userID], nil
}

func (f *fakeStore) SetKeywords(_ context.Context, userID uuid.UUID, kws []string) error {
	f.keywords[userID] = kws
	return nil
}

func (f *fakeStore) SaveMessage(_ context.Context, msg domain.Message) error {
	f.messages[msg.ID] = msg
	return nil
}

func (f *fakeStore) SaveMessages(ctx context.Context, msgs []domain.Message) error {
	for _, m := range msgs {
		if err := f.SaveMessage(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeStore) GetMessageByID(_ context.Context, id uuid.UUID) (domain.Message, error) {
	msg, ok := f.messages[id]
	if !ok {
		return domain.Message{}, domain.ErrNotFound
	}
	return msg, nil
}

func (f *fakeStore) RemoveReaction(context.Context, uuid.UUID, uuid.UUID, uuid.UUID) error {
	return nil
}

func (f *fakeStore) LatestMessageTime(context.Context, uuid.UUID) (time.Time, bool, error) {
	return time.Time{}, false, nil
}

func (f *fakeStore) SyncCandidates(context.Context) ([]domain.SyncCandidate, error) {
	return nil, nil
}

func (f *fakeStore) ListChannelMessages(context.Context, uuid.UUID, time.Time, time.Time, bool, int) ([]domain.MessageListItem, error) {
	return nil, nil
}

func (f *fakeStore) RecencyCandidates(context.Context, int) ([]domain.MessageListItem, error) {
	return f.recency, nil
}

func (f *fakeStore) PopularityCandidates(context.Context, int) ([]domain.MessageListItem, error) {
	return nil, nil
}

func (f *fakeStore) AffinityCandidates(context.Context, uuid.UUID, time.Duration, int) ([]domain.MessageListItem, error) {
	return nil, nil
}

func (f *fakeStore) InterestCandidates(context.Context, uuid.UUID, int) ([]domain.MessageListItem, error) {
	return nil, nil
}

func (f *fakeStore) SaveStamp(_ context.Context, stamp domain.Stamp) error {
	f.stamps[stamp.ID] = stamp
	return nil
}

func (f *fakeStore) SaveStamps(ctx context.Context, stamps []domain.Stamp) error {
	for _, s := range stamps {
		if err := f.SaveStamp(ctx, s); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeStore) GetStampByID(_ context.Context, id uuid.UUID) (domain.Stamp, error) {
	stamp, ok := f.stamps[id]
	if !ok {
		return domain.Stamp{}, domain.ErrNotFound
	}
	return stamp, nil
}

func (f *fakeStore) ListStamps(context.Context) ([]domain.Stamp, error) { return nil, nil }

func (f *fakeStore) MarkRead(_ context.Context, userID uuid.UUID, ids []uuid.UUID) error {
	f.read[userID] = append(f.read[userID], ids...)
	return nil
}

func (f *fakeStore) CurrentCredential(context.Context) (string, error) {
	for _, token := range f.tokens {
		return token, nil
	}
	return "", domain.ErrNoCredential
}

type fakeClient struct {
	me domain.User
}

func (c *fakeClient) ListChannels(context.Context, string) ([]uuid.UUID, error) { return nil, nil }
func (c *fakeClient) FetchMessagesSince(context.Context, string, uuid.UUID, time.Time) ([]domain.Message, error) {
	return nil, nil
}
func (c *fakeClient) GetMessage(context.Context, string, uuid.UUID) (domain.Message, error) {
	return domain.Message{}, domain.ErrUpstreamUnavailable
}
func (c *fakeClient) GetUser(context.Context, string, uuid.UUID) (domain.User, error) {
	return domain.User{}, domain.ErrUpstreamUnavailable
}
func (c *fakeClient) GetUserIcon(context.Context, string, uuid.UUID) ([]byte, string, error) {
	return nil, "", domain.ErrUpstreamUnavailable
}
func (c *fakeClient) GetMe(_ context.Context, token string) (domain.User, error) {
	if token != "valid-token" {
		return domain.User{}, domain.ErrUpstreamUnavailable
	}
	return c.me, nil
}
func (c *fakeClient) GetStamp(context.Context, string, uuid.UUID) (domain.Stamp, error) {
	return domain.Stamp{}, domain.ErrUpstreamUnavailable
}
func (c *fakeClient) GetStampImage(context.Context, string, uuid.UUID) ([]byte, string, error) {
	return []byte("png-bytes"), "image/png", nil
}
func (c *fakeClient) ListStamps(context.Context, string) ([]domain.Stamp, error) { return nil, nil }
func (c *fakeClient) AddMessageStamp(context.Context, string, uuid.UUID, uuid.UUID) error {
	return nil
}
func (c *fakeClient) RemoveMessageStamp(context.Context, string, uuid.UUID, uuid.UUID) error {
	return nil
}

type fakeQueue struct {
	events []domain.ChangeEvent
}

func (q *fakeQueue) Enqueue(_ context.Context, event domain.ChangeEvent) error {
	q.events = append(q.events, event)
	return nil
}

func (q *fakeQueue) Pop(ctx context.Context) (domain.ChangeEvent, error) {
	<-ctx.Done()
	return domain.ChangeEvent{}, ctx.Err()
}

type fakeCache struct{}

func (fakeCache) Once(_ string, _ time.Duration, fn func() error) error { return fn() }
func (fakeCache) Set(string, []byte, time.Duration) error               { return nil }
func (fakeCache) Get(string) ([]byte, error)                            { return nil, domain.ErrNotFound }

type apiEnv struct {
	store  *fakeStore
	client *fakeClient
	queue  *fakeQueue
	router chi.Router
}

func newAPIEnv(webhookSecret string) *apiEnv {
	store := newFakeStore()
	client := &fakeClient{me: domain.User{ID: uuid.New(), Handle: "alice", DisplayName: "Алиса"}}
	queue := &fakeQueue{}
	logger := zerolog.Nop()

	dispatcher := ws.NewDispatcher(logger)
	crawlerSvc := crawler.NewService(store, store, store, client, store, dispatcher, fakeCache{}, logger, time.Minute, time.Hour)
	timelineSvc := timeline.NewService(store, logger)
	socket := ws.NewHandler(context.Background(), dispatcher, store, logger)
	handlers := NewHandlers(
		timelineSvc, crawlerSvc,
		store, store, store, store,
		client, queue, fakeCache{},
		NewSessionStore(), socket,
		webhookSecret, logger,
	)

	router := chi.NewRouter()
	handlers.Register(router)
	return &apiEnv{store: store, client: client, queue: queue, router: router}
}

// login обменивает токен на сессионную куку.
func (env *apiEnv) login(t *testing.T) *http.Cookie {
	t.Helper()
	body := bytes.NewBufferString(`{"accessToken":"valid-token"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/token", body)
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("авторизация: ожидали 200, получили %d", rec.Code)
	}
	for _, c := range rec.Result().Cookies() {
		if c.Name == sessionCookie {
			return c
		}
	}
	t.Fatal("сессионная кука не выставлена")
	return nil
}

func TestEndpointsRequireSession(t *testing.T) {
	env := newAPIEnv("")
	for _, path := range []string{"/api/v1/me", "/api/v1/timeline", "/api/v1/stamps"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		env.router.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("%s без сессии: ожидали 401, получили %d", path, rec.Code)
		}
	}
}

func TestAuthTokenCreatesSessionAndStoresToken(t *testing.T) {
	env := newAPIEnv("")
	cookie := env.login(t)

	if env.store.tokens[env.client.me.ID] != "valid-token" {
		t.Fatal("токен должен попасть в пул фоновых токенов")
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/me", nil)
	req.AddCookie(cookie)
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("профиль по сессии: ожидали 200, получили %d", rec.Code)
	}
	var user domain.User
	if err := json.NewDecoder(rec.Body).Decode(&user); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if user.Handle != "alice" {
		t.Fatalf("в профиле чужой пользователь: %s", user.Handle)
	}
}

func TestTimelineReturnsPage(t *testing.T) {
	env := newAPIEnv("")
	env.store.recency = []domain.MessageListItem{
		{ID: uuid.New(), Content: "первое", CreatedAt: time.Now().UTC()},
		{ID: uuid.New(), Content: "второе", CreatedAt: time.Now().UTC().Add(-time.Minute)},
	}
	cookie := env.login(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/timeline", nil)
	req.AddCookie(cookie)
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("ожидали 200, получили %d", rec.Code)
	}
	var page domain.TimelinePage
	if err := json.NewDecoder(rec.Body).Decode(&page); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(page.Items) != 2 {
		t.Fatalf("ожидали 2 элемента ленты, получили %d", len(page.Items))
	}
}

func TestMarkReadPersistsImmediately(t *testing.T) {
	env := newAPIEnv("")
	cookie := env.login(t)
	msgID := uuid.New()

	payload, _ := json.Marshal(map[string][]uuid.UUID{"messageIds": {msgID}})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/messages/read", bytes.NewReader(payload))
	req.AddCookie(cookie)
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("ожидали 204, получили %d", rec.Code)
	}
	read := env.store.read[env.client.me.ID]
	if len(read) != 1 || read[0] != msgID {
		t.Fatalf("отметка не записана: %v", read)
	}
}

func TestWebhookChecksSecretAndEnqueues(t *testing.T) {
	env := newAPIEnv("s3cret")
	event := domain.ChangeEvent{Type: domain.ChangeMessageUpdated, MessageID: uuid.New()}
	payload, _ := json.Marshal(event)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhook", bytes.NewReader(payload))
	req.Header.Set("X-Webhook-Secret", "wrong")
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("неверный секрет: ожидали 401, получили %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/v1/webhook", bytes.NewReader(payload))
	req.Header.Set("X-Webhook-Secret", "s3cret")
	rec = httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("ожидали 202, получили %d", rec.Code)
	}
	if len(env.queue.events) != 1 || env.queue.events[0].MessageID != event.MessageID {
		t.Fatalf("событие не попало в очередь: %v", env.queue.events)
	}
}

func TestStampImageProxiesUpstream(t *testing.T) {
	env := newAPIEnv("")
	cookie := env.login(t)
	stampID := uuid.New()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/stamps/"+stampID.String()+"/image", nil)
	req.AddCookie(cookie)
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("ожидали 200, получили %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "image/png" {
		t.Fatalf("content-type апстрима должен сохраниться: %s", ct)
	}
	if rec.Body.String() != "png-bytes" {
		t.Fatal("тело должно приходить из апстрима без изменений")
	}
}

func TestPutKeywordsValidatesAndStores(t *testing.T) {
	env := newAPIEnv("")
	cookie := env.login(t)

	payload := `{"keywords":["go","  база данных  ",""]}`
	req := httptest.NewRequest(http.MethodPut, "/api/v1/me/keywords", bytes.NewBufferString(payload))
	req.AddCookie(cookie)
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("ожидали 200, получили %d", rec.Code)
	}
	kws := env.store.keywords[env.client.me.ID]
	if len(kws) != 2 || kws[0] != "go" || kws[1] != "база данных" {
		t.Fatalf("ключевые слова сохранены неверно: %v", kws)
	}
}
