package api

import (
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	sessionCookie   = "timeline_session"
	sessionLifetime = 30 * 24 * time.Hour
)

// Session связывает сокет и HTTP-запросы с авторизовавшимся пользователем.
// Токен апстрима хранится в сессии: действия от имени пользователя
// (штампы) требуют именно его токен, а не фоновый.
type Session struct {
	UserID      uuid.UUID
	AccessToken string
	ExpiresAt   time.Time
}

// SessionStore — процессное хранилище сессий. Сессии не переживают
// рестарт: клиент повторно обменивает свой OAuth-токен.
type SessionStore struct {
	mu       sync.Mutex
	sessions map[string]Session
}

// NewSessionStore создаёт пустое хранилище.
func NewSessionStore() *SessionStore {
	return &SessionStore{sessions: map[string]Session{}}
}

// Create выпускает сессию и возвращает её идентификатор.
func (s *SessionStore) Create(userID uuid.UUID, accessToken string) string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		// rand.Read не возвращает ошибку на поддерживаемых платформах.
		panic(err)
	}
	id := hex.EncodeToString(buf)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[id] = Session{
		UserID:      userID,
		AccessToken: accessToken,
		ExpiresAt:   time.Now().Add(sessionLifetime),
	}
	return id
}

// Lookup возвращает сессию по идентификатору. Просроченные сессии
// удаляются лениво.
func (s *SessionStore) Lookup(id string) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return Session{}, false
	}
	if time.Now().After(sess.ExpiresAt) {
		delete(s.sessions, id)
		return Session{}, false
	}
	return sess, true
}

// Delete завершает сессию.
func (s *SessionStore) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
}

func sessionCookieValue(r *http.Request) (string, bool) {
	c, err := r.Cookie(sessionCookie)
	if err != nil || c.Value == "" {
		return "", false
	}
	return c.Value, true
}
