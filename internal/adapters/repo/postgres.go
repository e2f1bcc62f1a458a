package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"traq-timeline/internal/domain"
	"traq-timeline/internal/infra/metrics"
)

// Postgres реализует репозитории локального кэша на основе pgxpool.
// Все строки ключуются идентификаторами, назначенными апстримом;
// локальные первичные ключи не генерируются.
type Postgres struct {
	pool *pgxpool.Pool
}

var (
	_ domain.UserRepo           = (*Postgres)(nil)
	_ domain.MessageRepo        = (*Postgres)(nil)
	_ domain.StampRepo          = (*Postgres)(nil)
	_ domain.ReadStateRepo      = (*Postgres)(nil)
	_ domain.CredentialProvider = (*Postgres)(nil)
)

// NewPostgres создаёт адаптер БД.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) connCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, 5*time.Second)
}

// SaveUser сохраняет пользователя идемпотентно.
func (p *Postgres) SaveUser(ctx context.Context, user domain.User) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
INSERT INTO users (id, handle, display_name)
VALUES ($1, $2, $3)
ON CONFLICT (id) DO UPDATE SET handle = EXCLUDED.handle, display_name = EXCLUDED.display_name
`, user.ID, user.Handle, user.DisplayName)
	metrics.ObserveNetworkRequest("postgres", "users_upsert", "users", start, err)
	return err
}

// GetUserByID возвращает пользователя из кэша.
func (p *Postgres) GetUserByID(ctx context.Context, id uuid.UUID) (domain.User, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	var user domain.User
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
SELECT id, handle, display_name FROM users WHERE id=$1
`, id).Scan(&user.ID, &user.Handle, &user.DisplayName)
	metrics.ObserveNetworkRequest("postgres", "users_get", "users", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.User{}, domain.ErrNotFound
	}
	return user, err
}

// SaveToken сохраняет OAuth-токен пользователя.
func (p *Postgres) SaveToken(ctx context.Context, userID uuid.UUID, accessToken string) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
INSERT INTO user_tokens (user_id, access_token)
VALUES ($1, $2)
ON CONFLICT (user_id) DO UPDATE SET access_token = EXCLUDED.access_token
`, userID, accessToken)
	metrics.ObserveNetworkRequest("postgres", "tokens_upsert", "user_tokens", start, err)
	return err
}

// CurrentCredential возвращает произвольный сохранённый токен.
// Для фонового чтения публичных каналов подходит токен любого пользователя.
func (p *Postgres) CurrentCredential(ctx context.Context) (string, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	var token string
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
SELECT access_token FROM user_tokens ORDER BY random() LIMIT 1
`).Scan(&token)
	metrics.ObserveNetworkRequest("postgres", "tokens_random", "user_tokens", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", domain.ErrNoCredential
	}
	if err != nil {
		return "", err
	}
	return token, nil
}

// ListKeywords возвращает ключевые слова интересов пользователя.
func (p *Postgres) ListKeywords(ctx context.Context, userID uuid.UUID) ([]string, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT keyword FROM user_keywords WHERE user_id=$1 ORDER BY keyword
`, userID)
	metrics.ObserveNetworkRequest("postgres", "keywords_list", "user_keywords", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keywords []string
	for rows.Next() {
		var kw string
		if err := rows.Scan(&kw); err != nil {
			return nil, err
		}
		keywords = append(keywords, kw)
	}
	return keywords, rows.Err()
}

// SetKeywords заменяет набор ключевых слов пользователя целиком.
func (p *Postgres) SetKeywords(ctx context.Context, userID uuid.UUID, keywords []string) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	metrics.ObserveNetworkRequest("postgres", "begin_tx", "user_keywords", start, err)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM user_keywords WHERE user_id=$1`, userID); err != nil {
		return fmt.Errorf("очистка ключевых слов: %w", err)
	}
	for _, kw := range keywords {
		if _, err := tx.Exec(ctx, `
INSERT INTO user_keywords (user_id, keyword) VALUES ($1, $2) ON CONFLICT DO NOTHING
`, userID, kw); err != nil {
			return fmt.Errorf("сохранение ключевого слова: %w", err)
		}
	}
	start = time.Now()
	err = tx.Commit(ctx)
	metrics.ObserveNetworkRequest("postgres", "commit", "user_keywords", start, err)
	return err
}

// MarkRead пакетно отмечает сообщения прочитанными, игнорируя дубли.
func (p *Postgres) MarkRead(ctx context.Context, userID uuid.UUID, messageIDs []uuid.UUID) error {
	if len(messageIDs) == 0 {
		return nil
	}
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
INSERT INTO read_messages (user_id, message_id)
SELECT $1, unnest($2::uuid[])
ON CONFLICT (user_id, message_id) DO NOTHING
`, userID, messageIDs)
	metrics.ObserveNetworkRequest("postgres", "read_mark", "read_messages", start, err)
	return err
}
