package repo

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"traq-timeline/internal/domain"
	"traq-timeline/internal/infra/metrics"
)

// RecencyCandidates возвращает свежие сообщения.
func (p *Postgres) RecencyCandidates(ctx context.Context, limit int) ([]domain.MessageListItem, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT m.id, m.user_id, m.channel_id, m.content, m.pinned, m.thread_id, m.created_at, m.updated_at,
       u.handle, u.display_name
FROM messages m
LEFT JOIN users u ON u.id = m.user_id
ORDER BY m.created_at DESC
LIMIT $1
`, limit)
	metrics.ObserveNetworkRequest("postgres", "bucket_recency", "messages", start, err)
	if err != nil {
		return nil, err
	}
	items, err := scanListItems(rows)
	if err != nil {
		return nil, err
	}
	return p.attachReactions(ctx, items)
}

// PopularityCandidates возвращает сообщения с наибольшей суммой реакций.
// Сообщения без реакций в выборку не входят: у них нет сигнала популярности.
func (p *Postgres) PopularityCandidates(ctx context.Context, limit int) ([]domain.MessageListItem, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT m.id, m.user_id, m.channel_id, m.content, m.pinned, m.thread_id, m.created_at, m.updated_at,
       u.handle, u.display_name
FROM messages m
JOIN (
    SELECT message_id, SUM(stamp_count) AS total
    FROM reactions
    GROUP BY message_id
) r ON r.message_id = m.id
LEFT JOIN users u ON u.id = m.user_id
ORDER BY r.total DESC, m.created_at DESC
LIMIT $1
`, limit)
	metrics.ObserveNetworkRequest("postgres", "bucket_popularity", "messages", start, err)
	if err != nil {
		return nil, err
	}
	items, err := scanListItems(rows)
	if err != nil {
		return nil, err
	}
	return p.attachReactions(ctx, items)
}

// AffinityCandidates возвращает сообщения авторов, с которыми пользователь
// чаще всего взаимодействовал (реакции и прочтения) за ограниченное окно.
func (p *Postgres) AffinityCandidates(ctx context.Context, userID uuid.UUID, window time.Duration, limit int) ([]domain.MessageListItem, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	since := time.Now().UTC().Add(-window)
	start := time.Now()
	rows, err := p.pool.Query(ctx, `
WITH interactions AS (
    SELECT m.user_id AS author_id, COUNT(*) AS cnt
    FROM (
        SELECT message_id FROM reactions WHERE user_id = $1
        UNION ALL
        SELECT message_id FROM read_messages WHERE user_id = $1 AND read_at > $2
    ) i
    JOIN messages m ON m.id = i.message_id
    WHERE m.user_id <> $1
    GROUP BY m.user_id
)
SELECT m.id, m.user_id, m.channel_id, m.content, m.pinned, m.thread_id, m.created_at, m.updated_at,
       u.handle, u.display_name
FROM messages m
JOIN interactions a ON a.author_id = m.user_id
LEFT JOIN users u ON u.id = m.user_id
WHERE m.created_at > $2
ORDER BY a.cnt DESC, m.created_at DESC
LIMIT $3
`, userID, since, limit)
	metrics.ObserveNetworkRequest("postgres", "bucket_affinity", "messages", start, err)
	if err != nil {
		return nil, err
	}
	items, err := scanListItems(rows)
	if err != nil {
		return nil, err
	}
	return p.attachReactions(ctx, items)
}

// InterestCandidates возвращает сообщения, совпавшие с ключевыми словами
// пользователя, по релевантности полнотекстового поиска.
func (p *Postgres) InterestCandidates(ctx context.Context, userID uuid.UUID, limit int) ([]domain.MessageListItem, error) {
	keywords, err := p.ListKeywords(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(keywords) == 0 {
		return nil, nil
	}
	query := strings.Join(keywords, " OR ")

	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT m.id, m.user_id, m.channel_id, m.content, m.pinned, m.thread_id, m.created_at, m.updated_at,
       u.handle, u.display_name
FROM messages m
LEFT JOIN users u ON u.id = m.user_id
WHERE to_tsvector('simple', m.content) @@ websearch_to_tsquery('simple', $1)
ORDER BY ts_rank(to_tsvector('simple', m.content), websearch_to_tsquery('simple', $1)) DESC, m.created_at DESC
LIMIT $2
`, query, limit)
	metrics.ObserveNetworkRequest("postgres", "bucket_interest", "messages", start, err)
	if err != nil {
		return nil, err
	}
	items, err := scanListItems(rows)
	if err != nil {
		return nil, err
	}
	return p.attachReactions(ctx, items)
}
