package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"traq-timeline/internal/domain"
	"traq-timeline/internal/infra/metrics"
)

func saveReactionsTx(ctx context.Context, tx pgx.Tx, messageID uuid.UUID, reactions []domain.Reaction) error {
	for _, r := range reactions {
		if _, err := tx.Exec(ctx, `
INSERT INTO reactions (message_id, stamp_id, user_id, stamp_count)
VALUES ($1, $2, $3, $4)
ON CONFLICT (message_id, stamp_id, user_id) DO UPDATE SET stamp_count = EXCLUDED.stamp_count
`, messageID, r.StampID, r.UserID, r.Count); err != nil {
			return fmt.Errorf("сохранение реакции: %w", err)
		}
	}
	return nil
}

func saveMessageTx(ctx context.Context, tx pgx.Tx, msg domain.Message) error {
	if _, err := tx.Exec(ctx, `
INSERT INTO messages (id, user_id, channel_id, content, pinned, thread_id, created_at, updated_at, last_crawled_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
ON CONFLICT (id) DO UPDATE SET
    content = EXCLUDED.content,
    pinned = EXCLUDED.pinned,
    thread_id = EXCLUDED.thread_id,
    updated_at = EXCLUDED.updated_at,
    last_crawled_at = now()
`, msg.ID, msg.UserID, msg.ChannelID, msg.Content, msg.Pinned, msg.ThreadID, msg.CreatedAt, msg.UpdatedAt); err != nil {
		return fmt.Errorf("сохранение сообщения: %w", err)
	}
	return saveReactionsTx(ctx, tx, msg.ID, msg.Reactions)
}

// SaveMessage идемпотентно сохраняет сообщение вместе с его реакциями.
// Повторное сохранение того же содержимого меняет только last_crawled_at.
func (p *Postgres) SaveMessage(ctx context.Context, msg domain.Message) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	metrics.ObserveNetworkRequest("postgres", "begin_tx", "messages", start, err)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := saveMessageTx(ctx, tx, msg); err != nil {
		return err
	}

	start = time.Now()
	err = tx.Commit(ctx)
	metrics.ObserveNetworkRequest("postgres", "messages_upsert", "messages", start, err)
	return err
}

// SaveMessages сохраняет пачку сообщений одной транзакцией.
func (p *Postgres) SaveMessages(ctx context.Context, msgs []domain.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	metrics.ObserveNetworkRequest("postgres", "begin_tx", "messages", start, err)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for _, msg := range msgs {
		if err := saveMessageTx(ctx, tx, msg); err != nil {
			return err
		}
	}

	start = time.Now()
	err = tx.Commit(ctx)
	metrics.ObserveNetworkRequest("postgres", "messages_upsert_batch", "messages", start, err)
	return err
}

// GetMessageByID возвращает сообщение с реакциями.
func (p *Postgres) GetMessageByID(ctx context.Context, id uuid.UUID) (domain.Message, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	var msg domain.Message
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
SELECT id, user_id, channel_id, content, pinned, thread_id, created_at, updated_at, last_crawled_at
FROM messages WHERE id=$1
`, id).Scan(&msg.ID, &msg.UserID, &msg.ChannelID, &msg.Content, &msg.Pinned, &msg.ThreadID, &msg.CreatedAt, &msg.UpdatedAt, &msg.LastCrawledAt)
	metrics.ObserveNetworkRequest("postgres", "messages_get", "messages", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Message{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Message{}, err
	}

	start = time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT stamp_id, user_id, stamp_count FROM reactions WHERE message_id=$1
`, id)
	metrics.ObserveNetworkRequest("postgres", "reactions_get", "reactions", start, err)
	if err != nil {
		return domain.Message{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var r domain.Reaction
		if err := rows.Scan(&r.StampID, &r.UserID, &r.Count); err != nil {
			return domain.Message{}, err
		}
		msg.Reactions = append(msg.Reactions, r)
	}
	return msg, rows.Err()
}

// RemoveReaction удаляет агрегат реакции после снятия штампа в апстриме.
func (p *Postgres) RemoveReaction(ctx context.Context, messageID, stampID, userID uuid.UUID) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
DELETE FROM reactions WHERE message_id=$1 AND stamp_id=$2 AND user_id=$3
`, messageID, stampID, userID)
	metrics.ObserveNetworkRequest("postgres", "reactions_delete", "reactions", start, err)
	return err
}

// LatestMessageTime возвращает вотермарку канала.
func (p *Postgres) LatestMessageTime(ctx context.Context, channelID uuid.UUID) (time.Time, bool, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	var latest *time.Time
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
SELECT MAX(created_at) FROM messages WHERE channel_id=$1
`, channelID).Scan(&latest)
	metrics.ObserveNetworkRequest("postgres", "messages_watermark", "messages", start, err)
	if err != nil {
		return time.Time{}, false, err
	}
	if latest == nil {
		return time.Time{}, false, nil
	}
	return *latest, true, nil
}

// SyncCandidates возвращает недавние сообщения для проверки на обновления.
// Старые сообщения из выборки выпадают: их реакции и правки уже устоялись.
func (p *Postgres) SyncCandidates(ctx context.Context) ([]domain.SyncCandidate, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT id, created_at, last_crawled_at
FROM messages
WHERE created_at > now() - interval '24 hours'
ORDER BY created_at DESC
LIMIT 500
`)
	metrics.ObserveNetworkRequest("postgres", "messages_sync_candidates", "messages", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var candidates []domain.SyncCandidate
	for rows.Next() {
		var c domain.SyncCandidate
		if err := rows.Scan(&c.MessageID, &c.CreatedAt, &c.LastCrawledAt); err != nil {
			return nil, err
		}
		candidates = append(candidates, c)
	}
	return candidates, rows.Err()
}

// ListChannelMessages возвращает сообщения канала в заданном окне времени.
func (p *Postgres) ListChannelMessages(ctx context.Context, channelID uuid.UUID, since, until time.Time, asc bool, limit int) ([]domain.MessageListItem, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	order := "DESC"
	if asc {
		order = "ASC"
	}
	start := time.Now()
	rows, err := p.pool.Query(ctx, fmt.Sprintf(`
SELECT m.id, m.user_id, m.channel_id, m.content, m.pinned, m.thread_id, m.created_at, m.updated_at,
       u.handle, u.display_name
FROM messages m
LEFT JOIN users u ON u.id = m.user_id
WHERE m.channel_id = $1 AND m.created_at > $2 AND m.created_at < $3
ORDER BY m.created_at %s
LIMIT $4
`, order), channelID, since, until, limit)
	metrics.ObserveNetworkRequest("postgres", "messages_list_channel", "messages", start, err)
	if err != nil {
		return nil, err
	}
	items, err := scanListItems(rows)
	if err != nil {
		return nil, err
	}
	return p.attachReactions(ctx, items)
}

func scanListItems(rows pgx.Rows) ([]domain.MessageListItem, error) {
	defer rows.Close()
	var items []domain.MessageListItem
	for rows.Next() {
		var (
			item        domain.MessageListItem
			handle      *string
			displayName *string
		)
		if err := rows.Scan(&item.ID, &item.UserID, &item.ChannelID, &item.Content, &item.Pinned, &item.ThreadID, &item.CreatedAt, &item.UpdatedAt, &handle, &displayName); err != nil {
			return nil, err
		}
		if handle != nil && displayName != nil {
			item.User = &domain.User{ID: item.UserID, Handle: *handle, DisplayName: *displayName}
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (p *Postgres) attachReactions(ctx context.Context, items []domain.MessageListItem) ([]domain.MessageListItem, error) {
	if len(items) == 0 {
		return items, nil
	}
	ids := make([]uuid.UUID, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.ID)
	}

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT message_id, stamp_id, user_id, stamp_count FROM reactions WHERE message_id = ANY($1)
`, ids)
	metrics.ObserveNetworkRequest("postgres", "reactions_list", "reactions", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byMessage := make(map[uuid.UUID][]domain.Reaction)
	for rows.Next() {
		var (
			messageID uuid.UUID
			r         domain.Reaction
		)
		if err := rows.Scan(&messageID, &r.StampID, &r.UserID, &r.Count); err != nil {
			return nil, err
		}
		byMessage[messageID] = append(byMessage[messageID], r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range items {
		items[i].Reactions = byMessage[items[i].ID]
	}
	return items, nil
}
