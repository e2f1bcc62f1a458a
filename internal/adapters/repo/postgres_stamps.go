package repo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"traq-timeline/internal/domain"
	"traq-timeline/internal/infra/metrics"
)

// SaveStamp сохраняет штамп. Идентичность постоянна, имя пересинхронизируется.
func (p *Postgres) SaveStamp(ctx context.Context, stamp domain.Stamp) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
INSERT INTO stamps (id, name)
VALUES ($1, $2)
ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name
`, stamp.ID, stamp.Name)
	metrics.ObserveNetworkRequest("postgres", "stamps_upsert", "stamps", start, err)
	return err
}

// SaveStamps сохраняет пачку штампов одной транзакцией.
func (p *Postgres) SaveStamps(ctx context.Context, stamps []domain.Stamp) error {
	if len(stamps) == 0 {
		return nil
	}
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	metrics.ObserveNetworkRequest("postgres", "begin_tx", "stamps", start, err)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for _, stamp := range stamps {
		if _, err := tx.Exec(ctx, `
INSERT INTO stamps (id, name)
VALUES ($1, $2)
ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name
`, stamp.ID, stamp.Name); err != nil {
			return err
		}
	}

	start = time.Now()
	err = tx.Commit(ctx)
	metrics.ObserveNetworkRequest("postgres", "stamps_upsert_batch", "stamps", start, err)
	return err
}

// GetStampByID возвращает штамп из кэша.
func (p *Postgres) GetStampByID(ctx context.Context, id uuid.UUID) (domain.Stamp, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	var stamp domain.Stamp
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
SELECT id, name FROM stamps WHERE id=$1
`, id).Scan(&stamp.ID, &stamp.Name)
	metrics.ObserveNetworkRequest("postgres", "stamps_get", "stamps", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Stamp{}, domain.ErrNotFound
	}
	return stamp, err
}

// ListStamps возвращает весь справочник штампов.
func (p *Postgres) ListStamps(ctx context.Context) ([]domain.Stamp, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `SELECT id, name FROM stamps ORDER BY name`)
	metrics.ObserveNetworkRequest("postgres", "stamps_list", "stamps", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var stamps []domain.Stamp
	for rows.Next() {
		var s domain.Stamp
		if err := rows.Scan(&s.ID, &s.Name); err != nil {
			return nil, err
		}
		stamps = append(stamps, s)
	}
	return stamps, rows.Err()
}
