package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"stockwatch/internal/model"
	logx "stockwatch/pkg/logx"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS recipients (
	id                  TEXT PRIMARY KEY,
	channel             TEXT NOT NULL,
	active              BOOLEAN NOT NULL DEFAULT TRUE,
	failure_count       INTEGER NOT NULL DEFAULT 0,
	last_delivery_at    TIMESTAMPTZ,
	last_pref_update_at TIMESTAMPTZ
);
CREATE TABLE IF NOT EXISTS recipient_prefs (
	recipient_id TEXT NOT NULL,
	key          TEXT NOT NULL,
	value        BOOLEAN NOT NULL,
	PRIMARY KEY (recipient_id, key)
);
CREATE TABLE IF NOT EXISTS snapshot_items (
	category    TEXT NOT NULL,
	item_id     TEXT NOT NULL,
	name        TEXT NOT NULL,
	quantity    INTEGER NOT NULL,
	source_id   TEXT NOT NULL,
	observed_at TIMESTAMPTZ NOT NULL,
	expires_at  TIMESTAMPTZ,
	PRIMARY KEY (category, item_id)
);
CREATE TABLE IF NOT EXISTS snapshot_meta (
	category   TEXT PRIMARY KEY,
	source_id  TEXT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS appearances (
	id       BIGSERIAL PRIMARY KEY,
	category TEXT NOT NULL,
	item_id  TEXT NOT NULL,
	quantity INTEGER NOT NULL,
	at       TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_appearances_at ON appearances(at);
CREATE INDEX IF NOT EXISTS idx_appearances_cat ON appearances(category);
`

type pgStore struct {
	pool *pgxpool.Pool
	log  logx.Logger
}

func openPostgres(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("postgres dsn is required")
	}
	pc, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, err
	}
	maxConns := cfg.MaxConns
	if maxConns <= 0 {
		maxConns = 4
	}
	pc.MaxConns = int32(maxConns)

	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, err
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, err
	}
	return &pgStore{pool: pool, log: log}, nil
}

func (s *pgStore) Recipients() RecipientRepo { return &pgRecipients{pool: s.pool} }
func (s *pgStore) Snapshots() SnapshotRepo   { return &pgSnapshots{pool: s.pool} }
func (s *pgStore) History() HistoryRepo      { return &pgHistory{pool: s.pool} }

func (s *pgStore) Close() error {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func tsOrNil(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func fromPtr(p *time.Time) time.Time {
	if p == nil {
		return time.Time{}
	}
	return *p
}

// ---- recipients ----

type pgRecipients struct{ pool *pgxpool.Pool }

func (r *pgRecipients) Upsert(ctx context.Context, rec model.Recipient) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx,
		`INSERT INTO recipients(id, channel, active, failure_count, last_delivery_at, last_pref_update_at)
		 VALUES($1,$2,$3,$4,$5,$6)
		 ON CONFLICT (id) DO UPDATE SET
			channel=excluded.channel,
			active=excluded.active,
			failure_count=excluded.failure_count,
			last_delivery_at=excluded.last_delivery_at,
			last_pref_update_at=excluded.last_pref_update_at`,
		rec.ID, rec.Channel, rec.Active, rec.FailureCount,
		tsOrNil(rec.LastDeliveryAt), tsOrNil(rec.LastPrefUpdateAt),
	)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `DELETE FROM recipient_prefs WHERE recipient_id = $1`, rec.ID); err != nil {
		return err
	}
	// Preference rows go out in one round trip.
	b := &pgx.Batch{}
	for k, v := range rec.Preferences {
		b.Queue(`INSERT INTO recipient_prefs(recipient_id, key, value) VALUES($1,$2,$3)`, rec.ID, k, v)
	}
	if b.Len() > 0 {
		br := tx.SendBatch(ctx, b)
		for i := 0; i < b.Len(); i++ {
			if _, err := br.Exec(); err != nil {
				_ = br.Close()
				return err
			}
		}
		if err := br.Close(); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (r *pgRecipients) Get(ctx context.Context, id string) (model.Recipient, error) {
	var (
		rec      model.Recipient
		delivery *time.Time
		prefUpd  *time.Time
	)
	err := r.pool.QueryRow(ctx,
		`SELECT id, channel, active, failure_count, last_delivery_at, last_pref_update_at
		 FROM recipients WHERE id = $1`, id,
	).Scan(&rec.ID, &rec.Channel, &rec.Active, &rec.FailureCount, &delivery, &prefUpd)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Recipient{}, ErrNotFound
	}
	if err != nil {
		return model.Recipient{}, err
	}
	rec.LastDeliveryAt = fromPtr(delivery)
	rec.LastPrefUpdateAt = fromPtr(prefUpd)

	rows, err := r.pool.Query(ctx, `SELECT key, value FROM recipient_prefs WHERE recipient_id = $1`, id)
	if err != nil {
		return model.Recipient{}, err
	}
	defer rows.Close()
	rec.Preferences = map[string]bool{}
	for rows.Next() {
		var k string
		var v bool
		if err := rows.Scan(&k, &v); err != nil {
			return model.Recipient{}, err
		}
		rec.Preferences[k] = v
	}
	return rec, rows.Err()
}

func (r *pgRecipients) Active(ctx context.Context, channel string) ([]model.Recipient, error) {
	q := `SELECT id, channel, failure_count, last_delivery_at, last_pref_update_at
	      FROM recipients WHERE active`
	args := []any{}
	if channel != "" {
		q += ` AND channel = $1`
		args = append(args, channel)
	}
	q += ` ORDER BY id`

	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Recipient
	for rows.Next() {
		var rec model.Recipient
		var delivery, prefUpd *time.Time
		if err := rows.Scan(&rec.ID, &rec.Channel, &rec.FailureCount, &delivery, &prefUpd); err != nil {
			return nil, err
		}
		rec.Active = true
		rec.LastDeliveryAt = fromPtr(delivery)
		rec.LastPrefUpdateAt = fromPtr(prefUpd)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (r *pgRecipients) ForKey(ctx context.Context, itemKey, categoryKey string) ([]model.Target, error) {
	// COALESCE pushes the item-over-category precedence into the query.
	rows, err := r.pool.Query(ctx,
		`SELECT r.id, r.channel FROM recipients r
		 WHERE r.active AND COALESCE(
			(SELECT p.value FROM recipient_prefs p WHERE p.recipient_id = r.id AND p.key = $1),
			(SELECT p.value FROM recipient_prefs p WHERE p.recipient_id = r.id AND p.key = $2),
			FALSE)
		 ORDER BY r.id`,
		itemKey, categoryKey,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Target
	for rows.Next() {
		var t model.Target
		if err := rows.Scan(&t.RecipientID, &t.Channel); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *pgRecipients) RecordFailure(ctx context.Context, id string) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx,
		`UPDATE recipients SET failure_count = failure_count + 1 WHERE id = $1 RETURNING failure_count`, id,
	).Scan(&count)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNotFound
	}
	return count, err
}

func (r *pgRecipients) Deactivate(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `UPDATE recipients SET active = FALSE WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *pgRecipients) RecordSuccess(ctx context.Context, id string, at time.Time) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE recipients SET failure_count = 0, last_delivery_at = $1 WHERE id = $2`, at, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *pgRecipients) CheckPrefRateLimit(ctx context.Context, id string, minInterval time.Duration, now time.Time) (RateLimitDecision, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return RateLimitDecision{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var lastPtr *time.Time
	err = tx.QueryRow(ctx,
		`SELECT last_pref_update_at FROM recipients WHERE id = $1 FOR UPDATE`, id,
	).Scan(&lastPtr)
	if errors.Is(err, pgx.ErrNoRows) {
		return RateLimitDecision{}, ErrNotFound
	}
	if err != nil {
		return RateLimitDecision{}, err
	}

	last := fromPtr(lastPtr)
	if !last.IsZero() {
		if elapsed := now.Sub(last); elapsed < minInterval {
			remaining := minInterval - elapsed
			secs := int((remaining + time.Second - 1) / time.Second)
			return RateLimitDecision{Allowed: false, SecondsRemaining: secs, LastUpdateAt: last}, nil
		}
	}
	if _, err := tx.Exec(ctx, `UPDATE recipients SET last_pref_update_at = $1 WHERE id = $2`, now, id); err != nil {
		return RateLimitDecision{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return RateLimitDecision{}, err
	}
	return RateLimitDecision{Allowed: true, LastUpdateAt: last}, nil
}

// ---- snapshots ----

type pgSnapshots struct{ pool *pgxpool.Pool }

func (r *pgSnapshots) Load(ctx context.Context) (map[string]model.CategorySnapshot, error) {
	out := map[string]model.CategorySnapshot{}

	metaRows, err := r.pool.Query(ctx, `SELECT category, source_id, updated_at FROM snapshot_meta`)
	if err != nil {
		return nil, err
	}
	defer metaRows.Close()
	for metaRows.Next() {
		var snap model.CategorySnapshot
		if err := metaRows.Scan(&snap.Category, &snap.AuthoritativeSource, &snap.LastUpdated); err != nil {
			return nil, err
		}
		snap.Items = map[string]model.StockItem{}
		out[snap.Category] = snap
	}
	if err := metaRows.Err(); err != nil {
		return nil, err
	}

	rows, err := r.pool.Query(ctx,
		`SELECT category, item_id, name, quantity, source_id, observed_at, expires_at FROM snapshot_items`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var it model.StockItem
		var expires *time.Time
		if err := rows.Scan(&it.Category, &it.ID, &it.Name, &it.Quantity, &it.SourceID, &it.ObservedAt, &expires); err != nil {
			return nil, err
		}
		it.ExpiresAt = fromPtr(expires)
		snap, ok := out[it.Category]
		if !ok {
			snap = model.CategorySnapshot{Category: it.Category, Items: map[string]model.StockItem{}}
		}
		snap.Items[it.ID] = it
		out[it.Category] = snap
	}
	return out, rows.Err()
}

func (r *pgSnapshots) Save(ctx context.Context, snap model.CategorySnapshot) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `DELETE FROM snapshot_items WHERE category = $1`, snap.Category); err != nil {
		return err
	}
	b := &pgx.Batch{}
	for _, it := range snap.Items {
		b.Queue(
			`INSERT INTO snapshot_items(category, item_id, name, quantity, source_id, observed_at, expires_at)
			 VALUES($1,$2,$3,$4,$5,$6,$7)`,
			snap.Category, it.ID, it.Name, it.Quantity, it.SourceID, it.ObservedAt, tsOrNil(it.ExpiresAt),
		)
	}
	b.Queue(
		`INSERT INTO snapshot_meta(category, source_id, updated_at) VALUES($1,$2,$3)
		 ON CONFLICT (category) DO UPDATE SET source_id=excluded.source_id, updated_at=excluded.updated_at`,
		snap.Category, snap.AuthoritativeSource, snap.LastUpdated,
	)
	br := tx.SendBatch(ctx, b)
	for i := 0; i < b.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return err
		}
	}
	if err := br.Close(); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// ---- history ----

type pgHistory struct{ pool *pgxpool.Pool }

func (r *pgHistory) Append(ctx context.Context, a Appearance) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO appearances(category, item_id, quantity, at) VALUES($1,$2,$3,$4)`,
		a.Category, a.ItemID, a.Quantity, a.At,
	)
	return err
}

func (r *pgHistory) Load(ctx context.Context, since time.Time) ([]Appearance, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT category, item_id, quantity, at FROM appearances WHERE at >= $1 ORDER BY at`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Appearance
	for rows.Next() {
		var a Appearance
		if err := rows.Scan(&a.Category, &a.ItemID, &a.Quantity, &a.At); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *pgHistory) ClearCategories(ctx context.Context, categories []string) error {
	if len(categories) == 0 {
		return nil
	}
	_, err := r.pool.Exec(ctx, `DELETE FROM appearances WHERE category = ANY($1)`, categories)
	return err
}

func (r *pgHistory) DeleteBefore(ctx context.Context, cutoff time.Time) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM appearances WHERE at < $1`, cutoff)
	return err
}
