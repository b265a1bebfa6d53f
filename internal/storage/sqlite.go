package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"stockwatch/internal/model"
	logx "stockwatch/pkg/logx"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS recipients (
	id                  TEXT PRIMARY KEY,
	channel             TEXT NOT NULL,
	active              INTEGER NOT NULL DEFAULT 1,
	failure_count       INTEGER NOT NULL DEFAULT 0,
	last_delivery_at    INTEGER,
	last_pref_update_at INTEGER
);
CREATE TABLE IF NOT EXISTS recipient_prefs (
	recipient_id TEXT NOT NULL,
	key          TEXT NOT NULL,
	value        INTEGER NOT NULL,
	PRIMARY KEY (recipient_id, key)
);
CREATE TABLE IF NOT EXISTS snapshot_items (
	category    TEXT NOT NULL,
	item_id     TEXT NOT NULL,
	name        TEXT NOT NULL,
	quantity    INTEGER NOT NULL,
	source_id   TEXT NOT NULL,
	observed_at INTEGER NOT NULL,
	expires_at  INTEGER,
	PRIMARY KEY (category, item_id)
);
CREATE TABLE IF NOT EXISTS snapshot_meta (
	category   TEXT PRIMARY KEY,
	source_id  TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS appearances (
	id       INTEGER PRIMARY KEY AUTOINCREMENT,
	category TEXT NOT NULL,
	item_id  TEXT NOT NULL,
	quantity INTEGER NOT NULL,
	at       INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_appearances_at ON appearances(at);
CREATE INDEX IF NOT EXISTS idx_appearances_cat ON appearances(category);
`

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &sqliteStore{db: db, log: log}, nil
}

func (s *sqliteStore) Recipients() RecipientRepo { return &sqliteRecipients{db: s.db} }
func (s *sqliteStore) Snapshots() SnapshotRepo   { return &sqliteSnapshots{db: s.db} }
func (s *sqliteStore) History() HistoryRepo      { return &sqliteHistory{db: s.db} }

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func msOrNil(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

func timeFromMS(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return time.UnixMilli(v.Int64)
}

// ---- recipients ----

type sqliteRecipients struct{ db *sql.DB }

func (r *sqliteRecipients) Upsert(ctx context.Context, rec model.Recipient) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO recipients(id, channel, active, failure_count, last_delivery_at, last_pref_update_at)
		 VALUES(?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
			channel=excluded.channel,
			active=excluded.active,
			failure_count=excluded.failure_count,
			last_delivery_at=excluded.last_delivery_at,
			last_pref_update_at=excluded.last_pref_update_at`,
		rec.ID, rec.Channel, boolInt(rec.Active), rec.FailureCount,
		msOrNil(rec.LastDeliveryAt), msOrNil(rec.LastPrefUpdateAt),
	)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM recipient_prefs WHERE recipient_id = ?`, rec.ID); err != nil {
		return err
	}
	for k, v := range rec.Preferences {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO recipient_prefs(recipient_id, key, value) VALUES(?,?,?)`,
			rec.ID, k, boolInt(v),
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (r *sqliteRecipients) Get(ctx context.Context, id string) (model.Recipient, error) {
	var (
		rec      model.Recipient
		active   int
		delivery sql.NullInt64
		prefUpd  sql.NullInt64
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT id, channel, active, failure_count, last_delivery_at, last_pref_update_at
		 FROM recipients WHERE id = ?`, id,
	).Scan(&rec.ID, &rec.Channel, &active, &rec.FailureCount, &delivery, &prefUpd)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Recipient{}, ErrNotFound
	}
	if err != nil {
		return model.Recipient{}, err
	}
	rec.Active = active != 0
	rec.LastDeliveryAt = timeFromMS(delivery)
	rec.LastPrefUpdateAt = timeFromMS(prefUpd)

	rows, err := r.db.QueryContext(ctx, `SELECT key, value FROM recipient_prefs WHERE recipient_id = ?`, id)
	if err != nil {
		return model.Recipient{}, err
	}
	defer rows.Close()
	rec.Preferences = map[string]bool{}
	for rows.Next() {
		var k string
		var v int
		if err := rows.Scan(&k, &v); err != nil {
			return model.Recipient{}, err
		}
		rec.Preferences[k] = v != 0
	}
	return rec, rows.Err()
}

func (r *sqliteRecipients) Active(ctx context.Context, channel string) ([]model.Recipient, error) {
	q := `SELECT id, channel, failure_count, last_delivery_at, last_pref_update_at
	      FROM recipients WHERE active = 1`
	args := []any{}
	if channel != "" {
		q += ` AND channel = ?`
		args = append(args, channel)
	}
	q += ` ORDER BY id`

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Recipient
	for rows.Next() {
		var rec model.Recipient
		var delivery, prefUpd sql.NullInt64
		if err := rows.Scan(&rec.ID, &rec.Channel, &rec.FailureCount, &delivery, &prefUpd); err != nil {
			return nil, err
		}
		rec.Active = true
		rec.LastDeliveryAt = timeFromMS(delivery)
		rec.LastPrefUpdateAt = timeFromMS(prefUpd)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (r *sqliteRecipients) ForKey(ctx context.Context, itemKey, categoryKey string) ([]model.Target, error) {
	// Item-level key wins over category-level; neither set means excluded.
	rows, err := r.db.QueryContext(ctx,
		`SELECT r.id, r.channel FROM recipients r
		 WHERE r.active = 1 AND COALESCE(
			(SELECT p.value FROM recipient_prefs p WHERE p.recipient_id = r.id AND p.key = ?),
			(SELECT p.value FROM recipient_prefs p WHERE p.recipient_id = r.id AND p.key = ?),
			0) = 1
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

func (r *sqliteRecipients) RecordFailure(ctx context.Context, id string) (int, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE recipients SET failure_count = failure_count + 1 WHERE id = ?`, id)
	if err != nil {
		return 0, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, ErrNotFound
	}
	var count int
	err = r.db.QueryRowContext(ctx, `SELECT failure_count FROM recipients WHERE id = ?`, id).Scan(&count)
	return count, err
}

func (r *sqliteRecipients) Deactivate(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE recipients SET active = 0 WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *sqliteRecipients) RecordSuccess(ctx context.Context, id string, at time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE recipients SET failure_count = 0, last_delivery_at = ? WHERE id = ?`,
		at.UnixMilli(), id,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *sqliteRecipients) CheckPrefRateLimit(ctx context.Context, id string, minInterval time.Duration, now time.Time) (RateLimitDecision, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return RateLimitDecision{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var prefUpd sql.NullInt64
	err = tx.QueryRowContext(ctx, `SELECT last_pref_update_at FROM recipients WHERE id = ?`, id).Scan(&prefUpd)
	if errors.Is(err, sql.ErrNoRows) {
		return RateLimitDecision{}, ErrNotFound
	}
	if err != nil {
		return RateLimitDecision{}, err
	}

	last := timeFromMS(prefUpd)
	if !last.IsZero() {
		if elapsed := now.Sub(last); elapsed < minInterval {
			remaining := minInterval - elapsed
			secs := int((remaining + time.Second - 1) / time.Second)
			return RateLimitDecision{Allowed: false, SecondsRemaining: secs, LastUpdateAt: last}, nil
		}
	}
	if _, err := tx.ExecContext(ctx, `UPDATE recipients SET last_pref_update_at = ? WHERE id = ?`, now.UnixMilli(), id); err != nil {
		return RateLimitDecision{}, err
	}
	if err := tx.Commit(); err != nil {
		return RateLimitDecision{}, err
	}
	return RateLimitDecision{Allowed: true, LastUpdateAt: last}, nil
}

// ---- snapshots ----

type sqliteSnapshots struct{ db *sql.DB }

func (r *sqliteSnapshots) Load(ctx context.Context) (map[string]model.CategorySnapshot, error) {
	out := map[string]model.CategorySnapshot{}

	metaRows, err := r.db.QueryContext(ctx, `SELECT category, source_id, updated_at FROM snapshot_meta`)
	if err != nil {
		return nil, err
	}
	defer metaRows.Close()
	for metaRows.Next() {
		var snap model.CategorySnapshot
		var updated int64
		if err := metaRows.Scan(&snap.Category, &snap.AuthoritativeSource, &updated); err != nil {
			return nil, err
		}
		snap.LastUpdated = time.UnixMilli(updated)
		snap.Items = map[string]model.StockItem{}
		out[snap.Category] = snap
	}
	if err := metaRows.Err(); err != nil {
		return nil, err
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT category, item_id, name, quantity, source_id, observed_at, expires_at FROM snapshot_items`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var it model.StockItem
		var observed int64
		var expires sql.NullInt64
		if err := rows.Scan(&it.Category, &it.ID, &it.Name, &it.Quantity, &it.SourceID, &observed, &expires); err != nil {
			return nil, err
		}
		it.ObservedAt = time.UnixMilli(observed)
		it.ExpiresAt = timeFromMS(expires)
		snap, ok := out[it.Category]
		if !ok {
			snap = model.CategorySnapshot{Category: it.Category, Items: map[string]model.StockItem{}}
		}
		snap.Items[it.ID] = it
		out[it.Category] = snap
	}
	return out, rows.Err()
}

func (r *sqliteSnapshots) Save(ctx context.Context, snap model.CategorySnapshot) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM snapshot_items WHERE category = ?`, snap.Category); err != nil {
		return err
	}
	for _, it := range snap.Items {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO snapshot_items(category, item_id, name, quantity, source_id, observed_at, expires_at)
			 VALUES(?,?,?,?,?,?,?)`,
			snap.Category, it.ID, it.Name, it.Quantity, it.SourceID, it.ObservedAt.UnixMilli(), msOrNil(it.ExpiresAt),
		); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO snapshot_meta(category, source_id, updated_at) VALUES(?,?,?)
		 ON CONFLICT(category) DO UPDATE SET source_id=excluded.source_id, updated_at=excluded.updated_at`,
		snap.Category, snap.AuthoritativeSource, snap.LastUpdated.UnixMilli(),
	); err != nil {
		return err
	}
	return tx.Commit()
}

// ---- history ----

type sqliteHistory struct{ db *sql.DB }

func (r *sqliteHistory) Append(ctx context.Context, a Appearance) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO appearances(category, item_id, quantity, at) VALUES(?,?,?,?)`,
		a.Category, a.ItemID, a.Quantity, a.At.UnixMilli(),
	)
	return err
}

func (r *sqliteHistory) Load(ctx context.Context, since time.Time) ([]Appearance, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT category, item_id, quantity, at FROM appearances WHERE at >= ? ORDER BY at`,
		since.UnixMilli(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Appearance
	for rows.Next() {
		var a Appearance
		var at int64
		if err := rows.Scan(&a.Category, &a.ItemID, &a.Quantity, &at); err != nil {
			return nil, err
		}
		a.At = time.UnixMilli(at)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *sqliteHistory) ClearCategories(ctx context.Context, categories []string) error {
	for _, c := range categories {
		if _, err := r.db.ExecContext(ctx, `DELETE FROM appearances WHERE category = ?`, c); err != nil {
			return err
		}
	}
	return nil
}

func (r *sqliteHistory) DeleteBefore(ctx context.Context, cutoff time.Time) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM appearances WHERE at < ?`, cutoff.UnixMilli())
	return err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
