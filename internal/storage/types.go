package storage

import (
	"context"
	"errors"
	"time"

	"stockwatch/internal/model"
)

var ErrNotFound = errors.New("storage: not found")

// Config configures storage. See StorageConfig in internal/config for the
// on-disk shape; durations arrive here already parsed.
type Config struct {
	Driver      string
	Path        string // sqlite
	DSN         string // postgres
	BusyTimeout time.Duration
	MaxConns    int
}

// Appearance is one row of the duplicate-suppression history log.
type Appearance struct {
	Category string
	ItemID   string
	Quantity int
	At       time.Time
}

// RateLimitDecision is the outcome of a preference-update rate-limit check.
// A denied request carries the remaining wait and the last accepted update.
type RateLimitDecision struct {
	Allowed          bool
	SecondsRemaining int
	LastUpdateAt     time.Time
}

// RecipientRepo owns recipient records and their delivery health.
//
// ForKey implements the documented preference precedence: an explicitly set
// item-level key wins over the category-level key; a recipient with neither
// key set is not eligible (opt-in). Matching is exact-string.
type RecipientRepo interface {
	Upsert(ctx context.Context, r model.Recipient) error
	Get(ctx context.Context, id string) (model.Recipient, error)
	// Active lists active recipients, optionally restricted to one channel.
	Active(ctx context.Context, channel string) ([]model.Recipient, error)
	// ForKey lists active recipients whose resolved preference for
	// (itemKey falling back to categoryKey) is true, ordered by id.
	ForKey(ctx context.Context, itemKey, categoryKey string) ([]model.Target, error)
	// RecordFailure increments the failure counter and returns the new count.
	RecordFailure(ctx context.Context, id string) (int, error)
	Deactivate(ctx context.Context, id string) error
	// RecordSuccess resets the failure counter and stamps last delivery.
	RecordSuccess(ctx context.Context, id string, at time.Time) error
	// CheckPrefRateLimit atomically checks and, when allowed, advances the
	// per-recipient preference-update timestamp.
	CheckPrefRateLimit(ctx context.Context, id string, minInterval time.Duration, now time.Time) (RateLimitDecision, error)
}

// SnapshotRepo persists the consolidated category snapshots.
type SnapshotRepo interface {
	// Load returns all persisted snapshots keyed by category.
	Load(ctx context.Context) (map[string]model.CategorySnapshot, error)
	// Save replaces the persisted state of one category.
	Save(ctx context.Context, snap model.CategorySnapshot) error
}

// HistoryRepo persists the suppression appearance log.
type HistoryRepo interface {
	Append(ctx context.Context, a Appearance) error
	// Load returns appearances at or after since, oldest first.
	Load(ctx context.Context, since time.Time) ([]Appearance, error)
	ClearCategories(ctx context.Context, categories []string) error
	DeleteBefore(ctx context.Context, cutoff time.Time) error
}

// Store is the persistence API used by the pipeline.
type Store interface {
	Recipients() RecipientRepo
	Snapshots() SnapshotRepo
	History() HistoryRepo
	Close() error
}
