// Package model holds the canonical types shared across the ingest,
// reconciliation and notification pipeline.
package model

import "time"

// StockItem is one item's availability as reported by a feed.
//
// Identity is ID within a Category. ExpiresAt is zero for regular items;
// time-boxed entries (weather-style events) carry a non-zero expiry and are
// filtered lazily on read.
type StockItem struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Category   string    `json:"category"`
	Quantity   int       `json:"quantity"`
	SourceID   string    `json:"source_id"`
	ObservedAt time.Time `json:"observed_at"`
	ExpiresAt  time.Time `json:"expires_at,omitempty"`
}

// Expired reports whether the item is a time-boxed entry past its expiry.
func (it StockItem) Expired(now time.Time) bool {
	return !it.ExpiresAt.IsZero() && !now.Before(it.ExpiresAt)
}

// StockEvent is the canonical, already-decoded output of a source adapter.
// Items is a delta: only the ids present here change; everything else in the
// category is left alone. Immutable once emitted.
type StockEvent struct {
	Category string
	Items    []StockItem
	SourceID string
	At       time.Time
}

// CategoryUpdate is emitted by the reconciler after a merge (or an expiry
// sweep) and feeds both the notification pipeline and live observers.
type CategoryUpdate struct {
	Category string      `json:"category"`
	Items    []StockItem `json:"items,omitempty"`
	// Removed lists item ids dropped by an expiry sweep.
	Removed  []string  `json:"removed,omitempty"`
	SourceID string    `json:"source_id"`
	At       time.Time `json:"at"`
}

// CategorySnapshot is a read-only view of one category's authoritative state.
// The reconciler owns the underlying data; this copy is safe to retain.
type CategorySnapshot struct {
	Category            string               `json:"category"`
	Items               map[string]StockItem `json:"items"`
	LastUpdated         time.Time            `json:"last_updated"`
	AuthoritativeSource string               `json:"authoritative_source"`
}

// Recipient is a registered notification endpoint. The recipient store owns
// the persistent record; the pipeline reads and updates it only through the
// store's operations.
type Recipient struct {
	ID               string          `json:"id"`
	Channel          string          `json:"channel"`
	Preferences      map[string]bool `json:"preferences"`
	Active           bool            `json:"active"`
	FailureCount     int             `json:"failure_count"`
	LastDeliveryAt   time.Time       `json:"last_delivery_at"`
	LastPrefUpdateAt time.Time       `json:"last_pref_update_at"`
}

// Target identifies one delivery destination of a NotificationJob.
type Target struct {
	RecipientID string `json:"recipient_id"`
	Channel     string `json:"channel"`
}

// NotificationJob is a transient unit of fan-out work, created per dispatch
// cycle and discarded once its outcome is recorded.
type NotificationJob struct {
	Key     string            `json:"key"`
	Title   string            `json:"title"`
	Body    string            `json:"body"`
	Payload map[string]string `json:"payload,omitempty"`
	Targets []Target          `json:"targets"`
}

// FailureClass distinguishes delivery failure kinds for recipient health.
type FailureClass string

const (
	// FailureUnregistered means the endpoint no longer exists at the
	// provider; the recipient is deactivated immediately.
	FailureUnregistered FailureClass = "unregistered"
	// FailureRejected is any other permanent per-recipient rejection;
	// deactivation happens once the failure counter crosses a threshold.
	FailureRejected FailureClass = "rejected"
)
