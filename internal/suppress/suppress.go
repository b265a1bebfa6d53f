// Package suppress keeps an appearance hit being re-announced: an item that
// keeps showing up with the same quantity inside a sliding window is noise,
// not news.
//
// The decision path is pure in-memory. History mutations stream to the
// injected repository through a bounded async writer so a slow disk never
// stalls the merge pipeline; on startup the repository is replayed back into
// memory so restarts do not reset suppression.
package suppress

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"stockwatch/internal/storage"
	logx "stockwatch/pkg/logx"
)

const (
	DefaultWindow    = 7 * time.Minute
	DefaultThreshold = 2

	writerQueueSize = 1024
)

type itemKey struct {
	category string
	itemID   string
}

type appearance struct {
	quantity int
	at       time.Time
}

// Config tunes the suppressor. Window and Threshold are live-reloadable.
type Config struct {
	Window    time.Duration
	Threshold int
}

func (c Config) withDefaults() Config {
	if c.Window <= 0 {
		c.Window = DefaultWindow
	}
	if c.Threshold <= 0 {
		c.Threshold = DefaultThreshold
	}
	return c
}

// Suppressor is safe for concurrent use.
type Suppressor struct {
	hist storage.HistoryRepo
	log  logx.Logger
	now  func() time.Time

	mu        sync.Mutex
	window    time.Duration
	threshold int
	entries   map[itemKey][]appearance

	writes        chan storage.Appearance
	droppedWrites atomic.Uint64
	suppressed    atomic.Uint64
	allowed       atomic.Uint64
}

func New(cfg Config, hist storage.HistoryRepo, log logx.Logger) *Suppressor {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Suppressor{
		hist:      hist,
		log:       log.With(logx.String("svc", "suppress")),
		now:       time.Now,
		window:    cfg.Window,
		threshold: cfg.Threshold,
		entries:   make(map[itemKey][]appearance),
		writes:    make(chan storage.Appearance, writerQueueSize),
	}
}

// Replay loads the persisted appearance log back into memory. Call once
// before the pipeline starts.
func (s *Suppressor) Replay(ctx context.Context) error {
	s.mu.Lock()
	window := s.window
	s.mu.Unlock()

	since := s.now().Add(-window)
	rows, err := s.hist.Load(ctx, since)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range rows {
		k := itemKey{category: row.Category, itemID: row.ItemID}
		s.entries[k] = append(s.entries[k], appearance{quantity: row.Quantity, at: row.At})
	}
	s.log.Info("suppression history replayed", logx.Int("rows", len(rows)))
	return nil
}

// Allow reports whether the appearance should be announced. An allowed
// appearance is recorded; a suppressed one is not, so a quantity change
// immediately re-opens announcements for the item.
func (s *Suppressor) Allow(category, itemID string, quantity int, at time.Time) bool {
	if at.IsZero() {
		at = s.now()
	}
	k := itemKey{category: category, itemID: itemID}

	s.mu.Lock()
	cutoff := at.Add(-s.window)
	kept := trim(s.entries[k], cutoff)

	same := 0
	for _, a := range kept {
		if a.quantity == quantity {
			same++
		}
	}
	if same >= s.threshold {
		if len(kept) == 0 {
			delete(s.entries, k)
		} else {
			s.entries[k] = kept
		}
		s.mu.Unlock()
		s.suppressed.Add(1)
		return false
	}

	s.entries[k] = append(kept, appearance{quantity: quantity, at: at})
	s.mu.Unlock()
	s.allowed.Add(1)

	select {
	case s.writes <- storage.Appearance{Category: category, ItemID: itemID, Quantity: quantity, At: at}:
	default:
		s.droppedWrites.Add(1)
	}
	return true
}

func trim(list []appearance, cutoff time.Time) []appearance {
	i := 0
	for i < len(list) && list[i].at.Before(cutoff) {
		i++
	}
	if i == 0 {
		return list
	}
	return append([]appearance(nil), list[i:]...)
}

// Reset clears the log for the given categories, memory and repository both.
// An empty list is a no-op.
func (s *Suppressor) Reset(ctx context.Context, categories []string) error {
	if len(categories) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(categories))
	for _, c := range categories {
		set[c] = struct{}{}
	}

	s.mu.Lock()
	removed := 0
	for k := range s.entries {
		if _, ok := set[k.category]; ok {
			delete(s.entries, k)
			removed++
		}
	}
	s.mu.Unlock()

	if err := s.hist.ClearCategories(ctx, categories); err != nil {
		return err
	}
	s.log.Info("suppression log reset", logx.Int("categories", len(categories)), logx.Int("items_cleared", removed))
	return nil
}

// Retune applies new window/threshold values. Existing entries are kept;
// the new window takes effect on the next access.
func (s *Suppressor) Retune(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	changed := s.window != cfg.Window || s.threshold != cfg.Threshold
	s.window = cfg.Window
	s.threshold = cfg.Threshold
	s.mu.Unlock()
	if changed {
		s.log.Info("suppression retuned", logx.Duration("window", cfg.Window), logx.Int("threshold", cfg.Threshold))
	}
}

// Run drains the async history writer until ctx is canceled, then flushes
// whatever is still queued on a short grace budget.
func (s *Suppressor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			s.flush()
			if n := s.droppedWrites.Load(); n > 0 {
				s.log.Warn("suppression history writes dropped", logx.Uint64("count", n))
			}
			return nil
		case a := <-s.writes:
			s.persist(a)
		}
	}
}

func (s *Suppressor) flush() {
	for {
		select {
		case a := <-s.writes:
			s.persist(a)
		default:
			return
		}
	}
}

func (s *Suppressor) persist(a storage.Appearance) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.hist.Append(ctx, a); err != nil {
		s.log.Warn("suppression history append failed", logx.Err(err), logx.String("category", a.Category), logx.String("item", a.ItemID))
	}
}

// Stats is a point-in-time counters snapshot for the ops view.
type Stats struct {
	Allowed       uint64 `json:"allowed"`
	Suppressed    uint64 `json:"suppressed"`
	DroppedWrites uint64 `json:"dropped_writes"`
	TrackedItems  int    `json:"tracked_items"`
}

func (s *Suppressor) Stats() Stats {
	s.mu.Lock()
	tracked := len(s.entries)
	s.mu.Unlock()
	return Stats{
		Allowed:       s.allowed.Load(),
		Suppressed:    s.suppressed.Load(),
		DroppedWrites: s.droppedWrites.Load(),
		TrackedItems:  tracked,
	}
}
