package storage

import (
	"context"
	"maps"
	"sort"
	"sync"
	"time"

	"stockwatch/internal/model"
)

// memStore keeps everything in process memory. It is the default driver and
// the backend tests run against.
type memStore struct {
	recipients memRecipients
	snapshots  memSnapshots
	history    memHistory
}

// NewMemory returns an empty in-memory store.
func NewMemory() Store {
	return &memStore{
		recipients: memRecipients{m: map[string]model.Recipient{}},
		snapshots:  memSnapshots{m: map[string]model.CategorySnapshot{}},
	}
}

func (s *memStore) Recipients() RecipientRepo { return &s.recipients }
func (s *memStore) Snapshots() SnapshotRepo   { return &s.snapshots }
func (s *memStore) History() HistoryRepo      { return &s.history }
func (s *memStore) Close() error              { return nil }

// ---- recipients ----

type memRecipients struct {
	mu sync.Mutex
	m  map[string]model.Recipient
}

func cloneRecipient(r model.Recipient) model.Recipient {
	cp := r
	cp.Preferences = maps.Clone(r.Preferences)
	return cp
}

func (s *memRecipients) Upsert(_ context.Context, r model.Recipient) error {
	s.mu.Lock()
	s.m[r.ID] = cloneRecipient(r)
	s.mu.Unlock()
	return nil
}

func (s *memRecipients) Get(_ context.Context, id string) (model.Recipient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.m[id]
	if !ok {
		return model.Recipient{}, ErrNotFound
	}
	return cloneRecipient(r), nil
}

func (s *memRecipients) Active(_ context.Context, channel string) ([]model.Recipient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Recipient, 0, len(s.m))
	for _, r := range s.m {
		if !r.Active {
			continue
		}
		if channel != "" && r.Channel != channel {
			continue
		}
		out = append(out, cloneRecipient(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memRecipients) ForKey(_ context.Context, itemKey, categoryKey string) ([]model.Target, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Target, 0, len(s.m))
	for _, r := range s.m {
		if !r.Active {
			continue
		}
		// Item-level key wins when explicitly set; otherwise fall back to
		// the category-level key; neither set means not eligible.
		v, ok := r.Preferences[itemKey]
		if !ok {
			v, ok = r.Preferences[categoryKey]
		}
		if ok && v {
			out = append(out, model.Target{RecipientID: r.ID, Channel: r.Channel})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RecipientID < out[j].RecipientID })
	return out, nil
}

func (s *memRecipients) RecordFailure(_ context.Context, id string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.m[id]
	if !ok {
		return 0, ErrNotFound
	}
	r.FailureCount++
	s.m[id] = r
	return r.FailureCount, nil
}

func (s *memRecipients) Deactivate(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.m[id]
	if !ok {
		return ErrNotFound
	}
	r.Active = false
	s.m[id] = r
	return nil
}

func (s *memRecipients) RecordSuccess(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.m[id]
	if !ok {
		return ErrNotFound
	}
	r.FailureCount = 0
	r.LastDeliveryAt = at
	s.m[id] = r
	return nil
}

func (s *memRecipients) CheckPrefRateLimit(_ context.Context, id string, minInterval time.Duration, now time.Time) (RateLimitDecision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.m[id]
	if !ok {
		return RateLimitDecision{}, ErrNotFound
	}
	if !r.LastPrefUpdateAt.IsZero() {
		elapsed := now.Sub(r.LastPrefUpdateAt)
		if elapsed < minInterval {
			remaining := minInterval - elapsed
			secs := int((remaining + time.Second - 1) / time.Second)
			return RateLimitDecision{Allowed: false, SecondsRemaining: secs, LastUpdateAt: r.LastPrefUpdateAt}, nil
		}
	}
	last := r.LastPrefUpdateAt
	r.LastPrefUpdateAt = now
	s.m[id] = r
	return RateLimitDecision{Allowed: true, LastUpdateAt: last}, nil
}

// ---- snapshots ----

type memSnapshots struct {
	mu sync.Mutex
	m  map[string]model.CategorySnapshot
}

func (s *memSnapshots) Load(_ context.Context) (map[string]model.CategorySnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]model.CategorySnapshot, len(s.m))
	for c, snap := range s.m {
		cp := snap
		cp.Items = maps.Clone(snap.Items)
		out[c] = cp
	}
	return out, nil
}

func (s *memSnapshots) Save(_ context.Context, snap model.CategorySnapshot) error {
	s.mu.Lock()
	cp := snap
	cp.Items = maps.Clone(snap.Items)
	s.m[snap.Category] = cp
	s.mu.Unlock()
	return nil
}

// ---- history ----

type memHistory struct {
	mu   sync.Mutex
	rows []Appearance
}

func (s *memHistory) Append(_ context.Context, a Appearance) error {
	s.mu.Lock()
	s.rows = append(s.rows, a)
	s.mu.Unlock()
	return nil
}

func (s *memHistory) Load(_ context.Context, since time.Time) ([]Appearance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Appearance, 0, len(s.rows))
	for _, a := range s.rows {
		if a.At.Before(since) {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out, nil
}

func (s *memHistory) ClearCategories(_ context.Context, categories []string) error {
	if len(categories) == 0 {
		return nil
	}
	drop := make(map[string]struct{}, len(categories))
	for _, c := range categories {
		drop[c] = struct{}{}
	}
	s.mu.Lock()
	kept := s.rows[:0]
	for _, a := range s.rows {
		if _, ok := drop[a.Category]; !ok {
			kept = append(kept, a)
		}
	}
	s.rows = kept
	s.mu.Unlock()
	return nil
}

func (s *memHistory) DeleteBefore(_ context.Context, cutoff time.Time) error {
	s.mu.Lock()
	kept := s.rows[:0]
	for _, a := range s.rows {
		if !a.At.Before(cutoff) {
			kept = append(kept, a)
		}
	}
	s.rows = kept
	s.mu.Unlock()
	return nil
}
