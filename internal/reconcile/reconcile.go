// Package reconcile merges per-source stock events into one authoritative
// snapshot per category.
//
// Each category has exactly one writer goroutine, so merges within a
// category are serialized while distinct categories proceed concurrently.
// Conflicts between sources resolve by static priority, with a takeover
// path when the authoritative source is degraded, disconnected, or silent.
package reconcile

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"stockwatch/internal/feed"
	"stockwatch/internal/model"
	"stockwatch/internal/storage"
	logx "stockwatch/pkg/logx"
)

// Source is the slice of a feed adapter the admission rule needs.
type Source interface {
	Priority() int
	State() feed.State
}

// Config tunes the reconciler.
type Config struct {
	// MaxQuantity rejects absurd reported quantities.
	MaxQuantity int
	// StaleAfter lets a lower-priority source take over when the
	// authoritative source has been silent this long.
	StaleAfter time.Duration
	// QueueSize bounds each category worker's inbox and the update stream.
	QueueSize int
	// SweepInterval is how often expired time-boxed items are removed.
	SweepInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxQuantity <= 0 {
		c.MaxQuantity = 1_000_000
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 90 * time.Second
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 128
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 30 * time.Second
	}
	return c
}

// Stats is a counters snapshot for the ops view.
type Stats struct {
	Categories int    `json:"categories"`
	Merged     uint64 `json:"merged"`
	Rejected   uint64 `json:"rejected"`
	Invalid    uint64 `json:"invalid"`
	Swept      uint64 `json:"swept"`
}

type workItem struct {
	ev    model.StockEvent
	sweep bool
}

type catState struct {
	inbox chan workItem

	// Owned by the worker goroutine after start; guarded by Reconciler.mu
	// only for Snapshot() reads.
	items       map[string]model.StockItem
	lastUpdated time.Time
	authSource  string
}

// Reconciler is the single writer of category snapshots.
type Reconciler struct {
	cfg     Config
	sources map[string]Source
	snaps   storage.SnapshotRepo
	log     logx.Logger
	now     func() time.Time

	mu   sync.Mutex
	cats map[string]*catState

	updates chan model.CategoryUpdate

	wg      sync.WaitGroup
	started bool
	ctx     context.Context

	merged   atomic.Uint64
	rejected atomic.Uint64
	invalid  atomic.Uint64
	swept    atomic.Uint64
}

// New builds a reconciler over the given sources. The sources map is keyed
// by SourceID and must be complete before Start; events from unknown
// sources are treated as priority 0, disconnected.
func New(cfg Config, sources map[string]Source, snaps storage.SnapshotRepo, log logx.Logger) *Reconciler {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	return &Reconciler{
		cfg:     cfg,
		sources: sources,
		snaps:   snaps,
		log:     log.With(logx.String("svc", "reconcile")),
		now:     time.Now,
		cats:    make(map[string]*catState),
		updates: make(chan model.CategoryUpdate, cfg.QueueSize),
	}
}

// Updates is the merged-update stream consumed by the notification pipeline
// and the event broadcaster.
func (r *Reconciler) Updates() <-chan model.CategoryUpdate { return r.updates }

// Start loads persisted snapshots and begins the expiry sweep. Must be
// called before Offer.
func (r *Reconciler) Start(ctx context.Context) error {
	persisted, err := r.snaps.Load(ctx)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.ctx = ctx
	r.started = true
	for cat, snap := range persisted {
		st := r.newCatStateLocked(cat)
		for id, it := range snap.Items {
			st.items[id] = it
		}
		st.lastUpdated = snap.LastUpdated
		st.authSource = snap.AuthoritativeSource
	}
	r.mu.Unlock()

	r.log.Info("snapshots loaded", logx.Int("categories", len(persisted)))

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.sweepLoop(ctx)
	}()
	return nil
}

// Offer hands one decoded event to its category worker. It blocks when the
// worker's inbox is full; the caller is the adapter's forwarding task, so
// backpressure lands on the adapter queue, not the socket.
func (r *Reconciler) Offer(ctx context.Context, ev model.StockEvent) error {
	if ev.Category == "" {
		r.invalid.Add(1)
		r.log.Warn("event without category dropped", logx.String("source", ev.SourceID))
		return nil
	}

	r.mu.Lock()
	st, ok := r.cats[ev.Category]
	if !ok {
		st = r.newCatStateLocked(ev.Category)
	}
	r.mu.Unlock()

	select {
	case st.inbox <- workItem{ev: ev}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// newCatStateLocked creates the per-category state and its worker. Caller
// holds r.mu and Start must have run.
func (r *Reconciler) newCatStateLocked(category string) *catState {
	st := &catState{
		inbox: make(chan workItem, r.cfg.QueueSize),
		items: make(map[string]model.StockItem),
	}
	r.cats[category] = st
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.worker(r.ctx, category, st)
	}()
	return st
}

// Wait blocks until all workers have stopped after context cancellation.
func (r *Reconciler) Wait() {
	r.wg.Wait()
}

func (r *Reconciler) worker(ctx context.Context, category string, st *catState) {
	for {
		select {
		case <-ctx.Done():
			return
		case item := <-st.inbox:
			if item.sweep {
				r.sweepCategory(ctx, category, st)
				continue
			}
			r.merge(ctx, category, st, item.ev)
		}
	}
}

func (r *Reconciler) merge(ctx context.Context, category string, st *catState, ev model.StockEvent) {
	if !r.admit(st, ev) {
		r.rejected.Add(1)
		r.log.Debug("event rejected by admission rule",
			logx.String("category", category),
			logx.String("source", ev.SourceID),
			logx.String("authoritative", st.authSource))
		return
	}

	now := r.now()
	accepted := make([]model.StockItem, 0, len(ev.Items))
	for _, it := range ev.Items {
		if it.ID == "" || it.Quantity < 0 || it.Quantity > r.cfg.MaxQuantity {
			r.invalid.Add(1)
			r.log.Warn("invalid item dropped",
				logx.String("category", category),
				logx.String("source", ev.SourceID),
				logx.String("item", it.ID),
				logx.Int("quantity", it.Quantity))
			continue
		}
		it.Category = category
		it.SourceID = ev.SourceID
		if it.ObservedAt.IsZero() {
			it.ObservedAt = ev.At
		}
		accepted = append(accepted, it)
	}
	if len(accepted) == 0 {
		return
	}

	r.mu.Lock()
	for _, it := range accepted {
		st.items[it.ID] = it
	}
	st.lastUpdated = now
	st.authSource = ev.SourceID
	snap := snapshotLocked(category, st, now)
	r.mu.Unlock()

	r.merged.Add(1)
	r.persist(ctx, snap)

	update := model.CategoryUpdate{
		Category: category,
		Items:    accepted,
		SourceID: ev.SourceID,
		At:       now,
	}
	select {
	case r.updates <- update:
	case <-ctx.Done():
	}
}

// admit applies the takeover rule: equal-or-higher priority always wins;
// a lower-priority source wins only when the authoritative feed is known to
// be unhealthy or has been silent past StaleAfter.
func (r *Reconciler) admit(st *catState, ev model.StockEvent) bool {
	r.mu.Lock()
	auth := st.authSource
	lastUpdated := st.lastUpdated
	r.mu.Unlock()

	if auth == "" || auth == ev.SourceID {
		return true
	}
	if sourcePriority(r.sources, ev.SourceID) >= sourcePriority(r.sources, auth) {
		return true
	}
	if src, ok := r.sources[auth]; ok {
		if s := src.State(); s == feed.Degraded || s == feed.Disconnected {
			return true
		}
	} else {
		// Authoritative source no longer configured.
		return true
	}
	return r.now().Sub(lastUpdated) > r.cfg.StaleAfter
}

func sourcePriority(sources map[string]Source, id string) int {
	if src, ok := sources[id]; ok {
		return src.Priority()
	}
	return 0
}

func (r *Reconciler) persist(ctx context.Context, snap model.CategorySnapshot) {
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := r.snaps.Save(saveCtx, snap); err != nil {
		r.log.Warn("snapshot save failed", logx.Err(err), logx.String("category", snap.Category))
	}
}

// snapshotLocked copies the live state, excluding expired time-boxed items.
// Caller holds r.mu.
func snapshotLocked(category string, st *catState, now time.Time) model.CategorySnapshot {
	items := make(map[string]model.StockItem, len(st.items))
	for id, it := range st.items {
		if it.Expired(now) {
			continue
		}
		items[id] = it
	}
	return model.CategorySnapshot{
		Category:            category,
		Items:               items,
		LastUpdated:         st.lastUpdated,
		AuthoritativeSource: st.authSource,
	}
}

// Snapshot returns a copy of one category's authoritative view. Expired
// items are excluded even between sweeps.
func (r *Reconciler) Snapshot(category string) (model.CategorySnapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.cats[category]
	if !ok {
		return model.CategorySnapshot{}, false
	}
	return snapshotLocked(category, st, r.now()), true
}

// Categories lists known categories, for the ops snapshot.
func (r *Reconciler) Categories() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.cats))
	for cat := range r.cats {
		out = append(out, cat)
	}
	return out
}

func (r *Reconciler) Stats() Stats {
	r.mu.Lock()
	cats := len(r.cats)
	r.mu.Unlock()
	return Stats{
		Categories: cats,
		Merged:     r.merged.Load(),
		Rejected:   r.rejected.Load(),
		Invalid:    r.invalid.Load(),
		Swept:      r.swept.Load(),
	}
}

func (r *Reconciler) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.mu.Lock()
			states := make([]*catState, 0, len(r.cats))
			for _, st := range r.cats {
				states = append(states, st)
			}
			r.mu.Unlock()
			for _, st := range states {
				select {
				case st.inbox <- workItem{sweep: true}:
				default:
					// Busy worker; next tick retries.
				}
			}
		}
	}
}

// sweepCategory removes expired time-boxed items and announces the removals.
func (r *Reconciler) sweepCategory(ctx context.Context, category string, st *catState) {
	now := r.now()

	r.mu.Lock()
	var removed []string
	for id, it := range st.items {
		if it.Expired(now) {
			delete(st.items, id)
			removed = append(removed, id)
		}
	}
	var snap model.CategorySnapshot
	if len(removed) > 0 {
		st.lastUpdated = now
		snap = snapshotLocked(category, st, now)
	}
	r.mu.Unlock()

	if len(removed) == 0 {
		return
	}
	r.swept.Add(uint64(len(removed)))
	r.log.Info("expired items swept", logx.String("category", category), logx.Int("count", len(removed)))
	r.persist(ctx, snap)

	update := model.CategoryUpdate{
		Category: category,
		Removed:  removed,
		SourceID: snap.AuthoritativeSource,
		At:       now,
	}
	select {
	case r.updates <- update:
	case <-ctx.Done():
	}
}
