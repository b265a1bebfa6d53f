package reconcile

import (
	"context"
	"sync"
	"testing"
	"time"

	"stockwatch/internal/feed"
	"stockwatch/internal/model"
	"stockwatch/internal/storage"
	logx "stockwatch/pkg/logx"
)

type fakeSource struct {
	mu    sync.Mutex
	prio  int
	state feed.State
}

func (s *fakeSource) Priority() int { return s.prio }

func (s *fakeSource) State() feed.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *fakeSource) setState(st feed.State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

type fixture struct {
	r       *Reconciler
	store   storage.Store
	primary *fakeSource
	backup  *fakeSource
	cancel  context.CancelFunc
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	st, err := storage.Open(ctx, storage.Config{Driver: "memory"}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	primary := &fakeSource{prio: 10, state: feed.Connected}
	backup := &fakeSource{prio: 1, state: feed.Connected}
	r := New(cfg, map[string]Source{"primary": primary, "backup": backup}, st.Snapshots(), logx.Nop())
	if err := r.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() {
		cancel()
		r.Wait()
		st.Close()
	})
	return &fixture{r: r, store: st, primary: primary, backup: backup, cancel: cancel}
}

func offer(t *testing.T, r *Reconciler, ev model.StockEvent) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.Offer(ctx, ev); err != nil {
		t.Fatalf("offer: %v", err)
	}
}

func nextUpdate(t *testing.T, r *Reconciler) model.CategoryUpdate {
	t.Helper()
	select {
	case u := <-r.Updates():
		return u
	case <-time.After(2 * time.Second):
		t.Fatal("no category update")
		return model.CategoryUpdate{}
	}
}

func noUpdate(t *testing.T, r *Reconciler) {
	t.Helper()
	select {
	case u := <-r.Updates():
		t.Fatalf("unexpected update %+v", u)
	case <-time.After(100 * time.Millisecond):
	}
}

func item(id string, qty int) model.StockItem {
	return model.StockItem{ID: id, Name: id, Quantity: qty}
}

func TestMergeIsIncremental(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})

	offer(t, f.r, model.StockEvent{Category: "seeds", SourceID: "primary", At: time.Now(),
		Items: []model.StockItem{item("carrot", 5), item("tomato", 3)}})
	nextUpdate(t, f.r)

	// Delta touches only carrot; tomato must survive, and quantity 0 keeps
	// the item (out of stock is still listed).
	offer(t, f.r, model.StockEvent{Category: "seeds", SourceID: "primary", At: time.Now(),
		Items: []model.StockItem{item("carrot", 0)}})
	nextUpdate(t, f.r)

	snap, ok := f.r.Snapshot("seeds")
	if !ok {
		t.Fatal("missing snapshot")
	}
	if len(snap.Items) != 2 {
		t.Fatalf("items = %d, want 2", len(snap.Items))
	}
	if snap.Items["carrot"].Quantity != 0 {
		t.Fatalf("carrot quantity = %d, want 0", snap.Items["carrot"].Quantity)
	}
	if snap.Items["tomato"].Quantity != 3 {
		t.Fatalf("tomato quantity = %d, want 3", snap.Items["tomato"].Quantity)
	}
}

func TestCategoriesAreIsolated(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})

	offer(t, f.r, model.StockEvent{Category: "seeds", SourceID: "primary", At: time.Now(),
		Items: []model.StockItem{item("carrot", 5)}})
	nextUpdate(t, f.r)
	offer(t, f.r, model.StockEvent{Category: "gear", SourceID: "primary", At: time.Now(),
		Items: []model.StockItem{item("shovel", 2)}})
	nextUpdate(t, f.r)

	before, ok := f.r.Snapshot("gear")
	if !ok {
		t.Fatal("missing gear snapshot")
	}

	// Seeds churn, including an item id shared with gear, must never leak
	// into gear's snapshot.
	offer(t, f.r, model.StockEvent{Category: "seeds", SourceID: "primary", At: time.Now(),
		Items: []model.StockItem{item("carrot", 9), item("shovel", 40)}})
	nextUpdate(t, f.r)

	after, ok := f.r.Snapshot("gear")
	if !ok {
		t.Fatal("gear snapshot vanished")
	}
	if len(after.Items) != len(before.Items) {
		t.Fatalf("gear items = %d, want %d", len(after.Items), len(before.Items))
	}
	if after.Items["shovel"].Quantity != 2 {
		t.Fatalf("gear shovel quantity = %d, want 2", after.Items["shovel"].Quantity)
	}
	if !after.LastUpdated.Equal(before.LastUpdated) {
		t.Fatalf("gear LastUpdated moved from %v to %v", before.LastUpdated, after.LastUpdated)
	}

	seeds, _ := f.r.Snapshot("seeds")
	if seeds.Items["carrot"].Quantity != 9 || seeds.Items["shovel"].Quantity != 40 {
		t.Fatalf("seeds snapshot = %+v", seeds.Items)
	}
}

func TestValidationDropsBadItems(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{MaxQuantity: 100})

	offer(t, f.r, model.StockEvent{Category: "seeds", SourceID: "primary", At: time.Now(),
		Items: []model.StockItem{
			item("", 5),
			item("negative", -1),
			item("huge", 101),
			item("good", 7),
		}})
	u := nextUpdate(t, f.r)
	if len(u.Items) != 1 || u.Items[0].ID != "good" {
		t.Fatalf("update items = %+v, want only good", u.Items)
	}
	if got := f.r.Stats().Invalid; got != 3 {
		t.Fatalf("invalid = %d, want 3", got)
	}
}

func TestAdmissionByPriority(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{StaleAfter: time.Hour})

	offer(t, f.r, model.StockEvent{Category: "gear", SourceID: "primary", At: time.Now(),
		Items: []model.StockItem{item("sprinkler", 2)}})
	nextUpdate(t, f.r)

	// Lower-priority source rejected while primary is healthy.
	offer(t, f.r, model.StockEvent{Category: "gear", SourceID: "backup", At: time.Now(),
		Items: []model.StockItem{item("sprinkler", 9)}})
	noUpdate(t, f.r)

	snap, _ := f.r.Snapshot("gear")
	if snap.Items["sprinkler"].Quantity != 2 {
		t.Fatalf("quantity = %d, want 2 (backup must not win)", snap.Items["sprinkler"].Quantity)
	}
	if snap.AuthoritativeSource != "primary" {
		t.Fatalf("authoritative = %q, want primary", snap.AuthoritativeSource)
	}

	// Degraded primary: backup takes over immediately.
	f.primary.setState(feed.Degraded)
	offer(t, f.r, model.StockEvent{Category: "gear", SourceID: "backup", At: time.Now(),
		Items: []model.StockItem{item("sprinkler", 9)}})
	nextUpdate(t, f.r)

	snap, _ = f.r.Snapshot("gear")
	if snap.Items["sprinkler"].Quantity != 9 {
		t.Fatalf("quantity = %d, want 9 after takeover", snap.Items["sprinkler"].Quantity)
	}
	if snap.AuthoritativeSource != "backup" {
		t.Fatalf("authoritative = %q, want backup", snap.AuthoritativeSource)
	}

	// Primary recovers: equal-or-higher priority reclaims.
	f.primary.setState(feed.Connected)
	offer(t, f.r, model.StockEvent{Category: "gear", SourceID: "primary", At: time.Now(),
		Items: []model.StockItem{item("sprinkler", 4)}})
	nextUpdate(t, f.r)
	snap, _ = f.r.Snapshot("gear")
	if snap.AuthoritativeSource != "primary" {
		t.Fatalf("authoritative = %q, want primary after recovery", snap.AuthoritativeSource)
	}
}

func TestAdmissionBySilence(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	st, err := storage.Open(ctx, storage.Config{Driver: "memory"}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	r := New(Config{StaleAfter: time.Minute},
		map[string]Source{
			"primary": &fakeSource{prio: 10, state: feed.Connected},
			"backup":  &fakeSource{prio: 1, state: feed.Connected},
		}, st.Snapshots(), logx.Nop())

	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	now := base
	r.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	if err := r.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() {
		cancel()
		r.Wait()
		st.Close()
	})
	f := &fixture{r: r}

	offer(t, f.r, model.StockEvent{Category: "eggs", SourceID: "primary", At: base,
		Items: []model.StockItem{item("golden", 1)}})
	nextUpdate(t, f.r)

	// Primary still claims Connected but has gone silent past StaleAfter.
	mu.Lock()
	now = base.Add(2 * time.Minute)
	mu.Unlock()

	offer(t, f.r, model.StockEvent{Category: "eggs", SourceID: "backup", At: now,
		Items: []model.StockItem{item("golden", 3)}})
	nextUpdate(t, f.r)

	snap, _ := f.r.Snapshot("eggs")
	if snap.AuthoritativeSource != "backup" {
		t.Fatalf("authoritative = %q, want backup after silence takeover", snap.AuthoritativeSource)
	}
}

func TestExpirySweep(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{SweepInterval: time.Hour})

	now := time.Now()
	offer(t, f.r, model.StockEvent{Category: "weather", SourceID: "primary", At: now,
		Items: []model.StockItem{
			{ID: "rain", Quantity: 1, ExpiresAt: now.Add(50 * time.Millisecond)},
			{ID: "frost", Quantity: 1, ExpiresAt: now.Add(time.Hour)},
		}})
	nextUpdate(t, f.r)

	time.Sleep(80 * time.Millisecond)

	// Lazy exclusion on read, even before the sweep runs.
	snap, _ := f.r.Snapshot("weather")
	if _, ok := snap.Items["rain"]; ok {
		t.Fatal("expired item visible in snapshot")
	}
	if _, ok := snap.Items["frost"]; !ok {
		t.Fatal("unexpired item missing from snapshot")
	}

	// The sweep announces the removal.
	f.r.mu.Lock()
	st := f.r.cats["weather"]
	f.r.mu.Unlock()
	st.inbox <- workItem{sweep: true}

	u := nextUpdate(t, f.r)
	if len(u.Removed) != 1 || u.Removed[0] != "rain" {
		t.Fatalf("removed = %v, want [rain]", u.Removed)
	}
	if len(u.Items) != 0 {
		t.Fatalf("sweep update carries items: %+v", u.Items)
	}
}

func TestSnapshotPersistenceRoundTrip(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	st, err := storage.Open(ctx, storage.Config{Driver: "memory"}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer st.Close()
	src := map[string]Source{"primary": &fakeSource{prio: 10, state: feed.Connected}}

	first := New(Config{}, src, st.Snapshots(), logx.Nop())
	runCtx, stop := context.WithCancel(ctx)
	if err := first.Start(runCtx); err != nil {
		t.Fatalf("start: %v", err)
	}
	offer(t, first, model.StockEvent{Category: "seeds", SourceID: "primary", At: time.Now(),
		Items: []model.StockItem{item("carrot", 5)}})
	nextUpdate(t, first)
	stop()
	first.Wait()

	second := New(Config{}, src, st.Snapshots(), logx.Nop())
	if err := second.Start(ctx); err != nil {
		t.Fatalf("restart: %v", err)
	}
	snap, ok := second.Snapshot("seeds")
	if !ok || snap.Items["carrot"].Quantity != 5 {
		t.Fatalf("restored snapshot = %+v, ok=%v", snap, ok)
	}
	if snap.AuthoritativeSource != "primary" {
		t.Fatalf("restored authoritative = %q", snap.AuthoritativeSource)
	}
}
