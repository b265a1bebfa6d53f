package notify

import (
	"context"
	"sync"
	"testing"
	"time"

	"stockwatch/internal/eventbus"
	"stockwatch/internal/model"
	"stockwatch/internal/provider"
	"stockwatch/internal/storage"
	"stockwatch/internal/suppress"
	logx "stockwatch/pkg/logx"
)

func TestUpdatePreferences(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := newRecipientRepo(t, 1, "push")
	f := NewFilter(repo, Aliases{"carrots": "item:carrot"}, logx.Nop())

	if err := f.UpdatePreferences(ctx, "r0000", map[string]bool{"carrots": true}, 0); err != nil {
		t.Fatalf("update: %v", err)
	}
	r, _ := repo.Get(ctx, "r0000")
	if !r.Preferences["item:carrot"] {
		t.Fatalf("alias not canonicalized: %+v", r.Preferences)
	}
	if !r.Preferences["category:seeds"] {
		t.Fatal("existing preferences must survive a partial update")
	}

	if err := f.UpdatePreferences(ctx, "r0000", map[string]bool{"nonsense": true}, 0); err == nil {
		t.Fatal("invalid key must fail the whole update")
	}
}

func TestUpdatePreferencesRateLimited(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := newRecipientRepo(t, 1, "push")
	f := NewFilter(repo, nil, logx.Nop())

	if err := f.UpdatePreferences(ctx, "r0000", map[string]bool{"item:carrot": true}, time.Minute); err != nil {
		t.Fatalf("first update: %v", err)
	}
	err := f.UpdatePreferences(ctx, "r0000", map[string]bool{"item:carrot": false}, time.Minute)
	rl, ok := err.(*RateLimitedError)
	if !ok {
		t.Fatalf("second update err = %v, want RateLimitedError", err)
	}
	if rl.SecondsRemaining <= 0 || rl.SecondsRemaining > 60 {
		t.Fatalf("seconds remaining = %d", rl.SecondsRemaining)
	}
	// The denied attempt must not count as an update.
	r, _ := repo.Get(ctx, "r0000")
	if !r.Preferences["item:carrot"] {
		t.Fatal("denied update overwrote preferences")
	}
}

// stallProvider blocks every call until its context is done, then reports
// a server error.
type stallProvider struct {
	mu    sync.Mutex
	calls int
}

func (p *stallProvider) Name() string    { return "push" }
func (p *stallProvider) BatchLimit() int { return 0 }

func (p *stallProvider) Send(ctx context.Context, _ provider.Batch) (provider.Result, error) {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	<-ctx.Done()
	return provider.Result{}, &provider.StatusError{Code: 503}
}

func (p *stallProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func stallPipeline(t *testing.T, prov *stallProvider, cfg DispatcherConfig, drain time.Duration) (*Pipeline, storage.RecipientRepo) {
	t.Helper()
	repo := newRecipientRepo(t, 1, "push")
	disp := NewDispatcher(cfg, map[string]provider.Provider{"push": prov},
		NewOutcomes(repo, 5, logx.Nop()), logx.Nop())
	st, err := storage.Open(context.Background(), storage.Config{Driver: "memory"}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	sup := suppress.New(suppress.Config{Window: time.Hour, Threshold: 100}, st.History(), logx.Nop())
	return NewPipeline(nil, sup, NewFilter(repo, nil, logx.Nop()), disp, eventbus.New(), drain, logx.Nop()), repo
}

func TestSlowProviderKeepsFullRetryBudget(t *testing.T) {
	t.Parallel()

	// Drain window shorter than the total retry budget; with the daemon
	// running it must not cut a cycle short.
	prov := &stallProvider{}
	p, repo := stallPipeline(t, prov, DispatcherConfig{
		MaxAttempts: 3,
		RetryBase:   time.Millisecond,
		CallTimeout: 50 * time.Millisecond,
	}, 60*time.Millisecond)

	at := time.Now()
	p.handle(context.Background(), model.CategoryUpdate{
		Category: "seeds",
		Items:    []model.StockItem{{ID: "carrot", Quantity: 5, ObservedAt: at}},
		At:       at,
	})

	if got := prov.callCount(); got != 3 {
		t.Fatalf("provider calls = %d, want 3 (full transient retry budget)", got)
	}
	// Attempts exhausted: forwarded to the outcome handler exactly once.
	r, err := repo.Get(context.Background(), "r0000")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if r.FailureCount != 1 {
		t.Fatalf("failure count = %d, want 1", r.FailureCount)
	}
}

func TestShutdownBoundsDispatchDrain(t *testing.T) {
	t.Parallel()

	prov := &stallProvider{}
	p, repo := stallPipeline(t, prov, DispatcherConfig{
		MaxAttempts: 3,
		RetryBase:   time.Millisecond,
		CallTimeout: 10 * time.Second,
	}, 50*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // shutdown already under way

	at := time.Now()
	start := time.Now()
	p.handle(ctx, model.CategoryUpdate{
		Category: "seeds",
		Items:    []model.StockItem{{ID: "carrot", Quantity: 5, ObservedAt: at}},
		At:       at,
	})
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("dispatch drained in %v, want well under the call timeout", elapsed)
	}
	if got := prov.callCount(); got != 1 {
		t.Fatalf("provider calls = %d, want 1 (no retries past the drain deadline)", got)
	}
	// Abandoned batches never touch recipient health.
	r, err := repo.Get(context.Background(), "r0000")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if r.FailureCount != 0 {
		t.Fatalf("failure count = %d, want 0 after abandonment", r.FailureCount)
	}
}

func TestPipelineSuppressesRepeats(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := storage.Open(ctx, storage.Config{Driver: "memory"}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer st.Close()
	repo := st.Recipients()
	if err := repo.Upsert(ctx, model.Recipient{
		ID: "alice", Channel: "push", Active: true,
		Preferences: map[string]bool{"category:seeds": true},
	}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	prov := &fakeProvider{name: "push"}
	disp := NewDispatcher(DispatcherConfig{}, map[string]provider.Provider{"push": prov},
		NewOutcomes(repo, 5, logx.Nop()), logx.Nop())
	sup := suppress.New(suppress.Config{Window: time.Hour, Threshold: 1}, st.History(), logx.Nop())
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()

	updates := make(chan model.CategoryUpdate, 4)
	p := NewPipeline(updates, sup, NewFilter(repo, nil, logx.Nop()), disp, bus, time.Second, logx.Nop())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = p.Run(ctx)
	}()

	at := time.Now()
	carrot := model.StockItem{ID: "carrot", Name: "Carrot", Quantity: 5, ObservedAt: at}
	updates <- model.CategoryUpdate{Category: "seeds", Items: []model.StockItem{carrot}, SourceID: "primary", At: at}

	waitCalls := func(want int) {
		t.Helper()
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			if len(prov.callSizes()) == want {
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
		t.Fatalf("provider calls = %d, want %d", len(prov.callSizes()), want)
	}
	waitCalls(1)

	// Identical appearance again: broadcast still happens, dispatch does not.
	carrot.ObservedAt = at.Add(time.Second)
	updates <- model.CategoryUpdate{Category: "seeds", Items: []model.StockItem{carrot}, SourceID: "primary", At: carrot.ObservedAt}

	// New quantity re-opens announcements.
	restock := carrot
	restock.Quantity = 20
	restock.ObservedAt = at.Add(2 * time.Second)
	updates <- model.CategoryUpdate{Category: "seeds", Items: []model.StockItem{restock}, SourceID: "primary", At: restock.ObservedAt}
	waitCalls(2)

	var types []string
	deadline := time.After(2 * time.Second)
	for len(types) < 5 {
		select {
		case ev := <-events:
			types = append(types, ev.Type)
		case <-deadline:
			t.Fatalf("bus events = %v, want 3 updates + 2 summaries", types)
		}
	}
	var updatesSeen, summaries int
	for _, typ := range types {
		switch typ {
		case "stock.update":
			updatesSeen++
		case "dispatch.summary":
			summaries++
		}
	}
	if updatesSeen != 3 || summaries != 2 {
		t.Fatalf("bus events = %v", types)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pipeline did not stop")
	}
}
