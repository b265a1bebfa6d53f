package notify

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"stockwatch/internal/model"
	"stockwatch/internal/provider"
	"stockwatch/internal/storage"
	logx "stockwatch/pkg/logx"
)

// fakeProvider scripts per-call outcomes and records every call it sees.
type fakeProvider struct {
	mu     sync.Mutex
	name   string
	limit  int
	calls  [][]string
	script func(call int, b provider.Batch) (provider.Result, error)
}

func (p *fakeProvider) Name() string    { return p.name }
func (p *fakeProvider) BatchLimit() int { return p.limit }

func (p *fakeProvider) Send(ctx context.Context, b provider.Batch) (provider.Result, error) {
	p.mu.Lock()
	call := len(p.calls)
	p.calls = append(p.calls, append([]string(nil), b.Recipients...))
	script := p.script
	p.mu.Unlock()
	if script == nil {
		return provider.Result{}, nil
	}
	return script(call, b)
}

func (p *fakeProvider) callSizes() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	sizes := make([]int, len(p.calls))
	for i, c := range p.calls {
		sizes[i] = len(c)
	}
	return sizes
}

func newRecipientRepo(t *testing.T, n int, channel string) storage.RecipientRepo {
	t.Helper()
	st, err := storage.Open(context.Background(), storage.Config{Driver: "memory"}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	repo := st.Recipients()
	for i := 0; i < n; i++ {
		r := model.Recipient{
			ID:          fmt.Sprintf("r%04d", i),
			Channel:     channel,
			Active:      true,
			Preferences: map[string]bool{"category:seeds": true},
		}
		if err := repo.Upsert(context.Background(), r); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}
	return repo
}

func targetsFor(n int, channel string) []model.Target {
	out := make([]model.Target, n)
	for i := range out {
		out[i] = model.Target{RecipientID: fmt.Sprintf("r%04d", i), Channel: channel}
	}
	return out
}

func testDispatcher(t *testing.T, cfg DispatcherConfig, prov *fakeProvider, repo storage.RecipientRepo) *Dispatcher {
	t.Helper()
	outcomes := NewOutcomes(repo, 5, logx.Nop())
	return NewDispatcher(cfg, map[string]provider.Provider{prov.name: prov}, outcomes, logx.Nop())
}

func TestDispatchChunking(t *testing.T) {
	t.Parallel()

	prov := &fakeProvider{name: "push"}
	repo := newRecipientRepo(t, 5000, "push")
	d := testDispatcher(t, DispatcherConfig{BatchSize: 2000, MaxInFlight: 5}, prov, repo)

	sum := d.Dispatch(context.Background(), model.NotificationJob{
		Key:     "job-1",
		Title:   "Carrot in stock",
		Targets: targetsFor(5000, "push"),
	})

	if sum.Batches != 3 {
		t.Fatalf("batches = %d, want 3", sum.Batches)
	}
	if sum.Succeeded != 5000 || sum.Failed != 0 {
		t.Fatalf("succeeded/failed = %d/%d, want 5000/0", sum.Succeeded, sum.Failed)
	}
	if rate := sum.SuccessRate(); rate != 1 {
		t.Fatalf("success rate = %v, want 1", rate)
	}

	sizes := prov.callSizes()
	if len(sizes) != 3 {
		t.Fatalf("provider calls = %d, want 3", len(sizes))
	}
	total := 0
	seen := make(map[string]int)
	prov.mu.Lock()
	for _, call := range prov.calls {
		total += len(call)
		for _, id := range call {
			seen[id]++
		}
	}
	prov.mu.Unlock()
	if total != 5000 {
		t.Fatalf("recipients across calls = %d, want 5000", total)
	}
	for id, n := range seen {
		if n != 1 {
			t.Fatalf("recipient %s sent %d times", id, n)
		}
	}
}

func TestDispatchProviderBatchLimitWins(t *testing.T) {
	t.Parallel()

	prov := &fakeProvider{name: "push", limit: 30}
	repo := newRecipientRepo(t, 100, "push")
	d := testDispatcher(t, DispatcherConfig{BatchSize: 2000}, prov, repo)

	sum := d.Dispatch(context.Background(), model.NotificationJob{Targets: targetsFor(100, "push")})
	if sum.Batches != 4 {
		t.Fatalf("batches = %d, want 4 (ceil(100/30))", sum.Batches)
	}
}

func TestDispatchPermanentFailureNotRetried(t *testing.T) {
	t.Parallel()

	prov := &fakeProvider{
		name: "push",
		script: func(int, provider.Batch) (provider.Result, error) {
			return provider.Result{}, &provider.StatusError{Code: 400, Body: "bad payload"}
		},
	}
	repo := newRecipientRepo(t, 100, "push")
	d := testDispatcher(t, DispatcherConfig{BatchSize: 2000, MaxAttempts: 3, RetryBase: time.Millisecond}, prov, repo)

	sum := d.Dispatch(context.Background(), model.NotificationJob{Targets: targetsFor(100, "push")})
	if got := len(prov.callSizes()); got != 1 {
		t.Fatalf("provider calls = %d, want 1 (no retry on permanent failure)", got)
	}
	if sum.Failed != 100 || sum.Succeeded != 0 {
		t.Fatalf("failed/succeeded = %d/%d, want 100/0", sum.Failed, sum.Succeeded)
	}

	// Each failure counted exactly once against recipient health.
	for _, id := range []string{"r0000", "r0050", "r0099"} {
		r, err := repo.Get(context.Background(), id)
		if err != nil {
			t.Fatalf("get %s: %v", id, err)
		}
		if r.FailureCount != 1 {
			t.Fatalf("recipient %s failure count = %d, want 1", id, r.FailureCount)
		}
		if !r.Active {
			t.Fatalf("recipient %s deactivated after a single failure", id)
		}
	}
}

func TestDispatchTransientRetry(t *testing.T) {
	t.Parallel()

	prov := &fakeProvider{
		name: "push",
		script: func(call int, _ provider.Batch) (provider.Result, error) {
			if call < 2 {
				return provider.Result{}, &provider.StatusError{Code: 503}
			}
			return provider.Result{}, nil
		},
	}
	repo := newRecipientRepo(t, 10, "push")
	d := testDispatcher(t, DispatcherConfig{MaxAttempts: 3, RetryBase: time.Millisecond}, prov, repo)

	sum := d.Dispatch(context.Background(), model.NotificationJob{Targets: targetsFor(10, "push")})
	if got := len(prov.callSizes()); got != 3 {
		t.Fatalf("provider calls = %d, want 3", got)
	}
	if sum.Succeeded != 10 || sum.Failed != 0 {
		t.Fatalf("succeeded/failed = %d/%d, want 10/0", sum.Succeeded, sum.Failed)
	}
}

func TestDispatchTransientExhaustion(t *testing.T) {
	t.Parallel()

	prov := &fakeProvider{
		name: "push",
		script: func(int, provider.Batch) (provider.Result, error) {
			return provider.Result{}, &provider.StatusError{Code: 500}
		},
	}
	repo := newRecipientRepo(t, 10, "push")
	d := testDispatcher(t, DispatcherConfig{MaxAttempts: 3, RetryBase: time.Millisecond}, prov, repo)

	sum := d.Dispatch(context.Background(), model.NotificationJob{Targets: targetsFor(10, "push")})
	if got := len(prov.callSizes()); got != 3 {
		t.Fatalf("provider calls = %d, want 3 (attempts exhausted)", got)
	}
	if sum.Failed != 10 {
		t.Fatalf("failed = %d, want 10", sum.Failed)
	}
	r, err := repo.Get(context.Background(), "r0003")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if r.FailureCount != 1 {
		t.Fatalf("failure count = %d, want 1 (forwarded once, not per attempt)", r.FailureCount)
	}
}

func TestDispatchRejectionsSettlePerRecipient(t *testing.T) {
	t.Parallel()

	prov := &fakeProvider{
		name: "push",
		script: func(int, provider.Batch) (provider.Result, error) {
			return provider.Result{Rejected: []provider.Rejection{
				{RecipientID: "r0001", Class: model.FailureUnregistered},
				{RecipientID: "r0002", Class: model.FailureRejected},
			}}, nil
		},
	}
	repo := newRecipientRepo(t, 5, "push")
	d := testDispatcher(t, DispatcherConfig{}, prov, repo)

	sum := d.Dispatch(context.Background(), model.NotificationJob{Targets: targetsFor(5, "push")})
	if sum.Succeeded != 3 || sum.Failed != 2 {
		t.Fatalf("succeeded/failed = %d/%d, want 3/2", sum.Succeeded, sum.Failed)
	}

	unregistered, _ := repo.Get(context.Background(), "r0001")
	if unregistered.Active {
		t.Fatal("unregistered endpoint must deactivate immediately")
	}
	rejected, _ := repo.Get(context.Background(), "r0002")
	if !rejected.Active || rejected.FailureCount != 1 {
		t.Fatalf("rejected recipient = active %v count %d, want active with count 1", rejected.Active, rejected.FailureCount)
	}
	ok, _ := repo.Get(context.Background(), "r0000")
	if ok.FailureCount != 0 || ok.LastDeliveryAt.IsZero() {
		t.Fatalf("delivered recipient not settled: %+v", ok)
	}
}

func TestOutcomesUnregisteredDeactivates(t *testing.T) {
	t.Parallel()

	repo := newRecipientRepo(t, 1, "push")
	o := NewOutcomes(repo, 5, logx.Nop())
	ctx := context.Background()

	o.Failure(ctx, "r0000", model.FailureUnregistered)
	r, _ := repo.Get(ctx, "r0000")
	if r.Active {
		t.Fatal("unregistered endpoint must deactivate on the first failure")
	}
	if r.FailureCount != 1 {
		t.Fatalf("failure count = %d, want 1 (counted before deactivation)", r.FailureCount)
	}
}

func TestOutcomesThresholdDeactivates(t *testing.T) {
	t.Parallel()

	repo := newRecipientRepo(t, 1, "push")
	o := NewOutcomes(repo, 3, logx.Nop())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		o.Failure(ctx, "r0000", model.FailureRejected)
	}
	r, _ := repo.Get(ctx, "r0000")
	if !r.Active {
		t.Fatal("deactivated before threshold")
	}

	// A success resets the counter.
	o.Success(ctx, "r0000", time.Now())
	r, _ = repo.Get(ctx, "r0000")
	if r.FailureCount != 0 {
		t.Fatalf("failure count after success = %d, want 0", r.FailureCount)
	}

	for i := 0; i < 3; i++ {
		o.Failure(ctx, "r0000", model.FailureRejected)
	}
	r, _ = repo.Get(ctx, "r0000")
	if r.Active {
		t.Fatal("not deactivated at threshold")
	}
}
