package app

import (
	"context"
	"time"

	"stockwatch/internal/eventbus"
	"stockwatch/internal/feed"
	"stockwatch/internal/notify"
	"stockwatch/internal/reconcile"
	"stockwatch/internal/runtime/supervisor"
	"stockwatch/internal/sched"
	"stockwatch/internal/suppress"
)

// Health is the aggregated ops snapshot, published periodically on the
// event bus and exposed for external surfaces to render.
type Health struct {
	GeneratedAt time.Time           `json:"generated_at"`
	Feeds       []feed.Health       `json:"feeds"`
	Reconcile   reconcile.Stats     `json:"reconcile"`
	Suppress    suppress.Stats      `json:"suppress"`
	Dispatch    notify.Summary      `json:"dispatch"`
	SchedRuns   []sched.Run         `json:"sched_runs,omitempty"`
	Goroutines  supervisor.Snapshot `json:"goroutines"`
	BusEvicted  uint64              `json:"bus_evicted"`
}

func (a *App) Health() Health {
	a.mu.Lock()
	adapters := a.adapters
	rec := a.rec
	sup := a.sup
	suppressor := a.suppressor
	dispatcher := a.dispatcher
	schedSvc := a.schedSvc
	a.mu.Unlock()

	h := Health{GeneratedAt: time.Now(), BusEvicted: a.bus.Evicted()}
	for _, ad := range adapters {
		h.Feeds = append(h.Feeds, ad.Health())
	}
	if rec != nil {
		h.Reconcile = rec.Stats()
	}
	if suppressor != nil {
		h.Suppress = suppressor.Stats()
	}
	if dispatcher != nil {
		h.Dispatch = dispatcher.Last()
	}
	if schedSvc != nil {
		h.SchedRuns = schedSvc.History()
	}
	if sup != nil {
		h.Goroutines = sup.Snapshot()
	}
	return h
}

func (a *App) healthReporter(ctx context.Context) {
	ticker := time.NewTicker(healthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h := a.Health()
			a.bus.Publish(eventbus.Event{Type: "ops.health", Time: h.GeneratedAt, Data: h})
		}
	}
}
