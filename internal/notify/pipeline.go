package notify

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"stockwatch/internal/eventbus"
	"stockwatch/internal/model"
	"stockwatch/internal/suppress"
	logx "stockwatch/pkg/logx"
)

// Allower is the duplicate-suppression gate in front of announcements.
type Allower interface {
	Allow(category, itemID string, quantity int, at time.Time) bool
}

var _ Allower = (*suppress.Suppressor)(nil)

// Pipeline consumes merged category updates and turns them into delivered
// notifications: suppression gate, preference filter, batch dispatch, plus a
// broadcast of every update (and every cycle summary) on the event bus.
type Pipeline struct {
	updates    <-chan model.CategoryUpdate
	suppressor Allower
	filter     *Filter
	dispatcher *Dispatcher
	bus        eventbus.Bus
	log        logx.Logger

	// DrainTimeout bounds in-flight dispatch work after shutdown begins.
	drainTimeout time.Duration
}

func NewPipeline(updates <-chan model.CategoryUpdate, sup Allower, filter *Filter, disp *Dispatcher, bus eventbus.Bus, drainTimeout time.Duration, log logx.Logger) *Pipeline {
	if log.IsZero() {
		log = logx.Nop()
	}
	if drainTimeout <= 0 {
		drainTimeout = 15 * time.Second
	}
	return &Pipeline{
		updates:      updates,
		suppressor:   sup,
		filter:       filter,
		dispatcher:   disp,
		bus:          bus,
		drainTimeout: drainTimeout,
		log:          log.With(logx.String("svc", "pipeline")),
	}
}

// Run processes updates until ctx is canceled.
func (p *Pipeline) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case u := <-p.updates:
			p.handle(ctx, u)
		}
	}
}

func (p *Pipeline) handle(ctx context.Context, u model.CategoryUpdate) {
	p.bus.Publish(eventbus.Event{Type: "stock.update", Time: u.At, Data: u})

	if len(u.Items) == 0 {
		// Expiry sweeps announce removals to observers only.
		return
	}

	announce := u.Items[:0:0]
	for _, it := range u.Items {
		if !p.suppressor.Allow(u.Category, it.ID, it.Quantity, it.ObservedAt) {
			continue
		}
		announce = append(announce, it)
	}
	if len(announce) == 0 {
		return
	}

	for _, it := range announce {
		byChannel, err := p.filter.TargetsForItem(ctx, u.Category, it.ID)
		if err != nil {
			p.log.Warn("target resolution failed",
				logx.Err(err), logx.String("category", u.Category), logx.String("item", it.ID))
			continue
		}
		targets := flatten(byChannel)
		if len(targets) == 0 {
			continue
		}

		job := model.NotificationJob{
			Title:   itemTitle(it),
			Body:    itemBody(u.Category, it),
			Payload: map[string]string{"category": u.Category, "item": it.ID},
			Targets: targets,
		}

		// Detached from ctx so a shutdown mid-cycle drains in-flight
		// batches instead of dropping them. The drain deadline starts
		// only when ctx is canceled; a healthy cycle keeps its full
		// retry budget.
		dispatchCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		stop := context.AfterFunc(ctx, func() {
			time.AfterFunc(p.drainTimeout, cancel)
		})
		sum := p.dispatcher.Dispatch(dispatchCtx, job)
		stop()
		cancel()

		p.bus.Publish(eventbus.Event{Type: "dispatch.summary", Time: time.Now(), Data: sum})
	}
}

func flatten(byChannel map[string][]model.Target) []model.Target {
	channels := make([]string, 0, len(byChannel))
	for ch := range byChannel {
		channels = append(channels, ch)
	}
	sort.Strings(channels)
	var out []model.Target
	for _, ch := range channels {
		out = append(out, byChannel[ch]...)
	}
	return out
}

func itemTitle(it model.StockItem) string {
	name := it.Name
	if name == "" {
		name = it.ID
	}
	if it.Quantity == 0 {
		return fmt.Sprintf("%s is out of stock", name)
	}
	return fmt.Sprintf("%s in stock", name)
}

func itemBody(category string, it model.StockItem) string {
	name := it.Name
	if name == "" {
		name = it.ID
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s x%d", category, name, it.Quantity)
	if !it.ExpiresAt.IsZero() {
		fmt.Fprintf(&b, " (until %s)", it.ExpiresAt.UTC().Format("15:04 MST"))
	}
	return b.String()
}
