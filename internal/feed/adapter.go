package feed

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"stockwatch/internal/model"
	logx "stockwatch/pkg/logx"
)

// errDegradedTimeout forces the reconnect path after too long in Degraded.
var errDegradedTimeout = errors.New("degraded timeout")

// Adapter runs one feed: dial with capped backoff, read frames, decode,
// emit. Emission uses a bounded queue with a drop-oldest overflow policy so
// a slow consumer degrades delivery instead of stalling network reads.
type Adapter struct {
	cfg    Config
	dialer Dialer
	codec  Codec
	log    logx.Logger

	out chan model.StockEvent

	mu            sync.Mutex
	state         State
	degradedSince time.Time
	parseStreak   int
	lastEventAt   time.Time

	dropped    atomic.Uint64
	parseFails atomic.Uint64
	reconnects atomic.Uint64
}

func NewAdapter(cfg Config, dialer Dialer, codec Codec, log logx.Logger) *Adapter {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Adapter{
		cfg:    cfg,
		dialer: dialer,
		codec:  codec,
		log:    log.With(logx.String("feed", cfg.Name)),
		out:    make(chan model.StockEvent, cfg.QueueSize),
		state:  Disconnected,
	}
}

func (a *Adapter) Name() string  { return a.cfg.Name }
func (a *Adapter) Priority() int { return a.cfg.Priority }

// Events is the adapter's output queue. A dedicated consumer forwards it to
// the reconciler, preserving per-source order.
func (a *Adapter) Events() <-chan model.StockEvent { return a.out }

func (a *Adapter) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *Adapter) Health() Health {
	a.mu.Lock()
	state := a.state
	lastEvent := a.lastEventAt
	a.mu.Unlock()
	return Health{
		Name:        a.cfg.Name,
		Priority:    a.cfg.Priority,
		State:       state.String(),
		LastEventAt: lastEvent,
		Dropped:     a.dropped.Load(),
		ParseFails:  a.parseFails.Load(),
		Reconnects:  a.reconnects.Load(),
	}
}

func (a *Adapter) setState(s State) {
	a.mu.Lock()
	prev := a.state
	a.state = s
	if s == Degraded && prev != Degraded {
		a.degradedSince = time.Now()
	}
	a.mu.Unlock()
	if prev != s {
		a.log.Info("feed state changed", logx.String("from", prev.String()), logx.String("to", s.String()))
	}
}

// Run drives the connect/read/reconnect loop until ctx is canceled.
func (a *Adapter) Run(ctx context.Context) error {
	// Periodic drop summary; per-drop logging would be noise at volume.
	reportCtx, stopReport := context.WithCancel(ctx)
	defer stopReport()
	go a.dropReporter(reportCtx)

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	backoff := a.cfg.ReconnectMin

	for {
		if ctx.Err() != nil {
			a.setState(Disconnected)
			return nil
		}

		a.setState(Connecting)
		conn, err := a.dialer.Dial(ctx)
		if err != nil {
			a.setState(Disconnected)
			if ctx.Err() != nil {
				return nil
			}
			wait := backoff + time.Duration(rng.Int63n(int64(backoff/2)+1))
			a.log.Warn("feed dial failed", logx.Err(err), logx.Duration("backoff", wait))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(wait):
			}
			backoff *= 2
			if backoff > a.cfg.ReconnectMax {
				backoff = a.cfg.ReconnectMax
			}
			continue
		}

		// Handshake done.
		backoff = a.cfg.ReconnectMin
		a.setState(Connected)
		a.mu.Lock()
		a.parseStreak = 0
		a.mu.Unlock()

		err = a.readLoop(ctx, conn)
		_ = conn.Close()
		if ctx.Err() != nil {
			a.setState(Disconnected)
			return nil
		}
		a.reconnects.Add(1)
		a.setState(Disconnected)
		if err != nil && !errors.Is(err, errDegradedTimeout) {
			a.log.Warn("feed connection lost", logx.Err(err))
		}
	}
}

func (a *Adapter) readLoop(ctx context.Context, conn Conn) error {
	for {
		frame, err := conn.ReadFrame(ctx)
		if err != nil {
			return err
		}

		ev, err := a.codec.Decode(frame)
		if err != nil {
			a.parseFails.Add(1)
			if a.noteParseFailure() {
				a.log.Warn("feed degraded by parse failures", logx.Int("limit", a.cfg.ParseFailLimit), logx.Err(err))
			}
			if a.degradedTooLong() {
				a.log.Warn("feed degraded too long; forcing reconnect", logx.Duration("timeout", a.cfg.DegradedTimeout))
				return errDegradedTimeout
			}
			continue
		}

		a.noteParseSuccess()
		if ev.SourceID == "" {
			ev.SourceID = a.cfg.Name
		}
		if ev.At.IsZero() {
			ev.At = time.Now()
		}
		a.emit(ev)
	}
}

// noteParseFailure returns true on the transition into Degraded.
func (a *Adapter) noteParseFailure() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.parseStreak++
	if a.parseStreak >= a.cfg.ParseFailLimit && a.state == Connected {
		a.state = Degraded
		a.degradedSince = time.Now()
		return true
	}
	return false
}

func (a *Adapter) noteParseSuccess() {
	a.mu.Lock()
	recovered := a.state == Degraded
	a.parseStreak = 0
	if recovered {
		a.state = Connected
	}
	a.mu.Unlock()
	if recovered {
		a.log.Info("feed recovered from degraded state")
	}
}

func (a *Adapter) degradedTooLong() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state == Degraded && time.Since(a.degradedSince) > a.cfg.DegradedTimeout
}

// emit enqueues without blocking: on overflow the oldest queued event is
// dropped in favor of the new one, counted as a degradation signal.
func (a *Adapter) emit(ev model.StockEvent) {
	select {
	case a.out <- ev:
	default:
		select {
		case <-a.out:
			a.dropped.Add(1)
		default:
		}
		select {
		case a.out <- ev:
		default:
			a.dropped.Add(1)
		}
	}
	a.mu.Lock()
	a.lastEventAt = time.Now()
	a.mu.Unlock()
}

func (a *Adapter) dropReporter(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	var last uint64
	report := func() {
		total := a.dropped.Load()
		if n := total - last; n > 0 {
			a.log.Warn("feed events dropped (queue full)", logx.Uint64("count", n), logx.Int("queue_cap", cap(a.out)))
		}
		last = total
	}
	for {
		select {
		case <-ctx.Done():
			report()
			return
		case <-ticker.C:
			report()
		}
	}
}
