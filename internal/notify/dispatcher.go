package notify

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"stockwatch/internal/model"
	"stockwatch/internal/provider"
	logx "stockwatch/pkg/logx"
)

// DispatcherConfig tunes the batch dispatcher. All fields are
// live-reloadable through Retune.
type DispatcherConfig struct {
	// BatchSize caps recipients per provider call (providers may lower it
	// further via BatchLimit).
	BatchSize int
	// MaxInFlight bounds concurrent provider calls across all chunks.
	MaxInFlight int
	// MaxAttempts is the total tries per chunk for transient failures.
	MaxAttempts int
	RetryBase   time.Duration
	RetryMax    time.Duration
	CallTimeout time.Duration
	// RatePerSec throttles provider calls; zero disables the limiter.
	RatePerSec int
}

func (c DispatcherConfig) withDefaults() DispatcherConfig {
	if c.BatchSize <= 0 {
		c.BatchSize = 2000
	}
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = 5
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 250 * time.Millisecond
	}
	if c.RetryMax < c.RetryBase {
		c.RetryMax = 5 * time.Second
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 10 * time.Second
	}
	return c
}

// Summary aggregates one dispatch cycle.
type Summary struct {
	Job       string        `json:"job"`
	Targeted  int           `json:"targeted"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Batches   int           `json:"batches"`
	Duration  time.Duration `json:"duration"`
	StartedAt time.Time     `json:"started_at"`
}

func (s Summary) SuccessRate() float64 {
	if s.Targeted == 0 {
		return 1
	}
	return float64(s.Succeeded) / float64(s.Targeted)
}

// Dispatcher fans one notification job out over the channel providers in
// fixed-size chunks. A chunk failure never aborts or delays its siblings;
// delivery is at-most-once per attempt with no persisted retry log.
type Dispatcher struct {
	providers map[string]provider.Provider
	outcomes  *Outcomes
	log       logx.Logger

	mu      sync.Mutex
	cfg     DispatcherConfig
	limiter *rate.Limiter

	lastMu sync.Mutex
	last   Summary
}

func NewDispatcher(cfg DispatcherConfig, providers map[string]provider.Provider, outcomes *Outcomes, log logx.Logger) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	d := &Dispatcher{
		providers: providers,
		outcomes:  outcomes,
		log:       log.With(logx.String("svc", "dispatch")),
		cfg:       cfg,
	}
	d.limiter = newLimiter(cfg.RatePerSec)
	return d
}

func newLimiter(perSec int) *rate.Limiter {
	if perSec <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(perSec), perSec)
}

// Retune applies new tuning. In-flight cycles keep the snapshot they
// started with.
func (d *Dispatcher) Retune(cfg DispatcherConfig) {
	cfg = cfg.withDefaults()
	d.mu.Lock()
	changed := cfg != d.cfg
	d.cfg = cfg
	d.limiter = newLimiter(cfg.RatePerSec)
	d.mu.Unlock()
	if changed {
		d.log.Info("dispatcher retuned",
			logx.Int("batch_size", cfg.BatchSize),
			logx.Int("max_in_flight", cfg.MaxInFlight),
			logx.Int("max_attempts", cfg.MaxAttempts))
	}
}

// Last returns the most recent cycle summary, for the ops snapshot.
func (d *Dispatcher) Last() Summary {
	d.lastMu.Lock()
	defer d.lastMu.Unlock()
	return d.last
}

// Dispatch runs one cycle to completion (or until ctx expires, abandoning
// the chunks still in flight). It returns the aggregate summary.
func (d *Dispatcher) Dispatch(ctx context.Context, job model.NotificationJob) Summary {
	// Snapshot mutable tuning so Retune cannot race a running cycle.
	d.mu.Lock()
	cfg := d.cfg
	lim := d.limiter
	d.mu.Unlock()

	if job.Key == "" {
		job.Key = uuid.NewString()
	}
	start := time.Now()
	sum := Summary{Job: job.Key, Targeted: len(job.Targets), StartedAt: start}

	type chunk struct {
		prov provider.Provider
		ids  []string
	}
	var chunks []chunk
	for channel, ids := range partitionTargets(job.Targets) {
		prov, ok := d.providers[channel]
		if !ok {
			d.log.Warn("no provider for channel; targets skipped",
				logx.String("job", job.Key), logx.String("channel", channel), logx.Int("targets", len(ids)))
			sum.Failed += len(ids)
			continue
		}
		size := cfg.BatchSize
		if bl := prov.BatchLimit(); bl > 0 && bl < size {
			size = bl
		}
		for off := 0; off < len(ids); off += size {
			end := off + size
			if end > len(ids) {
				end = len(ids)
			}
			chunks = append(chunks, chunk{prov: prov, ids: ids[off:end]})
		}
	}
	sum.Batches = len(chunks)

	if len(chunks) == 0 {
		sum.Duration = time.Since(start)
		d.record(sum)
		return sum
	}

	d.log.Info("dispatch cycle started",
		logx.String("job", job.Key), logx.Int("targets", sum.Targeted), logx.Int("batches", sum.Batches))

	var (
		wg        sync.WaitGroup
		resMu     sync.Mutex
		succeeded int
		failed    int
	)
	sem := make(chan struct{}, cfg.MaxInFlight)
	for _, c := range chunks {
		c := c
		wg.Add(1)
		go func() {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				d.log.Warn("batch abandoned on shutdown",
					logx.String("job", job.Key), logx.String("provider", c.prov.Name()), logx.Int("targets", len(c.ids)))
				resMu.Lock()
				failed += len(c.ids)
				resMu.Unlock()
				return
			}
			ok, bad := d.sendChunk(ctx, cfg, lim, c.prov, job, c.ids)
			resMu.Lock()
			succeeded += ok
			failed += bad
			resMu.Unlock()
		}()
	}
	wg.Wait()

	sum.Succeeded = succeeded
	sum.Failed = failed
	sum.Duration = time.Since(start)
	d.record(sum)

	fields := []logx.Field{
		logx.String("job", job.Key),
		logx.Int("targeted", sum.Targeted),
		logx.Int("succeeded", sum.Succeeded),
		logx.Int("failed", sum.Failed),
		logx.Int("batches", sum.Batches),
		logx.Duration("dur", sum.Duration),
	}
	if sum.Failed > 0 {
		d.log.Warn("dispatch cycle finished with failures", fields...)
	} else {
		d.log.Info("dispatch cycle finished", fields...)
	}
	return sum
}

func partitionTargets(targets []model.Target) map[string][]string {
	out := make(map[string][]string)
	for _, t := range targets {
		out[t.Channel] = append(out[t.Channel], t.RecipientID)
	}
	return out
}

// sendChunk delivers one chunk, retrying transient failures with strictly
// increasing backoff. It returns the succeeded/failed recipient counts and
// records per-recipient outcomes exactly once.
func (d *Dispatcher) sendChunk(ctx context.Context, cfg DispatcherConfig, lim *rate.Limiter, prov provider.Provider, job model.NotificationJob, ids []string) (succeeded, failed int) {
	batch := provider.Batch{Recipients: ids, Title: job.Title, Body: job.Body, Payload: job.Payload}

	var last error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if lim != nil {
			if err := lim.Wait(ctx); err != nil {
				return d.abandon(job, prov, ids, err)
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, cfg.CallTimeout)
		res, err := prov.Send(callCtx, batch)
		cancel()
		if err == nil {
			return d.settle(ctx, job, ids, res)
		}
		last = err

		if ctx.Err() != nil {
			return d.abandon(job, prov, ids, ctx.Err())
		}
		if provider.Classify(err) == provider.ClassPermanent || attempt == cfg.MaxAttempts {
			break
		}

		delay := cfg.RetryBase << (attempt - 1)
		if delay > cfg.RetryMax {
			delay = cfg.RetryMax
		}
		d.log.Debug("batch retry scheduled",
			logx.String("job", job.Key), logx.String("provider", prov.Name()),
			logx.Int("attempt", attempt+1), logx.Duration("delay", delay), logx.Err(err))
		tmr := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			if !tmr.Stop() {
				<-tmr.C
			}
			return d.abandon(job, prov, ids, ctx.Err())
		case <-tmr.C:
		}
	}

	d.log.Warn("batch failed",
		logx.String("job", job.Key), logx.String("provider", prov.Name()),
		logx.Int("targets", len(ids)), logx.Err(last))
	bg := context.WithoutCancel(ctx)
	for _, id := range ids {
		d.outcomes.Failure(bg, id, model.FailureRejected)
	}
	return 0, len(ids)
}

// settle records outcomes for an accepted call: listed rejections fail,
// everyone else succeeded.
func (d *Dispatcher) settle(ctx context.Context, job model.NotificationJob, ids []string, res provider.Result) (succeeded, failed int) {
	bg := context.WithoutCancel(ctx)
	now := time.Now()

	rejected := make(map[string]model.FailureClass, len(res.Rejected))
	for _, rej := range res.Rejected {
		rejected[rej.RecipientID] = rej.Class
	}
	for _, id := range ids {
		if class, ok := rejected[id]; ok {
			d.outcomes.Failure(bg, id, class)
			failed++
			continue
		}
		d.outcomes.Success(bg, id, now)
		succeeded++
	}
	return succeeded, failed
}

// abandon counts a chunk as failed without touching recipient health; a
// shutdown is not the recipient's fault.
func (d *Dispatcher) abandon(job model.NotificationJob, prov provider.Provider, ids []string, err error) (succeeded, failed int) {
	d.log.Warn("batch abandoned",
		logx.String("job", job.Key), logx.String("provider", prov.Name()),
		logx.Int("targets", len(ids)), logx.Err(err))
	return 0, len(ids)
}

func (d *Dispatcher) record(sum Summary) {
	d.lastMu.Lock()
	d.last = sum
	d.lastMu.Unlock()
}
