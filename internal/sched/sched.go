// Package sched hosts the recurring maintenance jobs (daily suppression
// reset, history compaction) on a shared cron runner.
//
// Jobs are panic-recovered and overlap-skipping: a trigger that fires while
// the previous run is still going is skipped, not queued.
package sched

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	logx "stockwatch/pkg/logx"
)

const historySize = 32

// Config tunes the service.
type Config struct {
	// Timezone is an IANA name for cron triggers; empty means local time.
	Timezone string
}

// Run is one finished job execution, kept in a small ring for the ops view.
type Run struct {
	Job       string        `json:"job"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Err       string        `json:"err,omitempty"`
	Skipped   bool          `json:"skipped,omitempty"`
}

// Service wraps a cron runner. Register jobs before Start.
type Service struct {
	log    logx.Logger
	parser cron.Parser
	loc    *time.Location
	c      *cron.Cron

	mu      sync.Mutex
	history []Run
	started bool

	runCtx context.Context
}

func New(cfg Config, log logx.Logger) (*Service, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	loc := time.Local
	if cfg.Timezone != "" {
		var err error
		loc, err = time.LoadLocation(cfg.Timezone)
		if err != nil {
			return nil, err
		}
	}
	s := &Service{
		log: log.With(logx.String("svc", "sched")),
		loc: loc,
		// SecondOptional allows both 5-field and 6-field cron specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))
	return s, nil
}

// Register adds a recurring job. The job receives the service's run context,
// so a daemon shutdown cancels in-flight runs.
func (s *Service) Register(name, spec string, job func(ctx context.Context) error) error {
	if _, err := s.parser.Parse(spec); err != nil {
		return err
	}
	var running atomic.Bool
	_, err := s.c.AddFunc(spec, func() {
		if !running.CompareAndSwap(false, true) {
			s.log.Warn("job still running; trigger skipped", logx.String("job", name))
			s.push(Run{Job: name, StartedAt: time.Now(), Skipped: true})
			return
		}
		defer running.Store(false)
		s.run(name, job)
	})
	if err != nil {
		return err
	}
	s.log.Info("job registered", logx.String("job", name), logx.String("spec", spec), logx.String("tz", s.loc.String()))
	return nil
}

func (s *Service) run(name string, job func(ctx context.Context) error) {
	s.mu.Lock()
	ctx := s.runCtx
	s.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	start := time.Now()
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("panic in scheduled job",
					logx.String("job", name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			}
		}()
		err = job(ctx)
	}()

	run := Run{Job: name, StartedAt: start, Duration: time.Since(start)}
	if err != nil {
		run.Err = err.Error()
		s.log.Warn("scheduled job failed", logx.String("job", name), logx.Err(err), logx.Duration("dur", run.Duration))
	} else {
		s.log.Debug("scheduled job finished", logx.String("job", name), logx.Duration("dur", run.Duration))
	}
	s.push(run)
}

func (s *Service) push(r Run) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, r)
	if len(s.history) > historySize {
		s.history = s.history[len(s.history)-historySize:]
	}
}

// History returns the recent run ring, newest last.
func (s *Service) History() []Run {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Run(nil), s.history...)
}

// Start begins firing triggers. Returns immediately.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.runCtx = ctx
	s.mu.Unlock()
	s.c.Start()
	s.log.Info("scheduler started", logx.String("tz", s.loc.String()))
}

// Stop halts triggers and waits for in-flight runs, bounded by ctx.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()

	done := s.c.Stop().Done()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("scheduler stop timed out; abandoning in-flight jobs")
	}
	s.log.Info("scheduler stopped")
}
