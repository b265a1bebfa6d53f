// Package app wires the daemon together: config, storage, feed adapters,
// the reconcile/suppress/notify pipeline, scheduling, and live reload.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"stockwatch/internal/config"
	"stockwatch/internal/eventbus"
	"stockwatch/internal/feed"
	"stockwatch/internal/notify"
	"stockwatch/internal/provider"
	"stockwatch/internal/reconcile"
	"stockwatch/internal/runtime/supervisor"
	"stockwatch/internal/sched"
	"stockwatch/internal/storage"
	"stockwatch/internal/suppress"
	logx "stockwatch/pkg/logx"
)

const healthInterval = 30 * time.Second

// App is one daemon instance.
type App struct {
	cfgMgr *config.ConfigManager
	logSvc *logx.Service
	log    logx.Logger
	bus    eventbus.Bus
	pprof  *pprofServer

	mu           sync.Mutex
	adapters     []*feed.Adapter
	rec          *reconcile.Reconciler
	sup          *supervisor.Supervisor
	suppressor   *suppress.Suppressor
	dispatcher   *notify.Dispatcher
	schedSvc     *sched.Service
	filter       *notify.Filter
	prefInterval time.Duration
}

// New parses and validates the config and builds the logging service. The
// rest of the wiring happens in Run.
func New(cfgPath string) (*App, error) {
	mgr := config.NewConfigManager(cfgPath)
	cfg, err := mgr.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if _, err := buildSettings(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File:    logx.FileConfig{Enabled: cfg.Logging.File.Enabled, Path: cfg.Logging.File.Path},
	})
	mgr.SetLogger(log.With(logx.String("svc", "config")))

	return &App{
		cfgMgr: mgr,
		logSvc: logSvc,
		log:    log,
		bus:    eventbus.New(),
		pprof:  newPprofServer(log),
	}, nil
}

// Bus exposes the event bus for external observers (UI/ops layers).
func (a *App) Bus() eventbus.Bus { return a.bus }

// UpdatePreferences applies a recipient's preference changes under the
// configured rate limit. It is the entry point for the external UI/API
// layer; callers never choose the interval themselves.
func (a *App) UpdatePreferences(ctx context.Context, recipientID string, changes map[string]bool) error {
	a.mu.Lock()
	filter, interval := a.filter, a.prefInterval
	a.mu.Unlock()
	if filter == nil {
		return errors.New("app not running")
	}
	return filter.UpdatePreferences(ctx, recipientID, changes, interval)
}

// Run builds the pipeline and blocks until ctx is canceled, then shuts down
// gracefully. It returns the first fatal component error, if any.
func (a *App) Run(ctx context.Context) error {
	cfg := a.cfgMgr.Get()
	st, err := buildSettings(cfg)
	if err != nil {
		return err
	}

	store, err := storage.Open(ctx, st.storage, a.log)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	// Feed adapters and the source map for admission decisions.
	adapters := make([]*feed.Adapter, 0, len(st.feeds))
	sources := make(map[string]reconcile.Source, len(st.feeds))
	for _, fs := range st.feeds {
		dialer, err := buildDialer(fs)
		if err != nil {
			return err
		}
		ad := feed.NewAdapter(fs.Config, dialer, feed.JSONCodec{}, a.log)
		adapters = append(adapters, ad)
		sources[fs.Name] = ad
	}

	rec := reconcile.New(st.merge, sources, store.Snapshots(), a.log)
	if err := rec.Start(ctx); err != nil {
		return fmt.Errorf("reconciler: %w", err)
	}

	suppressor := suppress.New(st.suppress, store.History(), a.log)
	if err := suppressor.Replay(ctx); err != nil {
		return fmt.Errorf("replay suppression history: %w", err)
	}

	providers, err := buildProviders(cfg, a.log)
	if err != nil {
		return err
	}
	outcomes := notify.NewOutcomes(store.Recipients(), st.deactivateAfter, a.log)
	dispatcher := notify.NewDispatcher(st.dispatch, providers, outcomes, a.log)
	filter := notify.NewFilter(store.Recipients(), st.aliases, a.log)
	pipeline := notify.NewPipeline(rec.Updates(), suppressor, filter, dispatcher, a.bus, st.drainTimeout, a.log)

	schedSvc, err := sched.New(sched.Config{Timezone: st.timezone}, a.log)
	if err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	if len(st.resetCategories) > 0 {
		cats := st.resetCategories
		if err := schedSvc.Register("suppress-reset", st.resetCron, func(ctx context.Context) error {
			return suppressor.Reset(ctx, cats)
		}); err != nil {
			return fmt.Errorf("register suppress-reset: %w", err)
		}
	}
	retention := st.historyRetention
	if err := schedSvc.Register("history-compact", st.compactCron, func(ctx context.Context) error {
		return store.History().DeleteBefore(ctx, time.Now().Add(-retention))
	}); err != nil {
		return fmt.Errorf("register history-compact: %w", err)
	}

	sup := supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	a.mu.Lock()
	a.adapters = adapters
	a.rec = rec
	a.sup = sup
	a.suppressor = suppressor
	a.dispatcher = dispatcher
	a.schedSvc = schedSvc
	a.filter = filter
	a.prefInterval = st.minUpdateInterval
	a.mu.Unlock()

	a.cfgMgr.SetValidator(a.validateReload)

	for _, ad := range adapters {
		ad := ad
		sup.Go("feed/"+ad.Name(), ad.Run)
		sup.Go0("forward/"+ad.Name(), func(ctx context.Context) {
			a.forward(ctx, ad, rec)
		})
	}
	sup.Go("suppress-writer", suppressor.Run)
	sup.Go("pipeline", pipeline.Run)
	sup.GoRestart("config-watch", a.cfgMgr.Watch)
	sup.Go0("config-apply", a.applyReloads)
	sup.Go0("health-report", a.healthReporter)

	schedSvc.Start(sup.Context())
	a.pprof.Apply(ctx, cfg.Pprof)

	a.log.Info("daemon started",
		logx.Int("feeds", len(adapters)),
		logx.String("storage", st.storage.Driver),
		logx.Int("providers", len(providers)))

	<-ctx.Done()
	a.log.Info("shutdown requested")

	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	schedSvc.Stop(stopCtx)
	err = sup.Stop(stopCtx)
	rec.Wait()
	a.pprof.Stop(stopCtx)
	a.logSvc.Close()
	return err
}

// forward drains one adapter's queue into the reconciler, preserving
// per-source order.
func (a *App) forward(ctx context.Context, ad *feed.Adapter, rec *reconcile.Reconciler) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-ad.Events():
			if err := rec.Offer(ctx, ev); err != nil {
				return
			}
		}
	}
}

func buildDialer(fs feedSettings) (feed.Dialer, error) {
	switch fs.Kind {
	case "poll":
		return &feed.PollDialer{URL: fs.URL, Interval: fs.Interval}, nil
	case "sim":
		return &feed.SimDialer{Loop: true}, nil
	default:
		return nil, fmt.Errorf("feed %s: unknown kind %q", fs.Name, fs.Kind)
	}
}

func buildProviders(cfg *config.Config, log logx.Logger) (map[string]provider.Provider, error) {
	providers := make(map[string]provider.Provider)
	if hp := cfg.Provider.HTTPPush; hp != nil && hp.Enabled {
		timeout, err := config.ParseDurationField("providers.httppush.timeout", hp.Timeout)
		if err != nil {
			return nil, err
		}
		p, err := provider.NewHTTPPush(provider.HTTPPushConfig{
			URL:        hp.URL,
			Token:      hp.Token,
			BatchLimit: hp.BatchLimit,
			Timeout:    timeout,
		}, log)
		if err != nil {
			return nil, fmt.Errorf("providers.httppush: %w", err)
		}
		providers[p.Name()] = p
	}
	if tg := cfg.Provider.Telegram; tg != nil && tg.Enabled {
		p, err := provider.NewTelegram(provider.TelegramConfig{
			Token:      tg.Token,
			BatchLimit: tg.BatchLimit,
		}, log)
		if err != nil {
			return nil, fmt.Errorf("providers.telegram: %w", err)
		}
		providers[p.Name()] = p
	}
	if len(providers) == 0 {
		log.Warn("no notification providers enabled; dispatch cycles will skip all targets")
	}
	return providers, nil
}
