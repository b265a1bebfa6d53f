package app

import (
	"context"
	"fmt"

	"stockwatch/internal/config"
	logx "stockwatch/pkg/logx"
)

// validateReload gates config reloads. Sections that cannot be applied to a
// running pipeline (feed topology, storage driver) reject the reload; the
// daemon keeps the previous config and logs what a restart would pick up.
func (a *App) validateReload(ctx context.Context, cfg *config.Config) error {
	if _, err := buildSettings(cfg); err != nil {
		return err
	}
	old := a.cfgMgr.Get()
	if config.FeedTopologyChanged(old, cfg) {
		return fmt.Errorf("feed topology changed; restart required")
	}
	if config.StorageChanged(old, cfg) {
		return fmt.Errorf("storage config changed; restart required")
	}
	return nil
}

// applyReloads consumes validated config updates and hot-applies the
// tunable sections: log level/sinks, dispatcher tuning, suppression
// window/threshold, pprof.
func (a *App) applyReloads(ctx context.Context) {
	ch := a.cfgMgr.Subscribe(4)
	defer a.cfgMgr.Unsubscribe(ch)

	prev := a.cfgMgr.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-ch:
			if !ok {
				return
			}
			sections, attrs := config.SummarizeChange(prev, cfg)
			a.log.Info("applying config reload", append([]logx.Field{logx.Any("sections", sections)}, attrs...)...)

			st, err := buildSettings(cfg)
			if err != nil {
				// Validator runs first, so this is unexpected.
				a.log.Error("reload settings rebuild failed", logx.Err(err))
				prev = cfg
				continue
			}

			a.logSvc.Apply(logx.Config{
				Level:   cfg.Logging.Level,
				Console: cfg.Logging.Console,
				File:    logx.FileConfig{Enabled: cfg.Logging.File.Enabled, Path: cfg.Logging.File.Path},
			})

			a.mu.Lock()
			disp := a.dispatcher
			sup := a.suppressor
			a.prefInterval = st.minUpdateInterval
			a.mu.Unlock()
			if disp != nil {
				disp.Retune(st.dispatch)
			}
			if sup != nil {
				sup.Retune(st.suppress)
			}
			a.pprof.Apply(ctx, cfg.Pprof)

			prev = cfg
		}
	}
}
