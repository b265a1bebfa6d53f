package app

import (
	"fmt"
	"strings"
	"time"

	"stockwatch/internal/config"
	"stockwatch/internal/feed"
	"stockwatch/internal/notify"
	"stockwatch/internal/reconcile"
	"stockwatch/internal/storage"
	"stockwatch/internal/suppress"
)

// settings is the parsed, typed form of config.Config: duration strings
// resolved, defaults applied, cross-field rules checked. Building it is the
// config validation step, so it runs both at startup and in the reload
// validator.
type settings struct {
	storage storage.Config

	feeds []feedSettings

	merge reconcile.Config

	suppress        suppress.Config
	resetCategories []string
	resetCron       string

	dispatch     notify.DispatcherConfig
	drainTimeout time.Duration

	deactivateAfter   int
	minUpdateInterval time.Duration
	aliases           notify.Aliases

	timezone         string
	historyRetention time.Duration
	compactCron      string
}

type feedSettings struct {
	feed.Config
	Kind     string
	URL      string
	Interval time.Duration
}

func buildSettings(cfg *config.Config) (*settings, error) {
	s := &settings{}

	busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return nil, err
	}
	s.storage = storage.Config{
		Driver:      strings.TrimSpace(cfg.Storage.Driver),
		Path:        cfg.Storage.Path,
		DSN:         cfg.Storage.DSN,
		BusyTimeout: busy,
		MaxConns:    cfg.Storage.MaxConns,
	}

	seen := map[string]bool{}
	for i, fc := range cfg.Feeds {
		name := strings.TrimSpace(fc.Name)
		if name == "" {
			return nil, fmt.Errorf("feeds[%d]: name is required", i)
		}
		if seen[name] {
			return nil, fmt.Errorf("feeds[%d]: duplicate name %q", i, name)
		}
		seen[name] = true
		switch fc.Kind {
		case "poll":
			if strings.TrimSpace(fc.URL) == "" {
				return nil, fmt.Errorf("feeds[%d] (%s): poll feed needs a url", i, name)
			}
		case "sim":
		default:
			return nil, fmt.Errorf("feeds[%d] (%s): unknown kind %q", i, name, fc.Kind)
		}

		interval, err := config.ParseDurationField(fmt.Sprintf("feeds[%d].interval", i), fc.Interval)
		if err != nil {
			return nil, err
		}
		degraded, err := config.ParseDurationField(fmt.Sprintf("feeds[%d].degraded_timeout", i), fc.DegradedTimeout)
		if err != nil {
			return nil, err
		}
		recMin, err := config.ParseDurationField(fmt.Sprintf("feeds[%d].reconnect_min", i), fc.ReconnectMin)
		if err != nil {
			return nil, err
		}
		recMax, err := config.ParseDurationField(fmt.Sprintf("feeds[%d].reconnect_max", i), fc.ReconnectMax)
		if err != nil {
			return nil, err
		}

		s.feeds = append(s.feeds, feedSettings{
			Config: feed.Config{
				Name:            name,
				Priority:        fc.Priority,
				QueueSize:       fc.QueueSize,
				ParseFailLimit:  fc.ParseFailLimit,
				DegradedTimeout: degraded,
				ReconnectMin:    recMin,
				ReconnectMax:    recMax,
			},
			Kind:     fc.Kind,
			URL:      fc.URL,
			Interval: interval,
		})
	}

	staleAfter, err := config.ParseDurationOrDefault("merge.stale_after", cfg.Merge.StaleAfter, 90*time.Second)
	if err != nil {
		return nil, err
	}
	sweepInterval, err := config.ParseDurationField("merge.sweep_interval", cfg.Merge.SweepInterval)
	if err != nil {
		return nil, err
	}
	s.merge = reconcile.Config{
		MaxQuantity:   cfg.Merge.MaxQuantity,
		StaleAfter:    staleAfter,
		QueueSize:     cfg.Merge.QueueSize,
		SweepInterval: sweepInterval,
	}

	window, err := config.ParseDurationOrDefault("suppress.window", cfg.Suppress.Window, suppress.DefaultWindow)
	if err != nil {
		return nil, err
	}
	s.suppress = suppress.Config{Window: window, Threshold: cfg.Suppress.Threshold}
	s.resetCategories = cfg.Suppress.ResetCategories
	s.resetCron = strings.TrimSpace(cfg.Suppress.ResetCron)
	if s.resetCron == "" {
		s.resetCron = "0 0 * * *"
	}

	retryBase, err := config.ParseDurationField("dispatch.retry_base", cfg.Dispatch.RetryBase)
	if err != nil {
		return nil, err
	}
	retryMax, err := config.ParseDurationField("dispatch.retry_max", cfg.Dispatch.RetryMax)
	if err != nil {
		return nil, err
	}
	callTimeout, err := config.ParseDurationField("dispatch.call_timeout", cfg.Dispatch.CallTimeout)
	if err != nil {
		return nil, err
	}
	s.drainTimeout, err = config.ParseDurationOrDefault("dispatch.drain_timeout", cfg.Dispatch.DrainTimeout, 15*time.Second)
	if err != nil {
		return nil, err
	}
	s.dispatch = notify.DispatcherConfig{
		BatchSize:   cfg.Dispatch.BatchSize,
		MaxInFlight: cfg.Dispatch.MaxInFlight,
		MaxAttempts: cfg.Dispatch.MaxAttempts,
		RetryBase:   retryBase,
		RetryMax:    retryMax,
		CallTimeout: callTimeout,
		RatePerSec:  cfg.Dispatch.RatePerSec,
	}

	s.deactivateAfter = cfg.Prefs.DeactivateAfter
	s.minUpdateInterval, err = config.ParseDurationField("prefs.min_update_interval", cfg.Prefs.MinUpdateInterval)
	if err != nil {
		return nil, err
	}
	if len(cfg.Prefs.Aliases) > 0 {
		s.aliases = notify.Aliases(cfg.Prefs.Aliases)
	}

	s.timezone = strings.TrimSpace(cfg.Sched.Timezone)
	s.historyRetention, err = config.ParseDurationOrDefault("sched.history_retention", cfg.Sched.HistoryRetention, 24*time.Hour)
	if err != nil {
		return nil, err
	}
	s.compactCron = strings.TrimSpace(cfg.Sched.CompactCron)
	if s.compactCron == "" {
		s.compactCron = "30 3 * * *"
	}

	return s, nil
}
