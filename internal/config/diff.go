package config

import (
	"reflect"
	"sort"
	"strings"

	logx "stockwatch/pkg/logx"
)

// SummarizeChange returns a compact list of changed sections plus safe
// structured attrs for logging (never includes secrets like tokens or DSNs).
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 20)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if StorageChanged(oldCfg, newCfg) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
			logx.Bool("storage.dsn_set", strings.TrimSpace(newCfg.Storage.DSN) != ""),
		)
	}

	if FeedTopologyChanged(oldCfg, newCfg) {
		changed = append(changed, "feeds")
		attrs = append(attrs, logx.Int("feeds.count", len(newCfg.Feeds)))
	}

	if !reflect.DeepEqual(oldCfg.Merge, newCfg.Merge) {
		changed = append(changed, "merge")
		attrs = append(attrs,
			logx.Int("merge.max_quantity", newCfg.Merge.MaxQuantity),
			logx.String("merge.stale_after", strings.TrimSpace(newCfg.Merge.StaleAfter)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Suppress, newCfg.Suppress) {
		changed = append(changed, "suppress")
		attrs = append(attrs,
			logx.String("suppress.window", strings.TrimSpace(newCfg.Suppress.Window)),
			logx.Int("suppress.threshold", newCfg.Suppress.Threshold),
			logx.Int("suppress.reset_categories", len(newCfg.Suppress.ResetCategories)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Dispatch, newCfg.Dispatch) {
		changed = append(changed, "dispatch")
		attrs = append(attrs,
			logx.Int("dispatch.batch_size", newCfg.Dispatch.BatchSize),
			logx.Int("dispatch.max_in_flight", newCfg.Dispatch.MaxInFlight),
			logx.Int("dispatch.max_attempts", newCfg.Dispatch.MaxAttempts),
			logx.Int("dispatch.rate_per_sec", newCfg.Dispatch.RatePerSec),
		)
	}

	if !reflect.DeepEqual(oldCfg.Prefs, newCfg.Prefs) {
		changed = append(changed, "prefs")
		attrs = append(attrs,
			logx.Int("prefs.deactivate_after", newCfg.Prefs.DeactivateAfter),
			logx.String("prefs.min_update_interval", strings.TrimSpace(newCfg.Prefs.MinUpdateInterval)),
			logx.Int("prefs.alias_count", len(newCfg.Prefs.Aliases)),
		)
	}

	if providersChanged(oldCfg.Provider, newCfg.Provider) {
		changed = append(changed, "providers")
		attrs = append(attrs,
			logx.Bool("providers.httppush", newCfg.Provider.HTTPPush != nil && newCfg.Provider.HTTPPush.Enabled),
			logx.Bool("providers.telegram", newCfg.Provider.Telegram != nil && newCfg.Provider.Telegram.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Sched, newCfg.Sched) {
		changed = append(changed, "sched")
		attrs = append(attrs, logx.String("sched.timezone", strings.TrimSpace(newCfg.Sched.Timezone)))
	}

	// Pprof (never log token)
	if oldCfg.Pprof.Enabled != newCfg.Pprof.Enabled ||
		strings.TrimSpace(oldCfg.Pprof.Addr) != strings.TrimSpace(newCfg.Pprof.Addr) ||
		oldCfg.Pprof.AllowInsecure != newCfg.Pprof.AllowInsecure ||
		(strings.TrimSpace(oldCfg.Pprof.Token) != "") != (strings.TrimSpace(newCfg.Pprof.Token) != "") {
		changed = append(changed, "pprof")
		attrs = append(attrs,
			logx.Bool("pprof.enabled", newCfg.Pprof.Enabled),
			logx.String("pprof.addr", strings.TrimSpace(newCfg.Pprof.Addr)),
			logx.Bool("pprof.token_set", strings.TrimSpace(newCfg.Pprof.Token) != ""),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// FeedTopologyChanged reports whether the feeds section differs in any way.
// Feed edits require a restart; the reload validator uses this to reject them.
func FeedTopologyChanged(oldCfg, newCfg *Config) bool {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	return !reflect.DeepEqual(oldCfg.Feeds, newCfg.Feeds)
}

// StorageChanged reports whether the storage section differs. Driver changes
// require a restart.
func StorageChanged(oldCfg, newCfg *Config) bool {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	return !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage)
}

func providersChanged(o, n ProvidersConfig) bool {
	return !reflect.DeepEqual(deref(o.HTTPPush), deref(n.HTTPPush)) ||
		!reflect.DeepEqual(deref(o.Telegram), deref(n.Telegram)) ||
		(o.HTTPPush == nil) != (n.HTTPPush == nil) ||
		(o.Telegram == nil) != (n.Telegram == nil)
}

func deref[T any](p *T) T {
	if p == nil {
		var zero T
		return zero
	}
	return *p
}
