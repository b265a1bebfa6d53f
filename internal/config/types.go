package config

type Config struct {
	Logging  LoggingConfig   `json:"logging"`
	Storage  StorageConfig   `json:"storage"`
	Feeds    []FeedConfig    `json:"feeds"`
	Merge    MergeConfig     `json:"merge"`
	Suppress SuppressConfig  `json:"suppress"`
	Dispatch DispatchConfig  `json:"dispatch"`
	Prefs    PrefsConfig     `json:"prefs"`
	Provider ProvidersConfig `json:"providers"`
	Sched    SchedConfig     `json:"sched"`
	Pprof    PprofConfig     `json:"pprof,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the persistence backend.
//
// Driver values:
//   - "memory": in-process maps (tests, ephemeral runs)
//   - "sqlite": SQLite database file
//   - "postgres": pgx connection pool (DSN)
type StorageConfig struct {
	Driver string `json:"driver"`
	Path   string `json:"path,omitempty"` // sqlite file path
	DSN    string `json:"dsn,omitempty"`  // postgres DSN (do not log)
	// BusyTimeout is a Go duration string (sqlite only).
	BusyTimeout string `json:"busy_timeout,omitempty"`
	MaxConns    int    `json:"max_conns,omitempty"` // postgres only
}

// FeedConfig describes one upstream availability feed.
//
// Changing the feed topology (names, kinds, priorities) requires a restart;
// the reload validator rejects in-place edits to this section.
type FeedConfig struct {
	Name string `json:"name"`
	// Kind selects the connector: "poll" (HTTP JSON polling) or "sim"
	// (synthetic feed for dev).
	Kind string `json:"kind"`
	// Priority ranks this feed for conflict resolution. Higher wins.
	Priority int    `json:"priority"`
	URL      string `json:"url,omitempty"`
	// Interval is a Go duration string (poll kind).
	Interval  string `json:"interval,omitempty"`
	QueueSize int    `json:"queue_size,omitempty"`
	// ParseFailLimit is the consecutive decode-failure count that marks the
	// adapter Degraded.
	ParseFailLimit int `json:"parse_fail_limit,omitempty"`
	// DegradedTimeout forces a reconnect after staying Degraded this long.
	DegradedTimeout string `json:"degraded_timeout,omitempty"`
	ReconnectMin    string `json:"reconnect_min,omitempty"`
	ReconnectMax    string `json:"reconnect_max,omitempty"`
}

// MergeConfig tunes the reconciler.
type MergeConfig struct {
	// MaxQuantity is the sane upper bound for a reported quantity.
	MaxQuantity int `json:"max_quantity,omitempty"`
	// StaleAfter lets a lower-priority source take over when the
	// authoritative source has been silent this long.
	StaleAfter string `json:"stale_after,omitempty"`
	QueueSize  int    `json:"queue_size,omitempty"`
	// SweepInterval is how often expired time-boxed items are removed.
	SweepInterval string `json:"sweep_interval,omitempty"`
}

// SuppressConfig tunes duplicate suppression. Window and Threshold are
// operationally tuned values, not invariants.
type SuppressConfig struct {
	Window    string `json:"window,omitempty"`    // default "7m"
	Threshold int    `json:"threshold,omitempty"` // default 2
	// ResetCategories are cleared on the daily reset boundary.
	ResetCategories []string `json:"reset_categories,omitempty"`
	// ResetCron is the daily reset trigger (cron spec, sched timezone).
	ResetCron string `json:"reset_cron,omitempty"`
}

// DispatchConfig tunes the batch dispatcher.
type DispatchConfig struct {
	BatchSize   int    `json:"batch_size,omitempty"`    // default 2000
	MaxInFlight int    `json:"max_in_flight,omitempty"` // default 5
	MaxAttempts int    `json:"max_attempts,omitempty"`  // default 3
	RetryBase   string `json:"retry_base,omitempty"`
	RetryMax    string `json:"retry_max,omitempty"`
	CallTimeout string `json:"call_timeout,omitempty"`
	RatePerSec  int    `json:"rate_per_sec,omitempty"`
	// DrainTimeout bounds how long in-flight batches may finish on shutdown.
	DrainTimeout string `json:"drain_timeout,omitempty"`
}

// PrefsConfig governs recipient preference handling.
type PrefsConfig struct {
	// DeactivateAfter is the failure count at which a recipient is
	// deactivated (unregistered endpoints deactivate immediately).
	DeactivateAfter int `json:"deactivate_after,omitempty"` // default 5
	// MinUpdateInterval rate-limits preference-update requests per recipient.
	MinUpdateInterval string `json:"min_update_interval,omitempty"`
	// Aliases maps legacy/alternate preference keys to canonical keys.
	// Maintained as data; no fuzzy matching happens at runtime.
	Aliases map[string]string `json:"aliases,omitempty"`
}

type ProvidersConfig struct {
	HTTPPush *HTTPPushConfig `json:"httppush,omitempty"`
	Telegram *TelegramConfig `json:"telegram,omitempty"`
}

// HTTPPushConfig configures the bulk push provider.
type HTTPPushConfig struct {
	Enabled bool   `json:"enabled"`
	URL     string `json:"url"`
	Token   string `json:"token,omitempty"` // bearer token (do not log)
	// BatchLimit overrides the provider's maximum recipients per call.
	BatchLimit int    `json:"batch_limit,omitempty"`
	Timeout    string `json:"timeout,omitempty"`
}

// TelegramConfig configures the telegram channel provider (send-only).
type TelegramConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token"` // do not log
	// BatchLimit caps recipients per emulated bulk call.
	BatchLimit int `json:"batch_limit,omitempty"`
}

type SchedConfig struct {
	// Timezone is an IANA TZ (e.g. "Asia/Jakarta") for cron triggers.
	Timezone string `json:"timezone,omitempty"`
	// HistoryRetention bounds how far back suppression history is kept;
	// older rows are compacted away periodically.
	HistoryRetention string `json:"history_retention,omitempty"`
	CompactCron      string `json:"compact_cron,omitempty"`
}

// PprofConfig controls the optional pprof HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6060").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type PprofConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:6060"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
}
