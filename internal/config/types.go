package config

type Config struct {
	Operator OperatorConfig `json:"operator"`
	Logging  LoggingConfig  `json:"logging"`
	Store    StoreConfig    `json:"store"`
	Vault    VaultConfig    `json:"vault"`

	Fleet     FleetConfig     `json:"fleet"`
	RateLimit RateLimitConfig `json:"ratelimit"`
	Janitor   JanitorConfig   `json:"janitor,omitempty"`
	Debug     DebugConfig     `json:"debug,omitempty"`
}

// OperatorConfig configures the control-surface bot: the Telegram account
// operators talk to for /bot and /campaign commands. This is NOT one of the
// fleet workers.
type OperatorConfig struct {
	Token    string  `json:"token"`
	AdminIDs []int64 `json:"admin_ids"`
	// AlertChatID receives rate-limited WARN+ log lines (0 disables).
	AlertChatID int64 `json:"alert_chat_id,omitempty"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string        `json:"level"`
	Console bool          `json:"console"`
	File    LoggingFile   `json:"file"`
	Alerts  LoggingAlerts `json:"alerts"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingAlerts struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StoreConfig controls the persistence layer (SQLite).
type StoreConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string
}

// VaultConfig controls token encryption at rest.
//
// MasterKey is base64; prefer setting it via the DMFLEET_MASTER_KEY
// environment variable instead of the config file.
type VaultConfig struct {
	MasterKey string `json:"master_key,omitempty"`
}

// FleetConfig controls worker behavior.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - health_interval: "5m"
//   - queue_size: 1024
//   - saturation: 100
//   - max_requeues: 10
//   - base_rate_per_sec: 0 (disabled)
type FleetConfig struct {
	HealthInterval string `json:"health_interval,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`

	// Saturation is the queue depth at which a worker stops being offered
	// new campaign load.
	Saturation int `json:"saturation,omitempty"`

	// MaxRequeues bounds how many times one message may be re-enqueued due
	// to rate limiting before it fails terminally.
	MaxRequeues int `json:"max_requeues,omitempty"`

	// BaseRatePerSec smooths each worker's send loop under a steady token
	// bucket, independent of the header-driven limiter. 0 disables.
	BaseRatePerSec int `json:"base_rate_per_sec,omitempty"`
}

// RateLimitConfig controls the per-bot header-driven limiter.
type RateLimitConfig struct {
	// MaxWait caps any single limiter sleep. A wait beyond this fails the
	// acquire instead of stalling the worker. Default "5m".
	MaxWait string `json:"max_wait,omitempty"`
}

// DebugConfig controls optional diagnostics surfaces.
type DebugConfig struct {
	Pprof PprofConfig `json:"pprof,omitempty"`
}

// PprofConfig exposes runtime profiling over HTTP. Non-loopback binds
// require a token.
type PprofConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`  // default 127.0.0.1:6060
	Token   string `json:"token,omitempty"` // bearer token or ?token= query
}

// JanitorConfig controls periodic maintenance.
//
// Schedules are cron expressions (robfig/cron, standard 5-field).
type JanitorConfig struct {
	Enabled bool `json:"enabled"`
	// PruneSchedule defaults to "0 4 * * *" (daily, 04:00).
	PruneSchedule string `json:"prune_schedule,omitempty"`
	// SendRetention defaults to "720h" (30 days).
	SendRetention string `json:"send_retention,omitempty"`
	// AuditRetention defaults to "2160h" (90 days).
	AuditRetention string `json:"audit_retention,omitempty"`
}
