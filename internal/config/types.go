package config

// Config is the on-disk daemon configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "2h").
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Scheduler SchedulerConfig `json:"scheduler"`

	// Engine controls the execution worker pool. If omitted, defaults apply.
	Engine *EngineConfig `json:"engine,omitempty"`

	Retry     RetryConfig     `json:"retry"`
	Recovery  RecoveryConfig  `json:"recovery"`
	Retention RetentionConfig `json:"retention"`
	Notify    *NotifyConfig   `json:"notify,omitempty"`
	Systemd   SystemdConfig   `json:"systemd"`
	Debug     *DebugConfig    `json:"debug,omitempty"`

	Families []FamilyConfig `json:"families"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	Format  string      `json:"format,omitempty"` // "pretty" (default) or "json"
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the intent store backend.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/intentd.db" }
type StorageConfig struct {
	Driver      string `json:"driver"` // sqlite (default) or memory
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type SchedulerConfig struct {
	// Timezone used for intended dates and rule evaluation. Empty means local.
	Timezone string `json:"timezone,omitempty"`
	// DefaultWindow applies to families that do not set their own window.
	DefaultWindow string `json:"default_window,omitempty"`
}

// EngineConfig controls the task execution engine.
//
// Defaults (when fields are omitted/zero):
//   - enabled: true
//   - workers: 2
//   - queue_size: 256
//   - default_timeout: "0s" (disabled)
//   - max_queue_delay: "0s" (disabled)
//   - history_size: 200
type EngineConfig struct {
	Enabled        *bool  `json:"enabled,omitempty"`
	Workers        int    `json:"workers,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	MaxQueueDelay  string `json:"max_queue_delay,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
}

type RetryConfig struct {
	RetryDelay string `json:"retry_delay,omitempty"` // default 5m
	// MaxRetries is a pointer so an explicit 0 (never retry) differs from omitted (3).
	MaxRetries            *int   `json:"max_retries,omitempty"`
	ResourceReleaseBuffer string `json:"resource_release_buffer,omitempty"` // default 2s
}

type RecoveryConfig struct {
	Enabled              *bool  `json:"enabled,omitempty"`
	StartupDelay         string `json:"startup_delay,omitempty"`
	LookbackDays         *int   `json:"lookback_days,omitempty"`
	MaxCatchUpExecutions *int   `json:"max_catch_up_executions,omitempty"`
	Priority             string `json:"priority,omitempty"` // oldest_first | newest_first
	StaleRunningAfter    string `json:"stale_running_after,omitempty"`
}

type RetentionConfig struct {
	Days       int    `json:"days,omitempty"`
	Interval   string `json:"interval,omitempty"`
	RunOnStart bool   `json:"run_on_start,omitempty"`
}

// NotifyConfig controls operator notifications over Telegram.
type NotifyConfig struct {
	Enabled    bool   `json:"enabled"`
	Token      string `json:"token,omitempty"` // never logged
	ChatID     int64  `json:"chat_id,omitempty"`
	ThreadID   int    `json:"thread_id,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
	QueueSize  int    `json:"queue_size,omitempty"`
	RetryMax   int    `json:"retry_max,omitempty"`
	RetryBase  string `json:"retry_base,omitempty"`
	OnRetry    bool   `json:"on_retry,omitempty"`
}

type SystemdConfig struct {
	// Notify sends READY/STOPPING and watchdog pings when run under systemd.
	Notify bool `json:"notify"`
}

// DebugConfig controls the operator HTTP endpoints (/healthz, /status,
// /missed, /debug/pprof/). Binding off loopback needs a token.
type DebugConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"` // default 127.0.0.1:6060
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
}

// FamilyConfig is one job family: a body type plus the tasks it runs.
type FamilyConfig struct {
	Type      string       `json:"type"`
	Body      string       `json:"body"` // body kind: "command" or "systemd"
	Exclusive bool         `json:"exclusive,omitempty"`
	Window    string       `json:"window,omitempty"`
	StateDir  string       `json:"state_dir,omitempty"`
	Tasks     []TaskConfig `json:"tasks"`
}

type TaskConfig struct {
	ID       string   `json:"id"`
	Schedule string   `json:"schedule"`
	Command  []string `json:"command,omitempty"` // command body
	Unit     string   `json:"unit,omitempty"`    // systemd body
	Dir      string   `json:"dir,omitempty"`
	Env      []string `json:"env,omitempty"`
	Resource string   `json:"resource,omitempty"`
	Timeout  string   `json:"timeout,omitempty"`
	Disabled bool     `json:"disabled,omitempty"`
}
