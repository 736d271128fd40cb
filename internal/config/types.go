package config

import "strings"

type Config struct {
	Logging      LoggingConfig      `json:"logging"`
	RunManager   RunManagerConfig   `json:"run_manager"`
	Orchestrator OrchestratorConfig `json:"orchestrator"`
	Pprof        PprofConfig        `json:"pprof,omitempty"`

	// Storage nil means persistence is disabled and the daemon cannot
	// schedule anything.
	Storage *StorageConfig `json:"storage,omitempty"`
	Notify  *NotifyConfig  `json:"notify,omitempty"`

	// Schedules and Jobs are seed definitions written to storage at startup
	// and on every accepted reload.
	Schedules []ScheduleConfig `json:"schedules,omitempty"`
	Jobs      []JobConfig      `json:"jobs,omitempty"`
}

type LoggingConfig struct {
	Level   string       `json:"level"`
	Console bool         `json:"console"`
	File    LoggingFile  `json:"file"`
	Alert   LoggingAlert `json:"alert"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingAlert forwards log records at or above MinLevel to the notify
// sender.
type LoggingAlert struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// RunManagerConfig controls the concurrent run manager.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - workers: 4
//   - queue_size: 64
//   - shutdown_grace: "5s"
//   - history_size: 200
//   - circuit_trip_failures: 0 (disabled)
type RunManagerConfig struct {
	Workers       int    `json:"workers,omitempty"`
	QueueSize     int    `json:"queue_size,omitempty"`
	ShutdownGrace string `json:"shutdown_grace,omitempty"`
	HistorySize   int    `json:"history_size,omitempty"`

	CircuitTripFailures int    `json:"circuit_trip_failures,omitempty"`
	CircuitBaseDelay    string `json:"circuit_base_delay,omitempty"`
	CircuitMaxDelay     string `json:"circuit_max_delay,omitempty"`
	CircuitResetAfter   string `json:"circuit_reset_after,omitempty"`
}

// OrchestratorConfig controls the schedule loop.
//
// Enabled is a pointer so we can distinguish "omitted" (enabled) from an
// explicit false.
type OrchestratorConfig struct {
	Enabled *bool `json:"enabled,omitempty"`
	// Timezone for schedules that do not name one. Empty means local time.
	Timezone           string `json:"timezone,omitempty"`
	UnavailableBackoff string `json:"unavailable_backoff,omitempty"`
	MaxBackoff         string `json:"max_backoff,omitempty"`
	Refresh            string `json:"refresh,omitempty"`

	// ScriptDir resolves relative script and property paths of jobs.
	ScriptDir  string `json:"script_dir,omitempty"`
	MaxNesting int    `json:"max_nesting,omitempty"`
}

// IsEnabled applies the default for an omitted enabled flag.
func (c OrchestratorConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// StorageConfig controls the persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./dbflow.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// NotifyConfig controls run alerts. The telegram token is never logged.
type NotifyConfig struct {
	Enabled  bool           `json:"enabled"`
	Telegram TelegramConfig `json:"telegram"`
	// MinStatus is a run status name such as "RunFailed".
	MinStatus     string `json:"min_status,omitempty"`
	QueueSize     int    `json:"queue_size,omitempty"`
	RatePerSec    int    `json:"rate_per_sec,omitempty"`
	RetryMax      int    `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
	DedupWindow   string `json:"dedup_window,omitempty"`
}

type TelegramConfig struct {
	Token    string `json:"token"`
	ChatID   int64  `json:"chat_id"`
	ThreadID int    `json:"thread_id,omitempty"`
}

// PprofConfig controls the optional debug and status HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6060").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type PprofConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`   // default: "127.0.0.1:6060"
	Prefix        string `json:"prefix,omitempty"` // default: "/debug/pprof/"
	Token         string `json:"token,omitempty"`  // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	// Server timeouts (Go duration strings). WriteTimeout defaults to 0 (disabled)
	// so /profile (which can take 30s+) works reliably.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	// Runtime profiling rates. Leave 0 to keep Go defaults.
	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
	MemProfileRate       int `json:"mem_profile_rate,omitempty"`
}

// ScheduleConfig seeds one named schedule. Schedules are enabled unless
// disabled is set.
type ScheduleConfig struct {
	Name       string `json:"name"`
	Recurrence string `json:"recurrence"`
	Timezone   string `json:"timezone,omitempty"`
	Disabled   bool   `json:"disabled,omitempty"`
}

// JobConfig seeds one job. Script and props paths are relative to
// orchestrator.script_dir.
type JobConfig struct {
	Name      string   `json:"name"`
	Script    string   `json:"script"`
	Props     string   `json:"props,omitempty"`
	Args      []string `json:"args,omitempty"`
	Schedules []string `json:"schedules,omitempty"`
	Disabled  bool     `json:"disabled,omitempty"`
}

func (s *StorageConfig) driver() string {
	if s == nil {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(s.Driver))
}
