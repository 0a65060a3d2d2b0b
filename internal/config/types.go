package config

type Config struct {
	Logging LoggingConfig `json:"logging"`

	// Storage selects the task store backend.
	Storage StorageConfig `json:"storage"`

	// Scheduler controls the dispatch loop. All durations are Go duration
	// strings (e.g. "500ms", "10s", "1m").
	Scheduler SchedulerConfig `json:"scheduler"`

	// Recurring declares producers that create a fresh pending task each
	// time their schedule fires.
	Recurring []RecurringConfig `json:"recurring,omitempty"`

	Notify  *NotifyConfig  `json:"notify,omitempty"`
	Metrics *MetricsConfig `json:"metrics,omitempty"`
}

type LoggingConfig struct {
	Level   string        `json:"level,omitempty"` // TRACE/DEBUG/INFO/WARN/ERROR, default INFO
	Console bool          `json:"console"`
	File    FileLogConfig `json:"file,omitempty"`
}

type FileLogConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

// StorageConfig selects the store driver.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./taskmill.db" }
//	"storage": { "driver": "postgres", "dsn": "postgres://..." }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// SchedulerConfig mirrors scheduler.Options.
//
// Defaults (when fields are omitted/zero):
//   - interval: "1s" (floored to 100ms)
//   - parallel_limit: 0 (unbounded)
//   - fetch_batch: 32 (used only when parallel_limit is 0)
//   - on_unresolved: "fail" ("wait" leaves the task pending with a warning)
//   - drain_timeout: "30s"
type SchedulerConfig struct {
	Interval      string `json:"interval,omitempty"`
	ParallelLimit int    `json:"parallel_limit,omitempty"`
	FetchBatch    int    `json:"fetch_batch,omitempty"`
	OnUnresolved  string `json:"on_unresolved,omitempty"`
	DrainTimeout  string `json:"drain_timeout,omitempty"`
}

// RecurringConfig declares one recurring producer. Schedule accepts a cron
// spec (5 or 6 fields) or an @every descriptor.
type RecurringConfig struct {
	Name       string            `json:"name"`
	Schedule   string            `json:"schedule"`
	Handler    string            `json:"handler"`
	Config     map[string]string `json:"config,omitempty"`
	Owner      string            `json:"owner,omitempty"`
	RetryLimit int               `json:"retry_limit,omitempty"`
	Timeout    string            `json:"timeout,omitempty"`
}

// NotifyConfig controls the optional AMQP publisher of terminal task events.
type NotifyConfig struct {
	Enabled  bool   `json:"enabled"`
	URL      string `json:"url,omitempty"`
	Exchange string `json:"exchange,omitempty"` // default "taskmill.events"
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default "127.0.0.1:9127"
}
