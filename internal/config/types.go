package config

// Config is the full on-disk configuration.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "5m").
type Config struct {
	Logging   LoggingConfig    `json:"logging"`
	Storage   StorageConfig    `json:"storage"`
	Scheduler SchedulerConfig  `json:"scheduler"`
	Push      PushConfig       `json:"push"`
	Retention *RetentionConfig `json:"retention,omitempty"`
	Summary   *SummaryConfig   `json:"summary,omitempty"`
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

// StorageConfig controls the persistence layer.
//
// Driver values: "sqlite" (default) or "memory" (non-durable, for dev/tests).
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// SchedulerConfig controls the timed executor.
//
// Defaults (when fields are omitted/zero):
//   - workers: 4
//   - queue_size: 256
//   - misfire_grace: "5m"
//   - default_timeout: "30s"
type SchedulerConfig struct {
	Workers   int `json:"workers,omitempty"`
	QueueSize int `json:"queue_size,omitempty"`

	// MisfireGrace bounds how late a due job may still execute.
	MisfireGrace string `json:"misfire_grace,omitempty"`

	// DefaultTimeout bounds a single job callback. "0s" disables it.
	DefaultTimeout string `json:"default_timeout,omitempty"`

	// Timezone is the IANA zone used for cron schedules and quiet hours,
	// e.g. "Asia/Jakarta". Empty means the host's local zone.
	Timezone string `json:"timezone,omitempty"`
}

// PushConfig configures the FCM delivery provider.
//
// CredentialsFile is required: startup fails without valid provider
// credentials.
type PushConfig struct {
	CredentialsFile string `json:"credentials_file"`
	RatePerSec      int    `json:"rate_per_sec,omitempty"`  // default 10
	SendTimeout     string `json:"send_timeout,omitempty"`  // default "10s"
}

// RetentionConfig controls the periodic cleanup sweep.
//
// If the whole section is omitted, retention defaults to a daily sweep at
// 03:30 with 30-day job and 90-day history retention.
type RetentionConfig struct {
	SweepAt     string `json:"sweep_at,omitempty"` // "HH:MM" in scheduler timezone
	JobDays     int    `json:"job_days,omitempty"`
	HistoryDays int    `json:"history_days,omitempty"`
}

// SummaryConfig controls the daily summary fan-out.
type SummaryConfig struct {
	Enabled bool   `json:"enabled"`
	At      string `json:"at,omitempty"` // "HH:MM" in scheduler timezone, default "08:00"
}
