package model

type Config struct {
	Project ProjectConfig `yaml:"project"`
	Lock    LockConfig    `yaml:"lock"`
	Track   TrackConfig   `yaml:"track"`
	Watch   WatchConfig   `yaml:"watch"`
	Logging LoggingConfig `yaml:"logging"`
}

type ProjectConfig struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

type LockConfig struct {
	RetryIntervalSec float64 `yaml:"retry_interval_sec"` // default 1.0
	MaxAttempts      int     `yaml:"max_attempts"`       // default 60
	StaleAfterSec    int     `yaml:"stale_after_sec"`    // default 300
}

type TrackConfig struct {
	MaxLogSizeBytes    int64 `yaml:"max_log_size_bytes"`   // default 100MB
	AbandonTimeoutSec  int   `yaml:"abandon_timeout_sec"`  // default 3600
	SummaryWindowHours int   `yaml:"summary_window_hours"` // default 24
}

type WatchConfig struct {
	DebounceMs int `yaml:"debounce_ms"` // default 250
}

type LoggingConfig struct {
	Level string `yaml:"level"` // debug|info|warn|error
}
