package config

import "time"

// Config represents the complete procpool configuration.
type Config struct {
	Pool     PoolConfig     `yaml:"pool"`
	Logging  LoggingConfig  `yaml:"logging"`
	Sinks    SinksConfig    `yaml:"sinks"`
	Ledger   LedgerConfig   `yaml:"ledger"`
	Exponent ExponentConfig `yaml:"exponent"`
}

// PoolConfig defines worker pool settings.
type PoolConfig struct {
	// Workers is the number of worker processes. Zero means one per CPU.
	Workers       int           `yaml:"workers"`
	Builder       string        `yaml:"builder"`
	StartTimeout  time.Duration `yaml:"start_timeout"`
	KillAfter     time.Duration `yaml:"kill_after"`
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`
	// DefaultTimeout applies to jobs without their own timeout. Zero means
	// no timeout.
	DefaultTimeout time.Duration `yaml:"default_timeout"`
}

// LoggingConfig defines the process log settings, shared with workers.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// SinksConfig defines where per-job log files go.
type SinksConfig struct {
	Dir string `yaml:"dir"`
	// Create makes the directory if it does not exist.
	Create   bool   `yaml:"create"`
	TagKey   string `yaml:"tag_key"`
	TagValue string `yaml:"tag_value"`
}

// LedgerConfig defines the job run history database.
type LedgerConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Path      string        `yaml:"path"`
	Retention time.Duration `yaml:"retention"`
}

// ExponentConfig configures the demo builder.
type ExponentConfig struct {
	Power int `yaml:"power"`
}

// Defaults returns a Config with default values.
func Defaults() *Config {
	return &Config{
		Pool: PoolConfig{
			Workers:       0,
			Builder:       "exponent",
			StartTimeout:  30 * time.Second,
			KillAfter:     10 * time.Second,
			ShutdownGrace: 5 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Sinks: SinksConfig{
			Dir:      "./logs",
			Create:   true,
			TagKey:   "logger_id",
			TagValue: "POWER",
		},
		Ledger: LedgerConfig{
			Enabled:   true,
			Path:      "./data/procpool.db",
			Retention: 30 * 24 * time.Hour,
		},
		Exponent: ExponentConfig{
			Power: 2,
		},
	}
}
