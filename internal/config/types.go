package config

import "time"

// Config is the root configuration schema shared by both agents.
type Config struct {
	Global      GlobalConfig      `mapstructure:"global"`
	Queue       QueueConfig       `mapstructure:"queue"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Replication ReplicationConfig `mapstructure:"replication"`
	Compression CompressionConfig `mapstructure:"compression"`
	Cost        CostConfig        `mapstructure:"cost"`
	Settings    SettingsConfig    `mapstructure:"settings"`
}

type GlobalConfig struct {
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"` // json or console
	Region    string `mapstructure:"region"`
	LockFile  string `mapstructure:"lock_file"`
	TempDir   string `mapstructure:"temp_dir"`
}

type QueueConfig struct {
	URL         string        `mapstructure:"url"`
	MaxMessages int32         `mapstructure:"max_messages"`
	WaitTime    time.Duration `mapstructure:"wait_time"`
	IdleSleep   time.Duration `mapstructure:"idle_sleep"`
	ErrorSleep  time.Duration `mapstructure:"error_sleep"`
}

type StorageConfig struct {
	StagingBucket string `mapstructure:"staging_bucket"`
	CatalogBucket string `mapstructure:"catalog_bucket"`
}

type ReplicationConfig struct {
	StackName       string `mapstructure:"stack_name"`
	MonitoredPrefix string `mapstructure:"monitored_prefix"`
	ParametersTable string `mapstructure:"parameters_table"`
}

// CompressionConfig carries the adaptive-level tuning knobs. The exploration
// schedule constants are empirical and deliberately configurable.
type CompressionConfig struct {
	DefaultLevel       int           `mapstructure:"default_level"`
	MinTrials          int           `mapstructure:"min_trials"`
	BaseExploreRate    float64       `mapstructure:"base_explore_rate"`
	DecayPerThousand   float64       `mapstructure:"decay_per_thousand"`
	MaxDecay           float64       `mapstructure:"max_decay"`
	BenchmarkBudget    time.Duration `mapstructure:"benchmark_budget"`
	BufferMemoryShare  float64       `mapstructure:"buffer_memory_share"`
	BackupArchiveLevel int           `mapstructure:"backup_archive_level"`
	RecalcInterval     int           `mapstructure:"recalc_interval"`
}

type CostConfig struct {
	TransferRatePerGB    float64 `mapstructure:"transfer_rate_per_gb"`
	ComputeRatePerMinute float64 `mapstructure:"compute_rate_per_minute"`
}

type SettingsConfig struct {
	Table         string        `mapstructure:"table"`
	RetryAttempts int           `mapstructure:"retry_attempts"`
	RetryBackoff  time.Duration `mapstructure:"retry_backoff"`
}
