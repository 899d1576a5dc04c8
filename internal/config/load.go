package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const envPrefix = "S3CRC"

// Load reads configuration from an optional file, env vars, and defaults.
func Load(path string) (*Config, error) {
	vp := viper.New()
	vp.SetEnvPrefix(envPrefix)
	vp.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	vp.AutomaticEnv()

	setDefaults(vp)

	resolved := resolveConfigPath(path)
	if resolved != "" {
		vp.SetConfigFile(resolved)
		if err := vp.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := vp.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	applyPostLoadDefaults(&cfg)
	return &cfg, nil
}

func resolveConfigPath(path string) string {
	if path != "" {
		return path
	}
	if envPath := os.Getenv("S3CRC_CONFIG"); envPath != "" {
		return envPath
	}
	for _, c := range []string{"s3crc.yaml", "s3crc.yml", "s3crc.toml", "s3crc.json"} {
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}
	return ""
}

func setDefaults(vp *viper.Viper) {
	vp.SetDefault("global.log_level", "info")
	vp.SetDefault("global.log_format", "json")
	vp.SetDefault("queue.max_messages", 10)
	vp.SetDefault("queue.wait_time", "20s")
	vp.SetDefault("queue.idle_sleep", "1s")
	vp.SetDefault("queue.error_sleep", "5s")
	vp.SetDefault("compression.default_level", 12)
	vp.SetDefault("compression.min_trials", 10)
	vp.SetDefault("compression.base_explore_rate", 0.25)
	vp.SetDefault("compression.decay_per_thousand", 0.02)
	vp.SetDefault("compression.max_decay", 0.5)
	vp.SetDefault("compression.benchmark_budget", "10s")
	vp.SetDefault("compression.buffer_memory_share", 0.15)
	vp.SetDefault("compression.backup_archive_level", 3)
	vp.SetDefault("compression.recalc_interval", 50)
	vp.SetDefault("cost.transfer_rate_per_gb", 0.02)
	vp.SetDefault("cost.compute_rate_per_minute", 0.000395)
	vp.SetDefault("settings.retry_attempts", 3)
	vp.SetDefault("settings.retry_backoff", "100ms")
}

func applyPostLoadDefaults(cfg *Config) {
	if cfg.Global.Region == "" {
		cfg.Global.Region = os.Getenv("AWS_DEFAULT_REGION")
	}
	if cfg.Global.Region == "" {
		cfg.Global.Region = os.Getenv("AWS_REGION")
	}
	if cfg.Queue.WaitTime == 0 {
		cfg.Queue.WaitTime = 20 * time.Second
	}
	if cfg.Queue.IdleSleep == 0 {
		cfg.Queue.IdleSleep = time.Second
	}
	if cfg.Settings.RetryAttempts == 0 {
		cfg.Settings.RetryAttempts = 3
	}
	if cfg.Settings.RetryBackoff == 0 {
		cfg.Settings.RetryBackoff = 100 * time.Millisecond
	}
	cfg.Replication.MonitoredPrefix = strings.Trim(cfg.Replication.MonitoredPrefix, "/")
}

// Validate checks the fields both agents cannot run without.
func (c *Config) Validate() error {
	if c.Queue.URL == "" {
		return fmt.Errorf("queue.url is required")
	}
	if c.Global.Region == "" {
		return fmt.Errorf("global.region is required (or set AWS_REGION)")
	}
	return nil
}

// ValidateSource checks the extra fields the source agent needs.
func (c *Config) ValidateSource() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.Storage.StagingBucket == "" {
		return fmt.Errorf("storage.staging_bucket is required")
	}
	if c.Replication.StackName == "" {
		return fmt.Errorf("replication.stack_name is required")
	}
	return nil
}
