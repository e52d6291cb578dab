package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Sternrassler/profile-harvest/pkg/logging"
	"github.com/Sternrassler/profile-harvest/pkg/pacing"
	"github.com/Sternrassler/profile-harvest/pkg/retry"
	"github.com/spf13/viper"
)

// Backend names accepted by the backend setting.
const (
	backendFile  = "file"
	backendRedis = "redis"
)

// Config is the CLI configuration. Sources in order of precedence: flags,
// HARVEST_* environment variables, the config file, defaults.
type Config struct {
	DataDir  string         `mapstructure:"data_dir"`
	Backend  string         `mapstructure:"backend"`
	Log      LogConfig      `mapstructure:"log"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Source   SourceConfig   `mapstructure:"source"`
	Pacing   PacingConfig   `mapstructure:"pacing"`
	Retry    RetryConfig    `mapstructure:"retry"`
	Cooldown CooldownConfig `mapstructure:"cooldown"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

// LogConfig configures pkg/logging.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

// RedisConfig is used by the redis backend and the page cache.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// SourceConfig describes the directory being harvested.
type SourceConfig struct {
	// SearchBase is the URL the location slug is appended to.
	SearchBase string `mapstructure:"search_base"`

	// Home is requested once before the first search page. Empty disables it.
	Home string `mapstructure:"home"`

	UserAgent   string               `mapstructure:"user_agent"`
	MinInterval time.Duration        `mapstructure:"min_interval"`
	Timeout     time.Duration        `mapstructure:"timeout"`
	PagePause   pacing.DurationRange `mapstructure:"page_pause"`
	MaxPages    int                  `mapstructure:"max_pages"`
}

// PacingConfig selects a preset and optionally overrides its ranges.
type PacingConfig struct {
	Preset     string                `mapstructure:"preset"`
	BatchSize  *pacing.IntRange      `mapstructure:"batch_size"`
	ItemDelay  *pacing.DurationRange `mapstructure:"item_delay"`
	BatchBreak *pacing.DurationRange `mapstructure:"batch_break"`
}

// RetryConfig bounds retries of transient failures, for pages and items alike.
type RetryConfig struct {
	MaxAttempts    int           `mapstructure:"max_attempts"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
}

// CooldownConfig configures the block cooldown.
type CooldownConfig struct {
	Base time.Duration `mapstructure:"base"`
	Max  time.Duration `mapstructure:"max"`
}

// CacheConfig enables the Redis search-page cache.
type CacheConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	TTL     time.Duration `mapstructure:"ttl"`
}

// MetricsConfig enables the /metrics and /health listener during a run.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

func setDefaults(v *viper.Viper) {
	home, _ := os.UserHomeDir()
	v.SetDefault("data_dir", filepath.Join(home, ".profile-harvest"))
	v.SetDefault("backend", backendFile)

	v.SetDefault("log.level", string(logging.LevelInfo))
	v.SetDefault("log.pretty", false)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "harvest")

	v.SetDefault("source.search_base", "https://www.realtor.com/realestateagents")
	v.SetDefault("source.home", "https://www.realtor.com/")
	v.SetDefault("source.user_agent", "")
	v.SetDefault("source.min_interval", 2*time.Second)
	v.SetDefault("source.timeout", 30*time.Second)
	v.SetDefault("source.page_pause.min", 3*time.Second)
	v.SetDefault("source.page_pause.max", 8*time.Second)
	v.SetDefault("source.max_pages", 100)

	v.SetDefault("pacing.preset", pacing.PresetBalanced)

	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_backoff", 5*time.Second)
	v.SetDefault("retry.max_backoff", 30*time.Second)

	v.SetDefault("cooldown.base", 30*time.Minute)
	v.SetDefault("cooldown.max", 24*time.Hour)

	v.SetDefault("cache.enabled", false)
	v.SetDefault("cache.ttl", 30*time.Minute)

	v.SetDefault("metrics.addr", "")
}

// newViper creates a viper instance with defaults and environment binding.
func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("HARVEST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

// loadConfig reads the optional config file and unmarshals the result.
func loadConfig(v *viper.Viper, configFile string) (*Config, error) {
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks settings that would otherwise fail late in a run.
func (c *Config) Validate() error {
	switch c.Backend {
	case backendFile:
		if c.DataDir == "" {
			return fmt.Errorf("data_dir is required for the file backend")
		}
	case backendRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis.addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("unknown backend %q (want %s or %s)", c.Backend, backendFile, backendRedis)
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return err
	}
	if c.Source.SearchBase == "" {
		return fmt.Errorf("source.search_base is required")
	}
	if err := c.Source.PagePause.Validate("source.page_pause"); err != nil {
		return err
	}
	if _, err := c.Pacing.Profile(); err != nil {
		return err
	}
	return c.Retry.Config().Validate()
}

// Profile resolves the preset and applies any overrides.
func (p PacingConfig) Profile() (pacing.Profile, error) {
	prof, err := pacing.ProfileByName(p.Preset)
	if err != nil {
		return pacing.Profile{}, err
	}
	if p.BatchSize != nil {
		prof.BatchSize = *p.BatchSize
	}
	if p.ItemDelay != nil {
		prof.ItemDelay = *p.ItemDelay
	}
	if p.BatchBreak != nil {
		prof.BatchBreak = *p.BatchBreak
	}
	if err := prof.Validate(); err != nil {
		return pacing.Profile{}, fmt.Errorf("pacing: %w", err)
	}
	return prof, nil
}

// Config converts to a retry policy.
func (r RetryConfig) Config() retry.Config {
	return retry.Config{
		MaxAttempts:       r.MaxAttempts,
		InitialBackoff:    r.InitialBackoff,
		MaxBackoff:        r.MaxBackoff,
		BackoffMultiplier: 2.0,
	}
}
