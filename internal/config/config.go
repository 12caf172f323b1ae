// Package config loads and validates crawler configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Crawler  CrawlerConfig  `mapstructure:"crawler"`
	Source   SourceConfig   `mapstructure:"source"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// CrawlerConfig governs the crawl loop and dispatcher behavior.
type CrawlerConfig struct {
	Cities                []string `mapstructure:"cities"`
	DefaultMode           string   `mapstructure:"default_mode"`
	Concurrency           int      `mapstructure:"concurrency"`
	PageSize              int      `mapstructure:"page_size"`
	RepeatIntervalSeconds int      `mapstructure:"repeat_interval_seconds"`
}

// SourceConfig selects and configures the listing page source.
type SourceConfig struct {
	// Kind selects the source backend: "mock" or "http".
	Kind             string `mapstructure:"kind"`
	BaseURL          string `mapstructure:"base_url"`
	UserAgent        string `mapstructure:"user_agent"`
	TimeoutSeconds   int    `mapstructure:"timeout_seconds"`
	MaxRetries       int    `mapstructure:"max_retries"`
	BackoffInitialMs int    `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int    `mapstructure:"backoff_max_ms"`
	// RequestsPerSecond paces outbound fetches per host. Zero disables
	// pacing.
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
}

// DatabaseConfig controls the persistence backend for identities and runs.
type DatabaseConfig struct {
	// Backend selects "memory" or "postgres".
	Backend  string `mapstructure:"backend"`
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// RedisConfig optionally moves the identity store onto Redis.
type RedisConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
	TTLHours  int    `mapstructure:"ttl_hours"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("LISTINGS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", true)
	v.SetDefault("crawler.default_mode", "incremental")
	v.SetDefault("crawler.concurrency", 2)
	v.SetDefault("crawler.page_size", 20)
	v.SetDefault("crawler.repeat_interval_seconds", 0)
	v.SetDefault("source.kind", "mock")
	v.SetDefault("source.user_agent", "listing-crawler/0.1")
	v.SetDefault("source.timeout_seconds", 15)
	v.SetDefault("source.max_retries", 2)
	v.SetDefault("source.backoff_initial_ms", 250)
	v.SetDefault("source.backoff_max_ms", 2000)
	v.SetDefault("source.requests_per_second", 2)
	v.SetDefault("source.burst", 1)
	v.SetDefault("database.backend", "memory")
	v.SetDefault("database.max_conns", 8)
	v.SetDefault("database.min_conns", 1)
	v.SetDefault("redis.key_prefix", "identity:")
	v.SetDefault("redis.ttl_hours", 0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Crawler.Concurrency <= 0 {
		return fmt.Errorf("crawler.concurrency must be > 0")
	}
	if c.Crawler.PageSize <= 0 {
		return fmt.Errorf("crawler.page_size must be > 0")
	}
	switch c.Source.Kind {
	case "mock":
	case "http":
		if c.Source.BaseURL == "" {
			return fmt.Errorf("source.base_url must be set when source.kind is http")
		}
	default:
		return fmt.Errorf("source.kind must be mock or http")
	}
	if c.Source.TimeoutSeconds <= 0 {
		return fmt.Errorf("source.timeout_seconds must be > 0")
	}
	if c.Source.RequestsPerSecond < 0 {
		return fmt.Errorf("source.requests_per_second must be >= 0")
	}
	switch c.Database.Backend {
	case "memory":
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn must be set when database.backend is postgres")
		}
	default:
		return fmt.Errorf("database.backend must be memory or postgres")
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr must be set when redis is enabled")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	return nil
}

// SourceTimeout converts the source timeout config into a duration.
func (c Config) SourceTimeout() time.Duration {
	return time.Duration(c.Source.TimeoutSeconds) * time.Second
}

// RepeatInterval converts the repeat config into a duration; zero means
// run once and exit.
func (c Config) RepeatInterval() time.Duration {
	return time.Duration(c.Crawler.RepeatIntervalSeconds) * time.Second
}
