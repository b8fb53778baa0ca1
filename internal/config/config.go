// Package config loads and validates harvester configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Harvest  HarvestConfig  `mapstructure:"harvest"`
	Session  SessionConfig  `mapstructure:"session"`
	Health   HealthConfig   `mapstructure:"health"`
	Download DownloadConfig `mapstructure:"download"`
	DB       DBConfig       `mapstructure:"db"`
	Storage  StorageConfig  `mapstructure:"storage"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
	Server   ServerConfig   `mapstructure:"server"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// HarvestConfig sizes a run.
type HarvestConfig struct {
	ListingURL  string `mapstructure:"listing_url"`
	BaseURL     string `mapstructure:"base_url"`
	TargetCount int    `mapstructure:"target_count"`
	BatchSize   int    `mapstructure:"batch_size"`
	ResumeOnly  bool   `mapstructure:"resume_only"`
	PageDelayMs int    `mapstructure:"page_delay_ms"`
}

// Session drivers.
const (
	DriverBrowser = "browser"
	DriverStatic  = "static"
	DriverMemory  = "memory"
)

// SessionConfig selects and tunes the navigation session.
type SessionConfig struct {
	Driver            string `mapstructure:"driver"`
	Headless          bool   `mapstructure:"headless"`
	UserAgent         string `mapstructure:"user_agent"`
	NavTimeoutSeconds int    `mapstructure:"navigation_timeout_seconds"`
	SettleDelayMs     int    `mapstructure:"settle_delay_ms"`
	ExecPath          string `mapstructure:"exec_path"`
	RespectRobots     bool   `mapstructure:"respect_robots"`
}

// HealthConfig bounds the challenge-page recovery loop.
type HealthConfig struct {
	RecoveryWaitMs   int `mapstructure:"recovery_wait_ms"`
	RecoveryAttempts int `mapstructure:"recovery_attempts"`
	MinBodyChars     int `mapstructure:"min_body_chars"`
}

// DownloadConfig configures the artifact fetch pool.
type DownloadConfig struct {
	Dir              string  `mapstructure:"dir"`
	Workers          int     `mapstructure:"workers"`
	TimeoutSeconds   int     `mapstructure:"timeout_seconds"`
	MaxAttempts      int     `mapstructure:"max_attempts"`
	BackoffInitialMs int     `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int     `mapstructure:"backoff_max_ms"`
	MinBytes         int64   `mapstructure:"min_bytes"`
	RatePerSecond    float64 `mapstructure:"rate_per_second"`
	Burst            int     `mapstructure:"burst"`
}

// Store drivers.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

// DBConfig controls access to the relational database.
type DBConfig struct {
	Driver   string `mapstructure:"driver"`
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// StorageConfig enables the artifact mirror when GCSBucket is set.
type StorageConfig struct {
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// PubSubConfig enables notifications when both fields are set.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// ServerConfig controls the status HTTP server.
type ServerConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("HARVESTER")
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
	v.SetDefault("harvest.listing_url", "https://www.science.org/action/doSearch?ContentItemType=research-article&startPage=0&pageSize=20")
	v.SetDefault("harvest.base_url", "https://www.science.org")
	v.SetDefault("harvest.target_count", 20)
	v.SetDefault("harvest.batch_size", 10)
	v.SetDefault("harvest.resume_only", false)
	v.SetDefault("harvest.page_delay_ms", 2000)
	v.SetDefault("session.driver", DriverBrowser)
	v.SetDefault("session.headless", true)
	v.SetDefault("session.user_agent", "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36")
	v.SetDefault("session.navigation_timeout_seconds", 30)
	v.SetDefault("session.settle_delay_ms", 1500)
	v.SetDefault("session.respect_robots", false)
	v.SetDefault("health.recovery_wait_ms", 5000)
	v.SetDefault("health.recovery_attempts", 3)
	v.SetDefault("health.min_body_chars", 100)
	v.SetDefault("download.dir", "downloads")
	v.SetDefault("download.workers", 10)
	v.SetDefault("download.timeout_seconds", 30)
	v.SetDefault("download.max_attempts", 3)
	v.SetDefault("download.backoff_initial_ms", 1000)
	v.SetDefault("download.backoff_max_ms", 8000)
	v.SetDefault("download.min_bytes", 1024)
	v.SetDefault("download.rate_per_second", 2)
	v.SetDefault("download.burst", 2)
	v.SetDefault("db.driver", StoreMemory)
	v.SetDefault("db.table", "articles")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("storage.prefix", "pdfs")
	v.SetDefault("server.enabled", false)
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", true)
}

// Validate performs sanity checks on the loaded configuration.
func (c Config) Validate() error {
	var errs []error
	if c.Harvest.TargetCount < 0 {
		errs = append(errs, errors.New("harvest.target_count must be >= 0"))
	}
	if c.Harvest.BatchSize <= 0 {
		errs = append(errs, errors.New("harvest.batch_size must be > 0"))
	}
	if !c.Harvest.ResumeOnly && c.Harvest.TargetCount > 0 && c.Harvest.ListingURL == "" {
		errs = append(errs, errors.New("harvest.listing_url is required unless resume_only is set"))
	}
	switch c.Session.Driver {
	case DriverBrowser, DriverStatic, DriverMemory:
	default:
		errs = append(errs, fmt.Errorf("session.driver %q is not one of browser, static, memory", c.Session.Driver))
	}
	if c.Session.NavTimeoutSeconds <= 0 {
		errs = append(errs, errors.New("session.navigation_timeout_seconds must be > 0"))
	}
	if c.Health.RecoveryAttempts < 0 {
		errs = append(errs, errors.New("health.recovery_attempts must be >= 0"))
	}
	if c.Download.Dir == "" {
		errs = append(errs, errors.New("download.dir is required"))
	}
	if c.Download.Workers <= 0 {
		errs = append(errs, errors.New("download.workers must be > 0"))
	}
	if c.Download.TimeoutSeconds <= 0 {
		errs = append(errs, errors.New("download.timeout_seconds must be > 0"))
	}
	if c.Download.MaxAttempts <= 0 {
		errs = append(errs, errors.New("download.max_attempts must be > 0"))
	}
	if c.Download.RatePerSecond <= 0 {
		errs = append(errs, errors.New("download.rate_per_second must be > 0"))
	}
	switch c.DB.Driver {
	case StoreMemory:
	case StorePostgres:
		if c.DB.DSN == "" {
			errs = append(errs, errors.New("db.dsn is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("db.driver %q is not one of memory, postgres", c.DB.Driver))
	}
	if (c.PubSub.ProjectID == "") != (c.PubSub.TopicName == "") {
		errs = append(errs, errors.New("pubsub.project_id and pubsub.topic_name must be set together"))
	}
	if c.Server.Enabled && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		errs = append(errs, errors.New("server.port must be between 1 and 65535"))
	}
	return errors.Join(errs...)
}

// MirrorEnabled reports whether verified artifacts are copied to GCS.
func (c Config) MirrorEnabled() bool {
	return c.Storage.GCSBucket != ""
}

// NotifyEnabled reports whether download notices are published.
func (c Config) NotifyEnabled() bool {
	return c.PubSub.ProjectID != "" && c.PubSub.TopicName != ""
}

// PageDelay is the pause between listing pages.
func (c HarvestConfig) PageDelay() time.Duration {
	return time.Duration(c.PageDelayMs) * time.Millisecond
}

// NavigationTimeout bounds each page load.
func (c SessionConfig) NavigationTimeout() time.Duration {
	return time.Duration(c.NavTimeoutSeconds) * time.Second
}

// SettleDelay is waited after a page body is ready.
func (c SessionConfig) SettleDelay() time.Duration {
	return time.Duration(c.SettleDelayMs) * time.Millisecond
}

// RecoveryWait is the pause before each recovery reload.
func (c HealthConfig) RecoveryWait() time.Duration {
	return time.Duration(c.RecoveryWaitMs) * time.Millisecond
}

// Timeout bounds each download attempt.
func (c DownloadConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// BackoffInitial is the first retry delay.
func (c DownloadConfig) BackoffInitial() time.Duration {
	return time.Duration(c.BackoffInitialMs) * time.Millisecond
}

// BackoffMax caps the retry delay.
func (c DownloadConfig) BackoffMax() time.Duration {
	return time.Duration(c.BackoffMaxMs) * time.Millisecond
}
