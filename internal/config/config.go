// Package config loads offsync configuration.
//
// Values come from, in increasing precedence: built-in defaults, a config
// file (offsync.toml or offsync.yaml in the working directory or
// $HOME/.config/offsync, or the file named with --config), and OFFSYNC_*
// environment variables (store.quota_bytes -> OFFSYNC_STORE_QUOTA_BYTES).
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable.
const EnvPrefix = "OFFSYNC"

// DBFile is the database file name inside the data directory.
const DBFile = "offsync.db"

// Config is the typed configuration.
type Config struct {
	DataDir      string             `mapstructure:"data_dir"`
	Store        StoreConfig        `mapstructure:"store"`
	Remote       RemoteConfig       `mapstructure:"remote"`
	Sync         SyncConfig         `mapstructure:"sync"`
	Connectivity ConnectivityConfig `mapstructure:"connectivity"`
	Edge         EdgeConfig         `mapstructure:"edge"`
	Dashboard    DashboardConfig    `mapstructure:"dashboard"`
	Log          LogConfig          `mapstructure:"log"`

	// File is the config file that was read, empty when none was found.
	File string `mapstructure:"-"`
}

type StoreConfig struct {
	Driver            string  `mapstructure:"driver"`
	QuotaBytes        int64   `mapstructure:"quota_bytes"`
	NearlyFullPercent float64 `mapstructure:"nearly_full_percent"`
	SchemaVersion     int     `mapstructure:"schema_version"`
}

type RemoteConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Token   string        `mapstructure:"token"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type SyncConfig struct {
	Interval    time.Duration `mapstructure:"interval"`
	MaxRetries  int           `mapstructure:"max_retries"`
	BackoffBase time.Duration `mapstructure:"backoff_base"`
	BackoffMax  time.Duration `mapstructure:"backoff_max"`
}

type ConnectivityConfig struct {
	// ProbeURL defaults to remote.base_url when empty.
	ProbeURL      string        `mapstructure:"probe_url"`
	ProbeInterval time.Duration `mapstructure:"probe_interval"`
	Debounce      time.Duration `mapstructure:"debounce"`
}

// EdgeConfig configures the caching proxy. Listen empty disables it.
type EdgeConfig struct {
	Listen   string        `mapstructure:"listen"`
	Upstream string        `mapstructure:"upstream"`
	Manifest string        `mapstructure:"manifest"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

type DashboardConfig struct {
	Port int `mapstructure:"port"`
}

// LogConfig configures the rotating log file. File empty logs to stderr only.
type LogConfig struct {
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// SetDefaults registers every key with its default. Keys must be registered
// for environment overrides to reach Unmarshal.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", ".offsync")

	v.SetDefault("store.driver", "sqlite3")
	v.SetDefault("store.quota_bytes", int64(0))
	v.SetDefault("store.nearly_full_percent", 80.0)
	v.SetDefault("store.schema_version", 0)

	v.SetDefault("remote.base_url", "")
	v.SetDefault("remote.token", "")
	v.SetDefault("remote.timeout", 10*time.Second)

	v.SetDefault("sync.interval", 5*time.Minute)
	v.SetDefault("sync.max_retries", 3)
	v.SetDefault("sync.backoff_base", 30*time.Second)
	v.SetDefault("sync.backoff_max", 5*time.Minute)

	v.SetDefault("connectivity.probe_url", "")
	v.SetDefault("connectivity.probe_interval", 15*time.Second)
	v.SetDefault("connectivity.debounce", time.Second)

	v.SetDefault("edge.listen", "")
	v.SetDefault("edge.upstream", "")
	v.SetDefault("edge.manifest", "")
	v.SetDefault("edge.timeout", 10*time.Second)

	v.SetDefault("dashboard.port", 8080)

	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)
	v.SetDefault("log.compress", false)
}

// New returns a viper instance with defaults and environment binding, but
// no config file.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads configuration. An explicit file must exist; otherwise the
// search paths are tried and a missing file is not an error.
func Load(file string) (*Config, error) {
	v := New()
	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("offsync")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "offsync"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}
	return decode(v)
}

// FromViper decodes an already populated viper instance.
func FromViper(v *viper.Viper) (*Config, error) {
	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.File = v.ConfigFileUsed()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	var errs []error
	if c.DataDir == "" {
		errs = append(errs, fmt.Errorf("data_dir is required"))
	}
	if c.Store.QuotaBytes < 0 {
		errs = append(errs, fmt.Errorf("store.quota_bytes must be non-negative"))
	}
	if c.Store.NearlyFullPercent <= 0 || c.Store.NearlyFullPercent > 100 {
		errs = append(errs, fmt.Errorf("store.nearly_full_percent must be in (0, 100], got %v", c.Store.NearlyFullPercent))
	}
	if c.Sync.MaxRetries < 1 {
		errs = append(errs, fmt.Errorf("sync.max_retries must be at least 1"))
	}
	for key, d := range map[string]time.Duration{
		"remote.timeout":              c.Remote.Timeout,
		"sync.interval":               c.Sync.Interval,
		"sync.backoff_base":           c.Sync.BackoffBase,
		"sync.backoff_max":            c.Sync.BackoffMax,
		"connectivity.probe_interval": c.Connectivity.ProbeInterval,
		"connectivity.debounce":       c.Connectivity.Debounce,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s must be non-negative", key))
		}
	}
	if c.Sync.BackoffMax > 0 && c.Sync.BackoffBase > c.Sync.BackoffMax {
		errs = append(errs, fmt.Errorf("sync.backoff_base exceeds sync.backoff_max"))
	}
	if c.Dashboard.Port < 0 || c.Dashboard.Port > 65535 {
		errs = append(errs, fmt.Errorf("dashboard.port out of range: %d", c.Dashboard.Port))
	}
	if c.Edge.Listen != "" && (c.Edge.Upstream == "" || c.Edge.Manifest == "") {
		errs = append(errs, fmt.Errorf("edge.listen requires edge.upstream and edge.manifest"))
	}
	return errors.Join(errs...)
}

// DBPath is the database file inside the data directory.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, DBFile)
}

// ProbeURL returns the reachability probe target.
func (c *Config) ProbeURL() string {
	if c.Connectivity.ProbeURL != "" {
		return c.Connectivity.ProbeURL
	}
	return c.Remote.BaseURL
}
