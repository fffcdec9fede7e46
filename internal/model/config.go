package model

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Network policy values for SyncConfig.Network.
const (
	NetworkWifi     = "wifi"
	NetworkCellular = "cellular"
	NetworkOffline  = "offline"
)

// Identity fan-out policy values for IdentityConfig.FanOut.
const (
	FanOutPerAddressBook = "per_address_book"
	FanOutSingle         = "single"
)

// DatabaseConfig locates the local SQLite database.
type DatabaseConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// SyncConfig holds orchestrator tuning.
type SyncConfig struct {
	// DefaultIntervalSec applies to accounts and collections without an
	// interval of their own.
	DefaultIntervalSec int `mapstructure:"default_interval_sec" yaml:"default_interval_sec"`

	// MaxConcurrency bounds how many collections sync at the same time.
	MaxConcurrency int `mapstructure:"max_concurrency" yaml:"max_concurrency"`

	// Network is the assumed current network type (wifi, cellular, offline).
	Network string `mapstructure:"network" yaml:"network"`

	// RequestTimeoutSec bounds a single HTTP request.
	RequestTimeoutSec int `mapstructure:"request_timeout_sec" yaml:"request_timeout_sec"`

	// SchedulerTickSec is how often periodic sync eligibility is checked.
	SchedulerTickSec int `mapstructure:"scheduler_tick_sec" yaml:"scheduler_tick_sec"`
}

// LoginFlowConfig tunes the delegated browser login.
type LoginFlowConfig struct {
	TimeoutSec      int `mapstructure:"timeout_sec" yaml:"timeout_sec"`
	PollIntervalSec int `mapstructure:"poll_interval_sec" yaml:"poll_interval_sec"`
}

// IdentityConfig selects the platform identity fan-out policy.
type IdentityConfig struct {
	FanOut string `mapstructure:"fan_out" yaml:"fan_out"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
	Output string `mapstructure:"output" yaml:"output"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled    bool   `mapstructure:"enabled" yaml:"enabled"`
	ListenAddr string `mapstructure:"listen_addr" yaml:"listen_addr"`
}

// KeyringConfig configures the secret store.
type KeyringConfig struct {
	// FileDir is used by the encrypted-file fallback backend.
	FileDir string `mapstructure:"file_dir" yaml:"file_dir"`
}

// AppConfig is the top-level application configuration.
type AppConfig struct {
	Database  DatabaseConfig  `mapstructure:"database" yaml:"database"`
	Sync      SyncConfig      `mapstructure:"sync" yaml:"sync"`
	LoginFlow LoginFlowConfig `mapstructure:"login_flow" yaml:"login_flow"`
	Identity  IdentityConfig  `mapstructure:"identity" yaml:"identity"`
	Logging   LoggingConfig   `mapstructure:"logging" yaml:"logging"`
	Metrics   MetricsConfig   `mapstructure:"metrics" yaml:"metrics"`
	Keyring   KeyringConfig   `mapstructure:"keyring" yaml:"keyring"`
}

// DefaultInterval returns the default sync interval as a duration.
func (c SyncConfig) DefaultInterval() time.Duration {
	return time.Duration(c.DefaultIntervalSec) * time.Second
}

// RequestTimeout returns the per-request HTTP timeout.
func (c SyncConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSec) * time.Second
}

// Timeout returns the hard upper bound of one login-flow poll.
func (c LoginFlowConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSec) * time.Second
}

// PollInterval returns the fixed poll cadence.
func (c LoginFlowConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSec) * time.Second
}

// ConfigDir returns ~/.config/pimsync, or the working directory when the
// home directory cannot be determined.
func ConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "pimsync")
}

// DefaultConfigPath returns the default path for the configuration file,
// located at ~/.config/pimsync/config.yaml.
func DefaultConfigPath() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}

// defaultAppConfig returns a sensible default configuration.
func defaultAppConfig() *AppConfig {
	return &AppConfig{
		Database: DatabaseConfig{
			Path: filepath.Join(ConfigDir(), "pimsync.db"),
		},
		Sync: SyncConfig{
			DefaultIntervalSec: 3600,
			MaxConcurrency:     4,
			Network:            NetworkWifi,
			RequestTimeoutSec:  30,
			SchedulerTickSec:   60,
		},
		LoginFlow: LoginFlowConfig{
			TimeoutSec:      300,
			PollIntervalSec: 2,
		},
		Identity: IdentityConfig{
			FanOut: FanOutPerAddressBook,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Metrics: MetricsConfig{
			Enabled:    false,
			ListenAddr: "127.0.0.1:9464",
		},
		Keyring: KeyringConfig{
			FileDir: filepath.Join(ConfigDir(), "credentials"),
		},
	}
}

// DefaultAppConfig returns the configuration used when no file exists.
func DefaultAppConfig() *AppConfig {
	return defaultAppConfig()
}

// LoadConfig reads configuration from the given YAML file path using Viper.
// If the file does not exist, it returns a default configuration.
func LoadConfig(path string) (*AppConfig, error) {
	def := defaultAppConfig()

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("PIMSYNC")
	v.AutomaticEnv()

	// Set defaults so missing keys resolve to sensible values.
	v.SetDefault("database.path", def.Database.Path)
	v.SetDefault("sync.default_interval_sec", def.Sync.DefaultIntervalSec)
	v.SetDefault("sync.max_concurrency", def.Sync.MaxConcurrency)
	v.SetDefault("sync.network", def.Sync.Network)
	v.SetDefault("sync.request_timeout_sec", def.Sync.RequestTimeoutSec)
	v.SetDefault("sync.scheduler_tick_sec", def.Sync.SchedulerTickSec)
	v.SetDefault("login_flow.timeout_sec", def.LoginFlow.TimeoutSec)
	v.SetDefault("login_flow.poll_interval_sec", def.LoginFlow.PollIntervalSec)
	v.SetDefault("identity.fan_out", def.Identity.FanOut)
	v.SetDefault("logging.level", def.Logging.Level)
	v.SetDefault("logging.format", def.Logging.Format)
	v.SetDefault("logging.output", def.Logging.Output)
	v.SetDefault("metrics.enabled", def.Metrics.Enabled)
	v.SetDefault("metrics.listen_addr", def.Metrics.ListenAddr)
	v.SetDefault("keyring.file_dir", def.Keyring.FileDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(*os.PathError); ok {
			return def, nil
		}
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return def, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg := defaultAppConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config %s: %w", path, err)
	}

	return cfg, nil
}

// Validate checks value ranges and enumerations.
func (c *AppConfig) Validate() error {
	if c.Sync.MaxConcurrency < 1 {
		return fmt.Errorf("sync.max_concurrency must be at least 1 (got %d)", c.Sync.MaxConcurrency)
	}
	if c.Sync.DefaultIntervalSec < 60 {
		return fmt.Errorf("sync.default_interval_sec must be at least 60 (got %d)", c.Sync.DefaultIntervalSec)
	}
	switch c.Sync.Network {
	case NetworkWifi, NetworkCellular, NetworkOffline:
	default:
		return fmt.Errorf("sync.network must be one of wifi, cellular, offline (got %q)", c.Sync.Network)
	}
	switch c.Identity.FanOut {
	case FanOutPerAddressBook, FanOutSingle:
	default:
		return fmt.Errorf("identity.fan_out must be per_address_book or single (got %q)", c.Identity.FanOut)
	}
	if c.LoginFlow.TimeoutSec <= 0 || c.LoginFlow.PollIntervalSec <= 0 {
		return fmt.Errorf("login_flow timeout and poll interval must be positive")
	}
	return nil
}

// SaveConfig writes the given configuration to a YAML file at path,
// creating parent directories if needed.
func SaveConfig(path string, cfg *AppConfig) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating config directory %s: %w", dir, err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.Set("database", cfg.Database)
	v.Set("sync", cfg.Sync)
	v.Set("login_flow", cfg.LoginFlow)
	v.Set("identity", cfg.Identity)
	v.Set("logging", cfg.Logging)
	v.Set("metrics", cfg.Metrics)
	v.Set("keyring", cfg.Keyring)

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}

	return nil
}
