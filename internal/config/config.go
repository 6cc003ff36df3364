// Package config loads the pairxferd daemon configuration.
//
// Configuration is read from a single YAML file named by the
// PAIRXFER_CONFIG environment variable or the --config flag. Values not
// present in the file keep their defaults.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/gonzalop/pairxfer"
	"github.com/gonzalop/pairxfer/storage"
)

// EnvVar names the environment variable read by Load.
const EnvVar = "PAIRXFER_CONFIG"

// Config is the daemon configuration.
type Config struct {
	// Storage configures the directory shared with the paired device.
	Storage StorageConfig `yaml:"storage"`

	// Anonymous configures the FTP variant.
	Anonymous VariantConfig `yaml:"anonymous"`

	// Authenticated configures the SFTP variant.
	Authenticated AuthenticatedConfig `yaml:"authenticated"`

	// Listen configures ports and addresses.
	Listen ListenConfig `yaml:"listen"`

	// Timeouts bound startup, shutdown and idle sessions.
	Timeouts TimeoutsConfig `yaml:"timeouts"`

	// BandwidthLimit caps transfers in bytes per second. 0 is unlimited.
	BandwidthLimit int64 `yaml:"bandwidth_limit"`

	Log LogConfig `yaml:"log"`

	Metrics MetricsConfig `yaml:"metrics"`
}

// StorageConfig configures the served directory.
type StorageConfig struct {
	// Root is the directory served to clients. Required.
	Root string `yaml:"root"`

	// Strategy is "auto", "direct" or "sandboxed". Default: auto.
	Strategy string `yaml:"strategy"`

	// ReadOnly rejects every client write.
	ReadOnly bool `yaml:"read_only"`
}

// VariantConfig toggles a server variant.
type VariantConfig struct {
	Enabled bool `yaml:"enabled"`
}

// AuthenticatedConfig configures the SFTP variant.
type AuthenticatedConfig struct {
	Enabled bool `yaml:"enabled"`

	// HostKeyPath stores the Ed25519 host key. Created on first use.
	// Empty means a new key on every run.
	HostKeyPath string `yaml:"host_key_path"`
}

// ListenConfig configures where the servers listen.
type ListenConfig struct {
	// Host is the bind address. Empty binds every interface.
	Host string `yaml:"host"`

	// FirstPort and LastPort bound the inclusive port scan.
	FirstPort int `yaml:"first_port"`
	LastPort  int `yaml:"last_port"`
}

// TimeoutsConfig holds Go duration strings such as "5s".
type TimeoutsConfig struct {
	Attempt  time.Duration `yaml:"attempt"`
	Shutdown time.Duration `yaml:"shutdown"`
	Idle     time.Duration `yaml:"idle"`
}

// LogConfig configures the daemon logger.
type LogConfig struct {
	// Level is debug, info, warn or error. Default: info.
	Level string `yaml:"level"`

	// Format is "text" or "json". Default: text.
	Format string `yaml:"format"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	// Listen is the address serving /metrics. Empty disables it.
	Listen string `yaml:"listen"`
}

// Default returns the default configuration. Storage.Root has no default.
func Default() *Config {
	return &Config{
		Storage: StorageConfig{
			Strategy: storage.Auto.String(),
		},
		Anonymous:     VariantConfig{Enabled: true},
		Authenticated: AuthenticatedConfig{Enabled: true},
		Listen: ListenConfig{
			FirstPort: pairxfer.DefaultFirstPort,
			LastPort:  pairxfer.DefaultLastPort,
		},
		Timeouts: TimeoutsConfig{
			Attempt:  5 * time.Second,
			Shutdown: 5 * time.Second,
			Idle:     5 * time.Minute,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load loads configuration from the file named by PAIRXFER_CONFIG.
func Load() (*Config, error) {
	path := os.Getenv(EnvVar)
	if path == "" {
		return nil, fmt.Errorf("%s environment variable not set; "+
			"set it to the path of your pairxferd.yaml file, or use --config", EnvVar)
	}
	return LoadFile(path)
}

// LoadFile loads configuration from path on top of Default. ${VAR}
// references in paths are expanded from the environment.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	cfg.Storage.Root = os.ExpandEnv(cfg.Storage.Root)
	cfg.Authenticated.HostKeyPath = os.ExpandEnv(cfg.Authenticated.HostKeyPath)
	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Storage.Root == "" {
		errs = append(errs, errors.New("storage.root is required"))
	}
	if _, err := storage.ParseStrategy(c.Storage.Strategy); err != nil {
		errs = append(errs, fmt.Errorf("storage.strategy: %w", err))
	}

	if !c.Anonymous.Enabled && !c.Authenticated.Enabled {
		errs = append(errs, errors.New("at least one of anonymous.enabled and authenticated.enabled must be set"))
	}

	if c.Listen.FirstPort < 1 || c.Listen.LastPort > 65535 || c.Listen.FirstPort > c.Listen.LastPort {
		errs = append(errs, fmt.Errorf("listen: invalid port range %d-%d", c.Listen.FirstPort, c.Listen.LastPort))
	}

	if c.Timeouts.Attempt <= 0 {
		errs = append(errs, errors.New("timeouts.attempt must be positive"))
	}
	if c.Timeouts.Shutdown <= 0 {
		errs = append(errs, errors.New("timeouts.shutdown must be positive"))
	}
	if c.Timeouts.Idle < 0 {
		errs = append(errs, errors.New("timeouts.idle must not be negative"))
	}
	if c.BandwidthLimit < 0 {
		errs = append(errs, errors.New("bandwidth_limit must not be negative"))
	}

	if _, err := c.Log.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}

	return errors.Join(errs...)
}

// SlogLevel parses Level.
func (l LogConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}

// Options converts the configuration into server options. The logger and
// metrics collector are supplied by the caller.
func (c *Config) Options() ([]pairxfer.Option, error) {
	strategy, err := storage.ParseStrategy(c.Storage.Strategy)
	if err != nil {
		return nil, err
	}
	return []pairxfer.Option{
		pairxfer.WithListenHost(c.Listen.Host),
		pairxfer.WithPortRange(c.Listen.FirstPort, c.Listen.LastPort),
		pairxfer.WithAttemptTimeout(c.Timeouts.Attempt),
		pairxfer.WithShutdownTimeout(c.Timeouts.Shutdown),
		pairxfer.WithIdleTimeout(c.Timeouts.Idle),
		pairxfer.WithBandwidthLimit(c.BandwidthLimit),
		pairxfer.WithReadOnly(c.Storage.ReadOnly),
		pairxfer.WithStorageStrategy(strategy),
	}, nil
}
