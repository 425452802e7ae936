// Package config loads and validates the remotedeck configuration.
//
// Configuration is read once at startup from a YAML file (default
// ~/.remotedeck/config.yaml); every field has a working default so a missing
// file is not an error.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that decodes from YAML strings like "250ms".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// ReconnectConfig controls the reconnect supervisor.
//
// Exponential is the historical name for the linear-in-attempts delay
// schedule (baseDelay * attempt); when off the delay is a constant
// BaseDelay. The name is kept for config compatibility.
type ReconnectConfig struct {
	MaxAttempts int      `yaml:"max_attempts"`
	BaseDelay   Duration `yaml:"base_delay"`
	Exponential bool     `yaml:"exponential"`
}

// GraceConfig controls the post-launch and post-connect grace windows.
type GraceConfig struct {
	Duration Duration `yaml:"duration"`
}

// UIReadyConfig controls the bounded poll for the remote UI readiness probe.
type UIReadyConfig struct {
	Timeout      Duration `yaml:"timeout"`
	PollInterval Duration `yaml:"poll_interval"`
}

// RetryConfig controls per-operation retries.
type RetryConfig struct {
	MaxAttempts      int      `yaml:"max_attempts"`
	InitialDelay     Duration `yaml:"initial_delay"`
	GraceMinAttempts int      `yaml:"grace_min_attempts"`
}

// LauncherConfig controls target process detection and startup.
type LauncherConfig struct {
	// Path overrides install-location detection when set.
	Path             string   `yaml:"path"`
	PortWaitAttempts int      `yaml:"port_wait_attempts"`
	PortWaitInterval Duration `yaml:"port_wait_interval"`
}

// Config is the full remotedeck configuration surface.
type Config struct {
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	ConnectTimeout Duration `yaml:"connect_timeout"`

	Reconnect ReconnectConfig `yaml:"reconnect"`
	Grace     GraceConfig     `yaml:"grace"`
	UIReady   UIReadyConfig   `yaml:"ui_ready"`
	Retry     RetryConfig     `yaml:"retry"`
	Launcher  LauncherConfig  `yaml:"launcher"`
}

// Default returns a Config populated with working defaults.
func Default() *Config {
	return &Config{
		Host:           "127.0.0.1",
		Port:           9222,
		ConnectTimeout: Duration(10 * time.Second),
		Reconnect: ReconnectConfig{
			MaxAttempts: 5,
			BaseDelay:   Duration(2 * time.Second),
			Exponential: true,
		},
		Grace: GraceConfig{
			Duration: Duration(10 * time.Second),
		},
		UIReady: UIReadyConfig{
			Timeout:      Duration(15 * time.Second),
			PollInterval: Duration(500 * time.Millisecond),
		},
		Retry: RetryConfig{
			MaxAttempts:      3,
			InitialDelay:     Duration(250 * time.Millisecond),
			GraceMinAttempts: 4,
		},
		Launcher: LauncherConfig{
			PortWaitAttempts: 20,
			PortWaitInterval: Duration(500 * time.Millisecond),
		},
	}
}

// DefaultPath returns the default config file location.
func DefaultPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}
	return filepath.Join(homeDir, ".remotedeck", "config.yaml"), nil
}

// Load reads the config file at path, applying defaults for any field the
// file omits. A missing file yields the defaults. If path is empty the
// default location is used.
func Load(path string) (*Config, error) {
	if path == "" {
		var err error
		path, err = DefaultPath()
		if err != nil {
			return nil, err
		}
	}

	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}

	return cfg, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host must not be empty")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", c.Port)
	}
	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("connect_timeout must be positive")
	}
	if c.Reconnect.MaxAttempts < 1 {
		return fmt.Errorf("reconnect.max_attempts must be at least 1")
	}
	if c.Reconnect.BaseDelay < 0 {
		return fmt.Errorf("reconnect.base_delay must not be negative")
	}
	if c.Grace.Duration <= 0 {
		return fmt.Errorf("grace.duration must be positive")
	}
	if c.UIReady.Timeout <= 0 || c.UIReady.PollInterval <= 0 {
		return fmt.Errorf("ui_ready timeout and poll_interval must be positive")
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be at least 1")
	}
	if c.Retry.GraceMinAttempts < c.Retry.MaxAttempts {
		return fmt.Errorf("retry.grace_min_attempts must not be below retry.max_attempts")
	}
	if c.Launcher.PortWaitAttempts < 1 {
		return fmt.Errorf("launcher.port_wait_attempts must be at least 1")
	}
	return nil
}
