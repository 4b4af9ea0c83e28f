package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Environment variables overlaid on the file config.
const (
	EnvProfile       = "ANOMESS_PROFILE"
	EnvLocalAddress  = "ANOMESS_LOCAL_ADDRESS"
	EnvRetryInterval = "ANOMESS_RETRY_INTERVAL"
	EnvLogLevel      = "ANOMESS_LOG_LEVEL"
)

// DefaultRetryInterval is how often the outbox retries pending messages when
// nothing else wakes it.
const DefaultRetryInterval = 30 * time.Second

// Config represents the global ~/.anomess/config.toml.
type Config struct {
	DefaultProfile string `toml:"default_profile"`
	LocalAddress   string `toml:"local_address"`
	RetryInterval  string `toml:"retry_interval,omitempty"` // Go duration, e.g. "30s"
	LogLevel       string `toml:"log_level,omitempty"`
}

// Load reads config from the given path. Returns zero config and error if file missing.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadOrDefault is Load, except that a missing file yields an empty config.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return &Config{}, nil
	}
	return cfg, err
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

// LoadEnvFile exports the KEY=VALUE pairs of envFile into the process
// environment. Variables already set win. A missing file is not an error.
func LoadEnvFile(envFile string) error {
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", envFile, err)
	}
	return nil
}

// ApplyEnv overlays the ANOMESS_* environment variables onto cfg.
func (c *Config) ApplyEnv() {
	if v, ok := os.LookupEnv(EnvProfile); ok && v != "" {
		c.DefaultProfile = v
	}
	if v, ok := os.LookupEnv(EnvLocalAddress); ok && v != "" {
		c.LocalAddress = v
	}
	if v, ok := os.LookupEnv(EnvRetryInterval); ok && v != "" {
		c.RetryInterval = v
	}
	if v, ok := os.LookupEnv(EnvLogLevel); ok && v != "" {
		c.LogLevel = v
	}
}

// Interval parses RetryInterval, falling back to DefaultRetryInterval when unset.
func (c *Config) Interval() (time.Duration, error) {
	if c.RetryInterval == "" {
		return DefaultRetryInterval, nil
	}
	d, err := time.ParseDuration(c.RetryInterval)
	if err != nil {
		return 0, fmt.Errorf("retry_interval: %w", err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("retry_interval: must be positive, got %s", d)
	}
	return d, nil
}
