// Package config loads and saves the service's YAML configuration,
// creating a default file with 0600 permissions on first run.
package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// BasicAuthConfig holds HTTP Basic Auth credentials for the API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// Config is the top-level service configuration.
type Config struct {
	// Listen is the HTTP listen address.
	Listen string `yaml:"listen" json:"listen"`

	// Timezone is the IANA timezone every local feed timestamp is
	// interpreted in (e.g. "Europe/Rome"). Per-event TZID values are
	// not honored.
	Timezone string `yaml:"timezone" json:"timezone"`

	// FeedURL is the ICS feed to ingest.
	FeedURL string `yaml:"feed_url" json:"feed_url"`

	// WindowDays is how many days ahead of today the rebuild expands.
	WindowDays int `yaml:"window_days" json:"window_days"`

	// StaleAfterMinutes is the snapshot age that makes a query arm a
	// background refresh.
	StaleAfterMinutes int `yaml:"stale_after_minutes" json:"stale_after_minutes"`

	// RefreshCron schedules the unconditional periodic rebuild
	// (e.g. "*/10 * * * *").
	RefreshCron string `yaml:"refresh" json:"refresh"`

	// FetchTimeoutSeconds bounds each download attempt.
	FetchTimeoutSeconds int `yaml:"fetch_timeout_seconds" json:"fetch_timeout_seconds"`

	// FetchRetries is the number of extra download attempts after the
	// first.
	FetchRetries int `yaml:"fetch_retries" json:"fetch_retries"`

	// NotifyDBPath is where the subscription database lives.
	NotifyDBPath string `yaml:"notify_db" json:"notify_db"`

	// BasicAuth, if non-nil with both fields set, protects every
	// endpoint except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

// DefaultConfig returns the in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:              "127.0.0.1:8080",
		Timezone:            "Europe/Rome",
		WindowDays:          3,
		StaleAfterMinutes:   15,
		RefreshCron:         "*/10 * * * *",
		FetchTimeoutSeconds: 20,
		FetchRetries:        2,
		NotifyDBPath:        "./var/classcal.db",
	}
}

// Normalize fills missing or out-of-range values with defaults so
// partially filled configs from older versions still behave.
func (c *Config) Normalize() {
	def := DefaultConfig()
	if c.Listen == "" {
		c.Listen = def.Listen
	}
	if c.Timezone == "" {
		c.Timezone = def.Timezone
	}
	if c.WindowDays <= 0 {
		c.WindowDays = def.WindowDays
	}
	if c.StaleAfterMinutes <= 0 {
		c.StaleAfterMinutes = def.StaleAfterMinutes
	}
	if c.RefreshCron == "" {
		c.RefreshCron = def.RefreshCron
	}
	if c.FetchTimeoutSeconds <= 0 {
		c.FetchTimeoutSeconds = def.FetchTimeoutSeconds
	}
	if c.FetchRetries < 0 {
		c.FetchRetries = def.FetchRetries
	}
	if c.NotifyDBPath == "" {
		c.NotifyDBPath = def.NotifyDBPath
	}
}

// StaleAfter returns the staleness threshold as a duration.
func (c *Config) StaleAfter() time.Duration {
	return time.Duration(c.StaleAfterMinutes) * time.Minute
}

// FetchTimeout returns the per-attempt download timeout as a duration.
func (c *Config) FetchTimeout() time.Duration {
	return time.Duration(c.FetchTimeoutSeconds) * time.Second
}

// Location resolves the configured timezone, falling back to time.Local
// when it cannot be loaded.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

// Load reads the YAML config at path. A missing file is treated as a
// first run: the default config is written there and returned.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.Normalize()
	return &cfg, nil
}

// Save writes cfg to path atomically (temp file + rename) with 0600
// permissions, creating the parent directory as needed.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}
	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".classcal-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
