package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	DefaultBaseURL      = "http://localhost:8080"
	DefaultPollInterval = 5 * time.Second
	DefaultLogLevel     = "info"
)

// Duration is a time.Duration that round-trips through TOML as a string ("5s").
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config represents the global ~/.howudoin/config.toml.
type Config struct {
	DefaultProfile string   `toml:"default_profile"`
	BaseURL        string   `toml:"base_url"`
	PollInterval   Duration `toml:"poll_interval"`
	LogLevel       string   `toml:"log_level"`
	// RequestTimeout of zero leaves the HTTP client's own default in place.
	RequestTimeout Duration `toml:"request_timeout"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		BaseURL:      DefaultBaseURL,
		PollInterval: Duration{DefaultPollInterval},
		LogLevel:     DefaultLogLevel,
	}
}

// Load reads config from the given path. Returns nil config and error if file missing.
// Fields absent from the file keep their defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// LoadOrDefault is Load, except a missing file yields Default().
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// Validate checks field values that cannot be expressed in TOML types.
func (c *Config) Validate() error {
	u, err := url.Parse(c.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("base_url %q is not an absolute URL", c.BaseURL)
	}
	if c.PollInterval.Duration < 0 {
		return fmt.Errorf("poll_interval must not be negative")
	}
	if c.RequestTimeout.Duration < 0 {
		return fmt.Errorf("request_timeout must not be negative")
	}
	return nil
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
