package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/agonn78/p2p-chat/internal/backoff"
)

// Config represents the global ~/.p2pchat/config.toml.
type Config struct {
	DefaultProfile string        `toml:"default_profile"`
	Server         ServerConfig  `toml:"server"`
	Outbox         OutboxConfig  `toml:"outbox"`
	Reconnect      BackoffConfig `toml:"reconnect"`
	History        HistoryConfig `toml:"history"`
}

// ServerConfig locates the chat server and the identity used against it.
type ServerConfig struct {
	BaseURL  string `toml:"base_url"`
	WSURL    string `toml:"ws_url"`
	Token    string `toml:"token"`
	UserID   string `toml:"user_id"`
	Username string `toml:"username"`
}

// OutboxConfig tunes the redelivery loop.
type OutboxConfig struct {
	PollInterval Duration      `toml:"poll_interval"`
	StaleAfter   Duration      `toml:"stale_after"`
	Backoff      BackoffConfig `toml:"backoff"`
}

// BackoffConfig mirrors backoff.Config with TOML-friendly durations.
type BackoffConfig struct {
	BaseDelay   Duration `toml:"base_delay"`
	MaxDelay    Duration `toml:"max_delay"`
	JitterRatio float64  `toml:"jitter_ratio"`
	MaxAttempts int      `toml:"max_attempts"`
}

// HistoryConfig controls paging.
type HistoryConfig struct {
	PageSize int `toml:"page_size"`
}

// Duration is a time.Duration written as a string such as "2s".
type Duration struct {
	time.Duration
}

// D wraps d.
func D(d time.Duration) Duration { return Duration{d} }

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// Resolve returns the backoff curve described by c. A section with no delays
// set falls back to def entirely; otherwise unset fields take def's values.
func (c BackoffConfig) Resolve(def backoff.Config) backoff.Config {
	if c == (BackoffConfig{}) {
		return def
	}
	out := def
	if c.BaseDelay.Duration > 0 {
		out.BaseDelay = c.BaseDelay.Duration
	}
	if c.MaxDelay.Duration > 0 {
		out.MaxDelay = c.MaxDelay.Duration
	}
	if c.JitterRatio > 0 {
		out.JitterRatio = c.JitterRatio
	}
	if c.MaxAttempts > 0 {
		out.MaxAttempts = c.MaxAttempts
	}
	if out.MaxDelay < out.BaseDelay {
		out.MaxDelay = out.BaseDelay
	}
	return out
}

// OutboxBackoff is the redelivery curve, defaulting to backoff.Outbox.
func (c *Config) OutboxBackoff() backoff.Config {
	return c.Outbox.Backoff.Resolve(backoff.Outbox)
}

// ReconnectBackoff is the event socket curve, defaulting to backoff.Reconnect.
func (c *Config) ReconnectBackoff() backoff.Config {
	return c.Reconnect.Resolve(backoff.Reconnect)
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
