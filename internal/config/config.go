// Package config loads the daemon configuration from ~/.duet/config.toml
// with environment-variable overrides. All timing behavior of the sync core
// (dedupe window, backoff, poll cadence) is configured here rather than
// hard-coded, so deployments can tune them without a rebuild.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
)

// Config is the root of config.toml.
type Config struct {
	DefaultSession string `toml:"default_session" env:"DUET_SESSION"`

	Server ServerConfig `toml:"server"`
	Sync   SyncConfig   `toml:"sync"`
}

// ServerConfig identifies the upstream chat server and this client's
// identity on it. Token acquisition is outside the daemon; operators put a
// valid token here or in DUET_TOKEN.
type ServerConfig struct {
	APIURL    string `toml:"api_url" env:"DUET_API_URL"`
	SocketURL string `toml:"socket_url" env:"DUET_SOCKET_URL"`
	Username  string `toml:"username" env:"DUET_USERNAME"`
	Token     string `toml:"token" env:"DUET_TOKEN"`
}

// SyncConfig holds the tunable constants of the synchronization core.
// Durations are integers in the named unit to keep the TOML obvious.
type SyncConfig struct {
	DedupeWindowMS   int `toml:"dedupe_window_ms" env:"DUET_DEDUPE_WINDOW_MS"`
	ConnectTimeoutMS int `toml:"connect_timeout_ms" env:"DUET_CONNECT_TIMEOUT_MS"`
	RequestTimeoutMS int `toml:"request_timeout_ms" env:"DUET_REQUEST_TIMEOUT_MS"`
	BackoffBaseMS    int `toml:"backoff_base_ms" env:"DUET_BACKOFF_BASE_MS"`
	BackoffMaxMS     int `toml:"backoff_max_ms" env:"DUET_BACKOFF_MAX_MS"`
	MaxRetries       int `toml:"max_retries" env:"DUET_MAX_RETRIES"`

	PresencePollS     int `toml:"presence_poll_s" env:"DUET_PRESENCE_POLL_S"`
	PresenceIdlePollS int `toml:"presence_idle_poll_s" env:"DUET_PRESENCE_IDLE_POLL_S"`
	RefreshS          int `toml:"refresh_s" env:"DUET_REFRESH_S"`

	SendQueueSize int `toml:"send_queue_size" env:"DUET_SEND_QUEUE_SIZE"`
}

// Load reads config from path (a missing file yields pure defaults), then
// applies environment overrides and defaults.
func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
	}
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("env overrides: %w", err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// Save writes cfg to path, creating parent dirs as needed.
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

// Validate checks the fields the daemon cannot run without.
func (c *Config) Validate() error {
	if c.Server.APIURL == "" {
		return fmt.Errorf("server.api_url is required")
	}
	if c.Server.SocketURL == "" {
		return fmt.Errorf("server.socket_url is required")
	}
	if c.Server.Username == "" {
		return fmt.Errorf("server.username is required")
	}
	return nil
}

func (c *Config) applyDefaults() {
	s := &c.Sync
	if s.DedupeWindowMS <= 0 {
		s.DedupeWindowMS = 2000
	}
	if s.ConnectTimeoutMS <= 0 {
		s.ConnectTimeoutMS = 10000
	}
	if s.RequestTimeoutMS <= 0 {
		s.RequestTimeoutMS = 15000
	}
	if s.BackoffBaseMS <= 0 {
		s.BackoffBaseMS = 2000
	}
	if s.BackoffMaxMS <= 0 {
		s.BackoffMaxMS = 60000
	}
	if s.MaxRetries <= 0 {
		s.MaxRetries = 10
	}
	if s.PresencePollS <= 0 {
		s.PresencePollS = 30
	}
	if s.PresenceIdlePollS <= 0 {
		s.PresenceIdlePollS = 300
	}
	if s.RefreshS <= 0 {
		s.RefreshS = 70
	}
	if s.SendQueueSize <= 0 {
		s.SendQueueSize = 64
	}
}

// Duration accessors so call sites never multiply units themselves.

func (s SyncConfig) DedupeWindow() time.Duration   { return time.Duration(s.DedupeWindowMS) * time.Millisecond }
func (s SyncConfig) ConnectTimeout() time.Duration { return time.Duration(s.ConnectTimeoutMS) * time.Millisecond }
func (s SyncConfig) RequestTimeout() time.Duration { return time.Duration(s.RequestTimeoutMS) * time.Millisecond }
func (s SyncConfig) BackoffBase() time.Duration    { return time.Duration(s.BackoffBaseMS) * time.Millisecond }
func (s SyncConfig) BackoffMax() time.Duration     { return time.Duration(s.BackoffMaxMS) * time.Millisecond }
func (s SyncConfig) PresencePoll() time.Duration   { return time.Duration(s.PresencePollS) * time.Second }
func (s SyncConfig) PresenceIdlePoll() time.Duration {
	return time.Duration(s.PresenceIdlePollS) * time.Second
}
func (s SyncConfig) Refresh() time.Duration { return time.Duration(s.RefreshS) * time.Second }
