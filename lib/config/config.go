// Copyright 2026 The Parley Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment identifies the deployment type.
type Environment string

const (
	// Development is for local development machines.
	Development Environment = "development"
	// Staging is for pre-production testing.
	Staging Environment = "staging"
	// Production is for production deployments.
	Production Environment = "production"
)

// Config is the bridge configuration.
type Config struct {
	// Environment identifies the deployment type.
	Environment Environment `yaml:"environment"`

	// Backend configures spawned backend processes and their pool.
	Backend BackendConfig `yaml:"backend"`

	// Publish configures the activity batch publisher.
	Publish PublishConfig `yaml:"publish"`

	// Surface configures the outbound chat surface gateway.
	Surface SurfaceConfig `yaml:"surface"`

	// Listen is the host:port the bridge's inbound prompt API binds
	// to. Empty means "127.0.0.1:8433".
	Listen string `yaml:"listen,omitempty"`

	// Store configures local persistence.
	Store StoreConfig `yaml:"store"`

	// LogLevel is the minimum slog level: "debug", "info", "warn",
	// "error". Empty means "info".
	LogLevel string `yaml:"log_level"`

	// Per-environment override sections, applied after the base
	// config is loaded.
	Development *Overrides `yaml:"development,omitempty"`
	Staging     *Overrides `yaml:"staging,omitempty"`
	Production  *Overrides `yaml:"production,omitempty"`
}

// BackendConfig configures backend process spawning and pooling.
type BackendConfig struct {
	// Command is the backend binary to spawn. Required.
	Command string `yaml:"command"`

	// Args are extra arguments passed to the backend binary before the
	// generated --port flag.
	Args []string `yaml:"args,omitempty"`

	// ListenHost is the loopback host backends bind to. Empty means
	// "127.0.0.1".
	ListenHost string `yaml:"listen_host,omitempty"`

	// HealthInterval is the period of the pool's health/eviction tick.
	HealthInterval time.Duration `yaml:"health_interval"`

	// IdleTimeout evicts entries unused for this long with no
	// attached tenants.
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// MaxRestartAttempts is the number of consecutive failed restarts
	// after which a pool entry is evicted.
	MaxRestartAttempts int `yaml:"max_restart_attempts"`

	// ReconnectBaseDelay and ReconnectMaxDelay bound the event-stream
	// reconnect backoff.
	ReconnectBaseDelay time.Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay  time.Duration `yaml:"reconnect_max_delay"`
}

// PublishConfig configures the activity batch publisher.
type PublishConfig struct {
	// FlushInterval is the timer-driven flush period while a
	// conversation is active.
	FlushInterval time.Duration `yaml:"flush_interval"`

	// LongContentThreshold triggers a synchronous flush when a single
	// growing entry exceeds this many characters.
	LongContentThreshold int `yaml:"long_content_threshold"`

	// SegmentLimit is the rendered size at which the publisher rolls
	// over to a new chat message instead of editing the current one.
	SegmentLimit int `yaml:"segment_limit"`
}

// SurfaceConfig configures the chat surface gateway the bridge
// publishes through.
type SurfaceConfig struct {
	// BaseURL is the gateway's HTTP base URL. Required.
	BaseURL string `yaml:"base_url"`

	// Token is the bearer token for gateway calls, if the gateway
	// requires one.
	Token string `yaml:"token,omitempty"`

	// MaxAttempts bounds surface retries per call. Zero means 5.
	MaxAttempts int `yaml:"max_attempts,omitempty"`
}

// StoreConfig configures local persistence.
type StoreConfig struct {
	// Path is the SQLite database file. Empty disables persistence
	// (finalization side effects become no-ops).
	Path string `yaml:"path,omitempty"`
}

// Overrides holds the per-environment overridable subset.
type Overrides struct {
	LogLevel *string        `yaml:"log_level,omitempty"`
	Backend  *BackendConfig `yaml:"backend,omitempty"`
	Publish  *PublishConfig `yaml:"publish,omitempty"`
	Surface  *SurfaceConfig `yaml:"surface,omitempty"`
	Store    *StoreConfig   `yaml:"store,omitempty"`
}

// Defaults for fields left zero in the file.
const (
	DefaultHealthInterval       = 30 * time.Second
	DefaultIdleTimeout          = 30 * time.Minute
	DefaultMaxRestartAttempts   = 3
	DefaultReconnectBaseDelay   = time.Second
	DefaultReconnectMaxDelay    = 30 * time.Second
	DefaultFlushInterval        = 2 * time.Second
	DefaultLongContentThreshold = 3000
	DefaultSegmentLimit         = 12000
	DefaultSurfaceMaxAttempts   = 5
)

// DefaultListen is the inbound prompt API bind address.
const DefaultListen = "127.0.0.1:8433"

// EnvVar names the environment variable pointing at the config file.
const EnvVar = "PARLEY_CONFIG"

// Path resolves the config file path from the flag value or PARLEY_CONFIG.
// The flag wins when both are set.
func Path(flagValue string) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}
	if fromEnv := os.Getenv(EnvVar); fromEnv != "" {
		return fromEnv, nil
	}
	return "", fmt.Errorf("config: no config file specified (set %s or pass --config)", EnvVar)
}

// Load reads, parses, applies environment overrides, fills defaults,
// and validates the configuration at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	cfg.applyOverrides()
	cfg.fillDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return &cfg, nil
}

// applyOverrides merges the section matching cfg.Environment over the
// base values. Only non-nil override fields are applied.
func (c *Config) applyOverrides() {
	var overrides *Overrides
	switch c.Environment {
	case Development:
		overrides = c.Development
	case Staging:
		overrides = c.Staging
	case Production:
		overrides = c.Production
	}
	if overrides == nil {
		return
	}
	if overrides.LogLevel != nil {
		c.LogLevel = *overrides.LogLevel
	}
	if overrides.Backend != nil {
		c.Backend = *overrides.Backend
	}
	if overrides.Publish != nil {
		c.Publish = *overrides.Publish
	}
	if overrides.Surface != nil {
		c.Surface = *overrides.Surface
	}
	if overrides.Store != nil {
		c.Store = *overrides.Store
	}
}

func (c *Config) fillDefaults() {
	if c.Backend.ListenHost == "" {
		c.Backend.ListenHost = "127.0.0.1"
	}
	if c.Backend.HealthInterval <= 0 {
		c.Backend.HealthInterval = DefaultHealthInterval
	}
	if c.Backend.IdleTimeout <= 0 {
		c.Backend.IdleTimeout = DefaultIdleTimeout
	}
	if c.Backend.MaxRestartAttempts <= 0 {
		c.Backend.MaxRestartAttempts = DefaultMaxRestartAttempts
	}
	if c.Backend.ReconnectBaseDelay <= 0 {
		c.Backend.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}
	if c.Backend.ReconnectMaxDelay <= 0 {
		c.Backend.ReconnectMaxDelay = DefaultReconnectMaxDelay
	}
	if c.Publish.FlushInterval <= 0 {
		c.Publish.FlushInterval = DefaultFlushInterval
	}
	if c.Publish.LongContentThreshold <= 0 {
		c.Publish.LongContentThreshold = DefaultLongContentThreshold
	}
	if c.Publish.SegmentLimit <= 0 {
		c.Publish.SegmentLimit = DefaultSegmentLimit
	}
	if c.Surface.MaxAttempts <= 0 {
		c.Surface.MaxAttempts = DefaultSurfaceMaxAttempts
	}
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
}

func (c *Config) validate() error {
	if c.Backend.Command == "" {
		return fmt.Errorf("backend.command is required")
	}
	if c.Surface.BaseURL == "" {
		return fmt.Errorf("surface.base_url is required")
	}
	if c.Backend.ReconnectBaseDelay > c.Backend.ReconnectMaxDelay {
		return fmt.Errorf("backend.reconnect_base_delay %v exceeds reconnect_max_delay %v",
			c.Backend.ReconnectBaseDelay, c.Backend.ReconnectMaxDelay)
	}
	switch c.Environment {
	case "", Development, Staging, Production:
	default:
		return fmt.Errorf("unknown environment %q", c.Environment)
	}
	return nil
}
