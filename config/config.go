// Package config loads the sync core's YAML configuration. The file is
// read once at startup; nothing here is re-read while the process runs.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Sync        SyncConfig        `yaml:"sync"`
	Pool        PoolConfig        `yaml:"pool"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
}

// ServerConfig locates the orchestrator backend.
type ServerConfig struct {
	BaseURL  string `yaml:"base_url"`
	PushPath string `yaml:"push_path"`
	Token    string `yaml:"token"`
}

// SyncConfig tunes the push channel and the polling fallback.
type SyncConfig struct {
	PollInterval          time.Duration `yaml:"poll_interval"`
	PollJitter            time.Duration `yaml:"poll_jitter"`
	ReconnectBaseDelay    time.Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay     time.Duration `yaml:"reconnect_max_delay"`
	ReconnectMaxAttempts  int           `yaml:"reconnect_max_attempts"`
	DegradedRetryInterval time.Duration `yaml:"degraded_retry_interval"`
}

// PoolConfig mirrors the backend's session-pool tuning. The timeouts are
// informational for the dashboard (the backend computes them); TargetSize
// and MaxConcurrent drive local refill decisions.
type PoolConfig struct {
	TargetSize         int           `yaml:"target_size"`
	MaxConcurrent      int           `yaml:"max_concurrent"`
	IdleTimeout        time.Duration `yaml:"idle_timeout"`
	HibernationTimeout time.Duration `yaml:"hibernation_timeout"`
	MaxLifetime        time.Duration `yaml:"max_lifetime"`
}

// MaintenanceConfig controls the cleanup janitor. CleanupSchedule, when
// set, is a cron expression that overrides the fixed interval.
type MaintenanceConfig struct {
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	CleanupSchedule string        `yaml:"cleanup_schedule"`
}

// TelemetryConfig enables the OpenTelemetry metrics provider.
type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ServiceName string `yaml:"service_name"`
}

// Default returns the configuration used when no file overrides it.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			BaseURL:  "http://127.0.0.1:8090",
			PushPath: "/ws",
		},
		Sync: SyncConfig{
			PollInterval:          15 * time.Second,
			PollJitter:            2 * time.Second,
			ReconnectBaseDelay:    time.Second,
			ReconnectMaxDelay:     30 * time.Second,
			ReconnectMaxAttempts:  6,
			DegradedRetryInterval: time.Minute,
		},
		Pool: PoolConfig{
			TargetSize:         3,
			MaxConcurrent:      10,
			IdleTimeout:        5 * time.Minute,
			HibernationTimeout: 30 * time.Minute,
			MaxLifetime:        2 * time.Hour,
		},
		Maintenance: MaintenanceConfig{
			CleanupInterval: 10 * time.Minute,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "mcps-dashboard",
		},
	}
}

// Load reads a YAML file over the defaults. Fields absent from the file
// keep their default values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// LoadOrDefault loads the file if it exists and falls back to defaults
// when it does not. Any other error (unreadable, invalid) is returned.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if os.IsNotExist(err) {
		return Default(), nil
	}
	return cfg, err
}

// Validate rejects values the sync core cannot run with.
func (c *Config) Validate() error {
	if c.Server.BaseURL == "" {
		return fmt.Errorf("server.base_url is empty")
	}
	if _, err := url.Parse(c.Server.BaseURL); err != nil {
		return fmt.Errorf("server.base_url: %w", err)
	}
	if c.Sync.PollInterval <= 0 {
		return fmt.Errorf("sync.poll_interval must be positive, got %v", c.Sync.PollInterval)
	}
	if c.Sync.PollJitter < 0 || c.Sync.PollJitter >= c.Sync.PollInterval {
		return fmt.Errorf("sync.poll_jitter must be in [0, poll_interval), got %v", c.Sync.PollJitter)
	}
	if c.Sync.ReconnectBaseDelay <= 0 {
		return fmt.Errorf("sync.reconnect_base_delay must be positive, got %v", c.Sync.ReconnectBaseDelay)
	}
	if c.Sync.ReconnectMaxDelay < c.Sync.ReconnectBaseDelay {
		return fmt.Errorf("sync.reconnect_max_delay %v is below the base delay %v",
			c.Sync.ReconnectMaxDelay, c.Sync.ReconnectBaseDelay)
	}
	if c.Sync.ReconnectMaxAttempts < 1 {
		return fmt.Errorf("sync.reconnect_max_attempts must be at least 1, got %d", c.Sync.ReconnectMaxAttempts)
	}
	if c.Sync.DegradedRetryInterval <= 0 {
		return fmt.Errorf("sync.degraded_retry_interval must be positive, got %v", c.Sync.DegradedRetryInterval)
	}
	if c.Pool.TargetSize < 0 {
		return fmt.Errorf("pool.target_size must not be negative, got %d", c.Pool.TargetSize)
	}
	if c.Pool.MaxConcurrent > 0 && c.Pool.TargetSize > c.Pool.MaxConcurrent {
		return fmt.Errorf("pool.target_size %d exceeds pool.max_concurrent %d",
			c.Pool.TargetSize, c.Pool.MaxConcurrent)
	}
	if c.Maintenance.CleanupInterval <= 0 && c.Maintenance.CleanupSchedule == "" {
		return fmt.Errorf("maintenance.cleanup_interval must be positive when no cleanup_schedule is set")
	}
	return nil
}

// PushURL derives the WebSocket URL from the HTTP base URL, swapping the
// scheme and appending the push path.
func (c *Config) PushURL() string {
	u, err := url.Parse(c.Server.BaseURL)
	if err != nil {
		return "ws://127.0.0.1:8090" + c.Server.PushPath
	}
	scheme := "ws"
	if strings.HasPrefix(u.Scheme, "https") {
		scheme = "wss"
	}
	return fmt.Sprintf("%s://%s%s", scheme, u.Host, c.Server.PushPath)
}
