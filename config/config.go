// Package config loads and validates chime configuration from the standard
// cascade: built-in defaults, /etc/chime/config.toml, ~/.chime/chime.toml,
// a project-local chime.toml found by walking up from the working directory,
// and finally CHIME_* environment variables.
package config

import (
	"time"
)

// Config represents the full chime configuration.
type Config struct {
	Database  DatabaseConfig  `mapstructure:"database"`
	Server    ServerConfig    `mapstructure:"server"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Dispatch  DispatchConfig  `mapstructure:"dispatch"`
}

// DatabaseConfig configures the SQLite database
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// ServerConfig configures the chime HTTP server
type ServerConfig struct {
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// SchedulerConfig configures the scheduling pass
type SchedulerConfig struct {
	// Timezone all schedule arithmetic happens in (default: America/New_York).
	// Jobs store wall-clock times; the evaluator interprets them here.
	Timezone string `mapstructure:"timezone"`

	// IntervalMinutes is how often the daemon runs a scheduling pass (default: 15)
	IntervalMinutes int `mapstructure:"interval_minutes"`

	// Parallelism caps concurrent dispatches within a pass.
	// 0 or 1 = sequential (default), N > 1 = up to N jobs in flight at once.
	Parallelism int `mapstructure:"parallelism"`
}

// DispatchConfig configures outbound service calls
type DispatchConfig struct {
	TimeoutSeconds      int `mapstructure:"timeout_seconds"`       // Per-dispatch HTTP timeout (default: 600)
	PollIntervalSeconds int `mapstructure:"poll_interval_seconds"` // Completion poll cadence (default: 30)

	// PollDeadlineSeconds bounds how long a dispatch waits for an async
	// service to finish. 0 = wait indefinitely (default).
	PollDeadlineSeconds int `mapstructure:"poll_deadline_seconds"`

	// MaxRequestsPerMinute rate-limits outbound dispatches. 0 = unlimited (default).
	MaxRequestsPerMinute int `mapstructure:"max_requests_per_minute"`

	// AuthToken is sent as a bearer token on dispatch requests when set.
	// Bind via CHIME_DISPATCH_AUTH_TOKEN rather than config files.
	AuthToken string `mapstructure:"auth_token"`

	// BlockPrivateEndpoints rejects dispatch targets that resolve to
	// loopback or RFC1918 addresses. Off by default; most deployments
	// call services on their own network.
	BlockPrivateEndpoints bool `mapstructure:"block_private_endpoints"`
}

// DefaultServerPort is used when server.port is not configured.
const DefaultServerPort = 8877

// File system constants
const (
	DefaultDirPermissions  = 0755 // Standard directory permissions (rwxr-xr-x)
	DefaultFilePermissions = 0644 // Standard file permissions (rw-r--r--)
)

// GetDatabasePath returns the configured database path
func (c *Config) GetDatabasePath() string {
	if c.Database.Path == "" {
		return "chime.db" // Fallback default
	}
	return c.Database.Path
}

// GetServerAllowedOrigins returns the allowed CORS origins
func (c *Config) GetServerAllowedOrigins() []string {
	if len(c.Server.AllowedOrigins) == 0 {
		return []string{
			"http://localhost",
			"https://localhost",
			"http://127.0.0.1",
			"https://127.0.0.1",
		}
	}
	return c.Server.AllowedOrigins
}

// Location resolves the scheduler timezone. Falls back to America/New_York
// when unset; errors only on a timezone the host tzdata doesn't know.
func (s SchedulerConfig) Location() (*time.Location, error) {
	name := s.Timezone
	if name == "" {
		name = "America/New_York"
	}
	return time.LoadLocation(name)
}

// Interval returns the scheduling pass cadence as a duration.
func (s SchedulerConfig) Interval() time.Duration {
	minutes := s.IntervalMinutes
	if minutes <= 0 {
		minutes = 15
	}
	return time.Duration(minutes) * time.Minute
}

// EffectiveParallelism normalizes parallelism to at least 1.
func (s SchedulerConfig) EffectiveParallelism() int {
	if s.Parallelism < 1 {
		return 1
	}
	return s.Parallelism
}

// Timeout returns the per-dispatch HTTP timeout as a duration.
func (d DispatchConfig) Timeout() time.Duration {
	seconds := d.TimeoutSeconds
	if seconds <= 0 {
		seconds = 600
	}
	return time.Duration(seconds) * time.Second
}

// PollInterval returns the completion poll cadence as a duration.
func (d DispatchConfig) PollInterval() time.Duration {
	seconds := d.PollIntervalSeconds
	if seconds <= 0 {
		seconds = 30
	}
	return time.Duration(seconds) * time.Second
}

// PollDeadline returns how long to wait for async completion, 0 = unbounded.
func (d DispatchConfig) PollDeadline() time.Duration {
	if d.PollDeadlineSeconds <= 0 {
		return 0
	}
	return time.Duration(d.PollDeadlineSeconds) * time.Second
}
