package config

import (
	"github.com/spf13/viper"
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	// Database defaults
	v.SetDefault("database.path", "chime.db")

	// Server configuration defaults
	v.SetDefault("server.port", DefaultServerPort)
	v.SetDefault("server.allowed_origins", []string{
		"http://localhost",
		"https://localhost",
		"http://127.0.0.1",
		"https://127.0.0.1",
	})

	// Scheduler defaults
	v.SetDefault("scheduler.timezone", "America/New_York")
	v.SetDefault("scheduler.interval_minutes", 15)
	v.SetDefault("scheduler.parallelism", 1)

	// Dispatch defaults
	v.SetDefault("dispatch.timeout_seconds", 600)
	v.SetDefault("dispatch.poll_interval_seconds", 30)
	v.SetDefault("dispatch.poll_deadline_seconds", 0)   // 0 = wait indefinitely
	v.SetDefault("dispatch.max_requests_per_minute", 0) // 0 = unlimited
	v.SetDefault("dispatch.block_private_endpoints", false)
}

// BindSensitiveEnvVars explicitly binds sensitive configuration to environment variables
func BindSensitiveEnvVars(v *viper.Viper) {
	// Bearer token for outbound dispatches
	v.BindEnv("dispatch.auth_token", "CHIME_DISPATCH_AUTH_TOKEN")

	// Database path
	v.BindEnv("database.path", "CHIME_DATABASE_PATH")
}
