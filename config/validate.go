package config

import "github.com/teranos/chime/errors"

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	// Database path is optional - empty defaults to "chime.db"

	// Server port: 0 means the default applies; negative or out of range is invalid
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return errors.Newf("server.port must be between 0 and 65535, got %d", c.Server.Port)
	}

	// Scheduler interval: 0 = no periodic passes (manual only), negative = invalid
	if c.Scheduler.IntervalMinutes < 0 {
		return errors.Newf("scheduler.interval_minutes must be >= 0, got %d", c.Scheduler.IntervalMinutes)
	}

	// Parallelism: 0 = sequential, negative = invalid
	if c.Scheduler.Parallelism < 0 {
		return errors.Newf("scheduler.parallelism must be >= 0, got %d", c.Scheduler.Parallelism)
	}

	// Timezone must resolve against the host tzdata
	if _, err := c.Scheduler.Location(); err != nil {
		return errors.Wrapf(err, "scheduler.timezone %q is not a valid timezone", c.Scheduler.Timezone)
	}

	// Dispatch timings: 0 = use the built-in default, negative = invalid
	if c.Dispatch.TimeoutSeconds < 0 {
		return errors.Newf("dispatch.timeout_seconds must be >= 0, got %d", c.Dispatch.TimeoutSeconds)
	}
	if c.Dispatch.PollIntervalSeconds < 0 {
		return errors.Newf("dispatch.poll_interval_seconds must be >= 0, got %d", c.Dispatch.PollIntervalSeconds)
	}

	// Poll deadline: 0 = wait indefinitely, negative = invalid
	if c.Dispatch.PollDeadlineSeconds < 0 {
		return errors.Newf("dispatch.poll_deadline_seconds must be >= 0, got %d", c.Dispatch.PollDeadlineSeconds)
	}

	// Rate limit: 0 = unlimited, negative = invalid
	if c.Dispatch.MaxRequestsPerMinute < 0 {
		return errors.Newf("dispatch.max_requests_per_minute must be >= 0, got %d", c.Dispatch.MaxRequestsPerMinute)
	}

	return nil
}
