package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// Validate checks Config for production-critical problems.
// It collects all errors into a single joined error.
func (c *Config) Validate() error {
	var errs []string

	if len(c.JWT.AccessSecret) < 32 {
		errs = append(errs, "JWT_ACCESS_SECRET must be at least 32 characters")
	}

	if c.DB.Password == "" {
		errs = append(errs, "DB_PASSWORD is required")
	}

	// Port ranges
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("SERVER_PORT must be 1–65535, got %d", c.Server.Port))
	}
	if c.DB.Port < 1 || c.DB.Port > 65535 {
		errs = append(errs, fmt.Sprintf("DB_PORT must be 1–65535, got %d", c.DB.Port))
	}
	if c.Redis.Port < 1 || c.Redis.Port > 65535 {
		errs = append(errs, fmt.Sprintf("REDIS_PORT must be 1–65535, got %d", c.Redis.Port))
	}

	// Relay limits
	r := c.Relay
	if r.MinMinutes < 1 || r.MinMinutes > r.MaxMinutes {
		errs = append(errs, fmt.Sprintf("RELAY_MIN_MINUTES must be 1–%d, got %d", r.MaxMinutes, r.MinMinutes))
	}
	if r.DefaultMinutes < r.MinMinutes || r.DefaultMinutes > r.MaxMinutes {
		errs = append(errs, fmt.Sprintf("RELAY_DEFAULT_MINUTES must be %d–%d, got %d", r.MinMinutes, r.MaxMinutes, r.DefaultMinutes))
	}
	if r.HardCapMinutes < r.MaxMinutes {
		errs = append(errs, "RELAY_HARD_CAP_MINUTES must not be below RELAY_MAX_MINUTES")
	}
	if r.MaxParticipants < 1 {
		errs = append(errs, "RELAY_MAX_PARTICIPANTS must be positive")
	}
	if r.BaseRate <= 0 {
		errs = append(errs, "RELAY_BASE_RATE must be positive")
	}
	if r.RequestTTL <= 0 || r.ActivationWindow <= 0 || r.TickCooldown <= 0 {
		errs = append(errs, "RELAY_REQUEST_TTL, RELAY_ACTIVATION_WINDOW and RELAY_TICK_COOLDOWN must be positive")
	}

	if c.Renewal.SweepEnabled && c.Renewal.SweepInterval <= 0 {
		errs = append(errs, "RENEWAL_SWEEP_INTERVAL must be positive when the sweeper is enabled")
	}

	switch c.RateLimit.Store {
	case "memory":
		slog.Warn("RATELIMIT_STORE is memory: limits are not shared across instances")
	case "redis":
	default:
		errs = append(errs, fmt.Sprintf("RATELIMIT_STORE must be memory or redis, got %q", c.RateLimit.Store))
	}

	if !c.NATS.Enabled() {
		slog.Warn("NATS_URL is empty: webhooks are ingested inline and audit events are dropped")
	}

	if len(errs) > 0 {
		return errors.New("config validation failed:\n  " + strings.Join(errs, "\n  "))
	}
	return nil
}
