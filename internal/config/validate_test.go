package config

import (
	"strings"
	"testing"
	"time"
)

func validConfig() *Config {
	return &Config{
		Server: ServerConfig{Host: "0.0.0.0", Port: 8080, ShutdownTimeout: 30 * time.Second},
		DB: DBConfig{
			Host: "localhost", Port: 5432, User: "relaybank",
			Password: "secret", Name: "relaybank", SSLMode: "disable", MaxConns: 25,
		},
		Redis: RedisConfig{Host: "localhost", Port: 6379},
		NATS:  NATSConfig{URL: "nats://localhost:4222", ClientName: "relaybank", WebhookMaxDeliver: 10},
		JWT:   JWTConfig{AccessSecret: "access-secret-that-is-at-least-32-chars!", Issuer: "partyline-auth"},
		Relay: RelayConfig{
			RequestTTL:       24 * time.Hour,
			ActivationWindow: 15 * time.Minute,
			MinMinutes:       5,
			DefaultMinutes:   60,
			MaxMinutes:       120,
			HardCapMinutes:   120,
			TickCooldown:     50 * time.Second,
			MaxParticipants:  6,
			BaseRate:         0.0167,
		},
		Renewal:   RenewalConfig{SweepEnabled: true, SweepInterval: time.Hour, BatchSize: 100},
		RateLimit: RateLimitConfig{Store: "redis", RequestMax: 10, RequestWindow: time.Minute, ActivationMax: 30, ActivationWindow: time.Minute},
	}
}

func TestValidate_ValidConfig(t *testing.T) {
	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
}

func TestValidate_JWTAccessSecretTooShort(t *testing.T) {
	cfg := validConfig()
	cfg.JWT.AccessSecret = "short"
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "JWT_ACCESS_SECRET") {
		t.Fatalf("expected JWT_ACCESS_SECRET error, got: %v", err)
	}
}

func TestValidate_DBPasswordRequired(t *testing.T) {
	cfg := validConfig()
	cfg.DB.Password = ""
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "DB_PASSWORD") {
		t.Fatalf("expected DB_PASSWORD error, got: %v", err)
	}
}

func TestValidate_InvalidPorts(t *testing.T) {
	cfg := validConfig()
	cfg.Server.Port = 0
	cfg.DB.Port = 99999
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected port validation errors")
	}
	if !strings.Contains(err.Error(), "SERVER_PORT") {
		t.Errorf("expected SERVER_PORT error in: %v", err)
	}
	if !strings.Contains(err.Error(), "DB_PORT") {
		t.Errorf("expected DB_PORT error in: %v", err)
	}
}

func TestValidate_RelayMinutesOutOfRange(t *testing.T) {
	cfg := validConfig()
	cfg.Relay.DefaultMinutes = 200
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "RELAY_DEFAULT_MINUTES") {
		t.Fatalf("expected RELAY_DEFAULT_MINUTES error, got: %v", err)
	}
}

func TestValidate_HardCapBelowMax(t *testing.T) {
	cfg := validConfig()
	cfg.Relay.HardCapMinutes = 90
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "RELAY_HARD_CAP_MINUTES") {
		t.Fatalf("expected RELAY_HARD_CAP_MINUTES error, got: %v", err)
	}
}

func TestValidate_UnknownRateLimitStore(t *testing.T) {
	cfg := validConfig()
	cfg.RateLimit.Store = "memcached"
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "RATELIMIT_STORE") {
		t.Fatalf("expected RATELIMIT_STORE error, got: %v", err)
	}
}

func TestValidate_MultipleErrors(t *testing.T) {
	cfg := &Config{
		Server:    ServerConfig{Port: 0},
		DB:        DBConfig{Port: 5432},
		Redis:     RedisConfig{Port: 6379},
		RateLimit: RateLimitConfig{Store: "memory"},
	}
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected multiple validation errors")
	}
	errStr := err.Error()
	for _, substr := range []string{"JWT_ACCESS_SECRET", "DB_PASSWORD", "SERVER_PORT", "RELAY_BASE_RATE", "RELAY_MAX_PARTICIPANTS"} {
		if !strings.Contains(errStr, substr) {
			t.Errorf("expected %q in error: %s", substr, errStr)
		}
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("RELAY_TICK_COOLDOWN", "30s")
	t.Setenv("RELAY_BASE_RATE", "0.02")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example, https://b.example")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("expected port 9090, got %d", cfg.Server.Port)
	}
	if cfg.Relay.TickCooldown != 30*time.Second {
		t.Errorf("expected 30s cooldown, got %s", cfg.Relay.TickCooldown)
	}
	if cfg.Relay.BaseRate != 0.02 {
		t.Errorf("expected base rate 0.02, got %v", cfg.Relay.BaseRate)
	}
	if cfg.Relay.RequestTTL != 24*time.Hour {
		t.Errorf("expected default request TTL 24h, got %s", cfg.Relay.RequestTTL)
	}
	if len(cfg.CORS.AllowedOrigins) != 2 || cfg.CORS.AllowedOrigins[1] != "https://b.example" {
		t.Errorf("unexpected origins: %v", cfg.CORS.AllowedOrigins)
	}
}

func TestLoad_BadDuration(t *testing.T) {
	t.Setenv("RELAY_REQUEST_TTL", "soon")
	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "relay.request.ttl") {
		t.Fatalf("expected relay.request.ttl parse error, got: %v", err)
	}
}
