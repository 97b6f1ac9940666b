package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/dotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Server     ServerConfig
	DB         DBConfig
	Redis      RedisConfig
	NATS       NATSConfig
	JWT        JWTConfig
	Log        LogConfig
	CORS       CORSConfig
	Relay      RelayConfig
	Renewal    RenewalConfig
	RateLimit  RateLimitConfig
	Migrations MigrationsConfig
}

type ServerConfig struct {
	Host            string
	Port            int
	ShutdownTimeout time.Duration
}

type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string
	SSLMode  string
	MaxConns int32
}

func (c DBConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Name, c.SSLMode)
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// NATSConfig is optional. An empty URL runs webhook ingestion inline and
// drops audit events.
type NATSConfig struct {
	URL               string
	ClientName        string
	WebhookMaxDeliver int
}

func (c NATSConfig) Enabled() bool {
	return c.URL != ""
}

// JWTConfig validates access tokens minted by the identity provider.
type JWTConfig struct {
	AccessSecret string
	Issuer       string
}

type LogConfig struct {
	Level  string
	Format string
}

type CORSConfig struct {
	AllowedOrigins []string
}

// RelayConfig holds the relay session limits.
type RelayConfig struct {
	RequestTTL       time.Duration
	ActivationWindow time.Duration
	MinMinutes       int
	DefaultMinutes   int
	MaxMinutes       int
	HardCapMinutes   int
	TickCooldown     time.Duration
	MaxParticipants  int
	BaseRate         float64
}

type RenewalConfig struct {
	SweepEnabled  bool
	SweepInterval time.Duration
	BatchSize     int
}

// RateLimitConfig selects the counter store ("memory" or "redis") and the
// per-route budgets.
type RateLimitConfig struct {
	Store            string
	RequestMax       int
	RequestWindow    time.Duration
	ActivationMax    int
	ActivationWindow time.Duration
}

type MigrationsConfig struct {
	Path      string
	AutoApply bool
}

func Load() (*Config, error) {
	k := koanf.New(".")

	// Load .env file if it exists (ignore error if missing)
	_ = k.Load(file.Provider(".env"), dotenv.Parser())

	// Load environment variables (override .env)
	err := k.Load(env.Provider("", ".", func(s string) string {
		return strings.ToLower(strings.ReplaceAll(s, "_", "."))
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("loading env vars: %w", err)
	}

	cfg := &Config{
		Server: ServerConfig{
			Host: k.String("server.host"),
			Port: k.Int("server.port"),
		},
		DB: DBConfig{
			Host:     k.String("db.host"),
			Port:     k.Int("db.port"),
			User:     k.String("db.user"),
			Password: k.String("db.password"),
			Name:     k.String("db.name"),
			SSLMode:  k.String("db.sslmode"),
			MaxConns: int32(k.Int("db.max.conns")),
		},
		Redis: RedisConfig{
			Host:     k.String("redis.host"),
			Port:     k.Int("redis.port"),
			Password: k.String("redis.password"),
			DB:       k.Int("redis.db"),
		},
		NATS: NATSConfig{
			URL:               k.String("nats.url"),
			ClientName:        k.String("nats.client.name"),
			WebhookMaxDeliver: k.Int("nats.webhook.max.deliver"),
		},
		JWT: JWTConfig{
			AccessSecret: k.String("jwt.access.secret"),
			Issuer:       k.String("jwt.issuer"),
		},
		Log: LogConfig{
			Level:  k.String("log.level"),
			Format: k.String("log.format"),
		},
		CORS: CORSConfig{
			AllowedOrigins: splitList(k.String("cors.allowed.origins")),
		},
		Relay: RelayConfig{
			MinMinutes:      k.Int("relay.min.minutes"),
			DefaultMinutes:  k.Int("relay.default.minutes"),
			MaxMinutes:      k.Int("relay.max.minutes"),
			HardCapMinutes:  k.Int("relay.hard.cap.minutes"),
			MaxParticipants: k.Int("relay.max.participants"),
			BaseRate:        k.Float64("relay.base.rate"),
		},
		Renewal: RenewalConfig{
			SweepEnabled: k.String("renewal.sweep.enabled") != "false",
			BatchSize:    k.Int("renewal.batch.size"),
		},
		RateLimit: RateLimitConfig{
			Store:         k.String("ratelimit.store"),
			RequestMax:    k.Int("ratelimit.request.max"),
			ActivationMax: k.Int("ratelimit.activation.max"),
		},
		Migrations: MigrationsConfig{
			Path:      k.String("migrations.path"),
			AutoApply: k.Bool("migrations.auto.apply"),
		},
	}

	// Apply defaults
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.DB.Host == "" {
		cfg.DB.Host = "localhost"
	}
	if cfg.DB.Port == 0 {
		cfg.DB.Port = 5432
	}
	if cfg.DB.User == "" {
		cfg.DB.User = "relaybank"
	}
	if cfg.DB.Name == "" {
		cfg.DB.Name = "relaybank"
	}
	if cfg.DB.SSLMode == "" {
		cfg.DB.SSLMode = "disable"
	}
	if cfg.DB.MaxConns == 0 {
		cfg.DB.MaxConns = 25
	}
	if cfg.Redis.Host == "" {
		cfg.Redis.Host = "localhost"
	}
	if cfg.Redis.Port == 0 {
		cfg.Redis.Port = 6379
	}
	if cfg.NATS.ClientName == "" {
		cfg.NATS.ClientName = "relaybank"
	}
	if cfg.NATS.WebhookMaxDeliver == 0 {
		cfg.NATS.WebhookMaxDeliver = 10
	}
	if cfg.JWT.Issuer == "" {
		cfg.JWT.Issuer = "partyline-auth"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	if cfg.Relay.MinMinutes == 0 {
		cfg.Relay.MinMinutes = 5
	}
	if cfg.Relay.DefaultMinutes == 0 {
		cfg.Relay.DefaultMinutes = 60
	}
	if cfg.Relay.MaxMinutes == 0 {
		cfg.Relay.MaxMinutes = 120
	}
	if cfg.Relay.HardCapMinutes == 0 {
		cfg.Relay.HardCapMinutes = 120
	}
	if cfg.Relay.MaxParticipants == 0 {
		cfg.Relay.MaxParticipants = 6
	}
	if cfg.Relay.BaseRate == 0 {
		cfg.Relay.BaseRate = 0.0167
	}
	if cfg.Renewal.BatchSize == 0 {
		cfg.Renewal.BatchSize = 100
	}
	if cfg.RateLimit.Store == "" {
		cfg.RateLimit.Store = "memory"
	}
	if cfg.RateLimit.RequestMax == 0 {
		cfg.RateLimit.RequestMax = 10
	}
	if cfg.RateLimit.ActivationMax == 0 {
		cfg.RateLimit.ActivationMax = 30
	}
	if cfg.Migrations.Path == "" {
		cfg.Migrations.Path = "migrations"
	}

	// Parse durations
	durations := []struct {
		key      string
		fallback string
		dst      *time.Duration
	}{
		{"server.shutdown.timeout", "30s", &cfg.Server.ShutdownTimeout},
		{"relay.request.ttl", "24h", &cfg.Relay.RequestTTL},
		{"relay.activation.window", "15m", &cfg.Relay.ActivationWindow},
		{"relay.tick.cooldown", "50s", &cfg.Relay.TickCooldown},
		{"renewal.sweep.interval", "1h", &cfg.Renewal.SweepInterval},
		{"ratelimit.request.window", "1m", &cfg.RateLimit.RequestWindow},
		{"ratelimit.activation.window", "1m", &cfg.RateLimit.ActivationWindow},
	}
	for _, d := range durations {
		raw := k.String(d.key)
		if raw == "" {
			raw = d.fallback
		}
		*d.dst, err = time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("parsing %s: %w", d.key, err)
		}
	}

	return cfg, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
