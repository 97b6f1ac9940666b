package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/partyline/relaybank/internal/api"
	"github.com/partyline/relaybank/internal/audit"
	"github.com/partyline/relaybank/internal/auth"
	"github.com/partyline/relaybank/internal/billing"
	"github.com/partyline/relaybank/internal/config"
	"github.com/partyline/relaybank/internal/database"
	"github.com/partyline/relaybank/internal/ledger"
	inats "github.com/partyline/relaybank/internal/nats"
	"github.com/partyline/relaybank/internal/ratelimit"
	iredis "github.com/partyline/relaybank/internal/redis"
	"github.com/partyline/relaybank/internal/relay"
	"github.com/partyline/relaybank/internal/server"
	"github.com/partyline/relaybank/internal/store"
)

var errNATSDisconnected = errors.New("nats connection is not healthy")

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("loading config", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	setupLogger(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// PostgreSQL
	if cfg.Migrations.AutoApply {
		if err := database.RunMigrations(cfg.DB.DSN(), cfg.Migrations.Path); err != nil {
			slog.Error("applying migrations", "error", err)
			os.Exit(1)
		}
	}
	pool, err := database.NewPostgresPool(ctx, cfg.DB)
	if err != nil {
		slog.Error("connecting to postgres", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	healthChecks := []api.HealthCheck{
		{Name: "postgres", Check: func(ctx context.Context) error { return database.HealthCheck(ctx, pool) }},
		{Name: "redis"},
		{Name: "nats"},
	}

	// NATS (optional)
	var (
		natsClient *inats.Client
		publisher  *inats.Publisher
	)
	if cfg.NATS.Enabled() {
		natsClient, err = inats.NewClient(ctx, cfg.NATS)
		if err != nil {
			slog.Error("connecting to nats", "error", err)
			os.Exit(1)
		}
		defer natsClient.Close()
		publisher = inats.NewPublisher(natsClient.JetStream())
		healthChecks[2].Check = func(context.Context) error {
			if !natsClient.Healthy() {
				return errNATSDisconnected
			}
			return nil
		}
	}

	// Audit
	auditRepo := audit.NewRepository(pool)
	var recorder *audit.Recorder
	if publisher != nil {
		recorder = audit.NewRecorder(publisher)
	}

	// Ledger and relay sessions
	st := store.NewPostgres(pool)
	l := ledger.New(st, recorder)
	relaySvc := relay.NewService(st, l, recorder, cfg.Relay)

	// Billing
	var swapper billing.PriceSwapper
	var queue billing.Enqueuer
	if publisher != nil {
		swapper = publisher
		queue = publisher
	}
	billingSync := billing.NewSync(st, l, swapper, recorder)

	// Background workers
	if natsClient != nil {
		consumerMgr := inats.NewConsumerManager(natsClient.JetStream())
		go runWorker(ctx, "billing consumer", billing.NewConsumer(billingSync, consumerMgr, cfg.NATS.WebhookMaxDeliver).Start)
		go runWorker(ctx, "audit consumer", audit.NewConsumer(auditRepo, consumerMgr).Start)
	}
	if cfg.Renewal.SweepEnabled {
		go runWorker(ctx, "renewal sweeper", ledger.NewSweeper(l, st, cfg.Renewal.SweepInterval, cfg.Renewal.BatchSize).Start)
	}

	// Rate limiting
	var limitStore ratelimit.Store = ratelimit.NewMemoryStore()
	if cfg.RateLimit.Store == "redis" {
		redisClient, err := iredis.NewClient(ctx, cfg.Redis)
		if err != nil {
			slog.Error("connecting to redis", "error", err)
			os.Exit(1)
		}
		defer redisClient.Close()
		limitStore = ratelimit.NewRedisStore(redisClient)
		healthChecks[1].Check = func(ctx context.Context) error { return iredis.HealthCheck(ctx, redisClient) }
	}
	limiter := ratelimit.New(limitStore)

	// Auth
	jwtManager := auth.NewJWTManager(cfg.JWT.AccessSecret, cfg.JWT.Issuer, 0)

	// Handlers
	ledgerHandler := ledger.NewHandler(l)
	relayHandler := relay.NewHandler(relaySvc)
	auditHandler := audit.NewHandler(auditRepo)
	receiver := billing.NewReceiver(billingSync, queue)

	router := api.NewRouter(api.RouterConfig{
		CORSAllowedOrigins: cfg.CORS.AllowedOrigins,
		HealthChecks:       healthChecks,
	}, api.HandlerSet{
		AuthMiddleware: auth.Middleware(jwtManager),

		Profile:       ledgerHandler.Profile,
		Statement:     ledgerHandler.Statement,
		ListAuditLogs: auditHandler.ListAuditLogs,

		RequestRelay:     relayHandler.RequestAccess,
		ListRelay:        relayHandler.ListOpen,
		DecideRelay:      relayHandler.Decide,
		ActivateRelay:    relayHandler.Activate,
		TickRelay:        relayHandler.Tick,
		EndRelay:         relayHandler.End,
		RelayEligibility: relayHandler.Eligibility,

		RequestRateLimit: limiter.Middleware("relay-request", ratelimit.Options{
			MaxHits: cfg.RateLimit.RequestMax,
			Window:  cfg.RateLimit.RequestWindow,
		}),
		ActivationRateLimit: limiter.Middleware("relay-activate", ratelimit.Options{
			MaxHits: cfg.RateLimit.ActivationMax,
			Window:  cfg.RateLimit.ActivationWindow,
		}),

		BillingWebhook: receiver.Receive,
	})

	// Start server
	srv := server.New(cfg.Server, router)
	if err := srv.Start(ctx); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

func runWorker(ctx context.Context, name string, start func(context.Context) error) {
	if err := start(ctx); err != nil {
		slog.Error("worker stopped", "worker", name, "error", err)
	}
}

func setupLogger(cfg config.LogConfig) {
	var handler slog.Handler

	opts := &slog.HandlerOptions{}
	switch cfg.Level {
	case "debug":
		opts.Level = slog.LevelDebug
	case "warn":
		opts.Level = slog.LevelWarn
	case "error":
		opts.Level = slog.LevelError
	default:
		opts.Level = slog.LevelInfo
	}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	slog.SetDefault(slog.New(handler))
}
