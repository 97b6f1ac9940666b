package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	mw "github.com/partyline/relaybank/internal/middleware"
)

// HandlerSet holds handler functions injected from main.go to avoid import cycles.
type HandlerSet struct {
	AuthMiddleware func(http.Handler) http.Handler

	// Ledger
	Profile       http.HandlerFunc
	Statement     http.HandlerFunc
	ListAuditLogs http.HandlerFunc

	// Relay sessions
	RequestRelay     http.HandlerFunc
	ListRelay        http.HandlerFunc
	DecideRelay      http.HandlerFunc
	ActivateRelay    http.HandlerFunc
	TickRelay        http.HandlerFunc
	EndRelay         http.HandlerFunc
	RelayEligibility http.HandlerFunc

	// Optional per-route rate limits
	RequestRateLimit    func(http.Handler) http.Handler
	ActivationRateLimit func(http.Handler) http.Handler

	// Billing webhook, forwarded by the signature-verifying proxy
	BillingWebhook http.HandlerFunc
}

// HealthCheck probes one dependency for the readiness endpoint. A nil Check
// reports the dependency as not configured.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// RouterConfig holds configuration for the router.
type RouterConfig struct {
	CORSAllowedOrigins []string
	HealthChecks       []HealthCheck
}

func NewRouter(cfg RouterConfig, h HandlerSet) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(mw.RequestID)
	r.Use(mw.SecurityHeaders)
	r.Use(mw.Logging)
	r.Use(mw.Recovery)
	r.Use(mw.Metrics)
	r.Use(cors.Handler(mw.CORS(cfg.CORSAllowedOrigins)))

	// Liveness probe: always 200, no dependency checks
	r.Get("/health/live", func(w http.ResponseWriter, r *http.Request) {
		JSON(w, http.StatusOK, map[string]string{"status": "alive"})
	})

	readiness := readinessHandler(cfg.HealthChecks)
	r.Get("/health/ready", readiness)
	r.Get("/health", readiness)

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		if h.BillingWebhook != nil {
			r.Post("/webhooks/billing", h.BillingWebhook)
		}

		r.Group(func(r chi.Router) {
			r.Use(h.AuthMiddleware)

			r.Route("/relay", func(r chi.Router) {
				r.Get("/profile", h.Profile)
				r.Get("/statement", h.Statement)
				r.Get("/audit", h.ListAuditLogs)
				r.Post("/requests/{requestID}/decision", h.DecideRelay)
			})

			r.Route("/lobbies/{lobbyID}/relay", func(r chi.Router) {
				r.With(optional(h.RequestRateLimit)).Post("/requests", h.RequestRelay)
				r.Get("/requests", h.ListRelay)
				r.With(optional(h.ActivationRateLimit)).Post("/activate", h.ActivateRelay)
				r.Post("/tick", h.TickRelay)
				r.Post("/end", h.EndRelay)
				r.Get("/eligibility", h.RelayEligibility)
			})
		})
	})

	return r
}

// readinessHandler reports each dependency; any failing check makes the
// service unready.
func readinessHandler(checks []HealthCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()

		health := map[string]string{"status": "healthy"}
		status := http.StatusOK

		for _, c := range checks {
			if c.Check == nil {
				health[c.Name] = "not configured"
				continue
			}
			if err := c.Check(ctx); err != nil {
				health[c.Name] = "unhealthy"
				health["status"] = "degraded"
				status = http.StatusServiceUnavailable
				continue
			}
			health[c.Name] = "healthy"
		}

		JSON(w, status, health)
	}
}

func optional(m func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	if m == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return m
}
