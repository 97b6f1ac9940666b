package ratelimit

import (
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/partyline/relaybank/internal/api"
	"github.com/partyline/relaybank/internal/apperr"
	"github.com/partyline/relaybank/internal/auth"
	"github.com/partyline/relaybank/internal/metrics"
)

// Middleware limits a route per authenticated user, or per client IP for
// anonymous callers. Store failures let the request through.
func (l *Limiter) Middleware(route string, opts Options) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			subject := auth.UserID(r.Context())
			if subject == "" {
				subject = "ip:" + clientIP(r)
			}

			d, err := l.Check(r.Context(), route+":"+subject, opts)
			if err != nil {
				slog.Warn("rate limiter: store error, failing open", "error", err, "route", route)
				next.ServeHTTP(w, r)
				return
			}

			if !d.Allowed {
				metrics.RateLimitDeniedTotal.WithLabelValues(route).Inc()
				w.Header().Set("Retry-After", strconv.Itoa(d.RetryAfterSeconds))
				api.HandleError(w, apperr.Newf(apperr.RateLimited, "too many requests, retry in %ds", d.RetryAfterSeconds))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func clientIP(r *http.Request) string {
	// X-Forwarded-For is set by the trusted reverse proxy.
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
