package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relaybank_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relaybank_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	RelayTicksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relaybank_relay_ticks_total",
			Help: "Relay metering ticks by outcome.",
		},
		[]string{"mode", "outcome"},
	)

	HoursConsumedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relaybank_hours_consumed_total",
			Help: "Relay hours deducted from ledgers.",
		},
	)

	SessionTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relaybank_relay_session_transitions_total",
			Help: "Relay session state transitions.",
		},
		[]string{"status"},
	)

	WebhookEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relaybank_webhook_events_total",
			Help: "Billing webhook events by type and resulting status.",
		},
		[]string{"type", "status"},
	)

	RenewalsGrantedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relaybank_renewal_cycles_granted_total",
			Help: "Monthly grant cycles applied by the renewal scheduler.",
		},
	)

	RateLimitDeniedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relaybank_rate_limit_denied_total",
			Help: "Requests rejected by the rate limiter.",
		},
		[]string{"route"},
	)
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		RelayTicksTotal,
		HoursConsumedTotal,
		SessionTransitionsTotal,
		WebhookEventsTotal,
		RenewalsGrantedTotal,
		RateLimitDeniedTotal,
	)
}
