package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is RelayGate's Prometheus metric set, grounded on
// haasonsaas-nexus's observability.Metrics pattern of promauto-registered
// CounterVec/HistogramVec/GaugeVec fields with documented label sets.
type Metrics struct {
	// RequestCounter counts inbound API requests.
	// Labels: route, status (success|partial|error)
	RequestCounter *prometheus.CounterVec

	// FanOutDuration measures one tool server's round-trip latency.
	// Labels: server, outcome (ok|timeout|error)
	FanOutDuration *prometheus.HistogramVec

	// ActiveStreams is a gauge of currently open event streams.
	ActiveStreams prometheus.Gauge

	// RateLimitRejections counts requests denied by the Rate Limiter.
	// Labels: bucket (general|query)
	RateLimitRejections *prometheus.CounterVec

	// TokenCacheLookups counts JWKS key lookups.
	// Labels: result (hit|miss|refresh_error)
	TokenCacheLookups *prometheus.CounterVec

	// ConfirmationOutcomes counts Confirmation Endpoint results.
	// Labels: outcome (approved|cancelled|expired|forbidden|error)
	ConfirmationOutcomes *prometheus.CounterVec
}

// NewMetrics registers and returns RelayGate's metric set against the
// default Prometheus registry.
func NewMetrics() *Metrics {
	return &Metrics{
		RequestCounter: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "relaygate_requests_total",
			Help: "Total inbound API requests by route and outcome.",
		}, []string{"route", "status"}),

		FanOutDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relaygate_fanout_duration_seconds",
			Help:    "Tool-server round-trip latency by server and outcome.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		}, []string{"server", "outcome"}),

		ActiveStreams: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "relaygate_active_streams",
			Help: "Currently open query event streams.",
		}),

		RateLimitRejections: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "relaygate_ratelimit_rejections_total",
			Help: "Requests rejected by the rate limiter, by bucket.",
		}, []string{"bucket"}),

		TokenCacheLookups: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "relaygate_token_cache_lookups_total",
			Help: "JWKS key lookups by result.",
		}, []string{"result"}),

		ConfirmationOutcomes: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "relaygate_confirmation_outcomes_total",
			Help: "Confirmation Endpoint outcomes.",
		}, []string{"outcome"}),
	}
}
