// Package metrics defines the Prometheus instrumentation for the gateway.
// All collectors hang off a single Metrics value so tests can use a
// private registry without collisions.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every collector the gateway emits.
type Metrics struct {
	Requests          *prometheus.CounterVec   // endpoint, status_class, engine
	UpstreamSelected  *prometheus.CounterVec   // model, upstream
	UpstreamLatency   *prometheus.HistogramVec // endpoint, engine
	TTFT              *prometheus.HistogramVec // engine
	RateLimitAdmitted prometheus.Counter
	RateLimitBlocked  prometheus.Counter
	LimiterStoreErrs  prometheus.Counter
	AuthAllowed       prometheus.Counter
	AuthBlocked       *prometheus.CounterVec // reason
	StateTransitions  *prometheus.CounterVec // engine, to
	HealthProbes      *prometheus.CounterVec // result
	UsageDropped      prometheus.Counter
	StreamsOpen       prometheus.Gauge
}

// New registers all gateway collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		Requests: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "cortex_requests_total",
			Help: "Inference requests by endpoint, status class, and engine.",
		}, []string{"endpoint", "status_class", "engine"}),
		UpstreamSelected: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "cortex_upstream_selected_total",
			Help: "Upstream selections by served model name and upstream URL.",
		}, []string{"model", "upstream"}),
		UpstreamLatency: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cortex_upstream_latency_seconds",
			Help:    "Upstream request latency by endpoint and engine.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"endpoint", "engine"}),
		TTFT: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cortex_stream_ttft_seconds",
			Help:    "Time to first streamed byte by engine.",
			Buckets: prometheus.ExponentialBuckets(0.025, 2, 12),
		}, []string{"engine"}),
		RateLimitAdmitted: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "cortex_ratelimit_admitted_total",
			Help: "Requests admitted by the rate limiter.",
		}),
		RateLimitBlocked: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "cortex_ratelimit_blocked_total",
			Help: "Requests blocked by the rate limiter.",
		}),
		LimiterStoreErrs: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "cortex_ratelimit_store_errors_total",
			Help: "Times the limiter store was unavailable and the configured open/closed policy applied.",
		}),
		AuthAllowed: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "cortex_auth_allowed_total",
			Help: "Successful API key authentications.",
		}),
		AuthBlocked: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "cortex_auth_blocked_total",
			Help: "Rejected authentications by reason.",
		}, []string{"reason"}),
		StateTransitions: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "cortex_container_transitions_total",
			Help: "Model container state transitions by engine and target state.",
		}, []string{"engine", "to"}),
		HealthProbes: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "cortex_health_probes_total",
			Help: "Upstream health probe outcomes.",
		}, []string{"result"}),
		UsageDropped: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "cortex_usage_dropped_total",
			Help: "Usage records dropped because the store was unavailable or the buffer was full.",
		}),
		StreamsOpen: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "cortex_streams_open",
			Help: "Currently open streaming responses.",
		}),
	}
}

// StatusClass buckets an HTTP status code as "2xx", "4xx", or "5xx".
func StatusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	default:
		return "2xx"
	}
}
