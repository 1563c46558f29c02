// Package metrics provides Prometheus instrumentation for portalwatch.
package metrics

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// EventsEmittedTotal counts emit outcomes by event type and result.
	EventsEmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "portalwatch",
			Name:      "events_emitted_total",
			Help:      "Total event emissions by event type and outcome.",
		},
		[]string{"event_type", "result"},
	)

	// QueueDepth tracks the current number of entries in the offline queue.
	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "portalwatch",
			Name:      "offline_queue_depth",
			Help:      "Current number of envelopes in the offline queue.",
		},
	)

	// QueueEvictionsTotal counts envelopes dropped under capacity pressure.
	QueueEvictionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "portalwatch",
			Name:      "offline_queue_evictions_total",
			Help:      "Total envelopes evicted from the offline queue (drop-oldest).",
		},
	)

	// QueueFlushesTotal counts flush cycle results.
	QueueFlushesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "portalwatch",
			Name:      "offline_queue_flushes_total",
			Help:      "Total flush cycles by result.",
		},
		[]string{"result"},
	)

	// PatternsDetectedTotal counts suspicious patterns raised by the detector.
	PatternsDetectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "portalwatch",
			Name:      "patterns_detected_total",
			Help:      "Total suspicious patterns detected by pattern kind.",
		},
		[]string{"pattern"},
	)

	// BlockSignalsTotal counts block-state signals by action.
	BlockSignalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "portalwatch",
			Name:      "block_signals_total",
			Help:      "Total block-state signals observed by action.",
		},
		[]string{"action"},
	)

	// ReconcilerPollsTotal counts fingerprint poll cycles by result.
	ReconcilerPollsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "portalwatch",
			Name:      "reconciler_polls_total",
			Help:      "Total fingerprint list poll cycles by result.",
		},
		[]string{"result"},
	)

	// NewFingerprintsTotal counts newly observed fingerprints across polls.
	NewFingerprintsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "portalwatch",
			Name:      "new_fingerprints_total",
			Help:      "Total fingerprints first observed by the reconciler.",
		},
	)

	// ActiveWebSocketClients tracks connected console subscribers.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "portalwatch",
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected WebSocket subscribers.",
		},
	)

	// RateLimitedTotal counts console requests rejected by the rate limiter.
	RateLimitedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "portalwatch",
			Name:      "rate_limited_requests_total",
			Help:      "Total console requests rejected with 429.",
		},
	)

	// HTTPRequestsTotal counts console HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "portalwatch",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status bucket.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes console request latency.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "portalwatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

func init() {
	prometheus.MustRegister(
		EventsEmittedTotal,
		QueueDepth,
		QueueEvictionsTotal,
		QueueFlushesTotal,
		PatternsDetectedTotal,
		BlockSignalsTotal,
		ReconcilerPollsTotal,
		NewFingerprintsTotal,
		ActiveWebSocketClients,
		RateLimitedTotal,
		HTTPRequestsTotal,
		HTTPRequestDuration,
	)
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // Route pattern, not actual path (avoids cardinality explosion)
		))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
