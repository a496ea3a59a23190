// Package metrics exposes Prometheus collectors for the permit service.
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal           *prometheus.CounterVec
	httpRequestDurationSeconds  *prometheus.HistogramVec
	portalInteractionsTotal     *prometheus.CounterVec
	portalInteractionSeconds    *prometheus.HistogramVec
	portalRateLimitDelaySeconds prometheus.Histogram

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "permitd_http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "permitd_http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		portalInteractionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "permitd_portal_interactions_total",
				Help: "Total portal interactions, labeled by operation and result.",
			},
			[]string{"op", "result"},
		)

		portalInteractionSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "permitd_portal_interaction_seconds",
				Help:    "Histogram of portal round-trip latencies, labeled by operation.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"op"},
		)

		portalRateLimitDelaySeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "permitd_portal_rate_limit_delay_seconds",
				Help:    "Histogram of waits imposed by the shared portal rate limiter.",
				Buckets: []float64{0.01, 0.1, 0.5, 1, 2, 5, 10},
			},
		)
	})
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObservePortalInteraction records one portal round trip.
func ObservePortalInteraction(op string, ok bool, duration time.Duration) {
	Init()
	result := "ok"
	if !ok {
		result = "error"
	}
	portalInteractionsTotal.WithLabelValues(op, result).Inc()
	portalInteractionSeconds.WithLabelValues(op).Observe(duration.Seconds())
}

// ObserveRateLimitDelay records the duration of a portal rate limit wait.
func ObserveRateLimitDelay(duration time.Duration) {
	Init()
	portalRateLimitDelaySeconds.Observe(duration.Seconds())
}
