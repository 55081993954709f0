// Package observability bundles the prometheus metrics, health checks,
// and tracing hooks of widgetd.
package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP metrics
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "widgetd_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "widgetd_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Core metrics
	eventsPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "widgetd_events_published_total",
			Help: "Total number of events published to the event log",
		},
		[]string{"type"},
	)

	transitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "widgetd_mode_transitions_total",
			Help: "Total number of session mode transitions",
		},
		[]string{"transition"},
	)

	limitDenialsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "widgetd_limit_denials_total",
			Help: "Total number of limit check denials",
		},
		[]string{"reason"},
	)

	sessionsSweptTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "widgetd_sessions_swept_total",
			Help: "Total number of expired sessions removed by the sweep",
		},
	)

	initOnce sync.Once
)

// InitMetrics initializes Prometheus metrics
func InitMetrics() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpRequestsTotal,
			httpRequestDuration,
			eventsPublishedTotal,
			transitionsTotal,
			limitDenialsTotal,
			sessionsSweptTotal,
		)
	})
}

// MetricsHandler returns an HTTP handler for Prometheus metrics
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest records HTTP request metrics
func RecordHTTPRequest(method, path, status string, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordEventPublished counts one published event by type.
func RecordEventPublished(eventType string) {
	eventsPublishedTotal.WithLabelValues(eventType).Inc()
}

// RecordTransition counts one mode transition.
func RecordTransition(transition string) {
	transitionsTotal.WithLabelValues(transition).Inc()
}

// RecordLimitDenial counts one limit denial by reason.
func RecordLimitDenial(reason string) {
	limitDenialsTotal.WithLabelValues(reason).Inc()
}

// RecordSessionsSwept counts removed sessions.
func RecordSessionsSwept(n int64) {
	sessionsSweptTotal.Add(float64(n))
}
