// Package metrics defines the Prometheus collectors for the Form-Bridge
// pipeline. Collectors are registered on the default registry; the /metrics
// endpoint is gated by the metrics.enabled config flag.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Ingest metrics
	IngestRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "formbridge_ingest_requests_total",
			Help: "Total ingest requests by result",
		},
		[]string{"result"},
	)

	IngestPayloadBytes = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "formbridge_ingest_payload_bytes",
			Help:    "Ingested payload sizes in bytes",
			Buckets: prometheus.ExponentialBuckets(256, 4, 8),
		},
	)

	// Delivery metrics
	DeliveryAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "formbridge_delivery_attempts_total",
			Help: "Total delivery attempts by connector type and outcome",
		},
		[]string{"type", "outcome"},
	)

	DeliveryAttemptDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "formbridge_delivery_attempt_duration_seconds",
			Help:    "Connector invocation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"type"},
	)

	// Rate limiting
	RateLimitedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "formbridge_rate_limited_total",
			Help: "Requests deferred or rejected by the rate limiter, by scope class",
		},
		[]string{"scope"},
	)

	// Event bus
	BusPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "formbridge_bus_published_total",
			Help: "Events published to the bus by topic",
		},
		[]string{"topic"},
	)

	BusHandlerFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "formbridge_bus_handler_failures_total",
			Help: "Handler invocations that returned an error, by subscription",
		},
		[]string{"subscription"},
	)

	DLQEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "formbridge_dlq_events_total",
			Help: "Events routed to a dead-letter topic",
		},
		[]string{"topic"},
	)

	// HTTP surface
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "formbridge_http_requests_total",
			Help: "HTTP requests by method and status",
		},
		[]string{"method", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "formbridge_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

// Handler returns the Prometheus scrape handler for the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
