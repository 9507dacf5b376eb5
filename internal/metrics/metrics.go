// Package metrics provides Prometheus metrics for the gateway.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Default histogram buckets for API latency.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

// Metrics holds all Prometheus metric collectors for the gateway.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	BackendDuration  *prometheus.HistogramVec
	BackendResponses *prometheus.CounterVec
	BackendFailures  *prometheus.CounterVec

	StagedFiles prometheus.Gauge
	StagedBytes prometheus.Counter
}

// New creates a Metrics instance with a custom registry and all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "storefront_gateway_http_requests_total",
			Help: "Total inbound HTTP requests.",
		}, []string{"method", "status_code", "path_prefix"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "storefront_gateway_http_request_duration_seconds",
			Help:    "Inbound HTTP request latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "path_prefix"}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "storefront_gateway_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed.",
		}),

		BackendDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "storefront_gateway_backend_request_duration_seconds",
			Help:    "Backend call latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"backend", "method"}),

		BackendResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "storefront_gateway_backend_responses_total",
			Help: "Total backend responses by backend, method and status code.",
		}, []string{"backend", "method", "status_code"}),

		BackendFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "storefront_gateway_backend_failures_total",
			Help: "Backend calls that produced no response, by reason.",
		}, []string{"backend", "reason"}),

		StagedFiles: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "storefront_gateway_staged_files",
			Help: "Uploaded files currently staged on disk.",
		}),

		StagedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "storefront_gateway_staged_bytes_total",
			Help: "Total bytes of uploaded files written to the staging directory.",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.BackendDuration,
		m.BackendResponses,
		m.BackendFailures,
		m.StagedFiles,
		m.StagedBytes,
	)

	return m
}

// knownMethods lists the allowed HTTP method label values (bounded cardinality).
var knownMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true,
	"PATCH": true, "HEAD": true, "OPTIONS": true,
}

// NormalizeMethod returns a bounded HTTP method label for Prometheus metrics.
// Non-standard methods are mapped to "other" to prevent cardinality explosion.
func NormalizeMethod(method string) string {
	if knownMethods[method] {
		return method
	}
	return "other"
}

// knownPrefixes lists the allowed path label values (bounded cardinality).
// Longer prefixes come first so /api/v1/categories is not folded into /api.
var knownPrefixes = []string{
	"/api/v1/auth", "/api/v1/product", "/api/v1/categories", "/api/v1/cart",
	"/api/v1/order", "/api/v1/review", "/api/auth", "/api/products",
	"/webhook", "/health", "/gateway/status", "/metrics",
}

// NormalizePath returns a bounded path label for Prometheus metrics.
func NormalizePath(path string) string {
	for _, prefix := range knownPrefixes {
		if path == prefix || strings.HasPrefix(path, prefix+"/") || strings.HasPrefix(path, prefix+"?") {
			return prefix
		}
	}
	// /api/v1/products, /api/v1/orders, /api/v1/reviews
	for _, prefix := range []string{"/api/v1/product", "/api/v1/order", "/api/v1/review"} {
		if strings.HasPrefix(path, prefix+"s") {
			return prefix
		}
	}
	return "other"
}
