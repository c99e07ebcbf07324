// Package metrics provides Prometheus metrics for the edge proxy.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Default histogram buckets for API latency.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

// Metrics holds all Prometheus metric collectors for the proxy.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	UpstreamDuration  *prometheus.HistogramVec
	UpstreamResponses *prometheus.CounterVec
	ForwardErrors     *prometheus.CounterVec

	prefixes []string
}

// New creates a Metrics instance with a custom registry and all collectors
// registered. knownPrefixes bounds the path_prefix label; any other path is
// reported as "other".
func New(knownPrefixes ...string) *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pb_edge_proxy_http_requests_total",
			Help: "Total inbound HTTP requests.",
		}, []string{"method", "status_code", "path_prefix"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pb_edge_proxy_http_request_duration_seconds",
			Help:    "Inbound HTTP request latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "path_prefix"}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pb_edge_proxy_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pb_edge_proxy_upstream_request_duration_seconds",
			Help:    "Upstream round-trip latency until response headers, in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method"}),

		UpstreamResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pb_edge_proxy_upstream_responses_total",
			Help: "Total upstream responses by method and status code.",
		}, []string{"method", "status_code"}),

		ForwardErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pb_edge_proxy_forward_errors_total",
			Help: "Forwarding failures by kind.",
		}, []string{"kind"}),

		prefixes: knownPrefixes,
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.UpstreamDuration,
		m.UpstreamResponses,
		m.ForwardErrors,
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

// NormalizePath returns a bounded path label for Prometheus metrics.
func (m *Metrics) NormalizePath(path string) string {
	for _, prefix := range m.prefixes {
		if path == prefix || strings.HasPrefix(path, prefix+"/") || strings.HasPrefix(path, prefix+"?") {
			return prefix
		}
	}
	return "other"
}
