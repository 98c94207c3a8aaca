// Package metrics provides Prometheus metrics for the proxy.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Default histogram buckets for proxy latency.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30}

// Rejection reasons used as label values on RejectedTotal.
const (
	ReasonInvalidTarget = "invalid_target"
	ReasonNotAllowed    = "not_allowed"
	ReasonMalformed     = "malformed_directive"
	ReasonTooLarge      = "response_too_large"
)

// Metrics holds all Prometheus metric collectors for the proxy.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	UpstreamDuration  *prometheus.HistogramVec
	UpstreamResponses *prometheus.CounterVec
	UpstreamErrors    *prometheus.CounterVec

	RejectedTotal     *prometheus.CounterVec
	PreflightTotal    prometheus.Counter
	DirectivesApplied prometheus.Counter
	BufferedBytes     prometheus.Histogram

	metricsPath string
}

// New creates a Metrics instance with a custom registry and all collectors
// registered. metricsPath is the scrape path, reported as its own path label.
func New(metricsPath string) *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry:    reg,
		metricsPath: metricsPath,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dynamic_proxy_http_requests_total",
			Help: "Total inbound HTTP requests.",
		}, []string{"method", "status_code", "path_prefix"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dynamic_proxy_http_request_duration_seconds",
			Help:    "Inbound HTTP request latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "path_prefix"}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dynamic_proxy_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dynamic_proxy_upstream_request_duration_seconds",
			Help:    "Upstream call latency in seconds, until response headers.",
			Buckets: defaultBuckets,
		}, []string{"method"}),

		UpstreamResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dynamic_proxy_upstream_responses_total",
			Help: "Total upstream responses by method and status code.",
		}, []string{"method", "status_code"}),

		UpstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dynamic_proxy_upstream_errors_total",
			Help: "Upstream calls that failed before a response was received.",
		}, []string{"method"}),

		RejectedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dynamic_proxy_rejected_total",
			Help: "Requests rejected before or after dispatch, by reason.",
		}, []string{"reason"}),

		PreflightTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dynamic_proxy_preflight_short_circuit_total",
			Help: "OPTIONS requests answered without contacting a target.",
		}),

		DirectivesApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dynamic_proxy_header_directives_applied_total",
			Help: "Header directives merged into outbound requests.",
		}),

		BufferedBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "dynamic_proxy_buffered_response_bytes",
			Help:    "Size of upstream bodies buffered for CORS header merging.",
			Buckets: prometheus.ExponentialBuckets(256, 4, 10),
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.UpstreamDuration,
		m.UpstreamResponses,
		m.UpstreamErrors,
		m.RejectedTotal,
		m.PreflightTotal,
		m.DirectivesApplied,
		m.BufferedBytes,
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

// operationalPaths are served by the proxy itself.
var operationalPaths = []string{"/healthz", "/proxy/status"}

// NormalizePath returns a bounded path label. Every path that is not an
// operational endpoint is proxied traffic and maps to "proxy"; target hosts
// never become label values.
func (m *Metrics) NormalizePath(path string) string {
	for _, p := range operationalPaths {
		if path == p {
			return p
		}
	}
	if m.metricsPath != "" && path == m.metricsPath {
		return m.metricsPath
	}
	if path == "" || path == "/" {
		return "other"
	}
	if strings.HasPrefix(path, "/") {
		return "proxy"
	}
	return "other"
}
