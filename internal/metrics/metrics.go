// Package metrics provides Prometheus metrics for the proxy.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"llamastack-proxy/internal/config"
)

// Default histogram buckets for API latency. Inference calls run long, so the
// upper end reaches past a minute.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120}

// streamBuckets cover whole event streams, which last as long as a generation.
var streamBuckets = []float64{.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600, 1200}

// Metrics holds all Prometheus metric collectors for the proxy.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	UpstreamDuration  *prometheus.HistogramVec
	UpstreamResponses *prometheus.CounterVec
	UpstreamErrors    *prometheus.CounterVec

	StreamsActive  prometheus.Gauge
	StreamBytes    prometheus.Counter
	StreamEvents   prometheus.Counter
	StreamDuration *prometheus.HistogramVec

	knownPrefixes []string
}

// New creates a Metrics instance with a custom registry and all collectors registered.
// Path labels are bounded to the routes derived from cfg.
func New(cfg *config.Config) *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	prefix := cfg.Server.APIPrefix
	if prefix == "" {
		prefix = "/api"
	}
	metricsPath := cfg.Metrics.Path
	if metricsPath == "" {
		metricsPath = "/metrics"
	}

	m := &Metrics{
		Registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "llamastack_proxy_http_requests_total",
			Help: "Total inbound HTTP requests.",
		}, []string{"method", "status_code", "path_prefix"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "llamastack_proxy_http_request_duration_seconds",
			Help:    "Inbound HTTP request latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "path_prefix"}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "llamastack_proxy_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "llamastack_proxy_upstream_request_duration_seconds",
			Help:    "Time until upstream response headers, in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method"}),

		UpstreamResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "llamastack_proxy_upstream_responses_total",
			Help: "Total upstream responses by method and status code.",
		}, []string{"method", "status_code"}),

		UpstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "llamastack_proxy_upstream_errors_total",
			Help: "Upstream calls that failed before or during the relay, by failure kind.",
		}, []string{"kind"}),

		StreamsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "llamastack_proxy_streams_active",
			Help: "Number of event streams currently being relayed.",
		}),

		StreamBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "llamastack_proxy_stream_bytes_total",
			Help: "Bytes relayed to clients on event-stream responses.",
		}),

		StreamEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "llamastack_proxy_stream_events_total",
			Help: "Server-sent events relayed to clients.",
		}),

		StreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "llamastack_proxy_stream_duration_seconds",
			Help:    "Lifetime of inbound requests answered with an event stream, in seconds.",
			Buckets: streamBuckets,
		}, []string{"status_code", "path_prefix"}),

		knownPrefixes: []string{prefix + "/v1", prefix + "/health", "/health", "/proxy/status", metricsPath},
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.UpstreamDuration,
		m.UpstreamResponses,
		m.UpstreamErrors,
		m.StreamsActive,
		m.StreamBytes,
		m.StreamEvents,
		m.StreamDuration,
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
	for _, prefix := range m.knownPrefixes {
		if path == prefix || strings.HasPrefix(path, prefix+"/") || strings.HasPrefix(path, prefix+"?") {
			return prefix
		}
	}
	return "other"
}
