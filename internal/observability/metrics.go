// Package observability holds the proxy's ambient instrumentation:
// Prometheus counters/histograms and an OpenTelemetry tracer, both
// injected into the services that use them rather than read off a
// package-level global.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus instrument the proxy records. All
// fields are safe for concurrent use.
type Metrics struct {
	ToolCallsTotal      *prometheus.CounterVec
	ToolCallDuration    *prometheus.HistogramVec
	UpstreamConnects    *prometheus.CounterVec
	ActiveUpstreams     prometheus.Gauge
	ActiveEndpointConns prometheus.Gauge
	ToolCatalogSize     prometheus.Gauge
}

// NewMetrics creates and registers every metric against reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		ToolCallsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "mcpmux",
				Name:      "tool_calls_total",
				Help:      "Total number of tools/call requests dispatched, by tool and outcome.",
			},
			[]string{"tool", "status"}, // status=ok/error
		),
		ToolCallDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "mcpmux",
				Name:      "tool_call_duration_seconds",
				Help:      "Tool call dispatch latency in seconds, by tool.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"tool"},
		),
		UpstreamConnects: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "mcpmux",
				Name:      "upstream_connects_total",
				Help:      "Total upstream connection attempts, by service and result.",
			},
			[]string{"service", "result"}, // result=connected/failed/disconnected
		),
		ActiveUpstreams: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "mcpmux",
				Name:      "active_upstreams",
				Help:      "Number of upstream services currently connected.",
			},
		),
		ActiveEndpointConns: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "mcpmux",
				Name:      "active_endpoint_sessions",
				Help:      "Number of downstream WebSocket endpoint sessions currently connected.",
			},
		),
		ToolCatalogSize: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "mcpmux",
				Name:      "tool_catalog_size",
				Help:      "Number of tools currently registered in the aggregated catalog.",
			},
		),
	}
}
