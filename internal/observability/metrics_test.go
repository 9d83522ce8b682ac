package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestNewMetrics_RegistersAndRecords(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.ToolCallsTotal.WithLabelValues("files__read", "ok").Inc()
	m.ToolCallDuration.WithLabelValues("files__read").Observe(0.05)
	m.UpstreamConnects.WithLabelValues("files", "connected").Inc()
	m.ActiveUpstreams.Set(2)
	m.ActiveEndpointConns.Set(1)
	m.ToolCatalogSize.Set(5)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}

	byName := make(map[string]*dto.MetricFamily)
	for _, f := range families {
		byName[f.GetName()] = f
	}

	for _, name := range []string{
		"mcpmux_tool_calls_total",
		"mcpmux_tool_call_duration_seconds",
		"mcpmux_upstream_connects_total",
		"mcpmux_active_upstreams",
		"mcpmux_active_endpoint_sessions",
		"mcpmux_tool_catalog_size",
	} {
		if _, ok := byName[name]; !ok {
			t.Errorf("expected metric family %q to be registered", name)
		}
	}

	active := byName["mcpmux_active_upstreams"]
	if got := active.GetMetric()[0].GetGauge().GetValue(); got != 2 {
		t.Errorf("active_upstreams = %v, want 2", got)
	}
}
