package service

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/xiaozhi-mcp/mcp-mux/internal/domain/catalog"
	"github.com/xiaozhi-mcp/mcp-mux/internal/observability"
)

func TestEndpointManager_DeduplicatesURLsAndSkipsEmpty(t *testing.T) {
	h := newTestMessageHandler(catalog.NewIndex(), &fakeUpstreamCaller{}, nil)
	m := NewEndpointManager([]string{"ws://a", "ws://b", "ws://a", ""}, h, newTestLogger())

	if got := len(m.Sessions()); got != 2 {
		t.Fatalf("len(Sessions()) = %d, want 2", got)
	}
}

func TestEndpointManager_EmptyURLsOpensNoSessions(t *testing.T) {
	h := newTestMessageHandler(catalog.NewIndex(), &fakeUpstreamCaller{}, nil)
	m := NewEndpointManager(nil, h, newTestLogger())

	if got := len(m.Sessions()); got != 0 {
		t.Fatalf("len(Sessions()) = %d, want 0", got)
	}
	m.Start(context.Background())
	m.Shutdown()
}

func TestEndpointManager_StartConnectsAndShutdownStops(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		<-r.Context().Done()
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	h := newTestMessageHandler(catalog.NewIndex(), &fakeUpstreamCaller{}, nil)
	m := NewEndpointManager([]string{wsURL}, h, newTestLogger())
	m.Start(context.Background())

	deadline := time.Now().Add(time.Second)
	sess := m.Sessions()[0]
	for sess.State() != "connected" {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for session to connect")
		}
		time.Sleep(5 * time.Millisecond)
	}

	m.Shutdown()
}

func TestEndpointManager_RefreshActiveSessionsMetricCountsConnected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		<-r.Context().Done()
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	h := newTestMessageHandler(catalog.NewIndex(), &fakeUpstreamCaller{}, nil)
	m := NewEndpointManager([]string{wsURL}, h, newTestLogger())

	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)
	m.SetMetrics(metrics)

	m.Start(context.Background())

	deadline2 := time.Now().Add(time.Second)
	sess2 := m.Sessions()[0]
	for sess2.State() != "connected" {
		if time.Now().After(deadline2) {
			t.Fatal("timed out waiting for session to connect")
		}
		time.Sleep(5 * time.Millisecond)
	}

	m.refreshActiveSessionsMetric()
	if got := testutil.ToFloat64(metrics.ActiveEndpointConns); got != 1 {
		t.Errorf("ActiveEndpointConns = %v, want 1", got)
	}

	m.Shutdown()
	if got := testutil.ToFloat64(metrics.ActiveEndpointConns); got != 0 {
		t.Errorf("ActiveEndpointConns after shutdown = %v, want 0", got)
	}
}
