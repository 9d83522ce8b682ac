package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/xiaozhi-mcp/mcp-mux/internal/adapter/inbound/wsendpoint"
	"github.com/xiaozhi-mcp/mcp-mux/internal/observability"
)

// activeSessionPollInterval is how often EndpointManager recomputes the
// active-endpoint-sessions gauge from session state.
const activeSessionPollInterval = 5 * time.Second

// EndpointManager owns one wsendpoint.Session per configured downstream
// endpoint URL. Sessions are independent: one endpoint's failure and
// reconnect schedule never affects another.
type EndpointManager struct {
	logger   *slog.Logger
	sessions []*wsendpoint.Session
	metrics  *observability.Metrics

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEndpointManager creates sessions for each URL (deduplicated,
// order preserved) against the given interceptor chain. An empty urls
// slice is valid: no downstream session is opened.
func NewEndpointManager(urls []string, interceptor Interceptor, logger *slog.Logger) *EndpointManager {
	seen := make(map[string]struct{}, len(urls))
	sessions := make([]*wsendpoint.Session, 0, len(urls))
	for _, u := range urls {
		if u == "" {
			continue
		}
		if _, dup := seen[u]; dup {
			continue
		}
		seen[u] = struct{}{}
		sessions = append(sessions, wsendpoint.NewSession(u, interceptor, logger))
	}
	return &EndpointManager{logger: logger, sessions: sessions}
}

// SetMetrics attaches the Prometheus instrument set. Nil is a safe
// no-op, equivalent to running without metrics collection.
func (m *EndpointManager) SetMetrics(metrics *observability.Metrics) {
	m.metrics = metrics
}

func (m *EndpointManager) refreshActiveSessionsMetric() {
	if m.metrics == nil {
		return
	}
	count := 0
	for _, sess := range m.sessions {
		if sess.State() == wsendpoint.StateConnected {
			count++
		}
	}
	m.metrics.ActiveEndpointConns.Set(float64(count))
}

// Start launches the dial/reconnect loop for every session in its own
// goroutine. It returns immediately.
func (m *EndpointManager) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cancel = cancel
	m.mu.Unlock()

	for _, sess := range m.sessions {
		sess := sess
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			sess.Run(ctx)
		}()
	}

	if m.metrics != nil {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.pollActiveSessionsMetric(ctx)
		}()
	}
}

// pollActiveSessionsMetric periodically recomputes the active-session
// gauge; wsendpoint.Session exposes no connect/disconnect callbacks, so
// polling state is the simplest correct way to keep it current.
func (m *EndpointManager) pollActiveSessionsMetric(ctx context.Context) {
	ticker := time.NewTicker(activeSessionPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.refreshActiveSessionsMetric()
		case <-ctx.Done():
			return
		}
	}
}

// Sessions returns the managed sessions, primarily for status reporting.
func (m *EndpointManager) Sessions() []*wsendpoint.Session {
	return append([]*wsendpoint.Session(nil), m.sessions...)
}

// Shutdown gracefully closes every session (send close frame, wait up
// to the per-session shutdown grace) and waits for each Run loop to
// return.
func (m *EndpointManager) Shutdown() {
	for _, sess := range m.sessions {
		sess.Close()
	}

	m.mu.Lock()
	cancel := m.cancel
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	m.wg.Wait()

	if m.metrics != nil {
		m.metrics.ActiveEndpointConns.Set(0)
	}
}
