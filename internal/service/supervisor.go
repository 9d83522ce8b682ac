package service

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xiaozhi-mcp/mcp-mux/internal/domain/catalog"
	"github.com/xiaozhi-mcp/mcp-mux/internal/domain/mcpconfig"
	"github.com/xiaozhi-mcp/mcp-mux/internal/domain/tool"
	"github.com/xiaozhi-mcp/mcp-mux/internal/observability"
	"github.com/xiaozhi-mcp/mcp-mux/internal/port/outbound"
)

// maxUpstreamLineBytes bounds a single buffered line read from an
// upstream's stdout/response stream.
const maxUpstreamLineBytes = 10 * 1024 * 1024

const (
	defaultBackoffBase = 30 * time.Second
	defaultBackoffCap  = 300 * time.Second
	defaultMaxRetries  = 10
	healthPingInterval = 10 * time.Second
	healthIdleTimeout  = 35 * time.Second

	defaultStabilityDuration      = 5 * time.Minute
	defaultStabilityCheckInterval = 1 * time.Minute

	handshakeTimeout = 30 * time.Second
)

// ClientFactory creates an MCPClient for one service configuration. The
// default factory (DefaultClientFactory) picks stdio/SSE/streamable-HTTP
// adapters by cfg.Kind.
type ClientFactory func(cfg mcpconfig.ServiceConfig) (outbound.MCPClient, error)

// EventPublisher is the narrow port the supervisor uses to announce
// lifecycle events. Satisfied by internal/eventbus.Bus; nil is a safe
// no-op for tests and simple embeddings.
type EventPublisher interface {
	Publish(event string, payload any)
}

type noopPublisher struct{}

func (noopPublisher) Publish(string, any) {}

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcNotification struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcErrorDetail struct {
	Code    int64  `json:"code"`
	Message string `json:"message"`
}

type rpcEnvelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcErrorDetail `json:"error"`
}

// upstreamConnection holds the runtime state and request multiplexer for
// a single upstream service connection.
type upstreamConnection struct {
	cfg    mcpconfig.ServiceConfig
	client outbound.MCPClient
	stdin  io.WriteCloser
	stdout io.ReadCloser

	mu             sync.Mutex
	state          mcpconfig.ServiceState
	lastError      string
	retryCount     int
	attempts       int
	connectedSince time.Time
	lastPongAt     time.Time
	cancelRetry    context.CancelFunc
	cancelReader   context.CancelFunc

	writeMu sync.Mutex
	nextID  atomic.Int64

	pendingMu sync.Mutex
	pending   map[string]chan rpcEnvelope
}

func newUpstreamConnection(cfg mcpconfig.ServiceConfig) *upstreamConnection {
	return &upstreamConnection{
		cfg:     cfg,
		state:   mcpconfig.StateDisconnected,
		pending: make(map[string]chan rpcEnvelope),
	}
}

// sendRequest writes a JSON-RPC request and blocks for its correlated
// response, or until ctx is done.
func (c *upstreamConnection) sendRequest(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	id := c.nextID.Add(1)
	req := rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}
	raw, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	raw = append(raw, '\n')

	key := strconv.FormatInt(id, 10)
	ch := make(chan rpcEnvelope, 1)
	c.pendingMu.Lock()
	c.pending[key] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, key)
		c.pendingMu.Unlock()
	}()

	c.writeMu.Lock()
	_, werr := c.stdin.Write(raw)
	c.writeMu.Unlock()
	if werr != nil {
		return nil, fmt.Errorf("write to upstream: %w", werr)
	}

	select {
	case env := <-ch:
		if env.Error != nil {
			return nil, fmt.Errorf("upstream error %d: %s", env.Error.Code, env.Error.Message)
		}
		return env.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *upstreamConnection) sendNotification(method string, params json.RawMessage) error {
	notif := rpcNotification{JSONRPC: "2.0", Method: method, Params: params}
	raw, err := json.Marshal(notif)
	if err != nil {
		return err
	}
	raw = append(raw, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err = c.stdin.Write(raw)
	return err
}

// readLoop scans newline-delimited JSON-RPC frames from stdout, routing
// responses to their waiting sendRequest call. It returns when the stream
// closes or is cancelled, signaling onClosed exactly once.
func (c *upstreamConnection) readLoop(stdout io.ReadCloser, onClosed func()) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxUpstreamLineBytes)

	for scanner.Scan() {
		var env rpcEnvelope
		if err := json.Unmarshal(scanner.Bytes(), &env); err != nil {
			continue
		}
		if len(env.ID) == 0 {
			// Server-initiated notification; not routed further in this phase.
			continue
		}
		key := string(env.ID)
		c.pendingMu.Lock()
		ch, ok := c.pending[key]
		c.pendingMu.Unlock()
		if ok {
			select {
			case ch <- env:
			default:
			}
		}
	}
	onClosed()
}

// Supervisor manages lifecycle for all configured upstream MCP services:
// connecting, handshaking, registering discovered tools into the catalog,
// monitoring health, and retrying with exponential backoff.
type Supervisor struct {
	registry      *catalog.Index
	clientFactory ClientFactory
	events        EventPublisher
	metrics       *observability.Metrics
	logger        *slog.Logger

	mu          sync.RWMutex
	configs     map[string]mcpconfig.ServiceConfig
	connections map[string]*upstreamConnection
	overrides   map[string]map[string]ToolOverride
	closed      bool

	ctx    context.Context
	cancel context.CancelFunc

	backoffBase time.Duration
	backoffCap  time.Duration
	maxRetries  int

	stabilityDuration      time.Duration
	stabilityCheckInterval time.Duration
}

// ToolOverride is the boolean/metadata overlay for one discovered tool,
// applied on top of whatever the upstream reports at handshake time.
// Mirrors config.ToolOverride minus the CEL "when" expression, which
// ToolPolicy evaluates separately against the already-registered tool.
type ToolOverride struct {
	Enable      *bool
	Description string
	UsageCount  uint64
	LastUsedAt  *time.Time
}

// Enabled reports whether the overlay marks a tool enabled, defaulting
// to true when unset.
func (o ToolOverride) Enabled() bool {
	if o.Enable == nil {
		return true
	}
	return *o.Enable
}

// NewSupervisor creates a Supervisor with default backoff (30s base,
// 300s cap per service default) and health-check timing.
func NewSupervisor(registry *catalog.Index, clientFactory ClientFactory, events EventPublisher, logger *slog.Logger) *Supervisor {
	if events == nil {
		events = noopPublisher{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		registry:      registry,
		clientFactory: clientFactory,
		events:        events,
		logger:        logger,
		configs:       make(map[string]mcpconfig.ServiceConfig),
		connections:   make(map[string]*upstreamConnection),
		overrides:     make(map[string]map[string]ToolOverride),
		ctx:           ctx,
		cancel:        cancel,
		backoffBase:   defaultBackoffBase,
		backoffCap:    defaultBackoffCap,
		maxRetries:    defaultMaxRetries,

		stabilityDuration:      defaultStabilityDuration,
		stabilityCheckInterval: defaultStabilityCheckInterval,
	}
}

// SetToolOverrides installs the per-tool enable/description/usage overlay
// for every configured service, keyed by service name then tool name
// (mcpServerConfig[name].tools[toolName]). It replaces any previously set
// overlay wholesale and takes effect on the next handshake (reconnect)
// for tools already registered.
func (s *Supervisor) SetToolOverrides(overrides map[string]map[string]ToolOverride) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.overrides = overrides
}

// SetMetrics attaches the Prometheus instrument set. Nil is a safe
// no-op, equivalent to running without metrics collection.
func (s *Supervisor) SetMetrics(m *observability.Metrics) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics = m
}

func (s *Supervisor) recordConnectMetric(serviceName, result string) {
	s.mu.RLock()
	m := s.metrics
	s.mu.RUnlock()
	if m == nil {
		return
	}
	m.UpstreamConnects.WithLabelValues(serviceName, result).Inc()
}

// refreshActiveUpstreamsMetric recomputes the active-upstream gauge from
// current connection state. Called after any state transition.
func (s *Supervisor) refreshActiveUpstreamsMetric() {
	s.mu.RLock()
	m := s.metrics
	count := 0
	for _, conn := range s.connections {
		conn.mu.Lock()
		if conn.state == mcpconfig.StateConnected {
			count++
		}
		conn.mu.Unlock()
	}
	s.mu.RUnlock()
	if m == nil {
		return
	}
	m.ActiveUpstreams.Set(float64(count))
}

func (s *Supervisor) toolOverride(serviceName, toolName string) (ToolOverride, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	forService, ok := s.overrides[serviceName]
	if !ok {
		return ToolOverride{}, false
	}
	o, ok := forService[toolName]
	return o, ok
}

// AddServiceConfig registers a service configuration without starting it.
func (s *Supervisor) AddServiceConfig(cfg mcpconfig.ServiceConfig) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid service config: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if cfg.ReconnectDelayMs <= 0 {
		cfg.ReconnectDelayMs = int(defaultBackoffBase.Milliseconds())
	}
	s.configs[cfg.Name] = cfg
	return nil
}

// StartAll starts every registered service concurrently and launches the
// stability checker that resets a long-connected service's retry counter.
func (s *Supervisor) StartAll(ctx context.Context) error {
	s.mu.RLock()
	names := make([]string, 0, len(s.configs))
	for name := range s.configs {
		names = append(names, name)
	}
	s.mu.RUnlock()

	go s.stabilityChecker()

	var wg sync.WaitGroup
	for _, name := range names {
		name := name
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.StartService(ctx, name); err != nil {
				s.logger.Error("failed to start service", "service", name, "error", err)
			}
		}()
	}
	wg.Wait()
	return nil
}

// stabilityChecker periodically resets the retry counter of connections
// that have stayed connected for stabilityDuration, so a flaky-then-
// recovered upstream doesn't inherit a long backoff on its next
// disconnect (retryCount is otherwise only zeroed on the connect that
// immediately follows a retry).
func (s *Supervisor) stabilityChecker() {
	ticker := time.NewTicker(s.stabilityCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.checkStability()
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Supervisor) checkStability() {
	s.mu.RLock()
	conns := make([]*upstreamConnection, 0, len(s.connections))
	for _, conn := range s.connections {
		conns = append(conns, conn)
	}
	s.mu.RUnlock()

	now := time.Now()
	for _, conn := range conns {
		conn.mu.Lock()
		if conn.state == mcpconfig.StateConnected &&
			conn.retryCount > 0 &&
			!conn.connectedSince.IsZero() &&
			now.Sub(conn.connectedSince) >= s.stabilityDuration {
			s.logger.Info("resetting retry count after stable connection",
				"service", conn.cfg.Name, "stable_since", conn.connectedSince, "previous_retries", conn.retryCount)
			conn.retryCount = 0
		}
		conn.mu.Unlock()
	}
}

// StartService starts (or restarts) a single service by name.
func (s *Supervisor) StartService(ctx context.Context, name string) error {
	s.mu.Lock()
	cfg, ok := s.configs[name]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("service %q is not configured", name)
	}
	conn := newUpstreamConnection(cfg)
	conn.state = mcpconfig.StateConnecting
	s.connections[name] = conn
	s.mu.Unlock()

	s.attemptConnect(conn)
	return nil
}

// StopService stops a single service by name, cancelling any pending
// retry and closing its client.
func (s *Supervisor) StopService(name string) error {
	s.mu.Lock()
	conn, ok := s.connections[name]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("service %q is not running", name)
	}
	delete(s.connections, name)
	s.mu.Unlock()

	s.stopConnection(conn)
	s.registry.RemoveService(name)
	s.events.Publish("mcp:server:removed", map[string]any{"service": name})
	return nil
}

// StopAll stops every running service, waiting up to 5s for draining
// before forcing termination.
func (s *Supervisor) StopAll() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conns := make([]*upstreamConnection, 0, len(s.connections))
	for _, conn := range s.connections {
		conns = append(conns, conn)
	}
	s.connections = make(map[string]*upstreamConnection)
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		for _, conn := range conns {
			s.stopConnection(conn)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		s.logger.Warn("stopAll drain timeout exceeded, forcing termination")
	}

	s.cancel()
	return nil
}

// GetStatus returns the observable connection status for name.
func (s *Supervisor) GetStatus(name string) mcpconfig.ConnectionStatus {
	s.mu.RLock()
	conn, ok := s.connections[name]
	s.mu.RUnlock()
	if !ok {
		return mcpconfig.ConnectionStatus{ServiceName: name, State: mcpconfig.StateDisconnected}
	}

	conn.mu.Lock()
	defer conn.mu.Unlock()
	return mcpconfig.ConnectionStatus{
		ServiceName: name,
		State:       conn.state,
		LastError:   conn.lastError,
		ConnectedAt: conn.connectedSince,
		Attempts:    conn.attempts,
	}
}

// GetStatusAll returns the status of every known service.
func (s *Supervisor) GetStatusAll() []mcpconfig.ConnectionStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]mcpconfig.ConnectionStatus, 0, len(s.configs))
	for name := range s.configs {
		conn, ok := s.connections[name]
		if !ok {
			out = append(out, mcpconfig.ConnectionStatus{ServiceName: name, State: mcpconfig.StateDisconnected})
			continue
		}
		conn.mu.Lock()
		out = append(out, mcpconfig.ConnectionStatus{
			ServiceName: name,
			State:       conn.state,
			LastError:   conn.lastError,
			ConnectedAt: conn.connectedSince,
			Attempts:    conn.attempts,
		})
		conn.mu.Unlock()
	}
	return out
}

// CallTool implements UpstreamCaller: it forwards a tools/call to the
// named service's connection using originalName and returns the
// upstream's result object verbatim.
func (s *Supervisor) CallTool(ctx context.Context, serviceName, originalName string, arguments map[string]interface{}) (json.RawMessage, error) {
	s.mu.RLock()
	conn, ok := s.connections[serviceName]
	s.mu.RUnlock()
	if !ok {
		return nil, &CallError{Kind: KindServiceNotFound, ServiceName: serviceName,
			Message: fmt.Sprintf("service %q is not connected", serviceName)}
	}

	conn.mu.Lock()
	state := conn.state
	attempts := conn.attempts
	conn.mu.Unlock()
	if state != mcpconfig.StateConnected {
		return nil, &CallError{Kind: KindServiceNotReady, ServiceName: serviceName, Attempt: attempts,
			Message: fmt.Sprintf("service %q is %s, not connected", serviceName, state)}
	}

	params, err := json.Marshal(map[string]any{"name": originalName, "arguments": arguments})
	if err != nil {
		return nil, &CallError{Kind: KindInternalError, ServiceName: serviceName,
			Message: fmt.Sprintf("encode tools/call params: %v", err)}
	}

	raw, err := conn.sendRequest(ctx, "tools/call", params)
	if err != nil {
		return nil, &CallError{Kind: KindTransportError, ServiceName: serviceName,
			Message: fmt.Sprintf("upstream call: %v", err)}
	}
	return raw, nil
}

// attemptConnect creates and starts the client, performs the MCP
// handshake, registers discovered tools, and starts health monitoring.
// On any failure it schedules a backoff retry.
func (s *Supervisor) attemptConnect(conn *upstreamConnection) {
	cfg := conn.cfg

	client, err := s.clientFactory(cfg)
	if err != nil {
		s.markFailed(conn, fmt.Sprintf("create client: %v", err))
		s.scheduleRetry(conn)
		return
	}

	stdin, stdout, err := client.Start(s.ctx)
	if err != nil {
		s.markFailed(conn, fmt.Sprintf("start client: %v", err))
		s.scheduleRetry(conn)
		return
	}

	conn.mu.Lock()
	conn.client = client
	conn.stdin = stdin
	conn.stdout = stdout
	conn.mu.Unlock()

	readerCtx, readerCancel := context.WithCancel(s.ctx)
	conn.mu.Lock()
	conn.cancelReader = readerCancel
	conn.mu.Unlock()

	closedOnce := sync.Once{}
	go conn.readLoop(stdout, func() {
		closedOnce.Do(func() { s.handleDisconnect(conn) })
	})

	handshakeCtx, handshakeCancel := context.WithTimeout(readerCtx, handshakeTimeout)
	defer handshakeCancel()

	if err := s.handshake(handshakeCtx, conn); err != nil {
		s.markFailed(conn, fmt.Sprintf("handshake: %v", err))
		_ = client.Close()
		s.scheduleRetry(conn)
		return
	}

	conn.mu.Lock()
	conn.state = mcpconfig.StateConnected
	conn.lastError = ""
	conn.retryCount = 0
	conn.attempts++
	conn.connectedSince = time.Now()
	conn.lastPongAt = time.Now()
	conn.mu.Unlock()

	s.logger.Info("upstream service connected", "service", cfg.Name, "kind", cfg.Kind)
	s.events.Publish("mcp:service:connected", map[string]any{"service": cfg.Name})
	s.recordConnectMetric(cfg.Name, "connected")
	s.refreshActiveUpstreamsMetric()

	go s.healthMonitor(conn)
}

// handshake sends initialize, notifications/initialized, and tools/list,
// then registers the discovered tools into the catalog under cfg.Name.
func (s *Supervisor) handshake(ctx context.Context, conn *upstreamConnection) error {
	initParams, _ := json.Marshal(map[string]any{
		"protocolVersion": supportedProtocolVersions[0],
		"capabilities":    map[string]any{},
		"clientInfo":      map[string]any{"name": serverName, "version": serverVersion},
	})
	if _, err := conn.sendRequest(ctx, "initialize", initParams); err != nil {
		return fmt.Errorf("initialize: %w", err)
	}

	if err := conn.sendNotification("notifications/initialized", nil); err != nil {
		return fmt.Errorf("notifications/initialized: %w", err)
	}

	listResult, err := conn.sendRequest(ctx, "tools/list", nil)
	if err != nil {
		return fmt.Errorf("tools/list: %w", err)
	}

	var parsed struct {
		Tools []struct {
			Name        string          `json:"name"`
			Description string          `json:"description"`
			InputSchema json.RawMessage `json:"inputSchema"`
		} `json:"tools"`
	}
	if err := json.Unmarshal(listResult, &parsed); err != nil {
		return fmt.Errorf("parse tools/list result: %w", err)
	}

	discovered := make([]*tool.Tool, 0, len(parsed.Tools))
	for _, pt := range parsed.Tools {
		t := &tool.Tool{
			Name:         tool.NamespacedName(conn.cfg.Name, pt.Name),
			Description:  pt.Description,
			InputSchema:  pt.InputSchema,
			ServiceName:  conn.cfg.Name,
			OriginalName: pt.Name,
			Enabled:      true,
		}
		if override, ok := s.toolOverride(conn.cfg.Name, pt.Name); ok {
			t.Enabled = override.Enabled()
			if override.Description != "" {
				t.Description = override.Description
			}
			t.UsageCount = override.UsageCount
			t.LastUsedAt = override.LastUsedAt
		}
		discovered = append(discovered, t)
	}

	conflicts := s.registry.SetToolsForService(conn.cfg.Name, discovered)
	for _, c := range conflicts {
		s.logger.Warn("tool name conflict", "tool", c.ToolName, "skipped_service", c.SkippedService, "winner_service", c.WinnerService)
		s.events.Publish("mcp:server:status_changed", map[string]any{"conflict": c})
	}

	if len(discovered) > 1 {
		s.events.Publish("mcp:server:batch_added", map[string]any{"service": conn.cfg.Name, "count": len(discovered)})
	} else if len(discovered) == 1 {
		s.events.Publish("mcp:server:added", map[string]any{"service": conn.cfg.Name, "tool": discovered[0].Name})
	}

	return nil
}

// healthMonitor pings the upstream every 10s; if no pong is observed
// within 35s, the connection is considered unhealthy and reconnection
// is scheduled.
func (s *Supervisor) healthMonitor(conn *upstreamConnection) {
	ticker := time.NewTicker(healthPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			conn.mu.Lock()
			if conn.state != mcpconfig.StateConnected {
				conn.mu.Unlock()
				return
			}
			conn.mu.Unlock()

			pingCtx, cancel := context.WithTimeout(s.ctx, healthIdleTimeout)
			_, err := conn.sendRequest(pingCtx, "ping", nil)
			cancel()

			if err != nil {
				s.logger.Warn("upstream health ping failed", "service", conn.cfg.Name, "error", err)
				s.handleDisconnect(conn)
				return
			}
			conn.mu.Lock()
			conn.lastPongAt = time.Now()
			conn.mu.Unlock()
		case <-s.ctx.Done():
			return
		}
	}
}

// handleDisconnect transitions a connection to disconnected and schedules
// a retry, unless the service has been stopped or the supervisor is
// shutting down.
func (s *Supervisor) handleDisconnect(conn *upstreamConnection) {
	s.mu.RLock()
	current, ok := s.connections[conn.cfg.Name]
	s.mu.RUnlock()
	if !ok || current != conn || s.ctx.Err() != nil {
		return
	}

	conn.mu.Lock()
	alreadyHandled := conn.state == mcpconfig.StateDisconnected || conn.state == mcpconfig.StateConnecting
	conn.state = mcpconfig.StateDisconnected
	if conn.client != nil {
		_ = conn.client.Close()
		conn.client = nil
	}
	conn.mu.Unlock()

	// Tools stay registered (stale-but-listed) across a transient
	// disconnect; only an explicit StopService/config removal evicts them
	// from the catalog. CallTool rejects calls against a disconnected
	// service with a KindServiceNotReady CallError until reconnection succeeds.
	s.events.Publish("mcp:service:disconnected", map[string]any{"service": conn.cfg.Name})
	s.recordConnectMetric(conn.cfg.Name, "disconnected")
	s.refreshActiveUpstreamsMetric()

	if alreadyHandled {
		return
	}
	s.logger.Warn("upstream service disconnected, scheduling reconnect", "service", conn.cfg.Name)
	s.scheduleRetry(conn)
}

func (s *Supervisor) markFailed(conn *upstreamConnection, message string) {
	conn.mu.Lock()
	conn.state = mcpconfig.StateError
	conn.lastError = message
	conn.mu.Unlock()
	s.logger.Error("upstream service connection failed", "service", conn.cfg.Name, "error", message)
	s.events.Publish("mcp:service:connection:failed", map[string]any{"service": conn.cfg.Name, "error": message})
	s.recordConnectMetric(conn.cfg.Name, "failed")
}

// calcBackoffDelay computes min(base*2^retryCount, cap).
func (s *Supervisor) calcBackoffDelay(retryCount int) time.Duration {
	delay := s.backoffBase
	for i := 0; i < retryCount; i++ {
		delay *= 2
		if delay > s.backoffCap {
			return s.backoffCap
		}
	}
	if delay > s.backoffCap {
		return s.backoffCap
	}
	return delay
}

func (s *Supervisor) scheduleRetry(conn *upstreamConnection) {
	conn.mu.Lock()
	if conn.retryCount >= s.maxRetries {
		conn.state = mcpconfig.StateError
		conn.lastError = fmt.Sprintf("max retries (%d) exceeded", s.maxRetries)
		conn.mu.Unlock()
		s.logger.Error("max retries exceeded", "service", conn.cfg.Name, "retries", s.maxRetries)
		return
	}

	delay := s.calcBackoffDelay(conn.retryCount)
	conn.retryCount++
	conn.state = mcpconfig.StateConnecting

	retryCtx, retryCancel := context.WithCancel(s.ctx)
	conn.cancelRetry = retryCancel
	name := conn.cfg.Name
	conn.mu.Unlock()

	s.logger.Info("scheduling upstream reconnect", "service", name, "delay", delay)

	go func() {
		select {
		case <-time.After(delay):
		case <-retryCtx.Done():
			return
		}

		s.mu.RLock()
		current, ok := s.connections[name]
		s.mu.RUnlock()
		if !ok || current != conn {
			return
		}
		s.attemptConnect(conn)
	}()
}

// stopConnection cancels any pending retry, cancels the reader loop, and
// closes the client.
func (s *Supervisor) stopConnection(conn *upstreamConnection) {
	conn.mu.Lock()
	if conn.cancelRetry != nil {
		conn.cancelRetry()
		conn.cancelRetry = nil
	}
	if conn.cancelReader != nil {
		conn.cancelReader()
		conn.cancelReader = nil
	}
	client := conn.client
	conn.client = nil
	conn.state = mcpconfig.StateDisconnected
	conn.mu.Unlock()

	if client != nil {
		if err := client.Close(); err != nil {
			s.logger.Error("failed to close upstream client", "service", conn.cfg.Name, "error", err)
		}
	}
}

var _ UpstreamCaller = (*Supervisor)(nil)
