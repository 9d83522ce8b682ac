// Package wsendpoint maintains a single downstream WebSocket session:
// the core dials out to a configured endpoint URL, pumps inbound
// JSON-RPC frames through an interceptor, and reconnects with capped
// backoff on any I/O error. Each endpoint URL in the configuration
// gets its own independent Session.
package wsendpoint

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/xiaozhi-mcp/mcp-mux/internal/ctxkey"
	"github.com/xiaozhi-mcp/mcp-mux/pkg/mcp"
)

// Interceptor is the narrow surface a Session needs to process one
// decoded message and produce a response. Satisfied structurally by
// service.MessageHandler; defined locally to avoid importing
// internal/service (which constructs Sessions and would otherwise
// create an import cycle).
type Interceptor interface {
	Intercept(ctx context.Context, msg *mcp.Message) (*mcp.Message, error)
}

// State is the lifecycle of one downstream connection.
type State string

const (
	StateIdle         State = "idle"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateClosed       State = "closed"
)

const (
	minBackoff = 2 * time.Second
	maxBackoff = 30 * time.Second

	heartbeatInterval = 30 * time.Second
	idleTimeout       = 35 * time.Second

	shutdownGrace = 2 * time.Second

	// maxInboundMessageSize is the largest frame accepted from a
	// downstream client; larger frames are rejected with a -32600
	// response instead of tearing down the session.
	maxInboundMessageSize = 1 << 20

	// readLimitCeiling is the hard cap passed to conn.SetReadLimit, well
	// above maxInboundMessageSize, so a single oversized frame can be read
	// and rejected by application logic rather than having coder/websocket
	// abort the connection outright at the wire level.
	readLimitCeiling = 10 << 20
)

// Session owns the dial/reconnect loop and message pump for one
// endpoint URL.
type Session struct {
	url         string
	interceptor Interceptor
	logger      *slog.Logger

	mu              sync.Mutex
	conn            *websocket.Conn
	state           State
	lastFrameAt     time.Time
	lastHeartbeatAt time.Time

	writeMu sync.Mutex
}

// NewSession creates a Session for the given downstream endpoint URL.
func NewSession(url string, interceptor Interceptor, logger *slog.Logger) *Session {
	return &Session{url: url, interceptor: interceptor, logger: logger, state: StateIdle}
}

// URL returns the endpoint URL this session connects to.
func (s *Session) URL() string { return s.url }

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Run dials the endpoint and pumps messages until ctx is cancelled,
// reconnecting with backoff (2s doubling to a 30s cap, reset on a
// successful handshake) in between. It returns once ctx is done.
func (s *Session) Run(ctx context.Context) {
	delay := minBackoff
	for ctx.Err() == nil {
		connectedOK := s.connectAndServe(ctx)
		if ctx.Err() != nil {
			break
		}
		if connectedOK {
			delay = minBackoff
		}

		s.setState(StateReconnecting)
		s.logger.Warn("downstream endpoint session reconnecting", "url", s.url, "delay", delay)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}

		delay *= 2
		if delay > maxBackoff {
			delay = maxBackoff
		}
	}
	s.setState(StateClosed)
}

// connectAndServe dials once and serves until the connection drops or
// ctx is cancelled. It reports whether the dial succeeded, regardless
// of how long the connection subsequently lasted.
func (s *Session) connectAndServe(ctx context.Context) bool {
	s.setState(StateConnecting)

	conn, _, err := websocket.Dial(ctx, s.url, nil)
	if err != nil {
		s.logger.Warn("downstream endpoint dial failed", "url", s.url, "error", err)
		return false
	}
	conn.SetReadLimit(readLimitCeiling)

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	connLogger := s.logger.With("url", s.url)
	connCtx = context.WithValue(connCtx, ctxkey.LoggerKey{}, connLogger)

	s.mu.Lock()
	s.conn = conn
	s.state = StateConnected
	s.lastFrameAt = time.Now()
	s.lastHeartbeatAt = time.Now()
	s.mu.Unlock()

	connLogger.Info("downstream endpoint connected")

	go s.heartbeatLoop(connCtx, cancel)
	s.readLoop(connCtx)

	cancel()
	_ = conn.Close(websocket.StatusNormalClosure, "session ended")
	return true
}

// contextLogger returns the per-connection logger stashed in ctx by
// connectAndServe, falling back to the session's base logger outside a
// live connection (e.g. in tests that call handleFrame directly).
func (s *Session) contextLogger(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(ctxkey.LoggerKey{}).(*slog.Logger); ok {
		return l
	}
	return s.logger
}

// readLoop reads and dispatches frames until an error or ctx cancel. A
// frame over maxInboundMessageSize is rejected with a -32600 response but
// does not end the session; only a read error or cancellation does.
func (s *Session) readLoop(ctx context.Context) {
	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Debug("downstream endpoint read failed", "url", s.url, "error", err)
			return
		}

		if len(data) > maxInboundMessageSize {
			s.logger.Warn("downstream endpoint rejected oversized message", "url", s.url, "size", len(data))
			if err := s.send(ctx, oversizedMessageError()); err != nil {
				s.logger.Debug("downstream endpoint write failed", "error", err)
			}
			continue
		}

		s.mu.Lock()
		s.lastFrameAt = time.Now()
		s.mu.Unlock()

		s.handleFrame(ctx, data)
	}
}

// oversizedMessageError builds a -32600 JSON-RPC error response for a
// frame that exceeded maxInboundMessageSize. The id cannot be recovered
// without fully parsing a message this large, so it is reported as null,
// per the JSON-RPC convention for a request that could not be identified.
func oversizedMessageError() []byte {
	return []byte(fmt.Sprintf(
		`{"jsonrpc":"2.0","id":null,"error":{"code":-32600,"message":"message exceeds maximum size of %d bytes"}}`,
		maxInboundMessageSize))
}

func (s *Session) handleFrame(ctx context.Context, raw []byte) {
	logger := s.contextLogger(ctx)

	msg := &mcp.Message{Raw: raw, Direction: mcp.ClientToServer, Timestamp: time.Now()}
	decoded, err := mcp.DecodeMessage(raw)
	if err != nil {
		logger.Debug("downstream endpoint frame not decodable", "error", err)
		return
	}
	msg.Decoded = decoded
	_ = msg.ParseParams()

	resp, err := s.interceptor.Intercept(ctx, msg)
	if err != nil {
		logger.Error("downstream endpoint interceptor error", "error", err)
		return
	}
	if resp == nil {
		return
	}

	if err := s.send(ctx, resp.Raw); err != nil {
		logger.Debug("downstream endpoint write failed", "error", err)
	}
}

// Notify sends an out-of-band message (a server-initiated notification)
// to this session, if currently connected.
func (s *Session) Notify(ctx context.Context, msg *mcp.Message) error {
	return s.send(ctx, msg.Raw)
}

// send serializes writes: coder/websocket connections do not support
// concurrent writers.
func (s *Session) send(ctx context.Context, data []byte) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("wsendpoint: session %s not connected", s.url)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return conn.Write(ctx, websocket.MessageText, data)
}

// heartbeatLoop pings every 30s when the session has been idle, and
// closes the connection (triggering reconnect) if 35s elapse without
// any inbound frame.
func (s *Session) heartbeatLoop(ctx context.Context, cancelConn context.CancelFunc) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			idleSince := time.Since(s.lastFrameAt)
			s.mu.Unlock()

			if idleSince >= idleTimeout {
				s.logger.Warn("downstream endpoint idle timeout, closing", "url", s.url, "idle_for", idleSince)
				cancelConn()
				return
			}
			if idleSince < heartbeatInterval {
				continue
			}

			pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
			err := s.conn.Ping(pingCtx)
			pingCancel()
			if err != nil {
				s.logger.Debug("downstream endpoint ping failed", "url", s.url, "error", err)
				cancelConn()
				return
			}
			s.mu.Lock()
			s.lastHeartbeatAt = time.Now()
			s.mu.Unlock()
		}
	}
}

// Close gracefully closes the current connection, if any, waiting up
// to shutdownGrace before the underlying transport forces it closed.
func (s *Session) Close() {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return
	}

	done := make(chan struct{})
	go func() {
		_ = conn.Close(websocket.StatusNormalClosure, "shutting down")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(shutdownGrace):
	}
}
