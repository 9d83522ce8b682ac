// Package localmcp exposes the aggregated tool catalog to a local agent
// over stdio or a unix domain socket, for callers that prefer a local
// subprocess/socket MCP server over a downstream WebSocket connection.
package localmcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"

	"github.com/xiaozhi-mcp/mcp-mux/internal/service"
)

// Server serves the proxy's message handler over a local transport. Each
// accepted connection (or the single stdio pipe) gets its own
// service.Session, so concurrent local agents do not share read state.
type Server struct {
	interceptor service.Interceptor
	logger      *slog.Logger
}

// NewServer creates a Server bound to the given interceptor chain
// (typically the proxy's MessageHandler).
func NewServer(interceptor service.Interceptor, logger *slog.Logger) *Server {
	return &Server{interceptor: interceptor, logger: logger}
}

// ServeStdio runs a single session over the process's stdin/stdout. It
// blocks until ctx is cancelled or stdin is closed.
func (s *Server) ServeStdio(ctx context.Context) error {
	session := service.NewSession(s.interceptor, s.logger)
	return session.Serve(ctx, os.Stdin, os.Stdout)
}

// ListenAndServeUnix listens on a unix domain socket at path, serving one
// service.Session per accepted connection. It removes any stale socket
// file left behind by a prior unclean shutdown before binding, and
// blocks until ctx is cancelled.
func (s *Server) ListenAndServeUnix(ctx context.Context, path string) error {
	if err := removeStaleSocket(path); err != nil {
		return fmt.Errorf("removing stale socket: %w", err)
	}

	listener, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", path, err)
	}

	var wg sync.WaitGroup
	acceptDone := make(chan struct{})

	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()

	go func() {
		defer close(acceptDone)
		for {
			conn, err := listener.Accept()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				s.logger.Warn("local mcp accept failed", "error", err)
				return
			}

			wg.Add(1)
			go func() {
				defer wg.Done()
				defer func() { _ = conn.Close() }()

				session := service.NewSession(s.interceptor, s.logger)
				if err := session.Serve(ctx, conn, conn); err != nil && ctx.Err() == nil {
					s.logger.Debug("local mcp session ended", "error", err)
				}
			}()
		}
	}()

	<-acceptDone
	wg.Wait()
	return ctx.Err()
}

func removeStaleSocket(path string) error {
	if path == "" {
		return nil
	}
	err := os.Remove(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
