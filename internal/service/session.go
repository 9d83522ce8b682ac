package service

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/xiaozhi-mcp/mcp-mux/internal/domain/validation"
	"github.com/xiaozhi-mcp/mcp-mux/pkg/mcp"
)

// Interceptor is the narrow surface a Session needs to process one
// decoded message and produce a response, satisfied structurally by
// MessageHandler (optionally wrapped by proxy.ValidationInterceptor).
type Interceptor interface {
	Intercept(ctx context.Context, msg *mcp.Message) (*mcp.Message, error)
}

// Session reads newline-delimited JSON-RPC messages from a downstream
// connection, routes each through an interceptor chain, and writes the
// resulting response back. It is the read loop behind the local MCP
// server, which hands Serve its own io.Reader/io.Writer pairing (a unix
// socket or stdio pipe); the WebSocket endpoint sessions in wsendpoint
// run their own frame loop instead.
type Session struct {
	interceptor Interceptor
	logger      *slog.Logger
}

// NewSession creates a Session bound to the given interceptor chain.
func NewSession(interceptor Interceptor, logger *slog.Logger) *Session {
	return &Session{interceptor: interceptor, logger: logger}
}

// Serve blocks reading newline-delimited messages from src until src is
// exhausted, ctx is cancelled, or a write to dst fails. Malformed JSON is
// answered with a parse-error response and the session stays open;
// notifications (nil response) are silently dropped.
func (s *Session) Serve(ctx context.Context, src io.Reader, dst io.Writer) error {
	scanner := bufio.NewScanner(src)
	buf := make([]byte, 0, 256*1024)
	scanner.Buffer(buf, 1024*1024)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		raw := append([]byte(nil), scanner.Bytes()...)
		if len(raw) == 0 {
			continue
		}

		msg := &mcp.Message{Raw: raw, Direction: mcp.ClientToServer, Timestamp: time.Now()}
		decoded, decodeErr := mcp.DecodeMessage(raw)
		if decodeErr != nil {
			s.logger.Debug("failed to decode inbound message", "error", decodeErr)
			if err := s.writeParseError(dst, raw); err != nil {
				return err
			}
			continue
		}
		msg.Decoded = decoded
		_ = msg.ParseParams()

		resp, err := s.interceptor.Intercept(ctx, msg)
		if err != nil {
			var verr *validation.ValidationError
			if errors.As(err, &verr) {
				s.logger.Warn("interceptor rejected message", "method", msg.Method(), "error", err)
				if werr := s.writeCodedError(dst, raw, int64(verr.Code), verr.Message); werr != nil {
					return werr
				}
				continue
			}
			s.logger.Error("interceptor returned error", "method", msg.Method(), "error", err)
			continue
		}
		if resp == nil {
			continue
		}

		if _, err := dst.Write(resp.Raw); err != nil {
			return fmt.Errorf("write response: %w", err)
		}
		if _, err := dst.Write([]byte("\n")); err != nil {
			return fmt.Errorf("write newline: %w", err)
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan error: %w", err)
	}
	return nil
}

func (s *Session) writeParseError(dst io.Writer, raw []byte) error {
	return s.writeCodedError(dst, raw, ErrCodeParse, "parse error")
}

// writeCodedError writes a JSON-RPC error response carrying the given
// code/message, reusing raw's id field if present.
func (s *Session) writeCodedError(dst io.Writer, raw []byte, code int64, message string) error {
	var idHolder struct {
		ID json.RawMessage `json:"id"`
	}
	_ = json.Unmarshal(raw, &idHolder)

	resp := jsonRPCError{
		JSONRPC: "2.0",
		ID:      idHolder.ID,
		Error:   jsonRPCErrorDetail{Code: code, Message: message},
	}
	out, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("marshal error response: %w", err)
	}
	if _, err := dst.Write(out); err != nil {
		return fmt.Errorf("write error response: %w", err)
	}
	if _, err := dst.Write([]byte("\n")); err != nil {
		return fmt.Errorf("write newline: %w", err)
	}
	return nil
}
