package service

import (
	"fmt"

	"github.com/xiaozhi-mcp/mcp-mux/internal/adapter/outbound/upstreamclient"
	"github.com/xiaozhi-mcp/mcp-mux/internal/domain/mcpconfig"
	"github.com/xiaozhi-mcp/mcp-mux/internal/port/outbound"
)

// DefaultClientFactory builds the adapter matching cfg.Kind: a subprocess
// client for stdio, or an HTTP-based client for sse/streamable-http.
func DefaultClientFactory(cfg mcpconfig.ServiceConfig) (outbound.MCPClient, error) {
	switch cfg.Kind {
	case mcpconfig.TransportStdio:
		return upstreamclient.NewStdioClient(cfg.Command, cfg.Args, cfg.Env), nil
	case mcpconfig.TransportSSE:
		return upstreamclient.NewSSEClient(cfg.URL, cfg.Headers), nil
	case mcpconfig.TransportStreamableHTTP:
		return upstreamclient.NewStreamableHTTPClient(cfg.URL, upstreamclient.WithHeaders(cfg.Headers)), nil
	default:
		return nil, fmt.Errorf("unsupported transport kind %q", cfg.Kind)
	}
}
