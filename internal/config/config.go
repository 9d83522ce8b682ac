// Package config provides the typed configuration schema for mcp-mux: the
// set of upstream MCP services to supervise, the downstream endpoints to
// re-export the aggregated catalog to, and the custom tools served
// directly by the core.
package config

import (
	"time"

	"github.com/xiaozhi-mcp/mcp-mux/internal/domain/customtool"
	"github.com/xiaozhi-mcp/mcp-mux/internal/domain/mcpconfig"
)

// AppConfig is the top-level configuration snapshot consumed by the core.
// It is read once at startup into an immutable value; reload is handled
// by the out-of-scope admin surface re-invoking the loader and diffing
// the result into the running supervisor/registry.
type AppConfig struct {
	// Endpoints are the downstream WebSocket URLs to maintain sessions
	// to, one session per URL. From "mcpEndpoint" (string or []string).
	Endpoints []string

	// Services are the upstream MCP services to supervise, keyed by
	// name. From "mcpServers".
	Services map[string]mcpconfig.ServiceConfig

	// ToolOverrides holds the per-tool enable/description/usage
	// overlay from "mcpServerConfig[name].tools[toolName]".
	ToolOverrides map[string]map[string]ToolOverride

	// CustomTools are the tool definitions served directly by the
	// core, keyed by tool name. From "customMCP.tools[]".
	CustomTools map[string]customtool.Config

	// Connection holds heartbeat/reconnect tuning shared by endpoint
	// sessions and upstream connections.
	Connection ConnectionConfig

	// CozeToken is the bearer token used by the proxy:coze custom-tool
	// handler. From "platforms.coze.token".
	CozeToken string

	// ConfigDir is the directory the config file was loaded from
	// (XIAOZHI_CONFIG_DIR, defaulting to the working directory).
	ConfigDir string

	// DevMode enables verbose logging and permissive defaults.
	DevMode bool
}

// ToolOverride is the persisted per-tool overlay read from
// mcpServerConfig[name].tools[toolName].
type ToolOverride struct {
	Enable      *bool
	Description string
	UsageCount  uint64
	LastUsedAt  *time.Time

	// When is an optional CEL expression that can force the tool
	// disabled at query time, evaluated against tool name, owning
	// service, and usage stats. The boolean Enable field wins when
	// When is empty; a non-empty, true-evaluating When always disables
	// regardless of Enable.
	When string
}

// Enabled reports whether the overlay marks a tool enabled, defaulting to
// true when unset.
func (o ToolOverride) Enabled() bool {
	if o.Enable == nil {
		return true
	}
	return *o.Enable
}

// ConnectionConfig holds the heartbeat/reconnect tuning for downstream
// endpoint sessions and upstream connections.
type ConnectionConfig struct {
	// HeartbeatIntervalMs is the endpoint heartbeat period, default 30000.
	HeartbeatIntervalMs int
	// HeartbeatTimeoutMs is the endpoint inactivity cutoff, default 35000.
	HeartbeatTimeoutMs int
	// EndpointReconnectIntervalMs is the initial endpoint backoff, default 2000.
	EndpointReconnectIntervalMs int
	// UpstreamReconnectIntervalMs is the initial upstream backoff, default 30000.
	UpstreamReconnectIntervalMs int
}

// SetDefaults fills in zero-valued optional fields with their spec defaults.
func (c *AppConfig) SetDefaults() {
	if c.Connection.HeartbeatIntervalMs == 0 {
		c.Connection.HeartbeatIntervalMs = 30000
	}
	if c.Connection.HeartbeatTimeoutMs == 0 {
		c.Connection.HeartbeatTimeoutMs = 35000
	}
	if c.Connection.EndpointReconnectIntervalMs == 0 {
		c.Connection.EndpointReconnectIntervalMs = 2000
	}
	if c.Connection.UpstreamReconnectIntervalMs == 0 {
		c.Connection.UpstreamReconnectIntervalMs = 30000
	}
	for name, svc := range c.Services {
		if svc.ReconnectDelayMs == 0 {
			svc.ReconnectDelayMs = c.Connection.UpstreamReconnectIntervalMs
			c.Services[name] = svc
		}
	}
	for name, cfg := range c.CustomTools {
		if cfg.Kind == customtool.KindScript && cfg.TimeoutSeconds == 0 {
			cfg.TimeoutSeconds = 30
			c.CustomTools[name] = cfg
		}
	}
}
