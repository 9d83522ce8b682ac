// Package mcpconfig contains domain types describing upstream MCP service
// configuration and runtime connection state.
package mcpconfig

import (
	"fmt"
	"net/url"
	"regexp"
	"time"
)

// TransportKind identifies the wire transport used to reach an upstream
// MCP service.
type TransportKind string

const (
	// TransportStdio communicates with a local subprocess over stdin/stdout.
	TransportStdio TransportKind = "stdio"
	// TransportSSE communicates over a paired GET (event stream) / POST.
	TransportSSE TransportKind = "sse"
	// TransportStreamableHTTP issues one POST per request with a streamed
	// response body.
	TransportStreamableHTTP TransportKind = "streamable-http"
)

// ServiceState is the runtime connection state of an upstream service.
// Transitions here are the single source of truth for any observer.
type ServiceState string

const (
	StateDisconnected ServiceState = "disconnected"
	StateConnecting   ServiceState = "connecting"
	StateConnected    ServiceState = "connected"
	StateError        ServiceState = "error"
)

// namePattern allows alphanumeric characters, hyphens, and underscores.
// Service names are used verbatim as the left-hand side of the namespaced
// tool separator "__", so spaces are deliberately excluded.
var namePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

const nameMaxLength = 100

// ServiceConfig is the immutable configuration for one upstream MCP
// service, as read from the static configuration snapshot. Name is unique
// within a running process.
type ServiceConfig struct {
	Name    string
	Kind    TransportKind
	Command string
	Args    []string
	Env     map[string]string

	URL     string
	Headers map[string]string

	TimeoutMs        int
	ReconnectDelayMs int
}

// Validate checks that the service configuration is well-formed. It does
// not attempt to reach the upstream.
func (c *ServiceConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("name is required")
	}
	if len(c.Name) > nameMaxLength {
		return fmt.Errorf("name must be %d characters or less", nameMaxLength)
	}
	if !namePattern.MatchString(c.Name) {
		return fmt.Errorf("name contains invalid characters (allowed: alphanumeric, hyphens, underscores)")
	}

	switch c.Kind {
	case TransportStdio:
		if c.Command == "" {
			return fmt.Errorf("command is required for stdio service %q", c.Name)
		}
	case TransportSSE, TransportStreamableHTTP:
		if c.URL == "" {
			return fmt.Errorf("url is required for %s service %q", c.Kind, c.Name)
		}
		parsed, err := url.Parse(c.URL)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return fmt.Errorf("url is not a valid URL for service %q", c.Name)
		}
	default:
		return fmt.Errorf("kind must be one of %q, %q, %q", TransportStdio, TransportSSE, TransportStreamableHTTP)
	}

	return nil
}

// InferTransportKind infers a TransportKind from a config that omits an
// explicit kind: presence of a command means stdio; a URL path ending in
// "/sse" (exact suffix, case-sensitive, query string ignored) means sse;
// otherwise streamable-http.
func InferTransportKind(command, rawURL string) TransportKind {
	if command != "" {
		return TransportStdio
	}
	if parsed, err := url.Parse(rawURL); err == nil && hasSSESuffix(parsed.Path) {
		return TransportSSE
	}
	return TransportStreamableHTTP
}

func hasSSESuffix(path string) bool {
	const suffix = "/sse"
	return len(path) >= len(suffix) && path[len(path)-len(suffix):] == suffix
}

// ConnectionStatus is the observable connection state of one upstream
// service, as reported by the supervisor's getStatus().
type ConnectionStatus struct {
	ServiceName string
	State       ServiceState
	LastError   string
	ConnectedAt time.Time
	Attempts    int
}
