// Package service hosts the proxy's stateful orchestration: the message
// handler, the custom-tool dispatcher, and the shared result cache.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/xiaozhi-mcp/mcp-mux/internal/adapter/outbound/toolcalllog"
	"github.com/xiaozhi-mcp/mcp-mux/internal/domain/catalog"
	"github.com/xiaozhi-mcp/mcp-mux/internal/domain/customtool"
	"github.com/xiaozhi-mcp/mcp-mux/internal/domain/tool"
	"github.com/xiaozhi-mcp/mcp-mux/internal/observability"
	"github.com/xiaozhi-mcp/mcp-mux/pkg/mcp"
	"go.opentelemetry.io/otel/attribute"
)

// JSON-RPC error codes used by the message handler.
const (
	ErrCodeParse          int64 = -32700
	ErrCodeInvalidRequest int64 = -32600
	ErrCodeMethodNotFound int64 = -32601
	ErrCodeInvalidParams  int64 = -32602
	ErrCodeInternal       int64 = -32603
	ErrCodeNoUpstreams    int64 = -32000
)

// callDeadline is the global per-call deadline for tools/call dispatch.
// On expiry the handler returns a task-in-progress result rather than an
// error, recoverable later via the result cache.
const callDeadline = 8 * time.Second

const serverName = "xiaozhi-mcp-server"
const serverVersion = "1.0.0"

// supportedProtocolVersions lists the versions a client may request; a
// listed version is echoed back as-is, and the first entry is the default
// when a client omits protocolVersion or requests an unlisted one.
var supportedProtocolVersions = []string{"2024-11-05", "2025-06-18"}

// UpstreamCaller forwards a tools/call to the upstream service that owns
// a tool, returning the upstream's result object verbatim.
type UpstreamCaller interface {
	CallTool(ctx context.Context, serviceName, originalName string, arguments map[string]interface{}) (json.RawMessage, error)
}

// Registry is the subset of catalog.Index the message handler needs.
type Registry interface {
	Resolve(namespacedName string) (*tool.Tool, bool)
	List(filter catalog.ListFilter, sortBy catalog.SortBy) []tool.Tool
	RecordCall(namespacedName string) bool
}

// ToolGate is the narrow surface of ToolPolicy the message handler
// needs: whether a resolved tool is force-disabled by its CEL "when"
// expression, on top of the catalog's own enabled flag.
type ToolGate interface {
	Disabled(t *tool.Tool) bool
}

// ToolCallRecorder appends a completed tools/call outcome to the
// append-only tool-call log. Satisfied by toolcalllog.Writer.
type ToolCallRecorder interface {
	Append(rec toolcalllog.Record)
}

// MessageHandler validates, routes, and responds to JSON-RPC messages on
// a downstream session. It is the innermost interceptor, resolving
// namespaced tool names against the registry and dispatching tools/call
// either to the owning upstream or to the custom-tool service.
type MessageHandler struct {
	registry    Registry
	upstream    UpstreamCaller
	customTools *CustomToolService
	resultCache *ResultCache
	policy      ToolGate
	callLog     ToolCallRecorder
	metrics     *observability.Metrics
	logger      *slog.Logger

	// deadline is the global per-call deadline for tools/call dispatch
	// (callDeadline by default; overridable in tests).
	deadline time.Duration
}

// NewMessageHandler creates a MessageHandler.
func NewMessageHandler(registry Registry, upstream UpstreamCaller, customTools *CustomToolService, resultCache *ResultCache, logger *slog.Logger) *MessageHandler {
	return &MessageHandler{
		registry:    registry,
		upstream:    upstream,
		customTools: customTools,
		resultCache: resultCache,
		logger:      logger,
		deadline:    callDeadline,
	}
}

// SetToolGate attaches the optional CEL tool-gating policy. Nil is a
// safe no-op, equivalent to every tool relying solely on its boolean
// enable flag.
func (h *MessageHandler) SetToolGate(gate ToolGate) {
	h.policy = gate
}

// SetToolCallLog attaches the append-only tool-call log writer. Nil
// disables logging (tests do not need a disk-backed log file).
func (h *MessageHandler) SetToolCallLog(log ToolCallRecorder) {
	h.callLog = log
}

// SetMetrics attaches the Prometheus instrument set. Nil is a safe
// no-op, equivalent to running without metrics collection.
func (h *MessageHandler) SetMetrics(m *observability.Metrics) {
	h.metrics = m
}

// recordToolCall appends one completed tools/call to the tool-call
// log. t is nil for custom tools, which have no owning service.
func (h *MessageHandler) recordToolCall(namespacedName string, t *tool.Tool, duration time.Duration, success bool) {
	if h.callLog == nil {
		return
	}
	serviceName := ""
	if t != nil {
		serviceName = t.ServiceName
	}
	h.callLog.Append(toolcalllog.Record{
		ToolName:    namespacedName,
		ServiceName: serviceName,
		Success:     success,
		DurationMs:  duration.Milliseconds(),
	})
}

// recordMetrics records a completed tools/call into the Prometheus
// instruments, a no-op when no Metrics has been attached.
func (h *MessageHandler) recordMetrics(namespacedName string, duration time.Duration, isError bool) {
	if h.metrics == nil {
		return
	}
	status := "ok"
	if isError {
		status = "error"
	}
	h.metrics.ToolCallsTotal.WithLabelValues(namespacedName, status).Inc()
	h.metrics.ToolCallDuration.WithLabelValues(namespacedName).Observe(duration.Seconds())
}

func (h *MessageHandler) toolGatedOff(t *tool.Tool) bool {
	if h.policy == nil {
		return false
	}
	return h.policy.Disabled(t)
}

func (h *MessageHandler) effectiveDeadline() time.Duration {
	if h.deadline <= 0 {
		return callDeadline
	}
	return h.deadline
}

// Intercept implements proxy.MessageInterceptor structurally, without
// importing the proxy package: it dispatches client requests and passes
// server-originated messages through unchanged.
func (h *MessageHandler) Intercept(ctx context.Context, msg *mcp.Message) (*mcp.Message, error) {
	if msg.Direction == mcp.ServerToClient {
		return msg, nil
	}

	switch msg.Method() {
	case "initialize":
		return h.handleInitialize(msg)
	case "notifications/initialized":
		return nil, nil
	case "tools/list":
		return h.handleToolsList(msg)
	case "tools/call":
		return h.handleToolsCall(ctx, msg)
	case "resources/list":
		return h.buildResultResponse(msg, map[string]any{"resources": []any{}})
	case "prompts/list":
		return h.buildResultResponse(msg, map[string]any{"prompts": []any{}})
	case "ping":
		return h.buildResultResponse(msg, map[string]any{})
	default:
		return h.buildErrorResponse(msg, ErrCodeMethodNotFound, "method not found"), nil
	}
}

func (h *MessageHandler) handleInitialize(msg *mcp.Message) (*mcp.Message, error) {
	requested := ""
	if params := msg.ParseParams(); params != nil {
		if v, ok := params["protocolVersion"].(string); ok {
			requested = v
		}
	}

	negotiated := supportedProtocolVersions[0]
	for _, v := range supportedProtocolVersions {
		if v == requested {
			negotiated = v
		}
	}

	result := map[string]any{
		"protocolVersion": negotiated,
		"capabilities": map[string]any{
			"tools": map[string]any{},
		},
		"serverInfo": map[string]any{
			"name":    serverName,
			"version": serverVersion,
		},
	}
	return h.buildResultResponse(msg, result)
}

func (h *MessageHandler) handleToolsList(msg *mcp.Message) (*mcp.Message, error) {
	tools := h.registry.List(catalog.FilterEnabled, catalog.SortByName)

	entries := make([]toolEntry, 0, len(tools))
	for _, t := range tools {
		if h.toolGatedOff(&t) {
			continue
		}
		entries = append(entries, toolEntry{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}
	return h.buildResultResponse(msg, toolsListResult{Tools: entries})
}

func (h *MessageHandler) handleToolsCall(ctx context.Context, msg *mcp.Message) (*mcp.Message, error) {
	params := msg.ParseParams()
	name, _ := params["name"].(string)
	if name == "" {
		return h.buildErrorResponse(msg, ErrCodeInvalidParams, "missing tool name"), nil
	}
	arguments, _ := params["arguments"].(map[string]interface{})

	t, found := h.registry.Resolve(name)
	if found && (!t.Enabled || h.toolGatedOff(t)) {
		found = false
	}
	if !found && !h.customTools.Has(name) {
		return h.buildErrorResponse(msg, ErrCodeMethodNotFound, "tool not found"), nil
	}
	h.registry.RecordCall(name)

	key := CacheKey(name, CanonicalizeArgs(arguments))

	type outcome struct {
		raw     json.RawMessage
		isError bool
		callErr *CallError
	}
	done := make(chan outcome, 1)

	// timedOut is set once the select below gives up waiting on done and
	// returns a task-in-progress response. dispatchUpstream consults it to
	// decide whether this call's result is a genuine timeout-retry (cache
	// it) or an ordinary call (never touch the cache for those).
	var timedOut atomic.Bool

	start := time.Now()
	execCtx := context.WithoutCancel(ctx)
	spanCtx, span := observability.StartSpan(execCtx, "tools/call")
	span.SetAttributes(attribute.String("mcpmux.tool", name))
	go func() {
		defer span.End()
		var raw json.RawMessage
		var isError bool
		var callErr *CallError
		if h.customTools.Has(name) {
			var content string
			content, isError = h.customTools.Dispatch(spanCtx, name, key, arguments)
			raw = textResultJSON(content, isError)
		} else {
			raw, isError, callErr = h.dispatchUpstream(spanCtx, key, t, arguments, &timedOut)
		}
		duration := time.Since(start)
		h.recordToolCall(name, t, duration, !isError && callErr == nil)
		h.recordMetrics(name, duration, isError || callErr != nil)
		done <- outcome{raw: raw, isError: isError, callErr: callErr}
	}()

	timer := time.NewTimer(h.effectiveDeadline())
	defer timer.Stop()

	select {
	case o := <-done:
		if o.callErr != nil {
			return h.buildCallErrorResponse(msg, o.callErr), nil
		}
		return h.buildRawResultResponse(msg, o.raw)
	case <-timer.C:
		timedOut.Store(true)
		return h.buildTaskInProgressResponse(msg, key)
	case <-ctx.Done():
		timedOut.Store(true)
		return h.buildTaskInProgressResponse(msg, key)
	}
}

// dispatchUpstream forwards a tools/call to the upstream owning t. Every
// call checks the result cache first, but the cache is only populated on
// the timeout-recovery path (§4.5 point 6): a call that completes within
// the deadline leaves timedOut false and never writes the cache, so an
// identical later call forwards to the upstream again.
func (h *MessageHandler) dispatchUpstream(ctx context.Context, key uint64, t *tool.Tool, arguments map[string]interface{}, timedOut *atomic.Bool) (json.RawMessage, bool, *CallError) {
	if cached, ok := h.resultCache.Get(key); ok {
		return json.RawMessage(cached.Content), cached.IsError, nil
	}

	raw, err := h.upstream.CallTool(ctx, t.ServiceName, t.OriginalName, arguments)
	if err != nil {
		var callErr *CallError
		if !errors.As(err, &callErr) {
			callErr = &CallError{Kind: KindTransportError, ServiceName: t.ServiceName, Message: err.Error()}
		}
		callErr.ToolName = t.Name
		h.logger.Warn("upstream call failed", "tool", t.Name, "service", t.ServiceName, "kind", callErr.Kind, "error", callErr.Message)
		return nil, true, callErr
	}

	if timedOut.Load() {
		h.resultCache.Put(key, customtool.Result{
			Content:   string(raw),
			Status:    customtool.StatusCompleted,
			Timestamp: time.Now(),
			TTL:       DefaultResultTTL,
		})
	}
	return raw, false, nil
}

func (h *MessageHandler) buildTaskInProgressResponse(msg *mcp.Message, key uint64) (*mcp.Message, error) {
	taskID := fmt.Sprintf("%016x", key)
	result := map[string]any{
		"content": []map[string]any{
			{"type": "text", "text": fmt.Sprintf("task in progress: %s", taskID)},
		},
		"isError": false,
		"taskId":  taskID,
	}
	return h.buildResultResponse(msg, result)
}

func textResultJSON(content string, isError bool) json.RawMessage {
	raw, err := json.Marshal(map[string]any{
		"content": []map[string]any{{"type": "text", "text": content}},
		"isError": isError,
	})
	if err != nil {
		return json.RawMessage(`{"content":[{"type":"text","text":"internal error"}],"isError":true}`)
	}
	return raw
}

func (h *MessageHandler) buildErrorResponse(msg *mcp.Message, code int64, message string) *mcp.Message {
	rawID := msg.RawID()

	resp := jsonRPCError{
		JSONRPC: "2.0",
		Error:   jsonRPCErrorDetail{Code: code, Message: message},
	}
	if rawID != nil {
		resp.ID = rawID
	}

	raw, err := json.Marshal(resp)
	if err != nil {
		h.logger.Error("failed to marshal error response", "error", err)
		return msg
	}
	return &mcp.Message{Raw: raw, Direction: mcp.ServerToClient, Timestamp: time.Now()}
}

// buildCallErrorResponse maps a failed tools/call into a JSON-RPC error
// whose data field carries the error kind plus enough context
// (serviceName, toolName, attempt) to correlate it with the supervisor's
// own logs. ErrCodeNoUpstreams is reused as the JSON-RPC-level code for
// every kind here; callers distinguish the failure by data.code.
func (h *MessageHandler) buildCallErrorResponse(msg *mcp.Message, callErr *CallError) *mcp.Message {
	rawID := msg.RawID()

	resp := jsonRPCError{
		JSONRPC: "2.0",
		Error: jsonRPCErrorDetail{
			Code:    ErrCodeNoUpstreams,
			Message: callErr.Error(),
			Data: &errorData{
				Code:        string(callErr.Kind),
				ServiceName: callErr.ServiceName,
				ToolName:    callErr.ToolName,
				Attempt:     callErr.Attempt,
			},
		},
	}
	if rawID != nil {
		resp.ID = rawID
	}

	raw, err := json.Marshal(resp)
	if err != nil {
		h.logger.Error("failed to marshal error response", "error", err)
		return msg
	}
	return &mcp.Message{Raw: raw, Direction: mcp.ServerToClient, Timestamp: time.Now()}
}

func (h *MessageHandler) buildResultResponse(msg *mcp.Message, result interface{}) (*mcp.Message, error) {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshaling result: %w", err)
	}
	return h.buildRawResultResponse(msg, resultJSON)
}

func (h *MessageHandler) buildRawResultResponse(msg *mcp.Message, resultJSON json.RawMessage) (*mcp.Message, error) {
	rawID := msg.RawID()

	resp := jsonRPCResult{JSONRPC: "2.0", Result: resultJSON}
	if rawID != nil {
		resp.ID = rawID
	}

	raw, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("marshaling response: %w", err)
	}
	return &mcp.Message{Raw: raw, Direction: mcp.ServerToClient, Timestamp: time.Now()}, nil
}

// --- JSON response types ---

type jsonRPCError struct {
	JSONRPC string             `json:"jsonrpc"`
	ID      json.RawMessage    `json:"id,omitempty"`
	Error   jsonRPCErrorDetail `json:"error"`
}

type jsonRPCErrorDetail struct {
	Code    int64      `json:"code"`
	Message string     `json:"message"`
	Data    *errorData `json:"data,omitempty"`
}

// errorData is the structured context attached to a tools/call failure:
// Code is one of the ErrorKind constants (SERVICE_NOT_READY, and so on).
type errorData struct {
	Code        string `json:"code"`
	ServiceName string `json:"serviceName,omitempty"`
	ToolName    string `json:"toolName,omitempty"`
	Attempt     int    `json:"attempt,omitempty"`
}

type jsonRPCResult struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  json.RawMessage `json:"result"`
}

type toolEntry struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

type toolsListResult struct {
	Tools []toolEntry `json:"tools"`
}
