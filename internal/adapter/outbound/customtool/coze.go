// Package customtool provides the two custom-tool execution adapters:
// an HTTP proxy to a Coze-style workflow endpoint, and a local script
// runner.
package customtool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/xiaozhi-mcp/mcp-mux/internal/domain/customtool"
)

const maxWorkflowResponseBytes = 10 * 1024 * 1024

// CozeProxyHandler executes a custom tool by posting to a workflow-run
// HTTP endpoint: {base_url}/v1/workflow/run.
type CozeProxyHandler struct {
	httpClient *http.Client
}

// NewCozeProxyHandler creates a handler using the given HTTP client, or a
// sensible default (30s timeout) if client is nil.
func NewCozeProxyHandler(client *http.Client) *CozeProxyHandler {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &CozeProxyHandler{httpClient: client}
}

type workflowRunRequest struct {
	WorkflowID string                 `json:"workflow_id"`
	Parameters map[string]interface{} `json:"parameters"`
}

type workflowRunResponse struct {
	Data string `json:"data"`
}

// Run posts the workflow invocation and returns the textual result. A
// non-2xx response or JSON-parse failure returns an error whose message
// is safe to surface to the caller as isError content.
func (h *CozeProxyHandler) Run(ctx context.Context, cfg customtool.Config, arguments map[string]interface{}) (string, error) {
	reqBody, err := json.Marshal(workflowRunRequest{WorkflowID: cfg.WorkflowID, Parameters: arguments})
	if err != nil {
		return "", fmt.Errorf("encode workflow request: %w", err)
	}

	url := cfg.BaseURL + "/v1/workflow/run"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return "", fmt.Errorf("create workflow request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if cfg.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.BearerToken)
	}

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("workflow request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxWorkflowResponseBytes))
	if err != nil {
		return "", fmt.Errorf("read workflow response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("workflow http status %d", resp.StatusCode)
	}

	var parsed workflowRunResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("parse workflow response: %w", err)
	}
	return parsed.Data, nil
}
