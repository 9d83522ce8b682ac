package service

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/xiaozhi-mcp/mcp-mux/internal/domain/catalog"
	"github.com/xiaozhi-mcp/mcp-mux/internal/domain/validation"
	"github.com/xiaozhi-mcp/mcp-mux/pkg/mcp"
)

// rejectingInterceptor always rejects with a validation.ValidationError,
// simulating a proxy.ValidationInterceptor link in the chain refusing a message.
type rejectingInterceptor struct{}

func (rejectingInterceptor) Intercept(ctx context.Context, msg *mcp.Message) (*mcp.Message, error) {
	return nil, validation.NewValidationError(validation.ErrCodeInvalidRequest, "rejected for test")
}

func TestSession_ServeRoutesRequestAndWritesResponse(t *testing.T) {
	h := newTestMessageHandler(catalog.NewIndex(), &fakeUpstreamCaller{}, nil)
	s := NewSession(h, newTestLogger())

	src := strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"ping"}` + "\n")
	var dst bytes.Buffer

	if err := s.Serve(context.Background(), src, &dst); err != nil {
		t.Fatalf("Serve: %v", err)
	}

	var parsed struct {
		Result map[string]any `json:"result"`
	}
	if err := json.Unmarshal(dst.Bytes(), &parsed); err != nil {
		t.Fatalf("unmarshal response: %v, got %s", err, dst.String())
	}
}

func TestSession_ServeRepliesParseErrorAndKeepsGoing(t *testing.T) {
	h := newTestMessageHandler(catalog.NewIndex(), &fakeUpstreamCaller{}, nil)
	s := NewSession(h, newTestLogger())

	src := strings.NewReader("not json\n" + `{"jsonrpc":"2.0","id":2,"method":"ping"}` + "\n")
	var dst bytes.Buffer

	if err := s.Serve(context.Background(), src, &dst); err != nil {
		t.Fatalf("Serve: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(dst.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 response lines, got %d: %q", len(lines), dst.String())
	}

	var first struct {
		Error *struct {
			Code int64 `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("unmarshal first line: %v", err)
	}
	if first.Error == nil || first.Error.Code != ErrCodeParse {
		t.Fatalf("expected parse error on first line, got %+v", first.Error)
	}

	var second struct {
		Result map[string]any `json:"result"`
	}
	if err := json.Unmarshal([]byte(lines[1]), &second); err != nil {
		t.Fatalf("unmarshal second line: %v", err)
	}
}

func TestSession_ServeWritesCodedErrorForValidationRejection(t *testing.T) {
	s := NewSession(rejectingInterceptor{}, newTestLogger())

	src := strings.NewReader(`{"jsonrpc":"2.0","id":3,"method":"tools/call"}` + "\n")
	var dst bytes.Buffer

	if err := s.Serve(context.Background(), src, &dst); err != nil {
		t.Fatalf("Serve: %v", err)
	}

	var parsed struct {
		ID    int `json:"id"`
		Error *struct {
			Code    int64  `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(dst.Bytes(), &parsed); err != nil {
		t.Fatalf("unmarshal response: %v, got %s", err, dst.String())
	}
	if parsed.ID != 3 {
		t.Errorf("expected id 3 preserved, got %d", parsed.ID)
	}
	if parsed.Error == nil || parsed.Error.Code != validation.ErrCodeInvalidRequest {
		t.Fatalf("expected invalid-request error, got %+v", parsed.Error)
	}
	if parsed.Error.Message != "rejected for test" {
		t.Errorf("unexpected error message: %q", parsed.Error.Message)
	}
}

func TestSession_ServeDropsNotificationResponses(t *testing.T) {
	h := newTestMessageHandler(catalog.NewIndex(), &fakeUpstreamCaller{}, nil)
	s := NewSession(h, newTestLogger())

	src := strings.NewReader(`{"jsonrpc":"2.0","method":"notifications/initialized"}` + "\n")
	var dst bytes.Buffer

	if err := s.Serve(context.Background(), src, &dst); err != nil {
		t.Fatalf("Serve: %v", err)
	}
	if dst.Len() != 0 {
		t.Errorf("expected no response written for notification, got %q", dst.String())
	}
}
