package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/xiaozhi-mcp/mcp-mux/internal/domain/customtool"
)

type fakeRunner struct {
	calls  int
	result string
	err    error
}

func (f *fakeRunner) Run(ctx context.Context, cfg customtool.Config, arguments map[string]interface{}) (string, error) {
	f.calls++
	return f.result, f.err
}

func newTestService(t *testing.T, configs map[string]customtool.Config, coze, script *fakeRunner) *CustomToolService {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewCustomToolService(configs, coze, script, NewResultCache(16), logger)
}

func TestCustomToolService_DispatchScript(t *testing.T) {
	script := &fakeRunner{result: "ok"}
	coze := &fakeRunner{}
	configs := map[string]customtool.Config{
		"tools__run": {Name: "run", Kind: customtool.KindScript},
	}
	svc := newTestService(t, configs, coze, script)

	key := CacheKey("tools__run", nil)
	content, isErr := svc.Dispatch(context.Background(), "tools__run", key, nil)
	if isErr {
		t.Fatalf("unexpected error result: %s", content)
	}
	if content != "ok" {
		t.Errorf("got %q, want %q", content, "ok")
	}
	if script.calls != 1 {
		t.Errorf("expected script runner to be called once, got %d", script.calls)
	}
}

func TestCustomToolService_DispatchCoze(t *testing.T) {
	coze := &fakeRunner{result: "workflow-result"}
	script := &fakeRunner{}
	configs := map[string]customtool.Config{
		"tools__wf": {Name: "wf", Kind: customtool.KindCozeProxy},
	}
	svc := newTestService(t, configs, coze, script)

	key := CacheKey("tools__wf", nil)
	content, isErr := svc.Dispatch(context.Background(), "tools__wf", key, nil)
	if isErr {
		t.Fatalf("unexpected error result: %s", content)
	}
	if content != "workflow-result" {
		t.Errorf("got %q, want %q", content, "workflow-result")
	}
	if coze.calls != 1 {
		t.Errorf("expected coze runner to be called once, got %d", coze.calls)
	}
}

func TestCustomToolService_CachedResultSkipsReexecution(t *testing.T) {
	script := &fakeRunner{result: "first"}
	coze := &fakeRunner{}
	configs := map[string]customtool.Config{
		"tools__run": {Name: "run", Kind: customtool.KindScript},
	}
	svc := newTestService(t, configs, coze, script)

	key := CacheKey("tools__run", nil)
	content1, _ := svc.Dispatch(context.Background(), "tools__run", key, nil)
	if content1 != "first" {
		t.Fatalf("got %q, want %q", content1, "first")
	}

	script.result = "second"
	content2, _ := svc.Dispatch(context.Background(), "tools__run", key, nil)
	if content2 != "first" {
		t.Errorf("expected cached result %q, got %q", "first", content2)
	}
	if script.calls != 1 {
		t.Errorf("expected script runner called once (second call served from cache), got %d", script.calls)
	}
}

func TestCustomToolService_FailureIsErrorAndCached(t *testing.T) {
	script := &fakeRunner{err: errors.New("boom")}
	coze := &fakeRunner{}
	configs := map[string]customtool.Config{
		"tools__run": {Name: "run", Kind: customtool.KindScript},
	}
	svc := newTestService(t, configs, coze, script)

	key := CacheKey("tools__run", nil)
	content, isErr := svc.Dispatch(context.Background(), "tools__run", key, nil)
	if !isErr {
		t.Fatal("expected isError true")
	}
	if content == "" {
		t.Error("expected a human-readable error message")
	}
}

func TestCustomToolService_UnknownToolIsError(t *testing.T) {
	svc := newTestService(t, map[string]customtool.Config{}, &fakeRunner{}, &fakeRunner{})
	key := CacheKey("tools__missing", nil)
	content, isErr := svc.Dispatch(context.Background(), "tools__missing", key, nil)
	if !isErr {
		t.Fatal("expected isError true for unknown tool")
	}
	if content == "" {
		t.Error("expected a non-empty error message")
	}
}
