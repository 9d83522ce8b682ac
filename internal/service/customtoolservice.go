package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/xiaozhi-mcp/mcp-mux/internal/domain/customtool"
)

// scriptRunner and cozeRunner are the narrow ports CustomToolService needs
// from the two adapter implementations, letting tests supply fakes.
type scriptRunner interface {
	Run(ctx context.Context, cfg customtool.Config, arguments map[string]interface{}) (string, error)
}

type cozeRunner interface {
	Run(ctx context.Context, cfg customtool.Config, arguments map[string]interface{}) (string, error)
}

// CustomToolService executes tools declared in configuration as
// proxy:coze or script, backed by the shared one-shot result cache.
type CustomToolService struct {
	configs map[string]customtool.Config
	coze    cozeRunner
	script  scriptRunner
	cache   *ResultCache
	logger  *slog.Logger
}

// NewCustomToolService creates a service over the given custom tool
// configurations, keyed by namespaced tool name.
func NewCustomToolService(configs map[string]customtool.Config, coze cozeRunner, script scriptRunner, cache *ResultCache, logger *slog.Logger) *CustomToolService {
	return &CustomToolService{configs: configs, coze: coze, script: script, cache: cache, logger: logger}
}

// Has reports whether toolName is a configured custom tool.
func (s *CustomToolService) Has(toolName string) bool {
	_, ok := s.configs[toolName]
	return ok
}

// Dispatch executes toolName with the given cache key and arguments. If a
// completed, unconsumed, unexpired result already exists for key, it is
// returned immediately and marked consumed without re-executing.
func (s *CustomToolService) Dispatch(ctx context.Context, toolName string, key uint64, arguments map[string]interface{}) (content string, isError bool) {
	if cached, ok := s.cache.Get(key); ok && cached.Status == customtool.StatusCompleted {
		return cached.Content, cached.IsError
	}

	cfg, ok := s.configs[toolName]
	if !ok {
		return fmt.Sprintf("unknown custom tool %q", toolName), true
	}

	var (
		result string
		err    error
	)
	switch cfg.Kind {
	case customtool.KindCozeProxy:
		result, err = s.coze.Run(ctx, cfg, arguments)
	case customtool.KindScript:
		result, err = s.script.Run(ctx, cfg, arguments)
	default:
		err = fmt.Errorf("unsupported custom tool kind %q", cfg.Kind)
	}

	if err != nil {
		if ctx.Err() != nil {
			// Deadline hit mid-execution: store nothing, per §4.6 the
			// next call simply retries.
			s.logger.Warn("custom tool call timed out", "tool", toolName, "error", err)
			return "", true
		}
		s.logger.Warn("custom tool call failed", "tool", toolName, "error", err)
		s.cache.Put(key, customtool.Result{
			Content:   err.Error(),
			IsError:   true,
			Status:    customtool.StatusFailed,
			Timestamp: time.Now(),
			TTL:       DefaultResultTTL,
		})
		return err.Error(), true
	}

	s.cache.Put(key, customtool.Result{
		Content:   result,
		Status:    customtool.StatusCompleted,
		Timestamp: time.Now(),
		TTL:       DefaultResultTTL,
	})
	return result, false
}
