package service

import (
	"log/slog"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/xiaozhi-mcp/mcp-mux/internal/domain/policy"
	"github.com/xiaozhi-mcp/mcp-mux/internal/domain/tool"
)

// ToolPolicy evaluates the optional per-tool CEL "when" expression
// from mcpServerConfig[name].tools[toolName].when, enriching the
// config-boolean enable/disable decision already baked into the
// catalog at query time. Tool usage stats come straight off the
// resolved tool.Tool (already tracked by the registry), so the
// expression can reference live call counts, not just the config-file
// snapshot.
type ToolPolicy struct {
	evaluator *policy.Evaluator
	programs  map[string]cel.Program // keyed by namespaced tool name
	logger    *slog.Logger
}

// NewToolPolicy compiles every non-empty "when" expression in
// overrides (keyed by service name, then tool name) into a ToolPolicy.
// A compile failure is logged and that tool's expression is skipped
// (the boolean enable flag still applies); it never aborts startup.
func NewToolPolicy(overrides map[string]map[string]string, logger *slog.Logger) (*ToolPolicy, error) {
	evaluator, err := policy.NewEvaluator()
	if err != nil {
		return nil, err
	}

	tp := &ToolPolicy{evaluator: evaluator, programs: make(map[string]cel.Program), logger: logger}

	for serviceName, tools := range overrides {
		for toolName, expr := range tools {
			if expr == "" {
				continue
			}
			namespaced := tool.NamespacedName(serviceName, toolName)
			prg, err := evaluator.Compile(expr)
			if err != nil {
				logger.Warn("skipping invalid tool policy expression", "tool", namespaced, "error", err)
				continue
			}
			tp.programs[namespaced] = prg
		}
	}

	return tp, nil
}

// Disabled reports whether t's "when" expression evaluates to true
// (force-disabled). Tools without a compiled expression are never
// disabled by policy, leaving the boolean config flag as the sole
// authority.
func (tp *ToolPolicy) Disabled(t *tool.Tool) bool {
	if t == nil {
		return false
	}
	prg, ok := tp.programs[t.Name]
	if !ok {
		return false
	}

	lastUsedSeconds := int64(-1)
	if t.LastUsedAt != nil {
		lastUsedSeconds = int64(time.Since(*t.LastUsedAt).Seconds())
	}

	disabled, err := tp.evaluator.Evaluate(prg, policy.EvalContext{
		ToolName:        t.OriginalName,
		ServiceName:     t.ServiceName,
		UsageCount:      t.UsageCount,
		LastUsedSeconds: lastUsedSeconds,
	})
	if err != nil {
		tp.logger.Warn("tool policy evaluation failed, leaving tool as configured", "tool", t.Name, "error", err)
		return false
	}
	return disabled
}
