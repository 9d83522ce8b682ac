// Package policy provides a small CEL-based expression evaluator used
// to enrich the boolean tool enable/disable flag with a per-tool
// expression evaluated against the tool's name, owning service, and
// usage stats.
package policy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/cel-go/cel"
)

// maxExpressionLength bounds how large a "when" expression can be.
const maxExpressionLength = 1024

// maxCostBudget limits CEL program runtime cost, preventing a
// pathological expression from burning CPU on every tools/list call.
const maxCostBudget = 10_000

// evalTimeout bounds a single evaluation.
const evalTimeout = 200 * time.Millisecond

// EvalContext carries the variables a "when" expression can reference.
type EvalContext struct {
	ToolName        string
	ServiceName     string
	UsageCount      uint64
	LastUsedSeconds int64 // seconds since last use; -1 if never used
}

// Evaluator compiles and evaluates tool-gating CEL expressions.
type Evaluator struct {
	env *cel.Env
}

// NewEvaluator builds an Evaluator with the tool-gating environment:
// tool_name, service_name, usage_count, last_used_seconds.
func NewEvaluator() (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("tool_name", cel.StringType),
		cel.Variable("service_name", cel.StringType),
		cel.Variable("usage_count", cel.UintType),
		cel.Variable("last_used_seconds", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("building tool policy environment: %w", err)
	}
	return &Evaluator{env: env}, nil
}

// Compile parses, type-checks, and programs a "when" expression.
func (e *Evaluator) Compile(expression string) (cel.Program, error) {
	if len(expression) > maxExpressionLength {
		return nil, fmt.Errorf("expression too long: %d characters (max %d)", len(expression), maxExpressionLength)
	}
	if expression == "" {
		return nil, errors.New("expression is empty")
	}

	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compilation failed: %w", issues.Err())
	}

	prg, err := e.env.Program(ast, cel.EvalOptions(cel.OptOptimize), cel.CostLimit(maxCostBudget))
	if err != nil {
		return nil, fmt.Errorf("program creation failed: %w", err)
	}
	return prg, nil
}

// Evaluate runs a compiled program against evalCtx. The expression
// must evaluate to a bool; true means the tool is force-disabled.
func (e *Evaluator) Evaluate(prg cel.Program, evalCtx EvalContext) (bool, error) {
	activation := map[string]any{
		"tool_name":         evalCtx.ToolName,
		"service_name":      evalCtx.ServiceName,
		"usage_count":       evalCtx.UsageCount,
		"last_used_seconds": evalCtx.LastUsedSeconds,
	}

	ctx, cancel := context.WithTimeout(context.Background(), evalTimeout)
	defer cancel()

	result, _, err := prg.ContextEval(ctx, activation)
	if err != nil {
		return false, fmt.Errorf("evaluation failed: %w", err)
	}

	disabled, ok := result.Value().(bool)
	if !ok {
		return false, fmt.Errorf("expression did not return a boolean, got %T", result.Value())
	}
	return disabled, nil
}
