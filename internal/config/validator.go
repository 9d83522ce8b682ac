package config

import (
	"errors"
	"fmt"
	"net/url"

	"github.com/go-playground/validator/v10"

	"github.com/xiaozhi-mcp/mcp-mux/internal/domain/customtool"
	"github.com/xiaozhi-mcp/mcp-mux/internal/domain/policy"
)

// Validate checks cross-field constraints across the whole snapshot:
// each service's own invariants, endpoint URL well-formedness, tagged-union
// completeness for custom tools, and dangling tool-override references.
func (c *AppConfig) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())

	var errs []error

	for name, svc := range c.Services {
		if err := svc.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("mcpServers[%q]: %w", name, err))
		}
	}

	for _, endpoint := range c.Endpoints {
		if err := v.Var(endpoint, "required,url"); err != nil {
			errs = append(errs, fmt.Errorf("mcpEndpoint %q: must be a valid URL", endpoint))
		}
	}

	for name, tc := range c.CustomTools {
		if err := validateCustomTool(name, tc); err != nil {
			errs = append(errs, err)
		}
	}

	var evaluator *policy.Evaluator
	for serviceName, overrides := range c.ToolOverrides {
		if _, ok := c.Services[serviceName]; !ok {
			errs = append(errs, fmt.Errorf("mcpServerConfig[%q]: references unknown service", serviceName))
			continue
		}
		for toolName, override := range overrides {
			if override.When == "" {
				continue
			}
			if evaluator == nil {
				var err error
				evaluator, err = policy.NewEvaluator()
				if err != nil {
					errs = append(errs, fmt.Errorf("building tool policy evaluator: %w", err))
					break
				}
			}
			if _, err := evaluator.Compile(override.When); err != nil {
				errs = append(errs, fmt.Errorf("mcpServerConfig[%q].tools[%q].when: %w", serviceName, toolName, err))
			}
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// validateCustomTool enforces the tagged-union completeness rules for
// each handler kind: a script tool needs exactly one of scriptPath or
// inline script, and a proxy:coze tool needs its endpoint fields.
func validateCustomTool(name string, tc customtool.Config) error {
	if tc.Name == "" {
		return fmt.Errorf("customMCP.tools[%q]: name is required", name)
	}

	switch tc.Kind {
	case customtool.KindScript:
		hasPath := tc.ScriptPath != ""
		hasInline := tc.InlineScript != ""
		if hasPath == hasInline {
			return fmt.Errorf("customMCP.tools[%q]: exactly one of scriptPath or script is required", name)
		}
		switch tc.Interpreter {
		case customtool.InterpreterNode, customtool.InterpreterPython, customtool.InterpreterBash:
		default:
			return fmt.Errorf("customMCP.tools[%q]: interpreter must be one of node, python, bash", name)
		}
	case customtool.KindCozeProxy:
		if tc.BaseURL == "" {
			return fmt.Errorf("customMCP.tools[%q]: baseUrl is required for proxy:coze", name)
		}
		if _, err := url.Parse(tc.BaseURL); err != nil {
			return fmt.Errorf("customMCP.tools[%q]: baseUrl is not a valid URL", name)
		}
		if tc.WorkflowID == "" {
			return fmt.Errorf("customMCP.tools[%q]: workflowId is required for proxy:coze", name)
		}
	default:
		return fmt.Errorf("customMCP.tools[%q]: unknown handler kind %q", name, tc.Kind)
	}
	return nil
}
