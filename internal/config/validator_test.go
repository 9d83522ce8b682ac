package config

import (
	"testing"

	"github.com/xiaozhi-mcp/mcp-mux/internal/domain/customtool"
	"github.com/xiaozhi-mcp/mcp-mux/internal/domain/mcpconfig"
)

func validConfig() AppConfig {
	return AppConfig{
		Services: map[string]mcpconfig.ServiceConfig{
			"files": {Name: "files", Kind: mcpconfig.TransportStdio, Command: "node"},
		},
		Endpoints: []string{"ws://localhost:8080/mux"},
	}
}

func TestAppConfig_Validate_Empty(t *testing.T) {
	t.Parallel()
	var cfg AppConfig
	if err := cfg.Validate(); err != nil {
		t.Errorf("empty config should validate, got %v", err)
	}
}

func TestAppConfig_Validate_Valid(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestAppConfig_Validate_RejectsBadServiceConfig(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.Services["bad"] = mcpconfig.ServiceConfig{Name: "bad", Kind: mcpconfig.TransportStdio}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for stdio service missing command")
	}
}

func TestAppConfig_Validate_RejectsMalformedEndpoint(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.Endpoints = append(cfg.Endpoints, "not a url")
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for malformed endpoint URL")
	}
}

func TestAppConfig_Validate_RejectsDanglingToolOverride(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.ToolOverrides = map[string]map[string]ToolOverride{
		"unknown-service": {"sometool": {}},
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for tool override referencing unknown service")
	}
}

func TestAppConfig_Validate_CustomTool_ScriptRequiresExactlyOneSource(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		cfg  customtool.Config
		ok   bool
	}{
		{"neither path nor inline", customtool.Config{Name: "x", Kind: customtool.KindScript, Interpreter: customtool.InterpreterBash}, false},
		{"both path and inline", customtool.Config{Name: "x", Kind: customtool.KindScript, Interpreter: customtool.InterpreterBash, ScriptPath: "/a.sh", InlineScript: "echo hi"}, false},
		{"path only", customtool.Config{Name: "x", Kind: customtool.KindScript, Interpreter: customtool.InterpreterBash, ScriptPath: "/a.sh"}, true},
		{"inline only", customtool.Config{Name: "x", Kind: customtool.KindScript, Interpreter: customtool.InterpreterBash, InlineScript: "echo hi"}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			cfg.CustomTools = map[string]customtool.Config{"x": tc.cfg}
			err := cfg.Validate()
			if tc.ok && err != nil {
				t.Errorf("expected valid, got %v", err)
			}
			if !tc.ok && err == nil {
				t.Error("expected error, got none")
			}
		})
	}
}

func TestAppConfig_Validate_CustomTool_CozeRequiresEndpointFields(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.CustomTools = map[string]customtool.Config{
		"wf": {Name: "wf", Kind: customtool.KindCozeProxy},
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for proxy:coze missing baseUrl/workflowId")
	}

	cfg.CustomTools["wf"] = customtool.Config{
		Name: "wf", Kind: customtool.KindCozeProxy,
		BaseURL: "https://api.coze.com", WorkflowID: "123",
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestAppConfig_Validate_RejectsInvalidToolPolicyExpression(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.ToolOverrides = map[string]map[string]ToolOverride{
		"files": {"delete": {When: "not valid cel((("}},
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for malformed tool policy expression")
	}
}

func TestAppConfig_Validate_AcceptsValidToolPolicyExpression(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.ToolOverrides = map[string]map[string]ToolOverride{
		"files": {"delete": {When: "usage_count > 100"}},
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestAppConfig_Validate_CustomTool_UnknownKind(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.CustomTools = map[string]customtool.Config{
		"x": {Name: "x", Kind: customtool.Kind("unknown")},
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for unknown handler kind")
	}
}
