package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfigFile(t *testing.T, dir, contents string) {
	t.Helper()
	path := filepath.Join(dir, "xiaozhi.config.json")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config file: %v", err)
	}
}

func TestLoadConfig_MissingFileUsesEnvOnly(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadConfig(dir)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if len(cfg.Services) != 0 {
		t.Errorf("expected no services, got %d", len(cfg.Services))
	}
	if cfg.Connection.HeartbeatIntervalMs != 30000 {
		t.Errorf("expected default heartbeat interval, got %d", cfg.Connection.HeartbeatIntervalMs)
	}
}

func TestLoadConfig_ParsesServicesAndEndpoint(t *testing.T) {
	dir := t.TempDir()
	writeConfigFile(t, dir, `{
		"mcpEndpoint": "ws://localhost:8080/mux",
		"mcpServers": {
			"files": {"command": "node", "args": ["server.js"]},
			"remote": {"url": "https://example.com/mcp/sse"}
		}
	}`)

	cfg, err := LoadConfig(dir)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if len(cfg.Endpoints) != 1 || cfg.Endpoints[0] != "ws://localhost:8080/mux" {
		t.Errorf("unexpected endpoints: %+v", cfg.Endpoints)
	}
	files, ok := cfg.Services["files"]
	if !ok {
		t.Fatal("expected files service")
	}
	if files.Kind != "stdio" {
		t.Errorf("expected inferred stdio kind, got %q", files.Kind)
	}
	remote, ok := cfg.Services["remote"]
	if !ok {
		t.Fatal("expected remote service")
	}
	if remote.Kind != "sse" {
		t.Errorf("expected inferred sse kind from /sse suffix, got %q", remote.Kind)
	}
}

func TestLoadConfig_ParsesEndpointArray(t *testing.T) {
	dir := t.TempDir()
	writeConfigFile(t, dir, `{"mcpEndpoint": ["ws://a", "ws://b"]}`)

	cfg, err := LoadConfig(dir)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if len(cfg.Endpoints) != 2 {
		t.Fatalf("expected 2 endpoints, got %+v", cfg.Endpoints)
	}
}

func TestLoadConfig_ParsesCustomTools(t *testing.T) {
	dir := t.TempDir()
	writeConfigFile(t, dir, `{
		"customMCP": {
			"tools": [
				{
					"name": "greet",
					"handler": {"kind": "script", "interpreter": "bash", "script": "echo hi"}
				},
				{
					"name": "run-workflow",
					"handler": {"kind": "proxy", "platform": "coze", "baseUrl": "https://api.coze.com", "workflowId": "123"}
				}
			]
		},
		"platforms": {"coze": {"token": "secret-token"}}
	}`)

	cfg, err := LoadConfig(dir)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	greet, ok := cfg.CustomTools["greet"]
	if !ok {
		t.Fatal("expected greet tool")
	}
	if greet.TimeoutSeconds != 30 {
		t.Errorf("expected default timeout 30, got %d", greet.TimeoutSeconds)
	}

	wf, ok := cfg.CustomTools["run-workflow"]
	if !ok {
		t.Fatal("expected run-workflow tool")
	}
	if wf.BearerToken != "secret-token" {
		t.Errorf("expected platforms.coze.token wired into BearerToken, got %q", wf.BearerToken)
	}
}

func TestLoadConfig_InvalidHandlerKindFails(t *testing.T) {
	dir := t.TempDir()
	writeConfigFile(t, dir, `{
		"customMCP": {"tools": [{"name": "bad", "handler": {"kind": "unknown"}}]}
	}`)

	if _, err := LoadConfig(dir); err == nil {
		t.Fatal("expected error for unknown handler kind")
	}
}

func TestLoadConfig_ToolOverridesParsed(t *testing.T) {
	dir := t.TempDir()
	writeConfigFile(t, dir, `{
		"mcpServers": {"files": {"command": "node"}},
		"mcpServerConfig": {
			"files": {"tools": {"read": {"enable": false, "usageCount": 12}}}
		}
	}`)

	cfg, err := LoadConfig(dir)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	override := cfg.ToolOverrides["files"]["read"]
	if override.Enabled() {
		t.Error("expected read tool to be disabled")
	}
	if override.UsageCount != 12 {
		t.Errorf("expected usage count 12, got %d", override.UsageCount)
	}
}
