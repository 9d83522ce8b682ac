// Package config: configuration loading via viper, mirroring the file
// discovery, env-var overlay, and two-pass (raw then validated) loading
// conventions used throughout the codebase.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/xiaozhi-mcp/mcp-mux/internal/domain/customtool"
	"github.com/xiaozhi-mcp/mcp-mux/internal/domain/mcpconfig"
)

// configFileStem is the base name searched for, per the extensions below,
// in the directory named by XIAOZHI_CONFIG_DIR.
const configFileStem = "xiaozhi.config"

// configFileExtensions are tried in order; json5/jsonc are read as plain
// json since the core does not need to preserve comments or trailing
// commas (that responsibility belongs to the out-of-scope admin surface
// that rewrites the file).
var configFileExtensions = []string{"json", "json5", "jsonc"}

// InitViper initializes viper with the configuration file location and
// XIAOZHI_-prefixed environment variable overlay.
func InitViper(configDir string) {
	viper.Reset()

	if configDir == "" {
		configDir = os.Getenv("XIAOZHI_CONFIG_DIR")
	}
	if configDir == "" {
		if wd, err := os.Getwd(); err == nil {
			configDir = wd
		}
	}

	if found := findConfigFile(configDir); found != "" {
		viper.SetConfigFile(found)
		viper.SetConfigType("json")
	} else {
		viper.SetConfigName(configFileStem)
		viper.SetConfigType("json")
		viper.AddConfigPath(configDir)
	}

	viper.SetEnvPrefix("XIAOZHI")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()
}

// findConfigFile looks for xiaozhi.config.{json,json5,jsonc} in dir.
func findConfigFile(dir string) string {
	for _, ext := range configFileExtensions {
		path := filepath.Join(dir, configFileStem+"."+ext)
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// rawConfig mirrors the on-disk schema (§6 of the configuration file
// reference) before transformation into the domain-shaped AppConfig.
type rawConfig struct {
	MCPEndpoint     interface{}                   `mapstructure:"mcpEndpoint"`
	MCPServers      map[string]rawServiceEntry    `mapstructure:"mcpServers"`
	MCPServerConfig map[string]rawServerOverrides `mapstructure:"mcpServerConfig"`
	CustomMCP       rawCustomMCP                  `mapstructure:"customMCP"`
	Connection      rawConnection                 `mapstructure:"connection"`
	Platforms       rawPlatforms                  `mapstructure:"platforms"`
	DevMode         bool                          `mapstructure:"devMode"`
}

type rawServiceEntry struct {
	Type             string            `mapstructure:"type"`
	Command          string            `mapstructure:"command"`
	Args             []string          `mapstructure:"args"`
	Env              map[string]string `mapstructure:"env"`
	URL              string            `mapstructure:"url"`
	Headers          map[string]string `mapstructure:"headers"`
	TimeoutMs        int               `mapstructure:"timeoutMs"`
	ReconnectDelayMs int               `mapstructure:"reconnectDelayMs"`
}

type rawServerOverrides struct {
	Tools map[string]rawToolOverride `mapstructure:"tools"`
}

type rawToolOverride struct {
	Enable       *bool  `mapstructure:"enable"`
	Description  string `mapstructure:"description"`
	UsageCount   uint64 `mapstructure:"usageCount"`
	LastUsedTime int64  `mapstructure:"lastUsedTime"`
	When         string `mapstructure:"when"`
}

type rawCustomMCP struct {
	Tools []rawCustomTool `mapstructure:"tools"`
}

type rawCustomTool struct {
	Name        string          `mapstructure:"name"`
	Description string          `mapstructure:"description"`
	InputSchema json.RawMessage `mapstructure:"inputSchema"`
	Handler     rawHandler      `mapstructure:"handler"`
}

type rawHandler struct {
	Kind     string `mapstructure:"kind"`
	Platform string `mapstructure:"platform"`

	// proxy:coze fields.
	BaseURL    string `mapstructure:"baseUrl"`
	WorkflowID string `mapstructure:"workflowId"`

	// script fields.
	Interpreter    string `mapstructure:"interpreter"`
	ScriptPath     string `mapstructure:"scriptPath"`
	InlineScript   string `mapstructure:"script"`
	TimeoutSeconds int    `mapstructure:"timeoutSeconds"`
}

type rawConnection struct {
	HeartbeatInterval int `mapstructure:"heartbeatInterval"`
	HeartbeatTimeout  int `mapstructure:"heartbeatTimeout"`
	ReconnectInterval int `mapstructure:"reconnectInterval"`
}

type rawPlatforms struct {
	Coze rawCozePlatform `mapstructure:"coze"`
}

type rawCozePlatform struct {
	Token string `mapstructure:"token"`
}

// LoadConfig reads the configuration file (if present), applies the
// XIAOZHI_ environment overlay, transforms the raw schema into the
// domain-shaped AppConfig, applies defaults, and validates the result.
func LoadConfig(configDir string) (*AppConfig, error) {
	InitViper(configDir)

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// No config file: proceed with environment variables only.
	}

	var raw rawConfig
	if err := viper.Unmarshal(&raw); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg, err := transform(&raw, configDir)
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// transform converts the raw on-disk schema into the domain-shaped
// AppConfig, inferring transport kinds and tagged-union handler variants.
func transform(raw *rawConfig, configDir string) (*AppConfig, error) {
	cfg := &AppConfig{
		ConfigDir:     configDir,
		Services:      make(map[string]mcpconfig.ServiceConfig, len(raw.MCPServers)),
		ToolOverrides: make(map[string]map[string]ToolOverride, len(raw.MCPServerConfig)),
		CustomTools:   make(map[string]customtool.Config, len(raw.CustomMCP.Tools)),
		DevMode:       raw.DevMode,
		CozeToken:     raw.Platforms.Coze.Token,
		Connection: ConnectionConfig{
			HeartbeatIntervalMs:         raw.Connection.HeartbeatInterval,
			HeartbeatTimeoutMs:          raw.Connection.HeartbeatTimeout,
			EndpointReconnectIntervalMs: raw.Connection.ReconnectInterval,
		},
	}

	cfg.Endpoints = normalizeEndpoints(raw.MCPEndpoint)

	for name, entry := range raw.MCPServers {
		kind := mcpconfig.TransportKind(entry.Type)
		if kind == "" {
			kind = mcpconfig.InferTransportKind(entry.Command, entry.URL)
		}
		cfg.Services[name] = mcpconfig.ServiceConfig{
			Name:             name,
			Kind:             kind,
			Command:          entry.Command,
			Args:             entry.Args,
			Env:              entry.Env,
			URL:              entry.URL,
			Headers:          entry.Headers,
			TimeoutMs:        entry.TimeoutMs,
			ReconnectDelayMs: entry.ReconnectDelayMs,
		}
	}

	for serviceName, overrides := range raw.MCPServerConfig {
		toolOverrides := make(map[string]ToolOverride, len(overrides.Tools))
		for toolName, o := range overrides.Tools {
			override := ToolOverride{
				Enable:      o.Enable,
				Description: o.Description,
				UsageCount:  o.UsageCount,
				When:        o.When,
			}
			if o.LastUsedTime > 0 {
				t := time.UnixMilli(o.LastUsedTime)
				override.LastUsedAt = &t
			}
			toolOverrides[toolName] = override
		}
		cfg.ToolOverrides[serviceName] = toolOverrides
	}

	for _, rt := range raw.CustomMCP.Tools {
		tc, err := transformCustomTool(rt)
		if err != nil {
			return nil, fmt.Errorf("customMCP.tools[%q]: %w", rt.Name, err)
		}
		if tc.Kind == customtool.KindCozeProxy {
			tc.BearerToken = cfg.CozeToken
		}
		cfg.CustomTools[rt.Name] = tc
	}

	return cfg, nil
}

func transformCustomTool(rt rawCustomTool) (customtool.Config, error) {
	tc := customtool.Config{
		Name:        rt.Name,
		Description: rt.Description,
		InputSchema: rt.InputSchema,
	}

	switch rt.Handler.Kind {
	case "proxy":
		if rt.Handler.Platform != "coze" {
			return tc, fmt.Errorf("unsupported proxy platform %q", rt.Handler.Platform)
		}
		tc.Kind = customtool.KindCozeProxy
		tc.BaseURL = rt.Handler.BaseURL
		tc.WorkflowID = rt.Handler.WorkflowID
	case "script":
		tc.Kind = customtool.KindScript
		switch rt.Handler.Interpreter {
		case "node":
			tc.Interpreter = customtool.InterpreterNode
		case "python":
			tc.Interpreter = customtool.InterpreterPython
		case "bash":
			tc.Interpreter = customtool.InterpreterBash
		default:
			return tc, fmt.Errorf("unsupported script interpreter %q", rt.Handler.Interpreter)
		}
		tc.ScriptPath = rt.Handler.ScriptPath
		tc.InlineScript = rt.Handler.InlineScript
		tc.TimeoutSeconds = rt.Handler.TimeoutSeconds
	default:
		return tc, fmt.Errorf("unknown handler kind %q (want \"proxy\" or \"script\")", rt.Handler.Kind)
	}

	return tc, nil
}

// normalizeEndpoints accepts either a single string or a list of strings
// for "mcpEndpoint", per the configuration file reference.
func normalizeEndpoints(v interface{}) []string {
	switch val := v.(type) {
	case string:
		if val == "" {
			return nil
		}
		return []string{val}
	case []interface{}:
		out := make([]string, 0, len(val))
		for _, e := range val {
			if s, ok := e.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return val
	default:
		return nil
	}
}

// ConfigFileUsed returns the path to the configuration file that was
// loaded, or an empty string if none was found (environment variables
// only mode).
func ConfigFileUsed() string {
	return viper.ConfigFileUsed()
}
