package customtool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/xiaozhi-mcp/mcp-mux/internal/domain/customtool"
)

// defaultScriptTimeout is used when a Config omits TimeoutSeconds.
const defaultScriptTimeout = 30 * time.Second

// ScriptHandler runs a node/python/bash script, inline or from a file
// path, passing arguments both as JSON on stdin and via the
// XIAOZHI_ARGUMENTS environment variable.
type ScriptHandler struct {
	tempDirRoot string
}

// NewScriptHandler creates a handler that materializes inline scripts
// under tempDirRoot (os.TempDir() if empty).
func NewScriptHandler(tempDirRoot string) *ScriptHandler {
	return &ScriptHandler{tempDirRoot: tempDirRoot}
}

// Run executes the configured script and returns its stdout unchanged.
// Non-zero exit, spawn failure, or a timeout all return an error.
func (h *ScriptHandler) Run(ctx context.Context, cfg customtool.Config, arguments map[string]interface{}) (string, error) {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = defaultScriptTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	scriptPath, cleanup, err := h.resolveScriptPath(cfg)
	if err != nil {
		return "", err
	}
	defer cleanup()

	argsJSON, err := json.Marshal(arguments)
	if err != nil {
		return "", fmt.Errorf("encode arguments: %w", err)
	}

	interpreter, err := interpreterCommand(cfg.Interpreter)
	if err != nil {
		return "", err
	}

	cmd := exec.CommandContext(runCtx, interpreter, scriptPath)
	cmd.Env = append(os.Environ(), "XIAOZHI_ARGUMENTS="+string(argsJSON))
	cmd.Stdin = bytes.NewReader(argsJSON)
	// On deadline, signal the process and give it 2s to exit gracefully
	// before exec.Cmd escalates to a hard kill.
	cmd.Cancel = func() error { return cmd.Process.Signal(os.Interrupt) }
	cmd.WaitDelay = 2 * time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if runCtx.Err() != nil {
			return "", fmt.Errorf("script timed out after %s", timeout)
		}
		return "", fmt.Errorf("script exited with error: %w (stderr: %s)", err, stderr.String())
	}

	return stdout.String(), nil
}

// resolveScriptPath returns a file path for the script to execute. Inline
// scripts are materialized into a per-call temp directory that is removed
// by cleanup regardless of execution outcome.
func (h *ScriptHandler) resolveScriptPath(cfg customtool.Config) (path string, cleanup func(), err error) {
	if cfg.ScriptPath != "" {
		return cfg.ScriptPath, func() {}, nil
	}
	if cfg.InlineScript == "" {
		return "", nil, fmt.Errorf("custom tool %q has neither script_path nor inline script", cfg.Name)
	}

	dir, err := os.MkdirTemp(h.tempDirRoot, "xiaozhi-script-"+uuid.NewString())
	if err != nil {
		return "", nil, fmt.Errorf("create temp dir: %w", err)
	}
	cleanup = func() { _ = os.RemoveAll(dir) }

	scriptFile := filepath.Join(dir, "script"+scriptExtension(cfg.Interpreter))
	if err := os.WriteFile(scriptFile, []byte(cfg.InlineScript), 0700); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("write inline script: %w", err)
	}

	return scriptFile, cleanup, nil
}

func interpreterCommand(i customtool.Interpreter) (string, error) {
	switch i {
	case customtool.InterpreterNode:
		return "node", nil
	case customtool.InterpreterPython:
		return "python3", nil
	case customtool.InterpreterBash:
		return "bash", nil
	default:
		return "", fmt.Errorf("unsupported script interpreter %q", i)
	}
}

func scriptExtension(i customtool.Interpreter) string {
	switch i {
	case customtool.InterpreterNode:
		return ".js"
	case customtool.InterpreterPython:
		return ".py"
	default:
		return ".sh"
	}
}
