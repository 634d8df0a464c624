// Package shell implements the exec tool. Shell access is high privilege
// and always runs through the approval lifecycle.
package shell

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/orchbot/orchbot/internal/tools"
)

// Config controls exec confinement.
type Config struct {
	WorkingDir string
	// RestrictToWorkingDir rejects cwd overrides outside WorkingDir.
	RestrictToWorkingDir bool
	Timeout              time.Duration
	MaxCaptureChars      int
}

// ExecTool runs a shell command.
type ExecTool struct {
	cfg Config
}

// NewExecTool creates the exec tool.
func NewExecTool(cfg Config) *ExecTool {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.MaxCaptureChars <= 0 {
		cfg.MaxCaptureChars = 500_000
	}
	return &ExecTool{cfg: cfg}
}

func (t *ExecTool) Name() string        { return "exec" }
func (t *ExecTool) Description() string { return "Run a shell command in the workspace. Requires approval." }

func (t *ExecTool) Schema() json.RawMessage {
	return tools.ObjectSchema(map[string]any{
		"command": map[string]any{"type": "string", "minLength": 1},
		"cwd":     map[string]any{"type": "string", "description": "Working directory override."},
	}, []string{"command"})
}

func (t *ExecTool) Execute(ctx context.Context, params map[string]any, tc *tools.Context) (string, error) {
	command, _ := params["command"].(string)
	if !tools.Approved(params) {
		return tools.ApprovalRequired("command: " + command), nil
	}

	dir := t.cfg.WorkingDir
	if override, _ := params["cwd"].(string); override != "" {
		resolved := override
		if !filepath.IsAbs(resolved) {
			resolved = filepath.Join(t.cfg.WorkingDir, resolved)
		}
		if t.cfg.RestrictToWorkingDir {
			rel, err := filepath.Rel(t.cfg.WorkingDir, resolved)
			if err != nil || rel == ".." || strings.HasPrefix(rel, "../") {
				return tools.Errorf("cwd %s is outside the working directory", override), nil
			}
		}
		dir = resolved
	}

	runCtx, cancel := context.WithTimeout(ctx, t.cfg.Timeout)
	defer cancel()
	cmd := exec.CommandContext(runCtx, "sh", "-c", command)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()

	if runCtx.Err() == context.DeadlineExceeded {
		return tools.Errorf("cli_timeout_%dms\n%s", t.cfg.Timeout.Milliseconds(), clip(stderr.String(), t.cfg.MaxCaptureChars)), nil
	}
	out := clip(stdout.String(), t.cfg.MaxCaptureChars)
	if err != nil {
		detail := strings.TrimSpace(clip(stderr.String(), t.cfg.MaxCaptureChars))
		if detail == "" {
			detail = err.Error()
		}
		return tools.Errorf("command failed: %s", detail), nil
	}
	if strings.TrimSpace(out) == "" {
		return fmt.Sprintf("Command succeeded with no output: %s", command), nil
	}
	return strings.TrimRight(out, "\n"), nil
}

func clip(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
