// Package files implements the filesystem tools. Paths resolve against
// the workspace; escaping the allowed directory demands human approval.
package files

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/orchbot/orchbot/internal/tools"
)

// Config controls filesystem tool defaults.
type Config struct {
	Workspace    string
	AllowedDir   string
	MaxReadBytes int
}

func (c Config) allowedDir() string {
	if c.AllowedDir != "" {
		return c.AllowedDir
	}
	return c.Workspace
}

// resolve returns the absolute target and whether it stays inside the
// allowed directory.
func (c Config) resolve(path string) (string, bool, error) {
	clean := strings.TrimSpace(path)
	if clean == "" {
		return "", false, fmt.Errorf("path is required")
	}
	root, err := filepath.Abs(c.Workspace)
	if err != nil {
		return "", false, fmt.Errorf("resolve workspace: %w", err)
	}
	var target string
	if filepath.IsAbs(clean) {
		target = filepath.Clean(clean)
	} else {
		target = filepath.Join(root, clean)
	}
	allowed, err := filepath.Abs(c.allowedDir())
	if err != nil {
		return "", false, fmt.Errorf("resolve allowed dir: %w", err)
	}
	rel, err := filepath.Rel(allowed, target)
	if err != nil {
		return target, false, nil
	}
	inside := rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(os.PathSeparator)))
	return target, inside, nil
}

// guard applies the path policy: outside paths need the approval marker.
func (c Config) guard(path string, params map[string]any) (string, string) {
	target, inside, err := c.resolve(path)
	if err != nil {
		return "", tools.Errorf("%v", err)
	}
	if !inside && !tools.Approved(params) {
		return "", tools.ApprovalRequired(fmt.Sprintf("path %s resolves outside the allowed directory %s", path, c.allowedDir()))
	}
	return target, ""
}

// ReadTool reads a file from the workspace.
type ReadTool struct {
	cfg Config
}

// NewReadTool creates the read_file tool.
func NewReadTool(cfg Config) *ReadTool {
	if cfg.MaxReadBytes <= 0 {
		cfg.MaxReadBytes = 200_000
	}
	return &ReadTool{cfg: cfg}
}

func (t *ReadTool) Name() string        { return "read_file" }
func (t *ReadTool) Description() string { return "Read a file. Paths resolve relative to the workspace." }

func (t *ReadTool) Schema() json.RawMessage {
	return tools.ObjectSchema(map[string]any{
		"path": map[string]any{"type": "string", "description": "File path, relative to the workspace."},
	}, []string{"path"})
}

func (t *ReadTool) Execute(ctx context.Context, params map[string]any, tc *tools.Context) (string, error) {
	path, _ := params["path"].(string)
	target, guardErr := t.cfg.guard(path, params)
	if guardErr != "" {
		return guardErr, nil
	}
	raw, err := os.ReadFile(target)
	if err != nil {
		return tools.Errorf("read %s: %v", path, err), nil
	}
	if len(raw) > t.cfg.MaxReadBytes {
		raw = raw[:t.cfg.MaxReadBytes]
	}
	return string(raw), nil
}

// WriteTool writes a file, creating parent directories.
type WriteTool struct {
	cfg Config
}

// NewWriteTool creates the write_file tool.
func NewWriteTool(cfg Config) *WriteTool {
	return &WriteTool{cfg: cfg}
}

func (t *WriteTool) Name() string        { return "write_file" }
func (t *WriteTool) Description() string { return "Write content to a file, creating parent directories." }

func (t *WriteTool) Schema() json.RawMessage {
	return tools.ObjectSchema(map[string]any{
		"path":    map[string]any{"type": "string"},
		"content": map[string]any{"type": "string"},
	}, []string{"path", "content"})
}

func (t *WriteTool) Execute(ctx context.Context, params map[string]any, tc *tools.Context) (string, error) {
	path, _ := params["path"].(string)
	content, _ := params["content"].(string)
	target, guardErr := t.cfg.guard(path, params)
	if guardErr != "" {
		return guardErr, nil
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return tools.Errorf("create parent dirs: %v", err), nil
	}
	if err := os.WriteFile(target, []byte(content), 0o644); err != nil {
		return tools.Errorf("write %s: %v", path, err), nil
	}
	return fmt.Sprintf("Wrote %d bytes to %s", len(content), path), nil
}

// EditTool replaces exactly one occurrence of old_text.
type EditTool struct {
	cfg Config
}

// NewEditTool creates the edit_file tool.
func NewEditTool(cfg Config) *EditTool {
	return &EditTool{cfg: cfg}
}

func (t *EditTool) Name() string { return "edit_file" }
func (t *EditTool) Description() string {
	return "Replace one exact occurrence of old_text with new_text in a file."
}

func (t *EditTool) Schema() json.RawMessage {
	return tools.ObjectSchema(map[string]any{
		"path":     map[string]any{"type": "string"},
		"old_text": map[string]any{"type": "string", "minLength": 1},
		"new_text": map[string]any{"type": "string"},
	}, []string{"path", "old_text", "new_text"})
}

func (t *EditTool) Execute(ctx context.Context, params map[string]any, tc *tools.Context) (string, error) {
	path, _ := params["path"].(string)
	oldText, _ := params["old_text"].(string)
	newText, _ := params["new_text"].(string)
	target, guardErr := t.cfg.guard(path, params)
	if guardErr != "" {
		return guardErr, nil
	}
	raw, err := os.ReadFile(target)
	if err != nil {
		return tools.Errorf("read %s: %v", path, err), nil
	}
	content := string(raw)
	switch count := strings.Count(content, oldText); count {
	case 0:
		return tools.Errorf("old_text not found in %s", path), nil
	case 1:
	default:
		return tools.Errorf("old_text occurs %d times in %s; provide more context to make it unique", count, path), nil
	}
	updated := strings.Replace(content, oldText, newText, 1)
	if err := os.WriteFile(target, []byte(updated), 0o644); err != nil {
		return tools.Errorf("write %s: %v", path, err), nil
	}
	return fmt.Sprintf("Edited %s", path), nil
}

// ListTool lists a directory.
type ListTool struct {
	cfg Config
}

// NewListTool creates the list_dir tool.
func NewListTool(cfg Config) *ListTool {
	return &ListTool{cfg: cfg}
}

func (t *ListTool) Name() string        { return "list_dir" }
func (t *ListTool) Description() string { return "List the entries of a directory." }

func (t *ListTool) Schema() json.RawMessage {
	return tools.ObjectSchema(map[string]any{
		"path": map[string]any{"type": "string", "description": "Directory path; defaults to the workspace root."},
	}, nil)
}

func (t *ListTool) Execute(ctx context.Context, params map[string]any, tc *tools.Context) (string, error) {
	path, _ := params["path"].(string)
	if path == "" {
		path = "."
	}
	target, guardErr := t.cfg.guard(path, params)
	if guardErr != "" {
		return guardErr, nil
	}
	entries, err := os.ReadDir(target)
	if err != nil {
		return tools.Errorf("list %s: %v", path, err), nil
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return strings.Join(names, "\n"), nil
}

// All returns the filesystem tool set for a config.
func All(cfg Config) []tools.Tool {
	return []tools.Tool{
		NewReadTool(cfg),
		NewWriteTool(cfg),
		NewEditTool(cfg),
		NewListTool(cfg),
	}
}
