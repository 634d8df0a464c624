package tools

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// ShellToolSpec describes an installable shell tool.
type ShellToolSpec struct {
	Name             string          `json:"name"`
	Description      string          `json:"description"`
	Params           json.RawMessage `json:"params"`
	Command          string          `json:"command"`
	WorkingDir       string          `json:"working_dir,omitempty"`
	RequiresApproval bool            `json:"requires_approval"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

var shellToolNameRe = regexp.MustCompile(`^[a-z][a-z0-9_]{1,63}$`)

// Validate checks the spec's structural requirements.
func (s ShellToolSpec) Validate() error {
	if !shellToolNameRe.MatchString(s.Name) {
		return fmt.Errorf("invalid tool name %q", s.Name)
	}
	if strings.TrimSpace(s.Command) == "" {
		return fmt.Errorf("command template is required")
	}
	if len(s.Params) == 0 {
		return fmt.Errorf("parameter schema is required")
	}
	var probe map[string]any
	if err := json.Unmarshal(s.Params, &probe); err != nil {
		return fmt.Errorf("parameter schema is not valid JSON: %w", err)
	}
	return nil
}

// ShellToolStore persists installed shell tools under
// runtime/custom-tools/tools.db, keyed by unique name.
type ShellToolStore struct {
	db *sql.DB
}

// OpenShellToolStore creates or opens the dynamic tool store.
func OpenShellToolStore(workspace string) (*ShellToolStore, error) {
	dir := filepath.Join(workspace, "runtime", "custom-tools")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create custom-tools dir: %w", err)
	}
	db, err := sql.Open("sqlite", filepath.Join(dir, "tools.db"))
	if err != nil {
		return nil, fmt.Errorf("open tool store: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS shell_tools (
		name TEXT PRIMARY KEY,
		description TEXT NOT NULL DEFAULT '',
		params TEXT NOT NULL,
		command TEXT NOT NULL,
		working_dir TEXT NOT NULL DEFAULT '',
		requires_approval INTEGER NOT NULL DEFAULT 1,
		updated_at TIMESTAMP NOT NULL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("init tool table: %w", err)
	}
	return &ShellToolStore{db: db}, nil
}

// Close releases the store.
func (s *ShellToolStore) Close() error {
	return s.db.Close()
}

// Put upserts a spec.
func (s *ShellToolStore) Put(spec ShellToolSpec) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	_, err := s.db.Exec(`INSERT INTO shell_tools (name, description, params, command, working_dir, requires_approval, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			description = excluded.description,
			params = excluded.params,
			command = excluded.command,
			working_dir = excluded.working_dir,
			requires_approval = excluded.requires_approval,
			updated_at = excluded.updated_at`,
		spec.Name, spec.Description, string(spec.Params), spec.Command,
		spec.WorkingDir, spec.RequiresApproval, time.Now().UTC())
	return err
}

// Remove deletes a spec by name.
func (s *ShellToolStore) Remove(name string) error {
	_, err := s.db.Exec(`DELETE FROM shell_tools WHERE name = ?`, name)
	return err
}

// List returns all installed specs.
func (s *ShellToolStore) List() ([]ShellToolSpec, error) {
	rows, err := s.db.Query(`SELECT name, description, params, command, working_dir, requires_approval, updated_at
		FROM shell_tools ORDER BY name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ShellToolSpec
	for rows.Next() {
		var spec ShellToolSpec
		var params string
		if err := rows.Scan(&spec.Name, &spec.Description, &params, &spec.Command,
			&spec.WorkingDir, &spec.RequiresApproval, &spec.UpdatedAt); err != nil {
			return nil, err
		}
		spec.Params = json.RawMessage(params)
		out = append(out, spec)
	}
	return out, rows.Err()
}

// ShellTool runs an installed command template as a registry tool.
type ShellTool struct {
	spec    ShellToolSpec
	timeout time.Duration
}

// NewShellTool wraps a spec.
func NewShellTool(spec ShellToolSpec) *ShellTool {
	return &ShellTool{spec: spec, timeout: 60 * time.Second}
}

func (t *ShellTool) Name() string            { return t.spec.Name }
func (t *ShellTool) Description() string     { return t.spec.Description }
func (t *ShellTool) Schema() json.RawMessage { return t.spec.Params }

var templateVarRe = regexp.MustCompile(`\{\{([a-zA-Z0-9_]+)\}\}`)

// Execute substitutes params into the command template and runs it.
func (t *ShellTool) Execute(ctx context.Context, params map[string]any, tc *Context) (string, error) {
	if t.spec.RequiresApproval && !Approved(params) {
		return ApprovalRequired(fmt.Sprintf("tool: %s\ncommand: %s", t.spec.Name, t.spec.Command)), nil
	}
	command := templateVarRe.ReplaceAllStringFunc(t.spec.Command, func(m string) string {
		key := templateVarRe.FindStringSubmatch(m)[1]
		if v, ok := params[key]; ok {
			return shellQuote(fmt.Sprintf("%v", v))
		}
		return m
	})

	runCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	cmd := exec.CommandContext(runCtx, "sh", "-c", command)
	if t.spec.WorkingDir != "" {
		cmd.Dir = t.spec.WorkingDir
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = err.Error()
		}
		return Errorf("command failed: %s", detail), nil
	}
	return strings.TrimSpace(stdout.String()), nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// LoadDynamicTools reads the store and atomically installs every spec
// into the registry.
func (r *Registry) LoadDynamicTools(store *ShellToolStore) error {
	specs, err := store.List()
	if err != nil {
		return err
	}
	list := make([]Tool, 0, len(specs))
	for _, spec := range specs {
		list = append(list, NewShellTool(spec))
	}
	return r.SetDynamicTools(list)
}
