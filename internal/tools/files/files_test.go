package files

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/orchbot/orchbot/internal/tools"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	return Config{Workspace: t.TempDir()}
}

func TestReadWriteRoundTrip(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	write := NewWriteTool(cfg)
	out, err := write.Execute(ctx, map[string]any{"path": "notes/a.txt", "content": "hello"}, nil)
	if err != nil {
		t.Fatalf("write error = %v", err)
	}
	if tools.IsError(out) {
		t.Fatalf("write result = %q", out)
	}

	read := NewReadTool(cfg)
	got, err := read.Execute(ctx, map[string]any{"path": "notes/a.txt"}, nil)
	if err != nil {
		t.Fatalf("read error = %v", err)
	}
	if got != "hello" {
		t.Errorf("read = %q, want hello", got)
	}
}

func TestPathGuardRequiresApproval(t *testing.T) {
	cfg := testConfig(t)
	outside := filepath.Join(t.TempDir(), "outside.txt")
	if err := os.WriteFile(outside, []byte("secret"), 0o644); err != nil {
		t.Fatalf("seed outside file: %v", err)
	}

	read := NewReadTool(cfg)
	out, err := read.Execute(context.Background(), map[string]any{"path": outside}, nil)
	if err != nil {
		t.Fatalf("read error = %v", err)
	}
	if !tools.IsApprovalRequired(out) {
		t.Fatalf("result = %q, want approval_required", out)
	}

	out, err = read.Execute(context.Background(), map[string]any{"path": outside, "__approved": true}, nil)
	if err != nil {
		t.Fatalf("read error = %v", err)
	}
	if out != "secret" {
		t.Errorf("approved read = %q, want secret", out)
	}
}

func TestPathGuardDotDotEscape(t *testing.T) {
	cfg := testConfig(t)
	read := NewReadTool(cfg)
	out, err := read.Execute(context.Background(), map[string]any{"path": "../outside"}, nil)
	if err != nil {
		t.Fatalf("read error = %v", err)
	}
	if !tools.IsApprovalRequired(out) {
		t.Errorf("result = %q, want approval_required", out)
	}
}

func TestEditRequiresSingleOccurrence(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()
	path := filepath.Join(cfg.Workspace, "f.txt")
	if err := os.WriteFile(path, []byte("aaa bbb aaa"), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}
	edit := NewEditTool(cfg)

	out, _ := edit.Execute(ctx, map[string]any{"path": "f.txt", "old_text": "aaa", "new_text": "x"}, nil)
	if !strings.Contains(out, "occurs 2 times") {
		t.Errorf("multi-occurrence result = %q", out)
	}

	out, _ = edit.Execute(ctx, map[string]any{"path": "f.txt", "old_text": "zzz", "new_text": "x"}, nil)
	if !strings.Contains(out, "not found") {
		t.Errorf("missing result = %q", out)
	}

	out, _ = edit.Execute(ctx, map[string]any{"path": "f.txt", "old_text": "bbb", "new_text": "ccc"}, nil)
	if tools.IsError(out) {
		t.Fatalf("edit result = %q", out)
	}
	raw, _ := os.ReadFile(path)
	if string(raw) != "aaa ccc aaa" {
		t.Errorf("file = %q", raw)
	}
}

func TestListDir(t *testing.T) {
	cfg := testConfig(t)
	if err := os.MkdirAll(filepath.Join(cfg.Workspace, "sub"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(cfg.Workspace, "file.txt"), nil, 0o644); err != nil {
		t.Fatalf("touch: %v", err)
	}
	list := NewListTool(cfg)
	out, err := list.Execute(context.Background(), map[string]any{}, nil)
	if err != nil {
		t.Fatalf("list error = %v", err)
	}
	if !strings.Contains(out, "file.txt") || !strings.Contains(out, "sub/") {
		t.Errorf("list = %q", out)
	}
}
