package tools

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

// fakeTool returns a canned result and records its last params.
type fakeTool struct {
	name   string
	schema json.RawMessage
	run    func(ctx context.Context, params map[string]any, tc *Context) (string, error)
}

func (t *fakeTool) Name() string            { return t.name }
func (t *fakeTool) Description() string     { return "test tool " + t.name }
func (t *fakeTool) Schema() json.RawMessage { return t.schema }
func (t *fakeTool) Execute(ctx context.Context, params map[string]any, tc *Context) (string, error) {
	return t.run(ctx, params, tc)
}

func echoSchema() json.RawMessage {
	return ObjectSchema(map[string]any{
		"text": map[string]any{"type": "string", "minLength": 1},
		"count": map[string]any{
			"type":    "integer",
			"minimum": 1,
			"maximum": 10,
		},
		"mode": map[string]any{
			"type": "string",
			"enum": []string{"fast", "slow"},
		},
	}, []string{"text"})
}

func newEchoRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry()
	err := r.Register(&fakeTool{
		name:   "echo",
		schema: echoSchema(),
		run: func(ctx context.Context, params map[string]any, tc *Context) (string, error) {
			return "echo: " + params["text"].(string), nil
		},
	})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	return r
}

func TestRegisterRejectsDuplicate(t *testing.T) {
	r := newEchoRegistry(t)
	err := r.Register(&fakeTool{name: "echo", schema: echoSchema(),
		run: func(context.Context, map[string]any, *Context) (string, error) { return "", nil }})
	if err == nil {
		t.Error("duplicate registration should fail")
	}
}

func TestExecuteUnknownToolListsAvailable(t *testing.T) {
	r := newEchoRegistry(t)
	result := r.Execute(context.Background(), "nope", nil, nil)
	if !strings.HasPrefix(result, "Error: Unknown tool") {
		t.Errorf("result = %q", result)
	}
	if !strings.Contains(result, "echo") {
		t.Errorf("available tools missing from %q", result)
	}
}

func TestValidateParams(t *testing.T) {
	r := newEchoRegistry(t)
	tests := []struct {
		name    string
		params  map[string]any
		wantErr bool
	}{
		{"valid", map[string]any{"text": "hi"}, false},
		{"valid with extras from schema", map[string]any{"text": "hi", "count": 3, "mode": "fast"}, false},
		{"missing required", map[string]any{}, true},
		{"wrong type", map[string]any{"text": 42}, true},
		{"below minimum", map[string]any{"text": "hi", "count": 0}, true},
		{"above maximum", map[string]any{"text": "hi", "count": 11}, true},
		{"enum violation", map[string]any{"text": "hi", "mode": "warp"}, true},
		{"unknown key", map[string]any{"text": "hi", "bogus": true}, true},
		{"approved marker ignored", map[string]any{"text": "hi", "__approved": true}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			violations := r.ValidateParams("echo", tt.params)
			if (len(violations) > 0) != tt.wantErr {
				t.Errorf("violations = %v, wantErr %v", violations, tt.wantErr)
			}
		})
	}
}

func TestExecuteInvalidParams(t *testing.T) {
	r := newEchoRegistry(t)
	result := r.Execute(context.Background(), "echo", map[string]any{}, nil)
	if !strings.HasPrefix(result, "Error: Invalid parameters:") {
		t.Errorf("result = %q", result)
	}
}

func TestApprovalLifecycle(t *testing.T) {
	r := NewRegistry()
	err := r.Register(&fakeTool{
		name:   "guarded",
		schema: ObjectSchema(map[string]any{"target": map[string]any{"type": "string"}}, []string{"target"}),
		run: func(ctx context.Context, params map[string]any, tc *Context) (string, error) {
			if !Approved(params) {
				return ApprovalRequired("reason:test"), nil
			}
			return "done: " + params["target"].(string), nil
		},
	})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	var notified *ApprovalRequest
	r.SetApprovalCallback(func(req *ApprovalRequest) { notified = req })

	tc := &Context{Provider: "slack", ChatID: "c1"}
	result := r.Execute(context.Background(), "guarded", map[string]any{"target": "db"}, tc)
	if !strings.Contains(result, "approval_request_id:") {
		t.Fatalf("result = %q, want approval_request_id", result)
	}
	if notified == nil {
		t.Fatal("approval callback not fired")
	}
	if notified.ToolName != "guarded" || notified.Context.ChatID != "c1" {
		t.Errorf("notified = %+v", notified)
	}
	if notified.Detail != "reason:test" {
		t.Errorf("Detail = %q, want reason:test", notified.Detail)
	}

	resolved, err := r.ResolveApprovalRequest(notified.ID, "yes")
	if err != nil {
		t.Fatalf("ResolveApprovalRequest() error = %v", err)
	}
	if resolved.Status != ApprovalApproved {
		t.Errorf("Status = %s, want approved", resolved.Status)
	}

	out, err := r.ExecuteApprovedRequest(context.Background(), notified.ID)
	if err != nil {
		t.Fatalf("ExecuteApprovedRequest() error = %v", err)
	}
	if out != "done: db" {
		t.Errorf("out = %q, want %q", out, "done: db")
	}
}

func TestApprovalDenied(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(&fakeTool{
		name:   "guarded",
		schema: ObjectSchema(map[string]any{}, nil),
		run: func(ctx context.Context, params map[string]any, tc *Context) (string, error) {
			return ApprovalRequired("nope"), nil
		},
	}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	r.Execute(context.Background(), "guarded", map[string]any{}, nil)
	pending := r.ListApprovalRequests(true)
	if len(pending) != 1 {
		t.Fatalf("pending = %d, want 1", len(pending))
	}
	resolved, err := r.ResolveApprovalRequest(pending[0].ID, "거절")
	if err != nil {
		t.Fatalf("ResolveApprovalRequest() error = %v", err)
	}
	if resolved.Status != ApprovalDenied {
		t.Errorf("Status = %s, want denied", resolved.Status)
	}
	if _, err := r.ExecuteApprovedRequest(context.Background(), pending[0].ID); err == nil {
		t.Error("executing a denied request should fail")
	}
	// Terminal status is frozen.
	if _, err := r.ResolveApprovalRequest(pending[0].ID, "yes"); err == nil {
		t.Error("re-resolving a terminal request should fail")
	}
}

func TestApprovalCallbackPanicSwallowed(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(&fakeTool{
		name:   "guarded",
		schema: ObjectSchema(map[string]any{}, nil),
		run: func(ctx context.Context, params map[string]any, tc *Context) (string, error) {
			return ApprovalRequired("x"), nil
		},
	}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	r.SetApprovalCallback(func(req *ApprovalRequest) { panic("notifier down") })
	result := r.Execute(context.Background(), "guarded", map[string]any{}, nil)
	if !strings.Contains(result, "approval_request_id:") {
		t.Errorf("tool execution broken by callback panic: %q", result)
	}
}

func TestSetDynamicToolsAtomicReplace(t *testing.T) {
	r := newEchoRegistry(t)
	mk := func(name string) Tool {
		return &fakeTool{
			name:   name,
			schema: ObjectSchema(map[string]any{}, nil),
			run:    func(context.Context, map[string]any, *Context) (string, error) { return name, nil },
		}
	}
	if err := r.SetDynamicTools([]Tool{mk("dyn_a"), mk("dyn_b")}); err != nil {
		t.Fatalf("SetDynamicTools() error = %v", err)
	}
	if err := r.SetDynamicTools([]Tool{mk("dyn_c")}); err != nil {
		t.Fatalf("SetDynamicTools() error = %v", err)
	}
	names := r.Names()
	want := []string{"dyn_c", "echo"}
	if len(names) != len(want) {
		t.Fatalf("Names() = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("Names() = %v, want %v", names, want)
			break
		}
	}
	if err := r.SetDynamicTools([]Tool{mk("echo")}); err == nil {
		t.Error("shadowing a built-in should fail")
	}
}

func TestBackgroundExecution(t *testing.T) {
	r := newEchoRegistry(t)
	id := r.ExecuteBackground("echo", map[string]any{"text": "bg"}, nil)
	task, err := r.WaitBackground(context.Background(), id)
	if err != nil {
		t.Fatalf("WaitBackground() error = %v", err)
	}
	if task.Status != TaskCompleted {
		t.Errorf("Status = %s, want completed", task.Status)
	}
	if task.Result != "echo: bg" {
		t.Errorf("Result = %q", task.Result)
	}
	if task.FinishedAt.IsZero() {
		t.Error("FinishedAt not set")
	}
}

func TestBackgroundCancelIsMonotonic(t *testing.T) {
	r := NewRegistry()
	started := make(chan struct{})
	if err := r.Register(&fakeTool{
		name:   "slow",
		schema: ObjectSchema(map[string]any{}, nil),
		run: func(ctx context.Context, params map[string]any, tc *Context) (string, error) {
			close(started)
			<-ctx.Done()
			return "", ctx.Err()
		},
	}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	id := r.ExecuteBackground("slow", map[string]any{}, nil)
	<-started
	if !r.CancelBackground(id) {
		t.Fatal("CancelBackground() = false")
	}
	task, err := r.WaitBackground(context.Background(), id)
	if err != nil {
		t.Fatalf("WaitBackground() error = %v", err)
	}
	if task.Status != TaskCancelled {
		t.Errorf("Status = %s, want cancelled", task.Status)
	}
	// Cancelling again is a no-op on a terminal record.
	if r.CancelBackground(id) {
		t.Error("second cancel should report false")
	}
}

func TestPruneBackgroundTasks(t *testing.T) {
	r := newEchoRegistry(t)
	id := r.ExecuteBackground("echo", map[string]any{"text": "x"}, nil)
	if _, err := r.WaitBackground(context.Background(), id); err != nil {
		t.Fatalf("WaitBackground() error = %v", err)
	}
	if pruned := r.PruneBackgroundTasks(time.Hour); pruned != 0 {
		t.Errorf("fresh task pruned: %d", pruned)
	}
	if pruned := r.PruneBackgroundTasks(0); pruned != 1 {
		t.Errorf("PruneBackgroundTasks(0) = %d, want 1", pruned)
	}
}

func TestTruncateResult(t *testing.T) {
	long := strings.Repeat("a", 50) + strings.Repeat("b", 50)
	out := TruncateResult(long, 20)
	if !strings.Contains(out, "[truncated 80 chars]") {
		t.Errorf("out = %q", out)
	}
	if !strings.HasPrefix(out, "aaaaaaaaaa") || !strings.HasSuffix(out, "bbbbbbbbbb") {
		t.Errorf("head/tail not preserved: %q", out)
	}
	if got := TruncateResult("short", 20); got != "short" {
		t.Errorf("short result modified: %q", got)
	}
}
