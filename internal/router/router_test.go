package router

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/orchbot/orchbot/internal/providers"
	"github.com/orchbot/orchbot/internal/tools"
	"github.com/orchbot/orchbot/internal/vault"
	"github.com/orchbot/orchbot/pkg/models"
)

// scripted returns canned responses in order, repeating the last one.
type scripted struct {
	name   string
	chunks []string // streamed before each response when set

	mu        sync.Mutex
	responses []*providers.Response
	errs      []error
	calls     []*providers.Request
}

func (p *scripted) Name() string { return p.name }

func (p *scripted) Complete(ctx context.Context, req *providers.Request, stream providers.StreamFunc) (*providers.Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	i := len(p.calls)
	p.calls = append(p.calls, req)
	if i >= len(p.responses) {
		i = len(p.responses) - 1
	}
	if i < len(p.errs) && p.errs[i] != nil {
		return nil, p.errs[i]
	}
	if stream != nil {
		for _, chunk := range p.chunks {
			stream(chunk)
		}
	}
	return p.responses[i], nil
}

func (p *scripted) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

func (p *scripted) call(i int) *providers.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[i]
}

type fakeTool struct {
	name   string
	result string

	mu       sync.Mutex
	executed []map[string]any
}

func (t *fakeTool) Name() string        { return t.name }
func (t *fakeTool) Description() string { return "fake " + t.name }
func (t *fakeTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object"}`)
}
func (t *fakeTool) Execute(ctx context.Context, params map[string]any, tc *tools.Context) (string, error) {
	t.mu.Lock()
	t.executed = append(t.executed, params)
	t.mu.Unlock()
	return t.result, nil
}

func newTestRouter(t *testing.T, v *vault.Vault, registry *tools.Registry, provs ...providers.Provider) *Router {
	t.Helper()
	m := providers.NewManager()
	for _, p := range provs {
		m.Register(p)
	}
	return New(Config{Vault: v, Tools: registry, Providers: m})
}

func request(content string) *Request {
	return &Request{Msg: models.InboundMessage{
		ID:       "m1",
		Provider: models.ChannelSlack,
		ChatID:   "C1",
		SenderID: "U1",
		Content:  content,
	}}
}

func TestClassifyHeuristics(t *testing.T) {
	r := New(Config{Providers: providers.NewManager()})
	tests := []struct {
		task string
		want Mode
	}{
		{"remind me every day at 9am to stretch", ModeOnce},
		{"first build the image, then push it and deploy", ModeTask},
		{"keep fixing the tests until they all pass", ModeAgent},
		{"do these:\n1. fetch logs\n2. grep errors\n3. summarize findings", ModeTask},
		{"what time is it", ModeOnce},
	}
	for _, tc := range tests {
		got, err := r.classify(context.Background(), tc.task)
		if err != nil {
			t.Fatalf("classify(%q): %v", tc.task, err)
		}
		if got != tc.want {
			t.Errorf("classify(%q) = %s, want %s", tc.task, got, tc.want)
		}
	}
}

func TestClassifyByModel(t *testing.T) {
	long := strings.Repeat("please analyze the quarterly revenue figures and their trends ", 3)
	p := &scripted{name: "chatgpt", responses: []*providers.Response{
		{Content: `{"mode": "agent"}`},
	}}
	r := newTestRouter(t, nil, nil, p)
	got, err := r.classify(context.Background(), long)
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if got != ModeAgent {
		t.Errorf("mode = %s, want agent", got)
	}
	if p.callCount() != 1 {
		t.Errorf("provider calls = %d, want 1", p.callCount())
	}
}

func TestSecretGateBlocksBeforeModel(t *testing.T) {
	v, err := vault.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open vault: %v", err)
	}
	defer v.Close()
	p := &scripted{name: "chatgpt", responses: []*providers.Response{{Content: "never"}}}
	r := newTestRouter(t, v, nil, p)

	res, err := r.Execute(context.Background(), request("deploy with {{secret:prod_token}}"))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Mode != ModeOnce {
		t.Errorf("mode = %s, want once", res.Mode)
	}
	if !strings.Contains(res.Reply, "prod_token") {
		t.Errorf("reply = %q, want missing key named", res.Reply)
	}
	if p.callCount() != 0 {
		t.Errorf("provider called %d times, want 0", p.callCount())
	}
}

func TestOnceDirectReply(t *testing.T) {
	p := &scripted{name: "chatgpt", responses: []*providers.Response{{Content: "hello there"}}}
	r := newTestRouter(t, nil, tools.NewRegistry(), p)

	res, err := r.Execute(context.Background(), request("say hi"))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Mode != ModeOnce || res.Reply != "hello there" {
		t.Errorf("result = %+v", res)
	}
	if res.ToolCallsCount != 0 {
		t.Errorf("tool calls = %d", res.ToolCallsCount)
	}
	// No tool hits means the escalation overlay rides along.
	if !strings.Contains(p.call(0).System, NeedTaskLoop) {
		t.Error("direct once call missing escalation overlay")
	}
}

func TestOnceWithToolRound(t *testing.T) {
	registry := tools.NewRegistry()
	exec := &fakeTool{name: "exec", result: "total 12K"}
	if err := registry.Register(exec); err != nil {
		t.Fatalf("register: %v", err)
	}
	p := &scripted{name: "chatgpt", responses: []*providers.Response{
		{ToolCalls: []models.ToolCall{{ID: "c1", Name: "exec", Arguments: []byte(`{"command":"ls"}`)}}},
		{Content: "the directory holds 12K"},
	}}
	r := newTestRouter(t, nil, registry, p)

	res, err := r.Execute(context.Background(), request("run the ls command"))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Reply != "the directory holds 12K" || res.ToolCallsCount != 1 {
		t.Errorf("result = %+v", res)
	}
	if len(exec.executed) != 1 {
		t.Fatalf("tool executions = %d", len(exec.executed))
	}
	if p.callCount() != 2 {
		t.Fatalf("provider calls = %d, want 2", p.callCount())
	}
	second := p.call(1)
	last := second.Messages[len(second.Messages)-1]
	if !strings.Contains(last.Content, "[TOOL_RESULTS]") || !strings.Contains(last.Content, "total 12K") {
		t.Errorf("followup message = %q", last.Content)
	}
	if len(p.call(0).Tools) != 1 || p.call(0).Tools[0].Name != "exec" {
		t.Errorf("first call tools = %+v", p.call(0).Tools)
	}
}

func TestEscalationToAgentLoop(t *testing.T) {
	p := &scripted{name: "chatgpt", responses: []*providers.Response{
		{Content: "NEED_AGENT_LOOP\nthis needs iteration"},
		{Content: "iterated answer"},
	}}
	r := newTestRouter(t, nil, tools.NewRegistry(), p)

	res, err := r.Execute(context.Background(), request("short ambiguous ask"))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Mode != ModeAgent {
		t.Errorf("mode = %s, want agent", res.Mode)
	}
	if res.Reply != "iterated answer" {
		t.Errorf("reply = %q", res.Reply)
	}
}

func TestEscalationTokenMustLeadFirstLine(t *testing.T) {
	tests := []string{
		"we might NEED_AGENT_LOOP for this",
		"NEED_AGENT_LOOPY",
		"answer first\nNEED_TASK_LOOP",
	}
	for _, content := range tests {
		if mode, ok := escalation(content); ok {
			t.Errorf("escalation(%q) = %s, want none", content, mode)
		}
	}
	if mode, ok := escalation("  NEED_TASK_LOOP because steps"); !ok || mode != ModeTask {
		t.Errorf("leading token not recognized: %v %v", mode, ok)
	}
}

func TestTaskLoopSuppressedByDoneMessage(t *testing.T) {
	registry := tools.NewRegistry()
	msg := &fakeTool{name: "message", result: "sent"}
	if err := registry.Register(msg); err != nil {
		t.Fatalf("register: %v", err)
	}
	p := &scripted{name: "chatgpt", responses: []*providers.Response{
		{Content: "1. do the thing\n2. report"},
		{ToolCalls: []models.ToolCall{{ID: "c1", Name: "message", Arguments: []byte(`{"content":"finished","phase":"done"}`)}}},
		{Content: "all steps complete"},
	}}
	r := newTestRouter(t, nil, registry, p)

	res, err := r.Execute(context.Background(), request("first fetch the logs, then summarize them and post the result"))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Mode != ModeTask {
		t.Errorf("mode = %s, want task", res.Mode)
	}
	if !res.SuppressReply {
		t.Error("done-phase message did not suppress the reply")
	}
	if res.ToolCallsCount != 1 {
		t.Errorf("tool calls = %d", res.ToolCallsCount)
	}
	// Suppressed runs skip the finalize call: plan + two loop turns only.
	if p.callCount() != 3 {
		t.Errorf("provider calls = %d, want 3", p.callCount())
	}
}

func TestTaskLoopFileRequestWaits(t *testing.T) {
	registry := tools.NewRegistry()
	if err := registry.Register(&fakeTool{name: "request_file", result: "asked"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	p := &scripted{name: "chatgpt", responses: []*providers.Response{
		{Content: "1. get the file"},
		{ToolCalls: []models.ToolCall{{ID: "c1", Name: "request_file", Arguments: []byte(`{"description":"the csv"}`)}}},
	}}
	r := newTestRouter(t, nil, registry, p)

	res, err := r.Execute(context.Background(), request("first load the csv, then chart it and share the chart"))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Waiting != "file_request_waiting" {
		t.Errorf("waiting = %q", res.Waiting)
	}
}

func TestSensitiveTextSealedBeforeModel(t *testing.T) {
	p := &scripted{name: "chatgpt", responses: []*providers.Response{{Content: "noted"}}}
	r := newTestRouter(t, nil, tools.NewRegistry(), p)

	_, err := r.Execute(context.Background(), request("my login is password: hunter2 ok?"))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	for i := 0; i < p.callCount(); i++ {
		for _, msg := range p.call(i).Messages {
			if strings.Contains(msg.Content, "hunter2") {
				t.Fatalf("plaintext credential reached the model: %q", msg.Content)
			}
			if i == p.callCount()-1 && !strings.Contains(msg.Content, "[REDACTED]") {
				t.Errorf("redaction marker missing: %q", msg.Content)
			}
		}
	}
}

func TestStreamingReported(t *testing.T) {
	p := &scripted{
		name:      "chatgpt",
		chunks:    []string{"hel", "lo"},
		responses: []*providers.Response{{Content: "hello"}},
	}
	r := newTestRouter(t, nil, tools.NewRegistry(), p)

	var streamed strings.Builder
	req := request("say hi")
	req.Stream = func(chunk string) { streamed.WriteString(chunk) }
	res, err := r.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !res.Streamed || res.StreamFullContent != "hello" {
		t.Errorf("result = %+v", res)
	}
	if streamed.String() != "hello" {
		t.Errorf("caller saw %q", streamed.String())
	}
}

func TestClaudeFallsBackToChatGPT(t *testing.T) {
	claude := &scripted{
		name:      providers.NameClaudeCode,
		responses: []*providers.Response{nil},
		errs:      []error{fmt.Errorf("error calling claude: not logged in")},
	}
	chatgpt := &scripted{name: providers.NameChatGPT, responses: []*providers.Response{{Content: "fallback answer"}}}
	m := providers.NewManager()
	m.Register(claude)
	m.Register(chatgpt)
	r := New(Config{Providers: m, Tools: tools.NewRegistry()})

	res, err := r.Execute(context.Background(), request("say hi"))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Reply != "fallback answer" {
		t.Errorf("reply = %q", res.Reply)
	}
}

func TestMediaComposedIntoTask(t *testing.T) {
	p := &scripted{name: "chatgpt", responses: []*providers.Response{{Content: "looked"}}}
	r := newTestRouter(t, nil, tools.NewRegistry(), p)

	req := request("what is in this image")
	req.Msg.Media = []models.Attachment{{Type: models.MediaImage, URL: "https://example.com/pic.png", Filename: "pic.png"}}
	if _, err := r.Execute(context.Background(), req); err != nil {
		t.Fatalf("execute: %v", err)
	}
	first := p.call(0)
	body := first.Messages[len(first.Messages)-1].Content
	if !strings.Contains(body, "https://example.com/pic.png") {
		t.Errorf("media reference missing from context: %q", body)
	}
}
