package providers

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestCLIProviderFramedOutput(t *testing.T) {
	// The fake CLI prints banner noise around a framed final block.
	script := `echo "loading model..."; echo "<<ORCH_FINAL>>"; echo "hello from cli"; echo "<<ORCH_FINAL_END>>"`
	p := NewCLIProvider("chatgpt", "sh", []string{"-c", script}, 5*time.Second)

	resp, err := p.Complete(context.Background(), &Request{
		Messages: []Message{{Role: "user", Content: "hi"}},
	}, nil)
	if err != nil {
		t.Fatalf("complete error = %v", err)
	}
	if resp.Content != "hello from cli" {
		t.Errorf("content = %q", resp.Content)
	}
}

func TestCLIProviderToolCalls(t *testing.T) {
	script := `echo '<<ORCH_TOOL_CALLS>>[{"id":"c1","name":"read_file","arguments":{"path":"a.txt"}}]<<ORCH_TOOL_CALLS_END>>'`
	p := NewCLIProvider("chatgpt", "sh", []string{"-c", script}, 5*time.Second)

	resp, err := p.Complete(context.Background(), &Request{
		Messages: []Message{{Role: "user", Content: "read it"}},
	}, nil)
	if err != nil {
		t.Fatalf("complete error = %v", err)
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].Name != "read_file" {
		t.Errorf("tool calls = %+v", resp.ToolCalls)
	}
}

func TestCLIProviderTimeout(t *testing.T) {
	p := NewCLIProvider("chatgpt", "sleep", []string{"30"}, 100*time.Millisecond)
	_, err := p.Complete(context.Background(), &Request{
		Messages: []Message{{Role: "user", Content: "hi"}},
	}, nil)
	if err == nil {
		t.Fatal("complete succeeded, want timeout error")
	}
	if !strings.Contains(err.Error(), "cli_timeout_100ms") {
		t.Errorf("error = %v, want cli_timeout_100ms", err)
	}
}

func TestCLIProviderDetectsProviderError(t *testing.T) {
	script := `echo "not logged in"; echo "<<ORCH_FINAL>>x<<ORCH_FINAL_END>>"`
	p := NewCLIProvider("claude_code", "sh", []string{"-c", script}, 5*time.Second)
	_, err := p.Complete(context.Background(), &Request{
		Messages: []Message{{Role: "user", Content: "hi"}},
	}, nil)
	if err == nil || !strings.Contains(err.Error(), "not logged in") {
		t.Errorf("error = %v, want login error surfaced", err)
	}
}

func TestCLIProviderEmptyOutput(t *testing.T) {
	p := NewCLIProvider("chatgpt", "true", nil, 5*time.Second)
	_, err := p.Complete(context.Background(), &Request{
		Messages: []Message{{Role: "user", Content: "hi"}},
	}, nil)
	if err == nil || !strings.Contains(err.Error(), "empty output") {
		t.Errorf("error = %v, want empty output error", err)
	}
}

func TestHTTPProviderCompletion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("X-Title"); got != "orchbot" {
			t.Errorf("X-Title = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"choices":[{"message":{"role":"assistant","content":"hi there"}}]}`)
	}))
	defer srv.Close()

	p := NewHTTPProvider("openrouter", srv.URL, "test-key", "openai/gpt-4o", map[string]string{"X-Title": "orchbot"})
	resp, err := p.Complete(context.Background(), &Request{
		System:   "be brief",
		Messages: []Message{{Role: "user", Content: "hello"}},
	}, nil)
	if err != nil {
		t.Fatalf("complete error = %v", err)
	}
	if resp.Content != "hi there" {
		t.Errorf("content = %q", resp.Content)
	}
}

func TestHTTPProviderToolCalls(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"choices":[{"message":{"role":"assistant","tool_calls":[
			{"id":"c1","type":"function","function":{"name":"exec","arguments":"{\"command\":\"ls\"}"}}
		]}}]}`)
	}))
	defer srv.Close()

	p := NewHTTPProvider("phi4", srv.URL, "", "phi4", nil)
	resp, err := p.Complete(context.Background(), &Request{
		Messages: []Message{{Role: "user", Content: "list files"}},
		Tools:    []ToolSpec{{Name: "exec", Description: "run", Schema: []byte(`{"type":"object"}`)}},
	}, nil)
	if err != nil {
		t.Fatalf("complete error = %v", err)
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].Name != "exec" {
		t.Errorf("tool calls = %+v", resp.ToolCalls)
	}
}

func TestHTTPProviderErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"quota exceeded"}}`, http.StatusTooManyRequests)
	}))
	defer srv.Close()

	p := NewHTTPProvider("openrouter", srv.URL, "k", "m", nil)
	_, err := p.Complete(context.Background(), &Request{
		Messages: []Message{{Role: "user", Content: "hi"}},
	}, nil)
	if err == nil || !strings.Contains(err.Error(), "error calling openrouter") {
		t.Errorf("error = %v", err)
	}
}

type staticProvider struct{ name string }

func (p *staticProvider) Name() string { return p.name }
func (p *staticProvider) Complete(ctx context.Context, req *Request, stream StreamFunc) (*Response, error) {
	return &Response{Content: "ok"}, nil
}

func TestManagerFallbackOnlyForClaude(t *testing.T) {
	m := &Manager{providers: map[string]Provider{}}
	m.Register(&staticProvider{name: NameChatGPT})
	m.Register(&staticProvider{name: NameClaudeCode})

	if got := m.Fallback(NameClaudeCode); got == nil || got.Name() != NameChatGPT {
		t.Errorf("fallback for claude_code = %v, want chatgpt", got)
	}
	if got := m.Fallback(NameChatGPT); got != nil {
		t.Errorf("fallback for chatgpt = %v, want nil", got)
	}
	if got := m.Fallback(NameOpenRouter); got != nil {
		t.Errorf("fallback for openrouter = %v, want nil", got)
	}
}
