// Package providers adapts external LLM backends — headless CLIs and
// OpenAI-compatible HTTP APIs — behind one completion interface.
package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/orchbot/orchbot/pkg/models"
)

// Message is one turn of a completion conversation.
type Message struct {
	Role       string            `json:"role"` // system | user | assistant | tool
	Content    string            `json:"content"`
	ToolCallID string            `json:"tool_call_id,omitempty"`
	ToolCalls  []models.ToolCall `json:"tool_calls,omitempty"`
}

// ToolSpec advertises a callable tool to the model.
type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Schema      json.RawMessage `json:"schema"`
}

// Request is a single completion call.
type Request struct {
	System   string
	Messages []Message
	Tools    []ToolSpec
	Model    string
}

// Response is the model's answer: text and/or tool-call requests.
type Response struct {
	Content   string
	ToolCalls []models.ToolCall
}

// StreamFunc receives incremental output chunks. May be nil.
type StreamFunc func(chunk string)

// Provider is one LLM backend.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req *Request, stream StreamFunc) (*Response, error)
}

// Known provider names.
const (
	NameChatGPT    = "chatgpt"
	NameClaudeCode = "claude_code"
	NameOpenRouter = "openrouter"
	NamePhi4       = "phi4"
)

// Manager resolves providers by name and picks a primary from environment
// availability: chatgpt CLI, claude CLI, OpenRouter, phi4, in that order.
type Manager struct {
	providers map[string]Provider
	primary   string
}

// NewManager builds the provider set from the environment.
func NewManager() *Manager {
	m := &Manager{providers: map[string]Provider{}}
	if cli := CLIFromEnv(NameChatGPT, "CHATGPT_HEADLESS"); cli != nil {
		m.add(cli)
	}
	if cli := CLIFromEnv(NameClaudeCode, "CLAUDE_HEADLESS"); cli != nil {
		m.add(cli)
	}
	if p := OpenRouterFromEnv(); p != nil {
		m.add(p)
	}
	if p := Phi4FromEnv(); p != nil {
		m.add(p)
	}
	m.primary = m.resolvePrimary()
	return m
}

func (m *Manager) add(p Provider) {
	m.providers[p.Name()] = p
}

// Register installs or replaces a provider. Used by tests and bootstrap.
func (m *Manager) Register(p Provider) {
	m.add(p)
	if m.primary == "" {
		m.primary = p.Name()
	}
}

// SetPrimary overrides the primary provider. Unknown names are ignored.
func (m *Manager) SetPrimary(name string) {
	if _, ok := m.providers[name]; ok {
		m.primary = name
	}
}

func (m *Manager) resolvePrimary() string {
	if want := strings.TrimSpace(os.Getenv("ORCH_ORCHESTRATOR_PROVIDER")); want != "" {
		if _, ok := m.providers[want]; ok {
			return want
		}
	}
	for _, name := range []string{NameChatGPT, NameClaudeCode, NameOpenRouter, NamePhi4} {
		if _, ok := m.providers[name]; ok {
			return name
		}
	}
	return ""
}

// Get returns a provider by name.
func (m *Manager) Get(name string) (Provider, bool) {
	p, ok := m.providers[name]
	return p, ok
}

// Primary returns the resolved primary provider.
func (m *Manager) Primary() (Provider, error) {
	if m.primary == "" {
		return nil, fmt.Errorf("no provider configured: set CHATGPT_HEADLESS_COMMAND, CLAUDE_HEADLESS_COMMAND, OPENROUTER_API_KEY, or PHI4_RUNTIME_BASE_URL")
	}
	return m.providers[m.primary], nil
}

// Fallback returns the provider to retry with after a primary failure, or
// nil when no retry applies. Only claude_code falls back, to chatgpt, once.
func (m *Manager) Fallback(failed string) Provider {
	if failed != NameClaudeCode {
		return nil
	}
	if p, ok := m.providers[NameChatGPT]; ok {
		return p
	}
	return nil
}
