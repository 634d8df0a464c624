package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/orchbot/orchbot/pkg/models"
)

// HTTPTimeout bounds every OpenAI-compatible HTTP call. It is combined
// with the caller's context, whichever fires first.
const HTTPTimeout = 120 * time.Second

// HTTPProvider talks to an OpenAI-compatible chat completion API. Both
// OpenRouter and a local phi4 runtime speak this dialect.
type HTTPProvider struct {
	name   string
	client *openai.Client
	model  string
}

// headerTransport injects static headers into every request. OpenRouter
// uses HTTP-Referer and X-Title for app attribution.
type headerTransport struct {
	base    http.RoundTripper
	headers map[string]string
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	for key, value := range t.headers {
		req.Header.Set(key, value)
	}
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(req)
}

// NewHTTPProvider builds an OpenAI-compatible provider.
func NewHTTPProvider(name, baseURL, apiKey, model string, headers map[string]string) *HTTPProvider {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	httpClient := &http.Client{Timeout: HTTPTimeout}
	if len(headers) > 0 {
		httpClient.Transport = &headerTransport{headers: headers}
	}
	cfg.HTTPClient = httpClient
	return &HTTPProvider{
		name:   name,
		client: openai.NewClientWithConfig(cfg),
		model:  model,
	}
}

// OpenRouterFromEnv builds the OpenRouter provider when an API key is set.
func OpenRouterFromEnv() *HTTPProvider {
	apiKey := strings.TrimSpace(os.Getenv("OPENROUTER_API_KEY"))
	if apiKey == "" {
		return nil
	}
	base := strings.TrimSpace(os.Getenv("OPENROUTER_API_BASE"))
	if base == "" {
		base = "https://openrouter.ai/api/v1"
	}
	model := strings.TrimSpace(os.Getenv("OPENROUTER_MODEL"))
	if model == "" {
		model = "openai/gpt-4o"
	}
	headers := map[string]string{}
	if referer := os.Getenv("OPENROUTER_HTTP_REFERER"); referer != "" {
		headers["HTTP-Referer"] = referer
	}
	if title := os.Getenv("OPENROUTER_APP_TITLE"); title != "" {
		headers["X-Title"] = title
	}
	return NewHTTPProvider(NameOpenRouter, base, apiKey, model, headers)
}

// Phi4FromEnv builds the local phi4 provider when a runtime URL is set.
func Phi4FromEnv() *HTTPProvider {
	base := strings.TrimSpace(os.Getenv("PHI4_RUNTIME_BASE_URL"))
	if base == "" {
		return nil
	}
	model := strings.TrimSpace(os.Getenv("PHI4_RUNTIME_MODEL"))
	if model == "" {
		model = "phi4"
	}
	return NewHTTPProvider(NamePhi4, base, os.Getenv("PHI4_RUNTIME_API_KEY"), model, nil)
}

func (p *HTTPProvider) Name() string { return p.name }

// Complete sends one chat completion request.
func (p *HTTPProvider) Complete(ctx context.Context, req *Request, streamFn StreamFunc) (*Response, error) {
	callCtx, cancel := context.WithTimeout(ctx, HTTPTimeout)
	defer cancel()

	model := req.Model
	if model == "" {
		model = p.model
	}
	chatReq := openai.ChatCompletionRequest{
		Model:    model,
		Messages: convertMessages(req),
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = convertTools(req.Tools)
	}

	resp, err := p.client.CreateChatCompletion(callCtx, chatReq)
	if err != nil {
		return nil, fmt.Errorf("error calling %s: %w", p.name, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("error calling %s: empty output", p.name)
	}
	choice := resp.Choices[0]
	out := &Response{Content: choice.Message.Content}
	for _, tc := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, models.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: json.RawMessage(tc.Function.Arguments),
		})
	}
	if out.Content == "" && len(out.ToolCalls) == 0 {
		return nil, fmt.Errorf("error calling %s: empty output", p.name)
	}
	if streamFn != nil && out.Content != "" {
		streamFn(out.Content)
	}
	return out, nil
}

func convertMessages(req *Request) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		out = append(out, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	for _, msg := range req.Messages {
		switch msg.Role {
		case "tool":
			out = append(out, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    msg.Content,
				ToolCallID: msg.ToolCallID,
			})
		case "assistant":
			m := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: msg.Content,
			}
			for _, tc := range msg.ToolCalls {
				m.ToolCalls = append(m.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: string(tc.Arguments),
					},
				})
			}
			out = append(out, m)
		default:
			out = append(out, openai.ChatCompletionMessage{Role: msg.Role, Content: msg.Content})
		}
	}
	return out
}

func convertTools(tools []ToolSpec) []openai.Tool {
	out := make([]openai.Tool, 0, len(tools))
	for _, tool := range tools {
		var params any
		if err := json.Unmarshal(tool.Schema, &params); err != nil {
			params = map[string]any{"type": "object"}
		}
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  params,
			},
		})
	}
	return out
}
