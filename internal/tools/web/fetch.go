package web

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/orchbot/orchbot/internal/tools"
)

// FetchTool downloads a page and returns sanitized text.
type FetchTool struct {
	cfg    Config
	client *http.Client
}

// NewFetchTool creates the web_fetch tool.
func NewFetchTool(cfg Config) *FetchTool {
	cfg = cfg.withDefaults()
	return &FetchTool{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

func (t *FetchTool) Name() string        { return "web_fetch" }
func (t *FetchTool) Description() string { return "Fetch a URL and return its readable text content." }

func (t *FetchTool) Schema() json.RawMessage {
	return tools.ObjectSchema(map[string]any{
		"url":       map[string]any{"type": "string", "minLength": 1},
		"max_chars": map[string]any{"type": "integer", "minimum": 100},
	}, []string{"url"})
}

func (t *FetchTool) Execute(ctx context.Context, params map[string]any, tc *tools.Context) (string, error) {
	rawURL, _ := params["url"].(string)
	if err := ValidateURL(ctx, rawURL, t.cfg.LookupIP); err != nil {
		return envelope{URL: rawURL, Error: err.Error()}.String(), nil
	}
	maxChars := t.cfg.DefaultMaxChars
	if v, ok := params["max_chars"].(float64); ok && v > 0 {
		maxChars = int(v)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return envelope{URL: rawURL, Error: err.Error()}.String(), nil
	}
	req.Header.Set("User-Agent", "orchbot/1.0")
	resp, err := t.client.Do(req)
	if err != nil {
		return envelope{URL: rawURL, Error: err.Error()}.String(), nil
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return envelope{URL: rawURL, Error: resp.Status}.String(), nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
	if err != nil {
		return envelope{URL: rawURL, Error: err.Error()}.String(), nil
	}
	text := stripHTML(string(body))
	text, stripped := Sanitize(text)
	text, truncated := clipContent(text, maxChars)
	return envelope{URL: rawURL, Content: text, StrippedLines: stripped, Truncated: truncated}.String(), nil
}

// searchResult is one SearxNG-style hit.
type searchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Content string `json:"content"`
}

// SearchTool queries the configured search endpoint.
type SearchTool struct {
	cfg    Config
	client *http.Client
}

// NewSearchTool creates the web_search tool.
func NewSearchTool(cfg Config) *SearchTool {
	cfg = cfg.withDefaults()
	return &SearchTool{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

func (t *SearchTool) Name() string        { return "web_search" }
func (t *SearchTool) Description() string { return "Search the web and return the top results." }

func (t *SearchTool) Schema() json.RawMessage {
	return tools.ObjectSchema(map[string]any{
		"query": map[string]any{"type": "string", "minLength": 1},
		"limit": map[string]any{"type": "integer", "minimum": 1, "maximum": 20},
	}, []string{"query"})
}

func (t *SearchTool) Execute(ctx context.Context, params map[string]any, tc *tools.Context) (string, error) {
	query, _ := params["query"].(string)
	if t.cfg.SearchEndpoint == "" {
		return envelope{Query: query, Error: "no search endpoint configured"}.String(), nil
	}
	limit := 5
	if v, ok := params["limit"].(float64); ok && v > 0 {
		limit = int(v)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.cfg.SearchEndpoint, nil)
	if err != nil {
		return envelope{Query: query, Error: err.Error()}.String(), nil
	}
	q := req.URL.Query()
	q.Set("q", query)
	q.Set("format", "json")
	req.URL.RawQuery = q.Encode()

	resp, err := t.client.Do(req)
	if err != nil {
		return envelope{Query: query, Error: err.Error()}.String(), nil
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return envelope{Query: query, Error: resp.Status}.String(), nil
	}
	var parsed struct {
		Results []searchResult `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return envelope{Query: query, Error: err.Error()}.String(), nil
	}
	if len(parsed.Results) > limit {
		parsed.Results = parsed.Results[:limit]
	}
	stripped := 0
	for i := range parsed.Results {
		clean, n := Sanitize(parsed.Results[i].Content)
		parsed.Results[i].Content = clean
		stripped += n
	}
	return envelope{Query: query, Results: parsed.Results, StrippedLines: stripped}.String(), nil
}

// timeoutOr returns the lesser of the config timeout and ctx deadline.
func timeoutOr(ctx context.Context, fallback time.Duration) time.Duration {
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < fallback {
			return remaining
		}
	}
	return fallback
}
