package web

import (
	"context"
	"encoding/json"

	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/chromedp"

	"github.com/orchbot/orchbot/internal/tools"
)

// BrowserTool renders a page in a headless browser and extracts its text.
// Used for pages that need JavaScript to produce content.
type BrowserTool struct {
	cfg Config
}

// NewBrowserTool creates the web_browser tool.
func NewBrowserTool(cfg Config) *BrowserTool {
	return &BrowserTool{cfg: cfg.withDefaults()}
}

func (t *BrowserTool) Name() string { return "web_browser" }
func (t *BrowserTool) Description() string {
	return "Render a URL in a headless browser and extract the visible text."
}

func (t *BrowserTool) Schema() json.RawMessage {
	return tools.ObjectSchema(map[string]any{
		"url":       map[string]any{"type": "string", "minLength": 1},
		"max_chars": map[string]any{"type": "integer", "minimum": 100},
		"selector":  map[string]any{"type": "string", "description": "CSS selector to wait for before extraction."},
	}, []string{"url"})
}

func (t *BrowserTool) Execute(ctx context.Context, params map[string]any, tc *tools.Context) (string, error) {
	rawURL, _ := params["url"].(string)
	if err := ValidateURL(ctx, rawURL, t.cfg.LookupIP); err != nil {
		return envelope{URL: rawURL, Error: err.Error()}.String(), nil
	}
	maxChars := t.cfg.DefaultMaxChars
	if v, ok := params["max_chars"].(float64); ok && v > 0 {
		maxChars = int(v)
	}

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, chromedp.DefaultExecAllocatorOptions[:]...)
	defer cancelAlloc()
	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)
	defer cancelBrowser()
	runCtx, cancelRun := context.WithTimeout(browserCtx, timeoutOr(ctx, t.cfg.Timeout))
	defer cancelRun()

	actions := []chromedp.Action{chromedp.Navigate(rawURL)}
	if selector, _ := params["selector"].(string); selector != "" {
		actions = append(actions, chromedp.WaitVisible(selector, chromedp.ByQuery))
	}
	var html string
	actions = append(actions, chromedp.ActionFunc(func(ctx context.Context) error {
		node, err := dom.GetDocument().Do(ctx)
		if err != nil {
			return err
		}
		html, err = dom.GetOuterHTML().WithNodeID(node.NodeID).Do(ctx)
		return err
	}))

	if err := chromedp.Run(runCtx, actions...); err != nil {
		return envelope{URL: rawURL, Error: err.Error()}.String(), nil
	}
	text := stripHTML(html)
	text, stripped := Sanitize(text)
	text, truncated := clipContent(text, maxChars)
	return envelope{URL: rawURL, Content: text, StrippedLines: stripped, Truncated: truncated}.String(), nil
}
