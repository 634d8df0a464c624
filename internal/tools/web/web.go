// Package web implements the web_search, web_fetch, and web_browser
// tools with SSRF guarding and prompt-injection sanitization.
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strings"
	"time"
)

// Config controls the web tool suite.
type Config struct {
	// SearchEndpoint is a SearxNG-compatible JSON search API.
	SearchEndpoint string
	Timeout        time.Duration
	// DefaultMaxChars caps extracted content when the caller does not ask
	// for a specific cap.
	DefaultMaxChars int
	// LookupIP overrides hostname resolution for tests.
	LookupIP func(host string) ([]net.IP, error)
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.DefaultMaxChars <= 0 {
		c.DefaultMaxChars = 8000
	}
	if c.LookupIP == nil {
		c.LookupIP = net.LookupIP
	}
	return c
}

// ValidateURL rejects non-http(s) schemes and targets that resolve to
// loopback or private-network addresses.
func ValidateURL(ctx context.Context, raw string, lookup func(host string) ([]net.IP, error)) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("url has no host")
	}
	if ip := net.ParseIP(host); ip != nil {
		return checkIP(ip)
	}
	if strings.EqualFold(host, "localhost") {
		return fmt.Errorf("loopback host rejected")
	}
	ips, err := lookup(host)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", host, err)
	}
	for _, ip := range ips {
		if err := checkIP(ip); err != nil {
			return err
		}
	}
	return nil
}

func checkIP(ip net.IP) error {
	if ip.IsLoopback() {
		return fmt.Errorf("loopback address rejected")
	}
	if ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsUnspecified() {
		return fmt.Errorf("private-network address rejected")
	}
	return nil
}

// Prompt-injection patterns removed line-wise from fetched content.
var injectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)ignore (all|any|previous|prior|above) .{0,40}instructions`),
	regexp.MustCompile(`(?i)disregard (all|any|previous|prior|above)`),
	regexp.MustCompile(`(?i)you are now`),
	regexp.MustCompile(`(?i)system prompt`),
	regexp.MustCompile(`(?i)reveal your (prompt|instructions)`),
	regexp.MustCompile(`(?i)\bnew instructions?:`),
}

// Sanitize removes lines matching known prompt-injection patterns and
// reports how many were stripped.
func Sanitize(text string) (string, int) {
	lines := strings.Split(text, "\n")
	kept := lines[:0]
	stripped := 0
	for _, line := range lines {
		if matchesInjection(line) {
			stripped++
			continue
		}
		kept = append(kept, line)
	}
	return strings.Join(kept, "\n"), stripped
}

func matchesInjection(line string) bool {
	for _, re := range injectionPatterns {
		if re.MatchString(line) {
			return true
		}
	}
	return false
}

// envelope is the JSON wrapper every web tool returns.
type envelope struct {
	URL           string `json:"url,omitempty"`
	Query         string `json:"query,omitempty"`
	Content       string `json:"content,omitempty"`
	Results       any    `json:"results,omitempty"`
	StrippedLines int    `json:"stripped_lines"`
	Truncated     bool   `json:"truncated"`
	Error         string `json:"error,omitempty"`
}

func (e envelope) String() string {
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Sprintf(`{"error":%q}`, err.Error())
	}
	return string(raw)
}

// clipContent applies the character cap and reports truncation.
func clipContent(text string, max int) (string, bool) {
	if max <= 0 || len(text) <= max {
		return text, false
	}
	return text[:max], true
}

var tagRe = regexp.MustCompile(`(?s)<(script|style)[^>]*>.*?</(script|style)>|<[^>]+>`)
var blankRe = regexp.MustCompile(`\n{3,}`)

// stripHTML reduces an HTML document to readable text.
func stripHTML(html string) string {
	text := tagRe.ReplaceAllString(html, "\n")
	text = strings.NewReplacer("&amp;", "&", "&lt;", "<", "&gt;", ">", "&quot;", `"`, "&#39;", "'", "&nbsp;", " ").Replace(text)
	var lines []string
	for _, line := range strings.Split(text, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			lines = append(lines, trimmed)
		}
	}
	return blankRe.ReplaceAllString(strings.Join(lines, "\n"), "\n\n")
}
