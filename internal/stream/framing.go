package stream

import (
	"encoding/json"
	"strings"

	"github.com/orchbot/orchbot/pkg/models"
)

// Protocol markers for CLI provider output. Final text and tool-call blocks
// are framed so log spam and banners interleaved by the CLI are ignored.
const (
	FinalStart     = "<<ORCH_FINAL>>"
	FinalEnd       = "<<ORCH_FINAL_END>>"
	ToolCallsStart = "<<ORCH_TOOL_CALLS>>"
	ToolCallsEnd   = "<<ORCH_TOOL_CALLS_END>>"
)

// ExtractFinal returns the body of the last complete final block. When only
// a start marker is present the in-progress body is returned with
// partial=true.
func ExtractFinal(raw string) (body string, partial bool, ok bool) {
	start := strings.LastIndex(raw, FinalStart)
	if start < 0 {
		return "", false, false
	}
	rest := raw[start+len(FinalStart):]
	end := strings.Index(rest, FinalEnd)
	if end < 0 {
		return strings.TrimSpace(rest), true, true
	}
	return strings.TrimSpace(rest[:end]), false, true
}

type toolCallEnvelope struct {
	ToolCalls []models.ToolCall `json:"tool_calls"`
}

// ExtractToolCalls parses the last complete tool-call block. The body is
// either a bare array of calls or a {"tool_calls":[...]} envelope.
func ExtractToolCalls(raw string) ([]models.ToolCall, bool) {
	start := strings.LastIndex(raw, ToolCallsStart)
	if start < 0 {
		return nil, false
	}
	rest := raw[start+len(ToolCallsStart):]
	end := strings.Index(rest, ToolCallsEnd)
	if end < 0 {
		return nil, false
	}
	body := strings.TrimSpace(rest[:end])
	var calls []models.ToolCall
	if err := json.Unmarshal([]byte(body), &calls); err == nil {
		return calls, true
	}
	var env toolCallEnvelope
	if err := json.Unmarshal([]byte(body), &env); err != nil {
		return nil, false
	}
	return env.ToolCalls, true
}

// jsonEvent is one line of a JSON-event-stream CLI.
type jsonEvent struct {
	Type string `json:"type"`
	Item struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"item"`
	Delta string `json:"delta"`
	Text  string `json:"text"`
}

var messageItemTypes = map[string]bool{
	"agent_message":     true,
	"assistant_message": true,
	"message":           true,
	"reasoning":         false, // tracked but not surfaced as final text
}

// ReconstructJSONStream walks a JSON-line event stream and rebuilds the
// final text, computing per-line deltas from item.completed events against
// the last full text seen.
func ReconstructJSONStream(raw string) string {
	var out strings.Builder
	var lastFullText string
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || !strings.HasPrefix(line, "{") {
			continue
		}
		var ev jsonEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			continue
		}
		switch {
		case strings.Contains(ev.Type, "delta"):
			out.WriteString(ev.Delta)
		case ev.Type == "item.completed":
			if surfaced, known := messageItemTypes[ev.Item.Type]; known && surfaced {
				delta := diffChunk(lastFullText, ev.Item.Text)
				lastFullText = ev.Item.Text
				out.WriteString(delta)
			}
		case ev.Type == "assistant" || strings.Contains(ev.Type, "message.completed"):
			if ev.Text != "" {
				delta := diffChunk(lastFullText, ev.Text)
				lastFullText = ev.Text
				out.WriteString(delta)
			}
		}
	}
	return strings.TrimSpace(out.String())
}

// ExtractOutput parses both the marker-framed channel and the JSON-line
// channel and returns the richer of the two.
func ExtractOutput(raw string) string {
	framed, _, ok := ExtractFinal(raw)
	reconstructed := ReconstructJSONStream(raw)
	if ok && len(framed) >= len(reconstructed) {
		return framed
	}
	if reconstructed != "" {
		return reconstructed
	}
	if ok {
		return framed
	}
	return strings.TrimSpace(raw)
}

// Known provider error prefixes, scanned line by line.
var errorPrefixes = []string{
	"error calling ",
	"not logged in",
	"please run /login",
	"stream disconnected",
}

// ExtractError returns the first line matching a known provider error
// prefix, or "" when none is present.
func ExtractError(raw string) string {
	for _, line := range strings.Split(raw, "\n") {
		trimmed := strings.ToLower(strings.TrimSpace(line))
		for _, prefix := range errorPrefixes {
			if strings.HasPrefix(trimmed, prefix) {
				return strings.TrimSpace(line)
			}
		}
	}
	return ""
}
