// Package tools implements the tool registry: schema validation,
// synchronous and background execution, and the approval request
// lifecycle for tools that refuse to run without a human decision.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Tool is the capability set every registered tool implements.
type Tool interface {
	// Name returns the unique tool name used in tool calls.
	Name() string

	// Description tells the model when to use the tool.
	Description() string

	// Schema returns the JSON Schema for the tool's parameters.
	Schema() json.RawMessage

	// Execute runs the tool. Soft failures are returned as "Error: ..."
	// result text; a Go error means the tool itself broke.
	Execute(ctx context.Context, params map[string]any, tc *Context) (string, error)
}

// Context carries provenance through every tool call so downstream
// operations (approvals, events, child messages) know where they came from.
type Context struct {
	TaskID   string `json:"task_id,omitempty"`
	Provider string `json:"provider,omitempty"`
	ChatID   string `json:"chat_id,omitempty"`
	ThreadID string `json:"thread_id,omitempty"`
	SenderID string `json:"sender_id,omitempty"`
}

// Error prefixes used across tool results.
const (
	ErrorPrefix            = "Error: "
	ApprovalRequiredPrefix = "Error: approval_required"
)

// Errorf formats a soft tool failure.
func Errorf(format string, args ...any) string {
	return ErrorPrefix + fmt.Sprintf(format, args...)
}

// ApprovalRequired formats an approval refusal with a free-text detail
// body the approval prompt will show to the user.
func ApprovalRequired(detail string) string {
	if detail == "" {
		return ApprovalRequiredPrefix
	}
	return ApprovalRequiredPrefix + "\n" + detail
}

// IsApprovalRequired reports whether a result is an approval refusal.
func IsApprovalRequired(result string) bool {
	return strings.HasPrefix(result, ApprovalRequiredPrefix)
}

// IsError reports whether a result is any soft failure.
func IsError(result string) bool {
	return strings.HasPrefix(result, ErrorPrefix)
}

// Approved reports whether params carry the human-approval marker.
func Approved(params map[string]any) bool {
	v, ok := params["__approved"]
	if !ok {
		return false
	}
	b, ok := v.(bool)
	return ok && b
}

// TruncateResult clips a tool result symmetrically, keeping head and tail.
func TruncateResult(result string, maxChars int) string {
	if maxChars <= 0 || len(result) <= maxChars {
		return result
	}
	half := maxChars / 2
	dropped := len(result) - maxChars
	return result[:half] + fmt.Sprintf("…[truncated %d chars]…", dropped) + result[len(result)-half:]
}

// ObjectSchema builds a JSON-schema object definition, the common case for
// tool parameter schemas.
func ObjectSchema(properties map[string]any, required []string) json.RawMessage {
	schema := map[string]any{
		"type":                 "object",
		"properties":           properties,
		"additionalProperties": false,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	raw, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return raw
}
