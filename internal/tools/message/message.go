// Package message implements the message and request_file tools, the only
// tools that push outbound messages directly through the transport.
package message

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/orchbot/orchbot/internal/events"
	"github.com/orchbot/orchbot/internal/tools"
	"github.com/orchbot/orchbot/pkg/models"
)

// Sender delivers an outbound message through the channel manager.
type Sender func(ctx context.Context, msg models.OutboundMessage) error

// Config wires the message tools to the transport and the event log.
type Config struct {
	Send Sender
	// Events, when set, records a workflow event for phase-tagged messages
	// sent inside a task.
	Events *events.Log
}

// DonePhase reports whether a message tool call carries phase "done". The
// router treats such a call as the reply-suppression signal: the tool has
// already delivered the user-facing text.
func DonePhase(params map[string]any) bool {
	phase, _ := params["phase"].(string)
	return phase == string(events.PhaseDone)
}

// MessageTool sends a message to a chat, optionally tagging it with a
// workflow phase.
type MessageTool struct {
	cfg Config
}

// NewMessageTool creates the message tool.
func NewMessageTool(cfg Config) *MessageTool {
	return &MessageTool{cfg: cfg}
}

func (t *MessageTool) Name() string { return "message" }
func (t *MessageTool) Description() string {
	return "Send a message to the current chat. Set phase=done when it is the final answer for a task."
}

func (t *MessageTool) Schema() json.RawMessage {
	return tools.ObjectSchema(map[string]any{
		"content": map[string]any{"type": "string", "minLength": 1},
		"phase": map[string]any{
			"type": "string",
			"enum": []any{"assign", "progress", "blocked", "done", "approval"},
		},
		"channel": map[string]any{"type": "string", "description": "Target provider override."},
		"to":      map[string]any{"type": "string", "description": "Target chat id override."},
	}, []string{"content"})
}

func (t *MessageTool) Execute(ctx context.Context, params map[string]any, tc *tools.Context) (string, error) {
	content, _ := params["content"].(string)
	msg, err := targetFor(params, tc)
	if err != nil {
		return tools.Errorf("%v", err), nil
	}
	msg.Content = content
	if err := t.cfg.Send(ctx, msg); err != nil {
		return tools.Errorf("send message: %v", err), nil
	}

	phase, _ := params["phase"].(string)
	if phase != "" && t.cfg.Events != nil && tc != nil && tc.TaskID != "" {
		summary := content
		if len(summary) > 120 {
			summary = summary[:120]
		}
		_, err := t.cfg.Events.Append(ctx, events.AppendInput{
			Event: events.Event{
				EventID:  uuid.NewString(),
				RunID:    tc.TaskID,
				TaskID:   tc.TaskID,
				Phase:    events.Phase(phase),
				Summary:  summary,
				Provider: tc.Provider,
				ChatID:   msg.ChatID,
				ThreadID: msg.ThreadID,
				Source:   events.SourceOutbound,
			},
			Detail: content,
		})
		if err != nil {
			return tools.Errorf("record workflow event: %v", err), nil
		}
	}
	if phase != "" {
		return fmt.Sprintf("Message sent (phase=%s).", phase), nil
	}
	return "Message sent.", nil
}

// RequestFileTool asks the user to upload a file. The router records the
// request so the next inbound attachment can be routed to the waiting task.
type RequestFileTool struct {
	cfg Config
}

// NewRequestFileTool creates the request_file tool.
func NewRequestFileTool(cfg Config) *RequestFileTool {
	return &RequestFileTool{cfg: cfg}
}

func (t *RequestFileTool) Name() string { return "request_file" }
func (t *RequestFileTool) Description() string {
	return "Ask the user to upload a file needed to continue the task."
}

func (t *RequestFileTool) Schema() json.RawMessage {
	return tools.ObjectSchema(map[string]any{
		"description": map[string]any{"type": "string", "minLength": 1},
		"filename_hint": map[string]any{
			"type":        "string",
			"description": "Expected filename or extension, shown to the user.",
		},
	}, []string{"description"})
}

func (t *RequestFileTool) Execute(ctx context.Context, params map[string]any, tc *tools.Context) (string, error) {
	description, _ := params["description"].(string)
	msg, err := targetFor(params, tc)
	if err != nil {
		return tools.Errorf("%v", err), nil
	}
	var b strings.Builder
	b.WriteString("📎 Please upload a file: ")
	b.WriteString(description)
	if hint, _ := params["filename_hint"].(string); hint != "" {
		fmt.Fprintf(&b, " (%s)", hint)
	}
	msg.Content = b.String()
	if err := t.cfg.Send(ctx, msg); err != nil {
		return tools.Errorf("send file request: %v", err), nil
	}
	return "File request sent to user.", nil
}

// targetFor resolves the destination from explicit overrides or the call
// context. Without either there is nowhere to deliver.
func targetFor(params map[string]any, tc *tools.Context) (models.OutboundMessage, error) {
	msg := models.OutboundMessage{}
	if tc != nil {
		msg.Provider = models.ChannelType(tc.Provider)
		msg.ChatID = tc.ChatID
		msg.ThreadID = tc.ThreadID
	}
	if channel, _ := params["channel"].(string); channel != "" {
		msg.Provider = models.ChannelType(channel)
	}
	if to, _ := params["to"].(string); to != "" {
		msg.ChatID = to
	}
	if msg.Provider == "" || msg.ChatID == "" {
		return msg, fmt.Errorf("no target chat: provide channel/to or call from a chat context")
	}
	return msg, nil
}
