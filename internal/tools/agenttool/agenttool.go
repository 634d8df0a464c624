// Package agenttool exposes the subagent registry as a callable tool so
// the orchestrator can delegate work to controller/executor runs.
package agenttool

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/orchbot/orchbot/internal/subagent"
	"github.com/orchbot/orchbot/internal/tools"
)

// Tool manages subagent runs: spawn, status, list, wait, cancel.
type Tool struct {
	agents *subagent.Registry
}

// New creates the subagent tool.
func New(agents *subagent.Registry) *Tool {
	return &Tool{agents: agents}
}

func (t *Tool) Name() string { return "subagent" }

func (t *Tool) Description() string {
	return "Delegate a task to a subagent. Actions: spawn (prompt, optional parent_id), status (id), list, wait (id), cancel (id, optional cascade)."
}

func (t *Tool) Schema() json.RawMessage {
	return tools.ObjectSchema(map[string]any{
		"action": map[string]any{
			"type": "string",
			"enum": []string{"spawn", "status", "list", "wait", "cancel"},
		},
		"prompt":    map[string]any{"type": "string", "description": "Task for the subagent (spawn)."},
		"parent_id": map[string]any{"type": "string", "description": "Spawning run's id, for cascade cancel."},
		"id":        map[string]any{"type": "string", "description": "Run id (status, wait, cancel)."},
		"cascade":   map[string]any{"type": "boolean", "description": "Also cancel children (cancel)."},
	}, []string{"action"})
}

func (t *Tool) Execute(ctx context.Context, params map[string]any, tc *tools.Context) (string, error) {
	action, _ := params["action"].(string)
	switch action {
	case "spawn":
		prompt, _ := params["prompt"].(string)
		if strings.TrimSpace(prompt) == "" {
			return tools.Errorf("prompt is required to spawn a subagent"), nil
		}
		parent, _ := params["parent_id"].(string)
		var origin tools.Context
		if tc != nil {
			origin = *tc
		}
		id := t.agents.Spawn(prompt, origin, parent)
		return fmt.Sprintf("Subagent %s spawned.", id), nil
	case "status":
		ref, ok := t.lookup(params)
		if !ok {
			return tools.Errorf("no subagent with that id"), nil
		}
		return refLine(ref), nil
	case "list":
		refs := t.agents.List()
		if len(refs) == 0 {
			return "No subagent runs.", nil
		}
		lines := make([]string, 0, len(refs))
		for _, ref := range refs {
			lines = append(lines, refLine(ref))
		}
		return strings.Join(lines, "\n"), nil
	case "wait":
		ref, ok := t.lookup(params)
		if !ok {
			return tools.Errorf("no subagent with that id"), nil
		}
		done := make(chan struct{})
		go func() {
			t.agents.Wait(ref.ID)
			close(done)
		}()
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-done:
		}
		ref, _ = t.agents.Get(ref.ID)
		if ref.Status == subagent.StatusCompleted {
			return ref.LastResult, nil
		}
		return tools.Errorf("subagent %s %s: %s", ref.ID, ref.Status, ref.Error), nil
	case "cancel":
		ref, ok := t.lookup(params)
		if !ok {
			return tools.Errorf("no subagent with that id"), nil
		}
		cancelled := t.agents.Cancel(ref.ID)
		extra := 0
		if cascade, _ := params["cascade"].(bool); cascade {
			extra = t.agents.CancelByParent(ref.ID)
		}
		if !cancelled && extra == 0 {
			return tools.Errorf("subagent %s is already finished", ref.ID), nil
		}
		return fmt.Sprintf("Cancelled %s (and %d children).", ref.ID, extra), nil
	default:
		return tools.Errorf("unknown action %q", action), nil
	}
}

func (t *Tool) lookup(params map[string]any) (subagent.Ref, bool) {
	id, _ := params["id"].(string)
	return t.agents.Get(id)
}

func refLine(ref subagent.Ref) string {
	line := fmt.Sprintf("%s %s %q", ref.ID, ref.Status, clip(ref.Task, 60))
	if ref.Error != "" {
		line += " error=" + ref.Error
	}
	return line
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
