// Package cronjob exposes the cron scheduler to the model as a single
// action-keyed tool.
package cronjob

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/orchbot/orchbot/internal/cron"
	"github.com/orchbot/orchbot/internal/tools"
)

// Tool dispatches cron scheduler operations keyed by the action parameter.
type Tool struct {
	scheduler *cron.Scheduler
}

// New creates the cron_job tool over a scheduler.
func New(scheduler *cron.Scheduler) *Tool {
	return &Tool{scheduler: scheduler}
}

func (t *Tool) Name() string { return "cron_job" }
func (t *Tool) Description() string {
	return "Manage scheduled jobs: add, list, get, enable, disable, remove. " +
		`Schedules are {"kind":"at","at_ms":...}, {"kind":"every","every_ms":...}, or {"kind":"cron","expr":"m h dom mon dow","tz":"..."}.`
}

func (t *Tool) Schema() json.RawMessage {
	return tools.ObjectSchema(map[string]any{
		"action": map[string]any{
			"type": "string",
			"enum": []any{"add", "list", "get", "enable", "disable", "remove"},
		},
		"id":   map[string]any{"type": "string", "description": "Job id for get/enable/disable/remove."},
		"name": map[string]any{"type": "string"},
		"schedule": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"kind":     map[string]any{"type": "string", "enum": []any{"at", "every", "cron"}},
				"at_ms":    map[string]any{"type": "integer"},
				"every_ms": map[string]any{"type": "integer"},
				"expr":     map[string]any{"type": "string"},
				"tz":       map[string]any{"type": "string"},
			},
			"required":             []any{"kind"},
			"additionalProperties": false,
		},
		"message":          map[string]any{"type": "string", "description": "Payload delivered when the job fires."},
		"deliver":          map[string]any{"type": "boolean", "description": "Send the message to a chat instead of re-injecting it."},
		"channel":          map[string]any{"type": "string"},
		"to":               map[string]any{"type": "string"},
		"delete_after_run": map[string]any{"type": "boolean"},
		"enabled_only":     map[string]any{"type": "boolean", "description": "For list."},
	}, []string{"action"})
}

func (t *Tool) Execute(ctx context.Context, params map[string]any, tc *tools.Context) (string, error) {
	action, _ := params["action"].(string)
	switch action {
	case "add":
		return t.add(params, tc)
	case "list":
		enabledOnly, _ := params["enabled_only"].(bool)
		jobs, err := t.scheduler.ListJobs(enabledOnly)
		if err != nil {
			return tools.Errorf("list jobs: %v", err), nil
		}
		if len(jobs) == 0 {
			return "No jobs.", nil
		}
		var b strings.Builder
		for _, job := range jobs {
			b.WriteString(jobLine(job))
			b.WriteByte('\n')
		}
		return strings.TrimRight(b.String(), "\n"), nil
	case "get":
		job, err := t.jobFor(params)
		if err != nil {
			return tools.Errorf("%v", err), nil
		}
		raw, err := json.MarshalIndent(job, "", "  ")
		if err != nil {
			return tools.Errorf("encode job: %v", err), nil
		}
		return string(raw), nil
	case "enable", "disable":
		id, _ := params["id"].(string)
		if id == "" {
			return tools.Errorf("id is required for %s", action), nil
		}
		job, err := t.scheduler.EnableJob(id, action == "enable")
		if err != nil {
			return tools.Errorf("%s job: %v", action, err), nil
		}
		return jobLine(job), nil
	case "remove":
		id, _ := params["id"].(string)
		if id == "" {
			return tools.Errorf("id is required for remove"), nil
		}
		if err := t.scheduler.RemoveJob(id); err != nil {
			return tools.Errorf("remove job: %v", err), nil
		}
		return fmt.Sprintf("Job %s removed.", id), nil
	default:
		return tools.Errorf("unknown action %q", action), nil
	}
}

func (t *Tool) add(params map[string]any, tc *tools.Context) (string, error) {
	name, _ := params["name"].(string)
	if name == "" {
		return tools.Errorf("name is required for add"), nil
	}
	rawSchedule, ok := params["schedule"].(map[string]any)
	if !ok {
		return tools.Errorf("schedule is required for add"), nil
	}
	encoded, err := json.Marshal(rawSchedule)
	if err != nil {
		return tools.Errorf("encode schedule: %v", err), nil
	}
	schedule, err := cron.UnmarshalSchedule(string(encoded))
	if err != nil {
		return tools.Errorf("parse schedule: %v", err), nil
	}

	message, _ := params["message"].(string)
	deliver, _ := params["deliver"].(bool)
	channel, _ := params["channel"].(string)
	to, _ := params["to"].(string)
	deleteAfterRun, _ := params["delete_after_run"].(bool)
	// Delivered jobs default to the chat the tool call came from.
	if deliver && tc != nil {
		if channel == "" {
			channel = tc.Provider
		}
		if to == "" {
			to = tc.ChatID
		}
	}

	job, err := t.scheduler.Add(name, schedule, message, deliver, channel, to, deleteAfterRun)
	if err != nil {
		return tools.Errorf("add job: %v", err), nil
	}
	return "Job added.\n" + jobLine(job), nil
}

func (t *Tool) jobFor(params map[string]any) (*cron.Job, error) {
	id, _ := params["id"].(string)
	if id == "" {
		return nil, fmt.Errorf("id is required")
	}
	job, err := t.scheduler.GetJob(id)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, fmt.Errorf("job %s not found", id)
	}
	return job, nil
}

func jobLine(job *cron.Job) string {
	schedule, _ := cron.MarshalSchedule(job.Schedule)
	state := "disabled"
	if job.Enabled {
		state = "enabled"
	}
	line := fmt.Sprintf("%s %q %s %s next_run_at_ms=%d", job.ID, job.Name, state, schedule, job.State.NextRunAtMs)
	if job.State.LastStatus != "" {
		line += fmt.Sprintf(" last=%s", job.State.LastStatus)
	}
	return line
}
