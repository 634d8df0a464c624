package router

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/orchbot/orchbot/internal/providers"
)

// shortTextChars is the length below which a request is handled once
// without a classification call.
const shortTextChars = 80

var (
	schedulingRe = regexp.MustCompile(`(?i)every (day|hour|week|morning)|remind|schedule|cron|at \d{1,2}(:\d{2})?\s*(am|pm)?|매일|매주|알림|예약`)
	workflowRe   = regexp.MustCompile(`(?i)\bfirst\b.*\bthen\b|step by step|workflow|approv|deploy and|after that|먼저.*그리고|단계|승인`)
	iterateRe    = regexp.MustCompile(`(?i)until (it|they|the|all)|keep (trying|going|fixing)|iterate|repeatedly|될 때까지|반복해서`)
	listItemRe   = regexp.MustCompile(`(?m)^\s*(\d+[.)]|[-*•])\s+\S`)
)

// classify picks the execution mode. Direct textual hints are cheap and
// decide most requests; only ambiguous long text costs a model call.
func (r *Router) classify(ctx context.Context, task string) (Mode, error) {
	switch {
	case schedulingRe.MatchString(task):
		// Scheduling requests resolve to a cron_job tool call in a
		// single turn.
		return ModeOnce, nil
	case workflowRe.MatchString(task):
		return ModeTask, nil
	case iterateRe.MatchString(task):
		return ModeAgent, nil
	case len(listItemRe.FindAllString(task, 4)) >= 3:
		return ModeTask, nil
	case utf8.RuneCountInString(task) < shortTextChars:
		return ModeOnce, nil
	}
	return r.classifyByModel(ctx, task)
}

const classifyInstruction = `Classify the request into an execution mode. Reply with JSON only:
{"mode": "once" | "agent" | "task"}
once = answerable in a single turn, agent = open-ended iteration, task = multi-step workflow.`

func (r *Router) classifyByModel(ctx context.Context, task string) (Mode, error) {
	resp, err := r.complete(ctx, &providers.Request{
		System:   classifyInstruction,
		Messages: []providers.Message{{Role: "user", Content: task}},
	}, nil)
	if err != nil {
		return ModeOnce, err
	}
	var parsed struct {
		Mode string `json:"mode"`
	}
	content := resp.Content
	if start := strings.IndexByte(content, '{'); start >= 0 {
		if end := strings.LastIndexByte(content, '}'); end > start {
			content = content[start : end+1]
		}
	}
	if err := json.Unmarshal([]byte(content), &parsed); err != nil {
		return ModeOnce, nil
	}
	switch Mode(parsed.Mode) {
	case ModeAgent:
		return ModeAgent, nil
	case ModeTask:
		return ModeTask, nil
	default:
		return ModeOnce, nil
	}
}
