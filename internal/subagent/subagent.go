// Package subagent runs short-lived isolated agents, each solving one
// assigned task through a controller/executor loop.
package subagent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/orchbot/orchbot/internal/providers"
	"github.com/orchbot/orchbot/internal/stream"
	"github.com/orchbot/orchbot/internal/tools"
	"github.com/orchbot/orchbot/pkg/models"
)

// Status is a subagent run's lifecycle state. Terminal states are frozen.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

func (s Status) terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Loop bounds.
const (
	DefaultMaxIterations = 15
	maxToolRounds        = 5

	streamFlushInterval = 1500 * time.Millisecond
	streamFlushMinChars = 120
)

// Ref is the externally visible state of one subagent run.
type Ref struct {
	ID         string    `json:"id"`
	ParentID   string    `json:"parent_id,omitempty"`
	Task       string    `json:"task"`
	Status     Status    `json:"status"`
	LastResult string    `json:"last_result,omitempty"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// directive is the controller's strict-JSON reply.
type directive struct {
	Done           bool      `json:"done"`
	ExecutorPrompt string    `json:"executor_prompt"`
	FinalAnswer    string    `json:"final_answer"`
	Reason         string    `json:"reason"`
	Handoffs       []handoff `json:"handoffs"`
}

type handoff struct {
	Alias       string `json:"alias"`
	Instruction string `json:"instruction"`
}

func (h handoff) key() string {
	return h.Alias + "\x00" + h.Instruction
}

// Config wires a registry to its collaborators.
type Config struct {
	// Controller plans each iteration; Executor does the work.
	Controller providers.Provider
	Executor   providers.Provider
	Tools      *tools.Registry
	// Send delivers handoff mentions and streamed progress to the chat the
	// subagent was spawned from.
	Send func(ctx context.Context, msg models.OutboundMessage) error
	// Announce republishes the final result as an inbound message so the
	// outer orchestrator can react to it.
	Announce func(ctx context.Context, msg models.InboundMessage)

	MaxIterations int
	Logger        *slog.Logger
}

type run struct {
	ref    Ref
	origin tools.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// Registry owns every live and finished subagent run.
type Registry struct {
	cfg Config

	mu   sync.Mutex
	runs map[string]*run
}

// NewRegistry creates a subagent registry.
func NewRegistry(cfg Config) *Registry {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default().With("component", "subagent")
	}
	return &Registry{cfg: cfg, runs: map[string]*run{}}
}

// Spawn starts a subagent for a task and returns its id immediately.
// The origin context names the chat that receives handoffs and results.
func (r *Registry) Spawn(task string, origin tools.Context, parentID string) string {
	ctx, cancel := context.WithCancel(context.Background())
	now := time.Now()
	sr := &run{
		ref: Ref{
			ID:        uuid.NewString()[:8],
			ParentID:  parentID,
			Task:      task,
			Status:    StatusRunning,
			CreatedAt: now,
			UpdatedAt: now,
		},
		origin: origin,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	r.mu.Lock()
	r.runs[sr.ref.ID] = sr
	r.mu.Unlock()

	go func() {
		defer close(sr.done)
		result, err := r.loop(ctx, sr)
		switch {
		case ctx.Err() != nil:
			r.finish(sr.ref.ID, StatusCancelled, result, ctx.Err())
		case err != nil:
			r.finish(sr.ref.ID, StatusFailed, result, err)
		default:
			r.finish(sr.ref.ID, StatusCompleted, result, nil)
		}
	}()
	return sr.ref.ID
}

// Get returns a snapshot of one run.
func (r *Registry) Get(id string) (Ref, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sr, ok := r.runs[id]
	if !ok {
		return Ref{}, false
	}
	return sr.ref, true
}

// List returns snapshots of every run.
func (r *Registry) List() []Ref {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Ref, 0, len(r.runs))
	for _, sr := range r.runs {
		out = append(out, sr.ref)
	}
	return out
}

// Cancel aborts one run. Terminal runs are unaffected.
func (r *Registry) Cancel(id string) bool {
	r.mu.Lock()
	sr, ok := r.runs[id]
	if !ok || sr.ref.Status.terminal() {
		r.mu.Unlock()
		return false
	}
	r.mu.Unlock()
	sr.cancel()
	return true
}

// CancelByParent cascades cancellation to every live child of a parent id.
func (r *Registry) CancelByParent(parentID string) int {
	r.mu.Lock()
	var ids []string
	for id, sr := range r.runs {
		if sr.ref.ParentID == parentID && !sr.ref.Status.terminal() {
			ids = append(ids, id)
		}
	}
	r.mu.Unlock()
	for _, id := range ids {
		r.Cancel(id)
	}
	return len(ids)
}

// Wait blocks until a run finishes. Test helper and shutdown aid.
func (r *Registry) Wait(id string) {
	r.mu.Lock()
	sr, ok := r.runs[id]
	r.mu.Unlock()
	if ok {
		<-sr.done
	}
}

// finish transitions a run to a terminal state. Terminal states are
// monotonic; a second transition is ignored.
func (r *Registry) finish(id string, status Status, result string, err error) {
	r.mu.Lock()
	sr, ok := r.runs[id]
	if !ok || sr.ref.Status.terminal() {
		r.mu.Unlock()
		return
	}
	sr.ref.Status = status
	sr.ref.LastResult = result
	if err != nil {
		sr.ref.Error = err.Error()
	}
	sr.ref.UpdatedAt = time.Now()
	ref := sr.ref
	origin := sr.origin
	r.mu.Unlock()

	r.cfg.Logger.Info("subagent finished", "id", ref.ID, "status", string(status))
	if r.cfg.Announce == nil {
		return
	}
	var content string
	switch status {
	case StatusCompleted:
		content = fmt.Sprintf("[subagent %s done] %s", ref.ID, result)
	case StatusCancelled:
		content = fmt.Sprintf("[subagent %s cancelled] Error: %s", ref.ID, ref.Error)
	default:
		return
	}
	r.cfg.Announce(context.Background(), models.InboundMessage{
		ID:       "subagent:" + ref.ID,
		Provider: models.ChannelType(origin.Provider),
		SenderID: "subagent",
		ChatID:   origin.ChatID,
		ThreadID: origin.ThreadID,
		Content:  content,
		Metadata: map[string]any{"subagent_id": ref.ID},
		At:       time.Now(),
	})
}

func (r *Registry) loop(ctx context.Context, sr *run) (string, error) {
	seenHandoffs := map[string]bool{}
	lastOutput := ""
	for iteration := 1; iteration <= r.cfg.MaxIterations; iteration++ {
		if ctx.Err() != nil {
			return lastOutput, ctx.Err()
		}
		dir, err := r.callController(ctx, sr.ref.Task, iteration, lastOutput)
		if err != nil {
			return lastOutput, err
		}
		for _, h := range dir.Handoffs {
			if h.Alias == "" || seenHandoffs[h.key()] {
				continue
			}
			seenHandoffs[h.key()] = true
			r.sendHandoff(ctx, sr.origin, h)
		}
		if dir.Done {
			if dir.FinalAnswer != "" {
				return dir.FinalAnswer, nil
			}
			return lastOutput, nil
		}
		if strings.TrimSpace(dir.ExecutorPrompt) == "" {
			return lastOutput, nil
		}
		output, err := r.callExecutor(ctx, sr, dir.ExecutorPrompt)
		if err != nil {
			return lastOutput, err
		}
		lastOutput = output
	}
	return lastOutput, nil
}

const controllerInstruction = `You are the controller of a task-solving loop.
Reply with strict JSON only, no prose:
{"done":bool,"executor_prompt":string,"final_answer":string,"reason":string,"handoffs":[{"alias":string,"instruction":string}]}
Set done=true with final_answer when the task is solved.`

func (r *Registry) callController(ctx context.Context, task string, iteration int, lastOutput string) (*directive, error) {
	payload, err := json.Marshal(map[string]any{
		"task":                 task,
		"iteration":            iteration,
		"last_executor_output": lastOutput,
	})
	if err != nil {
		return nil, err
	}
	resp, err := r.cfg.Controller.Complete(ctx, &providers.Request{
		System:   controllerInstruction,
		Messages: []providers.Message{{Role: "user", Content: string(payload)}},
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("controller: %w", err)
	}
	dir, err := parseDirective(resp.Content)
	if err != nil {
		return nil, fmt.Errorf("controller reply: %w", err)
	}
	return dir, nil
}

// parseDirective extracts the JSON object from a possibly chatty reply.
func parseDirective(content string) (*directive, error) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object in %q", content)
	}
	var dir directive
	if err := json.Unmarshal([]byte(content[start:end+1]), &dir); err != nil {
		return nil, err
	}
	return &dir, nil
}

func (r *Registry) sendHandoff(ctx context.Context, origin tools.Context, h handoff) {
	if r.cfg.Send == nil {
		return
	}
	err := r.cfg.Send(ctx, models.OutboundMessage{
		Provider: models.ChannelType(origin.Provider),
		ChatID:   origin.ChatID,
		ThreadID: origin.ThreadID,
		Content:  fmt.Sprintf("@%s %s", h.Alias, h.Instruction),
	})
	if err != nil {
		r.cfg.Logger.Warn("handoff send failed", "alias", h.Alias, "error", err)
	}
}

// callExecutor runs one clean single-turn executor prompt with a bounded
// inner tool loop.
func (r *Registry) callExecutor(ctx context.Context, sr *run, prompt string) (string, error) {
	buf := stream.NewBuffer()
	streamFn := func(chunk string) {
		buf.Append(chunk)
		if buf.ShouldFlush(streamFlushInterval, streamFlushMinChars) {
			r.flushProgress(ctx, sr, buf)
		}
	}

	messages := []providers.Message{{Role: "user", Content: prompt}}
	var specs []providers.ToolSpec
	if r.cfg.Tools != nil {
		for _, schema := range r.cfg.Tools.Schemas() {
			name, _ := schema["name"].(string)
			description, _ := schema["description"].(string)
			raw, err := json.Marshal(schema["parameters"])
			if err != nil {
				continue
			}
			specs = append(specs, providers.ToolSpec{Name: name, Description: description, Schema: raw})
		}
	}

	var resp *providers.Response
	var err error
	for round := 0; round <= maxToolRounds; round++ {
		resp, err = r.cfg.Executor.Complete(ctx, &providers.Request{
			Messages: messages,
			Tools:    specs,
		}, streamFn)
		if err != nil {
			return "", fmt.Errorf("executor: %w", err)
		}
		if len(resp.ToolCalls) == 0 || r.cfg.Tools == nil || round == maxToolRounds {
			break
		}
		messages = append(messages, providers.Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		for _, call := range resp.ToolCalls {
			var params map[string]any
			if err := json.Unmarshal(call.Arguments, &params); err != nil {
				params = map[string]any{}
			}
			result := r.cfg.Tools.Execute(ctx, call.Name, params, &sr.origin)
			messages = append(messages, providers.Message{
				Role:       "tool",
				Content:    result,
				ToolCallID: call.ID,
			})
		}
	}
	r.flushProgress(ctx, sr, buf)
	return resp.Content, nil
}

// flushProgress forwards buffered stream output to the origin chat.
func (r *Registry) flushProgress(ctx context.Context, sr *run, buf *stream.Buffer) {
	if r.cfg.Send == nil {
		return
	}
	chunk := buf.Flush()
	if chunk == "" {
		return
	}
	err := r.cfg.Send(ctx, models.OutboundMessage{
		Provider: models.ChannelType(sr.origin.Provider),
		ChatID:   sr.origin.ChatID,
		ThreadID: sr.origin.ThreadID,
		Content:  chunk,
	})
	if err != nil {
		r.cfg.Logger.Warn("stream flush failed", "id", sr.ref.ID, "error", err)
	}
}
