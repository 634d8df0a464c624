package router

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/orchbot/orchbot/internal/providers"
)

// streamState wraps the caller's stream callback so the result can report
// whether anything was streamed and carry the full streamed text.
type streamState struct {
	fn providers.StreamFunc

	mu      sync.Mutex
	content strings.Builder
	chunks  int
}

func newStreamState(fn providers.StreamFunc) *streamState {
	return &streamState{fn: fn}
}

// Func returns the StreamFunc to hand to providers, or nil when the
// caller did not ask for streaming.
func (s *streamState) Func() providers.StreamFunc {
	if s.fn == nil {
		return nil
	}
	return func(chunk string) {
		s.mu.Lock()
		s.content.WriteString(chunk)
		s.chunks++
		s.mu.Unlock()
		s.fn(chunk)
	}
}

func (s *streamState) fill(res *Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.chunks > 0 {
		res.Streamed = true
		res.StreamFullContent = s.content.String()
	}
}

const onceNoToolOverlay = `Handle the request directly and concisely.
If it actually needs a multi-step workflow, reply with the exact token NEED_TASK_LOOP on the first line.
If it needs open-ended iteration, reply with the exact token NEED_AGENT_LOOP on the first line.`

const onceFollowupInstruction = `Use the tool results above to give a concise final answer in the user's language. Do not call more tools.`

// runOnce handles single-turn requests. With tools selected it allows one
// round of inline tool calls followed by a synthesis call; without tools
// it queries the orchestrator directly with an escalation overlay.
func (r *Router) runOnce(ctx context.Context, req *Request, system, contextMsg string, toolNames []string) (*Result, error) {
	stream := newStreamState(req.Stream)
	state := &toolCallState{}
	tc := r.toolContext(req)

	preq := &providers.Request{
		System:   system,
		Messages: []providers.Message{{Role: "user", Content: contextMsg}},
	}
	if len(toolNames) > 0 {
		preq.Tools = r.toolSpecs(toolNames)
	} else {
		preq.System = system + "\n" + onceNoToolOverlay
	}

	resp, err := r.complete(ctx, preq, stream.Func())
	if err != nil {
		return nil, fmt.Errorf("once dispatch: %w", err)
	}

	if mode, ok := escalation(resp.Content); ok {
		return r.escalate(ctx, req, system, contextMsg, mode)
	}

	reply := resp.Content
	if len(resp.ToolCalls) > 0 {
		var results strings.Builder
		results.WriteString("[TOOL_RESULTS]\n")
		for _, call := range resp.ToolCalls {
			result := r.dispatchCall(ctx, call, tc, state)
			fmt.Fprintf(&results, "%s: %s\n", call.Name, result)
		}
		followup := &providers.Request{
			System: system,
			Messages: []providers.Message{
				{Role: "user", Content: contextMsg},
				{Role: "assistant", Content: resp.Content, ToolCalls: resp.ToolCalls},
				{Role: "user", Content: results.String() + "\n" + onceFollowupInstruction},
			},
		}
		final, err := r.complete(ctx, followup, stream.Func())
		if err != nil {
			return nil, fmt.Errorf("once synthesis: %w", err)
		}
		if mode, ok := escalation(final.Content); ok {
			return r.escalate(ctx, req, system, contextMsg, mode)
		}
		reply = final.Content
	}

	res := &Result{Reply: reply, Mode: ModeOnce, ToolCallsCount: state.count, SuppressReply: state.suppress}
	stream.fill(res)
	return res, nil
}

func (r *Router) escalate(ctx context.Context, req *Request, system, contextMsg string, mode Mode) (*Result, error) {
	// Escalated loops always get the full tool set.
	toolNames := r.selectTools(mode, contextMsg, nil)
	r.cfg.Logger.Info("escalating request", "mode", mode)
	if mode == ModeTask {
		return r.runTask(ctx, req, system, contextMsg, toolNames)
	}
	return r.runAgent(ctx, req, system, contextMsg, toolNames)
}

// runAgent drives the bounded agent loop and wraps it into a Result.
func (r *Router) runAgent(ctx context.Context, req *Request, system, contextMsg string, toolNames []string) (*Result, error) {
	stream := newStreamState(req.Stream)
	state := &toolCallState{}
	reply, err := r.agentLoop(ctx, req, system, []providers.Message{{Role: "user", Content: contextMsg}}, toolNames, state, stream)
	if err != nil {
		return nil, err
	}
	res := &Result{Reply: reply, Mode: ModeAgent, ToolCallsCount: state.count, SuppressReply: state.suppress}
	stream.fill(res)
	return res, nil
}

// agentLoop iterates executor turns, dispatching tool calls between them,
// until the executor answers without tool calls or the turn budget runs out.
func (r *Router) agentLoop(ctx context.Context, req *Request, system string, messages []providers.Message, toolNames []string, state *toolCallState, stream *streamState) (string, error) {
	tc := r.toolContext(req)
	specs := r.toolSpecs(toolNames)
	lastContent := ""

	for turn := 0; turn < r.cfg.AgentLoopMaxTurns; turn++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		resp, err := r.complete(ctx, &providers.Request{System: system, Messages: messages, Tools: specs}, stream.Func())
		if err != nil {
			return "", fmt.Errorf("agent loop turn %d: %w", turn+1, err)
		}
		if len(resp.ToolCalls) == 0 {
			return resp.Content, nil
		}
		if resp.Content != "" {
			lastContent = resp.Content
		}
		messages = append(messages, providers.Message{Role: "assistant", Content: resp.Content, ToolCalls: resp.ToolCalls})
		for _, call := range resp.ToolCalls {
			result := r.dispatchCall(ctx, call, tc, state)
			messages = append(messages, providers.Message{Role: "tool", Content: result, ToolCallID: call.ID})
		}
		if state.fileRequested {
			// No point burning turns while we wait for an upload.
			return lastContent, nil
		}
	}
	r.cfg.Logger.Warn("agent loop exhausted turn budget", "turns", r.cfg.AgentLoopMaxTurns)
	return lastContent, nil
}

const planInstruction = `Produce a short numbered plan (3-6 steps) for the request below. Plan only, no execution.`

const finalizeInstruction = `The workflow above has finished. Summarize the outcome for the user in a few sentences, in the user's language.`

// runTask drives the plan → execute → finalize workflow.
func (r *Router) runTask(ctx context.Context, req *Request, system, contextMsg string, toolNames []string) (*Result, error) {
	stream := newStreamState(req.Stream)
	state := &toolCallState{}
	res := &Result{Mode: ModeTask}

	plan, err := r.complete(ctx, &providers.Request{
		System:   system,
		Messages: []providers.Message{{Role: "user", Content: planInstruction + "\n\n" + contextMsg}},
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("task plan: %w", err)
	}

	seed := []providers.Message{
		{Role: "user", Content: contextMsg},
		{Role: "assistant", Content: "Plan:\n" + plan.Content},
		{Role: "user", Content: "Execute the plan step by step using the available tools. Report progress with the message tool."},
	}
	output, err := r.agentLoop(ctx, req, system, seed, toolNames, state, stream)
	if err != nil {
		return nil, err
	}
	res.ToolCallsCount = state.count

	switch {
	case state.fileRequested:
		res.Waiting = "file_request_waiting"
		res.Reply = output
		stream.fill(res)
		return res, nil
	case state.suppress:
		// A phase=done message already reached the channel.
		res.SuppressReply = true
		stream.fill(res)
		return res, nil
	case strings.Contains(output, "approval_required"):
		res.Waiting = "waiting_approval"
		res.Reply = output
		stream.fill(res)
		return res, nil
	}

	final, err := r.complete(ctx, &providers.Request{
		System: system,
		Messages: []providers.Message{
			{Role: "user", Content: contextMsg},
			{Role: "assistant", Content: output},
			{Role: "user", Content: finalizeInstruction},
		},
	}, stream.Func())
	if err != nil {
		// The work itself succeeded; fall back to the raw output.
		r.cfg.Logger.Warn("task finalize failed", "error", err)
		res.Reply = output
	} else {
		res.Reply = final.Content
	}
	stream.fill(res)
	return res, nil
}

// Announceable reports whether a result warrants a channel reply.
func (res *Result) Announceable() bool {
	return !res.SuppressReply && strings.TrimSpace(res.Reply) != ""
}
