// Package router classifies inbound requests and drives the once, agent,
// and task execution loops against the configured providers.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"

	"github.com/orchbot/orchbot/internal/providers"
	"github.com/orchbot/orchbot/internal/skills"
	"github.com/orchbot/orchbot/internal/tools"
	"github.com/orchbot/orchbot/internal/tools/message"
	"github.com/orchbot/orchbot/internal/vault"
	"github.com/orchbot/orchbot/pkg/models"
)

// Mode is the execution strategy chosen for a request.
type Mode string

const (
	ModeOnce  Mode = "once"
	ModeAgent Mode = "agent"
	ModeTask  Mode = "task"
)

// Escalation tokens an orchestrator reply may lead with.
const (
	NeedTaskLoop  = "NEED_TASK_LOOP"
	NeedAgentLoop = "NEED_AGENT_LOOP"
)

// Defaults for loop bounds and output clipping.
const (
	DefaultAgentLoopMaxTurns  = 8
	DefaultMaxToolResultChars = 4000
	maxHistoryTurns           = 8
)

// Request is one routed inbound message.
type Request struct {
	Msg     models.InboundMessage
	History []models.ChatTurn
	// Alias is the agent identity addressed by the user, used in task ids.
	Alias  string
	Stream providers.StreamFunc
}

// Result is the routing outcome.
type Result struct {
	Reply             string `json:"reply"`
	Mode              Mode   `json:"mode"`
	ToolCallsCount    int    `json:"tool_calls_count"`
	Streamed          bool   `json:"streamed"`
	StreamFullContent string `json:"stream_full_content,omitempty"`
	// SuppressReply means a tool already delivered the user-facing output.
	SuppressReply bool   `json:"suppress_reply,omitempty"`
	Waiting       string `json:"waiting,omitempty"` // file_request_waiting | waiting_approval
}

// Config wires the router.
type Config struct {
	Vault     *vault.Vault
	Skills    *skills.Registry
	Tools     *tools.Registry
	Providers *providers.Manager

	AgentLoopMaxTurns  int
	MaxToolResultChars int
	Logger             *slog.Logger
}

// Router executes the orchestration pipeline for inbound messages.
type Router struct {
	cfg Config
}

// New creates a router.
func New(cfg Config) *Router {
	if cfg.AgentLoopMaxTurns <= 0 {
		cfg.AgentLoopMaxTurns = DefaultAgentLoopMaxTurns
	}
	if cfg.MaxToolResultChars <= 0 {
		cfg.MaxToolResultChars = DefaultMaxToolResultChars
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default().With("component", "router")
	}
	return &Router{cfg: cfg}
}

// Execute routes one request end to end.
func (r *Router) Execute(ctx context.Context, req *Request) (*Result, error) {
	sealed := r.sealInbound(req.Msg.Content)
	task := composeTask(sealed, req.Msg.Media)

	// Secret gate: unresolved references stop the pipeline before any
	// model sees the text.
	if notice := r.secretGate(task, req.Msg.Media); notice != "" {
		return &Result{Reply: notice, Mode: ModeOnce}, nil
	}

	selected := r.selectSkills(task)
	skillTools := skills.RequiredTools(selected)

	mode, err := r.classify(ctx, task)
	if err != nil {
		r.cfg.Logger.Warn("mode classification failed, defaulting to once", "error", err)
		mode = ModeOnce
	}
	toolNames := r.selectTools(mode, task, skillTools)

	system := r.composeSystem(req, selected)
	contextMsg := composeContext(task, req.History)

	switch mode {
	case ModeAgent:
		return r.runAgent(ctx, req, system, contextMsg, toolNames)
	case ModeTask:
		return r.runTask(ctx, req, system, contextMsg, toolNames)
	default:
		return r.runOnce(ctx, req, system, contextMsg, toolNames)
	}
}

// Pattern redactor applied after vault masking: credentials that were
// never stored as secrets still get sealed.
var redactPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\bsk-[A-Za-z0-9_-]{16,}\b`),
	regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._~+/-]{16,}=*`),
	regexp.MustCompile(`(?i)\b(password|passwd|pwd)\s*[:=]\s*\S+`),
	regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`),
}

func (r *Router) sealInbound(text string) string {
	if r.cfg.Vault != nil {
		text = r.cfg.Vault.MaskKnownSecrets(text)
	}
	for _, re := range redactPatterns {
		text = re.ReplaceAllString(text, "[REDACTED]")
	}
	return text
}

// composeTask merges the sealed content with media references into one
// task block.
func composeTask(content string, media []models.Attachment) string {
	if len(media) == 0 {
		return content
	}
	var b strings.Builder
	b.WriteString(content)
	b.WriteString("\n\nAttached media:\n")
	for _, att := range media {
		fmt.Fprintf(&b, "- [%s] %s", att.Type, att.URL)
		if att.Filename != "" {
			fmt.Fprintf(&b, " (%s)", att.Filename)
		}
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}

// secretGate returns a user-facing notice when secret references cannot
// be resolved, or "" when the pipeline may proceed.
func (r *Router) secretGate(task string, media []models.Attachment) string {
	if r.cfg.Vault == nil {
		return ""
	}
	combined := task
	for _, att := range media {
		combined += "\n" + att.URL
	}
	report := r.cfg.Vault.InspectReferences(combined)
	if report.Empty() {
		return ""
	}
	var b strings.Builder
	b.WriteString("Cannot proceed: unresolved secret references.\n")
	if len(report.MissingKeys) > 0 {
		fmt.Fprintf(&b, "Missing secrets: %s\n", strings.Join(report.MissingKeys, ", "))
	}
	if len(report.InvalidCiphertexts) > 0 {
		fmt.Fprintf(&b, "Invalid ciphertext tokens: %d\n", len(report.InvalidCiphertexts))
	}
	b.WriteString("Store them with the secret tool and try again.")
	return b.String()
}

func (r *Router) selectSkills(task string) []*skills.Skill {
	if r.cfg.Skills == nil {
		return nil
	}
	return r.cfg.Skills.Select(task, 3)
}

// Keyword rules mapping request language to tool categories.
var toolCategoryRules = []struct {
	pattern *regexp.Regexp
	tools   []string
}{
	{regexp.MustCompile(`(?i)search|look up|검색|찾아`), []string{"web_search", "web_fetch"}},
	{regexp.MustCompile(`(?i)\burl\b|https?://|browse|웹`), []string{"web_fetch", "web_browser"}},
	{regexp.MustCompile(`(?i)\bfile\b|read|write|edit|파일|읽어|저장`), []string{"read_file", "write_file", "edit_file", "list_dir"}},
	{regexp.MustCompile(`(?i)\brun\b|command|shell|script|실행|명령`), []string{"exec"}},
	{regexp.MustCompile(`(?i)schedule|remind|cron|every day|매일|알림|예약`), []string{"cron_job"}},
	{regexp.MustCompile(`(?i)secret|credential|api.?key|비밀`), []string{"secret"}},
}

// selectTools picks the tool subset for a mode. Agent and task loops get
// every registered tool; once gets only skill-required tools plus keyword
// category hits, and an empty set means a direct response.
func (r *Router) selectTools(mode Mode, task string, skillTools []string) []string {
	if r.cfg.Tools == nil {
		return nil
	}
	available := map[string]bool{}
	for _, name := range r.cfg.Tools.Names() {
		available[name] = true
	}
	if mode != ModeOnce {
		names := make([]string, 0, len(available))
		for name := range available {
			names = append(names, name)
		}
		sort.Strings(names)
		return names
	}
	picked := map[string]bool{}
	for _, name := range skillTools {
		if available[name] {
			picked[name] = true
		}
	}
	for _, rule := range toolCategoryRules {
		if rule.pattern.MatchString(task) {
			for _, name := range rule.tools {
				if available[name] {
					picked[name] = true
				}
			}
		}
	}
	names := make([]string, 0, len(picked))
	for name := range picked {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Router) composeSystem(req *Request, selected []*skills.Skill) string {
	var b strings.Builder
	alias := req.Alias
	if alias == "" {
		alias = "orchbot"
	}
	fmt.Fprintf(&b, "You are %s, a multi-channel orchestration agent.\n", alias)
	for _, skill := range selected {
		fmt.Fprintf(&b, "\n[skill:%s]\n%s\n", skill.Name, skill.Content)
	}
	return b.String()
}

// composeContext assembles the bounded recent history and current request.
func composeContext(task string, history []models.ChatTurn) string {
	if len(history) > maxHistoryTurns {
		history = history[len(history)-maxHistoryTurns:]
	}
	var b strings.Builder
	if len(history) > 0 {
		b.WriteString("Recent conversation:\n")
		for _, turn := range history {
			fmt.Fprintf(&b, "%s: %s\n", turn.Role, turn.Content)
		}
		b.WriteString("\n")
	}
	b.WriteString("Current request:\n")
	b.WriteString(task)
	return b.String()
}

// toolSpecs builds provider tool specs for a name subset.
func (r *Router) toolSpecs(names []string) []providers.ToolSpec {
	if r.cfg.Tools == nil || len(names) == 0 {
		return nil
	}
	want := map[string]bool{}
	for _, name := range names {
		want[name] = true
	}
	var specs []providers.ToolSpec
	for _, schema := range r.cfg.Tools.Schemas() {
		name, _ := schema["name"].(string)
		if !want[name] {
			continue
		}
		description, _ := schema["description"].(string)
		raw, err := json.Marshal(schema["parameters"])
		if err != nil {
			continue
		}
		specs = append(specs, providers.ToolSpec{Name: name, Description: description, Schema: raw})
	}
	return specs
}

// escalation returns the mode a reply escalates to, if its first line
// starts with an exact escalation token.
func escalation(content string) (Mode, bool) {
	firstLine := content
	if idx := strings.IndexByte(firstLine, '\n'); idx >= 0 {
		firstLine = firstLine[:idx]
	}
	fields := strings.Fields(firstLine)
	if len(fields) == 0 {
		return "", false
	}
	switch fields[0] {
	case NeedTaskLoop:
		return ModeTask, true
	case NeedAgentLoop:
		return ModeAgent, true
	}
	return "", false
}

// complete runs a provider call with the claude_code→chatgpt fallback.
func (r *Router) complete(ctx context.Context, preq *providers.Request, stream providers.StreamFunc) (*providers.Response, error) {
	primary, err := r.cfg.Providers.Primary()
	if err != nil {
		return nil, err
	}
	resp, err := primary.Complete(ctx, preq, stream)
	if err == nil {
		return resp, nil
	}
	fallback := r.cfg.Providers.Fallback(primary.Name())
	if fallback == nil {
		return nil, err
	}
	r.cfg.Logger.Warn("primary provider failed, retrying with fallback",
		"primary", primary.Name(), "fallback", fallback.Name(), "error", err)
	return fallback.Complete(ctx, preq, stream)
}

// toolCallState tracks the side effects of dispatched tool calls.
type toolCallState struct {
	suppress      bool
	fileRequested bool
	count         int
}

// dispatchCall executes one tool call and updates the state.
func (r *Router) dispatchCall(ctx context.Context, call models.ToolCall, tc *tools.Context, state *toolCallState) string {
	var params map[string]any
	if err := json.Unmarshal(call.Arguments, &params); err != nil {
		params = map[string]any{}
	}
	state.count++
	switch call.Name {
	case "message":
		if message.DonePhase(params) {
			state.suppress = true
		}
	case "request_file":
		state.fileRequested = true
	}
	result := r.cfg.Tools.Execute(ctx, call.Name, params, tc)
	return tools.TruncateResult(result, r.cfg.MaxToolResultChars)
}

func (r *Router) toolContext(req *Request) *tools.Context {
	alias := req.Alias
	if alias == "" {
		alias = "orchbot"
	}
	return &tools.Context{
		TaskID:   fmt.Sprintf("task:%s:%s:%s", req.Msg.Provider, req.Msg.ChatID, alias),
		Provider: string(req.Msg.Provider),
		ChatID:   req.Msg.ChatID,
		ThreadID: req.Msg.ThreadID,
		SenderID: req.Msg.SenderID,
	}
}
