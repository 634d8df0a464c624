package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/orchbot/orchbot/internal/approval"
)

// ApprovalStatus tracks an approval request through its lifecycle.
type ApprovalStatus string

const (
	ApprovalPending   ApprovalStatus = "pending"
	ApprovalApproved  ApprovalStatus = "approved"
	ApprovalDenied    ApprovalStatus = "denied"
	ApprovalDeferred  ApprovalStatus = "deferred"
	ApprovalCancelled ApprovalStatus = "cancelled"
	ApprovalClarify   ApprovalStatus = "clarify"
)

// ApprovalRequest is a paused tool execution awaiting a human decision.
type ApprovalRequest struct {
	ID           string                `json:"id"`
	ToolName     string                `json:"tool_name"`
	Params       map[string]any        `json:"params"`
	Context      Context               `json:"context"`
	Detail       string                `json:"detail"`
	Status       ApprovalStatus        `json:"status"`
	ResponseText string                `json:"response_text,omitempty"`
	Parsed       *approval.ParseResult `json:"parsed,omitempty"`
	CreatedAt    time.Time             `json:"created_at"`
	ResolvedAt   time.Time             `json:"resolved_at,omitempty"`
}

// ApprovalCallback notifies the channel layer about a new pending request.
// Failures are swallowed; a broken notifier must not break tool execution.
type ApprovalCallback func(req *ApprovalRequest)

// Registry stores tools by name and runs them with universal parameter
// validation. Dynamic (installed) tools are tracked separately so they can
// be replaced atomically.
type Registry struct {
	mu       sync.RWMutex
	builtins map[string]Tool
	dynamic  map[string]Tool
	schemas  map[string]*jsonschema.Schema

	approvalsMu sync.Mutex
	approvals   map[string]*ApprovalRequest
	onApproval  ApprovalCallback

	tasksMu sync.Mutex
	tasks   map[string]*BackgroundTask

	logger *slog.Logger
	now    func() time.Time
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		builtins:  make(map[string]Tool),
		dynamic:   make(map[string]Tool),
		schemas:   make(map[string]*jsonschema.Schema),
		approvals: make(map[string]*ApprovalRequest),
		tasks:     make(map[string]*BackgroundTask),
		logger:    slog.Default().With("component", "tools"),
		now:       time.Now,
	}
}

// SetApprovalCallback installs the pending-request notifier.
func (r *Registry) SetApprovalCallback(cb ApprovalCallback) {
	r.approvalsMu.Lock()
	r.onApproval = cb
	r.approvalsMu.Unlock()
}

// Register adds a built-in tool. Names must be unique across built-ins.
func (r *Registry) Register(tool Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := tool.Name()
	if _, exists := r.builtins[name]; exists {
		return fmt.Errorf("tool %q already registered", name)
	}
	compiled, err := compileSchema(name, tool.Schema())
	if err != nil {
		return fmt.Errorf("tool %q schema: %w", name, err)
	}
	r.builtins[name] = tool
	r.schemas[name] = compiled
	return nil
}

// SetDynamicTools atomically replaces the installed-tool subset without
// touching built-ins. Dynamic names shadowed by built-ins are rejected.
func (r *Registry) SetDynamicTools(list []Tool) error {
	next := make(map[string]Tool, len(list))
	nextSchemas := make(map[string]*jsonschema.Schema, len(list))
	r.mu.RLock()
	for _, tool := range list {
		name := tool.Name()
		if _, exists := r.builtins[name]; exists {
			r.mu.RUnlock()
			return fmt.Errorf("dynamic tool %q shadows a built-in", name)
		}
		compiled, err := compileSchema(name, tool.Schema())
		if err != nil {
			r.mu.RUnlock()
			return fmt.Errorf("dynamic tool %q schema: %w", name, err)
		}
		next[name] = tool
		nextSchemas[name] = compiled
	}
	r.mu.RUnlock()

	r.mu.Lock()
	for name := range r.dynamic {
		delete(r.schemas, name)
	}
	r.dynamic = next
	for name, schema := range nextSchemas {
		r.schemas[name] = schema
	}
	r.mu.Unlock()
	return nil
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if t, ok := r.builtins[name]; ok {
		return t, true
	}
	t, ok := r.dynamic[name]
	return t, ok
}

// Names returns all registered tool names sorted ascending.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.builtins)+len(r.dynamic))
	for n := range r.builtins {
		names = append(names, n)
	}
	for n := range r.dynamic {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Schemas returns the name, description, and parameter schema of every
// registered tool, for provider prompt assembly.
func (r *Registry) Schemas() []map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []map[string]any
	for _, set := range []map[string]Tool{r.builtins, r.dynamic} {
		for _, tool := range set {
			out = append(out, map[string]any{
				"name":        tool.Name(),
				"description": tool.Description(),
				"parameters":  json.RawMessage(tool.Schema()),
			})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i]["name"].(string) < out[j]["name"].(string)
	})
	return out
}

func compileSchema(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	url := "tool://" + name + ".json"
	if err := compiler.AddResource(url, strings.NewReader(string(raw))); err != nil {
		return nil, err
	}
	return compiler.Compile(url)
}

// ValidateParams checks params against the tool's schema and returns the
// violations as strings.
func (r *Registry) ValidateParams(name string, params map[string]any) []string {
	r.mu.RLock()
	schema := r.schemas[name]
	r.mu.RUnlock()
	if schema == nil {
		return []string{fmt.Sprintf("no schema for tool %q", name)}
	}
	// __approved is spliced in by the approval path, never declared.
	instance := make(map[string]any, len(params))
	for k, v := range params {
		if k == "__approved" {
			continue
		}
		instance[k] = v
	}
	if err := schema.Validate(normalizeInstance(instance)); err != nil {
		var ve *jsonschema.ValidationError
		if ok := asValidationError(err, &ve); ok {
			var out []string
			for _, cause := range flattenCauses(ve) {
				out = append(out, cause)
			}
			return out
		}
		return []string{err.Error()}
	}
	return nil
}

func asValidationError(err error, target **jsonschema.ValidationError) bool {
	ve, ok := err.(*jsonschema.ValidationError)
	if ok {
		*target = ve
	}
	return ok
}

func flattenCauses(ve *jsonschema.ValidationError) []string {
	if len(ve.Causes) == 0 {
		loc := strings.TrimPrefix(ve.InstanceLocation, "/")
		if loc == "" {
			return []string{ve.Message}
		}
		return []string{loc + ": " + ve.Message}
	}
	var out []string
	for _, cause := range ve.Causes {
		out = append(out, flattenCauses(cause)...)
	}
	return out
}

// normalizeInstance converts params through JSON so numeric types match
// what the schema validator expects.
func normalizeInstance(params map[string]any) any {
	raw, err := json.Marshal(params)
	if err != nil {
		return params
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return params
	}
	return out
}

const remediationHint = "Check the tool's parameter schema and retry with corrected arguments."

// Execute runs a tool synchronously, applying validation, the approval
// lifecycle, and error remediation hints.
func (r *Registry) Execute(ctx context.Context, name string, params map[string]any, tc *Context) string {
	tool, ok := r.Get(name)
	if !ok {
		return Errorf("Unknown tool %q. Available tools: %s", name, strings.Join(r.Names(), ", "))
	}
	if violations := r.ValidateParams(name, params); len(violations) > 0 {
		return Errorf("Invalid parameters: %s. %s", strings.Join(violations, "; "), remediationHint)
	}
	result, err := tool.Execute(ctx, params, tc)
	if err != nil {
		result = Errorf("%v", err)
	}
	if IsApprovalRequired(result) {
		if Approved(params) {
			// Already human-approved and the tool still refuses; surface
			// the refusal instead of opening another request.
			return result
		}
		req := r.createApprovalRequest(name, params, tc, approvalDetail(result))
		return result + fmt.Sprintf("\napproval_request_id: %s\nReply yes/no (or 승인/거절) to decide.", req.ID)
	}
	if IsError(result) {
		return result + "\n" + remediationHint
	}
	return result
}

func approvalDetail(result string) string {
	detail := strings.TrimPrefix(result, ApprovalRequiredPrefix)
	return strings.TrimSpace(detail)
}

func (r *Registry) createApprovalRequest(name string, params map[string]any, tc *Context, detail string) *ApprovalRequest {
	req := &ApprovalRequest{
		ID:        uuid.NewString()[:8],
		ToolName:  name,
		Params:    cloneParams(params),
		Detail:    detail,
		Status:    ApprovalPending,
		CreatedAt: r.now(),
	}
	if tc != nil {
		req.Context = *tc
	}
	r.approvalsMu.Lock()
	r.approvals[req.ID] = req
	cb := r.onApproval
	r.approvalsMu.Unlock()

	if cb != nil {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					r.logger.Warn("approval callback panicked", "panic", rec)
				}
			}()
			cb(cloneRequest(req))
		}()
	}
	return req
}

// ListApprovalRequests returns requests, optionally only pending ones,
// newest first.
func (r *Registry) ListApprovalRequests(pendingOnly bool) []*ApprovalRequest {
	r.approvalsMu.Lock()
	defer r.approvalsMu.Unlock()
	var out []*ApprovalRequest
	for _, req := range r.approvals {
		if pendingOnly && req.Status != ApprovalPending {
			continue
		}
		out = append(out, cloneRequest(req))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// GetApprovalRequest returns one request by id.
func (r *Registry) GetApprovalRequest(id string) (*ApprovalRequest, bool) {
	r.approvalsMu.Lock()
	defer r.approvalsMu.Unlock()
	req, ok := r.approvals[id]
	if !ok {
		return nil, false
	}
	return cloneRequest(req), true
}

// ResolveApprovalRequest parses the response text and transitions the
// request. Terminal requests are frozen.
func (r *Registry) ResolveApprovalRequest(id, responseText string) (*ApprovalRequest, error) {
	r.approvalsMu.Lock()
	defer r.approvalsMu.Unlock()
	req, ok := r.approvals[id]
	if !ok {
		return nil, fmt.Errorf("approval request %s not found", id)
	}
	if req.Status != ApprovalPending {
		return cloneRequest(req), fmt.Errorf("approval request %s already %s", id, req.Status)
	}
	parsed := approval.Parse(responseText)
	switch parsed.Decision {
	case approval.DecisionApprove:
		req.Status = ApprovalApproved
	case approval.DecisionDeny:
		req.Status = ApprovalDenied
	case approval.DecisionDefer:
		req.Status = ApprovalDeferred
	case approval.DecisionCancel:
		req.Status = ApprovalCancelled
	case approval.DecisionClarify:
		req.Status = ApprovalClarify
	default:
		return cloneRequest(req), fmt.Errorf("could not parse decision from %q", responseText)
	}
	req.ResponseText = responseText
	req.Parsed = &parsed
	req.ResolvedAt = r.now()
	return cloneRequest(req), nil
}

// ExecuteApprovedRequest re-runs an approved tool with __approved spliced
// into its params. A tool that still refuses is reported as such.
func (r *Registry) ExecuteApprovedRequest(ctx context.Context, id string) (string, error) {
	r.approvalsMu.Lock()
	req, ok := r.approvals[id]
	if !ok {
		r.approvalsMu.Unlock()
		return "", fmt.Errorf("approval request %s not found", id)
	}
	if req.Status != ApprovalApproved {
		r.approvalsMu.Unlock()
		return "", fmt.Errorf("approval request %s is %s, not approved", id, req.Status)
	}
	params := cloneParams(req.Params)
	tc := req.Context
	name := req.ToolName
	r.approvalsMu.Unlock()

	params["__approved"] = true
	result := r.Execute(ctx, name, params, &tc)
	if IsApprovalRequired(result) {
		return "", fmt.Errorf("tool %s still_requires_approval", name)
	}
	return result, nil
}

func cloneParams(params map[string]any) map[string]any {
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = v
	}
	return out
}

func cloneRequest(req *ApprovalRequest) *ApprovalRequest {
	c := *req
	c.Params = cloneParams(req.Params)
	if req.Parsed != nil {
		p := *req.Parsed
		c.Parsed = &p
	}
	return &c
}
