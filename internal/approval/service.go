package approval

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/orchbot/orchbot/pkg/models"
)

// Request is the service's view of a pending approval request.
type Request struct {
	ID       string
	ToolName string
	Provider string
	ChatID   string
	ThreadID string
	Created  time.Time
}

// Runtime is the tool-registry surface the service drives.
type Runtime interface {
	ListPendingApprovals() []Request
	ResolveApproval(id, responseText string) (Decision, error)
	ExecuteApproved(ctx context.Context, id string) (string, error)
}

// resultPreviewChars caps how much tool output the result message shows.
const resultPreviewChars = 500

// DefaultSeenTTL bounds the reaction dedupe window.
const DefaultSeenTTL = 10 * time.Minute

// Service binds inbound replies and reactions to pending approval
// requests. It runs before the router: a message that resolves a request
// never reaches the model.
type Service struct {
	runtime Runtime
	send    func(ctx context.Context, msg models.OutboundMessage) error
	logger  *slog.Logger
	now     func() time.Time

	mu      sync.Mutex
	seen    map[string]time.Time
	seenTTL time.Duration
}

// ServiceOption configures the service.
type ServiceOption func(*Service)

// WithNow overrides the clock for tests.
func WithNow(now func() time.Time) ServiceOption {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithSeenTTL overrides the reaction dedupe TTL.
func WithSeenTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) {
		if ttl > 0 {
			s.seenTTL = ttl
		}
	}
}

// NewService creates an approval service.
func NewService(runtime Runtime, send func(ctx context.Context, msg models.OutboundMessage) error, opts ...ServiceOption) *Service {
	s := &Service{
		runtime: runtime,
		send:    send,
		logger:  slog.Default().With("component", "approval"),
		now:     time.Now,
		seen:    map[string]time.Time{},
		seenTTL: DefaultSeenTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// HandleInbound checks whether a message decides a pending approval
// request. Returns true when the message was consumed.
func (s *Service) HandleInbound(ctx context.Context, msg models.InboundMessage) bool {
	pending := s.runtime.ListPendingApprovals()
	if len(pending) == 0 {
		return false
	}
	req, ok := bindRequest(pending, msg)
	if !ok {
		return false
	}
	parsed := Parse(msg.Content)
	if parsed.Decision == DecisionUnknown {
		// Text that mentions a request id but parses to nothing is still
		// not an approval reply; let the router have it.
		return false
	}
	s.apply(ctx, req, msg.Content, replyTarget(req, msg))
	return true
}

// HandleReaction applies channel reactions to a pending request. Slack is
// the only transport that surfaces reactions today. A bounded seen-set
// prevents a re-fetched reaction window from double-firing.
func (s *Service) HandleReaction(ctx context.Context, provider, chatID, requestID string, reactionNames []string) bool {
	decision := DecisionUnknown
	for _, name := range reactionNames {
		if d := ReactionDecision(name); d != DecisionUnknown {
			decision = d
			break
		}
	}
	if decision == DecisionUnknown {
		return false
	}

	sorted := append([]string(nil), reactionNames...)
	sort.Strings(sorted)
	key := strings.Join([]string{provider, chatID, requestID, string(decision), strings.Join(sorted, ",")}, "|")
	s.mu.Lock()
	if _, dup := s.seen[key]; dup {
		s.mu.Unlock()
		return false
	}
	s.seen[key] = s.now()
	s.mu.Unlock()

	var bound *Request
	for _, req := range s.runtime.ListPendingApprovals() {
		if req.ID == requestID {
			r := req
			bound = &r
			break
		}
	}
	if bound == nil {
		return false
	}
	target := models.OutboundMessage{Provider: models.ChannelType(provider), ChatID: chatID, ThreadID: bound.ThreadID}
	s.apply(ctx, *bound, string(decision), target)
	return true
}

// PruneSeen drops expired reaction dedupe entries. Driven periodically by
// the ops runtime.
func (s *Service) PruneSeen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.now().Add(-s.seenTTL)
	pruned := 0
	for key, at := range s.seen {
		if at.Before(cutoff) {
			delete(s.seen, key)
			pruned++
		}
	}
	return pruned
}

// bindRequest finds the request a message refers to: an explicit id in the
// text wins; otherwise the most recent pending request from the same
// (provider, chat).
func bindRequest(pending []Request, msg models.InboundMessage) (Request, bool) {
	for _, req := range pending {
		if strings.Contains(msg.Content, req.ID) {
			return req, true
		}
	}
	var best Request
	found := false
	for _, req := range pending {
		if req.Provider != string(msg.Provider) || req.ChatID != msg.ChatID {
			continue
		}
		if !found || req.Created.After(best.Created) {
			best = req
			found = true
		}
	}
	return best, found
}

func replyTarget(req Request, msg models.InboundMessage) models.OutboundMessage {
	return models.OutboundMessage{
		Provider: msg.Provider,
		ChatID:   msg.ChatID,
		ThreadID: msg.ThreadID,
		ReplyTo:  msg.ID,
	}
}

func (s *Service) apply(ctx context.Context, req Request, responseText string, target models.OutboundMessage) {
	decision, err := s.runtime.ResolveApproval(req.ID, responseText)
	if err != nil {
		s.logger.Warn("approval resolution failed", "request", req.ID, "error", err)
		s.reply(ctx, target, fmt.Sprintf("Approval request %s could not be resolved: %v", req.ID, err))
		return
	}
	if decision != DecisionApprove {
		s.reply(ctx, target, fmt.Sprintf("Approval request %s for %s: %s.", req.ID, req.ToolName, decision))
		return
	}

	result, err := s.runtime.ExecuteApproved(ctx, req.ID)
	if err != nil {
		s.reply(ctx, target, fmt.Sprintf("Approved %s but execution failed: %v", req.ToolName, err))
		return
	}
	preview := result
	if len(preview) > resultPreviewChars {
		preview = preview[:resultPreviewChars] + "…"
	}
	s.reply(ctx, target, fmt.Sprintf("Approved %s. Result:\n%s", req.ToolName, preview))
}

func (s *Service) reply(ctx context.Context, target models.OutboundMessage, content string) {
	if s.send == nil {
		return
	}
	target.Content = content
	if err := s.send(ctx, target); err != nil {
		s.logger.Warn("approval reply failed", "error", err)
	}
}
