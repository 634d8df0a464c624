package approval

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/orchbot/orchbot/pkg/models"
)

type fakeRuntime struct {
	pending  []Request
	resolved map[string]string
	executed []string
	result   string
	execErr  error
}

func newFakeRuntime(pending ...Request) *fakeRuntime {
	return &fakeRuntime{pending: pending, resolved: map[string]string{}, result: "tool output"}
}

func (f *fakeRuntime) ListPendingApprovals() []Request { return f.pending }

func (f *fakeRuntime) ResolveApproval(id, responseText string) (Decision, error) {
	for _, req := range f.pending {
		if req.ID == id {
			f.resolved[id] = responseText
			return Parse(responseText).Decision, nil
		}
	}
	return DecisionUnknown, fmt.Errorf("request %s not found", id)
}

func (f *fakeRuntime) ExecuteApproved(ctx context.Context, id string) (string, error) {
	f.executed = append(f.executed, id)
	return f.result, f.execErr
}

type replySink struct {
	sent []models.OutboundMessage
}

func (r *replySink) send(ctx context.Context, msg models.OutboundMessage) error {
	r.sent = append(r.sent, msg)
	return nil
}

func pendingReq(id, provider, chat string, created time.Time) Request {
	return Request{ID: id, ToolName: "exec", Provider: provider, ChatID: chat, Created: created}
}

func inbound(provider, chat, content string) models.InboundMessage {
	return models.InboundMessage{
		ID:       "m1",
		Provider: models.ChannelType(provider),
		ChatID:   chat,
		Content:  content,
		At:       time.Now(),
	}
}

func TestApproveByExplicitID(t *testing.T) {
	now := time.Now()
	rt := newFakeRuntime(
		pendingReq("aaaa1111", "slack", "C1", now.Add(-time.Minute)),
		pendingReq("bbbb2222", "slack", "C1", now),
	)
	sink := &replySink{}
	svc := NewService(rt, sink.send)

	handled := svc.HandleInbound(context.Background(), inbound("slack", "C1", "yes aaaa1111"))
	if !handled {
		t.Fatal("message not handled")
	}
	if _, ok := rt.resolved["aaaa1111"]; !ok {
		t.Error("explicit id request not resolved")
	}
	if len(rt.executed) != 1 || rt.executed[0] != "aaaa1111" {
		t.Errorf("executed = %v", rt.executed)
	}
	if len(sink.sent) != 1 || !strings.Contains(sink.sent[0].Content, "tool output") {
		t.Errorf("replies = %+v", sink.sent)
	}
}

func TestBindsMostRecentForChat(t *testing.T) {
	now := time.Now()
	rt := newFakeRuntime(
		pendingReq("old00000", "slack", "C1", now.Add(-time.Hour)),
		pendingReq("new00000", "slack", "C1", now),
		pendingReq("other000", "discord", "D1", now),
	)
	svc := NewService(rt, (&replySink{}).send)

	if !svc.HandleInbound(context.Background(), inbound("slack", "C1", "approve")) {
		t.Fatal("message not handled")
	}
	if _, ok := rt.resolved["new00000"]; !ok {
		t.Errorf("resolved = %v, want most recent slack request", rt.resolved)
	}
}

func TestUnrelatedMessagePassesThrough(t *testing.T) {
	rt := newFakeRuntime(pendingReq("aaaa1111", "slack", "C1", time.Now()))
	svc := NewService(rt, (&replySink{}).send)

	if svc.HandleInbound(context.Background(), inbound("slack", "C1", "what time is it")) {
		t.Error("unrelated message consumed")
	}
	if len(rt.resolved) != 0 {
		t.Errorf("resolved = %v, want none", rt.resolved)
	}
}

func TestNoPendingForChat(t *testing.T) {
	rt := newFakeRuntime(pendingReq("aaaa1111", "slack", "C1", time.Now()))
	svc := NewService(rt, (&replySink{}).send)
	if svc.HandleInbound(context.Background(), inbound("slack", "C2", "yes")) {
		t.Error("message for another chat consumed")
	}
}

func TestDenyAcknowledged(t *testing.T) {
	rt := newFakeRuntime(pendingReq("aaaa1111", "slack", "C1", time.Now()))
	sink := &replySink{}
	svc := NewService(rt, sink.send)

	if !svc.HandleInbound(context.Background(), inbound("slack", "C1", "no")) {
		t.Fatal("deny not handled")
	}
	if len(rt.executed) != 0 {
		t.Errorf("executed = %v, want none", rt.executed)
	}
	if len(sink.sent) != 1 || !strings.Contains(sink.sent[0].Content, "denied") {
		t.Errorf("replies = %+v", sink.sent)
	}
}

func TestExecutionFailureReported(t *testing.T) {
	rt := newFakeRuntime(pendingReq("aaaa1111", "slack", "C1", time.Now()))
	rt.execErr = fmt.Errorf("still_requires_approval")
	sink := &replySink{}
	svc := NewService(rt, sink.send)

	svc.HandleInbound(context.Background(), inbound("slack", "C1", "yes"))
	if len(sink.sent) != 1 || !strings.Contains(sink.sent[0].Content, "execution failed") {
		t.Errorf("replies = %+v", sink.sent)
	}
}

func TestResultPreviewClipped(t *testing.T) {
	rt := newFakeRuntime(pendingReq("aaaa1111", "slack", "C1", time.Now()))
	rt.result = strings.Repeat("x", 2000)
	sink := &replySink{}
	svc := NewService(rt, sink.send)

	svc.HandleInbound(context.Background(), inbound("slack", "C1", "yes"))
	if len(sink.sent) != 1 {
		t.Fatalf("replies = %d", len(sink.sent))
	}
	if len(sink.sent[0].Content) > resultPreviewChars+100 {
		t.Errorf("reply length = %d, want clipped", len(sink.sent[0].Content))
	}
}

func TestReactionFlow(t *testing.T) {
	rt := newFakeRuntime(pendingReq("aaaa1111", "slack", "C1", time.Now()))
	sink := &replySink{}
	svc := NewService(rt, sink.send)
	ctx := context.Background()

	handled := svc.HandleReaction(ctx, "slack", "C1", "aaaa1111", []string{"white_check_mark"})
	if !handled {
		t.Fatal("reaction not handled")
	}
	if len(rt.executed) != 1 {
		t.Errorf("executed = %v", rt.executed)
	}

	// Same reaction set fires only once.
	if svc.HandleReaction(ctx, "slack", "C1", "aaaa1111", []string{"white_check_mark"}) {
		t.Error("duplicate reaction fired twice")
	}
}

func TestReactionUnknownIgnored(t *testing.T) {
	rt := newFakeRuntime(pendingReq("aaaa1111", "slack", "C1", time.Now()))
	svc := NewService(rt, (&replySink{}).send)
	if svc.HandleReaction(context.Background(), "slack", "C1", "aaaa1111", []string{"party_parrot"}) {
		t.Error("unknown reaction handled")
	}
}

func TestPruneSeen(t *testing.T) {
	current := time.Now()
	rt := newFakeRuntime(pendingReq("aaaa1111", "slack", "C1", current))
	svc := NewService(rt, (&replySink{}).send,
		WithNow(func() time.Time { return current }),
		WithSeenTTL(time.Minute))

	svc.HandleReaction(context.Background(), "slack", "C1", "aaaa1111", []string{"thumbsup"})
	if pruned := svc.PruneSeen(); pruned != 0 {
		t.Errorf("pruned = %d, want 0", pruned)
	}
	current = current.Add(2 * time.Minute)
	if pruned := svc.PruneSeen(); pruned != 1 {
		t.Errorf("pruned = %d, want 1", pruned)
	}
}
