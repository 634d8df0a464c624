package channels

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/orchbot/orchbot/pkg/models"
)

type fakeAdapter struct {
	typ      models.ChannelType
	inbound  chan models.InboundMessage
	startErr error

	mu   sync.Mutex
	sent []models.OutboundMessage
}

func newFakeAdapter(typ models.ChannelType) *fakeAdapter {
	return &fakeAdapter{typ: typ, inbound: make(chan models.InboundMessage, 16)}
}

func (a *fakeAdapter) Type() models.ChannelType                  { return a.typ }
func (a *fakeAdapter) Start(ctx context.Context) error           { return a.startErr }
func (a *fakeAdapter) Messages() <-chan models.InboundMessage    { return a.inbound }
func (a *fakeAdapter) Send(ctx context.Context, msg models.OutboundMessage) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sent = append(a.sent, msg)
	return nil
}

type recorder struct {
	mu     sync.Mutex
	byChat map[string][]string
	total  int
}

func newRecorder() *recorder { return &recorder{byChat: map[string][]string{}} }

func (r *recorder) handle(ctx context.Context, msg models.InboundMessage) {
	// Jitter makes out-of-order dispatch visible if it can happen.
	time.Sleep(time.Millisecond)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byChat[msg.ChatID] = append(r.byChat[msg.ChatID], msg.ID)
	r.total++
}

func (r *recorder) wait(t *testing.T, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		r.mu.Lock()
		total := r.total
		r.mu.Unlock()
		if total >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d messages", n)
}

func TestPerChatOrderPreserved(t *testing.T) {
	rec := newRecorder()
	m := NewManager(rec.handle)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for i := 0; i < 5; i++ {
		for _, chat := range []string{"A", "B"} {
			m.Accept(ctx, models.InboundMessage{
				ID:       fmt.Sprintf("%s-%d", chat, i),
				Provider: models.ChannelSlack,
				ChatID:   chat,
				Content:  "x",
			})
		}
	}
	rec.wait(t, 10)

	for _, chat := range []string{"A", "B"} {
		got := rec.byChat[chat]
		for i, id := range got {
			want := fmt.Sprintf("%s-%d", chat, i)
			if id != want {
				t.Fatalf("chat %s order: got %v", chat, got)
			}
		}
	}
}

func TestFanInFromAdapter(t *testing.T) {
	rec := newRecorder()
	m := NewManager(rec.handle)
	adapter := newFakeAdapter(models.ChannelSlack)
	if err := m.Register(adapter); err != nil {
		t.Fatalf("register: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)

	adapter.inbound <- models.InboundMessage{ID: "1", Provider: models.ChannelSlack, ChatID: "C1"}
	adapter.inbound <- models.InboundMessage{ID: "2", Provider: models.ChannelSlack, ChatID: "C1"}
	rec.wait(t, 2)

	if got := rec.byChat["C1"]; len(got) != 2 || got[0] != "1" {
		t.Errorf("delivered = %v", got)
	}
}

func TestSendRoutesByProvider(t *testing.T) {
	m := NewManager(func(ctx context.Context, msg models.InboundMessage) {})
	slack := newFakeAdapter(models.ChannelSlack)
	discord := newFakeAdapter(models.ChannelDiscord)
	if err := m.Register(slack); err != nil {
		t.Fatal(err)
	}
	if err := m.Register(discord); err != nil {
		t.Fatal(err)
	}

	err := m.Send(context.Background(), models.OutboundMessage{Provider: models.ChannelDiscord, ChatID: "D1", Content: "hi"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(discord.sent) != 1 || len(slack.sent) != 0 {
		t.Errorf("routing: discord=%d slack=%d", len(discord.sent), len(slack.sent))
	}

	if err := m.Send(context.Background(), models.OutboundMessage{Provider: models.ChannelTelegram}); err == nil {
		t.Error("send to unregistered channel succeeded")
	}
}

func TestDuplicateRegisterRejected(t *testing.T) {
	m := NewManager(func(ctx context.Context, msg models.InboundMessage) {})
	if err := m.Register(newFakeAdapter(models.ChannelSlack)); err != nil {
		t.Fatal(err)
	}
	if err := m.Register(newFakeAdapter(models.ChannelSlack)); err == nil {
		t.Error("duplicate register succeeded")
	}
}

func TestEnabledAndQueueSizes(t *testing.T) {
	m := NewManager(func(ctx context.Context, msg models.InboundMessage) {})
	if err := m.Register(newFakeAdapter(models.ChannelTelegram)); err != nil {
		t.Fatal(err)
	}
	if err := m.Register(newFakeAdapter(models.ChannelSlack)); err != nil {
		t.Fatal(err)
	}
	got := m.Enabled()
	if len(got) != 2 || got[0] != "slack" || got[1] != "telegram" {
		t.Errorf("enabled = %v", got)
	}
	if sizes := m.QueueSizes(); len(sizes) != 0 {
		t.Errorf("queue sizes before traffic = %v", sizes)
	}
}

func TestFailedAdapterDoesNotBlockOthers(t *testing.T) {
	rec := newRecorder()
	m := NewManager(rec.handle)
	bad := newFakeAdapter(models.ChannelDiscord)
	bad.startErr = fmt.Errorf("invalid token")
	good := newFakeAdapter(models.ChannelSlack)
	if err := m.Register(bad); err != nil {
		t.Fatal(err)
	}
	if err := m.Register(good); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)

	good.inbound <- models.InboundMessage{ID: "1", Provider: models.ChannelSlack, ChatID: "C1"}
	rec.wait(t, 1)
}
