// Package channels fans inbound messages from chat transports into the
// orchestration pipeline and routes replies back out. Messages within one
// chat are dispatched serially; chats proceed concurrently.
package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/orchbot/orchbot/pkg/models"
)

// Handler consumes one inbound message. Called from a per-chat worker
// goroutine, never concurrently for the same chat.
type Handler func(ctx context.Context, msg models.InboundMessage)

// Adapter is one chat transport.
type Adapter interface {
	Type() models.ChannelType
	// Start connects and begins producing on Messages. It returns once the
	// connection is established; delivery continues until ctx is cancelled.
	Start(ctx context.Context) error
	Send(ctx context.Context, msg models.OutboundMessage) error
	Messages() <-chan models.InboundMessage
}

const defaultQueueCap = 64

// Manager owns the adapters and the per-chat dispatch queues.
type Manager struct {
	handle   Handler
	logger   *slog.Logger
	queueCap int

	mu       sync.Mutex
	adapters map[models.ChannelType]Adapter
	queues   map[string]chan models.InboundMessage
	ctx      context.Context
	wg       sync.WaitGroup
}

// ManagerOption configures the manager.
type ManagerOption func(*Manager)

// WithQueueCap overrides the per-chat queue capacity.
func WithQueueCap(n int) ManagerOption {
	return func(m *Manager) {
		if n > 0 {
			m.queueCap = n
		}
	}
}

// WithLogger overrides the manager logger.
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// NewManager creates a channel manager dispatching to handle.
func NewManager(handle Handler, opts ...ManagerOption) *Manager {
	m := &Manager{
		handle:   handle,
		logger:   slog.Default().With("component", "channels"),
		queueCap: defaultQueueCap,
		adapters: map[models.ChannelType]Adapter{},
		queues:   map[string]chan models.InboundMessage{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Register installs an adapter. Must be called before Start.
func (m *Manager) Register(a Adapter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.adapters[a.Type()]; dup {
		return fmt.Errorf("adapter %s already registered", a.Type())
	}
	m.adapters[a.Type()] = a
	return nil
}

// Start connects every adapter and begins dispatching. Adapters that fail
// to start are logged and skipped so one bad token does not take down the
// rest.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	m.ctx = ctx
	adapters := make([]Adapter, 0, len(m.adapters))
	for _, a := range m.adapters {
		adapters = append(adapters, a)
	}
	m.mu.Unlock()

	for _, a := range adapters {
		if err := a.Start(ctx); err != nil {
			m.logger.Error("adapter start failed", "channel", a.Type(), "error", err)
			continue
		}
		m.logger.Info("channel connected", "channel", a.Type())
		m.wg.Add(1)
		go m.fanIn(ctx, a)
	}
}

func (m *Manager) fanIn(ctx context.Context, a Adapter) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-a.Messages():
			if !ok {
				return
			}
			m.Accept(ctx, msg)
		}
	}
}

// Accept enqueues one inbound message on its chat's serial queue. Also the
// entry point for synthesized messages (watchdog resumes, subagent
// announcements). Drops the message when the chat queue is full.
func (m *Manager) Accept(ctx context.Context, msg models.InboundMessage) {
	key := string(msg.Provider) + "|" + msg.ChatID
	m.mu.Lock()
	q, ok := m.queues[key]
	if !ok {
		q = make(chan models.InboundMessage, m.queueCap)
		m.queues[key] = q
		runCtx := m.ctx
		if runCtx == nil {
			runCtx = ctx
		}
		m.wg.Add(1)
		go m.drain(runCtx, q)
	}
	m.mu.Unlock()

	select {
	case q <- msg:
	default:
		m.logger.Warn("chat queue full, dropping message", "chat", key, "id", msg.ID)
	}
}

func (m *Manager) drain(ctx context.Context, q chan models.InboundMessage) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-q:
			m.handle(ctx, msg)
		}
	}
}

// Send routes an outbound message to its adapter.
func (m *Manager) Send(ctx context.Context, msg models.OutboundMessage) error {
	m.mu.Lock()
	a, ok := m.adapters[msg.Provider]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("no adapter for channel %q", msg.Provider)
	}
	return a.Send(ctx, msg)
}

// Enabled lists the registered channel names, sorted.
func (m *Manager) Enabled() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.adapters))
	for t := range m.adapters {
		names = append(names, string(t))
	}
	sort.Strings(names)
	return names
}

// QueueSizes reports the current backlog per chat queue, for the ops
// health snapshot.
func (m *Manager) QueueSizes() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int, len(m.queues))
	for key, q := range m.queues {
		out[key] = len(q)
	}
	return out
}
