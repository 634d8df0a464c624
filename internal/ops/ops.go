// Package ops runs the background maintenance loops: health reporting,
// the task-recovery watchdog, the bridge pump, and dedupe pruning.
package ops

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/orchbot/orchbot/internal/cron"
	"github.com/orchbot/orchbot/internal/tasks"
	"github.com/orchbot/orchbot/pkg/models"
)

// Tick intervals.
const (
	HealthInterval   = 20 * time.Second
	WatchdogInterval = 45 * time.Second
	PumpInterval     = 5 * time.Second
	DedupeInterval   = 5 * time.Minute
)

// Recovery defaults, overridable via environment.
const (
	DefaultRecoveryRetry = 120 * time.Second
	DefaultRecoveryBatch = 2
)

// Snapshot is one health sample.
type Snapshot struct {
	QueueSizes map[string]int
	Channels   []string
	Heartbeat  string
}

// signature collapses a snapshot into a comparable string so the health
// loop only logs on change.
func (s Snapshot) signature() string {
	queues := make([]string, 0, len(s.QueueSizes))
	for name, size := range s.QueueSizes {
		queues = append(queues, fmt.Sprintf("%s=%d", name, size))
	}
	sort.Strings(queues)
	channels := append([]string(nil), s.Channels...)
	sort.Strings(channels)
	return strings.Join(queues, ",") + "|" + strings.Join(channels, ",") + "|" + s.Heartbeat
}

// Bridge is a queue of inbound messages produced outside the channel
// adapters (subagent announcements, resumes from other nodes).
type Bridge interface {
	Drain(max int) []models.InboundMessage
}

// Pruner trims an expiring dedupe set and reports how many entries went.
type Pruner interface {
	PruneSeen() int
}

// Config wires the ops runtime.
type Config struct {
	Tasks  tasks.Store
	Handle func(ctx context.Context, msg models.InboundMessage)
	Health func() Snapshot
	Bridge Bridge
	Pruner Pruner

	RecoveryRetry time.Duration
	RecoveryBatch int
	// HealthAlways logs every health tick, not just signature changes.
	HealthAlways bool
	// PumpEnabled turns on the bridge pump loop (requires Bridge).
	PumpEnabled bool
	Logger      *slog.Logger
	Now         func() time.Time
	Metrics     prometheus.Registerer
}

type metrics struct {
	healthTicks    prometheus.Counter
	resumableTasks prometheus.Gauge
	tasksResumed   prometheus.Counter
	bridgePumped   prometheus.Counter
	seenPruned     prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)
	return &metrics{
		healthTicks: factory.NewCounter(prometheus.CounterOpts{
			Name: "orchbot_ops_health_ticks_total",
			Help: "Health loop ticks.",
		}),
		resumableTasks: factory.NewGauge(prometheus.GaugeOpts{
			Name: "orchbot_ops_resumable_tasks",
			Help: "Tasks the watchdog currently considers resumable.",
		}),
		tasksResumed: factory.NewCounter(prometheus.CounterOpts{
			Name: "orchbot_ops_tasks_resumed_total",
			Help: "Workflow resume messages synthesized by the watchdog.",
		}),
		bridgePumped: factory.NewCounter(prometheus.CounterOpts{
			Name: "orchbot_ops_bridge_pumped_total",
			Help: "Inbound messages pumped from the bridge queue.",
		}),
		seenPruned: factory.NewCounter(prometheus.CounterOpts{
			Name: "orchbot_ops_dedupe_pruned_total",
			Help: "Expired dedupe entries removed.",
		}),
	}
}

// taskIDRe matches watchdog-resumable task ids.
var taskIDRe = regexp.MustCompile(`^task:([^:]+):([^:]+):([^:]+)$`)

// Runtime drives the periodic loops.
type Runtime struct {
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time
	metrics *metrics

	healthAlways bool
	pumpEnabled  bool

	lastSignature string
	lastAttempt   map[string]time.Time
}

// New creates the ops runtime, reading overrides from the environment:
// TASK_RECOVERY_RETRY_MS, TASK_RECOVERY_BATCH, OPS_HEALTH_LOG_ENABLED,
// OPS_BRIDGE_PUMP_ENABLED.
func New(cfg Config) *Runtime {
	if cfg.RecoveryRetry <= 0 {
		cfg.RecoveryRetry = envDuration("TASK_RECOVERY_RETRY_MS", DefaultRecoveryRetry)
	}
	if cfg.RecoveryBatch <= 0 {
		cfg.RecoveryBatch = envInt("TASK_RECOVERY_BATCH", DefaultRecoveryBatch)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default().With("component", "ops")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Metrics == nil {
		cfg.Metrics = prometheus.NewRegistry()
	}
	return &Runtime{
		cfg:          cfg,
		logger:       cfg.Logger,
		now:          cfg.Now,
		metrics:      newMetrics(cfg.Metrics),
		healthAlways: cfg.HealthAlways || os.Getenv("OPS_HEALTH_LOG_ENABLED") == "1",
		pumpEnabled:  cfg.PumpEnabled || os.Getenv("OPS_BRIDGE_PUMP_ENABLED") == "1",
		lastAttempt:  map[string]time.Time{},
	}
}

// Start launches all loops; they stop when ctx is cancelled.
func (r *Runtime) Start(ctx context.Context) {
	cron.Every(ctx, HealthInterval, r.HealthTick)
	cron.Every(ctx, WatchdogInterval, r.WatchdogTick)
	if r.pumpEnabled && r.cfg.Bridge != nil {
		cron.Every(ctx, PumpInterval, r.PumpTick)
	}
	if r.cfg.Pruner != nil {
		cron.Every(ctx, DedupeInterval, r.DedupeTick)
	}
	r.logger.Info("ops runtime started",
		"recovery_retry", r.cfg.RecoveryRetry,
		"recovery_batch", r.cfg.RecoveryBatch,
		"bridge_pump", r.pumpEnabled)
}

// HealthTick samples the runtime and logs when the state changed.
func (r *Runtime) HealthTick(ctx context.Context) {
	r.metrics.healthTicks.Inc()
	if r.cfg.Health == nil {
		return
	}
	snap := r.cfg.Health()
	sig := snap.signature()
	if sig == r.lastSignature && !r.healthAlways {
		return
	}
	r.lastSignature = sig
	r.logger.Info("health",
		"queues", snap.QueueSizes,
		"channels", snap.Channels,
		"heartbeat", snap.Heartbeat)
}

// WatchdogTick resumes stalled workflow tasks by synthesizing a
// "[workflow resume]" inbound message for each, batched per tick.
func (r *Runtime) WatchdogTick(ctx context.Context) {
	if r.cfg.Tasks == nil || r.cfg.Handle == nil {
		return
	}
	candidates := r.cfg.Tasks.ListResumable(r.cfg.RecoveryRetry)
	r.metrics.resumableTasks.Set(float64(len(candidates)))
	resumed := 0
	for _, task := range candidates {
		if resumed >= r.cfg.RecoveryBatch {
			break
		}
		if task.Status == tasks.StatusWaitingApproval {
			continue
		}
		m := taskIDRe.FindStringSubmatch(task.TaskID)
		if m == nil {
			continue
		}
		if last, ok := r.lastAttempt[task.TaskID]; ok && r.now().Sub(last) < r.cfg.RecoveryRetry {
			continue
		}
		r.lastAttempt[task.TaskID] = r.now()
		resumed++
		r.metrics.tasksResumed.Inc()
		r.logger.Info("resuming stalled task", "task", task.TaskID, "step", task.CurrentStep)
		r.cfg.Handle(ctx, models.InboundMessage{
			ID:       "resume:" + task.TaskID,
			Provider: models.ChannelType(m[1]),
			ChatID:   m[2],
			SenderID: "watchdog",
			Content:  fmt.Sprintf("[workflow resume] continue task %s from step %q", task.TaskID, task.CurrentStep),
			Metadata: map[string]any{"task_id": task.TaskID, "alias": m[3], "resume": true},
			At:       r.now(),
		})
	}
}

// PumpTick moves queued bridge messages into the inbound handler.
func (r *Runtime) PumpTick(ctx context.Context) {
	if r.cfg.Bridge == nil || r.cfg.Handle == nil {
		return
	}
	for _, msg := range r.cfg.Bridge.Drain(16) {
		r.metrics.bridgePumped.Inc()
		r.cfg.Handle(ctx, msg)
	}
}

// DedupeTick trims expired dedupe entries.
func (r *Runtime) DedupeTick(ctx context.Context) {
	if r.cfg.Pruner == nil {
		return
	}
	if pruned := r.cfg.Pruner.PruneSeen(); pruned > 0 {
		r.metrics.seenPruned.Add(float64(pruned))
		r.logger.Debug("pruned dedupe entries", "count", pruned)
	}
}

func envDuration(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	ms, err := strconv.Atoi(raw)
	if err != nil || ms <= 0 {
		return fallback
	}
	return time.Duration(ms) * time.Millisecond
}

func envInt(name string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}
