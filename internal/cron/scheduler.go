package cron

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultRunningLease bounds how long a running flag or lock file is
// trusted before being reclaimed as stale.
const DefaultRunningLease = 120 * time.Second

// Callback is invoked for each due job occurrence.
type Callback func(ctx context.Context, job *Job) error

// LifecycleState is the scheduler's run state.
type LifecycleState string

const (
	StateStopped LifecycleState = "stopped"
	StateRunning LifecycleState = "running"
	StatePaused  LifecycleState = "paused"
)

// Scheduler fires persisted jobs at their scheduled occurrences. A
// filesystem lock with an mtime lease keeps occurrences at-most-once
// across processes sharing the store.
type Scheduler struct {
	store    *Store
	callback Callback
	logger   *slog.Logger
	now      func() time.Time
	lease    time.Duration

	mu          sync.Mutex
	state       LifecycleState
	tickRunning bool
	wake        chan struct{}
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// SchedulerOption configures the scheduler.
type SchedulerOption func(*Scheduler)

// WithLogger overrides the scheduler logger.
func WithLogger(logger *slog.Logger) SchedulerOption {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithNow overrides the clock for tests.
func WithNow(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// WithRunningLease overrides the lock lease duration.
func WithRunningLease(lease time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if lease > 0 {
			s.lease = lease
		}
	}
}

// NewScheduler creates a scheduler over a job store.
func NewScheduler(store *Store, callback Callback, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		store:    store,
		callback: callback,
		logger:   slog.Default().With("component", "cron"),
		now:      time.Now,
		lease:    DefaultRunningLease,
		state:    StateStopped,
		wake:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Add validates and persists a new job, computing its first run.
func (s *Scheduler) Add(name string, schedule Schedule, message string, deliver bool, channel, to string, deleteAfterRun bool) (*Job, error) {
	if err := schedule.Validate(); err != nil {
		return nil, err
	}
	now := s.now()
	job := &Job{
		ID:       uuid.NewString()[:8],
		Name:     name,
		Enabled:  true,
		Schedule: schedule,
		Payload: Payload{
			Message: message,
			Deliver: deliver,
			Channel: channel,
			To:      to,
		},
		DeleteAfterRun: deleteAfterRun,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	next, ok, err := schedule.NextRun(now)
	if err != nil {
		return nil, err
	}
	if ok {
		job.State.NextRunAtMs = next
	}
	if err := s.store.Put(job); err != nil {
		return nil, err
	}
	s.kick()
	return job, nil
}

// EnableJob toggles a job. Enabling recomputes the next run; disabling
// clears it.
func (s *Scheduler) EnableJob(id string, enabled bool) (*Job, error) {
	job, err := s.store.Get(id)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, fmt.Errorf("job %s not found", id)
	}
	job.Enabled = enabled
	job.UpdatedAt = s.now()
	if enabled {
		if next, ok, err := job.Schedule.NextRun(s.now()); err == nil && ok {
			job.State.NextRunAtMs = next
		}
	} else {
		job.State.NextRunAtMs = 0
	}
	if err := s.store.Put(job); err != nil {
		return nil, err
	}
	s.kick()
	return job, nil
}

// RemoveJob deletes a job.
func (s *Scheduler) RemoveJob(id string) error {
	return s.store.Delete(id)
}

// GetJob returns a job by id.
func (s *Scheduler) GetJob(id string) (*Job, error) {
	return s.store.Get(id)
}

// ListJobs lists persisted jobs.
func (s *Scheduler) ListJobs(enabledOnly bool) ([]*Job, error) {
	return s.store.List(enabledOnly)
}

// State returns the lifecycle state.
func (s *Scheduler) State() LifecycleState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start recovers persisted state, runs an immediate catch-up tick, and
// arms the timer loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateStopped {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already %s", s.state)
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.state = StateRunning
	s.mu.Unlock()

	if err := s.recover(); err != nil {
		s.logger.Warn("startup recovery failed", "error", err)
	}
	s.wg.Add(1)
	go s.loop(runCtx)
	return nil
}

// Stop cancels the loop and waits for it to drain.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.state == StateStopped {
		s.mu.Unlock()
		return
	}
	s.state = StateStopped
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

// Pause suspends firing without tearing down the loop.
func (s *Scheduler) Pause() {
	s.mu.Lock()
	if s.state == StateRunning {
		s.state = StatePaused
	}
	s.mu.Unlock()
	s.kick()
}

// Resume re-arms a paused scheduler.
func (s *Scheduler) Resume() {
	s.mu.Lock()
	if s.state == StatePaused {
		s.state = StateRunning
	}
	s.mu.Unlock()
	s.kick()
}

// kick wakes the loop so it recomputes its sleep target.
func (s *Scheduler) kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// recover clears stale running flags and recomputes next runs so overdue
// jobs fire on the first tick.
func (s *Scheduler) recover() error {
	jobs, err := s.store.List(false)
	if err != nil {
		return err
	}
	now := s.now()
	for _, job := range jobs {
		changed := false
		if job.State.Running {
			job.State.Running = false
			job.State.RunningStartedAt = 0
			changed = true
		}
		if job.Enabled {
			if next, ok, err := job.Schedule.NextRun(now); err == nil && ok {
				// Preserve an already-armed earlier target (overdue runs).
				if job.State.NextRunAtMs == 0 || job.State.NextRunAtMs > next {
					job.State.NextRunAtMs = next
				}
				changed = true
			}
		}
		if changed {
			job.UpdatedAt = now
			if err := s.store.Put(job); err != nil {
				s.logger.Warn("recover persist failed", "job", job.ID, "error", err)
			}
		}
	}
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()
	for {
		if ctx.Err() != nil {
			return
		}
		s.tick(ctx)

		sleep := s.nextSleep()
		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// nextSleep computes how long to sleep until the earliest due job.
func (s *Scheduler) nextSleep() time.Duration {
	const idle = time.Minute
	jobs, err := s.store.List(true)
	if err != nil {
		return idle
	}
	now := s.now().UnixMilli()
	var min int64
	for _, job := range jobs {
		if job.State.NextRunAtMs == 0 || s.freshlyRunning(job) {
			continue
		}
		if min == 0 || job.State.NextRunAtMs < min {
			min = job.State.NextRunAtMs
		}
	}
	if min == 0 {
		return idle
	}
	delta := min - now
	if delta < 0 {
		delta = 0
	}
	return time.Duration(delta) * time.Millisecond
}

// freshlyRunning reports whether a job holds a live running lease.
func (s *Scheduler) freshlyRunning(job *Job) bool {
	if !job.State.Running {
		return false
	}
	started := time.UnixMilli(job.State.RunningStartedAt)
	return s.now().Sub(started) <= s.lease
}

// tick executes every due job in ascending order. Reentrant wake-ups are
// coalesced by the tickRunning guard.
func (s *Scheduler) tick(ctx context.Context) {
	s.mu.Lock()
	if s.tickRunning || s.state != StateRunning {
		s.mu.Unlock()
		return
	}
	s.tickRunning = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.tickRunning = false
		s.mu.Unlock()
	}()

	jobs, err := s.store.List(true)
	if err != nil {
		s.logger.Error("list jobs failed", "error", err)
		return
	}
	now := s.now().UnixMilli()
	var due []*Job
	for _, job := range jobs {
		if job.State.NextRunAtMs > 0 && job.State.NextRunAtMs <= now && !s.freshlyRunning(job) {
			due = append(due, job)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		return due[i].State.NextRunAtMs < due[j].State.NextRunAtMs
	})
	for _, job := range due {
		if ctx.Err() != nil {
			return
		}
		s.runJob(ctx, job)
	}
}

func (s *Scheduler) runJob(ctx context.Context, job *Job) {
	release, ok := s.acquireLock(job.ID)
	if !ok {
		// Another process holds the occurrence.
		return
	}
	defer release()

	now := s.now()
	job.State.Running = true
	job.State.RunningStartedAt = now.UnixMilli()
	job.UpdatedAt = now
	if err := s.store.Put(job); err != nil {
		s.logger.Warn("persist running state failed", "job", job.ID, "error", err)
	}

	err := s.callback(ctx, job)

	now = s.now()
	job.State.Running = false
	job.State.RunningStartedAt = 0
	job.State.LastRunAtMs = now.UnixMilli()
	if err != nil {
		job.State.LastStatus = RunError
		job.State.LastError = err.Error()
		s.logger.Warn("job failed", "job", job.ID, "name", job.Name, "error", err)
	} else {
		job.State.LastStatus = RunOK
		job.State.LastError = ""
	}

	switch job.Schedule.Kind {
	case KindAt:
		if job.DeleteAfterRun {
			if err := s.store.Delete(job.ID); err != nil {
				s.logger.Warn("delete one-shot failed", "job", job.ID, "error", err)
			}
			return
		}
		job.Enabled = false
		job.State.NextRunAtMs = 0
	default:
		next, ok, nerr := job.Schedule.NextRun(now)
		if nerr != nil {
			s.logger.Warn("next-run computation failed", "job", job.ID, "error", nerr)
			job.State.NextRunAtMs = 0
		} else if ok {
			job.State.NextRunAtMs = next
		} else {
			job.State.NextRunAtMs = 0
		}
	}
	job.UpdatedAt = now
	if err := s.store.Put(job); err != nil {
		s.logger.Warn("persist job state failed", "job", job.ID, "error", err)
	}
}

// acquireLock takes the per-job lock file with O_CREAT|O_EXCL. A lock
// older than the lease is reclaimed.
func (s *Scheduler) acquireLock(id string) (func(), bool) {
	dir := filepath.Join(s.store.Dir(), ".locks")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, false
	}
	path := filepath.Join(dir, id+".lock")
	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			fmt.Fprintf(f, "%d\n", os.Getpid())
			f.Close()
			return func() { os.Remove(path) }, true
		}
		if !os.IsExist(err) {
			return nil, false
		}
		info, serr := os.Stat(path)
		if serr != nil || s.now().Sub(info.ModTime()) <= s.lease {
			return nil, false
		}
		os.Remove(path)
	}
	return nil, false
}
