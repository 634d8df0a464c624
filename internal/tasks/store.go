// Package tasks holds the projected workflow task state consumed by the
// ops watchdog and the router.
package tasks

import (
	"sync"
	"time"
)

// Status represents the projected state of a workflow task.
type Status string

const (
	StatusRunning         Status = "running"
	StatusCompleted       Status = "completed"
	StatusWaitingApproval Status = "waiting_approval"
	StatusFailed          Status = "failed"
)

// Task is the projection of a workflow task derived from its event stream.
type Task struct {
	TaskID      string         `json:"taskId"`
	Title       string         `json:"title"`
	CurrentTurn int            `json:"currentTurn"`
	MaxTurns    int            `json:"maxTurns"`
	Status      Status         `json:"status"`
	CurrentStep string         `json:"currentStep"`
	Memory      map[string]any `json:"memory,omitempty"`
	ExitReason  string         `json:"exitReason,omitempty"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Store persists projected tasks.
type Store interface {
	Get(taskID string) (*Task, bool)
	Upsert(task *Task)
	List() []*Task
	// ListResumable returns tasks that are candidates for watchdog resume:
	// running tasks whose last update is older than the given age.
	ListResumable(olderThan time.Duration) []*Task
}

// MemoryStore keeps projected tasks in memory.
type MemoryStore struct {
	mu    sync.RWMutex
	tasks map[string]*Task
	now   func() time.Time
}

// NewMemoryStore returns an empty in-memory task store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks: make(map[string]*Task),
		now:   time.Now,
	}
}

// SetNow overrides the clock for tests.
func (s *MemoryStore) SetNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Get returns a copy of the task.
func (s *MemoryStore) Get(taskID string) (*Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return nil, false
	}
	return cloneTask(t), true
}

// Upsert stores a copy of the task, stamping UpdatedAt.
func (s *MemoryStore) Upsert(task *Task) {
	if task == nil || task.TaskID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c := cloneTask(task)
	c.UpdatedAt = s.now()
	s.tasks[task.TaskID] = c
}

// List returns copies of all tasks.
func (s *MemoryStore) List() []*Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, cloneTask(t))
	}
	return out
}

// ListResumable returns running tasks that have gone quiet.
func (s *MemoryStore) ListResumable(olderThan time.Duration) []*Task {
	cutoff := s.now().Add(-olderThan)
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Task
	for _, t := range s.tasks {
		if t.Status == StatusRunning && t.UpdatedAt.Before(cutoff) {
			out = append(out, cloneTask(t))
		}
	}
	return out
}

func cloneTask(t *Task) *Task {
	c := *t
	if t.Memory != nil {
		c.Memory = make(map[string]any, len(t.Memory))
		for k, v := range t.Memory {
			c.Memory[k] = v
		}
	}
	return &c
}
