package tools

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
)

// TaskStatus is the state of a background tool execution.
type TaskStatus string

const (
	TaskQueued    TaskStatus = "queued"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// terminal statuses freeze the record.
func (s TaskStatus) terminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCancelled:
		return true
	}
	return false
}

// BackgroundTask records one asynchronous tool execution. Each task owns
// its cancellation controller; there is no worker pool.
type BackgroundTask struct {
	ID         string         `json:"id"`
	ToolName   string         `json:"tool_name"`
	Params     map[string]any `json:"params"`
	Status     TaskStatus     `json:"status"`
	CreatedAt  time.Time      `json:"created_at"`
	StartedAt  time.Time      `json:"started_at,omitempty"`
	FinishedAt time.Time      `json:"finished_at,omitempty"`
	Result     string         `json:"result,omitempty"`
	Error      string         `json:"error,omitempty"`

	cancel context.CancelFunc
	done   chan struct{}
}

// ExecuteBackground queues a tool run and returns its task id immediately.
// The actual run is scheduled on a fresh goroutine.
func (r *Registry) ExecuteBackground(name string, params map[string]any, tc *Context) string {
	task := &BackgroundTask{
		ID:        uuid.NewString()[:8],
		ToolName:  name,
		Params:    cloneParams(params),
		Status:    TaskQueued,
		CreatedAt: r.now(),
		done:      make(chan struct{}),
	}
	r.tasksMu.Lock()
	r.tasks[task.ID] = task
	r.tasksMu.Unlock()

	go r.runBackground(task, tc)
	return task.ID
}

func (r *Registry) runBackground(task *BackgroundTask, tc *Context) {
	defer close(task.done)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r.tasksMu.Lock()
	if task.Status.terminal() {
		// Cancelled before it ever started.
		r.tasksMu.Unlock()
		return
	}
	task.Status = TaskRunning
	task.StartedAt = r.now()
	task.cancel = cancel
	r.tasksMu.Unlock()

	result := r.Execute(ctx, task.ToolName, task.Params, tc)

	r.tasksMu.Lock()
	defer r.tasksMu.Unlock()
	if task.Status.terminal() {
		return
	}
	task.FinishedAt = r.now()
	if ctx.Err() != nil {
		task.Status = TaskCancelled
		task.Error = ctx.Err().Error()
		return
	}
	if IsError(result) {
		task.Status = TaskFailed
		task.Error = result
		return
	}
	task.Status = TaskCompleted
	task.Result = result
}

// CancelBackground aborts a queued or running task. Terminal tasks are
// left untouched.
func (r *Registry) CancelBackground(id string) bool {
	r.tasksMu.Lock()
	task, ok := r.tasks[id]
	if !ok || task.Status.terminal() {
		r.tasksMu.Unlock()
		return false
	}
	task.Status = TaskCancelled
	task.FinishedAt = r.now()
	cancel := task.cancel
	r.tasksMu.Unlock()
	if cancel != nil {
		cancel()
	}
	return true
}

// GetBackgroundTask returns a snapshot of a task.
func (r *Registry) GetBackgroundTask(id string) (*BackgroundTask, bool) {
	r.tasksMu.Lock()
	defer r.tasksMu.Unlock()
	task, ok := r.tasks[id]
	if !ok {
		return nil, false
	}
	return cloneTask(task), true
}

// WaitBackground blocks until the task finishes or ctx is cancelled.
func (r *Registry) WaitBackground(ctx context.Context, id string) (*BackgroundTask, error) {
	r.tasksMu.Lock()
	task, ok := r.tasks[id]
	r.tasksMu.Unlock()
	if !ok {
		return nil, context.Canceled
	}
	select {
	case <-task.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	snapshot, _ := r.GetBackgroundTask(id)
	return snapshot, nil
}

// ListBackgroundTasks returns task snapshots, newest first.
func (r *Registry) ListBackgroundTasks() []*BackgroundTask {
	r.tasksMu.Lock()
	defer r.tasksMu.Unlock()
	out := make([]*BackgroundTask, 0, len(r.tasks))
	for _, task := range r.tasks {
		out = append(out, cloneTask(task))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// PruneBackgroundTasks evicts terminal tasks older than the TTL and
// returns how many were removed.
func (r *Registry) PruneBackgroundTasks(ttl time.Duration) int {
	cutoff := r.now().Add(-ttl)
	r.tasksMu.Lock()
	defer r.tasksMu.Unlock()
	pruned := 0
	for id, task := range r.tasks {
		if task.Status.terminal() && !task.FinishedAt.IsZero() && task.FinishedAt.Before(cutoff) {
			delete(r.tasks, id)
			pruned++
		}
	}
	return pruned
}

func cloneTask(t *BackgroundTask) *BackgroundTask {
	c := *t
	c.Params = cloneParams(t.Params)
	c.cancel = nil
	c.done = nil
	return &c
}
