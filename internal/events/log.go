// Package events provides the append-only workflow event log and its
// projection into task state.
package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/orchbot/orchbot/internal/tasks"
)

// Phase labels a workflow event's lifecycle position.
type Phase string

const (
	PhaseAssign   Phase = "assign"
	PhaseProgress Phase = "progress"
	PhaseBlocked  Phase = "blocked"
	PhaseDone     Phase = "done"
	PhaseApproval Phase = "approval"
)

// Source identifies who produced an event.
type Source string

const (
	SourceOutbound Source = "outbound"
	SourceInbound  Source = "inbound"
	SourceSystem   Source = "system"
)

// Event is one persisted workflow observation. Rows are append-only.
type Event struct {
	EventID    string         `json:"event_id"`
	RunID      string         `json:"run_id"`
	TaskID     string         `json:"task_id"`
	AgentID    string         `json:"agent_id"`
	Phase      Phase          `json:"phase"`
	Summary    string         `json:"summary"`
	Payload    map[string]any `json:"payload,omitempty"`
	Provider   string         `json:"provider,omitempty"`
	ChatID     string         `json:"chat_id,omitempty"`
	ThreadID   string         `json:"thread_id,omitempty"`
	Source     Source         `json:"source"`
	DetailFile string         `json:"detail_file,omitempty"`
	At         time.Time      `json:"at"`
}

// AppendInput is the caller-facing append request. Detail, when set, is
// stored as a task detail block alongside the event.
type AppendInput struct {
	Event
	Detail string
}

// AppendResult reports whether the event id was already present.
type AppendResult struct {
	Deduped bool
	Event   *Event
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Phase  Phase
	TaskID string
	RunID  string
	AgentID string
	ChatID string
	Source Source
	Limit  int
	Offset int
}

type appendReq struct {
	ctx   context.Context
	input AppendInput
	reply chan appendReply
}

type appendReply struct {
	result *AppendResult
	err    error
}

// Log is the append-only event store. Appends serialize through a
// single-writer queue so event_id dedupe is authoritative and ordering is
// stable within the process.
type Log struct {
	db        *sql.DB
	logger    *slog.Logger
	requests  chan appendReq
	done      chan struct{}
	taskStore tasks.Store
	now       func() time.Time
}

// Open creates or opens the event store under the workspace.
func Open(workspace string) (*Log, error) {
	dir := filepath.Join(workspace, "runtime", "events")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create events dir: %w", err)
	}
	db, err := sql.Open("sqlite", filepath.Join(dir, "events.db"))
	if err != nil {
		return nil, fmt.Errorf("open event store: %w", err)
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS events (
			event_id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			task_id TEXT NOT NULL,
			agent_id TEXT NOT NULL DEFAULT '',
			phase TEXT NOT NULL,
			summary TEXT NOT NULL DEFAULT '',
			payload TEXT NOT NULL DEFAULT '{}',
			provider TEXT NOT NULL DEFAULT '',
			chat_id TEXT NOT NULL DEFAULT '',
			thread_id TEXT NOT NULL DEFAULT '',
			source TEXT NOT NULL DEFAULT 'system',
			detail_file TEXT NOT NULL DEFAULT '',
			ts TIMESTAMP NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_events_task ON events(task_id, ts);
		CREATE TABLE IF NOT EXISTS task_details (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id TEXT NOT NULL,
			ts TIMESTAMP NOT NULL,
			phase TEXT NOT NULL,
			run_id TEXT NOT NULL,
			agent_id TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_task_details_task ON task_details(task_id, id);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("init event tables: %w", err)
	}
	l := &Log{
		db:       db,
		logger:   slog.Default().With("component", "events"),
		requests: make(chan appendReq),
		done:     make(chan struct{}),
		now:      time.Now,
	}
	go l.writeLoop()
	return l, nil
}

// SetNow overrides the clock for tests.
func (l *Log) SetNow(now func() time.Time) {
	if now != nil {
		l.now = now
	}
}

// BindTaskStore attaches the projection target. Called after construction
// to break the log/store cycle.
func (l *Log) BindTaskStore(store tasks.Store) {
	l.taskStore = store
}

// Close stops the writer and releases the store.
func (l *Log) Close() error {
	close(l.done)
	return l.db.Close()
}

// Append persists one event. Calls are serialized FIFO with one write in
// flight; a duplicate event_id returns the stored row with Deduped=true.
func (l *Log) Append(ctx context.Context, input AppendInput) (*AppendResult, error) {
	req := appendReq{ctx: ctx, input: input, reply: make(chan appendReply, 1)}
	select {
	case l.requests <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.done:
		return nil, fmt.Errorf("event log closed")
	}
	select {
	case rep := <-req.reply:
		return rep.result, rep.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *Log) writeLoop() {
	for {
		select {
		case req := <-l.requests:
			result, err := l.append(req.input)
			req.reply <- appendReply{result: result, err: err}
		case <-l.done:
			return
		}
	}
}

func (l *Log) append(input AppendInput) (*AppendResult, error) {
	ev := input.Event
	if ev.EventID == "" {
		return nil, fmt.Errorf("event_id is required")
	}
	if ev.Phase == "" {
		return nil, fmt.Errorf("phase is required")
	}
	if existing, err := l.get(ev.EventID); err != nil {
		return nil, err
	} else if existing != nil {
		return &AppendResult{Deduped: true, Event: existing}, nil
	}
	if ev.At.IsZero() {
		ev.At = l.now()
	}
	if ev.Source == "" {
		ev.Source = SourceSystem
	}
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		payload = []byte("{}")
	}
	if _, err := l.db.Exec(`INSERT INTO events
		(event_id, run_id, task_id, agent_id, phase, summary, payload, provider, chat_id, thread_id, source, detail_file, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.EventID, ev.RunID, ev.TaskID, ev.AgentID, string(ev.Phase), ev.Summary, string(payload),
		ev.Provider, ev.ChatID, ev.ThreadID, string(ev.Source), ev.DetailFile, ev.At.UTC()); err != nil {
		return nil, fmt.Errorf("persist event %s: %w", ev.EventID, err)
	}
	if input.Detail != "" && ev.TaskID != "" {
		if _, err := l.db.Exec(`INSERT INTO task_details (task_id, ts, phase, run_id, agent_id, detail)
			VALUES (?, ?, ?, ?, ?, ?)`,
			ev.TaskID, ev.At.UTC(), string(ev.Phase), ev.RunID, ev.AgentID, input.Detail); err != nil {
			l.logger.Warn("persist task detail failed", "task", ev.TaskID, "error", err)
		}
	}
	l.project(&ev)
	return &AppendResult{Event: &ev}, nil
}

var approvalTerms = regexp.MustCompile(`(?i)approve|approval|승인|허용|대기`)

// statusForPhase maps an event phase to a projected task status.
func statusForPhase(phase Phase, summary string) tasks.Status {
	switch phase {
	case PhaseDone:
		return tasks.StatusCompleted
	case PhaseApproval:
		return tasks.StatusWaitingApproval
	case PhaseBlocked:
		if approvalTerms.MatchString(summary) {
			return tasks.StatusWaitingApproval
		}
		return tasks.StatusFailed
	default:
		return tasks.StatusRunning
	}
}

func (l *Log) project(ev *Event) {
	if l.taskStore == nil || ev.TaskID == "" {
		return
	}
	task, ok := l.taskStore.Get(ev.TaskID)
	if !ok {
		title := strings.TrimSpace(ev.Summary)
		if len(title) > 120 {
			title = title[:120]
		}
		if title == "" {
			title = "Workflow:" + ev.TaskID
		}
		task = &tasks.Task{TaskID: ev.TaskID, Title: title}
	}
	task.Status = statusForPhase(ev.Phase, ev.Summary)
	task.CurrentTurn++
	task.CurrentStep = ev.Summary
	if task.Memory == nil {
		task.Memory = map[string]any{}
	}
	task.Memory["workflow"] = map[string]any{
		"run_id":    ev.RunID,
		"agent_id":  ev.AgentID,
		"provider":  ev.Provider,
		"chat_id":   ev.ChatID,
		"thread_id": ev.ThreadID,
		"phase":     string(ev.Phase),
	}
	l.taskStore.Upsert(task)
}

func (l *Log) get(eventID string) (*Event, error) {
	row := l.db.QueryRow(`SELECT event_id, run_id, task_id, agent_id, phase, summary, payload,
		provider, chat_id, thread_id, source, detail_file, ts FROM events WHERE event_id = ?`, eventID)
	ev, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return ev, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*Event, error) {
	var ev Event
	var phase, source, payload string
	if err := row.Scan(&ev.EventID, &ev.RunID, &ev.TaskID, &ev.AgentID, &phase, &ev.Summary,
		&payload, &ev.Provider, &ev.ChatID, &ev.ThreadID, &source, &ev.DetailFile, &ev.At); err != nil {
		return nil, err
	}
	ev.Phase = Phase(phase)
	ev.Source = Source(source)
	if payload != "" && payload != "{}" {
		_ = json.Unmarshal([]byte(payload), &ev.Payload)
	}
	return &ev, nil
}

// List returns events matching the filter, newest first.
func (l *Log) List(filter Filter) ([]*Event, error) {
	query := `SELECT event_id, run_id, task_id, agent_id, phase, summary, payload,
		provider, chat_id, thread_id, source, detail_file, ts FROM events WHERE 1=1`
	var args []any
	add := func(clause string, value any) {
		query += " AND " + clause
		args = append(args, value)
	}
	if filter.Phase != "" {
		add("phase = ?", string(filter.Phase))
	}
	if filter.TaskID != "" {
		add("task_id = ?", filter.TaskID)
	}
	if filter.RunID != "" {
		add("run_id = ?", filter.RunID)
	}
	if filter.AgentID != "" {
		add("agent_id = ?", filter.AgentID)
	}
	if filter.ChatID != "" {
		add("chat_id = ?", filter.ChatID)
	}
	if filter.Source != "" {
		add("source = ?", string(filter.Source))
	}
	query += " ORDER BY ts DESC"
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, limit, filter.Offset)

	rows, err := l.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// ReadTaskDetail concatenates every detail block recorded for a task, each
// prefixed with its timestamp, phase, run, and agent.
func (l *Log) ReadTaskDetail(taskID string) (string, error) {
	rows, err := l.db.Query(`SELECT ts, phase, run_id, agent_id, detail
		FROM task_details WHERE task_id = ? ORDER BY id ASC`, taskID)
	if err != nil {
		return "", err
	}
	defer rows.Close()
	var b strings.Builder
	for rows.Next() {
		var ts time.Time
		var phase, runID, agentID, detail string
		if err := rows.Scan(&ts, &phase, &runID, &agentID, &detail); err != nil {
			return "", err
		}
		fmt.Fprintf(&b, "[%s] phase=%s run=%s agent=%s\n%s\n\n",
			ts.UTC().Format(time.RFC3339), phase, runID, agentID, detail)
	}
	return strings.TrimRight(b.String(), "\n"), rows.Err()
}
