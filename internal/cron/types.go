// Package cron provides a durable job scheduler with at/every/cron
// triggers and a filesystem lease that serializes execution across
// processes sharing the same store.
package cron

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ScheduleKind discriminates the schedule sum type.
type ScheduleKind string

const (
	KindAt    ScheduleKind = "at"
	KindEvery ScheduleKind = "every"
	KindCron  ScheduleKind = "cron"
)

// Schedule is the tagged external form of a job trigger.
type Schedule struct {
	Kind ScheduleKind `json:"kind"`
	// AtMs is the absolute fire time for "at", or the optional first-run
	// time for "every".
	AtMs int64 `json:"at_ms,omitempty"`
	// EveryMs is the repeat interval for "every".
	EveryMs int64 `json:"every_ms,omitempty"`
	// Expr is the 5-field cron expression for "cron".
	Expr string `json:"expr,omitempty"`
	// TZ is an optional IANA zone name, valid only with "cron".
	TZ string `json:"tz,omitempty"`
}

// Payload is what a fired job delivers to the callback.
type Payload struct {
	Message string `json:"message"`
	Deliver bool   `json:"deliver"`
	Channel string `json:"channel,omitempty"`
	To      string `json:"to,omitempty"`
}

// RunStatus is the outcome of the last execution.
type RunStatus string

const (
	RunOK    RunStatus = "ok"
	RunError RunStatus = "error"
)

// State is the mutable execution state of a job.
type State struct {
	NextRunAtMs      int64     `json:"next_run_at_ms,omitempty"`
	LastRunAtMs      int64     `json:"last_run_at_ms,omitempty"`
	LastStatus       RunStatus `json:"last_status,omitempty"`
	LastError        string    `json:"last_error,omitempty"`
	Running          bool      `json:"running"`
	RunningStartedAt int64     `json:"running_started_at_ms,omitempty"`
}

// Job is one persisted scheduled job.
type Job struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Enabled        bool      `json:"enabled"`
	Schedule       Schedule  `json:"schedule"`
	Payload        Payload   `json:"payload"`
	State          State     `json:"state"`
	DeleteAfterRun bool      `json:"delete_after_run"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Validate checks the schedule's structural invariants.
func (s Schedule) Validate() error {
	switch s.Kind {
	case KindAt:
		if s.AtMs <= 0 {
			return fmt.Errorf("at schedule requires a positive at_ms")
		}
		if s.TZ != "" {
			return fmt.Errorf("tz is only valid for cron schedules")
		}
	case KindEvery:
		if s.EveryMs <= 0 {
			return fmt.Errorf("every schedule requires a positive every_ms")
		}
		if s.TZ != "" {
			return fmt.Errorf("tz is only valid for cron schedules")
		}
	case KindCron:
		if strings.TrimSpace(s.Expr) == "" {
			return fmt.Errorf("cron schedule requires an expression")
		}
		if _, err := parseCronExpr(s.Expr); err != nil {
			return fmt.Errorf("invalid cron expression: %w", err)
		}
		if s.TZ != "" {
			if _, err := time.LoadLocation(s.TZ); err != nil {
				return fmt.Errorf("unknown time zone %q", s.TZ)
			}
		}
	default:
		return fmt.Errorf("unknown schedule kind %q", s.Kind)
	}
	return nil
}

// MarshalSchedule round-trips the schedule through its stable JSON form.
func MarshalSchedule(s Schedule) (string, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// UnmarshalSchedule parses the stable JSON form.
func UnmarshalSchedule(raw string) (Schedule, error) {
	var s Schedule
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return Schedule{}, err
	}
	return s, nil
}
