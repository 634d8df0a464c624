package cron

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	robfig "github.com/robfig/cron/v3"
)

var cronParser = robfig.NewParser(
	robfig.Minute | robfig.Hour | robfig.Dom | robfig.Month | robfig.Dow,
)

// parseCronExpr validates and parses a strict 5-field expression.
// Weekday 7 is normalized to 0 before parsing.
func parseCronExpr(expr string) (robfig.Schedule, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return nil, fmt.Errorf("expected 5 fields, got %d", len(fields))
	}
	fields[4] = normalizeDow(fields[4])
	return cronParser.Parse(strings.Join(fields, " "))
}

// normalizeDow rewrites weekday 7 to 0 inside lists, ranges, and steps.
// A range ending in 7 cannot be substituted in place — 5-7 would become
// the descending range 5-0 — so it expands to an ascending range plus 0.
func normalizeDow(field string) string {
	parts := strings.Split(field, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		expr, step, hasStep := strings.Cut(part, "/")
		lo, hi, isRange := strings.Cut(expr, "-")
		switch {
		case isRange && hi == "7":
			out = append(out, expandSevenRange(lo, step, hasStep)...)
			continue
		case !isRange && expr == "7":
			expr = "0"
		}
		if hasStep {
			expr += "/" + step
		}
		out = append(out, expr)
	}
	return strings.Join(out, ",")
}

// expandSevenRange turns lo-7 into lo-6 plus 0, keeping a step's stride:
// 7 is hit only when it lands on the stride from lo. Bounds that do not
// parse are passed through unchanged for the parser to reject.
func expandSevenRange(lo, step string, hasStep bool) []string {
	if lo == "7" {
		return []string{"0"}
	}
	original := lo + "-7"
	if hasStep {
		original += "/" + step
	}
	loN, err := strconv.Atoi(lo)
	if err != nil || loN < 0 || loN > 6 {
		return []string{original}
	}
	stride := 1
	if hasStep {
		stride, err = strconv.Atoi(step)
		if err != nil || stride <= 0 {
			return []string{original}
		}
	}
	expr := fmt.Sprintf("%d-6", loN)
	if hasStep {
		expr += "/" + step
	}
	parts := []string{expr}
	if (7-loN)%stride == 0 {
		parts = append(parts, "0")
	}
	return parts
}

// NextRun computes the next fire time in unix milliseconds after now.
// The boolean is false when the schedule has no future occurrence.
func (s Schedule) NextRun(now time.Time) (int64, bool, error) {
	switch s.Kind {
	case KindAt:
		// Overdue one-shots are preserved: the stale time is returned so
		// the tick loop fires them immediately.
		return s.AtMs, true, nil
	case KindEvery:
		if s.AtMs > 0 && s.AtMs > now.UnixMilli() {
			return s.AtMs, true, nil
		}
		return now.UnixMilli() + s.EveryMs, true, nil
	case KindCron:
		sched, err := parseCronExpr(s.Expr)
		if err != nil {
			return 0, false, err
		}
		loc := now.Location()
		if s.TZ != "" {
			tz, err := time.LoadLocation(s.TZ)
			if err != nil {
				return 0, false, fmt.Errorf("load zone %q: %w", s.TZ, err)
			}
			loc = tz
		}
		next := sched.Next(now.In(loc))
		if next.IsZero() || next.Sub(now) > 366*24*time.Hour {
			return 0, false, nil
		}
		return next.UnixMilli(), true, nil
	default:
		return 0, false, fmt.Errorf("unknown schedule kind %q", s.Kind)
	}
}
