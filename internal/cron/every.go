package cron

import (
	"context"
	"log/slog"
	"time"
)

// Every runs fn on a fixed interval until ctx is cancelled. Panics in fn
// are recovered and logged so one bad tick cannot kill the loop. Ops
// health and watchdog loops are driven by this helper.
func Every(ctx context.Context, interval time.Duration, fn func(ctx context.Context)) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				runTick(ctx, fn)
			}
		}
	}()
}

func runTick(ctx context.Context, fn func(ctx context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			slog.Default().Error("periodic tick panicked", "panic", r)
		}
	}()
	fn(ctx)
}
