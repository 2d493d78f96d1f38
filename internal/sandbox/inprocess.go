package sandbox

import (
	"context"
	"errors"
	"log/slog"
	"os"
)

// runInProcess executes on a Starlark thread inside the host process. Wall
// time and the watchdog cancel the thread instead of killing a process.
func (r *Runner) runInProcess(ctx context.Context, code string, rowsJSON []byte) (Result, error) {
	s := newSession(r.limits)

	runCtx, cancel := context.WithTimeout(ctx, r.limits.Timeout)
	defer cancel()

	go func() {
		<-runCtx.Done()
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			s.exceed("wall time limit exceeded")
			return
		}
		s.thread.Cancel("cancelled")
	}()

	if wd, err := newWatchdog(os.Getpid(), Limits{MemoryMB: r.limits.MemoryMB}, true); err == nil {
		go wd.run(runCtx, s.exceed)
	} else {
		slog.Warn("sandbox watchdog unavailable", "error", err)
	}

	res, err := s.run(code, rowsJSON)
	if err != nil && ctx.Err() != nil && !isKind(err, KindResource) {
		return Result{}, ctx.Err()
	}
	return res, err
}
