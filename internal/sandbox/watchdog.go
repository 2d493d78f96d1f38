package sandbox

import (
	"context"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

const watchInterval = 25 * time.Millisecond

// watchdog polls a process's RSS and open descriptor count. In relative mode
// it measures growth from the values seen at start, which is how the
// in-process runner accounts for the host's own footprint.
type watchdog struct {
	proc     *process.Process
	maxRSS   uint64
	maxFDs   int32
	baseRSS  uint64
	baseFDs  int32
	interval time.Duration
}

func newWatchdog(pid int, lim Limits, relative bool) (*watchdog, error) {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return nil, fmt.Errorf("watching pid %d: %w", pid, err)
	}
	w := &watchdog{
		proc:     p,
		maxRSS:   uint64(lim.MemoryMB) << 20,
		maxFDs:   int32(lim.MaxFiles),
		interval: watchInterval,
	}
	if relative {
		if mi, err := p.MemoryInfo(); err == nil {
			w.baseRSS = mi.RSS
		}
		if n, err := p.NumFDs(); err == nil {
			w.baseFDs = n
		}
	}
	return w, nil
}

// run polls until ctx ends, calling onExceed once when a limit is crossed.
func (w *watchdog) run(ctx context.Context, onExceed func(reason string)) {
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if reason := w.check(ctx); reason != "" {
				onExceed(reason)
				return
			}
		}
	}
}

func (w *watchdog) check(ctx context.Context) string {
	if w.maxRSS > 0 {
		if mi, err := w.proc.MemoryInfoWithContext(ctx); err == nil && mi.RSS > w.baseRSS {
			if grown := mi.RSS - w.baseRSS; grown > w.maxRSS {
				return fmt.Sprintf("memory limit exceeded: %d MB > %d MB", grown>>20, w.maxRSS>>20)
			}
		}
	}
	if w.maxFDs > 0 {
		if n, err := w.proc.NumFDsWithContext(ctx); err == nil && n-w.baseFDs > w.maxFDs {
			return fmt.Sprintf("open file limit exceeded: %d > %d", n-w.baseFDs, w.maxFDs)
		}
	}
	return ""
}
