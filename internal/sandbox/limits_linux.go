//go:build linux

package sandbox

import (
	"fmt"
	"syscall"
	"time"
)

// applyLimits lowers the descriptor and CPU-time rlimits of the current
// process. Lowered limits cannot be raised again.
func applyLimits(maxFiles int, cpu time.Duration) error {
	if maxFiles > 0 {
		lim := &syscall.Rlimit{Cur: uint64(maxFiles), Max: uint64(maxFiles)}
		if err := syscall.Setrlimit(syscall.RLIMIT_NOFILE, lim); err != nil {
			return fmt.Errorf("RLIMIT_NOFILE: %w", err)
		}
	}
	if secs := uint64(cpu / time.Second); secs > 0 {
		lim := &syscall.Rlimit{Cur: secs, Max: secs + 1}
		if err := syscall.Setrlimit(syscall.RLIMIT_CPU, lim); err != nil {
			return fmt.Errorf("RLIMIT_CPU: %w", err)
		}
	}
	return nil
}
