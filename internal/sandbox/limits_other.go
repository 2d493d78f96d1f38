//go:build !linux

package sandbox

import "time"

// applyLimits is a no-op off linux; the parent's watchdog and wall-time
// timer still bound the child.
func applyLimits(int, time.Duration) error { return nil }
