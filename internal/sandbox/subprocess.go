package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os/exec"
	"sync"
)

type childRequest struct {
	Code       string          `json:"code"`
	Rows       json.RawMessage `json:"rows"`
	MaxSteps   uint64          `json:"max_steps"`
	MemoryMB   int             `json:"memory_mb"`
	MaxFiles   int             `json:"max_files"`
	CPUSeconds int             `json:"cpu_seconds"`
}

type childError struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
	NoEntry bool   `json:"no_entry,omitempty"`
}

type childResponse struct {
	Computed json.RawMessage `json:"computed,omitempty"`
	Stdout   string          `json:"stdout"`
	Error    *childError     `json:"error,omitempty"`
}

// runSubprocess re-executes the binary as a sandbox child and exchanges one
// JSON request and response over its stdin and stdout. The parent owns wall
// time and the RSS/FD watchdog; the child applies rlimits to itself.
func (r *Runner) runSubprocess(ctx context.Context, code string, rowsJSON []byte) (Result, error) {
	payload, err := json.Marshal(childRequest{
		Code:       code,
		Rows:       rowsJSON,
		MaxSteps:   r.limits.MaxSteps,
		MemoryMB:   r.limits.MemoryMB,
		MaxFiles:   r.limits.MaxFiles,
		CPUSeconds: int(math.Ceil(r.limits.Timeout.Seconds())) + 1,
	})
	if err != nil {
		return Result{}, fmt.Errorf("encoding sandbox request: %w", err)
	}

	cmd := exec.Command(r.command[0], r.command[1:]...)
	cmd.Env = r.env
	cmd.Stdin = bytes.NewReader(payload)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("starting sandbox child: %w", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, r.limits.Timeout)
	defer cancel()

	var (
		mu         sync.Mutex
		killReason string
	)
	kill := func(reason string) {
		mu.Lock()
		defer mu.Unlock()
		if killReason == "" {
			killReason = reason
			cmd.Process.Kill()
		}
	}

	if wd, err := newWatchdog(cmd.Process.Pid, r.limits, false); err == nil {
		go wd.run(runCtx, kill)
	} else {
		slog.Warn("sandbox watchdog unavailable", "error", err)
	}

	waitErr := make(chan error, 1)
	go func() { waitErr <- cmd.Wait() }()

	var exitErr error
	select {
	case exitErr = <-waitErr:
	case <-runCtx.Done():
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			kill("wall time limit exceeded")
		} else {
			kill("cancelled")
		}
		exitErr = <-waitErr
	}
	cancel()

	mu.Lock()
	reason := killReason
	mu.Unlock()
	if reason == "cancelled" {
		return Result{}, ctx.Err()
	}
	if reason != "" {
		return Result{}, &Error{Kind: KindResource, Msg: reason}
	}

	var resp childResponse
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		var ee *exec.ExitError
		if errors.As(exitErr, &ee) && ee.ProcessState.ExitCode() == -1 {
			// Killed by a signal it did not ask for: RLIMIT_CPU or the OOM killer.
			return Result{}, &Error{Kind: KindResource, Msg: fmt.Sprintf("sandbox process terminated: %v", exitErr)}
		}
		return Result{}, fmt.Errorf("sandbox child failed (%v): %s", exitErr, bytes.TrimSpace(stderr.Bytes()))
	}

	if resp.Error != nil {
		se := &Error{Kind: resp.Error.Kind, Msg: resp.Error.Message}
		if resp.Error.NoEntry {
			se.Err = ErrNoEntry
		}
		return Result{}, se
	}
	return Result{Computed: resp.Computed, Stdout: resp.Stdout}, nil
}
