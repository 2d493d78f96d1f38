// Package sandbox runs untrusted Starlark analysis code against query rows
// under a fixed capability set and resource limits.
package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/kalambet/graphask/internal/graphdb"
)

var (
	ErrCapabilityDenied = errors.New("capability denied")
	ErrResourceExceeded = errors.New("resource limit exceeded")
	ErrLogic            = errors.New("analysis code failed")
	ErrNoEntry          = errors.New("no main(rows) found")
)

// Kind classifies a sandbox failure.
type Kind string

const (
	KindCapability Kind = "capability"
	KindResource   Kind = "resource"
	KindLogic      Kind = "logic"
)

// Error is a failed analysis run. errors.Is matches the sentinel for its Kind.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("sandbox %s error: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	switch target {
	case ErrCapabilityDenied:
		return e.Kind == KindCapability
	case ErrResourceExceeded:
		return e.Kind == KindResource
	case ErrLogic:
		return e.Kind == KindLogic
	}
	return false
}

func noEntryError() *Error {
	return &Error{Kind: KindLogic, Msg: ErrNoEntry.Error(), Err: ErrNoEntry}
}

// Result is the output of one analysis run.
type Result struct {
	Computed json.RawMessage `json:"computed"`
	Stdout   string          `json:"stdout"`
}

// Limits bounds one run. Zero MaxSteps disables the step counter.
type Limits struct {
	Timeout  time.Duration
	MemoryMB int
	MaxFiles int
	MaxSteps uint64
}

const (
	ModeSubprocess = "subprocess"
	ModeInProcess  = "inprocess"
)

// Options configures a Runner.
type Options struct {
	Mode   string
	Limits Limits
	// Command is the child argv for subprocess mode. It defaults to the
	// running binary with the hidden "sandbox-exec" command.
	Command []string
	// Env is the child's complete environment. Nothing is inherited.
	Env []string
}

// Runner executes analysis code in the configured isolation mode.
type Runner struct {
	mode    string
	limits  Limits
	command []string
	env     []string
}

func New(opts Options) (*Runner, error) {
	r := &Runner{mode: opts.Mode, limits: opts.Limits, command: opts.Command, env: opts.Env}
	if r.mode == "" {
		r.mode = ModeSubprocess
	}
	if r.limits.Timeout <= 0 {
		r.limits.Timeout = 8 * time.Second
	}
	switch r.mode {
	case ModeSubprocess:
		if len(r.command) == 0 {
			exe, err := os.Executable()
			if err != nil {
				return nil, fmt.Errorf("locating sandbox binary: %w", err)
			}
			r.command = []string{exe, "sandbox-exec"}
		}
	case ModeInProcess:
	default:
		return nil, fmt.Errorf("unknown sandbox mode %q", r.mode)
	}
	if r.env == nil {
		r.env = []string{}
	}
	return r, nil
}

// Mode reports the isolation mode in use.
func (r *Runner) Mode() string { return r.mode }

// RunIsolated executes code, which must define main(rows), and returns the
// JSON encoding of main's return value together with captured print output.
func (r *Runner) RunIsolated(ctx context.Context, code string, rows []graphdb.Row) (Result, error) {
	if rows == nil {
		rows = []graphdb.Row{}
	}
	rowsJSON, err := json.Marshal(rows)
	if err != nil {
		return Result{}, &Error{Kind: KindLogic, Msg: fmt.Sprintf("rows are not JSON-serializable: %v", err), Err: err}
	}
	if r.mode == ModeInProcess {
		return r.runInProcess(ctx, code, rowsJSON)
	}
	return r.runSubprocess(ctx, code, rowsJSON)
}
