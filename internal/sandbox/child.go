package sandbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime/debug"
	"time"
)

// maxRequest caps the request a child will read.
const maxRequest = 64 << 20

// ServeChild is the entry point of a sandbox child process. It reads one
// request from stdin, applies process limits, runs the code and writes one
// response to stdout. The return value is the process exit code.
func ServeChild(stdin io.Reader, stdout io.Writer) int {
	var req childRequest
	if err := json.NewDecoder(io.LimitReader(stdin, maxRequest)).Decode(&req); err != nil {
		fmt.Fprintf(os.Stderr, "sandbox: reading request: %v\n", err)
		return 2
	}

	if err := applyLimits(req.MaxFiles, time.Duration(req.CPUSeconds)*time.Second); err != nil {
		fmt.Fprintf(os.Stderr, "sandbox: applying limits: %v\n", err)
		return 2
	}
	if req.MemoryMB > 0 {
		debug.SetMemoryLimit(int64(req.MemoryMB) << 20)
	}

	s := newSession(Limits{MaxSteps: req.MaxSteps})
	res, err := s.run(req.Code, req.Rows)

	resp := childResponse{Computed: res.Computed, Stdout: res.Stdout}
	if err != nil {
		var se *Error
		if !errors.As(err, &se) {
			se = &Error{Kind: KindLogic, Msg: err.Error()}
		}
		resp = childResponse{Error: &childError{
			Kind:    se.Kind,
			Message: se.Msg,
			NoEntry: errors.Is(err, ErrNoEntry),
		}}
	}

	if err := json.NewEncoder(stdout).Encode(resp); err != nil {
		fmt.Fprintf(os.Stderr, "sandbox: writing response: %v\n", err)
		return 2
	}
	return 0
}
