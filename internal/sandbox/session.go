package sandbox

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	starjson "go.starlark.net/lib/json"
	"go.starlark.net/starlark"
)

// maxStdout caps captured print output.
const maxStdout = 1 << 20

// session is one execution of untrusted code on its own thread.
type session struct {
	thread   *starlark.Thread
	maxSteps uint64

	mu       sync.Mutex
	stdout   strings.Builder
	denied   string
	resource string
}

func newSession(lim Limits) *session {
	s := &session{maxSteps: lim.MaxSteps}
	s.thread = &starlark.Thread{
		Name:  "analysis",
		Print: s.print,
		Load: func(_ *starlark.Thread, module string) (starlark.StringDict, error) {
			return loadModule(s, module)
		},
	}
	if lim.MaxSteps > 0 {
		s.thread.SetMaxExecutionSteps(lim.MaxSteps)
	}
	return s
}

func (s *session) print(_ *starlark.Thread, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stdout.Len()+len(msg)+1 > maxStdout {
		s.exceedLocked("stdout limit exceeded")
		return
	}
	s.stdout.WriteString(msg)
	s.stdout.WriteByte('\n')
}

// deny records the first capability violation.
func (s *session) deny(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.denied == "" {
		s.denied = msg
	}
}

// exceed records a resource violation and stops the thread. Safe to call
// from watchdog goroutines.
func (s *session) exceed(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exceedLocked(reason)
}

func (s *session) exceedLocked(reason string) {
	if s.resource == "" {
		s.resource = reason
	}
	s.thread.Cancel(reason)
}

// run executes code, calls main with the decoded rows and JSON-encodes the
// return value.
func (s *session) run(code string, rowsJSON []byte) (Result, error) {
	globals, err := starlark.ExecFile(s.thread, "analysis.star", code, predeclared(s))
	if err != nil {
		return Result{}, s.classify(err)
	}

	entry, ok := globals["main"].(starlark.Callable)
	if !ok {
		return Result{}, noEntryError()
	}

	rows, err := starlark.Call(s.thread, starjson.Module.Members["decode"], starlark.Tuple{starlark.String(rowsJSON)}, nil)
	if err != nil {
		return Result{}, s.classify(err)
	}

	out, err := starlark.Call(s.thread, entry, starlark.Tuple{rows}, nil)
	if err != nil {
		return Result{}, s.classify(err)
	}

	enc, err := starlark.Call(s.thread, starjson.Module.Members["encode"], starlark.Tuple{out}, nil)
	if err != nil {
		if cerr := s.classify(err); !isKind(cerr, KindLogic) {
			return Result{}, cerr
		}
		return Result{}, &Error{Kind: KindLogic, Msg: fmt.Sprintf("result is not JSON-serializable: %v", err), Err: err}
	}
	str, _ := starlark.AsString(enc)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.resource != "" {
		return Result{}, &Error{Kind: KindResource, Msg: s.resource}
	}
	return Result{Computed: json.RawMessage(str), Stdout: s.stdout.String()}, nil
}

func (s *session) classify(err error) error {
	s.mu.Lock()
	denied, resource := s.denied, s.resource
	s.mu.Unlock()

	switch {
	case denied != "":
		return &Error{Kind: KindCapability, Msg: denied, Err: err}
	case resource != "":
		return &Error{Kind: KindResource, Msg: resource, Err: err}
	case s.maxSteps > 0 && s.thread.ExecutionSteps() >= s.maxSteps:
		return &Error{Kind: KindResource, Msg: fmt.Sprintf("step limit of %d exceeded", s.maxSteps), Err: err}
	}
	return &Error{Kind: KindLogic, Msg: err.Error(), Err: err}
}

func isKind(err error, k Kind) bool {
	se, ok := err.(*Error)
	return ok && se.Kind == k
}
