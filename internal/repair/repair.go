// Package repair executes a drafted graph query and, when it fails, asks for a
// repaired query and tries again up to a fixed number of attempts.
package repair

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/kalambet/graphask/internal/graphdb"
	"github.com/kalambet/graphask/internal/oracle"
)

// ErrExhausted is wrapped around the last execution error when every
// allowed attempt failed.
var ErrExhausted = errors.New("query repair attempts exhausted")

// Synthesizer drafts and repairs queries. *oracle.Oracle implements it.
type Synthesizer interface {
	DraftQuery(ctx context.Context, question string, schema graphdb.Snapshot) (oracle.QueryProposal, error)
	RepairQuery(ctx context.Context, prev, errText string, schema graphdb.Snapshot, question string) (oracle.QueryProposal, error)
}

// Attempt records one execution of a query.
type Attempt struct {
	Query   string `json:"query"`
	OK      bool   `json:"ok"`
	Error   string `json:"error,omitempty"`
	FixNote string `json:"fix_note,omitempty"`
}

// Result is the outcome of a run. Attempts is populated on failure too.
type Result struct {
	Query    string
	Rows     []graphdb.Row
	Attempts []Attempt
}

// Loop runs the draft, execute, repair cycle.
type Loop struct {
	synth Synthesizer
	exec  graphdb.Executor
	log   *slog.Logger
}

func New(synth Synthesizer, exec graphdb.Executor) *Loop {
	return &Loop{synth: synth, exec: exec, log: slog.Default()}
}

// Run drafts a query for question and executes it, repairing on failure.
// maxAttempts below 1 is treated as 1. On success it returns after the first
// working query. When every attempt fails the error wraps ErrExhausted and
// the last *graphdb.QueryError. Oracle failures end the run immediately.
func (l *Loop) Run(ctx context.Context, question string, schema graphdb.Snapshot, maxAttempts int) (Result, error) {
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var res Result
	draft, err := l.synth.DraftQuery(ctx, question, schema)
	if err != nil {
		return res, fmt.Errorf("drafting query: %w", err)
	}
	query := draft.Query

	for n := 1; ; n++ {
		rows, err := l.exec.RunQuery(ctx, query)
		if err == nil {
			res.Attempts = append(res.Attempts, Attempt{Query: query, OK: true})
			res.Query = query
			res.Rows = rows
			return res, nil
		}

		res.Attempts = append(res.Attempts, Attempt{Query: query, Error: err.Error()})
		last := len(res.Attempts) - 1
		l.log.Debug("query attempt failed", "attempt", n, "error", err)

		if n >= maxAttempts {
			return res, fmt.Errorf("%w after %d attempts: %w", ErrExhausted, n, err)
		}

		fix, rerr := l.synth.RepairQuery(ctx, query, err.Error(), schema, question)
		if rerr != nil {
			return res, fmt.Errorf("repairing query: %w", rerr)
		}
		res.Attempts[last].FixNote = fix.Rationale
		query = fix.Query
	}
}
