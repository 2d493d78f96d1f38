// Package graphdb runs queries against the graph database and derives the
// schema snapshot used to prompt and to fingerprint cached answers.
package graphdb

import (
	"context"
	"fmt"
)

// Row is one result record keyed by column alias.
type Row = map[string]any

// Executor runs a query and returns its rows. Syntax and execution failures
// are returned as *QueryError.
type Executor interface {
	RunQuery(ctx context.Context, text string) ([]Row, error)
}

// QueryError is a failed query. Its message is what the repair oracle sees.
type QueryError struct {
	Query   string
	Code    string
	Message string
	Err     error
}

func (e *QueryError) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *QueryError) Unwrap() error { return e.Err }
