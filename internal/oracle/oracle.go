// Package oracle turns language model calls into typed proposals: graph
// queries, repaired queries, analysis code and the final answer text.
package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/kalambet/graphask/internal/engine"
	"github.com/kalambet/graphask/internal/graphdb"
)

// ErrMalformed is returned when the model's output holds no usable JSON
// object even after fences and surrounding prose are stripped.
var ErrMalformed = errors.New("oracle: malformed model output")

// TransportError wraps a failure to reach the model at all.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("oracle %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// QueryProposal is a drafted or repaired graph query.
type QueryProposal struct {
	Query     string `json:"query"`
	Rationale string `json:"rationale"`
}

// CodeProposal is drafted analysis code defining main(rows).
type CodeProposal struct {
	Code      string `json:"code"`
	Rationale string `json:"rationale"`
}

// maxPromptRows caps the rows embedded in analysis and compose prompts.
const maxPromptRows = 200

// Oracle issues the four model calls of the question chain.
type Oracle struct {
	engine engine.Engine
}

func New(e engine.Engine) *Oracle {
	return &Oracle{engine: e}
}

// Model returns the identifier of the underlying model.
func (o *Oracle) Model() string { return o.engine.Model() }

// DraftQuery proposes a query answering question over schema.
func (o *Oracle) DraftQuery(ctx context.Context, question string, schema graphdb.Snapshot) (QueryProposal, error) {
	prompt, err := userJSON(map[string]any{"question": question, "schema": schema.Normalize()})
	if err != nil {
		return QueryProposal{}, err
	}
	var p QueryProposal
	if err := o.structured(ctx, "draft_query", systemDraftQuery, prompt, &p); err != nil {
		return QueryProposal{}, err
	}
	if strings.TrimSpace(p.Query) == "" {
		return QueryProposal{}, fmt.Errorf("%w: draft_query returned no query", ErrMalformed)
	}
	return p, nil
}

// RepairQuery proposes a corrected query given the failed one and its error.
func (o *Oracle) RepairQuery(ctx context.Context, prev, errText string, schema graphdb.Snapshot, question string) (QueryProposal, error) {
	prompt, err := userJSON(map[string]any{
		"question":       question,
		"schema":         schema.Normalize(),
		"previous_query": prev,
		"error":          errText,
	})
	if err != nil {
		return QueryProposal{}, err
	}
	var p QueryProposal
	if err := o.structured(ctx, "repair_query", systemRepairQuery, prompt, &p); err != nil {
		return QueryProposal{}, err
	}
	if strings.TrimSpace(p.Query) == "" {
		return QueryProposal{}, fmt.Errorf("%w: repair_query returned no query", ErrMalformed)
	}
	return p, nil
}

// DraftAnalysisCode proposes Starlark defining main(rows).
func (o *Oracle) DraftAnalysisCode(ctx context.Context, question string, rows []graphdb.Row) (CodeProposal, error) {
	prompt, err := userJSON(map[string]any{"question": question, "rows": capRows(rows, maxPromptRows)})
	if err != nil {
		return CodeProposal{}, err
	}
	var p CodeProposal
	if err := o.structured(ctx, "analysis_code", systemAnalysisCode, prompt, &p); err != nil {
		return CodeProposal{}, err
	}
	if strings.TrimSpace(p.Code) == "" {
		return CodeProposal{}, fmt.Errorf("%w: analysis_code returned no code", ErrMalformed)
	}
	return p, nil
}

// ComposeAnswer writes the user-facing answer from the computed result.
func (o *Oracle) ComposeAnswer(ctx context.Context, question string, computed json.RawMessage, sampleRows []graphdb.Row) (string, error) {
	if len(computed) == 0 {
		computed = json.RawMessage("null")
	}
	prompt, err := userJSON(map[string]any{
		"question":    question,
		"computed":    computed,
		"sample_rows": capRows(sampleRows, 10),
	})
	if err != nil {
		return "", err
	}
	out, err := o.engine.Complete(ctx, engine.Request{Mode: "compose_answer", System: systemComposeAnswer, Prompt: prompt})
	if err != nil {
		return "", &TransportError{Op: "compose_answer", Err: err}
	}
	return strings.TrimSpace(out), nil
}

func (o *Oracle) structured(ctx context.Context, mode, system, prompt string, v any) error {
	out, err := o.engine.Complete(ctx, engine.Request{Mode: mode, System: system, Prompt: prompt, JSON: true})
	if err != nil {
		return &TransportError{Op: mode, Err: err}
	}
	obj, ok := extractJSON(out)
	if !ok {
		return fmt.Errorf("%w: %s: no JSON object in response", ErrMalformed, mode)
	}
	if err := json.Unmarshal([]byte(obj), v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformed, mode, err)
	}
	return nil
}

// extractJSON strips markdown code fences and returns the outermost {...}.
func extractJSON(resp string) (string, bool) {
	s := strings.TrimSpace(resp)

	if idx := strings.Index(s, "```"); idx != -1 {
		s = s[idx+3:]
		s = strings.TrimPrefix(s, "json")
		if end := strings.Index(s, "```"); end != -1 {
			s = s[:end]
		}
	}

	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start == -1 || end <= start {
		return "", false
	}
	return s[start : end+1], true
}

func userJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encoding prompt: %w", err)
	}
	return string(b), nil
}

func capRows(rows []graphdb.Row, n int) []graphdb.Row {
	if rows == nil {
		return []graphdb.Row{}
	}
	if len(rows) > n {
		return rows[:n]
	}
	return rows
}
