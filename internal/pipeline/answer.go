// Package pipeline runs the question answering chain: schema snapshot, result
// cache lookup, query drafting with repair, sandboxed analysis and answer
// composition. Every uncached run is recorded as an audit run.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/graphask/internal/cache"
	"github.com/kalambet/graphask/internal/graphdb"
	"github.com/kalambet/graphask/internal/oracle"
	"github.com/kalambet/graphask/internal/repair"
	"github.com/kalambet/graphask/internal/sandbox"
	"github.com/kalambet/graphask/internal/storage"
)

// previewRows is how many result rows are kept in the answer payload and
// shown to the composer.
const previewRows = 10

// SchemaSource returns the current graph shape. *graphdb.Introspector
// implements it.
type SchemaSource interface {
	Snapshot(ctx context.Context) (graphdb.Snapshot, error)
}

// Oracle is the language model side of the chain. *oracle.Oracle implements it.
type Oracle interface {
	repair.Synthesizer
	DraftAnalysisCode(ctx context.Context, question string, rows []graphdb.Row) (oracle.CodeProposal, error)
	ComposeAnswer(ctx context.Context, question string, computed json.RawMessage, sampleRows []graphdb.Row) (string, error)
	Model() string
}

// Analyzer runs generated analysis code. *sandbox.Runner implements it.
type Analyzer interface {
	RunIsolated(ctx context.Context, code string, rows []graphdb.Row) (sandbox.Result, error)
}

// ResultCache stores finished answers. *cache.Cache implements it.
type ResultCache interface {
	Get(ctx context.Context, question, fp string) (json.RawMessage, bool)
	Put(ctx context.Context, question, fp string, answer json.RawMessage, ttl time.Duration)
}

// AuditLog records runs. *storage.Store implements it.
type AuditLog interface {
	CreateRun(r storage.Run) error
	LogToolCall(runID, tool string, input, output any, ok bool) error
	LogArtifact(runID, name, content string) error
	CompleteRun(runID, status, errMsg string) error
}

// Output is the payload stored on a DONE answer.
type Output struct {
	Answer       string           `json:"answer"`
	DataPreview  []graphdb.Row    `json:"data_preview"`
	Query        string           `json:"query"`
	AnalysisCode string           `json:"analysis_code"`
	Computed     json.RawMessage  `json:"computed"`
	Stdout       string           `json:"stdout"`
	Cached       bool             `json:"cached"`
	RunID        string           `json:"run_id,omitempty"`
	Attempts     []repair.Attempt `json:"attempts"`
	SchemaFP     string           `json:"schema_fp"`
}

type Options struct {
	MaxAttempts int
	CacheTTL    time.Duration
}

// Pipeline answers questions. It is safe for concurrent use.
type Pipeline struct {
	schema      SchemaSource
	oracle      Oracle
	loop        *repair.Loop
	analyzer    Analyzer
	results     ResultCache
	runs        AuditLog
	maxAttempts int
	cacheTTL    time.Duration
	log         *slog.Logger
}

// New wires a Pipeline. MaxAttempts defaults to 3 and CacheTTL to one hour.
func New(
	schema SchemaSource,
	orc Oracle,
	exec graphdb.Executor,
	analyzer Analyzer,
	results ResultCache,
	runs AuditLog,
	opts Options,
) *Pipeline {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = time.Hour
	}
	return &Pipeline{
		schema:      schema,
		oracle:      orc,
		loop:        repair.New(orc, exec),
		analyzer:    analyzer,
		results:     results,
		runs:        runs,
		maxAttempts: opts.MaxAttempts,
		cacheTTL:    opts.CacheTTL,
		log:         slog.Default(),
	}
}

// Answer runs the chain for question. On failure the returned Output still
// carries the run id and the attempts made so far.
func (p *Pipeline) Answer(ctx context.Context, question string) (Output, error) {
	start := time.Now()

	snap, err := p.schema.Snapshot(ctx)
	if err != nil {
		return Output{}, fmt.Errorf("introspecting schema: %w", err)
	}
	fp := snap.Fingerprint()

	if b, ok := p.results.Get(ctx, question, fp); ok {
		var out Output
		err := json.Unmarshal(b, &out)
		if err == nil {
			out.Cached = true
			p.log.Debug("answer served from cache", "schema_fp", fp)
			return out, nil
		}
		p.log.Warn("ignoring undecodable cache entry", "schema_fp", fp, "error", err)
	}

	run := p.startRun(question, fp)
	out, err := p.compute(ctx, run, question, snap)
	out.SchemaFP = fp
	out.RunID = run.id
	if err != nil {
		run.finish(err)
		p.log.Warn("question failed", "run_id", run.id, "attempts", len(out.Attempts), "error", err)
		return out, err
	}

	if b, err := json.Marshal(out); err != nil {
		p.log.Warn("encoding answer for cache", "run_id", run.id, "error", err)
	} else {
		p.results.Put(ctx, question, fp, b, p.cacheTTL)
	}
	run.finish(nil)

	p.log.Info("question answered",
		"run_id", run.id,
		"attempts", len(out.Attempts),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return out, nil
}

func (p *Pipeline) compute(ctx context.Context, run *auditRun, question string, snap graphdb.Snapshot) (Output, error) {
	var out Output

	res, err := p.loop.Run(ctx, question, snap, p.maxAttempts)
	out.Attempts = res.Attempts
	for i, a := range res.Attempts {
		run.toolCall("cypher.step", map[string]any{"attempt": i + 1, "query": a.Query}, a, a.OK)
	}
	if err != nil {
		return out, err
	}
	run.toolCall("cypher.final", map[string]any{"query": res.Query}, map[string]any{"rows": len(res.Rows)}, true)
	out.Query = res.Query
	out.DataPreview = preview(res.Rows)

	plan, err := p.oracle.DraftAnalysisCode(ctx, question, res.Rows)
	run.toolCall("analysis.plan", map[string]any{"rows": len(res.Rows)}, plan, err == nil)
	if err != nil {
		return out, fmt.Errorf("drafting analysis code: %w", err)
	}
	out.AnalysisCode = plan.Code
	run.artifact("analysis_code", plan.Code)

	result, err := p.analyzer.RunIsolated(ctx, plan.Code, res.Rows)
	if err != nil {
		run.toolCall("analysis.exec", nil, map[string]any{"error": err.Error()}, false)
		return out, fmt.Errorf("running analysis: %w", err)
	}
	run.toolCall("analysis.exec", nil, result, true)
	out.Computed = result.Computed
	out.Stdout = result.Stdout

	text, err := p.oracle.ComposeAnswer(ctx, question, result.Computed, out.DataPreview)
	run.toolCall("answer.compose", nil, text, err == nil)
	if err != nil {
		return out, fmt.Errorf("composing answer: %w", err)
	}
	out.Answer = text
	run.artifact("answer", text)
	return out, nil
}

func preview(rows []graphdb.Row) []graphdb.Row {
	if rows == nil {
		return []graphdb.Row{}
	}
	if len(rows) > previewRows {
		return rows[:previewRows]
	}
	return rows
}

// auditRun records one run. Audit writes are best effort: failures are
// logged and never fail the question. A run whose creation failed has an
// empty id and records nothing.
type auditRun struct {
	id  string
	log AuditLog
	l   *slog.Logger
}

func (p *Pipeline) startRun(question, fp string) *auditRun {
	manifest, _ := json.Marshal(map[string]string{
		"question":      question,
		"schema_fp":     fp,
		"cache_version": cache.Version,
	})
	r := &auditRun{id: uuid.NewString(), log: p.runs, l: p.log}
	err := p.runs.CreateRun(storage.Run{
		ID:           r.id,
		Agent:        "graphask",
		Model:        p.oracle.Model(),
		ManifestJSON: string(manifest),
	})
	if err != nil {
		p.log.Warn("creating audit run", "error", err)
		r.id = ""
	}
	return r
}

func (r *auditRun) toolCall(tool string, input, output any, ok bool) {
	if r.id == "" {
		return
	}
	if err := r.log.LogToolCall(r.id, tool, input, output, ok); err != nil {
		r.l.Warn("logging tool call", "run_id", r.id, "tool", tool, "error", err)
	}
}

func (r *auditRun) artifact(name, content string) {
	if r.id == "" {
		return
	}
	if err := r.log.LogArtifact(r.id, name, content); err != nil {
		r.l.Warn("logging artifact", "run_id", r.id, "name", name, "error", err)
	}
}

func (r *auditRun) finish(err error) {
	if r.id == "" {
		return
	}
	status, msg := "ok", ""
	if err != nil {
		status, msg = "failed", err.Error()
	}
	if cerr := r.log.CompleteRun(r.id, status, msg); cerr != nil {
		r.l.Warn("completing audit run", "run_id", r.id, "error", cerr)
	}
}
