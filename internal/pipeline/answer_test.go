package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/graphask/internal/graphdb"
	"github.com/kalambet/graphask/internal/oracle"
	"github.com/kalambet/graphask/internal/repair"
	"github.com/kalambet/graphask/internal/sandbox"
	"github.com/kalambet/graphask/internal/storage"
)

const countCode = "def main(rows):\n    print(\"rows:\", len(rows))\n    return {\"count\": len(rows)}\n"

type fakeSchema struct {
	snap graphdb.Snapshot
	err  error
}

func (f *fakeSchema) Snapshot(ctx context.Context) (graphdb.Snapshot, error) {
	return f.snap, f.err
}

type fakeOracle struct {
	mu     sync.Mutex
	drafts int
	code   string
}

func (f *fakeOracle) DraftQuery(ctx context.Context, question string, schema graphdb.Snapshot) (oracle.QueryProposal, error) {
	f.mu.Lock()
	f.drafts++
	f.mu.Unlock()
	return oracle.QueryProposal{Query: "MATCH (t:Tsk) RETURN t"}, nil
}

func (f *fakeOracle) RepairQuery(ctx context.Context, prev, errText string, schema graphdb.Snapshot, question string) (oracle.QueryProposal, error) {
	return oracle.QueryProposal{Query: "MATCH (t:Task {status:'DONE'}) RETURN t.id AS id", Rationale: "label is Task"}, nil
}

func (f *fakeOracle) DraftAnalysisCode(ctx context.Context, question string, rows []graphdb.Row) (oracle.CodeProposal, error) {
	return oracle.CodeProposal{Code: f.code}, nil
}

func (f *fakeOracle) ComposeAnswer(ctx context.Context, question string, computed json.RawMessage, sampleRows []graphdb.Row) (string, error) {
	return "There are 4 tasks in DONE. " + string(computed), nil
}

func (f *fakeOracle) Model() string { return "fake-model" }

// taskGraph fails any query without the Task label and returns four rows
// otherwise.
type taskGraph struct{}

func (taskGraph) RunQuery(ctx context.Context, text string) ([]graphdb.Row, error) {
	if !strings.Contains(text, ":Task") {
		return nil, &graphdb.QueryError{Query: text, Code: "Neo.ClientError.Statement.SyntaxError", Message: "unknown label Tsk"}
	}
	return []graphdb.Row{{"id": 1}, {"id": 2}, {"id": 3}, {"id": 4}}, nil
}

type memCache struct {
	mu   sync.Mutex
	data map[string]json.RawMessage
}

func (m *memCache) Get(ctx context.Context, question, fp string) (json.RawMessage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[fp+"|"+question]
	return v, ok
}

func (m *memCache) Put(ctx context.Context, question, fp string, answer json.RawMessage, ttl time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		m.data = map[string]json.RawMessage{}
	}
	m.data[fp+"|"+question] = answer
}

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func taskSnapshot() graphdb.Snapshot {
	return graphdb.Snapshot{Nodes: []graphdb.NodeShape{{Label: "Task", Properties: []string{"id", "status"}}}}
}

type harness struct {
	p      *Pipeline
	schema *fakeSchema
	oracle *fakeOracle
	cache  *memCache
	runs   *storage.Store
}

func newHarness(t *testing.T, code string) *harness {
	t.Helper()
	runner, err := sandbox.New(sandbox.Options{Mode: sandbox.ModeInProcess, Limits: sandbox.Limits{Timeout: 5 * time.Second}})
	if err != nil {
		t.Fatalf("sandbox.New: %v", err)
	}
	h := &harness{
		schema: &fakeSchema{snap: taskSnapshot()},
		oracle: &fakeOracle{code: code},
		cache:  &memCache{},
		runs:   openTestStore(t),
	}
	h.p = New(h.schema, h.oracle, taskGraph{}, runner, h.cache, h.runs, Options{MaxAttempts: 3, CacheTTL: time.Hour})
	return h
}

func TestAnswer_CountsDoneTasks(t *testing.T) {
	h := newHarness(t, countCode)

	out, err := h.p.Answer(context.Background(), "How many tasks are DONE?")
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if string(out.Computed) != `{"count":4}` {
		t.Errorf("Computed = %s, want {\"count\":4}", out.Computed)
	}
	if len(out.Attempts) != 2 || out.Attempts[0].OK || !out.Attempts[1].OK {
		t.Errorf("Attempts = %+v", out.Attempts)
	}
	if out.Attempts[0].FixNote != "label is Task" {
		t.Errorf("FixNote = %q", out.Attempts[0].FixNote)
	}
	if out.Cached {
		t.Error("first answer reported cached")
	}
	if len(out.DataPreview) != 4 || out.Stdout != "rows: 4\n" {
		t.Errorf("preview = %v, stdout = %q", out.DataPreview, out.Stdout)
	}
	if !strings.HasPrefix(out.Answer, "There are 4 tasks") {
		t.Errorf("Answer = %q", out.Answer)
	}
	if out.SchemaFP != taskSnapshot().Fingerprint() {
		t.Errorf("SchemaFP = %q", out.SchemaFP)
	}

	run, err := h.runs.GetRun(out.RunID)
	if err != nil {
		t.Fatalf("GetRun(%q): %v", out.RunID, err)
	}
	if run.Status != "ok" || run.Model != "fake-model" {
		t.Errorf("run = %+v", run)
	}
	var names []string
	for _, ev := range run.Events {
		names = append(names, ev.Name)
	}
	want := []string{"cypher.step", "cypher.step", "cypher.final", "analysis.plan", "analysis_code", "analysis.exec", "answer.compose", "answer"}
	if strings.Join(names, ",") != strings.Join(want, ",") {
		t.Errorf("events = %v, want %v", names, want)
	}
	if !strings.Contains(run.ManifestJSON, `"schema_fp":"`+out.SchemaFP+`"`) {
		t.Errorf("manifest = %s", run.ManifestJSON)
	}
}

func TestAnswer_ServesRepeatsFromCache(t *testing.T) {
	h := newHarness(t, countCode)
	ctx := context.Background()

	first, err := h.p.Answer(ctx, "How many tasks are DONE?")
	if err != nil {
		t.Fatalf("first Answer: %v", err)
	}
	second, err := h.p.Answer(ctx, "How many tasks are DONE?")
	if err != nil {
		t.Fatalf("second Answer: %v", err)
	}
	if !second.Cached {
		t.Error("second answer not cached")
	}
	if h.oracle.drafts != 1 {
		t.Errorf("oracle drafted %d queries, want 1", h.oracle.drafts)
	}
	if second.RunID != first.RunID || string(second.Computed) != string(first.Computed) {
		t.Errorf("cached = %+v, first = %+v", second, first)
	}
}

func TestAnswer_SchemaChangeMissesCache(t *testing.T) {
	h := newHarness(t, countCode)
	ctx := context.Background()

	if _, err := h.p.Answer(ctx, "How many tasks are DONE?"); err != nil {
		t.Fatalf("Answer: %v", err)
	}
	h.schema.snap.Nodes[0].Properties = append(h.schema.snap.Nodes[0].Properties, "owner")
	out, err := h.p.Answer(ctx, "How many tasks are DONE?")
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if out.Cached || h.oracle.drafts != 2 {
		t.Errorf("cached = %v, drafts = %d", out.Cached, h.oracle.drafts)
	}
}

func TestAnswer_ExhaustedFailsRun(t *testing.T) {
	h := newHarness(t, countCode)
	h.p.maxAttempts = 1

	out, err := h.p.Answer(context.Background(), "How many tasks are DONE?")
	if !errors.Is(err, repair.ErrExhausted) {
		t.Fatalf("err = %v, want ErrExhausted", err)
	}
	var qe *graphdb.QueryError
	if !errors.As(err, &qe) {
		t.Errorf("err = %v, want wrapped *graphdb.QueryError", err)
	}
	if len(out.Attempts) != 1 {
		t.Errorf("Attempts = %d, want 1", len(out.Attempts))
	}

	run, err := h.runs.GetRun(out.RunID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.Status != "failed" || !strings.Contains(run.Error, "exhausted") {
		t.Errorf("run status = %q, error = %q", run.Status, run.Error)
	}
	if len(h.cache.data) != 0 {
		t.Error("failed answer was cached")
	}
}

func TestAnswer_SandboxDeniesCapability(t *testing.T) {
	h := newHarness(t, "def main(rows):\n    return open(\"/etc/passwd\")\n")

	_, err := h.p.Answer(context.Background(), "How many tasks are DONE?")
	var se *sandbox.Error
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want *sandbox.Error", err)
	}
	if se.Kind != sandbox.KindCapability {
		t.Errorf("Kind = %q, want %q", se.Kind, sandbox.KindCapability)
	}
}

func TestAnswer_SchemaFailure(t *testing.T) {
	h := newHarness(t, countCode)
	h.schema.err = errors.New("connection refused")

	_, err := h.p.Answer(context.Background(), "q")
	if err == nil || !strings.Contains(err.Error(), "introspecting schema") {
		t.Errorf("err = %v", err)
	}
}
