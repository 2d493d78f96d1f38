package graphdb

import (
	"context"
	"errors"
	"strings"
	"testing"
)

// fakeExecutor answers queries by matching a substring of the query text.
type fakeExecutor struct {
	responses map[string][]Row
	err       error
	queries   []string
}

func (f *fakeExecutor) RunQuery(_ context.Context, text string) ([]Row, error) {
	f.queries = append(f.queries, text)
	if f.err != nil {
		return nil, f.err
	}
	for frag, rows := range f.responses {
		if strings.Contains(text, frag) {
			return rows, nil
		}
	}
	return nil, nil
}

func taskGraph() *fakeExecutor {
	return &fakeExecutor{responses: map[string][]Row{
		"db.labels()": {{"label": "Task"}, {"label": "Person"}},
		"(n:`Task`)":  {{"k": "status"}, {"k": "title"}, {"k": "id"}},
		"(n:`Person`)": {{"k": "name"}},
		"db.relationshipTypes()": {{"relationshipType": "ASSIGNED_TO"}},
		"[r:`ASSIGNED_TO`]": {{
			"froms": []any{[]any{"Task"}},
			"tos":   []any{[]any{"Person", "Employee"}, []any{"Person"}},
		}},
	}}
}

func TestIntrospector_Snapshot(t *testing.T) {
	snap, err := NewIntrospector(taskGraph()).Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}

	if len(snap.Nodes) != 2 {
		t.Fatalf("got %d node shapes, want 2", len(snap.Nodes))
	}
	if snap.Nodes[0].Label != "Person" || snap.Nodes[1].Label != "Task" {
		t.Errorf("labels not sorted: %+v", snap.Nodes)
	}
	if got := strings.Join(snap.Nodes[1].Properties, ","); got != "id,status,title" {
		t.Errorf("Task props = %q, want id,status,title", got)
	}

	if len(snap.Rels) != 1 {
		t.Fatalf("got %d rel shapes, want 1", len(snap.Rels))
	}
	rel := snap.Rels[0]
	if strings.Join(rel.From, ",") != "Task" {
		t.Errorf("From = %v", rel.From)
	}
	if strings.Join(rel.To, ",") != "Employee/Person,Person" {
		t.Errorf("To = %v, want multi-label endpoint joined with /", rel.To)
	}
}

func TestIntrospector_PropagatesError(t *testing.T) {
	boom := errors.New("connection refused")
	_, err := NewIntrospector(&fakeExecutor{err: boom}).Snapshot(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want wrapped connection error", err)
	}
}

func TestIntrospector_QuotesNames(t *testing.T) {
	exec := &fakeExecutor{responses: map[string][]Row{
		"db.labels()": {{"label": "We`ird"}},
	}}
	if _, err := NewIntrospector(exec).Snapshot(context.Background()); err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	found := false
	for _, q := range exec.queries {
		if strings.Contains(q, "(n:`We``ird`)") {
			found = true
		}
	}
	if !found {
		t.Errorf("label not escaped in queries: %v", exec.queries)
	}
}

func TestFingerprint_StableUnderReordering(t *testing.T) {
	a := Snapshot{
		Nodes: []NodeShape{{Label: "Task", Properties: []string{"title", "status"}}, {Label: "Person", Properties: []string{"name"}}},
		Rels:  []RelShape{{Type: "ASSIGNED_TO", From: []string{"Task"}, To: []string{"Person"}}},
	}
	b := Snapshot{
		Nodes: []NodeShape{{Label: "Person", Properties: []string{"name", "name"}}, {Label: "Task", Properties: []string{"status", "title"}}},
		Rels:  []RelShape{{Type: "ASSIGNED_TO", From: []string{"Task"}, To: []string{"Person"}}},
	}

	fa, fb := a.Fingerprint(), b.Fingerprint()
	if fa != fb {
		t.Errorf("fingerprints differ for equal shapes: %s vs %s", fa, fb)
	}
	if len(fa) != 12 {
		t.Errorf("fingerprint length = %d, want 12", len(fa))
	}
}

func TestFingerprint_ChangesWithShape(t *testing.T) {
	base := Snapshot{Nodes: []NodeShape{{Label: "Task", Properties: []string{"status"}}}}
	withProp := Snapshot{Nodes: []NodeShape{{Label: "Task", Properties: []string{"status", "due"}}}}
	withRel := Snapshot{
		Nodes: base.Nodes,
		Rels:  []RelShape{{Type: "BLOCKS", From: []string{"Task"}, To: []string{"Task"}}},
	}

	seen := map[string]string{}
	for name, s := range map[string]Snapshot{"base": base, "prop": withProp, "rel": withRel} {
		fp := s.Fingerprint()
		if other, ok := seen[fp]; ok {
			t.Errorf("%s and %s share fingerprint %s", name, other, fp)
		}
		seen[fp] = name
	}
}

func TestSnapshotJSON_Canonical(t *testing.T) {
	s := Snapshot{Nodes: []NodeShape{{Label: "Task"}}}
	want := `{"nodes":[{"label":"Task","props":[]}],"rels":[]}`
	if got := s.JSON(); got != want {
		t.Errorf("JSON() = %s, want %s", got, want)
	}
}
