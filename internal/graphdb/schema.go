package graphdb

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"strings"
)

// NodeShape is one node label and the property keys seen on it.
type NodeShape struct {
	Label      string   `json:"label"`
	Properties []string `json:"props"`
}

// RelShape is one relationship type and the endpoint labels seen on it.
// Multi-label endpoints are joined with "/".
type RelShape struct {
	Type string   `json:"type"`
	From []string `json:"from"`
	To   []string `json:"to"`
}

// Snapshot is the observed shape of the graph. It is derived on demand and
// never persisted.
type Snapshot struct {
	Nodes []NodeShape `json:"nodes"`
	Rels  []RelShape  `json:"rels"`
}

// Normalize sorts and dedupes every list so equal shapes encode identically.
func (s Snapshot) Normalize() Snapshot {
	out := Snapshot{
		Nodes: make([]NodeShape, 0, len(s.Nodes)),
		Rels:  make([]RelShape, 0, len(s.Rels)),
	}
	for _, n := range s.Nodes {
		out.Nodes = append(out.Nodes, NodeShape{Label: n.Label, Properties: sortedSet(n.Properties)})
	}
	for _, r := range s.Rels {
		out.Rels = append(out.Rels, RelShape{Type: r.Type, From: sortedSet(r.From), To: sortedSet(r.To)})
	}
	sort.Slice(out.Nodes, func(i, j int) bool { return out.Nodes[i].Label < out.Nodes[j].Label })
	sort.Slice(out.Rels, func(i, j int) bool { return out.Rels[i].Type < out.Rels[j].Type })
	return out
}

// Fingerprint is the first 12 hex chars of SHA-1 over the canonical JSON
// encoding of the normalized snapshot.
func (s Snapshot) Fingerprint() string {
	b, _ := json.Marshal(s.Normalize())
	sum := sha1.Sum(b)
	return hex.EncodeToString(sum[:])[:12]
}

// JSON returns the canonical encoding, used verbatim in prompts.
func (s Snapshot) JSON() string {
	b, _ := json.Marshal(s.Normalize())
	return string(b)
}

func sortedSet(in []string) []string {
	out := slices.Clone(in)
	if out == nil {
		return []string{}
	}
	sort.Strings(out)
	return slices.Compact(out)
}

// Introspector builds a Snapshot by sampling the live database.
type Introspector struct {
	exec Executor
}

func NewIntrospector(exec Executor) *Introspector {
	return &Introspector{exec: exec}
}

// Snapshot reads labels, property keys (sampled from 50 nodes per label),
// relationship types and endpoint labels (sampled from 100 relationships).
func (in *Introspector) Snapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot

	rows, err := in.exec.RunQuery(ctx, "CALL db.labels() YIELD label RETURN label")
	if err != nil {
		return Snapshot{}, fmt.Errorf("listing labels: %w", err)
	}
	for _, r := range rows {
		label, _ := r["label"].(string)
		if label == "" {
			continue
		}
		q := fmt.Sprintf("MATCH (n:%s) WITH n LIMIT 50 UNWIND keys(n) AS k RETURN DISTINCT k", quoteName(label))
		keyRows, err := in.exec.RunQuery(ctx, q)
		if err != nil {
			return Snapshot{}, fmt.Errorf("sampling properties of %s: %w", label, err)
		}
		props := make([]string, 0, len(keyRows))
		for _, kr := range keyRows {
			if k, ok := kr["k"].(string); ok {
				props = append(props, k)
			}
		}
		snap.Nodes = append(snap.Nodes, NodeShape{Label: label, Properties: props})
	}

	rows, err = in.exec.RunQuery(ctx, "CALL db.relationshipTypes() YIELD relationshipType RETURN relationshipType")
	if err != nil {
		return Snapshot{}, fmt.Errorf("listing relationship types: %w", err)
	}
	for _, r := range rows {
		typ, _ := r["relationshipType"].(string)
		if typ == "" {
			continue
		}
		q := fmt.Sprintf(`MATCH (a)-[r:%s]->(b)
WITH labels(a) AS la, labels(b) AS lb LIMIT 100
RETURN collect(DISTINCT la) AS froms, collect(DISTINCT lb) AS tos`, quoteName(typ))
		endRows, err := in.exec.RunQuery(ctx, q)
		if err != nil {
			return Snapshot{}, fmt.Errorf("sampling endpoints of %s: %w", typ, err)
		}
		rel := RelShape{Type: typ}
		for _, er := range endRows {
			rel.From = append(rel.From, joinLabelSets(er["froms"])...)
			rel.To = append(rel.To, joinLabelSets(er["tos"])...)
		}
		snap.Rels = append(snap.Rels, rel)
	}

	return snap.Normalize(), nil
}

// joinLabelSets turns [["A","B"],["C"]] into ["A/B","C"].
func joinLabelSets(v any) []string {
	sets, _ := v.([]any)
	out := make([]string, 0, len(sets))
	for _, s := range sets {
		labels, _ := s.([]any)
		parts := make([]string, 0, len(labels))
		for _, l := range labels {
			if str, ok := l.(string); ok {
				parts = append(parts, str)
			}
		}
		sort.Strings(parts)
		if len(parts) > 0 {
			out = append(out, strings.Join(parts, "/"))
		}
	}
	return out
}

func quoteName(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}
