package board

import (
	"encoding/json"
	"testing"
)

func rawFields(pairs map[string]string) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(pairs))
	for k, v := range pairs {
		out[k] = json.RawMessage(v)
	}
	return out
}

func TestCanonicalizeIdempotent(t *testing.T) {
	doc := Document{
		Nodes: []Entity{
			{ID: "z", UpdatedAt: 5},
			{ID: "", UpdatedAt: 9}, // no id, dropped
			{ID: "a", Fields: rawFields(map[string]string{"label": `"hello"`})},
		},
		Edges: []Entity{
			{ID: "e2"},
			{ID: "e1", Deleted: true},
		},
	}

	once := Canonicalize(doc)
	twice := Canonicalize(once)

	if !Equal(once, twice) {
		t.Errorf("Canonicalize not idempotent:\nonce:  %s\ntwice: %s", Serialize(once), Serialize(twice))
	}

	if len(once.Nodes) != 2 {
		t.Fatalf("expected 2 nodes after dropping id-less entity, got %d", len(once.Nodes))
	}
	if once.Nodes[0].ID != "a" || once.Nodes[1].ID != "z" {
		t.Errorf("nodes not sorted by id: [%s %s]", once.Nodes[0].ID, once.Nodes[1].ID)
	}
	if once.Edges[0].ID != "e1" || once.Edges[1].ID != "e2" {
		t.Errorf("edges not sorted by id: [%s %s]", once.Edges[0].ID, once.Edges[1].ID)
	}
}

func TestParseSerializeRoundTrip(t *testing.T) {
	doc := Canonicalize(Document{
		Nodes: []Entity{
			{ID: "n1", UpdatedAt: 100, Fields: rawFields(map[string]string{"x": "10", "y": "20"})},
			{ID: "n2", Deleted: true, UpdatedAt: 50},
		},
		Edges: []Entity{
			{ID: "e1", UpdatedAt: 10, Fields: rawFields(map[string]string{"from": `"n1"`, "to": `"n2"`})},
		},
	})

	back := Parse(Serialize(doc))
	if !Equal(doc, back) {
		t.Errorf("round trip mismatch:\nwant: %s\ngot:  %s", Serialize(doc), Serialize(back))
	}
}

func TestParseMalformedInput(t *testing.T) {
	tests := []struct {
		name string
		text string
	}{
		{"blank", ""},
		{"whitespace", "  \n\t"},
		{"not json", "{nodes: ["},
		{"wrong shape", `[1, 2, 3]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := Parse([]byte(tt.text))
			if !Equal(doc, Empty()) {
				t.Errorf("Parse(%q) = %s, want empty document", tt.text, Serialize(doc))
			}
		})
	}
}

func TestDeleteWins(t *testing.T) {
	tombstone := Entity{ID: "n1", UpdatedAt: 100, Deleted: true}
	update := Entity{ID: "n1", UpdatedAt: 90, Fields: rawFields(map[string]string{"label": `"live"`})}

	// The tombstone is older by wall clock on one side of the concurrent
	// pair in some interleavings; it must still win in both argument orders.
	for _, pair := range [][2]Entity{{tombstone, update}, {update, tombstone}} {
		got := ResolveEntity(pair[0], pair[1])
		if !got.Deleted {
			t.Errorf("ResolveEntity(%v, %v): tombstone lost", pair[0].ID, pair[1].ID)
		}
	}
}

func TestResurrectOnlyIfNewer(t *testing.T) {
	tombstone := Entity{ID: "n1", UpdatedAt: 100, Deleted: true}
	staleRevive := Entity{ID: "n1", UpdatedAt: 100}
	freshRevive := Entity{ID: "n1", UpdatedAt: 101}

	if got := ResolveEntity(tombstone, staleRevive); !got.Deleted {
		t.Error("stale un-delete should not resurrect the entity")
	}
	if got := ResolveEntity(tombstone, freshRevive); got.Deleted {
		t.Error("newer un-delete should resurrect the entity")
	}
}

func TestTimestampOrdering(t *testing.T) {
	older := Entity{ID: "x", UpdatedAt: 5}
	newer := Entity{ID: "x", UpdatedAt: 9, Fields: rawFields(map[string]string{"label": `"B"`})}

	for _, pair := range [][2]Entity{{older, newer}, {newer, older}} {
		got := ResolveEntity(pair[0], pair[1])
		if got.UpdatedAt != 9 {
			t.Errorf("ResolveEntity picked updatedAt=%d, want 9", got.UpdatedAt)
		}
	}
}

func TestDeterministicTieBreak(t *testing.T) {
	a := Entity{ID: "x", UpdatedAt: 7, Fields: rawFields(map[string]string{"label": `"alpha"`})}
	b := Entity{ID: "x", UpdatedAt: 7, Fields: rawFields(map[string]string{"label": `"beta"`})}

	ab := ResolveEntity(a, b)
	ba := ResolveEntity(b, a)

	if string(marshalEntity(ab)) != string(marshalEntity(ba)) {
		t.Errorf("tie-break depends on argument order:\nab: %s\nba: %s",
			marshalEntity(ab), marshalEntity(ba))
	}
}

func TestMergeCommutative(t *testing.T) {
	a := Document{
		Nodes: []Entity{
			{ID: "n1", UpdatedAt: 10, Fields: rawFields(map[string]string{"label": `"one"`})},
			{ID: "n2", UpdatedAt: 20},
		},
	}
	b := Document{
		Nodes: []Entity{
			{ID: "n2", UpdatedAt: 25, Deleted: true},
			{ID: "n3", UpdatedAt: 5},
		},
		Edges: []Entity{
			{ID: "e1", UpdatedAt: 1},
		},
	}

	ab := Merge(a, b)
	ba := Merge(b, a)

	if !Equal(ab, ba) {
		t.Errorf("merge not commutative:\nab: %s\nba: %s", Serialize(ab), Serialize(ba))
	}

	if len(ab.Nodes) != 3 {
		t.Fatalf("expected union of 3 node ids, got %d", len(ab.Nodes))
	}
	if !ab.Nodes[1].Deleted {
		t.Error("n2 tombstone should survive the merge")
	}
}

func TestMergeIdempotent(t *testing.T) {
	a := Document{
		Nodes: []Entity{
			{ID: "n2", UpdatedAt: 20},
			{ID: "n1", UpdatedAt: 10},
		},
	}

	if got := Merge(a, a); !Equal(got, Canonicalize(a)) {
		t.Errorf("Merge(a, a) = %s, want %s", Serialize(got), Serialize(Canonicalize(a)))
	}
}

func TestReconcile(t *testing.T) {
	flat := []byte(`{"nodes":[{"id":"n1","updatedAt":10,"label":"old"}],"edges":[]}`)
	graph := Document{
		Nodes: []Entity{
			{ID: "n1", UpdatedAt: 12, Fields: rawFields(map[string]string{"label": `"new"`})},
		},
	}

	text, doc := Reconcile(flat, graph)

	if len(doc.Nodes) != 1 || doc.Nodes[0].UpdatedAt != 12 {
		t.Fatalf("reconciled doc = %s, want the newer n1", Serialize(doc))
	}
	if !Equal(Parse(text), doc) {
		t.Error("reconciled text and document disagree")
	}
}

func TestOpaqueFieldsPreserved(t *testing.T) {
	text := []byte(`{"nodes":[{"id":"n1","updatedAt":3,"x":100,"y":250,"color":"#ff0000"}],"edges":[]}`)

	doc := Parse(text)
	if len(doc.Nodes) != 1 {
		t.Fatalf("expected 1 node, got %d", len(doc.Nodes))
	}

	n := doc.Nodes[0]
	if string(n.Fields["x"]) != "100" || string(n.Fields["color"]) != `"#ff0000"` {
		t.Errorf("opaque fields lost: %v", n.Fields)
	}

	back := Parse(Serialize(doc))
	if string(back.Nodes[0].Fields["y"]) != "250" {
		t.Error("opaque fields lost through serialize/parse")
	}
}
