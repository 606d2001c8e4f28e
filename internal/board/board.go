// Package board implements the structured board document model: a JSON
// entity graph of nodes and edges with tombstone deletion semantics, and a
// deterministic merge that converges regardless of which replica runs it.
package board

import (
	"bytes"
	"encoding/json"
	"sort"
)

// Entity is one uniquely-identified element of a board document. Fields holds
// the opaque payload (positions, labels, colors, ...) untouched by the merge.
type Entity struct {
	ID        string
	UpdatedAt int64
	Deleted   bool
	Fields    map[string]json.RawMessage
}

// Document is a board: two entity sets keyed by id, each held in ascending
// lexicographic id order for deterministic serialization.
type Document struct {
	Nodes []Entity `json:"nodes"`
	Edges []Entity `json:"edges"`
}

// Empty returns the empty canonical document.
func Empty() Document {
	return Document{Nodes: []Entity{}, Edges: []Entity{}}
}

// Canonicalize coerces a document to canonical form: entities without an id
// are dropped, missing updatedAt defaults to 0 and missing deleted to false
// (both handled at decode time), duplicate ids are resolved, and each set is
// sorted ascending by id. Canonicalize is idempotent.
func Canonicalize(doc Document) Document {
	return Document{
		Nodes: canonicalizeSet(doc.Nodes),
		Edges: canonicalizeSet(doc.Edges),
	}
}

func canonicalizeSet(entities []Entity) []Entity {
	byID := make(map[string]Entity, len(entities))
	for _, e := range entities {
		if e.ID == "" {
			continue
		}
		if prev, ok := byID[e.ID]; ok {
			byID[e.ID] = ResolveEntity(prev, e)
			continue
		}
		byID[e.ID] = e
	}
	return sortedSet(byID)
}

func sortedSet(byID map[string]Entity) []Entity {
	out := make([]Entity, 0, len(byID))
	for _, e := range byID {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ResolveEntity picks the winner between two versions of the same entity.
//
// A tombstone beats any concurrent non-delete update regardless of timestamp;
// an un-delete only resurrects if it is strictly newer than the tombstone.
// Otherwise the greater updatedAt wins, and exact ties break on the
// lexicographically greater serialized form so every replica agrees.
func ResolveEntity(base, incoming Entity) Entity {
	switch {
	case incoming.Deleted && !base.Deleted:
		return incoming
	case base.Deleted && !incoming.Deleted:
		if incoming.UpdatedAt > base.UpdatedAt {
			return incoming
		}
		return base
	}

	if incoming.UpdatedAt > base.UpdatedAt {
		return incoming
	}
	if base.UpdatedAt > incoming.UpdatedAt {
		return base
	}

	if bytes.Compare(marshalEntity(incoming), marshalEntity(base)) > 0 {
		return incoming
	}
	return base
}

// MergeEntitySet merges two entity sets: the union of ids, with ids present
// on both sides resolved via ResolveEntity. The result is sorted by id.
func MergeEntitySet(base, incoming []Entity) []Entity {
	byID := make(map[string]Entity, len(base)+len(incoming))
	for _, e := range base {
		byID[e.ID] = e
	}
	for _, e := range incoming {
		if prev, ok := byID[e.ID]; ok {
			byID[e.ID] = ResolveEntity(prev, e)
			continue
		}
		byID[e.ID] = e
	}
	return sortedSet(byID)
}

// Merge merges two documents into a new canonical document.
// Merge is commutative, and Merge(a, a) equals Canonicalize(a).
func Merge(base, incoming Document) Document {
	base = Canonicalize(base)
	incoming = Canonicalize(incoming)
	return Document{
		Nodes: MergeEntitySet(base.Nodes, incoming.Nodes),
		Edges: MergeEntitySet(base.Edges, incoming.Edges),
	}
}

// Equal reports whether two documents are semantically equal, comparing
// their canonical serialized forms.
func Equal(a, b Document) bool {
	return bytes.Equal(Serialize(a), Serialize(b))
}
