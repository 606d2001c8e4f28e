package board

import (
	"bytes"
	"encoding/json"
)

// Reserved entity keys handled by the merge; everything else is opaque.
const (
	keyID        = "id"
	keyUpdatedAt = "updatedAt"
	keyDeleted   = "deleted"
)

// MarshalJSON serializes the entity with its opaque fields inlined.
// Zero-valued updatedAt and deleted are omitted; map keys are emitted in
// sorted order, so the output is deterministic.
func (e Entity) MarshalJSON() ([]byte, error) {
	m := make(map[string]json.RawMessage, len(e.Fields)+3)
	for k, v := range e.Fields {
		m[k] = v
	}
	id, err := json.Marshal(e.ID)
	if err != nil {
		return nil, err
	}
	m[keyID] = id
	if e.UpdatedAt != 0 {
		ts, _ := json.Marshal(e.UpdatedAt)
		m[keyUpdatedAt] = ts
	} else {
		delete(m, keyUpdatedAt)
	}
	if e.Deleted {
		m[keyDeleted] = json.RawMessage("true")
	} else {
		delete(m, keyDeleted)
	}
	return json.Marshal(m)
}

// UnmarshalJSON decodes an entity, splitting the reserved keys from the
// opaque payload. Malformed reserved values degrade to their zero value
// (a malformed id leaves the entity id-less, and Canonicalize drops it).
func (e *Entity) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*e = Entity{Fields: make(map[string]json.RawMessage)}
	for k, v := range raw {
		switch k {
		case keyID:
			var id string
			if json.Unmarshal(v, &id) == nil {
				e.ID = id
			}
		case keyUpdatedAt:
			var ts int64
			if json.Unmarshal(v, &ts) == nil {
				e.UpdatedAt = ts
			}
		case keyDeleted:
			var del bool
			if json.Unmarshal(v, &del) == nil {
				e.Deleted = del
			}
		default:
			e.Fields[k] = v
		}
	}
	return nil
}

// marshalEntity returns the deterministic serialized form used for
// tie-breaking. Marshal of an Entity cannot fail in practice; a failure
// yields an empty form, which still compares deterministically.
func marshalEntity(e Entity) []byte {
	data, err := json.Marshal(e)
	if err != nil {
		return nil
	}
	return data
}

// Parse decodes the textual form of a board into a canonical document.
// Blank input or a decode failure yields the empty canonical document:
// the merge must always have a usable result.
func Parse(text []byte) Document {
	if len(bytes.TrimSpace(text)) == 0 {
		return Empty()
	}
	var doc Document
	if err := json.Unmarshal(text, &doc); err != nil {
		return Empty()
	}
	return Canonicalize(doc)
}

// Serialize encodes a document, canonicalizing first so entities always
// appear in sorted id order.
func Serialize(doc Document) []byte {
	doc = Canonicalize(doc)
	data, err := json.Marshal(doc)
	if err != nil {
		// Only reachable with invalid opaque field payloads.
		data, _ = json.Marshal(Empty())
	}
	return data
}

// Reconcile merges the flat-text form of a board with its entity-graph form
// and returns the converged serialization plus the converged document, so
// both representations can be updated from one result.
func Reconcile(flatText []byte, graph Document) ([]byte, Document) {
	merged := Merge(Parse(flatText), graph)
	return Serialize(merged), merged
}
