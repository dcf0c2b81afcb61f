// Package livetype implements the per-field CRDT register described in
// spec.md §3/§4.1: a LiveType encodes a mutation's raw input into a wire
// payload, decodes an incoming payload into a materialized value, and
// merges a newly-decoded value against whatever is already materialized
// using last-write-wins-by-timestamp with a deterministic tie-break.
package livetype

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// MutationKind distinguishes the two shapes a field mutation can arrive in.
// Both encode to the same wire payload shape; only validation differs
// (e.g. required fields on INSERT).
type MutationKind string

const (
	Insert MutationKind = "INSERT"
	Update MutationKind = "UPDATE"
)

// Meta is the CRDT metadata carried alongside every materialized field
// value. Deleted is reserved for the tombstone scheme described in
// SPEC_FULL.md §9/§11 and is not yet consulted by any merge rule.
type Meta struct {
	Timestamp string `json:"timestamp"`
	Deleted   bool   `json:"deleted,omitempty"`
}

// Value is a materialized field: {value, meta} per spec.md §3.
type Value struct {
	Value any  `json:"value"`
	Meta  Meta `json:"meta"`
}

// wirePayload is the on-the-wire encoding produced by Encode and consumed
// by Decode: the raw (unmerged) value plus the timestamp it was written at.
type wirePayload struct {
	Value any    `json:"value"`
	TS    string `json:"ts"`
}

// LiveType is the per-field codec contract. Implementations must be pure
// and side-effect free; a LiveType instance is immutable and safe for
// concurrent use once constructed by the schema.
type LiveType interface {
	// Name identifies the variant for diagnostics and schema rendering.
	Name() string

	// Encode converts a raw, already-validated Go input value into a wire
	// payload tagged with timestamp. Pure and deterministic: the same
	// (kind, input, timestamp) always encodes to the same bytes.
	Encode(kind MutationKind, input any, timestamp string) (json.RawMessage, error)

	// Decode converts a wire payload into a materialized Value. Decode
	// itself does not consult prior; Merge does. Decode must validate
	// that the payload's runtime type matches the field's declared type.
	Decode(kind MutationKind, payload json.RawMessage) (*Value, error)

	// Merge resolves a freshly decoded value against whatever is already
	// materialized for this field (nil on first write / INSERT). It
	// returns the winning Value and whether newVal's write was the one
	// that won (false on a stale no-op, per spec.md §4.1 third bullet).
	Merge(newVal *Value, prior *Value) (merged *Value, accepted bool)
}

// atomic implements the shared LWW contract for every scalar variant;
// concrete types only supply coercion and canonical-byte encoding.
type atomic struct {
	name     string
	coerce   func(any) (any, error)
	canonKey func(any) []byte // deterministic bytes used for tie-breaks
}

func (a *atomic) Name() string { return a.name }

func (a *atomic) Encode(_ MutationKind, input any, timestamp string) (json.RawMessage, error) {
	v, err := a.coerce(input)
	if err != nil {
		return nil, fmt.Errorf("livetype %s: %w", a.name, err)
	}
	return json.Marshal(wirePayload{Value: v, TS: timestamp})
}

func (a *atomic) Decode(_ MutationKind, payload json.RawMessage) (*Value, error) {
	var wp wirePayload
	if err := json.Unmarshal(payload, &wp); err != nil {
		return nil, fmt.Errorf("livetype %s: invalid payload: %w", a.name, err)
	}
	v, err := a.coerce(wp.Value)
	if err != nil {
		return nil, fmt.Errorf("livetype %s: %w", a.name, err)
	}
	return &Value{Value: v, Meta: Meta{Timestamp: wp.TS}}, nil
}

func (a *atomic) Merge(newVal *Value, prior *Value) (*Value, bool) {
	if prior == nil {
		return newVal, true
	}
	switch {
	case newVal.Meta.Timestamp > prior.Meta.Timestamp:
		return newVal, true
	case newVal.Meta.Timestamp < prior.Meta.Timestamp:
		return prior, false
	default:
		// Tie: lexicographic comparison of canonical payload bytes,
		// deterministic and identical across every peer.
		if bytes.Compare(a.canonKey(newVal.Value), a.canonKey(prior.Value)) > 0 {
			return newVal, true
		}
		return prior, false
	}
}

func canonJSON(v any) []byte {
	b, _ := json.Marshal(v)
	return b
}
