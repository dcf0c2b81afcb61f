package schema

import (
	"encoding/json"
	"fmt"

	livetype "github.com/livesync/engine/internal/livetype"
)

// Record is a materialized row: {id, <field>: {value, meta}} (spec.md §3).
// Fields carry independent LWW timestamps, so two fields of the same
// record can legally disagree on "how fresh" they are.
type Record struct {
	ID     string
	Fields map[string]*livetype.Value
}

// InferValue flattens a Record into a plain map[string]any of current
// values (dropping meta), the shape handed to where-clause evaluation and
// wire QUERY_RESULT/BROADCAST frames.
func (r *Record) InferValue() map[string]any {
	out := make(map[string]any, len(r.Fields)+1)
	out["id"] = r.ID
	for name, v := range r.Fields {
		out[name] = v.Value
	}
	return out
}

// Clone returns a shallow copy safe to mutate independently of r (the
// nested *livetype.Value pointers are themselves treated as immutable once
// merged, so they are not deep-copied).
func (r *Record) Clone() *Record {
	out := &Record{ID: r.ID, Fields: make(map[string]*livetype.Value, len(r.Fields))}
	for k, v := range r.Fields {
		out.Fields[k] = v
	}
	return out
}

// MergeMutation implements the contract of spec.md §4.1:
// Schema.mergeMutation(collection, kind, inputFields, targetRecord?) →
// (mergedRecord, acceptedFields|null).
//
// For INSERT, target must be nil and every field present in input is
// decoded fresh. For UPDATE, target must be non-nil and every field
// present in input is merged against the corresponding field in target;
// fields absent from input are preserved verbatim. acceptedFields is nil
// when every input field was stale (no field actually changed).
func (s *Schema) MergeMutation(collection string, kind livetype.MutationKind, input map[string]json.RawMessage, target *Record) (*Record, map[string]*livetype.Value, error) {
	obj, ok := s.Collection(collection)
	if !ok {
		return nil, nil, fmt.Errorf("schema: unknown collection %q", collection)
	}
	if kind == livetype.Insert && target != nil {
		return nil, nil, fmt.Errorf("schema: INSERT must not carry a target record")
	}
	if kind == livetype.Update && target == nil {
		return nil, nil, fmt.Errorf("schema: UPDATE requires a target record")
	}

	var merged *Record
	if kind == livetype.Insert {
		merged = &Record{Fields: map[string]*livetype.Value{}}
	} else {
		merged = target.Clone()
	}

	accepted := map[string]*livetype.Value{}
	for _, name := range append([]string{"id"}, obj.FieldNames()...) {
		if name == "id" {
			continue
		}
		raw, present := input[name]
		if !present {
			continue // omitted fields preserved verbatim (already in merged via Clone)
		}
		lt := obj.Field(name)
		if lt == nil {
			return nil, nil, fmt.Errorf("schema: %s.%s is not a declared field", collection, name)
		}
		decoded, err := lt.Decode(kind, raw)
		if err != nil {
			return nil, nil, fmt.Errorf("schema: decoding %s.%s: %w", collection, name, err)
		}
		var prior *livetype.Value
		if kind == livetype.Update {
			prior = target.Fields[name]
		}
		winner, didAccept := lt.Merge(decoded, prior)
		merged.Fields[name] = winner
		if didAccept {
			accepted[name] = winner
		}
	}

	if kind == livetype.Insert {
		raw, present := input["id"]
		if !present {
			return nil, nil, fmt.Errorf("schema: INSERT into %s requires an id", collection)
		}
		idType := obj.Field("id")
		decoded, err := idType.Decode(kind, raw)
		if err != nil {
			return nil, nil, fmt.Errorf("schema: decoding %s.id: %w", collection, err)
		}
		idVal, _ := decoded.Value.(string)
		if idVal == "" {
			return nil, nil, fmt.Errorf("schema: INSERT into %s requires a non-empty string id", collection)
		}
		merged.ID = idVal
		accepted["id"] = decoded
	} else {
		merged.ID = target.ID
	}

	if len(accepted) == 0 {
		return merged, nil, nil
	}
	return merged, accepted, nil
}
