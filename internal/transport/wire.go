package transport

import (
	"encoding/json"

	"github.com/livesync/engine/internal/query"
)

// EncodeFields wire-encodes a flat field→value payload into the
// map[string]json.RawMessage router.Request.Fields expects, stamping every
// field with the same ts — the shape spec.md §6's MUTATE frame carries
// (one `meta.timestamp` for the whole payload, not per field).
func EncodeFields(payload map[string]any, ts string) (map[string]json.RawMessage, error) {
	out := make(map[string]json.RawMessage, len(payload))
	for k, v := range payload {
		b, err := json.Marshal(map[string]any{"value": v, "ts": ts})
		if err != nil {
			return nil, err
		}
		out[k] = b
	}
	return out, nil
}

// NormalizeNulls walks a JSON-decoded value (as produced by unmarshaling
// into `any`) and replaces every Go nil — which is what encoding/json
// produces for a JSON null, at any nesting depth — with query.Null, so a
// where-clause or include-tree parsed off the wire or a query string
// matches what internal/where expects (spec.md §4.2, §6 "query-string
// null normalization applies at all depths").
func NormalizeNulls(v any) any {
	switch t := v.(type) {
	case nil:
		return query.Null
	case map[string]any:
		for k, inner := range t {
			t[k] = NormalizeNulls(inner)
		}
		return t
	case []any:
		for i, inner := range t {
			t[i] = NormalizeNulls(inner)
		}
		return t
	default:
		return v
	}
}
