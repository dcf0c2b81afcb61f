package livetype

import "encoding/json"

// optional wraps an inner LiveType to permit an absent (nil) value. Its
// meta inherits from the inner type; only the value slot gains a null case.
type optional struct {
	inner LiveType
}

// Optional makes inner accept a null/absent value.
func Optional(inner LiveType) LiveType {
	return &optional{inner: inner}
}

func (o *optional) Name() string { return "optional<" + o.inner.Name() + ">" }

func (o *optional) Encode(kind MutationKind, input any, timestamp string) (json.RawMessage, error) {
	if input == nil {
		return json.Marshal(wirePayload{Value: nil, TS: timestamp})
	}
	return o.inner.Encode(kind, input, timestamp)
}

func (o *optional) Decode(kind MutationKind, payload json.RawMessage) (*Value, error) {
	var probe wirePayload
	if err := json.Unmarshal(payload, &probe); err != nil {
		return nil, err
	}
	if probe.Value == nil {
		return &Value{Value: nil, Meta: Meta{Timestamp: probe.TS}}, nil
	}
	return o.inner.Decode(kind, payload)
}

func (o *optional) Merge(newVal *Value, prior *Value) (*Value, bool) {
	if prior == nil {
		return newVal, true
	}
	switch {
	case newVal.Meta.Timestamp > prior.Meta.Timestamp:
		return newVal, true
	case newVal.Meta.Timestamp < prior.Meta.Timestamp:
		return prior, false
	default:
		if canonLess(prior.Value, newVal.Value) {
			return newVal, true
		}
		return prior, false
	}
}

// canonLess reports whether a's canonical JSON encoding sorts strictly
// before b's, used for the optional wrapper's own tie-break (it cannot
// delegate to the inner type's canonKey because either side may be nil).
func canonLess(a, b any) bool {
	ab, bb := canonJSON(a), canonJSON(b)
	for i := 0; i < len(ab) && i < len(bb); i++ {
		if ab[i] != bb[i] {
			return ab[i] < bb[i]
		}
	}
	return len(ab) < len(bb)
}
