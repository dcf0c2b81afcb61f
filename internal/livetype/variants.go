package livetype

import (
	"encoding/json"
	"fmt"
	"time"
)

// Number is a float64-valued LWW register.
func Number() LiveType {
	return &atomic{
		name: "number",
		coerce: func(v any) (any, error) {
			switch n := v.(type) {
			case float64:
				return n, nil
			case int:
				return float64(n), nil
			case int64:
				return float64(n), nil
			case json.Number:
				f, err := n.Float64()
				return f, err
			default:
				return nil, fmt.Errorf("expected number, got %T", v)
			}
		},
		canonKey: canonJSON,
	}
}

// String is a string-valued LWW register.
func String() LiveType {
	return &atomic{
		name: "string",
		coerce: func(v any) (any, error) {
			s, ok := v.(string)
			if !ok {
				return nil, fmt.Errorf("expected string, got %T", v)
			}
			return s, nil
		},
		canonKey: canonJSON,
	}
}

// Boolean is a bool-valued LWW register.
func Boolean() LiveType {
	return &atomic{
		name: "boolean",
		coerce: func(v any) (any, error) {
			b, ok := v.(bool)
			if !ok {
				return nil, fmt.Errorf("expected boolean, got %T", v)
			}
			return b, nil
		},
		canonKey: canonJSON,
	}
}

// Date is an ISO-8601 string-valued LWW register. Materialized as a string
// (not time.Time) so round-tripping through JSON never loses precision or
// timezone representation; RFC3339 strings already compare lexicographically
// in step with chronological order.
func Date() LiveType {
	return &atomic{
		name: "date",
		coerce: func(v any) (any, error) {
			s, ok := v.(string)
			if !ok {
				return nil, fmt.Errorf("expected ISO-8601 date string, got %T", v)
			}
			if _, err := time.Parse(time.RFC3339Nano, s); err != nil {
				return nil, fmt.Errorf("invalid date %q: %w", s, err)
			}
			return s, nil
		},
		canonKey: canonJSON,
	}
}

// Reference is a foreign-key LWW register: the id (string) of the target
// record in the related collection.
func Reference() LiveType {
	return &atomic{
		name: "reference",
		coerce: func(v any) (any, error) {
			s, ok := v.(string)
			if !ok {
				return nil, fmt.Errorf("expected reference id string, got %T", v)
			}
			return s, nil
		},
		canonKey: canonJSON,
	}
}
