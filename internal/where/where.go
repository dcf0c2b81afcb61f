// Package where implements the where-clause evaluator of spec.md §4.2: a
// small predicate interpreter over a materialized record (or an embedded
// relation record/array of records), with $and/$or junctions, comparison
// operators, and $not sign-flipping localized to the leaf it wraps.
package where

import (
	"reflect"

	query "github.com/livesync/engine/internal/query"
)

var operatorKeys = map[string]bool{
	"$eq": true, "$in": true, "$not": true, "$gt": true, "$gte": true, "$lt": true, "$lte": true,
}

// Apply evaluates clause against record. negate should be false for a
// top-level call; it exists so that $not can invert just the comparison
// at its own leaf rather than the surrounding clause structure (spec.md
// §4.2: "$not X evaluates X with negate=true, which inverts the final
// boolean at the leaf, not the clause structurally").
func Apply(record map[string]any, clause query.WhereClause, negate bool) bool {
	for key, value := range clause {
		if !applyEntry(record, key, value, negate) {
			return false
		}
	}
	return true
}

func applyEntry(record map[string]any, key string, value any, negate bool) bool {
	switch key {
	case "$and":
		for _, arm := range asClauseSlice(value) {
			if !Apply(record, arm, negate) {
				return false
			}
		}
		return true
	case "$or":
		for _, arm := range asClauseSlice(value) {
			if Apply(record, arm, negate) {
				return true
			}
		}
		return false
	}

	fieldVal, hasField := record[key]

	if nested, ok := asClauseMap(value); ok && !isOperatorLeaf(nested) {
		switch v := fieldVal.(type) {
		case []any:
			// Existential semantics: at least one element matches.
			for _, elem := range v {
				if elemMap, ok := asRecordMap(elem); ok && Apply(elemMap, nested, negate) {
					return true
				}
			}
			return false
		case map[string]any:
			return Apply(v, nested, negate)
		default:
			return false
		}
	}

	if !hasField {
		fieldVal = nil
	}
	return evaluateLeaf(fieldVal, value, negate)
}

func evaluateLeaf(fieldVal any, spec any, negate bool) bool {
	if opMap, ok := asClauseMap(spec); ok && isOperatorLeaf(opMap) {
		for opKey, opVal := range opMap {
			switch opKey {
			case "$not":
				return evaluateLeaf(fieldVal, opVal, !negate)
			case "$eq":
				return maybeNegate(equalsValue(fieldVal, opVal), negate)
			case "$in":
				return maybeNegate(inArray(fieldVal, opVal), negate)
			case "$gt":
				return maybeNegate(numericCompare(fieldVal, opVal, func(c int) bool { return c > 0 }), negate)
			case "$gte":
				return maybeNegate(numericCompare(fieldVal, opVal, func(c int) bool { return c >= 0 }), negate)
			case "$lt":
				return maybeNegate(numericCompare(fieldVal, opVal, func(c int) bool { return c < 0 }), negate)
			case "$lte":
				return maybeNegate(numericCompare(fieldVal, opVal, func(c int) bool { return c <= 0 }), negate)
			}
		}
	}
	return maybeNegate(equalsValue(fieldVal, spec), negate)
}

func maybeNegate(result, negate bool) bool {
	if negate {
		return !result
	}
	return result
}

func equalsValue(fieldVal, literal any) bool {
	if literal == query.Null {
		return fieldVal == nil
	}
	if fa, fok := toFloat(fieldVal); fok {
		if la, lok := toFloat(literal); lok {
			return fa == la
		}
	}
	return reflect.DeepEqual(fieldVal, literal)
}

func inArray(fieldVal, arr any) bool {
	items, ok := arr.([]any)
	if !ok {
		return false
	}
	for _, item := range items {
		if equalsValue(fieldVal, item) {
			return true
		}
	}
	return false
}

// numericCompare applies cmp to the 3-way comparison of fieldVal and rhs,
// yielding false whenever either side is not numeric (spec.md §4.2:
// "$gt/$gte/$lt/$lte apply only when the record's value is numeric").
func numericCompare(fieldVal, rhs any, cmp func(int) bool) bool {
	fa, fok := toFloat(fieldVal)
	ra, rok := toFloat(rhs)
	if !fok || !rok {
		return false
	}
	switch {
	case fa < ra:
		return cmp(-1)
	case fa > ra:
		return cmp(1)
	default:
		return cmp(0)
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func isOperatorLeaf(m query.WhereClause) bool {
	if len(m) != 1 {
		return false
	}
	for k := range m {
		return operatorKeys[k]
	}
	return false
}

func asClauseSlice(v any) []query.WhereClause {
	switch arr := v.(type) {
	case []query.WhereClause:
		return arr
	case []any:
		out := make([]query.WhereClause, 0, len(arr))
		for _, el := range arr {
			if m, ok := asClauseMap(el); ok {
				out = append(out, m)
			}
		}
		return out
	}
	return nil
}

func asClauseMap(v any) (query.WhereClause, bool) {
	switch m := v.(type) {
	case query.WhereClause:
		return m, true
	case map[string]any:
		return query.WhereClause(m), true
	default:
		return nil, false
	}
}

func asRecordMap(v any) (map[string]any, bool) {
	m, ok := v.(map[string]any)
	return m, ok
}
