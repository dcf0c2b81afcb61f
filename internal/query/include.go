package query

import schemapkg "github.com/livesync/engine/internal/schema"

var operatorKeys = map[string]bool{
	"$eq": true, "$in": true, "$not": true, "$gt": true, "$gte": true, "$lt": true, "$lte": true,
}

// ExtractIncludeFromWhere computes the minimum IncludeClause required to
// evaluate clause against rootCollection (spec.md §4.3, §8 "include
// minimality"): it walks clause, descends into $and/$or arms, and promotes
// any key naming a relation on the current collection to `true` (or a
// deeper tree when that key's value is itself a nested clause referencing
// further relations). Non-relation keys are ignored.
func ExtractIncludeFromWhere(clause WhereClause, rootCollection string, s *schemapkg.Schema) IncludeClause {
	if clause == nil {
		return nil
	}
	obj, ok := s.Collection(rootCollection)
	if !ok {
		return nil
	}

	result := IncludeClause{}
	for key, value := range clause {
		if key == "$and" || key == "$or" {
			for _, arm := range asClauseSlice(value) {
				sub := ExtractIncludeFromWhere(arm, rootCollection, s)
				result = mergeIncludeTrees(result, sub)
			}
			continue
		}
		if operatorKeys[key] {
			continue // never reached at top level, guards defensive recursion
		}
		if _, isRelation := obj.Relation(key); !isRelation {
			continue // non-relation keys are ignored
		}
		rel, _ := obj.Relation(key)
		if nested, ok := asClauseMap(value); ok {
			sub := ExtractIncludeFromWhere(nested, rel.TargetCollection, s)
			if len(sub) == 0 {
				result[key] = true
			} else {
				result[key] = mergeIncludeEntry(result[key], &IncludeSpec{Include: sub})
			}
		} else {
			result[key] = true
		}
	}
	if len(result) == 0 {
		return nil
	}
	return result
}

func mergeIncludeTrees(a, b IncludeClause) IncludeClause {
	if len(a) == 0 {
		return b
	}
	if len(b) == 0 {
		return a
	}
	return deepMergeInclude(a, b)
}

func mergeIncludeEntry(existing any, incoming *IncludeSpec) any {
	if existing == nil {
		return incoming
	}
	return mergeIncludeValue(existing, true, incoming)
}

func asClauseSlice(v any) []WhereClause {
	switch arr := v.(type) {
	case []WhereClause:
		return arr
	case []any:
		out := make([]WhereClause, 0, len(arr))
		for _, el := range arr {
			if m, ok := asClauseMap(el); ok {
				out = append(out, m)
			}
		}
		return out
	default:
		return nil
	}
}

func asClauseMap(v any) (WhereClause, bool) {
	switch m := v.(type) {
	case WhereClause:
		return m, true
	case map[string]any:
		return WhereClause(m), true
	default:
		return nil, false
	}
}
