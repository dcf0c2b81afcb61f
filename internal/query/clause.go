// Package query implements the query language of spec.md §3-§4.3:
// WhereClause/IncludeClause trees, the immutable QueryBuilder, canonical
// JSON hashing, and include-tree extraction from a where-clause.
package query

// WhereClause is a nested predicate expression tree (spec.md §3). Leaves at
// a field are either a bare scalar (implicit equality) or an operator
// object with exactly one of $eq/$in/$not/$gt/$gte/$lt/$lte. $and/$or are
// junctions over further clauses. A key naming a relation recurses into
// that relation's record shape.
type WhereClause map[string]any

// IncludeClause is a tree paralleling the relation graph (spec.md §3). At
// each relation the value is either `true` (shallow include, default
// filter) or an *IncludeSpec (a sub-query: where/include/limit).
type IncludeClause map[string]any

// IncludeSpec is the non-trivial value an IncludeClause entry can hold.
type IncludeSpec struct {
	Where   WhereClause   `json:"where,omitempty"`
	Include IncludeClause `json:"include,omitempty"`
	Limit   int           `json:"limit,omitempty"`
}

// Request is the canonical, hashable shape of a query (spec.md §3).
type Request struct {
	Resource string        `json:"resource"`
	Where    WhereClause   `json:"where,omitempty"`
	Include  IncludeClause `json:"include,omitempty"`
	Limit    int           `json:"limit,omitempty"`
}

// nullLiteral is the type of Null, the sentinel a WhereClause leaf holds for an explicit
// null literal, distinct from Go's nil so that a query-string `null`
// normalizes unambiguously at every nesting depth (spec.md §4.2, §6).
type nullLiteral struct{}

// Null is the canonical null-literal value used in WhereClause leaves.
var Null = nullLiteral{}
