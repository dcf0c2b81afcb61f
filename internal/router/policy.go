package router

import (
	"context"

	"github.com/livesync/engine/internal/query"
)

// Decision is what every policy slot returns (spec.md §4.5, §7
// "Authorization"): either a where-clause the caller must additionally
// satisfy, or a plain boolean (true = identity/allow, false = deny).
// Exactly one of the two is meaningful per call; Clause takes priority
// when non-nil.
type Decision struct {
	Clause query.WhereClause
	Allow  bool
}

// Allowed is the identity decision: no restriction, access granted.
var Allowed = Decision{Allow: true}

// Denied unconditionally refuses access.
var Denied = Decision{Allow: false}

// RequireClause restricts access to records satisfying clause.
func RequireClause(clause query.WhereClause) Decision {
	return Decision{Clause: clause}
}

// ReadPolicy is evaluated before a query touches storage (spec.md §4.5:
// "compute effectiveWhere = req.where ∧ readPolicy(ctx)").
type ReadPolicy func(ctx context.Context) Decision

// RecordPolicy is evaluated against a materialized record: insert
// policies against the inferred record with id backfilled, update
// pre-policies against the pre-image, update post-policies against the
// post-image (spec.md §4.5, §9).
type RecordPolicy func(ctx context.Context, record map[string]any) Decision

// Policy holds a Route's three authorization slots (spec.md §4.5: "schema
// reference, ordered middleware chain, map of custom mutations, optional
// authorization policy").
type Policy struct {
	Read       ReadPolicy
	Insert     RecordPolicy
	UpdatePre  RecordPolicy
	UpdatePost RecordPolicy
}
