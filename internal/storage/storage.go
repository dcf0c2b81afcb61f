// Package storage defines the persistence boundary of spec.md §4.4: a
// small relational-find interface that the router mutates exclusively
// through transactions, plus the two adapters the spec calls out — an
// in-memory one and a SQL one.
package storage

import (
	"context"

	"github.com/livesync/engine/internal/query"
	"github.com/livesync/engine/internal/schema"
	"github.com/livesync/engine/internal/where"
)

// Record is a materialized row: its declared fields inferred to plain
// values (spec.md §4.4: "materialized record"), plus, when requested via
// an include tree, embedded relation values (nested Record for "one"
// relations, a []any of Record values for "many" relations). This is the shape
// where-clause evaluation, broadcast diffing, and wire frames consume.
type Record map[string]any

// Storage is the persistence boundary every Route mutates through. A
// successful Transaction is atomic per record-set and its caller is
// responsible for emitting exactly one broadcast per committed mutation
// (spec.md §4.4, §4.7).
//
// RawInsert/RawUpdate take a fully merged *schema.Record — the router
// performs schema.Schema.MergeMutation before calling either, so Storage
// itself never merges; it only persists the per-field value+meta state
// and renders a materialized Record back. RawFindRecord exposes the
// persisted per-field meta (timestamps) back to the router so the next
// mutation can merge against it.
type Storage interface {
	RawFindByID(ctx context.Context, resource, id string) (Record, error)
	RawFind(ctx context.Context, resource string, where query.WhereClause, include query.IncludeClause, limit int) (map[string]Record, error)
	RawFindRecord(ctx context.Context, resource, id string) (*schema.Record, error)
	RawInsert(ctx context.Context, resource string, rec *schema.Record) (Record, error)
	RawUpdate(ctx context.Context, resource string, rec *schema.Record) (Record, error)

	// Transaction runs fn against a handle whose Raw* methods shadow the
	// top-level ones within a single-writer, read-committed transaction.
	Transaction(ctx context.Context, fn func(ctx context.Context, tx Storage) error) error
}

// ErrNotFound is returned by RawFindByID/RawFindRecord/RawUpdate when the
// target record does not exist.
var ErrNotFound = notFoundError{}

type notFoundError struct{}

func (notFoundError) Error() string { return "storage: record not found" }

// MatchesWhere reports whether rec satisfies clause, the evaluator every
// adapter's RawFind filters through (spec.md §4.2).
func MatchesWhere(rec Record, clause query.WhereClause) bool {
	if clause == nil {
		return true
	}
	return where.Apply(rec, clause, false)
}

// ResolveInclude hydrates relation fields on rec according to include,
// using s.RawFindByID/RawFind for each relation's own where/limit
// (spec.md §4.4 "relations embedded when included"). Shared between the
// memory and SQL adapters so each only implements the scalar-column
// Raw* operations.
func ResolveInclude(ctx context.Context, s Storage, sch *schema.Schema, collection string, rec Record, include query.IncludeClause) error {
	if len(include) == 0 {
		return nil
	}
	obj, ok := sch.Collection(collection)
	if !ok {
		return nil
	}
	for relName, raw := range include {
		rel, ok := obj.Relation(relName)
		if !ok {
			continue
		}
		spec, _ := raw.(*query.IncludeSpec)

		switch rel.Kind {
		case schema.RelationOne:
			fk, _ := rec[rel.ForeignColumn].(string)
			if fk == "" {
				rec[relName] = nil
				continue
			}
			related, err := s.RawFindByID(ctx, rel.TargetCollection, fk)
			if err != nil {
				if err == ErrNotFound {
					rec[relName] = nil
					continue
				}
				return err
			}
			if spec != nil && len(spec.Include) > 0 {
				if err := ResolveInclude(ctx, s, sch, rel.TargetCollection, related, spec.Include); err != nil {
					return err
				}
			}
			rec[relName] = related
		case schema.RelationMany:
			where := query.WhereClause{rel.RelationalColumn: rec["id"]}
			var subInclude query.IncludeClause
			limit := 0
			if spec != nil {
				for k, v := range spec.Where {
					where[k] = v
				}
				subInclude = spec.Include
				limit = spec.Limit
			}
			matches, err := s.RawFind(ctx, rel.TargetCollection, where, subInclude, limit)
			if err != nil {
				return err
			}
			list := make([]any, 0, len(matches))
			for _, m := range matches {
				list = append(list, m)
			}
			rec[relName] = list
		}
	}
	return nil
}
