package where

import (
	"testing"

	query "github.com/livesync/engine/internal/query"
	"github.com/stretchr/testify/require"
)

func TestScalarImplicitEquality(t *testing.T) {
	record := map[string]any{"status": "done"}
	require.True(t, Apply(record, query.WhereClause{"status": "done"}, false))
	require.False(t, Apply(record, query.WhereClause{"status": "open"}, false))
}

func TestAndIsConjunction(t *testing.T) {
	record := map[string]any{"status": "done", "priority": float64(2)}
	clause := query.WhereClause{"status": "done", "priority": float64(2)}
	andClause := query.WhereClause{"$and": []query.WhereClause{
		{"status": "done"},
		{"priority": float64(2)},
	}}
	require.Equal(t, Apply(record, clause, false), Apply(record, andClause, false))
	require.True(t, Apply(record, andClause, false))
}

func TestOrMatchesAnyArm(t *testing.T) {
	record := map[string]any{"status": "done"}
	clause := query.WhereClause{"$or": []query.WhereClause{
		{"status": "open"},
		{"status": "done"},
	}}
	require.True(t, Apply(record, clause, false))
}

func TestNotInvertsLeafOnly(t *testing.T) {
	record := map[string]any{"status": "done"}
	require.False(t, Apply(record, query.WhereClause{"status": query.WhereClause{"$not": query.WhereClause{"$eq": "done"}}}, false))
	require.True(t, Apply(record, query.WhereClause{"status": query.WhereClause{"$not": query.WhereClause{"$eq": "open"}}}, false))
}

func TestDoubleNotCancelsOut(t *testing.T) {
	record := map[string]any{"status": "done"}
	clause := query.WhereClause{"status": query.WhereClause{"$not": query.WhereClause{"$not": query.WhereClause{"$eq": "done"}}}}
	require.True(t, Apply(record, clause, false))
}

func TestInOperator(t *testing.T) {
	record := map[string]any{"status": "done"}
	clause := query.WhereClause{"status": query.WhereClause{"$in": []any{"open", "done"}}}
	require.True(t, Apply(record, clause, false))

	clause = query.WhereClause{"status": query.WhereClause{"$in": []any{"open", "blocked"}}}
	require.False(t, Apply(record, clause, false))
}

func TestComparisonOperatorsRequireNumeric(t *testing.T) {
	record := map[string]any{"priority": float64(3)}
	require.True(t, Apply(record, query.WhereClause{"priority": query.WhereClause{"$gt": float64(2)}}, false))
	require.True(t, Apply(record, query.WhereClause{"priority": query.WhereClause{"$gte": float64(3)}}, false))
	require.True(t, Apply(record, query.WhereClause{"priority": query.WhereClause{"$lt": float64(4)}}, false))
	require.True(t, Apply(record, query.WhereClause{"priority": query.WhereClause{"$lte": float64(3)}}, false))

	nonNumeric := map[string]any{"priority": "high"}
	require.False(t, Apply(nonNumeric, query.WhereClause{"priority": query.WhereClause{"$gt": float64(2)}}, false))
}

func TestNullLiteralMatchesNilOnly(t *testing.T) {
	withValue := map[string]any{"deletedAt": "2026-01-01T00:00:00Z"}
	withNull := map[string]any{"deletedAt": nil}

	clause := query.WhereClause{"deletedAt": query.Null}
	require.False(t, Apply(withValue, clause, false))
	require.True(t, Apply(withNull, clause, false))
}

func TestMissingFieldTreatedAsNull(t *testing.T) {
	record := map[string]any{}
	require.True(t, Apply(record, query.WhereClause{"deletedAt": query.Null}, false))
}

func TestExistentialMatchOverArrayOfRecords(t *testing.T) {
	record := map[string]any{
		"cards": []any{
			map[string]any{"status": "open"},
			map[string]any{"status": "done"},
		},
	}
	require.True(t, Apply(record, query.WhereClause{"cards": query.WhereClause{"status": "done"}}, false))
	require.False(t, Apply(record, query.WhereClause{"cards": query.WhereClause{"status": "blocked"}}, false))
}

func TestNestedObjectRecursion(t *testing.T) {
	record := map[string]any{"group": map[string]any{"name": "Backlog"}}
	require.True(t, Apply(record, query.WhereClause{"group": query.WhereClause{"name": "Backlog"}}, false))
	require.False(t, Apply(record, query.WhereClause{"group": query.WhereClause{"name": "Archive"}}, false))
}
