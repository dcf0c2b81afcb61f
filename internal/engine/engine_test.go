package engine_test

import (
	"context"
	"testing"

	"github.com/livesync/engine/internal/engine"
	"github.com/livesync/engine/internal/livetype"
	"github.com/livesync/engine/internal/query"
	"github.com/livesync/engine/internal/schema"
	"github.com/stretchr/testify/require"
)

type stubSource struct {
	records map[string]map[string]any
}

func (s *stubSource) FetchWithInclude(ctx context.Context, resource, id string, include query.IncludeClause) (map[string]any, error) {
	return s.records[resource+":"+id], nil
}

func buildSchema(t *testing.T) *schema.Schema {
	t.Helper()
	b := schema.NewBuilder()
	b.Collection("card").
		Field("id", livetype.String()).
		Field("status", livetype.String()).
		Field("groupId", livetype.Reference()).
		HasOne("group", "group", "groupId")
	b.Collection("group").
		Field("id", livetype.String()).
		Field("name", livetype.String()).
		HasMany("cards", "card", "groupId")
	s, err := b.Build()
	require.NoError(t, err)
	return s
}

func TestHandleMutationInsertNotifiesOnFalseToTrueTransition(t *testing.T) {
	sch := buildSchema(t)
	e := engine.New(sch, &stubSource{})

	hash, err := e.RegisterQuery(query.Request{Resource: "card", Where: query.WhereClause{"status": "open"}})
	require.NoError(t, err)

	var notified [][]string
	unregister, err := e.Subscribe(hash, func(ids []string) { notified = append(notified, ids) })
	require.NoError(t, err)
	defer unregister()

	err = e.HandleMutation(context.Background(), "card", "c1", map[string]any{"id": "c1", "status": "open"}, true)
	require.NoError(t, err)
	require.Len(t, notified, 1)
	require.ElementsMatch(t, []string{"c1"}, notified[0])
}

func TestHandleMutationInsertIgnoresNonMatchingRecord(t *testing.T) {
	sch := buildSchema(t)
	e := engine.New(sch, &stubSource{})
	hash, err := e.RegisterQuery(query.Request{Resource: "card", Where: query.WhereClause{"status": "open"}})
	require.NoError(t, err)

	var notified bool
	_, err = e.Subscribe(hash, func(ids []string) { notified = true })
	require.NoError(t, err)

	err = e.HandleMutation(context.Background(), "card", "c1", map[string]any{"id": "c1", "status": "done"}, true)
	require.NoError(t, err)
	require.False(t, notified)
}

func TestHandleMutationInsertIsIdempotentForKnownObject(t *testing.T) {
	sch := buildSchema(t)
	e := engine.New(sch, &stubSource{})
	_, err := e.LoadQueryResults(query.Request{Resource: "card"}, map[string]map[string]any{"c1": {"id": "c1"}})
	require.NoError(t, err)

	err = e.HandleMutation(context.Background(), "card", "c1", map[string]any{"id": "c1", "status": "open"}, true)
	require.NoError(t, err)
}

func TestHandleMutationUpdateTransitionsTrueToFalse(t *testing.T) {
	sch := buildSchema(t)
	e := engine.New(sch, &stubSource{})
	hash, err := e.RegisterQuery(query.Request{Resource: "card", Where: query.WhereClause{"status": "open"}})
	require.NoError(t, err)
	var notified [][]string
	_, err = e.Subscribe(hash, func(ids []string) { notified = append(notified, ids) })
	require.NoError(t, err)

	err = e.HandleMutation(context.Background(), "card", "c1", map[string]any{"id": "c1", "status": "open"}, true)
	require.NoError(t, err)
	err = e.HandleMutation(context.Background(), "card", "c1", map[string]any{"id": "c1", "status": "done"}, false)
	require.NoError(t, err)

	require.Len(t, notified, 2)
	require.Empty(t, notified[1])
}

func TestHandleMutationEvaluatesRelationWhereViaDataSource(t *testing.T) {
	sch := buildSchema(t)
	source := &stubSource{records: map[string]map[string]any{
		"card:c1": {"id": "c1", "status": "open", "group": map[string]any{"id": "g1", "name": "Backlog"}},
	}}
	e := engine.New(sch, source)
	hash, err := e.RegisterQuery(query.Request{Resource: "card", Where: query.WhereClause{"group": query.WhereClause{"name": "Backlog"}}})
	require.NoError(t, err)
	var notified [][]string
	_, err = e.Subscribe(hash, func(ids []string) { notified = append(notified, ids) })
	require.NoError(t, err)

	err = e.HandleMutation(context.Background(), "card", "c1", map[string]any{"id": "c1", "status": "open"}, true)
	require.NoError(t, err)
	require.Len(t, notified, 1)
	require.Equal(t, []string{"c1"}, notified[0])
}
