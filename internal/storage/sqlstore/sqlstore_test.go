package sqlstore_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"

	"github.com/livesync/engine/internal/livetype"
	"github.com/livesync/engine/internal/query"
	"github.com/livesync/engine/internal/schema"
	"github.com/livesync/engine/internal/storage"
	"github.com/livesync/engine/internal/storage/sqlstore"
	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"
)

func buildCardGroupSchema(t *testing.T) *schema.Schema {
	t.Helper()
	b := schema.NewBuilder()
	b.Collection("group").
		Field("id", livetype.String()).
		Field("name", livetype.String()).
		HasMany("cards", "card", "groupId")
	b.Collection("card").
		Field("id", livetype.String()).
		Field("groupId", livetype.Reference()).
		Field("status", livetype.String()).
		HasOne("group", "group", "groupId")
	s, err := b.Build()
	require.NoError(t, err)
	return s
}

func openStore(t *testing.T, sch *schema.Schema) *sqlstore.Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, sqlstore.EnsureSchema(context.Background(), db, sch))
	return sqlstore.Open(db, sch)
}

func wire(t *testing.T, value any, ts string) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(map[string]any{"value": value, "ts": ts})
	require.NoError(t, err)
	return b
}

func insertRecord(t *testing.T, sch *schema.Schema, collection, id string, fields map[string]any, ts string) *schema.Record {
	t.Helper()
	input := make(map[string]json.RawMessage, len(fields)+1)
	input["id"] = wire(t, id, ts)
	for k, v := range fields {
		input[k] = wire(t, v, ts)
	}
	rec, _, err := sch.MergeMutation(collection, livetype.Insert, input, nil)
	require.NoError(t, err)
	return rec
}

func TestSQLStoreRoundTripsInsertAndFind(t *testing.T) {
	ctx := context.Background()
	sch := buildCardGroupSchema(t)
	store := openStore(t, sch)

	rec := insertRecord(t, sch, "group", "g1", map[string]any{"name": "Backlog"}, "t1")
	_, err := store.RawInsert(ctx, "group", rec)
	require.NoError(t, err)

	found, err := store.RawFindByID(ctx, "group", "g1")
	require.NoError(t, err)
	require.Equal(t, "Backlog", found["name"])
}

func TestSQLStoreMissingReturnsErrNotFound(t *testing.T) {
	sch := buildCardGroupSchema(t)
	store := openStore(t, sch)
	_, err := store.RawFindByID(context.Background(), "group", "missing")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSQLStoreRawFindFiltersAndResolvesIncludes(t *testing.T) {
	ctx := context.Background()
	sch := buildCardGroupSchema(t)
	store := openStore(t, sch)

	g := insertRecord(t, sch, "group", "g1", map[string]any{"name": "Backlog"}, "t1")
	c1 := insertRecord(t, sch, "card", "c1", map[string]any{"status": "open", "groupId": "g1"}, "t1")
	c2 := insertRecord(t, sch, "card", "c2", map[string]any{"status": "done", "groupId": "g1"}, "t1")
	_, err := store.RawInsert(ctx, "group", g)
	require.NoError(t, err)
	_, err = store.RawInsert(ctx, "card", c1)
	require.NoError(t, err)
	_, err = store.RawInsert(ctx, "card", c2)
	require.NoError(t, err)

	matches, err := store.RawFind(ctx, "card", query.WhereClause{"status": "done"}, query.IncludeClause{"group": true}, 0)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	groupVal, ok := matches["c2"]["group"].(storage.Record)
	require.True(t, ok)
	require.Equal(t, "Backlog", groupVal["name"])
}

func TestSQLStoreTransactionCommitsInsertThenUpdate(t *testing.T) {
	ctx := context.Background()
	sch := buildCardGroupSchema(t)
	store := openStore(t, sch)
	inserted := insertRecord(t, sch, "group", "g1", map[string]any{"name": "Backlog"}, "t1")

	err := store.Transaction(ctx, func(ctx context.Context, tx storage.Storage) error {
		if _, err := tx.RawInsert(ctx, "group", inserted); err != nil {
			return err
		}
		prior, err := tx.RawFindRecord(ctx, "group", "g1")
		if err != nil {
			return err
		}
		input := map[string]json.RawMessage{"name": wire(t, "Renamed", "t2")}
		merged, _, err := sch.MergeMutation("group", livetype.Update, input, prior)
		if err != nil {
			return err
		}
		_, err = tx.RawUpdate(ctx, "group", merged)
		return err
	})
	require.NoError(t, err)

	rec, err := store.RawFindByID(ctx, "group", "g1")
	require.NoError(t, err)
	require.Equal(t, "Renamed", rec["name"])
}

func TestSQLStoreTransactionRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	sch := buildCardGroupSchema(t)
	store := openStore(t, sch)
	inserted := insertRecord(t, sch, "group", "g1", map[string]any{"name": "Backlog"}, "t1")

	err := store.Transaction(ctx, func(ctx context.Context, tx storage.Storage) error {
		if _, err := tx.RawInsert(ctx, "group", inserted); err != nil {
			return err
		}
		return context.DeadlineExceeded
	})
	require.Error(t, err)

	_, err = store.RawFindByID(ctx, "group", "g1")
	require.ErrorIs(t, err, storage.ErrNotFound)
}
