package router_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/livesync/engine/internal/errs"
	"github.com/livesync/engine/internal/livetype"
	"github.com/livesync/engine/internal/query"
	"github.com/livesync/engine/internal/router"
	"github.com/livesync/engine/internal/schema"
	"github.com/livesync/engine/internal/storage"
	"github.com/livesync/engine/internal/storage/memstore"
	"github.com/stretchr/testify/require"
)

type ctxKey string

const userIDKey ctxKey = "userID"

func buildCardSchema(t *testing.T) *schema.Schema {
	t.Helper()
	b := schema.NewBuilder()
	b.Collection("card").
		Field("id", livetype.String()).
		Field("status", livetype.String()).
		Field("ownerId", livetype.String())
	s, err := b.Build()
	require.NoError(t, err)
	return s
}

func wire(t *testing.T, value any, ts string) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(map[string]any{"value": value, "ts": ts})
	require.NoError(t, err)
	return b
}

func TestHandleInsertMergesAndPersists(t *testing.T) {
	ctx := context.Background()
	sch := buildCardSchema(t)
	store := memstore.New(sch)
	route := router.NewRoute("card", sch, store)

	resp, err := route.Handle(ctx, &router.Request{
		Kind: router.KindInsert,
		ID:   "c1",
		Fields: map[string]json.RawMessage{
			"id":      wire(t, "c1", "t1"),
			"status":  wire(t, "open", "t1"),
			"ownerId": wire(t, "u1", "t1"),
		},
	})
	require.NoError(t, err)
	require.Equal(t, "open", resp.Record["status"])
	require.True(t, resp.Broadcast)
}

func TestHandleInsertConflictsOnExistingID(t *testing.T) {
	ctx := context.Background()
	sch := buildCardSchema(t)
	store := memstore.New(sch)
	route := router.NewRoute("card", sch, store)

	insert := func() (*router.Response, error) {
		return route.Handle(ctx, &router.Request{
			Kind:   router.KindInsert,
			ID:     "c1",
			Fields: map[string]json.RawMessage{"id": wire(t, "c1", "t1"), "status": wire(t, "open", "t1")},
		})
	}
	_, err := insert()
	require.NoError(t, err)

	_, err = insert()
	require.Error(t, err)
	e, ok := errs.As(err)
	require.True(t, ok)
	require.Equal(t, errs.CodeConflict, e.Code)
}

func TestHandleUpdateOnMissingRecordFails(t *testing.T) {
	ctx := context.Background()
	sch := buildCardSchema(t)
	store := memstore.New(sch)
	route := router.NewRoute("card", sch, store)

	_, err := route.Handle(ctx, &router.Request{
		Kind:   router.KindUpdate,
		ID:     "missing",
		Fields: map[string]json.RawMessage{"status": wire(t, "done", "t1")},
	})
	require.Error(t, err)
	e, ok := errs.As(err)
	require.True(t, ok)
	require.Equal(t, errs.CodeNotFound, e.Code)
}

// TestAuthorizedReadTranslatesToAndClause exercises the spec's scenario
// of a read policy {ownerId: ctx.userId} ANDed with the caller's own
// where-clause.
func TestAuthorizedReadTranslatesToAndClause(t *testing.T) {
	ctx := context.WithValue(context.Background(), userIDKey, "u1")
	sch := buildCardSchema(t)
	store := memstore.New(sch)
	route := router.NewRoute("card", sch, store)
	route.Policy.Read = func(ctx context.Context) router.Decision {
		uid, _ := ctx.Value(userIDKey).(string)
		return router.RequireClause(query.WhereClause{"ownerId": uid})
	}

	_, err := route.Handle(context.Background(), &router.Request{
		Kind:   router.KindInsert,
		ID:     "c1",
		Fields: map[string]json.RawMessage{"id": wire(t, "c1", "t1"), "status": wire(t, "open", "t1"), "ownerId": wire(t, "u1", "t1")},
	})
	require.NoError(t, err)
	_, err = route.Handle(context.Background(), &router.Request{
		Kind:   router.KindInsert,
		ID:     "c2",
		Fields: map[string]json.RawMessage{"id": wire(t, "c2", "t1"), "status": wire(t, "open", "t1"), "ownerId": wire(t, "u2", "t1")},
	})
	require.NoError(t, err)

	resp, err := route.Handle(ctx, &router.Request{
		Kind:  router.KindQuery,
		Where: query.WhereClause{"status": "open"},
	})
	require.NoError(t, err)
	require.Len(t, resp.Records, 1)
	_, ok := resp.Records["c1"]
	require.True(t, ok)
}

func TestReadPolicyDenyFailsBeforeStorageAccess(t *testing.T) {
	ctx := context.Background()
	sch := buildCardSchema(t)
	store := memstore.New(sch)
	route := router.NewRoute("card", sch, store)
	route.Policy.Read = func(context.Context) router.Decision { return router.Denied }

	_, err := route.Handle(ctx, &router.Request{Kind: router.KindQuery})
	require.Error(t, err)
	e, ok := errs.As(err)
	require.True(t, ok)
	require.Equal(t, errs.CodeUnauthorized, e.Code)
}

func TestInsertPolicyDeniesOnFailedRecordCheck(t *testing.T) {
	ctx := context.Background()
	sch := buildCardSchema(t)
	store := memstore.New(sch)
	route := router.NewRoute("card", sch, store)
	route.Policy.Insert = func(ctx context.Context, record map[string]any) router.Decision {
		return router.RequireClause(query.WhereClause{"status": "open"})
	}

	_, err := route.Handle(ctx, &router.Request{
		Kind:   router.KindInsert,
		ID:     "c1",
		Fields: map[string]json.RawMessage{"id": wire(t, "c1", "t1"), "status": wire(t, "closed", "t1")},
	})
	require.Error(t, err)
	e, ok := errs.As(err)
	require.True(t, ok)
	require.Equal(t, errs.CodeUnauthorized, e.Code)

	// The aborted transaction must roll back the insert it already issued.
	_, findErr := store.RawFindByID(ctx, "card", "c1")
	require.ErrorIs(t, findErr, storage.ErrNotFound)
}

// TestStaleUpdateReportsNoAcceptedValuesAndSkipsBroadcast covers spec.md
// §7 ("Staleness ... success with acceptedValues=null; no broadcast") and
// §8 scenario 2: an UPDATE whose every field is older than what's already
// stored is a no-op success, not an error, and must not be marked for
// fan-out.
func TestStaleUpdateReportsNoAcceptedValuesAndSkipsBroadcast(t *testing.T) {
	ctx := context.Background()
	sch := buildCardSchema(t)
	store := memstore.New(sch)
	route := router.NewRoute("card", sch, store)

	_, err := route.Handle(ctx, &router.Request{
		Kind: router.KindInsert,
		ID:   "c1",
		Fields: map[string]json.RawMessage{
			"id":     wire(t, "c1", "t5"),
			"status": wire(t, "fresh", "t5"),
		},
	})
	require.NoError(t, err)

	resp, err := route.Handle(ctx, &router.Request{
		Kind:   router.KindUpdate,
		ID:     "c1",
		Fields: map[string]json.RawMessage{"status": wire(t, "stale", "t3")},
	})
	require.NoError(t, err)
	require.Nil(t, resp.Accepted)
	require.False(t, resp.Broadcast)
	require.Equal(t, "fresh", resp.Record["status"])
}

// TestUpdateWithAcceptedFieldReportsAcceptedValuesAndBroadcasts is the
// mirror of the staleness case: a field that does win the LWW comparison
// is both reported back as an accepted value and marked for fan-out.
func TestUpdateWithAcceptedFieldReportsAcceptedValuesAndBroadcasts(t *testing.T) {
	ctx := context.Background()
	sch := buildCardSchema(t)
	store := memstore.New(sch)
	route := router.NewRoute("card", sch, store)

	_, err := route.Handle(ctx, &router.Request{
		Kind: router.KindInsert,
		ID:   "c1",
		Fields: map[string]json.RawMessage{
			"id":     wire(t, "c1", "t1"),
			"status": wire(t, "open", "t1"),
		},
	})
	require.NoError(t, err)

	resp, err := route.Handle(ctx, &router.Request{
		Kind:   router.KindUpdate,
		ID:     "c1",
		Fields: map[string]json.RawMessage{"status": wire(t, "done", "t2")},
	})
	require.NoError(t, err)
	require.NotNil(t, resp.Accepted)
	require.Contains(t, resp.Accepted, "status")
	require.Equal(t, "done", resp.Accepted["status"].Value)
	require.True(t, resp.Broadcast)
}

func TestCustomMutationBroadcastFalseIsRespected(t *testing.T) {
	ctx := context.Background()
	sch := buildCardSchema(t)
	store := memstore.New(sch)
	route := router.NewRoute("card", sch, store)
	route.RegisterCustomMutation("ping", func(ctx context.Context, tx storage.Storage, args map[string]json.RawMessage) (storage.Record, error) {
		return storage.Record{"ok": true}, nil
	}, false)

	resp, err := route.Handle(ctx, &router.Request{Kind: router.KindCustomMutation, MutationName: "ping"})
	require.NoError(t, err)
	require.False(t, resp.Broadcast)
}

func TestMiddlewareChainRunsOutermostFirst(t *testing.T) {
	ctx := context.Background()
	sch := buildCardSchema(t)
	store := memstore.New(sch)
	route := router.NewRoute("card", sch, store)

	var order []string
	mark := func(name string) router.Middleware {
		return func(next router.HandlerFunc) router.HandlerFunc {
			return func(ctx context.Context, req *router.Request) (*router.Response, error) {
				order = append(order, name)
				return next(ctx, req)
			}
		}
	}
	route.Use(mark("outer")).Use(mark("inner"))

	_, err := route.Handle(ctx, &router.Request{Kind: router.KindQuery})
	require.NoError(t, err)
	require.Equal(t, []string{"outer", "inner"}, order)
}
