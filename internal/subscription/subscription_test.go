package subscription_test

import (
	"context"
	"testing"

	"github.com/livesync/engine/internal/livetype"
	"github.com/livesync/engine/internal/query"
	"github.com/livesync/engine/internal/schema"
	"github.com/livesync/engine/internal/storage"
	"github.com/livesync/engine/internal/storage/memstore"
	"github.com/livesync/engine/internal/subscription"
	"github.com/stretchr/testify/require"
)

func buildSchema(t *testing.T) *schema.Schema {
	t.Helper()
	b := schema.NewBuilder()
	b.Collection("card").
		Field("id", livetype.String()).
		Field("status", livetype.String())
	s, err := b.Build()
	require.NoError(t, err)
	return s
}

func TestFanOutMatchesSubscribedQuery(t *testing.T) {
	sch := buildSchema(t)
	store := memstore.New(sch)
	reg := subscription.NewRegistry()

	req := query.Request{Resource: "card", Where: query.WhereClause{"status": "open"}}
	hash, err := reg.Subscribe("conn-1", req)
	require.NoError(t, err)
	require.NotZero(t, hash)

	targets, err := reg.FanOut(context.Background(), sch, store, "card", storage.Record{"id": "c1", "status": "open"}, nil)
	require.NoError(t, err)
	require.Len(t, targets, 1)
	require.Equal(t, "conn-1", targets[0].ConnID)
}

func TestFanOutExcludesNonMatchingConnection(t *testing.T) {
	sch := buildSchema(t)
	store := memstore.New(sch)
	reg := subscription.NewRegistry()
	_, err := reg.Subscribe("conn-1", query.Request{Resource: "card", Where: query.WhereClause{"status": "done"}})
	require.NoError(t, err)

	targets, err := reg.FanOut(context.Background(), sch, store, "card", storage.Record{"id": "c1", "status": "open"}, nil)
	require.NoError(t, err)
	require.Empty(t, targets)
}

func TestUnsubscribeStopsFanOut(t *testing.T) {
	sch := buildSchema(t)
	store := memstore.New(sch)
	reg := subscription.NewRegistry()
	hash, err := reg.Subscribe("conn-1", query.Request{Resource: "card"})
	require.NoError(t, err)

	reg.Unsubscribe("conn-1", hash)
	targets, err := reg.FanOut(context.Background(), sch, store, "card", storage.Record{"id": "c1"}, nil)
	require.NoError(t, err)
	require.Empty(t, targets)
}

func TestDisconnectRemovesAllSubscriptions(t *testing.T) {
	sch := buildSchema(t)
	store := memstore.New(sch)
	reg := subscription.NewRegistry()
	_, err := reg.Subscribe("conn-1", query.Request{Resource: "card", Where: query.WhereClause{"status": "open"}})
	require.NoError(t, err)
	_, err = reg.Subscribe("conn-1", query.Request{Resource: "card"})
	require.NoError(t, err)

	reg.Disconnect("conn-1")
	targets, err := reg.FanOut(context.Background(), sch, store, "card", storage.Record{"id": "c1", "status": "open"}, nil)
	require.NoError(t, err)
	require.Empty(t, targets)
}

func TestReverseIndexNarrowsByTouchedField(t *testing.T) {
	sch := buildSchema(t)
	store := memstore.New(sch)
	reg := subscription.NewRegistry(subscription.WithReverseIndex())
	_, err := reg.Subscribe("conn-1", query.Request{Resource: "card", Where: query.WhereClause{"status": "open"}})
	require.NoError(t, err)

	targets, err := reg.FanOut(context.Background(), sch, store, "card", storage.Record{"id": "c1", "status": "open"}, []string{"status"})
	require.NoError(t, err)
	require.Len(t, targets, 1)

	targets, err = reg.FanOut(context.Background(), sch, store, "card", storage.Record{"id": "c1", "status": "open"}, []string{"ownerId"})
	require.NoError(t, err)
	require.Empty(t, targets)
}
