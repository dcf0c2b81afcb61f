package server_test

import (
	"context"
	"errors"
	"testing"

	"github.com/livesync/engine/internal/errs"
	"github.com/livesync/engine/internal/livetype"
	"github.com/livesync/engine/internal/router"
	"github.com/livesync/engine/internal/schema"
	"github.com/livesync/engine/internal/server"
	"github.com/livesync/engine/internal/storage/memstore"
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

func TestHandleQueryResolvesByResource(t *testing.T) {
	sch := buildSchema(t)
	store := memstore.New(sch)
	srv := server.New()
	srv.Register(router.NewRoute("card", sch, store))

	resp, err := srv.HandleQuery(context.Background(), &router.Request{Kind: router.KindQuery, Resource: "card"})
	require.NoError(t, err)
	require.NotNil(t, resp.Records)
}

func TestHandleQueryUnknownResourceYieldsInvalidResource(t *testing.T) {
	srv := server.New()
	_, err := srv.HandleQuery(context.Background(), &router.Request{Kind: router.KindQuery, Resource: "ghost"})
	require.Error(t, err)
	e, ok := errs.As(err)
	require.True(t, ok)
	require.Equal(t, errs.CodeInvalidResource, e.Code)
}

func TestContextProviderFailureAbortsBeforeRoute(t *testing.T) {
	sch := buildSchema(t)
	store := memstore.New(sch)
	srv := server.New().WithContextProvider(func(ctx context.Context) (context.Context, error) {
		return nil, errors.New("unauthenticated")
	})
	srv.Register(router.NewRoute("card", sch, store))

	_, err := srv.HandleQuery(context.Background(), &router.Request{Kind: router.KindQuery, Resource: "card"})
	require.EqualError(t, err, "unauthenticated")
}
