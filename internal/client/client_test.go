package client_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"github.com/livesync/engine/internal/client"
	"github.com/livesync/engine/internal/livetype"
	"github.com/livesync/engine/internal/query"
	"github.com/livesync/engine/internal/router"
	"github.com/livesync/engine/internal/schema"
	"github.com/livesync/engine/internal/server"
	"github.com/livesync/engine/internal/storage/memstore"
	"github.com/livesync/engine/internal/subscription"
	"github.com/livesync/engine/internal/transport/duplex"
)

func startServer(t *testing.T, sch *schema.Schema) *bufconn.Listener {
	t.Helper()
	store := memstore.New(sch)
	subs := subscription.NewRegistry()
	srv := server.New()
	srv.Register(router.NewRoute("card", sch, store))

	dplx := duplex.New(srv, subs, nil)
	srv.WithBroadcast(subs, dplx)

	lis := bufconn.Listen(1024 * 1024)
	gs := grpc.NewServer()
	dplx.Attach(gs)
	go func() { _ = gs.Serve(lis) }()
	t.Cleanup(gs.Stop)
	return lis
}

func dialClient(t *testing.T, sch *schema.Schema, lis *bufconn.Listener) (*client.Client, context.Context) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	cc, err := grpc.DialContext(ctx, "bufnet",
		grpc.WithContextDialer(func(context.Context, string) (net.Conn, error) { return lis.Dial() }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cc.Close() })

	c := client.New(sch, client.DialGRPC(cc))
	require.NoError(t, c.Connect(ctx))
	go func() { _ = c.ReadLoop(ctx) }()
	return c, ctx
}

func cardSchema(t *testing.T) *schema.Schema {
	t.Helper()
	b := schema.NewBuilder()
	b.Collection("card").
		Field("id", livetype.String()).
		Field("status", livetype.String())
	sch, err := b.Build()
	require.NoError(t, err)
	return sch
}

func TestClientInsertThenSubscribeSeesBroadcast(t *testing.T) {
	sch := cardSchema(t)
	lis := startServer(t, sch)
	c, ctx := dialClient(t, sch, lis)

	updates := make(chan []string, 4)
	sub, err := c.Subscribe(query.Request{Resource: "card"}, func(ids []string) {
		updates <- ids
	})
	require.NoError(t, err)
	defer sub.Close()

	ack, err := c.Insert(ctx, "card", "c1", map[string]any{"status": "open"})
	require.NoError(t, err)
	require.True(t, ack.Accepted)

	select {
	case ids := <-updates:
		require.Contains(t, ids, "c1")
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for subscription update")
	}
}

func TestClientOfflineQueueFlushesOnConnect(t *testing.T) {
	sch := cardSchema(t)
	lis := startServer(t, sch)

	c := client.New(sch, func(ctx context.Context) (client.Transport, error) {
		cc, err := grpc.DialContext(ctx, "bufnet",
			grpc.WithContextDialer(func(context.Context, string) (net.Conn, error) { return lis.Dial() }),
			grpc.WithTransportCredentials(insecure.NewCredentials()),
		)
		if err != nil {
			return nil, err
		}
		return client.DialGRPC(cc)(ctx)
	})
	require.Equal(t, client.StatusClosed, c.Status())

	// Subscribing before Connect queues the SUBSCRIBE frame (sendFrame
	// enqueues while closed); it must still reach the server once
	// Connect flushes the queue.
	updates := make(chan []string, 4)
	sub, err := c.Subscribe(query.Request{Resource: "card"}, func(ids []string) { updates <- ids })
	require.NoError(t, err)
	defer sub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Connect(ctx))
	require.Equal(t, client.StatusOpen, c.Status())
	go func() { _ = c.ReadLoop(ctx) }()

	_, err = c.Insert(ctx, "card", "c2", map[string]any{"status": "open"})
	require.NoError(t, err)

	select {
	case ids := <-updates:
		require.Contains(t, ids, "c2")
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for queued subscription to flush and observe a broadcast")
	}
}
