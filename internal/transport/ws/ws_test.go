package ws_test

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/livesync/engine/internal/livetype"
	"github.com/livesync/engine/internal/query"
	"github.com/livesync/engine/internal/router"
	"github.com/livesync/engine/internal/schema"
	"github.com/livesync/engine/internal/server"
	"github.com/livesync/engine/internal/storage/memstore"
	"github.com/livesync/engine/internal/subscription"
	"github.com/livesync/engine/internal/transport"
	"github.com/livesync/engine/internal/transport/ws"
)

func buildCardSchema(t *testing.T) *schema.Schema {
	t.Helper()
	b := schema.NewBuilder()
	b.Collection("card").
		Field("id", livetype.String()).
		Field("status", livetype.String())
	sch, err := b.Build()
	require.NoError(t, err)
	return sch
}

func dialTestServer(t *testing.T, httpSrv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(httpSrv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	return conn
}

func TestWSSubscribeThenMutateBroadcastsToSubscriber(t *testing.T) {
	sch := buildCardSchema(t)
	store := memstore.New(sch)
	subs := subscription.NewRegistry()

	srv := server.New()
	srv.Register(router.NewRoute("card", sch, store))

	handler := ws.New(srv, subs, nil)
	srv.WithBroadcast(subs, handler)

	httpSrv := httptest.NewServer(handler)
	defer httpSrv.Close()

	conn := dialTestServer(t, httpSrv)
	defer conn.Close()

	subQuery, err := json.Marshal(query.Request{Resource: "card", Where: query.WhereClause{"status": "open"}})
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(transport.SubscribeFrame{
		Type: transport.TypeSubscribe, ID: "sub1", Query: subQuery,
	}))

	var result transport.QueryResultFrame
	require.NoError(t, conn.ReadJSON(&result))
	require.Equal(t, transport.TypeQueryResult, result.Type)
	require.Empty(t, result.Data)

	payload, err := json.Marshal(map[string]any{"id": "c1", "status": "open"})
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(transport.MutateFrame{
		Type: transport.TypeMutate, ID: "m1", Resource: "card", ResourceID: "c1",
		Procedure: "INSERT", Payload: payload, Meta: transport.MutationMeta{Timestamp: "t1"},
	}))

	var ack transport.MutateAckFrame
	require.NoError(t, conn.ReadJSON(&ack))
	require.True(t, ack.Accepted)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var broadcast transport.BroadcastFrame
	require.NoError(t, conn.ReadJSON(&broadcast))
	require.Equal(t, transport.TypeBroadcast, broadcast.Type)
	require.Equal(t, "card", broadcast.Resource)
	require.Equal(t, "c1", broadcast.ResourceID)
	require.Equal(t, "INSERT", broadcast.Procedure)
}
