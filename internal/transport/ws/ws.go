// Package ws is a browser-friendly duplex binding of spec.md §6's wire
// protocol over a gorilla/websocket connection, a second binding alongside
// internal/transport/duplex's gRPC one — both dispatch through the same
// internal/transport/session.Dispatcher, only the byte transport differs.
// Grounded on the gorilla/websocket upgrade + read-loop + zap-logging
// pattern in other_examples/zoravur-postgres-spreadsheet-view's
// internal/api/ws.go.
package ws

import (
	"context"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/livesync/engine/internal/eventbus"
	"github.com/livesync/engine/internal/events"
	"github.com/livesync/engine/internal/reqid"
	"github.com/livesync/engine/internal/server"
	"github.com/livesync/engine/internal/subscription"
	"github.com/livesync/engine/internal/transport/session"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handler upgrades incoming HTTP requests to websocket duplex sessions.
// It implements server.Pusher (via its embedded Dispatcher) so
// server.Server.WithBroadcast can push BROADCAST frames back out over it.
type Handler struct {
	*session.Dispatcher
	log *zap.Logger
}

// New builds a Handler dispatching frames against srv, registering
// subscriptions in subs. log may be nil (zap.NewNop() is used then).
func New(srv *server.Server, subs *subscription.Registry, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{Dispatcher: session.New(srv, subs, log), log: log}
}

// conn adapts one websocket connection to session.Conn: Send enqueues onto
// a channel a single writer goroutine drains, since gorilla/websocket
// connections aren't safe for concurrent writers.
type conn struct {
	id   string
	send chan []byte
}

func (c *conn) ID() string { return c.id }
func (c *conn) Send(raw []byte) {
	select {
	case c.send <- raw:
	default:
	}
}

// ServeHTTP upgrades the request to a websocket and services it until the
// client disconnects, a read error occurs, or the server process stops.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("ws upgrade failed", zap.Error(err))
		return
	}
	c := &conn{id: uuid.NewString(), send: make(chan []byte, 64)}
	h.Register(c)

	ctx := r.Context()
	eventbus.Publish(ctx, events.ConnOpen{ConnID: c.id, Remote: r.RemoteAddr})
	h.log.Info("ws connection opened", zap.String("connID", c.id), zap.String("remote", r.RemoteAddr))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for msg := range c.send {
			if err := wsConn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.log.Warn("ws write failed", zap.String("connID", c.id), zap.Error(err))
				return
			}
		}
	}()

	closeErr := h.readLoop(ctx, wsConn, c)

	close(c.send)
	wg.Wait()
	_ = wsConn.Close()
	h.Deregister(c)

	eventbus.Publish(ctx, events.ConnClose{ConnID: c.id, Err: closeErr})
	h.log.Info("ws connection closed", zap.String("connID", c.id), zap.Error(closeErr))
}

func (h *Handler) readLoop(ctx context.Context, wsConn *websocket.Conn, c *conn) error {
	for {
		_, raw, err := wsConn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return err
			}
			return nil
		}
		reqCtx, _ := reqid.NewContext(ctx)
		h.HandleFrame(reqCtx, c, raw)
	}
}
