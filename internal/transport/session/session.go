// Package session holds the duplex-stream frame dispatch logic shared by
// every concrete binding of spec.md §6's wire protocol (the gRPC bidi
// binding in internal/transport/duplex and the websocket binding in
// internal/transport/ws): decoding SUBSCRIBE/UNSUBSCRIBE/MUTATE frames,
// driving them through a *server.Server, and replying
// QUERY_RESULT/MUTATE_ACK/ERROR on the same connection. Only the raw byte
// transport differs between bindings, so this package is the one place the
// frame-level behavior is written and tested.
package session

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/livesync/engine/internal/errs"
	"github.com/livesync/engine/internal/eventbus"
	"github.com/livesync/engine/internal/events"
	"github.com/livesync/engine/internal/query"
	"github.com/livesync/engine/internal/router"
	"github.com/livesync/engine/internal/server"
	"github.com/livesync/engine/internal/subscription"
	"github.com/livesync/engine/internal/transport"
)

// Conn is one live duplex connection as a binding sees it: a stable id and
// a best-effort, non-blocking enqueue of an outbound frame's raw bytes.
// Both ws.conn (backed by a channel feeding a websocket writer goroutine)
// and duplex.conn (backed by a channel feeding a gRPC SendMsg
// writer goroutine) implement this identically.
type Conn interface {
	ID() string
	Send(raw []byte)
}

// Dispatcher decodes and services wire frames against a *server.Server,
// and doubles as the server.Pusher every Route's committed mutation fans
// out through: it owns the id → Conn registry bindings register/deregister
// connections against.
type Dispatcher struct {
	srv  *server.Server
	subs *subscription.Registry
	log  *zap.Logger

	mu    sync.RWMutex
	conns map[string]Conn
}

// New builds a Dispatcher. log may be nil (zap.NewNop() is used then).
func New(srv *server.Server, subs *subscription.Registry, log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{srv: srv, subs: subs, log: log, conns: map[string]Conn{}}
}

// Register records c as live so Push can find it. Bindings call this once
// per new connection, before starting their read loop.
func (d *Dispatcher) Register(c Conn) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.conns[c.ID()] = c
}

// Deregister drops c and its subscriptions. Bindings call this once their
// read loop returns, regardless of error.
func (d *Dispatcher) Deregister(c Conn) {
	d.mu.Lock()
	delete(d.conns, c.ID())
	d.mu.Unlock()
	if d.subs != nil {
		d.subs.Disconnect(c.ID())
	}
}

// Has reports whether connID is currently registered on this Dispatcher,
// letting a caller juggling several bindings (one Dispatcher each, e.g.
// cmd/livesyncd's ws + duplex pair) route a Push to the right one.
func (d *Dispatcher) Has(connID string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.conns[connID]
	return ok
}

// Push implements server.Pusher: render ev as a BROADCAST frame and
// enqueue it on connID's Conn, a no-op if the connection is no longer
// registered (spec.md §7: one connection's fan-out failure never affects
// others).
func (d *Dispatcher) Push(_ context.Context, connID string, ev server.BroadcastEvent) error {
	d.mu.RLock()
	c := d.conns[connID]
	d.mu.RUnlock()
	if c == nil {
		return nil
	}
	payload, err := json.Marshal(ev.Fields)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(transport.BroadcastFrame{
		Type:       transport.TypeBroadcast,
		Resource:   ev.Resource,
		ResourceID: ev.ResourceID,
		Procedure:  ev.Procedure,
		Payload:    payload,
		Meta:       transport.MutationMeta{Timestamp: ev.Timestamp},
	})
	if err != nil {
		return err
	}
	c.Send(raw)
	return nil
}

// HandleFrame decodes raw and dispatches it to the matching handler,
// replying to c on the same connection. Unknown/malformed frames produce
// an ERROR frame rather than closing the connection (spec.md §7: protocol
// errors "report to originator, do not disconnect").
func (d *Dispatcher) HandleFrame(ctx context.Context, c Conn, raw []byte) {
	ctx = router.WithConnID(ctx, c.ID())
	decoded, err := transport.Decode(raw)
	if err != nil {
		d.sendError(c, "", errs.InvalidRequest("%s", err.Error()))
		return
	}
	switch f := decoded.(type) {
	case transport.SubscribeFrame:
		d.handleSubscribe(ctx, c, f)
	case transport.UnsubscribeFrame:
		d.handleUnsubscribe(c, f)
	case transport.MutateFrame:
		d.handleMutate(ctx, c, f)
	default:
		d.sendError(c, "", errs.InvalidRequest("unexpected frame type on duplex stream"))
	}
}

func (d *Dispatcher) handleSubscribe(ctx context.Context, c Conn, f transport.SubscribeFrame) {
	var decoded struct {
		Resource string         `json:"resource"`
		Where    map[string]any `json:"where,omitempty"`
		Include  map[string]any `json:"include,omitempty"`
		Limit    int            `json:"limit,omitempty"`
	}
	if err := json.Unmarshal(f.Query, &decoded); err != nil {
		d.sendError(c, f.ID, errs.InvalidQuery("malformed query: %s", err))
		return
	}
	var where query.WhereClause
	if decoded.Where != nil {
		where = query.WhereClause(transport.NormalizeNulls(decoded.Where).(map[string]any))
	}
	var include query.IncludeClause
	if decoded.Include != nil {
		include = query.IncludeClause(transport.NormalizeNulls(decoded.Include).(map[string]any))
	}

	resp, err := d.srv.HandleQuery(ctx, &router.Request{
		Kind:     router.KindQuery,
		Resource: decoded.Resource,
		Where:    where,
		Include:  include,
		Limit:    decoded.Limit,
	})
	if err != nil {
		d.sendError(c, f.ID, err)
		return
	}

	if d.subs != nil {
		qreq := query.Request{Resource: decoded.Resource, Where: where, Include: include, Limit: decoded.Limit}
		if _, err := d.subs.Subscribe(c.ID(), qreq); err != nil {
			d.sendError(c, f.ID, errs.Internal(err.Error()))
			return
		}
	}

	data := make(map[string]json.RawMessage, len(resp.Records))
	for id, rec := range resp.Records {
		b, err := json.Marshal(rec)
		if err != nil {
			d.sendError(c, f.ID, errs.Internal(err.Error()))
			return
		}
		data[id] = b
	}
	d.send(c, transport.QueryResultFrame{Type: transport.TypeQueryResult, ID: f.ID, Data: data})
}

func (d *Dispatcher) handleUnsubscribe(c Conn, f transport.UnsubscribeFrame) {
	if d.subs == nil {
		return
	}
	hash, err := parseHash(f.ID)
	if err != nil {
		return
	}
	d.subs.Unsubscribe(c.ID(), hash)
}

func (d *Dispatcher) handleMutate(ctx context.Context, c Conn, f transport.MutateFrame) {
	var flat map[string]any
	if len(f.Payload) > 0 {
		if err := json.Unmarshal(f.Payload, &flat); err != nil {
			d.sendError(c, f.ID, errs.InvalidRequest("malformed payload: %s", err))
			return
		}
	}
	fields, err := transport.EncodeFields(flat, f.Meta.Timestamp)
	if err != nil {
		d.sendError(c, f.ID, errs.InvalidRequest("%s", err.Error()))
		return
	}

	req := &router.Request{Resource: f.Resource, ID: f.ResourceID, Fields: fields}
	switch f.Procedure {
	case "INSERT":
		req.Kind = router.KindInsert
	case "UPDATE":
		req.Kind = router.KindUpdate
	default:
		req.Kind = router.KindCustomMutation
		req.MutationName = f.Procedure
		req.Args = fields
	}

	start := time.Now()
	eventbus.Publish(ctx, events.MutationStart{Resource: f.Resource, ResourceID: f.ResourceID, Procedure: f.Procedure})
	resp, err := d.srv.HandleMutation(ctx, req)
	eventbus.Publish(ctx, events.MutationFinish{
		Resource: f.Resource, ResourceID: f.ResourceID, Procedure: f.Procedure,
		Accepted: err == nil, Err: err, Duration: time.Since(start),
	})
	if err != nil {
		if e, ok := errs.As(err); ok && e.Code == errs.CodeUnauthorized {
			if meter := d.srv.RateMeter(f.Resource); meter != nil {
				count := meter.Count(c.ID(), time.Now())
				d.log.Warn("authorization failure rate",
					zap.String("connID", c.ID()), zap.String("resource", f.Resource), zap.Int("count", count))
			}
		}
		d.sendError(c, f.ID, err)
		return
	}

	data, err := json.Marshal(resp.Record)
	if err != nil {
		d.sendError(c, f.ID, errs.Internal(err.Error()))
		return
	}
	var acceptedValues json.RawMessage
	if resp.Accepted != nil {
		acceptedValues, err = json.Marshal(resp.Accepted)
		if err != nil {
			d.sendError(c, f.ID, errs.Internal(err.Error()))
			return
		}
	}
	d.send(c, transport.MutateAckFrame{
		Type: transport.TypeMutateAck, ID: f.ID, Accepted: true, Data: data, AcceptedValues: acceptedValues,
	})
}

func (d *Dispatcher) send(c Conn, frame any) {
	raw, err := json.Marshal(frame)
	if err != nil {
		d.log.Error("frame marshal failed", zap.Error(err))
		return
	}
	c.Send(raw)
}

func (d *Dispatcher) sendError(c Conn, id string, err error) {
	code := errs.CodeInternal
	msg := err.Error()
	if e, ok := errs.As(err); ok {
		code = e.Code
		msg = e.Message
	}
	d.send(c, transport.ErrorFrame{Type: transport.TypeError, ID: id, Code: string(code), Message: msg})
}

// parseHash recovers the uint32 query hash an UNSUBSCRIBE frame's ID
// field carries as a plain decimal string (clients render it that way
// since the hash itself, not a correlation id, identifies a subscription
// to drop).
func parseHash(s string) (uint32, error) {
	var n uint64
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, errs.InvalidRequest("malformed subscription id %q", s)
		}
		n = n*10 + uint64(r-'0')
	}
	return uint32(n), nil
}
