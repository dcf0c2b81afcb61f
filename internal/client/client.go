// Package client implements the outbound duplex connection of spec.md
// §4.9: correlation-id request/response matching, an offline send queue
// flushed in order on reconnect, a local materialized store mirror kept
// single-writer, and optimistic mutation application feeding the
// incremental query engine (internal/engine) before the server
// acknowledges.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/livesync/engine/internal/clock"
	"github.com/livesync/engine/internal/engine"
	"github.com/livesync/engine/internal/errs"
	"github.com/livesync/engine/internal/livetype"
	"github.com/livesync/engine/internal/query"
	"github.com/livesync/engine/internal/schema"
	"github.com/livesync/engine/internal/transport"
)

// Status is the connection lifecycle spec.md §4.9 names.
type Status int

const (
	StatusConnecting Status = iota
	StatusOpen
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusOpen:
		return "open"
	default:
		return "closed"
	}
}

// Transport is the byte-level duplex a Client drives. internal/transport/ws
// and internal/transport/duplex each provide a client-side implementation
// (a *websocket.Conn wrapper, duplex.Stream respectively) — Client itself
// is transport-agnostic, per spec.md §4.9.
type Transport interface {
	Send(raw []byte) error
	Recv() ([]byte, error)
	Close() error
}

// Dialer opens a fresh Transport. It is called once by Connect and again
// by every Reconnect attempt.
type Dialer func(ctx context.Context) (Transport, error)

type pendingAck struct {
	ack chan *transport.MutateAckFrame
	err chan error
}

type pendingQuery struct {
	data chan map[string]json.RawMessage
	err  chan error
}

// Client is the client-side half of spec.md's sync protocol: it owns the
// outbound transport, the local materialized store mirror, and the
// incremental query engine those mutations feed.
type Client struct {
	dialer   Dialer
	schema   *schema.Schema
	clockSrc *clock.Source
	engine   *engine.Engine
	store    *store

	nextCorrID atomic.Uint64

	mu        sync.Mutex
	status    Status
	transport Transport
	queue     [][]byte // frames awaiting an open connection, in send order

	pendingAcks    map[string]*pendingAck
	pendingQueries map[string]*pendingQuery
	pendingResults map[string]query.Request // correlation id -> req, for QUERY_RESULT -> LoadQueryResults
}

// New builds a Client against sch, dialing through dialer. The returned
// Client is StatusClosed until Connect succeeds.
func New(sch *schema.Schema, dialer Dialer) *Client {
	c := &Client{
		dialer:         dialer,
		schema:         sch,
		clockSrc:       clock.NewSource(),
		store:          newStore(),
		status:         StatusClosed,
		pendingAcks:    map[string]*pendingAck{},
		pendingQueries: map[string]*pendingQuery{},
		pendingResults: map[string]query.Request{},
	}
	c.engine = engine.New(sch, c)
	return c
}

// Status reports the current connection lifecycle state.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Connect dials a fresh Transport and flushes any frames queued while
// closed, in their original send order (spec.md §4.9, §8 scenario 6).
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	c.status = StatusConnecting
	c.mu.Unlock()

	t, err := c.dialer(ctx)
	if err != nil {
		c.mu.Lock()
		c.status = StatusClosed
		c.mu.Unlock()
		return err
	}

	c.mu.Lock()
	c.transport = t
	c.status = StatusOpen
	queued := c.queue
	c.queue = nil
	c.mu.Unlock()

	for _, raw := range queued {
		if err := t.Send(raw); err != nil {
			c.markClosed(err)
			return err
		}
	}
	return nil
}

// Reconnect is Connect under another name, kept distinct so callers can
// express intent at call sites (initial dial vs. recovering from a drop).
func (c *Client) Reconnect(ctx context.Context) error { return c.Connect(ctx) }

// Close marks the client closed and closes the underlying transport, if
// any. Pending requests are left pending; per spec.md §5 a caller-
// configured timeout — not Close — is what resolves them.
func (c *Client) Close() error {
	c.mu.Lock()
	t := c.transport
	c.transport = nil
	c.status = StatusClosed
	c.mu.Unlock()
	if t != nil {
		return t.Close()
	}
	return nil
}

func (c *Client) markClosed(_ error) {
	c.mu.Lock()
	c.transport = nil
	c.status = StatusClosed
	c.mu.Unlock()
}

// ReadLoop services inbound frames until the transport errs or the
// context is canceled, demultiplexing each into the engine/pending tables
// per spec.md §4.9. Run it in its own goroutine after Connect.
func (c *Client) ReadLoop(ctx context.Context) error {
	for {
		c.mu.Lock()
		t := c.transport
		c.mu.Unlock()
		if t == nil {
			return fmt.Errorf("client: not connected")
		}
		raw, err := t.Recv()
		if err != nil {
			c.markClosed(err)
			return err
		}
		c.handleInbound(ctx, raw)
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

func (c *Client) handleInbound(ctx context.Context, raw []byte) {
	decoded, err := transport.Decode(raw)
	if err != nil {
		return
	}
	switch f := decoded.(type) {
	case transport.QueryResultFrame:
		c.resolveQueryResult(f.ID, f.Data)
	case transport.MutateAckFrame:
		c.resolveAck(f.ID, &f)
	case transport.BroadcastFrame:
		c.handleBroadcast(ctx, f)
	case transport.ErrorFrame:
		if f.ID != "" {
			e := errs.New(errs.Code(f.Code), "%s", f.Message)
			c.resolveQuery(f.ID, nil, e)
			c.rejectAck(f.ID, e)
		}
	}
}

// handleBroadcast merges a committed INSERT/UPDATE into the local store
// and feeds the result to the engine (spec.md §4.8's HandleMutation),
// converging the optimistic local state with the server's authoritative
// one regardless of whether this client originated the mutation.
func (c *Client) handleBroadcast(ctx context.Context, f transport.BroadcastFrame) {
	var kind livetype.MutationKind
	switch f.Procedure {
	case "INSERT":
		kind = livetype.Insert
	case "UPDATE":
		kind = livetype.Update
	default:
		return // custom mutations carry no schema-mergeable field payload
	}

	var flat map[string]any
	if len(f.Payload) > 0 {
		var wire map[string]json.RawMessage
		if err := json.Unmarshal(f.Payload, &wire); err != nil {
			return
		}
		flat = map[string]any{}
		for name, raw := range wire {
			var decoded struct {
				Value any `json:"value"`
			}
			if json.Unmarshal(raw, &decoded) == nil {
				flat[name] = decoded.Value
			}
		}
	}

	merged, _, err := c.store.merge(f.Resource, kind, f.ResourceID, c.schema, flat, f.Meta.Timestamp)
	if err != nil {
		return
	}
	_ = c.engine.HandleMutation(ctx, f.Resource, merged.ID, merged.InferValue(), kind == livetype.Insert)
}

// FetchWithInclude implements engine.DataSource: a one-shot SUBSCRIBE
// round trip for resource/id with include, immediately unsubscribed once
// the QUERY_RESULT answers it (spec.md §4.8: "ask the data source for the
// record with the required include tree").
func (c *Client) FetchWithInclude(ctx context.Context, resource, id string, include query.IncludeClause) (map[string]any, error) {
	req := query.Request{Resource: resource, Where: query.WhereClause{"id": id}, Include: include, Limit: 1}
	hash, err := req.Hash()
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	// Same hash-as-correlation-id convention Subscribe uses (required by
	// session.Dispatcher's handleUnsubscribe), so the trailing UNSUBSCRIBE
	// below resolves back to the right subscription.
	corrID := strconv.FormatUint(uint64(hash), 10)
	pq := &pendingQuery{data: make(chan map[string]json.RawMessage, 1), err: make(chan error, 1)}
	c.mu.Lock()
	c.pendingQueries[corrID] = pq
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pendingQueries, corrID)
		c.mu.Unlock()
	}()

	if err := c.sendFrame(transport.SubscribeFrame{Type: transport.TypeSubscribe, ID: corrID, Query: raw}); err != nil {
		return nil, err
	}

	select {
	case data := <-pq.data:
		_ = c.sendFrame(transport.UnsubscribeFrame{Type: transport.TypeUnsubscribe, ID: corrID})
		for _, rawRec := range data {
			var rec map[string]any
			if err := json.Unmarshal(rawRec, &rec); err != nil {
				return nil, err
			}
			return rec, nil
		}
		return nil, nil
	case err := <-pq.err:
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Client) resolveQuery(corrID string, data map[string]json.RawMessage, err error) {
	c.mu.Lock()
	pq := c.pendingQueries[corrID]
	c.mu.Unlock()
	if pq == nil {
		return
	}
	if err != nil {
		pq.err <- err
		return
	}
	pq.data <- data
}

func (c *Client) resolveAck(corrID string, f *transport.MutateAckFrame) {
	c.mu.Lock()
	p := c.pendingAcks[corrID]
	delete(c.pendingAcks, corrID)
	c.mu.Unlock()
	if p == nil || f == nil {
		return
	}
	p.ack <- f
}

func (c *Client) rejectAck(corrID string, err error) {
	c.mu.Lock()
	p := c.pendingAcks[corrID]
	delete(c.pendingAcks, corrID)
	c.mu.Unlock()
	if p == nil {
		return
	}
	p.err <- err
}

func (c *Client) newCorrID() string {
	return strconv.FormatUint(c.nextCorrID.Add(1), 10)
}

// sendFrame serializes frame and dispatches it if the connection is open,
// otherwise enqueues it (spec.md §4.9: "dispatched if open, else
// enqueued").
func (c *Client) sendFrame(frame any) error {
	raw, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	c.mu.Lock()
	t := c.transport
	open := c.status == StatusOpen && t != nil
	if !open {
		c.queue = append(c.queue, raw)
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	if err := t.Send(raw); err != nil {
		c.markClosed(err)
		return err
	}
	return nil
}
