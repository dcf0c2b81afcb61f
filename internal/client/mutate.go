package client

import (
	"context"
	"encoding/json"

	"github.com/livesync/engine/internal/livetype"
	"github.com/livesync/engine/internal/transport"
)

// Ack is what a MUTATE frame resolves to: whether the server accepted the
// mutation and, if so, the fields LWW actually applied (spec.md §4.1 —
// a field can be accepted-but-stale against a concurrent write elsewhere).
type Ack struct {
	Accepted       bool
	Data           json.RawMessage
	AcceptedValues json.RawMessage
}

// Insert sends an INSERT mutation for resource/id, merging it into the
// local store and engine optimistically — before the server acknowledges
// — per spec.md §4.9's "mutation optimism".
func (c *Client) Insert(ctx context.Context, resource, id string, fields map[string]any) (Ack, error) {
	return c.mutate(ctx, resource, id, livetype.Insert, "INSERT", fields)
}

// Update sends an UPDATE mutation for resource/id, merged optimistically
// the same way Insert is.
func (c *Client) Update(ctx context.Context, resource, id string, fields map[string]any) (Ack, error) {
	return c.mutate(ctx, resource, id, livetype.Update, "UPDATE", fields)
}

func (c *Client) mutate(ctx context.Context, resource, id string, kind livetype.MutationKind, procedure string, fields map[string]any) (Ack, error) {
	ts := c.clockSrc.Now()

	merged, _, err := c.store.merge(resource, kind, id, c.schema, fields, ts)
	if err != nil {
		return Ack{}, err
	}
	_ = c.engine.HandleMutation(ctx, resource, merged.ID, merged.InferValue(), kind == livetype.Insert)

	wire, err := transport.EncodeFields(fields, ts)
	if err != nil {
		return Ack{}, err
	}
	payload, err := json.Marshal(wire)
	if err != nil {
		return Ack{}, err
	}

	corrID := c.newCorrID()
	pa := &pendingAck{ack: make(chan *transport.MutateAckFrame, 1), err: make(chan error, 1)}
	c.mu.Lock()
	c.pendingAcks[corrID] = pa
	c.mu.Unlock()

	frame := transport.MutateFrame{
		Type: transport.TypeMutate, ID: corrID, Resource: resource, ResourceID: id,
		Procedure: procedure, Payload: payload, Meta: transport.MutationMeta{Timestamp: ts},
	}
	if err := c.sendFrame(frame); err != nil {
		c.mu.Lock()
		delete(c.pendingAcks, corrID)
		c.mu.Unlock()
		return Ack{}, err
	}

	select {
	case f := <-pa.ack:
		return Ack{Accepted: f.Accepted, Data: f.Data, AcceptedValues: f.AcceptedValues}, nil
	case err := <-pa.err:
		return Ack{}, err
	case <-ctx.Done():
		return Ack{}, ctx.Err()
	}
}

// Call sends a custom, non-schema mutation (spec.md §4.7's non-INSERT/
// UPDATE procedures, e.g. domain actions run by a Route's registered
// CustomMutationHandler without a LiveType field merge). No
// optimistic local merge applies since Call's payload isn't schema-shaped.
func (c *Client) Call(ctx context.Context, resource, id, procedure string, payload any) (Ack, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Ack{}, err
	}
	corrID := c.newCorrID()
	pa := &pendingAck{ack: make(chan *transport.MutateAckFrame, 1), err: make(chan error, 1)}
	c.mu.Lock()
	c.pendingAcks[corrID] = pa
	c.mu.Unlock()

	frame := transport.MutateFrame{
		Type: transport.TypeMutate, ID: corrID, Resource: resource, ResourceID: id,
		Procedure: procedure, Payload: raw, Meta: transport.MutationMeta{Timestamp: c.clockSrc.Now()},
	}
	if err := c.sendFrame(frame); err != nil {
		c.mu.Lock()
		delete(c.pendingAcks, corrID)
		c.mu.Unlock()
		return Ack{}, err
	}

	select {
	case f := <-pa.ack:
		return Ack{Accepted: f.Accepted, Data: f.Data, AcceptedValues: f.AcceptedValues}, nil
	case err := <-pa.err:
		return Ack{}, err
	case <-ctx.Done():
		return Ack{}, ctx.Err()
	}
}
