package server

import (
	"context"
	"encoding/json"
	"time"

	"github.com/livesync/engine/internal/eventbus"
	"github.com/livesync/engine/internal/events"
	"github.com/livesync/engine/internal/router"
	"github.com/livesync/engine/internal/subscription"
)

// BroadcastEvent is the fully-resolved shape delivered to one subscribed
// connection's Pusher: everything a transport needs to build its own
// wire-level BROADCAST frame (spec.md §6) without re-deriving it from the
// original request.
type BroadcastEvent struct {
	Resource   string
	ResourceID string
	Procedure  string
	Fields     map[string]json.RawMessage
	Timestamp  string
}

// Pusher delivers ev to connID. Transports (duplex, ws) implement this to
// track live connections and their outbound frame channel; Push is called
// once per connection FanOut resolves as affected by the mutation, never
// more than once per connection even if multiple of its subscriptions
// match (spec.md §4.7 item 3).
type Pusher interface {
	Push(ctx context.Context, connID string, ev BroadcastEvent) error
}

// PusherFunc adapts a plain function to Pusher.
type PusherFunc func(ctx context.Context, connID string, ev BroadcastEvent) error

// Push implements Pusher.
func (f PusherFunc) Push(ctx context.Context, connID string, ev BroadcastEvent) error {
	return f(ctx, connID, ev)
}

// WithBroadcast wires reg/pusher so a successful, broadcastable mutation
// (router.Response.Broadcast) triggers spec.md §4.7 fan-out. Without this,
// a Server never fans mutations out — useful for tests and for a
// single-client embedding that has no subscribers to notify.
func (s *Server) WithBroadcast(reg *subscription.Registry, pusher Pusher) *Server {
	s.subs = reg
	s.pusher = pusher
	return s
}

// broadcast resolves the (connection, query) targets FanOut reports for
// resp.Record and pushes one BroadcastEvent per distinct connection. Push
// failures to one connection are swallowed here by design (spec.md §7:
// "Broadcast fan-out failures to one connection never affect other
// connections and never roll back a committed transaction") — the
// transport implementing Pusher is responsible for logging/disconnecting
// on its own failures.
func (s *Server) broadcast(ctx context.Context, route *router.Route, req *router.Request, resp *router.Response) {
	if s.subs == nil || s.pusher == nil || resp == nil || !resp.Broadcast || resp.Record == nil {
		return
	}
	id, _ := resp.Record["id"].(string)
	if id == "" {
		return
	}
	procedure, fields := broadcastPayload(req)
	ev := BroadcastEvent{
		Resource:   route.Collection,
		ResourceID: id,
		Procedure:  procedure,
		Fields:     fields,
		Timestamp:  timestampOf(fields),
	}

	targets, err := s.subs.FanOut(ctx, route.Schema, route.Storage, route.Collection, resp.Record, nil)
	if err != nil {
		return
	}

	start := time.Now()
	seen := map[string]struct{}{}
	for _, t := range targets {
		if _, ok := seen[t.ConnID]; ok {
			continue
		}
		seen[t.ConnID] = struct{}{}
		_ = s.pusher.Push(ctx, t.ConnID, ev)
	}
	eventbus.Publish(ctx, events.BroadcastSent{
		Resource:   route.Collection,
		ResourceID: id,
		ConnCount:  len(seen),
		Duration:   time.Since(start),
	})
}

func broadcastPayload(req *router.Request) (string, map[string]json.RawMessage) {
	switch req.Kind {
	case router.KindInsert:
		return "INSERT", req.Fields
	case router.KindUpdate:
		return "UPDATE", req.Fields
	default:
		return req.MutationName, req.Args
	}
}

// timestampOf recovers the single shared mutation timestamp spec.md §6's
// MUTATE/BROADCAST frames carry as `meta.timestamp` from any one of the
// wire-encoded {value, ts} field payloads transport.EncodeFields produced
// them as.
func timestampOf(fields map[string]json.RawMessage) string {
	for _, raw := range fields {
		var decoded struct {
			TS string `json:"ts"`
		}
		if json.Unmarshal(raw, &decoded) == nil && decoded.TS != "" {
			return decoded.TS
		}
	}
	return ""
}
