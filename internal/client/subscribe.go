package client

import (
	"encoding/json"
	"strconv"

	"github.com/livesync/engine/internal/engine"
	"github.com/livesync/engine/internal/query"
	"github.com/livesync/engine/internal/transport"
)

// Subscription is the handle Subscribe returns: Close drops it both from
// the local engine and, once the UNSUBSCRIBE frame lands, server-side.
type Subscription struct {
	c      *Client
	corrID string
	unreg  func()
}

// Close unregisters this subscription's callback locally and tells the
// server to stop pushing BROADCAST frames for it.
func (s *Subscription) Close() error {
	s.unreg()
	return s.c.sendFrame(transport.UnsubscribeFrame{Type: transport.TypeUnsubscribe, ID: s.corrID})
}

// Subscribe registers req with the local incremental engine, sends a
// SUBSCRIBE frame so the server starts pushing the matching BROADCAST
// frames, and invokes cb with the engine's view of the matching-id set
// whenever the server's QUERY_RESULT snapshot arrives and every time a
// BROADCAST changes it thereafter (spec.md §4.8/§6).
func (c *Client) Subscribe(req query.Request, cb engine.Callback) (*Subscription, error) {
	hash, err := c.engine.RegisterQuery(req)
	if err != nil {
		return nil, err
	}
	unreg, err := c.engine.Subscribe(hash, cb)
	if err != nil {
		return nil, err
	}

	// SUBSCRIBE/UNSUBSCRIBE frames are correlated by the query hash itself
	// (session.Dispatcher's handleUnsubscribe parses the ID back into a
	// hash), not by an arbitrary client-chosen correlation id.
	corrID := strconv.FormatUint(uint64(hash), 10)

	raw, err := json.Marshal(req)
	if err != nil {
		unreg()
		return nil, err
	}
	if err := c.sendFrame(transport.SubscribeFrame{Type: transport.TypeSubscribe, ID: corrID, Query: raw}); err != nil {
		unreg()
		return nil, err
	}

	c.mu.Lock()
	c.pendingResults[corrID] = req
	c.mu.Unlock()

	return &Subscription{c: c, corrID: corrID, unreg: unreg}, nil
}

// resolveQueryResult seeds the engine from a QUERY_RESULT frame's initial
// snapshot, looking up which query.Request it answers by correlation id
// (spec.md §4.8: "LoadQueryResults seeds matchingIds and objectNodes from a
// server-provided initial result set").
func (c *Client) resolveQueryResult(corrID string, data map[string]json.RawMessage) {
	c.mu.Lock()
	req, ok := c.pendingResults[corrID]
	delete(c.pendingResults, corrID)
	c.mu.Unlock()
	if !ok {
		// Answers a one-shot FetchWithInclude round trip instead.
		c.resolveQuery(corrID, data, nil)
		return
	}

	records := make(map[string]map[string]any, len(data))
	for id, raw := range data {
		var rec map[string]any
		if json.Unmarshal(raw, &rec) != nil {
			continue
		}
		records[id] = rec
	}
	_, _ = c.engine.LoadQueryResults(req, records)
}
