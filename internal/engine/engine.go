// Package engine implements the client-side incremental query engine of
// spec.md §4.8: two keyed collections (queryNodes, objectNodes) kept in
// sync as mutations arrive, so a subscribed query's matching-id set never
// needs a full re-query.
package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/livesync/engine/internal/query"
	"github.com/livesync/engine/internal/schema"
	"github.com/livesync/engine/internal/where"
)

// DataSource is the async relation-hydration collaborator the engine calls
// out to when a query's where references relations the locally-known
// record doesn't carry (spec.md §4.8: "ask the data source for the record
// with the required include tree").
type DataSource interface {
	FetchWithInclude(ctx context.Context, resource, id string, include query.IncludeClause) (map[string]any, error)
}

// Callback is notified with a query's full current matching-id set
// whenever that set — or a still-matching member's data — changes.
type Callback func(matchingIDs []string)

type queryNode struct {
	request     query.Request
	matching    map[string]struct{}
	subscribers map[int]Callback
	nextSubID   int
}

type objectNode struct {
	resource string
	id       string
	matched  map[uint32]struct{} // query hashes this object currently matches
}

// Engine is the client-side incremental query engine. The zero value is
// not usable; construct with New.
type Engine struct {
	mu      sync.Mutex
	schema  *schema.Schema
	source  DataSource
	queries map[uint32]*queryNode
	objects map[string]*objectNode // keyed by resource+":"+id
}

// New builds an Engine evaluating queries against sch, fetching hydrated
// records from source when a where-clause needs relations the engine
// hasn't seen yet.
func New(sch *schema.Schema, source DataSource) *Engine {
	return &Engine{
		schema:  sch,
		source:  source,
		queries: map[uint32]*queryNode{},
		objects: map[string]*objectNode{},
	}
}

// RegisterQuery inserts-or-gets the query node for req and returns its
// hash; callbacks are attached separately via Subscribe (spec.md §4.8).
func (e *Engine) RegisterQuery(req query.Request) (hash uint32, err error) {
	hash, err = req.Hash()
	if err != nil {
		return 0, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.queries[hash]; !ok {
		e.queries[hash] = &queryNode{request: req, matching: map[string]struct{}{}, subscribers: map[int]Callback{}}
	}
	return hash, nil
}

// Subscribe attaches cb to the query identified by hash (already
// registered via RegisterQuery or LoadQueryResults). The returned func
// detaches cb; the node is dropped once its last subscriber detaches.
func (e *Engine) Subscribe(hash uint32, cb Callback) (unregister func(), err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	node, ok := e.queries[hash]
	if !ok {
		return nil, fmt.Errorf("engine: query %d not registered", hash)
	}
	id := node.nextSubID
	node.nextSubID++
	node.subscribers[id] = cb

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		n, ok := e.queries[hash]
		if !ok {
			return
		}
		delete(n.subscribers, id)
		if len(n.subscribers) == 0 {
			delete(e.queries, hash)
		}
	}, nil
}

// LoadQueryResults seeds matchingIds and objectNodes from a server-provided
// initial result set (spec.md §4.8).
func (e *Engine) LoadQueryResults(req query.Request, records map[string]map[string]any) (uint32, error) {
	hash, err := e.RegisterQuery(req)
	if err != nil {
		return 0, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	node := e.queries[hash]
	for id := range records {
		node.matching[id] = struct{}{}
		obj := e.objectFor(req.Resource, id)
		obj.matched[hash] = struct{}{}
	}
	return hash, nil
}

func (e *Engine) objectFor(resource, id string) *objectNode {
	key := resource + ":" + id
	obj, ok := e.objects[key]
	if !ok {
		obj = &objectNode{resource: resource, id: id, matched: map[uint32]struct{}{}}
		e.objects[key] = obj
	}
	return obj
}

// HandleMutation applies an INSERT or UPDATE's materialized post-state to
// every registered query on resource, notifying subscribers whose
// matching-id set changed (spec.md §4.8). isInsert distinguishes the two
// match-transition tables the spec describes; DELETE is out of core scope
// (spec.md §4.8, §9).
func (e *Engine) HandleMutation(ctx context.Context, resource, id string, record map[string]any, isInsert bool) error {
	e.mu.Lock()
	key := resource + ":" + id
	existing, hadObject := e.objects[key]
	if isInsert && hadObject {
		// INSERT of an object the engine already knows: idempotent no-op.
		e.mu.Unlock()
		return nil
	}
	var priorMatches map[uint32]struct{}
	if hadObject {
		priorMatches = existing.matched
	}
	obj := e.objectFor(resource, id)

	type candidate struct {
		hash uint32
		node *queryNode
	}
	var candidates []candidate
	for hash, node := range e.queries {
		if node.request.Resource == resource {
			candidates = append(candidates, candidate{hash, node})
		}
	}
	e.mu.Unlock()

	type notification struct {
		node *queryNode
		ids  []string
	}
	var notifications []notification

	for _, c := range candidates {
		matchedNow, err := e.evaluate(ctx, c.node.request, id, record)
		if err != nil {
			return err
		}

		e.mu.Lock()
		if _, stillRegistered := e.queries[c.hash]; !stillRegistered {
			// Unregistered while the relation fetch above was in flight;
			// spec.md §4.8 "cancellation" — discard this stale result.
			e.mu.Unlock()
			continue
		}
		_, matchedBefore := priorMatches[c.hash]
		if !hadObject {
			matchedBefore = false
		}

		changed := false
		switch {
		case !matchedBefore && matchedNow:
			c.node.matching[id] = struct{}{}
			obj.matched[c.hash] = struct{}{}
			changed = true
		case matchedBefore && !matchedNow:
			delete(c.node.matching, id)
			delete(obj.matched, c.hash)
			changed = true
		case matchedBefore && matchedNow:
			changed = true // true→true: data changed, still notify
		}
		var ids []string
		if changed {
			ids = idsOf(c.node.matching)
		}
		e.mu.Unlock()

		if changed {
			notifications = append(notifications, notification{node: c.node, ids: ids})
		}
	}

	for _, n := range notifications {
		e.notify(n.node, n.ids)
	}
	return nil
}

func (e *Engine) notify(node *queryNode, ids []string) {
	e.mu.Lock()
	subs := make([]Callback, 0, len(node.subscribers))
	for _, cb := range node.subscribers {
		subs = append(subs, cb)
	}
	e.mu.Unlock()
	for _, cb := range subs {
		cb(ids)
	}
}

// evaluate decides whether record (the post-mutation materialized value
// for id) satisfies req.Where, fetching a relation-hydrated copy from the
// DataSource first when the where-clause needs relations the caller-
// supplied record doesn't carry.
func (e *Engine) evaluate(ctx context.Context, req query.Request, id string, record map[string]any) (bool, error) {
	if req.Where == nil {
		return true, nil
	}
	include := query.ExtractIncludeFromWhere(req.Where, req.Resource, e.schema)
	if len(include) == 0 {
		return where.Apply(record, req.Where, false), nil
	}
	hydrated, err := e.source.FetchWithInclude(ctx, req.Resource, id, include)
	if err != nil {
		return false, err
	}
	return where.Apply(hydrated, req.Where, false), nil
}

func idsOf(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}
