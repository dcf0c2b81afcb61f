// Package subscription implements the per-connection subscription registry
// and mutation fan-out of spec.md §4.7: per connection, the set of
// (queryHash, queryRequest) it subscribes to; globally, an index from
// (resource, queryHash) to the set of subscribed connections.
package subscription

import (
	"context"
	"sync"

	"github.com/livesync/engine/internal/query"
	"github.com/livesync/engine/internal/schema"
	"github.com/livesync/engine/internal/storage"
)

type subEntry struct {
	request query.Request
	conns   map[string]struct{}
	// fields is the set of top-level where-clause keys this query's match
	// can depend on, used by the reverse-index fan-out mode to skip
	// queries a mutation's touched fields can't possibly affect.
	fields map[string]struct{}
}

// Registry tracks live subscriptions and resolves which connections a
// committed mutation must be pushed to.
type Registry struct {
	mu sync.RWMutex

	// byConn[connID][hash] lets Unsubscribe/Disconnect find what a
	// connection is subscribed to without scanning every resource.
	byConn map[string]map[uint32]string // hash -> resource

	// byResource[resource][hash] is the (resource, queryHash) → entry
	// index spec.md §4.7 describes directly.
	byResource map[string]map[uint32]*subEntry

	// reverseIndex, when enabled, narrows fan-out candidates by field
	// name (spec.md §9 / SPEC_FULL.md §11 "reverse-index broadcast
	// optimization"). byResource remains the source of truth; this is
	// purely an acceleration structure rebuilt alongside it.
	reverseIndex bool
	byField      map[string]map[string]map[uint32]struct{} // resource -> field -> hashes
}

// Option configures a Registry at construction.
type Option func(*Registry)

// WithReverseIndex enables the (resource, field-name) → query-hash
// acceleration structure instead of the default recompute-and-diff
// fallback that re-evaluates every query registered on a resource.
func WithReverseIndex() Option {
	return func(r *Registry) { r.reverseIndex = true }
}

// NewRegistry builds an empty Registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		byConn:     map[string]map[uint32]string{},
		byResource: map[string]map[uint32]*subEntry{},
		byField:    map[string]map[string]map[uint32]struct{}{},
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Subscribe registers connID's interest in req, returning its stable hash.
// Re-subscribing the same (connID, req) is idempotent.
func (r *Registry) Subscribe(connID string, req query.Request) (uint32, error) {
	hash, err := req.Hash()
	if err != nil {
		return 0, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	byHash, ok := r.byResource[req.Resource]
	if !ok {
		byHash = map[uint32]*subEntry{}
		r.byResource[req.Resource] = byHash
	}
	entry, ok := byHash[hash]
	if !ok {
		entry = &subEntry{request: req, conns: map[string]struct{}{}, fields: topLevelFields(req.Where)}
		byHash[hash] = entry
		if r.reverseIndex {
			r.indexFields(req.Resource, hash, entry.fields)
		}
	}
	entry.conns[connID] = struct{}{}

	conns, ok := r.byConn[connID]
	if !ok {
		conns = map[uint32]string{}
		r.byConn[connID] = conns
	}
	conns[hash] = req.Resource

	return hash, nil
}

// Unsubscribe drops connID's interest in the query identified by hash.
func (r *Registry) Unsubscribe(connID string, hash uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unsubscribeLocked(connID, hash)
}

func (r *Registry) unsubscribeLocked(connID string, hash uint32) {
	conns, ok := r.byConn[connID]
	if !ok {
		return
	}
	resource, ok := conns[hash]
	if !ok {
		return
	}
	delete(conns, hash)
	if len(conns) == 0 {
		delete(r.byConn, connID)
	}

	byHash := r.byResource[resource]
	if byHash == nil {
		return
	}
	entry := byHash[hash]
	if entry == nil {
		return
	}
	delete(entry.conns, connID)
	if len(entry.conns) == 0 {
		delete(byHash, hash)
		if len(byHash) == 0 {
			delete(r.byResource, resource)
		}
	}
}

// Disconnect removes every subscription connID held.
func (r *Registry) Disconnect(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for hash := range r.byConn[connID] {
		r.unsubscribeLocked(connID, hash)
	}
}

// Target is one (connection, query) pair a mutation must be pushed to.
type Target struct {
	ConnID string
	Hash   uint32
	Query  query.Request
}

// FanOut decides which connections must receive the mutation that
// produced record on resource, per spec.md §4.7:
//  1. enumerate registered queries on resource (narrowed by touchedFields
//     when the reverse-index mode is enabled; all of them otherwise),
//  2. for each, decide whether record now satisfies the query's where
//     (hydrating relations through store/sch when the where references
//     them),
//  3. return one Target per (matching query, subscribed connection).
//
// touchedFields may be nil, meaning "don't know" — every candidate is
// always checked in that case regardless of reverseIndex.
func (r *Registry) FanOut(ctx context.Context, sch *schema.Schema, store storage.Storage, resource string, record storage.Record, touchedFields []string) ([]Target, error) {
	candidates := r.candidateHashes(resource, touchedFields)

	var targets []Target
	for hash, entry := range candidates {
		hydrated := storage.Record(cloneMaterialized(record))
		if err := storage.ResolveInclude(ctx, store, sch, resource, hydrated, entry.request.Include); err != nil {
			return nil, err
		}
		if entry.request.Where != nil && !storage.MatchesWhere(hydrated, entry.request.Where) {
			continue
		}
		for connID := range entry.conns {
			targets = append(targets, Target{ConnID: connID, Hash: hash, Query: entry.request})
		}
	}
	return targets, nil
}

func (r *Registry) candidateHashes(resource string, touchedFields []string) map[uint32]*subEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	byHash := r.byResource[resource]
	if byHash == nil {
		return nil
	}
	if !r.reverseIndex || touchedFields == nil {
		out := make(map[uint32]*subEntry, len(byHash))
		for h, e := range byHash {
			out[h] = e
		}
		return out
	}

	out := map[uint32]*subEntry{}
	byField := r.byField[resource]
	for _, field := range touchedFields {
		for hash := range byField[field] {
			if e, ok := byHash[hash]; ok {
				out[hash] = e
			}
		}
	}
	// Queries with no where at all match unconditionally and have no
	// field-index entry; always include them.
	for hash, e := range byHash {
		if len(e.fields) == 0 {
			out[hash] = e
		}
	}
	return out
}

func (r *Registry) indexFields(resource string, hash uint32, fields map[string]struct{}) {
	byField, ok := r.byField[resource]
	if !ok {
		byField = map[string]map[uint32]struct{}{}
		r.byField[resource] = byField
	}
	for field := range fields {
		hashes, ok := byField[field]
		if !ok {
			hashes = map[uint32]struct{}{}
			byField[field] = hashes
		}
		hashes[hash] = struct{}{}
	}
}

// topLevelFields extracts the field names a shallow where-clause can
// depend on. $and/$or keys are deliberately dropped rather than recursed
// into: a query using either ends up with an empty field set, which
// candidateHashes treats as "always a candidate" — the safe direction to
// approximate in, since FanOut still re-checks the real where afterward.
func topLevelFields(clause query.WhereClause) map[string]struct{} {
	out := map[string]struct{}{}
	for k := range clause {
		if k == "$and" || k == "$or" {
			return map[string]struct{}{}
		}
		out[k] = struct{}{}
	}
	return out
}

func cloneMaterialized(rec storage.Record) map[string]any {
	out := make(map[string]any, len(rec))
	for k, v := range rec {
		out[k] = v
	}
	return out
}
