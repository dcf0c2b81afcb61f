// Package memstore is the in-memory Storage adapter spec.md §4.4 calls
// for: a single mutex-guarded map keyed by (resource, id), storing each
// record's full value+meta state and rendering materialized views on
// read. Sufficient for tests and single-process deployments.
package memstore

import (
	"context"
	"sync"

	"github.com/livesync/engine/internal/query"
	"github.com/livesync/engine/internal/schema"
	"github.com/livesync/engine/internal/storage"
)

// Store is a single-writer, read-committed in-memory Storage. The zero
// value is not usable; construct with New.
type Store struct {
	schema *schema.Schema
	mu     sync.RWMutex
	tables map[string]map[string]*schema.Record
}

// New builds an empty Store for sch.
func New(sch *schema.Schema) *Store {
	tables := make(map[string]map[string]*schema.Record, len(sch.Collections))
	for name := range sch.Collections {
		tables[name] = make(map[string]*schema.Record)
	}
	return &Store{schema: sch, tables: tables}
}

func (s *Store) RawFindByID(ctx context.Context, resource, id string) (storage.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, err := findRecord(s.tables, resource, id)
	if err != nil {
		return nil, err
	}
	return storage.Record(rec.InferValue()), nil
}

func (s *Store) RawFindRecord(ctx context.Context, resource, id string) (*schema.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, err := findRecord(s.tables, resource, id)
	if err != nil {
		return nil, err
	}
	return rec.Clone(), nil
}

func (s *Store) RawFind(ctx context.Context, resource string, clause query.WhereClause, include query.IncludeClause, limit int) (map[string]storage.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return find(ctx, &handle{s: s}, s.schema, s.tables, resource, clause, include, limit)
}

func (s *Store) RawInsert(ctx context.Context, resource string, rec *schema.Record) (storage.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return persist(s.tables, resource, rec)
}

func (s *Store) RawUpdate(ctx context.Context, resource string, rec *schema.Record) (storage.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := findRecord(s.tables, resource, rec.ID); err != nil {
		return nil, err
	}
	return persist(s.tables, resource, rec)
}

// Transaction runs fn against a handle whose Raw* methods act directly on
// s's tables under the single write lock Transaction holds for its whole
// duration, matching spec.md §4.4's single-writer, read-committed
// contract. Every Insert/Update issued through the handle is logged so a
// non-nil return from fn unwinds them in reverse order, giving the same
// all-or-nothing guarantee the SQL adapter gets for free from
// database/sql's transactions.
func (s *Store) Transaction(ctx context.Context, fn func(ctx context.Context, tx storage.Storage) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := &handle{s: s}
	err := fn(ctx, h)
	if err != nil {
		for i := len(h.undo) - 1; i >= 0; i-- {
			h.undo[i]()
		}
		return err
	}
	return nil
}

// handle implements storage.Storage directly against a Store's tables
// without taking s.mu itself; every call site that can reach a handle
// already holds s.mu (RLock from RawFind, Lock from Transaction). undo
// accumulates rollback closures for a Transaction's writes.
type handle struct {
	s    *Store
	undo []func()
}

func (h *handle) RawFindByID(ctx context.Context, resource, id string) (storage.Record, error) {
	rec, err := findRecord(h.s.tables, resource, id)
	if err != nil {
		return nil, err
	}
	return storage.Record(rec.InferValue()), nil
}

func (h *handle) RawFindRecord(ctx context.Context, resource, id string) (*schema.Record, error) {
	rec, err := findRecord(h.s.tables, resource, id)
	if err != nil {
		return nil, err
	}
	return rec.Clone(), nil
}

func (h *handle) RawFind(ctx context.Context, resource string, clause query.WhereClause, include query.IncludeClause, limit int) (map[string]storage.Record, error) {
	return find(ctx, h, h.s.schema, h.s.tables, resource, clause, include, limit)
}

func (h *handle) RawInsert(ctx context.Context, resource string, rec *schema.Record) (storage.Record, error) {
	h.recordUndo(resource, rec.ID)
	return persist(h.s.tables, resource, rec)
}

func (h *handle) RawUpdate(ctx context.Context, resource string, rec *schema.Record) (storage.Record, error) {
	if _, err := findRecord(h.s.tables, resource, rec.ID); err != nil {
		return nil, err
	}
	h.recordUndo(resource, rec.ID)
	return persist(h.s.tables, resource, rec)
}

// recordUndo snapshots the pre-write state of (resource, id) so a later
// rollback can restore it exactly: either the prior *schema.Record, or
// deletion if the id did not exist before this write.
func (h *handle) recordUndo(resource, id string) {
	table := h.s.tables[resource]
	prior, existed := table[id]
	h.undo = append(h.undo, func() {
		t := h.s.tables[resource]
		if t == nil {
			return
		}
		if existed {
			t[id] = prior
		} else {
			delete(t, id)
		}
	})
}

func (h *handle) Transaction(ctx context.Context, fn func(ctx context.Context, tx storage.Storage) error) error {
	// Nested transactions join the already-held outer lock.
	return fn(ctx, h)
}

func findRecord(tables map[string]map[string]*schema.Record, resource, id string) (*schema.Record, error) {
	table, ok := tables[resource]
	if !ok {
		return nil, storage.ErrNotFound
	}
	rec, ok := table[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return rec, nil
}

func find(ctx context.Context, s storage.Storage, sch *schema.Schema, tables map[string]map[string]*schema.Record, resource string, clause query.WhereClause, include query.IncludeClause, limit int) (map[string]storage.Record, error) {
	table, ok := tables[resource]
	if !ok {
		return map[string]storage.Record{}, nil
	}
	out := make(map[string]storage.Record)
	for id, rec := range table {
		materialized := storage.Record(rec.InferValue())
		if !storage.MatchesWhere(materialized, clause) {
			continue
		}
		out[id] = materialized
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	for id, rec := range out {
		if err := storage.ResolveInclude(ctx, s, sch, resource, rec, include); err != nil {
			return nil, err
		}
		out[id] = rec
	}
	return out, nil
}

func persist(tables map[string]map[string]*schema.Record, resource string, rec *schema.Record) (storage.Record, error) {
	table, ok := tables[resource]
	if !ok {
		table = make(map[string]*schema.Record)
		tables[resource] = table
	}
	table[rec.ID] = rec.Clone()
	return storage.Record(rec.InferValue()), nil
}
