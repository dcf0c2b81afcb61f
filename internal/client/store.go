package client

import (
	"sync"

	"github.com/livesync/engine/internal/livetype"
	"github.com/livesync/engine/internal/schema"
	"github.com/livesync/engine/internal/transport"
)

// store is the client's single-writer materialized mirror (spec.md §5:
// "the client's materialized store is single-writer (the engine)"; here
// the engine's caller — Client — is the only writer, serialized by mu).
// It mirrors exactly what router.handleInsert/handleUpdate do server-side
// (schema.Schema.MergeMutation against a prior Record), just without a
// Storage/transaction boundary around it.
type store struct {
	mu   sync.RWMutex
	recs map[string]map[string]*schema.Record // resource -> id -> record
}

func newStore() *store {
	return &store{recs: map[string]map[string]*schema.Record{}}
}

// merge applies an INSERT/UPDATE mutation's decoded fields against
// whatever this collection/id pair already holds locally (nil prior for a
// first-seen id), returning the merged record and the fields LWW actually
// accepted (nil when every field was stale, per spec.md §4.1).
func (s *store) merge(resource string, kind livetype.MutationKind, id string, sch *schema.Schema, fields map[string]any, ts string) (*schema.Record, map[string]*livetype.Value, error) {
	wire, err := transport.EncodeFields(fields, ts)
	if err != nil {
		return nil, nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	byID := s.recs[resource]
	if byID == nil {
		byID = map[string]*schema.Record{}
		s.recs[resource] = byID
	}
	prior := byID[id]
	if kind == livetype.Insert {
		prior = nil
	}
	merged, accepted, err := sch.MergeMutation(resource, kind, wire, prior)
	if err != nil {
		return nil, nil, err
	}
	if merged.ID == "" {
		merged.ID = id
	}
	byID[merged.ID] = merged
	return merged, accepted, nil
}

// get returns resource/id's current materialized record, or nil if this
// client has never seen it.
func (s *store) get(resource, id string) *schema.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.recs[resource][id]
}
