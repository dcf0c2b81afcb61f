// Package router implements the server-side Route of spec.md §4.5: a
// per-collection request handler with an ordered middleware chain,
// authorization policy, custom mutations, and the transactional
// merge/insert/update pipeline.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/livesync/engine/internal/errs"
	"github.com/livesync/engine/internal/livetype"
	"github.com/livesync/engine/internal/query"
	"github.com/livesync/engine/internal/schema"
	"github.com/livesync/engine/internal/storage"
	"github.com/livesync/engine/internal/where"
)

// Kind discriminates the four request shapes a Route accepts.
type Kind int

const (
	KindQuery Kind = iota
	KindInsert
	KindUpdate
	KindCustomMutation
)

// Request is the unified envelope the middleware chain and dispatcher
// operate over (spec.md §4.5 "handleRequest(req, storage, schema)").
type Request struct {
	Kind     Kind
	Resource string

	// QUERY
	Where   query.WhereClause
	Include query.IncludeClause
	Limit   int

	// MUTATE/INSERT, MUTATE/UPDATE
	ID     string
	Fields map[string]json.RawMessage

	// Custom mutation
	MutationName string
	Args         map[string]json.RawMessage
}

// Response carries whichever result shape the request kind produced.
type Response struct {
	Records   map[string]storage.Record // KindQuery
	Record    storage.Record            // KindInsert/KindUpdate/KindCustomMutation
	Broadcast bool                      // whether callers should fan this mutation out (spec.md §9)

	// Accepted is the subset of fields MergeMutation actually wrote
	// (spec.md §4.1/§4.5 "acceptedFields"/"acceptedValues"), nil when the
	// whole mutation was stale. Set for KindInsert/KindUpdate only; a
	// custom mutation's accepted-fields concept is up to its own handler.
	Accepted map[string]*livetype.Value
}

// HandlerFunc processes one Request. Middleware wraps a HandlerFunc to
// produce another, the standard Go http-middleware shape generalized to
// this package's request/response envelope.
type HandlerFunc func(ctx context.Context, req *Request) (*Response, error)

// Middleware wraps a HandlerFunc. Middleware must be pure over
// (ctx, req) with respect to storage (spec.md §4.6: "Middleware and
// authorization policies must be pure ... no writes"); they may attach
// values to ctx (auth principals, trace spans) or reject a request
// before it reaches the dispatcher.
type Middleware func(HandlerFunc) HandlerFunc

// CustomMutationHandler runs a custom mutation's business logic inside
// the same transaction the router opens for it.
type CustomMutationHandler func(ctx context.Context, tx storage.Storage, args map[string]json.RawMessage) (storage.Record, error)

// CustomMutation is one named custom-mutation registration.
type CustomMutation struct {
	Handler CustomMutationHandler

	// Broadcast controls whether a successful call triggers subscription
	// fan-out (spec.md §9 Open Question: "stated per-mutation at schema
	// time"). Set explicitly by every RegisterCustomMutation call; there
	// is no default.
	Broadcast bool
}

// Route binds one collection: a schema reference, storage, an ordered
// middleware chain, a map of custom mutations, and an optional
// authorization policy (spec.md §4.5).
type Route struct {
	Collection string
	Schema     *schema.Schema
	Storage    storage.Storage
	Policy     Policy

	log             *zap.Logger
	meter           *RateMeter
	middlewares     []Middleware
	customMutations map[string]*CustomMutation
}

// NewRoute builds a Route for collection against sch/store.
func NewRoute(collection string, sch *schema.Schema, store storage.Storage) *Route {
	return &Route{
		Collection:      collection,
		Schema:          sch,
		Storage:         store,
		log:             zap.NewNop(),
		customMutations: map[string]*CustomMutation{},
	}
}

// WithLogger installs log for this route's commit/denial logging,
// returning r for chaining. Unset, a Route logs nowhere.
func (r *Route) WithLogger(log *zap.Logger) *Route {
	r.log = log
	return r
}

// WithRateMeter installs meter so every UNAUTHORIZED denial this route
// raises is counted against the connection ID attached to the request's
// context (see WithConnID). Unset, a Route counts nothing. Returns r for
// chaining, mirroring WithLogger.
func (r *Route) WithRateMeter(meter *RateMeter) *Route {
	r.meter = meter
	return r
}

// recordAuthFailure counts one authorization denial against the
// connection attached to ctx, a no-op when no RateMeter is installed or
// ctx carries no connection ID (e.g. an embedding with no live transport).
func (r *Route) recordAuthFailure(ctx context.Context) {
	r.meter.RecordFailure(ConnIDFromContext(ctx), time.Now())
}

// RateMeter returns the RateMeter installed by WithRateMeter, or nil if
// none was. Transports use this to poll a connection's recent
// authorization-failure count and decide whether to drop it (spec.md §7).
func (r *Route) RateMeter() *RateMeter {
	return r.meter
}

// Use appends middleware to the route's chain, outermost-first: the
// first middleware added wraps everything after it.
func (r *Route) Use(mw Middleware) *Route {
	r.middlewares = append(r.middlewares, mw)
	return r
}

// RegisterCustomMutation adds a named custom mutation. broadcast has no
// default: pass true for fan-out on success, false for mutations that
// never materially change visible state.
func (r *Route) RegisterCustomMutation(name string, handler CustomMutationHandler, broadcast bool) {
	r.customMutations[name] = &CustomMutation{Handler: handler, Broadcast: broadcast}
}

// Handle runs req through the route's middleware chain and dispatcher.
func (r *Route) Handle(ctx context.Context, req *Request) (*Response, error) {
	chain := r.dispatch
	for i := len(r.middlewares) - 1; i >= 0; i-- {
		chain = r.middlewares[i](chain)
	}
	return chain(ctx, req)
}

func (r *Route) dispatch(ctx context.Context, req *Request) (*Response, error) {
	switch req.Kind {
	case KindQuery:
		return r.handleQuery(ctx, req)
	case KindInsert:
		return r.handleInsert(ctx, req)
	case KindUpdate:
		return r.handleUpdate(ctx, req)
	case KindCustomMutation:
		return r.handleCustomMutation(ctx, req)
	default:
		return nil, errs.InvalidRequest("unknown request kind")
	}
}

// handleQuery computes effectiveWhere = req.where ∧ readPolicy(ctx) and
// calls RawFind; a deny decision fails with UNAUTHORIZED before storage
// is touched (spec.md §4.5).
func (r *Route) handleQuery(ctx context.Context, req *Request) (*Response, error) {
	effectiveWhere, err := r.evaluateRead(ctx, req.Where)
	if err != nil {
		return nil, err
	}
	records, err := r.Storage.RawFind(ctx, r.Collection, effectiveWhere, req.Include, req.Limit)
	if err != nil {
		return nil, errs.Internal(err.Error())
	}
	return &Response{Records: records}, nil
}

// handleInsert asserts the target does not exist, then within a
// transaction: merge → insert → evaluate insert policy on the inferred
// record (with id backfilled by the merge itself) → abort on failure
// (spec.md §4.5). req.Fields must carry a wire-encoded "id" entry, the
// same contract schema.Schema.MergeMutation requires of any INSERT.
func (r *Route) handleInsert(ctx context.Context, req *Request) (*Response, error) {
	var result storage.Record
	var resultAccepted map[string]*livetype.Value
	err := r.Storage.Transaction(ctx, func(ctx context.Context, tx storage.Storage) error {
		if req.ID != "" {
			if _, err := tx.RawFindRecord(ctx, r.Collection, req.ID); err == nil {
				return errs.Conflict(fmt.Sprintf("%s %q already exists", r.Collection, req.ID))
			} else if err != storage.ErrNotFound {
				return errs.Internal(err.Error())
			}
		}

		merged, accepted, err := r.Schema.MergeMutation(r.Collection, livetype.Insert, req.Fields, nil)
		if err != nil {
			return errs.InvalidRequest(err.Error())
		}
		if req.ID == "" {
			if _, err := tx.RawFindRecord(ctx, r.Collection, merged.ID); err == nil {
				return errs.Conflict(fmt.Sprintf("%s %q already exists", r.Collection, merged.ID))
			} else if err != storage.ErrNotFound {
				return errs.Internal(err.Error())
			}
		}

		rec, err := tx.RawInsert(ctx, r.Collection, merged)
		if err != nil {
			return errs.Internal(err.Error())
		}

		if r.Policy.Insert != nil {
			if !decisionHolds(r.Policy.Insert(ctx, rec), rec) {
				r.recordAuthFailure(ctx)
				return errs.Unauthorized(fmt.Sprintf("insert into %s denied", r.Collection))
			}
		}
		result = rec
		resultAccepted = accepted
		return nil
	})
	if err != nil {
		r.log.Warn("insert failed", zap.String("collection", r.Collection), zap.Error(err))
		return nil, err
	}
	r.log.Info("insert committed", zap.String("collection", r.Collection), zap.String("id", result.ID))
	return &Response{Record: result, Accepted: resultAccepted, Broadcast: true}, nil
}

// handleUpdate asserts the target exists, runs the pre-policy on the
// pre-image, merges, updates, then runs the post-policy; any failure
// aborts the transaction (spec.md §4.5).
func (r *Route) handleUpdate(ctx context.Context, req *Request) (*Response, error) {
	var result storage.Record
	var resultAccepted map[string]*livetype.Value
	err := r.Storage.Transaction(ctx, func(ctx context.Context, tx storage.Storage) error {
		prior, err := tx.RawFindRecord(ctx, r.Collection, req.ID)
		if err == storage.ErrNotFound {
			return errs.NotFound(fmt.Sprintf("%s %q not found", r.Collection, req.ID))
		} else if err != nil {
			return errs.Internal(err.Error())
		}

		if r.Policy.UpdatePre != nil {
			preImage := prior.InferValue()
			if !decisionHolds(r.Policy.UpdatePre(ctx, preImage), preImage) {
				r.recordAuthFailure(ctx)
				return errs.Unauthorized(fmt.Sprintf("update of %s %q denied (pre)", r.Collection, req.ID))
			}
		}

		merged, accepted, err := r.Schema.MergeMutation(r.Collection, livetype.Update, req.Fields, prior)
		if err != nil {
			return errs.InvalidRequest(err.Error())
		}

		rec, err := tx.RawUpdate(ctx, r.Collection, merged)
		if err != nil {
			return errs.Internal(err.Error())
		}

		if r.Policy.UpdatePost != nil {
			if !decisionHolds(r.Policy.UpdatePost(ctx, rec), rec) {
				r.recordAuthFailure(ctx)
				return errs.Unauthorized(fmt.Sprintf("update of %s %q denied (post)", r.Collection, req.ID))
			}
		}
		result = rec
		resultAccepted = accepted
		return nil
	})
	if err != nil {
		r.log.Warn("update failed", zap.String("collection", r.Collection), zap.String("id", req.ID), zap.Error(err))
		return nil, err
	}
	r.log.Info("update committed", zap.String("collection", r.Collection), zap.String("id", result.ID))
	// spec.md §7: a fully-stale update (every field older than what's
	// already stored) succeeds with acceptedValues=null and emits no
	// broadcast.
	return &Response{Record: result, Accepted: resultAccepted, Broadcast: len(resultAccepted) > 0}, nil
}

func (r *Route) handleCustomMutation(ctx context.Context, req *Request) (*Response, error) {
	cm, ok := r.customMutations[req.MutationName]
	if !ok {
		return nil, errs.InvalidRequest(fmt.Sprintf("unknown custom mutation %q on %s", req.MutationName, r.Collection))
	}
	var result storage.Record
	err := r.Storage.Transaction(ctx, func(ctx context.Context, tx storage.Storage) error {
		rec, err := cm.Handler(ctx, tx, req.Args)
		if err != nil {
			return err
		}
		result = rec
		return nil
	})
	if err != nil {
		r.log.Warn("custom mutation failed", zap.String("collection", r.Collection), zap.String("mutation", req.MutationName), zap.Error(err))
		if _, ok := errs.As(err); ok {
			return nil, err
		}
		return nil, errs.Internal(err.Error())
	}
	r.log.Info("custom mutation committed", zap.String("collection", r.Collection), zap.String("mutation", req.MutationName))
	return &Response{Record: result, Broadcast: cm.Broadcast}, nil
}

func (r *Route) evaluateRead(ctx context.Context, userWhere query.WhereClause) (query.WhereClause, error) {
	if r.Policy.Read == nil {
		return userWhere, nil
	}
	d := r.Policy.Read(ctx)
	if d.Clause != nil {
		return andClauses(userWhere, d.Clause), nil
	}
	if !d.Allow {
		r.recordAuthFailure(ctx)
		return nil, errs.Unauthorized(fmt.Sprintf("read of %s denied", r.Collection))
	}
	return userWhere, nil
}

func decisionHolds(d Decision, record map[string]any) bool {
	if d.Clause != nil {
		return where.Apply(record, d.Clause, false)
	}
	return d.Allow
}

func andClauses(a, b query.WhereClause) query.WhereClause {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return query.WhereClause{"$and": []query.WhereClause{a, b}}
}
