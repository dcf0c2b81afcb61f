// Package server is the resource-name-keyed front door spec.md §4.6
// describes: a registry of router.Route values plus the handleQuery and
// handleMutation entry points both transports (the HTTP surface in
// internal/transport/httptransport and the duplex bindings) dispatch through.
package server

import (
	"context"

	"go.uber.org/zap"

	"github.com/livesync/engine/internal/errs"
	"github.com/livesync/engine/internal/router"
	"github.com/livesync/engine/internal/subscription"
)

// ContextProvider derives a per-request context (auth principal, trace
// span, deadline) from the inbound context before a Route sees it. It may
// fail, e.g. to reject an unauthenticated caller outright.
type ContextProvider func(ctx context.Context) (context.Context, error)

// Server holds the route registry, shared storage/schema having already
// been wired into each Route at registration time, and an optional
// ContextProvider (spec.md §4.6: "an optional async contextProvider").
type Server struct {
	routes          map[string]*router.Route
	contextProvider ContextProvider

	// subs/pusher are both nil until WithBroadcast wires them; a Server
	// with neither set simply never fans mutations out (spec.md §4.7 is
	// opt-in at the transport's discretion).
	subs   *subscription.Registry
	pusher Pusher

	log *zap.Logger
}

// New builds an empty Server. Register routes with Register before serving
// requests.
func New() *Server {
	return &Server{routes: map[string]*router.Route{}, log: zap.NewNop()}
}

// WithLogger installs log for dispatch-failure logging, returning s for
// chaining. Unset, a Server logs nowhere.
func (s *Server) WithLogger(log *zap.Logger) *Server {
	s.log = log
	return s
}

// Register binds route under its own Collection name. Registering the same
// collection twice replaces the previous route.
func (s *Server) Register(route *router.Route) {
	s.routes[route.Collection] = route
}

// WithContextProvider installs fn, returning s for chaining.
func (s *Server) WithContextProvider(fn ContextProvider) *Server {
	s.contextProvider = fn
	return s
}

// RateMeter returns the resource's route's installed router.RateMeter, or
// nil if the resource is unknown or the route has none (spec.md §7: "count
// toward a server-side per-connection rate meter"). Transports use this to
// poll a connection's recent authorization-failure count.
func (s *Server) RateMeter(resource string) *router.RateMeter {
	route, ok := s.routes[resource]
	if !ok {
		return nil
	}
	return route.RateMeter()
}

// HandleQuery resolves req.Resource to a Route and delegates a QUERY
// request. Unknown resources yield INVALID_RESOURCE (spec.md §4.6).
func (s *Server) HandleQuery(ctx context.Context, req *router.Request) (*router.Response, error) {
	return s.dispatch(ctx, req)
}

// HandleMutation resolves req.Resource to a Route and delegates an
// INSERT/UPDATE/custom-mutation request. Unknown resources yield
// INVALID_RESOURCE (spec.md §4.6). A successful, broadcastable mutation
// (router.Response.Broadcast) fans out to every affected subscriber
// through WithBroadcast's registry/pusher, when wired (spec.md §4.7).
func (s *Server) HandleMutation(ctx context.Context, req *router.Request) (*router.Response, error) {
	route, resp, err := s.dispatchRoute(ctx, req)
	if err != nil {
		return nil, err
	}
	s.broadcast(ctx, route, req, resp)
	return resp, nil
}

func (s *Server) dispatch(ctx context.Context, req *router.Request) (*router.Response, error) {
	_, resp, err := s.dispatchRoute(ctx, req)
	return resp, err
}

func (s *Server) dispatchRoute(ctx context.Context, req *router.Request) (*router.Route, *router.Response, error) {
	route, ok := s.routes[req.Resource]
	if !ok {
		s.log.Warn("unknown resource", zap.String("resource", req.Resource))
		return nil, nil, errs.InvalidResource("unknown resource %q", req.Resource)
	}
	if s.contextProvider != nil {
		var err error
		ctx, err = s.contextProvider(ctx)
		if err != nil {
			return nil, nil, err
		}
	}
	resp, err := route.Handle(ctx, req)
	return route, resp, err
}
