package router

import (
	"context"
	"sync"
	"time"
)

// connIDKey is the context key a transport sets so Route can attribute
// authorization failures to the originating connection (spec.md §7:
// "Authorization errors ... count toward a server-side per-connection
// rate meter").
type connIDKey struct{}

// WithConnID attaches connID to ctx for the duration of one request's
// dispatch. Transports call this before invoking Server.HandleQuery/
// HandleMutation so a Route's RateMeter (if any) can attribute denials.
func WithConnID(ctx context.Context, connID string) context.Context {
	return context.WithValue(ctx, connIDKey{}, connID)
}

// ConnIDFromContext returns the connection ID WithConnID attached, or ""
// if none was set (e.g. an embedding with no live transport).
func ConnIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(connIDKey{}).(string)
	return id
}

// RateMeter counts authorization failures per connection within a
// trailing sliding window. It only counts; deciding what to do about a
// noisy connection (closing it, logging it) is left to whatever transport
// queries it (spec.md §9 design notes leave enforcement policy open).
type RateMeter struct {
	window time.Duration

	mu   sync.Mutex
	hits map[string][]time.Time
}

// NewRateMeter returns a RateMeter tracking failures within the trailing
// window.
func NewRateMeter(window time.Duration) *RateMeter {
	return &RateMeter{window: window, hits: make(map[string][]time.Time)}
}

// RecordFailure registers one authorization failure for connID at now.
func (m *RateMeter) RecordFailure(connID string, now time.Time) {
	if m == nil || connID == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hits[connID] = append(prune(m.hits[connID], now, m.window), now)
}

// Count returns how many authorization failures connID has accumulated
// within the trailing window as of now. A transport can poll this after
// sending an ERROR frame to decide whether to drop the connection.
func (m *RateMeter) Count(connID string, now time.Time) int {
	if m == nil || connID == "" {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	pruned := prune(m.hits[connID], now, m.window)
	m.hits[connID] = pruned
	return len(pruned)
}

// Forget drops all recorded failures for connID, e.g. once a transport
// observes the connection close.
func (m *RateMeter) Forget(connID string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.hits, connID)
}

func prune(hits []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	out := hits[:0]
	for _, h := range hits {
		if h.After(cutoff) {
			out = append(out, h)
		}
	}
	return out
}
