// Package clock generates the lexicographically-comparable timestamps used
// as LiveType meta. A bare RFC3339Nano string is monotonically
// non-decreasing within a process but two peers can legally produce the
// same nanosecond; spec.md §9 recommends a per-peer nonce suffix, which we
// implement here (see SPEC_FULL.md §9.3).
package clock

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// Source produces monotonically non-decreasing, globally tie-broken
// timestamps for a single process.
type Source struct {
	nonce string

	mu   sync.Mutex
	last time.Time
}

// NewSource creates a Source with a fresh random per-process nonce.
func NewSource() *Source {
	return &Source{nonce: randomNonce()}
}

// Now returns a new timestamp strictly greater (by string comparison) than
// every timestamp previously returned by this Source.
func (s *Source) Now() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := time.Now().UTC()
	if !t.After(s.last) {
		t = s.last.Add(time.Nanosecond)
	}
	s.last = t
	return fmt.Sprintf("%s-%s", t.Format("2006-01-02T15:04:05.000000000Z07:00"), s.nonce)
}

func randomNonce() string {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

// Less reports whether a sorts strictly before b under the LWW total order:
// lexicographic string comparison, which is what every LiveType merge rule
// uses directly on the stored meta timestamp.
func Less(a, b string) bool { return a < b }
