package query

import (
	"encoding/json"

	"github.com/cespare/xxhash/v2"
)

// Hash returns a stable identifier for req: xx-hash of its canonical JSON
// encoding, truncated to 32 bits (spec.md §3: "hashable to a stable 32-bit
// identifier"). encoding/json already serializes Go maps with keys sorted
// lexicographically, which is exactly the canonicalization a WhereClause/
// IncludeClause (both maps) needs for a stable hash independent of
// declaration order.
func (r Request) Hash() (uint32, error) {
	canonical, err := CanonicalJSON(r)
	if err != nil {
		return 0, err
	}
	return uint32(xxhash.Sum64(canonical)), nil
}

// CanonicalJSON marshals v using encoding/json, which sorts map keys, so
// two structurally-equal requests built in different call orders produce
// byte-identical output.
func CanonicalJSON(v any) ([]byte, error) {
	return json.Marshal(v)
}
