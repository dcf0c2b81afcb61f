package query

// Builder is an immutable query composer (spec.md §4.3). Every method
// returns a fresh Builder; the receiver is never mutated, satisfying the
// "query-builder immutability" testable property of spec.md §8.
type Builder struct {
	resource string
	where    WhereClause
	include  IncludeClause
	limit    int
}

// NewBuilder starts building a query against resource.
func NewBuilder(resource string) Builder {
	return Builder{resource: resource}
}

// Where shallow-merges clause into the builder's current where-clause:
// top-level keys from clause overwrite any existing key of the same name.
func (b Builder) Where(clause WhereClause) Builder {
	merged := make(WhereClause, len(b.where)+len(clause))
	for k, v := range b.where {
		merged[k] = v
	}
	for k, v := range clause {
		merged[k] = v
	}
	b.where = merged
	return b
}

// Include deep-merges tree into the builder's current include-clause.
func (b Builder) Include(tree IncludeClause) Builder {
	b.include = deepMergeInclude(b.include, tree)
	return b
}

// Limit replaces the builder's limit.
func (b Builder) Limit(n int) Builder {
	b.limit = n
	return b
}

// Compose shallow-merges other's where, deep-merges other's include, and
// takes other's limit when it is non-zero.
func (b Builder) Compose(other Builder) Builder {
	out := b.Where(other.where).Include(other.include)
	if other.limit != 0 {
		out = out.Limit(other.limit)
	}
	return out
}

// ToRequest serializes the builder to its canonical Request form.
func (b Builder) ToRequest() Request {
	return Request{Resource: b.resource, Where: b.where, Include: b.include, Limit: b.limit}
}

// ToJSON returns the canonical JSON encoding used for immutability checks
// and hashing.
func (b Builder) ToJSON() ([]byte, error) {
	return CanonicalJSON(b.ToRequest())
}

func deepMergeInclude(base, overlay IncludeClause) IncludeClause {
	if base == nil && overlay == nil {
		return nil
	}
	merged := make(IncludeClause, len(base)+len(overlay))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range overlay {
		existing, hasExisting := merged[k]
		merged[k] = mergeIncludeValue(existing, hasExisting, v)
	}
	return merged
}

func mergeIncludeValue(existing any, hasExisting bool, incoming any) any {
	if !hasExisting {
		return incoming
	}
	existingSpec, existingIsSpec := asIncludeSpec(existing)
	incomingSpec, incomingIsSpec := asIncludeSpec(incoming)
	if !existingIsSpec && !incomingIsSpec {
		// Both shallow `true` (or one/both unrecognized) — incoming wins,
		// matching top-level merge's "later wins" rule degenerate case.
		return incoming
	}
	merged := &IncludeSpec{}
	if existingIsSpec {
		merged.Where = existingSpec.Where
		merged.Include = existingSpec.Include
		merged.Limit = existingSpec.Limit
	}
	if incomingIsSpec {
		if incomingSpec.Where != nil {
			merged.Where = incomingSpec.Where
		}
		merged.Include = deepMergeInclude(merged.Include, incomingSpec.Include)
		if incomingSpec.Limit != 0 {
			merged.Limit = incomingSpec.Limit
		}
	}
	return merged
}

func asIncludeSpec(v any) (*IncludeSpec, bool) {
	switch t := v.(type) {
	case *IncludeSpec:
		return t, true
	case IncludeSpec:
		return &t, true
	default:
		return nil, false
	}
}
