// Package schema implements the collection/relation model of spec.md §3-§4.1:
// LiveObject (collection) definitions, relation declarations, whole-record
// LWW merge, and include-tree resolution support. Schemas are built once at
// process start via Builder (spec.md §9: "prefer ... a builder constructed
// from the schema at program start — not runtime property interception")
// and are immutable thereafter.
package schema

import (
	livetype "github.com/livesync/engine/internal/livetype"
)

// RelationKind is the cardinality of a declared relation.
type RelationKind string

const (
	RelationOne  RelationKind = "one"
	RelationMany RelationKind = "many"
)

// Relation is one directed end of a relation declaration (spec.md §3). A
// "one" relation is declared on the collection that stores the foreign key
// (ForeignColumn names a field on that same collection); the reciprocal
// "many" relation is declared on the target collection and names the
// RelationalColumn it expects the owner to carry.
type Relation struct {
	Name             string
	Kind             RelationKind
	TargetCollection string

	// ForeignColumn is set on a "one" relation: the name of a Reference
	// (or Optional(Reference)) field on this same collection holding the
	// related record's id.
	ForeignColumn string

	// RelationalColumn is set on a "many" relation: the ForeignColumn name
	// the reciprocal "one" relation on TargetCollection must declare.
	RelationalColumn string
}

// LiveObject is both the row schema and the collection identity for one
// resource name (spec.md §3).
type LiveObject struct {
	Name string

	fields     map[string]livetype.LiveType
	fieldOrder []string // insertion order, used for deterministic rendering

	Relations map[string]*Relation
}

// Field returns the LiveType declared for name, or nil if undeclared.
func (o *LiveObject) Field(name string) livetype.LiveType { return o.fields[name] }

// FieldNames returns declared field names in declaration order.
func (o *LiveObject) FieldNames() []string {
	out := make([]string, len(o.fieldOrder))
	copy(out, o.fieldOrder)
	return out
}

// HasField reports whether name is a declared scalar field.
func (o *LiveObject) HasField(name string) bool {
	_, ok := o.fields[name]
	return ok
}

// Relation looks up a declared relation by field name.
func (o *LiveObject) Relation(name string) (*Relation, bool) {
	r, ok := o.Relations[name]
	return r, ok
}

// Schema is the complete set of collections an application declares.
type Schema struct {
	Collections map[string]*LiveObject
}

// Collection looks up a LiveObject by resource name.
func (s *Schema) Collection(name string) (*LiveObject, bool) {
	c, ok := s.Collections[name]
	return c, ok
}
