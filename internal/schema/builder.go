package schema

import (
	"sort"

	livetype "github.com/livesync/engine/internal/livetype"
)

// Builder accumulates collection declarations and validates them once, at
// Build, into an immutable Schema. This replaces the source system's
// runtime observable-proxy object graph (spec.md §9): collections are
// declared explicitly in Go at program start rather than materialized
// lazily by property interception.
type Builder struct {
	collections []*collectionBuilder
	violations  []*Violation
}

func NewBuilder() *Builder { return &Builder{} }

// Collection begins declaring a new collection named name. Declaring the
// same name twice is reported as a violation at Build time.
func (b *Builder) Collection(name string) *collectionBuilder {
	cb := &collectionBuilder{
		name:   name,
		object: &LiveObject{Name: name, fields: map[string]livetype.LiveType{}, Relations: map[string]*Relation{}},
	}
	b.collections = append(b.collections, cb)
	return cb
}

// collectionBuilder declares the fields and relations of one collection.
type collectionBuilder struct {
	name   string
	object *LiveObject
}

// Field declares a scalar/optional field on the collection.
func (cb *collectionBuilder) Field(name string, lt livetype.LiveType) *collectionBuilder {
	if _, exists := cb.object.fields[name]; !exists {
		cb.object.fieldOrder = append(cb.object.fieldOrder, name)
	}
	cb.object.fields[name] = lt
	return cb
}

// HasOne declares a "one" relation stored via a reference field on this
// collection. foreignColumn must name a field (declared via Field) holding
// the target id — typically livetype.Reference() or
// livetype.Optional(livetype.Reference()).
func (cb *collectionBuilder) HasOne(fieldName, targetCollection, foreignColumn string) *collectionBuilder {
	cb.object.Relations[fieldName] = &Relation{
		Name:             fieldName,
		Kind:             RelationOne,
		TargetCollection: targetCollection,
		ForeignColumn:    foreignColumn,
	}
	return cb
}

// HasMany declares the reciprocal "many" side of a relation. viaForeignColumn
// names the column the owning "one" relation (declared on targetCollection)
// must reference back via ForeignColumn.
func (cb *collectionBuilder) HasMany(fieldName, targetCollection, viaForeignColumn string) *collectionBuilder {
	cb.object.Relations[fieldName] = &Relation{
		Name:             fieldName,
		Kind:             RelationMany,
		TargetCollection: targetCollection,
		RelationalColumn: viaForeignColumn,
	}
	return cb
}

// Build validates every collection's field and relation declarations and
// returns the immutable Schema, or every violation found.
func (b *Builder) Build() (*Schema, error) {
	schema := &Schema{Collections: map[string]*LiveObject{}}
	var violations []*Violation

	seen := map[string]bool{}
	for _, cb := range b.collections {
		if seen[cb.name] {
			violations = append(violations, violationDuplicateCollection(cb.name))
			continue
		}
		seen[cb.name] = true
		schema.Collections[cb.name] = cb.object
	}

	for name, obj := range schema.Collections {
		if lt := obj.Field("id"); lt == nil || lt.Name() != "string" {
			violations = append(violations, violationMissingIDField(name))
		}
	}

	for ownerName, owner := range schema.Collections {
		for _, rel := range owner.Relations {
			violations = append(violations, validateRelation(schema, ownerName, owner, rel)...)
		}
	}

	if len(violations) > 0 {
		sort.Slice(violations, func(i, j int) bool { return violations[i].Message < violations[j].Message })
		return nil, ValidationError(violations)
	}
	return schema, nil
}

func validateRelation(s *Schema, ownerName string, owner *LiveObject, rel *Relation) []*Violation {
	var out []*Violation

	target, ok := s.Collections[rel.TargetCollection]
	if !ok {
		return append(out, violationUnknownTargetCollection(ownerName, rel.Name, rel.TargetCollection))
	}

	switch rel.Kind {
	case RelationOne:
		fk := owner.Field(rel.ForeignColumn)
		if fk == nil {
			out = append(out, violationMissingForeignColumn(ownerName, rel.Name, rel.ForeignColumn))
			break
		}
		if !isReferenceType(fk) {
			out = append(out, violationForeignColumnNotReference(ownerName, rel.Name, rel.ForeignColumn))
		}
		if !reciprocatedByMany(target, ownerName, rel.ForeignColumn) {
			out = append(out, violationRelationNotReciprocated(ownerName, rel.Name, rel.TargetCollection))
		}
	case RelationMany:
		reciprocal, ok := findOneRelation(target, ownerName, rel.RelationalColumn)
		if !ok {
			out = append(out, violationOrphanManyRelation(ownerName, rel.Name, rel.TargetCollection))
		} else if reciprocal.ForeignColumn != rel.RelationalColumn {
			out = append(out, violationReciprocalMismatch(ownerName, rel.Name, rel.TargetCollection, rel.RelationalColumn))
		}
	}
	return out
}

func isReferenceType(lt livetype.LiveType) bool {
	name := lt.Name()
	return name == "reference" || name == "optional<reference>"
}

// reciprocatedByMany reports whether target declares a "many" relation
// pointing back at ownerCollection via foreignColumn.
func reciprocatedByMany(target *LiveObject, ownerCollection, foreignColumn string) bool {
	for _, r := range target.Relations {
		if r.Kind == RelationMany && r.TargetCollection == ownerCollection && r.RelationalColumn == foreignColumn {
			return true
		}
	}
	return false
}

// findOneRelation finds a "one" relation on target pointing at
// targetCollection through foreignColumn.
func findOneRelation(target *LiveObject, targetCollection, foreignColumn string) (*Relation, bool) {
	for _, r := range target.Relations {
		if r.Kind == RelationOne && r.TargetCollection == targetCollection && r.ForeignColumn == foreignColumn {
			return r, true
		}
	}
	return nil, false
}
