package schema

import "fmt"

// Violation is a single schema-construction error. Unlike the teacher's
// violations (ir.Violation), there is no source file/position to attach —
// schemas are declared in Go, not parsed from text — so a Violation is just
// a stable message.
type Violation struct {
	Message string
}

// ValidationError aggregates every Violation found while building a Schema;
// Build fails atomically, reporting everything wrong at once rather than
// one error per call.
type ValidationError []*Violation

func (e ValidationError) Error() string {
	msg := "schema violations found:\n"
	for _, v := range e {
		msg += "- " + v.Message + "\n"
	}
	return msg
}

func violationMissingIDField(collection string) *Violation {
	return &Violation{Message: fmt.Sprintf("collection %q must declare an id: string field", collection)}
}

func violationDuplicateCollection(name string) *Violation {
	return &Violation{Message: fmt.Sprintf("collection %q declared more than once", name)}
}

func violationUnknownTargetCollection(owner, field, target string) *Violation {
	return &Violation{Message: fmt.Sprintf("relation %s.%s targets unknown collection %q", owner, field, target)}
}

func violationMissingForeignColumn(owner, field, column string) *Violation {
	return &Violation{Message: fmt.Sprintf("relation %s.%s references foreign column %q which is not a declared field", owner, field, column)}
}

func violationForeignColumnNotReference(owner, field, column string) *Violation {
	return &Violation{Message: fmt.Sprintf("relation %s.%s foreign column %q must be a reference field", owner, field, column)}
}

func violationRelationNotReciprocated(owner, field, target string) *Violation {
	return &Violation{Message: fmt.Sprintf("relation %s.%s has no reciprocal \"many\" relation declared on %q", owner, field, target)}
}

func violationReciprocalMismatch(owner, field, target, expectedColumn string) *Violation {
	return &Violation{Message: fmt.Sprintf("relation %s.%s: reciprocal relation on %q does not reference foreign column %q", owner, field, target, expectedColumn)}
}

func violationOrphanManyRelation(owner, field, target string) *Violation {
	return &Violation{Message: fmt.Sprintf("relation %s.%s (many) has no reciprocal \"one\" relation declared on %q", owner, field, target)}
}
