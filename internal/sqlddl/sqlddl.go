// Package sqlddl renders the SQL persistence adapter's per-collection
// table layout from a schema.Schema: an `id` primary key plus, for every
// declared field, a value column and a meta (timestamp/deleted) column
// pair (spec.md §6 "Persisted state layout"). The walk-and-render shape
// mirrors the teacher's protoreg registry-to-text renderer, repurposed
// from proto IDL generation to SQL DDL generation.
package sqlddl

import (
	"fmt"
	"sort"
	"strings"

	"github.com/livesync/engine/internal/schema"
)

// ValueColumn returns the SQL column name holding field's current JSON
// value.
func ValueColumn(field string) string { return snakeCase(field) + "_value" }

// TimestampColumn returns the SQL column name holding field's LWW
// timestamp.
func TimestampColumn(field string) string { return snakeCase(field) + "_ts" }

// DeletedColumn returns the SQL column name holding field's tombstone bit.
func DeletedColumn(field string) string { return snakeCase(field) + "_deleted" }

// TableName returns the SQL table name for a collection.
func TableName(collection string) string { return snakeCase(collection) }

// Render emits one CREATE TABLE IF NOT EXISTS statement per collection in
// s, ordered by collection name for deterministic output.
func Render(s *schema.Schema) string {
	names := make([]string, 0, len(s.Collections))
	for name := range s.Collections {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for i, name := range names {
		if i > 0 {
			b.WriteString("\n")
		}
		renderTable(&b, s.Collections[name])
	}
	return b.String()
}

func renderTable(b *strings.Builder, obj *schema.LiveObject) {
	var cols []string
	cols = append(cols, "id TEXT PRIMARY KEY")
	for _, field := range obj.FieldNames() {
		if field == "id" {
			continue
		}
		cols = append(cols,
			fmt.Sprintf("%s TEXT", ValueColumn(field)),
			fmt.Sprintf("%s TEXT NOT NULL DEFAULT ''", TimestampColumn(field)),
			fmt.Sprintf("%s INTEGER NOT NULL DEFAULT 0", DeletedColumn(field)),
		)
	}
	fmt.Fprintf(b, "CREATE TABLE IF NOT EXISTS %s (\n\t%s\n);\n", TableName(obj.Name), strings.Join(cols, ",\n\t"))
}

func snakeCase(s string) string {
	var b strings.Builder
	for i, r := range s {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r - 'A' + 'a')
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
