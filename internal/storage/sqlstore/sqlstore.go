// Package sqlstore is the SQL-backed Storage adapter of spec.md §4.4,
// driven against database/sql with the pure-Go modernc.org/sqlite driver
// so the adapter (and its tests) need no cgo toolchain. Table layout
// comes from internal/sqlddl. Where-clause filtering happens in Go over
// the scanned rows rather than as compiled SQL predicates: spec.md §1
// puts "the SQL persistence adapter's dialect specifics" out of scope,
// and a portable predicate-to-SQL compiler for the full where-clause
// language (nested $and/$or, relation traversal) is exactly that kind of
// dialect-shaped work this adapter intentionally does not take on.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/livesync/engine/internal/livetype"
	"github.com/livesync/engine/internal/query"
	"github.com/livesync/engine/internal/schema"
	"github.com/livesync/engine/internal/sqlddl"
	"github.com/livesync/engine/internal/storage"

	_ "modernc.org/sqlite"
)

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Store is a SQL-backed Storage. Construct with Open.
type Store struct {
	db     *sql.DB
	schema *schema.Schema
}

// Open wraps an already-connected *sql.DB. EnsureSchema must be called
// once before use to create the per-collection tables.
func Open(db *sql.DB, sch *schema.Schema) *Store {
	return &Store{db: db, schema: sch}
}

// EnsureSchema creates every collection's table if it does not exist.
func EnsureSchema(ctx context.Context, db *sql.DB, sch *schema.Schema) error {
	_, err := db.ExecContext(ctx, sqlddl.Render(sch))
	return err
}

func (s *Store) RawFindByID(ctx context.Context, resource, id string) (storage.Record, error) {
	return findByID(ctx, s.db, s.schema, resource, id)
}

func (s *Store) RawFindRecord(ctx context.Context, resource, id string) (*schema.Record, error) {
	return findRecord(ctx, s.db, s.schema, resource, id)
}

func (s *Store) RawFind(ctx context.Context, resource string, clause query.WhereClause, include query.IncludeClause, limit int) (map[string]storage.Record, error) {
	return find(ctx, s, s.db, s.schema, resource, clause, include, limit)
}

func (s *Store) RawInsert(ctx context.Context, resource string, rec *schema.Record) (storage.Record, error) {
	return upsert(ctx, s.db, s.schema, resource, rec)
}

func (s *Store) RawUpdate(ctx context.Context, resource string, rec *schema.Record) (storage.Record, error) {
	if _, err := findRecord(ctx, s.db, s.schema, resource, rec.ID); err != nil {
		return nil, err
	}
	return upsert(ctx, s.db, s.schema, resource, rec)
}

// Transaction opens a database/sql transaction and runs fn against a
// handle bound to it, matching spec.md §4.4's single-writer,
// read-committed contract via SQLite's own single-writer semantics.
func (s *Store) Transaction(ctx context.Context, fn func(ctx context.Context, tx storage.Storage) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	h := &handle{tx: sqlTx, schema: s.schema}
	if err := fn(ctx, h); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	return sqlTx.Commit()
}

type handle struct {
	tx     *sql.Tx
	schema *schema.Schema
}

func (h *handle) RawFindByID(ctx context.Context, resource, id string) (storage.Record, error) {
	return findByID(ctx, h.tx, h.schema, resource, id)
}
func (h *handle) RawFindRecord(ctx context.Context, resource, id string) (*schema.Record, error) {
	return findRecord(ctx, h.tx, h.schema, resource, id)
}
func (h *handle) RawFind(ctx context.Context, resource string, clause query.WhereClause, include query.IncludeClause, limit int) (map[string]storage.Record, error) {
	return find(ctx, h, h.tx, h.schema, resource, clause, include, limit)
}
func (h *handle) RawInsert(ctx context.Context, resource string, rec *schema.Record) (storage.Record, error) {
	return upsert(ctx, h.tx, h.schema, resource, rec)
}
func (h *handle) RawUpdate(ctx context.Context, resource string, rec *schema.Record) (storage.Record, error) {
	if _, err := findRecord(ctx, h.tx, h.schema, resource, rec.ID); err != nil {
		return nil, err
	}
	return upsert(ctx, h.tx, h.schema, resource, rec)
}
func (h *handle) Transaction(ctx context.Context, fn func(ctx context.Context, tx storage.Storage) error) error {
	// SQLite has no useful savepoint story here; nested transactions join
	// the already-open outer one.
	return fn(ctx, h)
}

func selectColumns(obj *schema.LiveObject) []string {
	cols := []string{"id"}
	for _, f := range obj.FieldNames() {
		if f == "id" {
			continue
		}
		cols = append(cols, sqlddl.ValueColumn(f), sqlddl.TimestampColumn(f), sqlddl.DeletedColumn(f))
	}
	return cols
}

func scanRecord(obj *schema.LiveObject, rows *sql.Rows) (*schema.Record, error) {
	cols := selectColumns(obj)
	dest := make([]any, len(cols))
	raw := make([]sql.NullString, len(cols))
	for i := range dest {
		dest[i] = &raw[i]
	}
	if err := rows.Scan(dest...); err != nil {
		return nil, err
	}
	return rowToRecord(obj, raw)
}

func rowToRecord(obj *schema.LiveObject, raw []sql.NullString) (*schema.Record, error) {
	rec := &schema.Record{ID: raw[0].String, Fields: map[string]*livetype.Value{}}
	idx := 1
	for _, f := range obj.FieldNames() {
		if f == "id" {
			continue
		}
		valCol, tsCol, delCol := raw[idx], raw[idx+1], raw[idx+2]
		idx += 3
		if !tsCol.Valid || tsCol.String == "" {
			continue // field never written
		}
		var v any
		if valCol.Valid && valCol.String != "" {
			if err := json.Unmarshal([]byte(valCol.String), &v); err != nil {
				return nil, fmt.Errorf("sqlstore: decoding %s.%s: %w", obj.Name, f, err)
			}
		}
		rec.Fields[f] = &livetype.Value{
			Value: v,
			Meta:  livetype.Meta{Timestamp: tsCol.String, Deleted: delCol.String == "1"},
		}
	}
	return rec, nil
}

func findRecord(ctx context.Context, db execer, sch *schema.Schema, resource, id string) (*schema.Record, error) {
	obj, ok := sch.Collection(resource)
	if !ok {
		return nil, storage.ErrNotFound
	}
	q := fmt.Sprintf("SELECT %s FROM %s WHERE id = ?", strings.Join(selectColumns(obj), ", "), sqlddl.TableName(resource))
	rows, err := db.QueryContext(ctx, q, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, storage.ErrNotFound
	}
	return scanRecord(obj, rows)
}

func findByID(ctx context.Context, db execer, sch *schema.Schema, resource, id string) (storage.Record, error) {
	rec, err := findRecord(ctx, db, sch, resource, id)
	if err != nil {
		return nil, err
	}
	return storage.Record(rec.InferValue()), nil
}

func find(ctx context.Context, s storage.Storage, db execer, sch *schema.Schema, resource string, clause query.WhereClause, include query.IncludeClause, limit int) (map[string]storage.Record, error) {
	obj, ok := sch.Collection(resource)
	if !ok {
		return map[string]storage.Record{}, nil
	}
	q := fmt.Sprintf("SELECT %s FROM %s", strings.Join(selectColumns(obj), ", "), sqlddl.TableName(resource))
	rows, err := db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]storage.Record)
	for rows.Next() {
		rec, err := scanRecord(obj, rows)
		if err != nil {
			return nil, err
		}
		materialized := storage.Record(rec.InferValue())
		if !storage.MatchesWhere(materialized, clause) {
			continue
		}
		out[rec.ID] = materialized
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for id, rec := range out {
		if err := storage.ResolveInclude(ctx, s, sch, resource, rec, include); err != nil {
			return nil, err
		}
		out[id] = rec
	}
	return out, nil
}

func upsert(ctx context.Context, db execer, sch *schema.Schema, resource string, rec *schema.Record) (storage.Record, error) {
	obj, ok := sch.Collection(resource)
	if !ok {
		return nil, fmt.Errorf("sqlstore: unknown collection %q", resource)
	}
	cols := []string{"id"}
	args := []any{rec.ID}
	for _, f := range obj.FieldNames() {
		if f == "id" {
			continue
		}
		v, ok := rec.Fields[f]
		cols = append(cols, sqlddl.ValueColumn(f), sqlddl.TimestampColumn(f), sqlddl.DeletedColumn(f))
		if !ok {
			args = append(args, nil, "", 0)
			continue
		}
		encoded, err := json.Marshal(v.Value)
		if err != nil {
			return nil, fmt.Errorf("sqlstore: encoding %s.%s: %w", resource, f, err)
		}
		deleted := 0
		if v.Meta.Deleted {
			deleted = 1
		}
		args = append(args, string(encoded), v.Meta.Timestamp, deleted)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
	q := fmt.Sprintf("INSERT OR REPLACE INTO %s (%s) VALUES (%s)", sqlddl.TableName(resource), strings.Join(cols, ", "), placeholders)
	if _, err := db.ExecContext(ctx, q, args...); err != nil {
		return nil, err
	}
	return storage.Record(rec.InferValue()), nil
}
