package main

import (
	"github.com/livesync/engine/internal/livetype"
	"github.com/livesync/engine/internal/schema"
)

// demoSchema declares the reference "board/card" domain serve and gen-ddl
// operate against: boards own many cards, each card optionally assigned to
// an owner id. It exists so the CLI has something concrete to run against
// without inventing a schema-from-file format the library itself doesn't
// specify.
func demoSchema() (*schema.Schema, error) {
	b := schema.NewBuilder()
	b.Collection("board").
		Field("id", livetype.String()).
		Field("title", livetype.String()).
		HasMany("cards", "card", "boardId")
	b.Collection("card").
		Field("id", livetype.String()).
		Field("boardId", livetype.Reference()).
		Field("title", livetype.String()).
		Field("status", livetype.String()).
		Field("assigneeId", livetype.Optional(livetype.String())).
		HasOne("board", "board", "boardId")
	return b.Build()
}
