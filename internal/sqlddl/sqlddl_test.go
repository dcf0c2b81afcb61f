package sqlddl_test

import (
	"strings"
	"testing"

	"github.com/livesync/engine/internal/livetype"
	"github.com/livesync/engine/internal/schema"
	"github.com/livesync/engine/internal/sqlddl"
	"github.com/stretchr/testify/require"
)

func TestRenderProducesOneTablePerCollection(t *testing.T) {
	b := schema.NewBuilder()
	b.Collection("card").
		Field("id", livetype.String()).
		Field("status", livetype.String())
	s, err := b.Build()
	require.NoError(t, err)

	ddl := sqlddl.Render(s)
	require.True(t, strings.Contains(ddl, "CREATE TABLE IF NOT EXISTS card"))
	require.True(t, strings.Contains(ddl, "id TEXT PRIMARY KEY"))
	require.True(t, strings.Contains(ddl, "status_value TEXT"))
	require.True(t, strings.Contains(ddl, "status_ts TEXT NOT NULL DEFAULT ''"))
	require.True(t, strings.Contains(ddl, "status_deleted INTEGER NOT NULL DEFAULT 0"))
}

func TestColumnNamesAreSnakeCased(t *testing.T) {
	require.Equal(t, "group_id_value", sqlddl.ValueColumn("groupId"))
	require.Equal(t, "group_id_ts", sqlddl.TimestampColumn("groupId"))
	require.Equal(t, "group_id_deleted", sqlddl.DeletedColumn("groupId"))
}
