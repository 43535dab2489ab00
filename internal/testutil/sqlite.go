package testutil

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/jmehdipour/outboxflow/internal/db"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"
)

// NewSQLite opens a migrated SQLite database in t.TempDir and closes it on cleanup.
// Extra statements (e.g. domain tables) run after the schema.
func NewSQLite(t *testing.T, stmts ...string) *sqlx.DB {
	t.Helper()

	dbx, err := db.NewSQLiteConnection(filepath.Join(t.TempDir(), "outboxflow.db"), db.PoolOpts{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = dbx.Close() })

	require.NoError(t, db.Migrate(context.Background(), dbx, db.SQLite))
	for _, s := range stmts {
		_, err := dbx.Exec(s)
		require.NoError(t, err, s)
	}
	return dbx
}
