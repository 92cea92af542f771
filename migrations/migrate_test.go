package migrations

import (
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tableExists(t *testing.T, db *sql.DB, name string) bool {
	t.Helper()
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, name).Scan(&n)
	require.NoError(t, err)
	return n == 1
}

func TestRunMigrations_Embedded(t *testing.T) {
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	defer db.Close() //nolint:errcheck // Test cleanup
	db.SetMaxOpenConns(1)

	require.NoError(t, RunMigrations(db, zerolog.Nop()))
	for _, table := range []string{"rate_limits", "chats", "messages", "personas"} {
		assert.True(t, tableExists(t, db, table), "expected table %s", table)
	}

	// A second run is a no-op.
	require.NoError(t, RunMigrations(db, zerolog.Nop()))
}

func TestRunMigrationsFrom_Directory(t *testing.T) {
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	defer db.Close() //nolint:errcheck // Test cleanup
	db.SetMaxOpenConns(1)

	require.NoError(t, RunMigrationsFrom(db, ".", zerolog.Nop()))
	assert.True(t, tableExists(t, db, "rate_limits"))
}
