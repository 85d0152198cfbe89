// Package databasetest opens throwaway migrated SQLite databases for tests.
package databasetest

import (
	"path/filepath"
	"testing"

	"github.com/sisrua/geoprep/shared/database"
	"github.com/sisrua/geoprep/shared/logger"
)

// Open returns a migrated database in t's temp dir, closed on cleanup
func Open(t testing.TB) *database.Client {
	t.Helper()

	client, err := database.Open(&database.Config{
		Driver: database.DriverSQLite,
		Path:   filepath.Join(t.TempDir(), "test.db"),
	}, logger.Nop())
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}
