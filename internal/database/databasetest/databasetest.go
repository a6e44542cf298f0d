// Package databasetest opens migrated SQLite stores for tests.
package databasetest

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/digkill/promptor/internal/database"
)

// New returns a migrated SQLite database living in t.TempDir.
func New(t testing.TB) *database.DB {
	t.Helper()
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "promptor.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err := database.Migrate(context.Background(), db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}
