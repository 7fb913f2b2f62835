package testing

import (
	"database/sql"
	"testing"

	"github.com/teranos/pulse/db"
)

// CreateTestDB creates an in-memory SQLite database with the scheduler schema.
// Automatically registers cleanup via t.Cleanup().
func CreateTestDB(t *testing.T) *sql.DB {
	t.Helper()

	conn, err := db.OpenWithMigrations(db.SQLite, ":memory:", nil)
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}

	t.Cleanup(func() {
		conn.Close()
	})

	return conn
}

// CreateTestFileDB creates a file-backed SQLite database under t.TempDir().
// Use it when several *sql.DB handles must share one database, as cluster nodes do.
func CreateTestFileDB(t *testing.T) string {
	t.Helper()

	path := t.TempDir() + "/pulse.db"
	conn, err := db.OpenWithMigrations(db.SQLite, path, nil)
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	conn.Close()
	return path
}
