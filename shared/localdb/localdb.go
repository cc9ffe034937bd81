package localdb

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const defaultDBName = "opsplan.db"

// Open opens (creating if needed) the local SQLite database that backs the
// event log and outbox. The database lives on the device so the client stays
// fully functional offline.
func Open(path string) (*sql.DB, error) {
	if path == "" {
		return nil, errors.New("local db path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create local db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// DefaultPath returns the conventional on-device location for a workspace.
func DefaultPath(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, ".opsplan", defaultDBName)
}

// OpenMemory opens an isolated in-memory database, used by tests.
func OpenMemory() (*sql.DB, error) {
	conn, err := sql.Open("sqlite", "file::memory:?_pragma=foreign_keys(1)")
	if err != nil {
		return nil, err
	}
	// A single connection keeps the in-memory database alive and serializes
	// access the same way the on-device file does.
	conn.SetMaxOpenConns(1)
	return conn, nil
}
