package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"database/sql"

	_ "modernc.org/sqlite" // pure go sqlite driver
)

// OpenSQLite opens a file-backed SQLite metadata store, creating parent
// directories and the schema as needed. The default path suits single-node
// deployments and tests.
func OpenSQLite(path string) (*SQLStore, error) {
	if path == "" {
		path = "pacscore.db"
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil && !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create dirs: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// The receive path issues concurrent writes; a single connection keeps
	// SQLite from returning SQLITE_BUSY under that load.
	db.SetMaxOpenConns(1)
	return newSQLStore(db)
}
