package models

import (
	"database/sql"
	"sync"

	_ "github.com/marcboeker/go-duckdb"
	"github.com/rohanthewiz/logger"
	"github.com/rohanthewiz/serr"
)

var (
	db   *sql.DB
	dbMu sync.Mutex // guards open/close, not per-query access
)

// InitDB opens the DuckDB database at the given path and runs migrations.
// Pass ":memory:" or "" for an in-memory database (used by some tests).
func InitDB(path string) error {
	dbMu.Lock()
	defer dbMu.Unlock()

	var err error
	db, err = sql.Open("duckdb", path)
	if err != nil {
		return serr.Wrap(err, "failed to open database")
	}

	if err := migrateDB(db); err != nil {
		return serr.Wrap(err, "failed to migrate database")
	}

	logger.Info("Database initialized", "path", path)
	return nil
}

// InitTestDB initializes a database for tests. Identical to InitDB but kept
// separate so test setup reads clearly and future test-only pragmas have a home.
func InitTestDB(path string) error {
	return InitDB(path)
}

// CloseDB closes the database connection.
func CloseDB() {
	dbMu.Lock()
	defer dbMu.Unlock()

	if db != nil {
		db.Close()
		db = nil
	}
}
