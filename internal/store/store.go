// Package store is the SQLite-backed persistence layer for the
// orchestration core: tasks.Repo, budget.Ledger, and a notification log
// and marker-history index, all sharing one *sql.DB.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // pure Go SQLite driver, no CGO

	"github.com/crewlyhq/crewly/internal/logging"
	"github.com/crewlyhq/crewly/internal/store/migrations"
)

// Store wraps a single SQLite connection. All repositories in this
// package share one Store rather than opening their own connections,
// since SQLite serializes writers onto a single connection anyway.
type Store struct {
	db *sql.DB
}

// NewSQLite opens (creating if needed) a SQLite database at path, applies
// pending migrations, and returns a Store. WAL mode plus a capped single
// connection avoids SQLITE_BUSY from concurrent writers, since the
// orchestrator core is a single process with no read-replica needs.
func NewSQLite(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=cache_size(1000000000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// CRITICAL: force a single connection. SQLite does not tolerate
	// concurrent writers well; all access is serialized through this one.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := migrations.Run(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	logging.Infof("store: sqlite database ready at %s", path)
	return &Store{db: db}, nil
}

// Close closes the underlying connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying *sql.DB for callers that need direct access
// (migrations tooling, admin queries); repositories in this package use
// it internally.
func (s *Store) DB() *sql.DB { return s.db }
