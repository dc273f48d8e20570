// Package migrations embeds and runs the schema migrations for the
// orchestrator's SQLite store, via pressly/goose/v3 — named in the
// teacher's go.mod and invoked the same way internal/db.NewSQLite calls
// migrations.Run(db) before the store is handed back to callers.
package migrations

import (
	"database/sql"
	"embed"
	"fmt"
	"io"
	"log"

	"github.com/pressly/goose/v3"
)

//go:embed *.sql
var embedded embed.FS

// QuietMode suppresses goose's own stdout logging, mirroring the
// teacher's cmd/nebo/desktop.go's migrations.QuietMode = true for
// non-interactive runs.
var QuietMode bool

// Run applies every pending migration to db.
func Run(db *sql.DB) error {
	goose.SetBaseFS(embedded)
	if QuietMode {
		goose.SetLogger(log.New(io.Discard, "", 0))
	}
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.Up(db, "."); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}
