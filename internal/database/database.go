// Package database opens the engine's SQLite state store and keeps its
// schema current.
package database

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

// Memory is the path of a private in-memory state store, used by tests.
const Memory = ":memory:"

//go:embed migrations/*.sql
var migrations embed.FS

// Open opens the state database at dbPath and applies pending migrations.
// The pool holds one connection: SQLite has a single writer, and in-memory
// databases are per connection.
func Open(dbPath string) (*sql.DB, error) {
	dsn := dbPath
	if dbPath != Memory {
		dsn = dbPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping state db: %w", err)
	}
	if err := migrate(context.Background(), db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("state migrations: %w", err)
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, db, fsys)
	if err != nil {
		return fmt.Errorf("state migrations: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("migrate state db: %w", err)
	}
	return nil
}

// Files lists the state database at dbPath together with the journal files
// SQLite keeps beside it. Backups and restores of the host tree leave all of
// them alone.
func Files(dbPath string) []string {
	if dbPath == "" || dbPath == Memory {
		return nil
	}
	return []string{dbPath, dbPath + "-wal", dbPath + "-shm", dbPath + "-journal"}
}
