// Package sqlite implements the store interfaces on a single file-based
// SQLite database (modernc.org/sqlite, cgo-free). The daemon is the only
// writer; WAL mode keeps concurrent readers unblocked.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	migsqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/gobby-dev/gobby/internal/store"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Open opens (or creates) the daemon database and applies pragmas.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// Single-writer daemon: one connection avoids SQLITE_BUSY churn while
	// WAL keeps readers concurrent.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply %q: %w", p, err)
		}
	}
	return db, nil
}

// Migrate applies all pending schema migrations. Each migration is
// idempotent on re-apply; the version counter lives in schema_migrations.
func Migrate(db *sql.DB) error {
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}
	driver, err := migsqlite.WithInstance(db, &migsqlite.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("migrate init: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("migrate up: %w", err)
	}
	return nil
}

// SchemaVersion returns the current migration version (0 if none applied).
func SchemaVersion(db *sql.DB) (uint, bool, error) {
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return 0, false, err
	}
	driver, err := migsqlite.WithInstance(db, &migsqlite.Config{})
	if err != nil {
		return 0, false, err
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return 0, false, err
	}
	v, dirty, err := m.Version()
	if err == migrate.ErrNilVersion {
		return 0, false, nil
	}
	return v, dirty, err
}

// New builds the full store container on an opened database.
func New(db *sql.DB) *store.Stores {
	return &store.Stores{
		Sessions:      NewSessionStore(db),
		Tasks:         NewTaskStore(db),
		Messages:      NewMessageStore(db),
		AgentRuns:     NewAgentRunStore(db),
		Worktrees:     NewWorktreeStore(db),
		Parties:       NewPartyStore(db),
		WorkflowState: NewWorkflowStateStore(db),
	}
}

// Ping verifies the backend is reachable, mapping failures to
// backend_unavailable for the tool boundary.
func Ping(ctx context.Context, db *sql.DB) error {
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", store.ErrBackendUnavailable, err)
	}
	return nil
}
