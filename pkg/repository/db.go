// Package repository is the Postgres-backed durable store for workflows,
// executions, version snapshots, pending approvals, and the audit log.
// Built on jmoiron/sqlx over lib/pq, with migrations applied through
// pressly/goose/v3.
package repository

import (
	"context"
	"embed"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"

	"github.com/finaceverse/orchestrator/pkg/logging"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Repository is the single durable-store handle every persistence
// operation in this package runs against.
type Repository struct {
	db     *sqlx.DB
	logger logging.Logger
}

// Open connects to Postgres at dsn and returns a Repository. Migrations
// are not applied automatically — call Migrate explicitly at startup so
// the caller controls when schema changes happen.
func Open(dsn string, logger logging.Logger) (*Repository, error) {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("repository: connect: %w", err)
	}
	return &Repository{db: db, logger: logger}, nil
}

// Migrate applies every pending embedded migration via goose.
func (r *Repository) Migrate(ctx context.Context) error {
	goose.SetBaseFS(migrationFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("repository: set dialect: %w", err)
	}
	if err := goose.UpContext(ctx, r.db.DB, "migrations"); err != nil {
		return fmt.Errorf("repository: migrate: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (r *Repository) Close() error {
	return r.db.Close()
}

// namedQuery expands a query with :named placeholders against args into
// the driver's positional placeholder form, for call sites that build
// WHERE clauses dynamically.
func namedQuery(query string, args map[string]interface{}) (string, []interface{}, error) {
	expanded, namedArgs, err := sqlx.Named(query, args)
	if err != nil {
		return "", nil, fmt.Errorf("repository: expand named query: %w", err)
	}
	expanded = sqlx.Rebind(sqlx.DOLLAR, expanded)
	return expanded, namedArgs, nil
}
