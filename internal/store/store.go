// store.go — Postgres repository: connection, migrations.
// The repository implements types.Repository over sqlx with the pgx stdlib
// driver. Migrations are embedded and run at startup when enabled.
package store

import (
	"context"
	"embed"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"

	"github.com/forecourt/oemwatch/internal/config"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Repository is the Postgres-backed persistence layer.
type Repository struct {
	log *zap.Logger
	db  *sqlx.DB
	now func() time.Time
}

// Open connects, pings, and optionally migrates.
func Open(ctx context.Context, log *zap.Logger, cfg config.DatabaseConfig) (*Repository, error) {
	db, err := sqlx.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	r := &Repository{log: log.Named("store"), db: db, now: time.Now}
	if cfg.Migrate {
		if err := r.Migrate(ctx); err != nil {
			db.Close()
			return nil, err
		}
	}
	return r, nil
}

// NewRepository wraps an existing connection; tests use it with sqlmock.
func NewRepository(log *zap.Logger, db *sqlx.DB) *Repository {
	return &Repository{log: log.Named("store"), db: db, now: time.Now}
}

// Migrate applies embedded migrations forward.
func (r *Repository) Migrate(ctx context.Context) error {
	goose.SetBaseFS(migrations)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	if err := goose.UpContext(ctx, r.db.DB, "migrations"); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	r.log.Info("migrations applied")
	return nil
}

// Ping verifies the connection, for readiness checks.
func (r *Repository) Ping(ctx context.Context) error { return r.db.PingContext(ctx) }

// Close releases the connection pool.
func (r *Repository) Close() error { return r.db.Close() }
