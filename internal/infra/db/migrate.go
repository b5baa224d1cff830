package db

import (
	"context"
	"embed"
	"fmt"
	"strings"

	"github.com/gocql/gocql"
	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

//go:embed cql/schema.cql
var scyllaSchema string

const migrationsDir = "migrations"

func prepareGoose() error {
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("migrate: dialect: %w", err)
	}
	return nil
}

// MigrateUp applies every pending Postgres migration.
func MigrateUp(ctx context.Context, db *sqlx.DB) error {
	if err := prepareGoose(); err != nil {
		return err
	}
	if err := goose.UpContext(ctx, db.DB, migrationsDir); err != nil {
		return fmt.Errorf("migrate: up: %w", err)
	}
	return nil
}

// MigrateDown rolls back the most recent migration.
func MigrateDown(ctx context.Context, db *sqlx.DB) error {
	if err := prepareGoose(); err != nil {
		return err
	}
	if err := goose.DownContext(ctx, db.DB, migrationsDir); err != nil {
		return fmt.Errorf("migrate: down: %w", err)
	}
	return nil
}

// MigrateStatus logs the applied state of each migration.
func MigrateStatus(ctx context.Context, db *sqlx.DB) error {
	if err := prepareGoose(); err != nil {
		return err
	}
	if err := goose.StatusContext(ctx, db.DB, migrationsDir); err != nil {
		return fmt.Errorf("migrate: status: %w", err)
	}
	return nil
}

// ApplyScyllaSchema creates the transcript tables in the session keyspace.
func ApplyScyllaSchema(ctx context.Context, session *gocql.Session) error {
	for _, stmt := range strings.Split(scyllaSchema, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if err := session.Query(stmt).WithContext(ctx).Exec(); err != nil {
			return fmt.Errorf("migrate: scylla schema: %w", err)
		}
	}
	return nil
}
