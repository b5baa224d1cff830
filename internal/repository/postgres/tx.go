package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
)

// withTx runs fn in a read-committed transaction, rolling back when fn fails.
func withTx(ctx context.Context, db *sqlx.DB, name string, fn func(*sqlx.Tx) error) error {
	ctx, span := otel.Tracer("outbound.postgres").Start(ctx, "postgres.tx."+name)
	defer span.End()

	tx, err := db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("postgres: begin %s: %w", name, err)
	}

	if err := fn(tx); err != nil {
		span.SetStatus(codes.Error, err.Error())
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("postgres: rollback %s: %v (original err: %w)", name, rbErr, err)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("postgres: commit %s: %w", name, err)
	}
	return nil
}
