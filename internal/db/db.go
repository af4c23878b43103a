// Package db provides the durable reminder stores. The PostgreSQL store
// accepts a DBTX interface that is satisfied by both *pgxpool.Pool and
// pgx.Tx; the SQLite store serves single-node deployments; the memory store
// backs tests and ephemeral runs.
package db

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"reminders/internal/types"
)

// DBTX is the minimal interface shared by *pgxpool.Pool and pgx.Tx.
// Repositories accept this so the same code works inside or outside a
// transaction.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

//go:embed schema_postgres.sql
var postgresSchema string

// Migrate applies the idempotent PostgreSQL schema.
func Migrate(ctx context.Context, db DBTX) error {
	_, err := db.Exec(ctx, postgresSchema)
	return err
}

// rowScanner is satisfied by pgx.Row, pgx.Rows and *sql.Row(s).
type rowScanner interface {
	Scan(dest ...any) error
}

// isUniqueViolation checks if the error is a PostgreSQL unique constraint
// violation (error code 23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

// nilIfZeroTime returns nil if the time is zero, otherwise returns a pointer
// to the time. Used to let the DB default (NOW()) apply when no time is set.
func nilIfZeroTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// terminalConflict is returned when an update targets a reminder that has
// left the scheduled state.
func terminalConflict(status types.Status) error {
	return types.NewAppError(types.ErrCodeConflictTerminal,
		fmt.Sprintf("reminder is %s and can no longer be changed", status), nil).
		WithDetails(map[string]any{"status": string(status)})
}
