package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"log/slog"
)

//go:embed schema.sql
var schema string

// Migrate applies the idempotent schema.
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	slog.Info("database schema applied")
	return nil
}

func rollback(dbTx *sql.Tx, method string, err error) error {
	if rbErr := dbTx.Rollback(); rbErr != nil {
		slog.Error("rollback failed", "method", method, "error", rbErr)
		return fmt.Errorf("rollback failed: %v; original error: %w", rbErr, err)
	}
	return err
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
