// Package migrations installs chatsql's objects in a target Postgres
// database: the event triggers that publish schema changes to the
// invalidation listener. Both scripts are idempotent.
package migrations

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
)

//go:embed sql/schema_invalidation.up.sql
var installSQL string

//go:embed sql/schema_invalidation.down.sql
var removeSQL string

// Install creates or replaces the schema-change triggers.
func Install(ctx context.Context, db *sql.DB) error {
	return runScript(ctx, db, "install schema triggers", installSQL)
}

// Remove drops the schema-change triggers and their function.
func Remove(ctx context.Context, db *sql.DB) error {
	return runScript(ctx, db, "remove schema triggers", removeSQL)
}

// Installed reports whether the DDL trigger is present.
func Installed(ctx context.Context, db *sql.DB) (bool, error) {
	var count int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pg_event_trigger WHERE evtname = $1`, "chatsql_schema_change").Scan(&count); err != nil {
		return false, fmt.Errorf("query event triggers: %w", err)
	}
	return count > 0, nil
}

func runScript(ctx context.Context, db *sql.DB, action, script string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, script); err != nil {
		return fmt.Errorf("%s: %w", action, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit %s: %w", action, err)
	}
	return nil
}
