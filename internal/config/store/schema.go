package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// nowExpr yields millisecond timestamps so Watch sees consecutive writes.
const nowExpr = `strftime('%Y-%m-%d %H:%M:%f', 'now')`

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS items (
		uid TEXT PRIMARY KEY,
		type TEXT NOT NULL CHECK (type IN ('local', 'remote', 'merge', 'script')),
		name TEXT NOT NULL DEFAULT '',
		file TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		url TEXT NOT NULL DEFAULT '',
		options TEXT,
		created_at TEXT NOT NULL DEFAULT (` + nowExpr + `),
		updated_at TEXT NOT NULL DEFAULT (` + nowExpr + `)
	)`,
	`CREATE TABLE IF NOT EXISTS profile_chain (
		profile_uid TEXT NOT NULL,
		position INTEGER NOT NULL,
		item_uid TEXT NOT NULL,
		updated_at TEXT NOT NULL DEFAULT (` + nowExpr + `),
		PRIMARY KEY (profile_uid, position),
		FOREIGN KEY (profile_uid) REFERENCES items(uid) ON DELETE CASCADE,
		FOREIGN KEY (item_uid) REFERENCES items(uid) ON DELETE CASCADE
	)`,
	`CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at TEXT NOT NULL DEFAULT (` + nowExpr + `)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_profile_chain_item ON profile_chain(item_uid)`,
}

func applyPragmas(ctx context.Context, db *sql.DB, readOnly bool) error {
	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", int(defaultBusyTimeout.Milliseconds())),
		"PRAGMA foreign_keys = ON",
	}

	if !readOnly {
		pragmas = append(pragmas,
			"PRAGMA journal_mode = WAL",
			"PRAGMA synchronous = NORMAL",
			"PRAGMA temp_store = MEMORY",
		)
	}

	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("store: apply pragma %q: %w", pragma, err)
		}
	}

	return nil
}

func applySchema(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin schema transaction: %w", err)
	}

	for _, stmt := range schemaStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			tx.Rollback()
			return fmt.Errorf("store: apply schema statement %q: %w", abbreviate(stmt), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit schema transaction: %w", err)
	}

	return nil
}

func abbreviate(stmt string) string {
	stmt = strings.Join(strings.Fields(stmt), " ")
	if len(stmt) > 60 {
		return stmt[:60] + "..."
	}
	return stmt
}
