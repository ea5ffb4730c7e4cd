package database

import (
	"context"
	"fmt"
)

// migration is one schema version. Statements differ only where the
// dialects do.
type migration struct {
	version  int
	sqlite   []string
	postgres []string
}

var migrations = []migration{
	{
		version: 1,
		sqlite: []string{
			`CREATE TABLE IF NOT EXISTS sessions (
				client_id  TEXT PRIMARY KEY,
				payload    BLOB NOT NULL,
				updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
			)`,
			`CREATE TABLE IF NOT EXISTS interaction_log (
				id         TEXT PRIMARY KEY,
				sender     TEXT NOT NULL,
				chat_id    TEXT NOT NULL DEFAULT '',
				message_id TEXT NOT NULL DEFAULT '',
				inbound    TEXT NOT NULL,
				reply      TEXT NOT NULL,
				created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
			)`,
			`CREATE INDEX IF NOT EXISTS idx_interaction_log_sender ON interaction_log(sender, created_at)`,
		},
		postgres: []string{
			`CREATE TABLE IF NOT EXISTS sessions (
				client_id  TEXT PRIMARY KEY,
				payload    BYTEA NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`,
			`CREATE TABLE IF NOT EXISTS interaction_log (
				id         TEXT PRIMARY KEY,
				sender     TEXT NOT NULL,
				chat_id    TEXT NOT NULL DEFAULT '',
				message_id TEXT NOT NULL DEFAULT '',
				inbound    TEXT NOT NULL,
				reply      TEXT NOT NULL,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`,
			`CREATE INDEX IF NOT EXISTS idx_interaction_log_sender ON interaction_log(sender, created_at)`,
		},
	},
}

// SchemaVersion is the newest version in migrations.
var SchemaVersion = migrations[len(migrations)-1].version

// migrate applies every pending version, each in its own transaction.
func migrate(ctx context.Context, b *Backend) error {
	if _, err := b.DB.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER PRIMARY KEY)`); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}

	current, err := schemaVersion(ctx, b)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		stmts := m.sqlite
		if b.Type == BackendPostgreSQL {
			stmts = m.postgres
		}
		if err := applyMigration(ctx, b, m.version, stmts); err != nil {
			return fmt.Errorf("migration %d: %w", m.version, err)
		}
	}
	return nil
}

func applyMigration(ctx context.Context, b *Backend, version int, stmts []string) error {
	tx, err := b.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, b.Rebind(`INSERT INTO schema_version (version) VALUES (?)`), version); err != nil {
		return err
	}
	return tx.Commit()
}

func schemaVersion(ctx context.Context, b *Backend) (int, error) {
	var v int
	err := b.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return v, nil
}
