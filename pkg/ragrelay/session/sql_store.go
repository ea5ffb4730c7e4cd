package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jholhewres/ragrelay/pkg/ragrelay/database"
)

// SQLBackend stores blobs in the `sessions` table of a Database Hub backend.
// The hub owns the connection; Close is a no-op.
type SQLBackend struct {
	backend *database.Backend
}

// NewSQLBackend uses the given hub backend. The schema must be migrated.
func NewSQLBackend(backend *database.Backend) *SQLBackend {
	return &SQLBackend{backend: backend}
}

func (b *SQLBackend) Has(ctx context.Context, clientID string) (bool, error) {
	var one int
	err := b.backend.DB.QueryRowContext(ctx,
		b.backend.Rebind("SELECT 1 FROM sessions WHERE client_id = ?"), clientID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query session: %w", err)
	}
	return true, nil
}

func (b *SQLBackend) Get(ctx context.Context, clientID string) ([]byte, error) {
	var payload []byte
	err := b.backend.DB.QueryRowContext(ctx,
		b.backend.Rebind("SELECT payload FROM sessions WHERE client_id = ?"), clientID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query session: %w", err)
	}
	return payload, nil
}

func (b *SQLBackend) Put(ctx context.Context, clientID string, blob []byte) error {
	_, err := b.backend.DB.ExecContext(ctx, b.backend.Rebind(`
		INSERT INTO sessions (client_id, payload, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (client_id) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at
	`), clientID, blob, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

func (b *SQLBackend) Delete(ctx context.Context, clientID string) error {
	_, err := b.backend.DB.ExecContext(ctx,
		b.backend.Rebind("DELETE FROM sessions WHERE client_id = ?"), clientID)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

func (b *SQLBackend) Close() error { return nil }
