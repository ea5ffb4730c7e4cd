// Package interactionlog appends one row per answered message to the
// interaction_log table.
package interactionlog

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jholhewres/ragrelay/pkg/ragrelay/database"
)

// Entry is one (sender, inbound, reply) record.
type Entry struct {
	ID        string    `json:"id"`
	Sender    string    `json:"sender"`
	ChatID    string    `json:"chat_id,omitempty"`
	MessageID string    `json:"message_id,omitempty"`
	Inbound   string    `json:"inbound"`
	Reply     string    `json:"reply"`
	CreatedAt time.Time `json:"created_at"`
}

// Log writes entries through a Database Hub backend. Rows are never updated.
type Log struct {
	backend *database.Backend
}

// New returns a Log on backend. The schema must be migrated.
func New(backend *database.Backend) *Log {
	return &Log{backend: backend}
}

// Append inserts e, filling ID and CreatedAt when empty.
func (l *Log) Append(ctx context.Context, e Entry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	_, err := l.backend.DB.ExecContext(ctx, l.backend.Rebind(`
		INSERT INTO interaction_log (id, sender, chat_id, message_id, inbound, reply, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`), e.ID, e.Sender, e.ChatID, e.MessageID, e.Inbound, e.Reply, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert interaction: %w", err)
	}
	return nil
}

// Recent returns up to limit entries, newest first. An empty sender
// matches everyone.
func (l *Log) Recent(ctx context.Context, sender string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 20
	}

	query := `SELECT id, sender, chat_id, message_id, inbound, reply, created_at FROM interaction_log`
	args := []any{}
	if sender != "" {
		query += ` WHERE sender = ?`
		args = append(args, sender)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := l.backend.DB.QueryContext(ctx, l.backend.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query interactions: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.Sender, &e.ChatID, &e.MessageID, &e.Inbound, &e.Reply, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan interaction: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
