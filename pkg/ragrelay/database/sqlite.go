package database

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

func sqliteDSN(cfg SQLiteConfig) string {
	q := url.Values{}
	q.Set("_journal_mode", cfg.JournalMode)
	q.Set("_busy_timeout", fmt.Sprint(cfg.BusyTimeout))
	q.Set("_foreign_keys", "on")
	return "file:" + cfg.Path + "?" + q.Encode()
}

func openSQLite(ctx context.Context, cfg SQLiteConfig) (*Backend, error) {
	if dir := filepath.Dir(cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create database directory %q: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite3", sqliteDSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", cfg.Path, err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite %q: %w", cfg.Path, err)
	}
	return &Backend{Type: BackendSQLite, DB: db}, nil
}
