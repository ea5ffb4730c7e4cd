package whatsapp

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// sqliteHeader opens every SQLite database file.
var sqliteHeader = []byte("SQLite format 3\x00")

// Snapshot returns a consistent copy of the linked device's store. The live
// database stays open; the copy is taken with VACUUM INTO on a second handle.
func (c *Client) Snapshot(ctx context.Context) ([]byte, error) {
	if c.wm == nil || c.wm.Store == nil || c.wm.Store.ID == nil {
		return nil, ErrNotPaired
	}
	return SnapshotDB(ctx, c.cfg.LocalDBPath)
}

// SnapshotDB copies the SQLite database at path into memory.
func SnapshotDB(ctx context.Context, path string) ([]byte, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("stat session db: %w", err)
	}

	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_busy_timeout=5000", path))
	if err != nil {
		return nil, fmt.Errorf("opening session db: %w", err)
	}
	defer db.Close()

	dir, err := os.MkdirTemp("", "ragrelay-snapshot-*")
	if err != nil {
		return nil, fmt.Errorf("creating snapshot dir: %w", err)
	}
	defer os.RemoveAll(dir)

	out := filepath.Join(dir, "session.db")
	if _, err := db.ExecContext(ctx, "VACUUM INTO ?", out); err != nil {
		return nil, fmt.Errorf("vacuum into snapshot: %w", err)
	}

	data, err := os.ReadFile(out)
	if err != nil {
		return nil, fmt.Errorf("reading snapshot: %w", err)
	}
	return data, nil
}

// LocalSessionExists reports whether a device store file is already present.
func LocalSessionExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Size() > 0
}

// RestoreSession materializes a stored snapshot as the local device store.
// It never overwrites an existing store and reports whether it wrote one.
func RestoreSession(path string, payload []byte) (bool, error) {
	if LocalSessionExists(path) {
		return false, nil
	}
	if !bytes.HasPrefix(payload, sqliteHeader) {
		return false, errors.New("restore session: payload is not a SQLite database")
	}
	if err := ensureDir(path); err != nil {
		return false, err
	}

	// Leftover journal files belong to a database that no longer exists.
	for _, suffix := range []string{"-wal", "-shm"} {
		if err := os.Remove(path + suffix); err != nil && !errors.Is(err, os.ErrNotExist) {
			return false, fmt.Errorf("removing stale %s: %w", suffix, err)
		}
	}

	tmp := path + ".restore"
	if err := os.WriteFile(tmp, payload, 0o600); err != nil {
		return false, fmt.Errorf("writing session db: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return false, fmt.Errorf("installing session db: %w", err)
	}
	return true, nil
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "" || dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0o700)
}
