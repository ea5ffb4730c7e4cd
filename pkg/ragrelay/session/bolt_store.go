package session

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var sessionsBucket = []byte("sessions")

// BoltBackend stores blobs in a single bbolt file, one key per client.
type BoltBackend struct {
	db *bolt.DB
}

// OpenBoltBackend opens (or creates) the bbolt file at path.
func OpenBoltBackend(path string) (*BoltBackend, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create session directory: %w", err)
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt %q: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(sessionsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create sessions bucket: %w", err)
	}

	return &BoltBackend{db: db}, nil
}

func (b *BoltBackend) Has(_ context.Context, clientID string) (bool, error) {
	var ok bool
	err := b.db.View(func(tx *bolt.Tx) error {
		ok = tx.Bucket(sessionsBucket).Get([]byte(clientID)) != nil
		return nil
	})
	return ok, err
}

func (b *BoltBackend) Get(_ context.Context, clientID string) ([]byte, error) {
	var blob []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(sessionsBucket).Get([]byte(clientID))
		if v == nil {
			return ErrNotFound
		}
		// v is only valid inside the transaction.
		blob = append([]byte(nil), v...)
		return nil
	})
	return blob, err
}

func (b *BoltBackend) Put(_ context.Context, clientID string, blob []byte) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(sessionsBucket).Put([]byte(clientID), blob)
	})
}

func (b *BoltBackend) Delete(_ context.Context, clientID string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(sessionsBucket).Delete([]byte(clientID))
	})
}

func (b *BoltBackend) Close() error {
	return b.db.Close()
}
