// Package session persists the messaging client's authentication session so
// the relay can restart without pairing again. A Store wraps a raw keyed
// Backend (SQL, bbolt, memory) with the envelope codec, a per-call timeout,
// and the forgiving read semantics the login path depends on.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

var (
	// ErrNotFound is returned by backends when no blob exists for a client.
	ErrNotFound = errors.New("session not found")

	// ErrCorrupt marks a stored blob that failed to decode or verify.
	ErrCorrupt = errors.New("session blob corrupt")

	// ErrTimeout marks a backend call that exceeded the store timeout.
	ErrTimeout = errors.New("session store timeout")
)

// DefaultTimeout bounds every backend call when Options.Timeout is zero.
const DefaultTimeout = 10 * time.Second

// Session is the serialized authentication state of one messaging client.
type Session struct {
	ClientID   string
	Payload    []byte
	CapturedAt time.Time
}

// Store is the capability set the authentication layer relies on.
type Store interface {
	// Exists reports whether a session is stored. Backend errors are logged
	// and reported as false, which forces a fresh pairing.
	Exists(ctx context.Context, clientID string) bool

	// Load returns the stored session. Missing or corrupt blobs report false.
	Load(ctx context.Context, clientID string) (*Session, bool)

	// Save upserts the session. An empty payload is ignored.
	Save(ctx context.Context, clientID string, s *Session) error

	// Remove deletes the stored session. Removing a missing key is not an error.
	Remove(ctx context.Context, clientID string) error
}

// Backend is raw keyed blob persistence. Implementations must be safe for
// concurrent calls on independent keys.
type Backend interface {
	Has(ctx context.Context, clientID string) (bool, error)
	Get(ctx context.Context, clientID string) ([]byte, error)
	Put(ctx context.Context, clientID string, blob []byte) error
	Delete(ctx context.Context, clientID string) error
	Close() error
}

// Options configures a BlobStore.
type Options struct {
	// Timeout bounds every backend call (default: 10s).
	Timeout time.Duration
}

// BlobStore implements Store on top of a Backend.
type BlobStore struct {
	backend Backend
	timeout time.Duration
	logger  *slog.Logger
}

// NewStore wraps backend with the envelope codec and call timeout.
func NewStore(backend Backend, opts Options, logger *slog.Logger) *BlobStore {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	return &BlobStore{
		backend: backend,
		timeout: opts.Timeout,
		logger:  logger.With("component", "session-store"),
	}
}

// Exists reports whether a session is stored for clientID.
func (s *BlobStore) Exists(ctx context.Context, clientID string) bool {
	ok, err := within(ctx, s.timeout, func(ctx context.Context) (bool, error) {
		return s.backend.Has(ctx, clientID)
	})
	if err != nil {
		s.logger.Warn("session existence check failed, treating as absent",
			"client_id", clientID, "error", err)
		return false
	}
	return ok
}

// Load fetches and decodes the session for clientID.
func (s *BlobStore) Load(ctx context.Context, clientID string) (*Session, bool) {
	blob, err := within(ctx, s.timeout, func(ctx context.Context) ([]byte, error) {
		return s.backend.Get(ctx, clientID)
	})
	if errors.Is(err, ErrNotFound) {
		return nil, false
	}
	if err != nil {
		s.logger.Warn("session load failed", "client_id", clientID, "error", err)
		return nil, false
	}

	sess, err := Decode(blob)
	if err != nil {
		s.logger.Warn("stored session is corrupt, treating as absent",
			"client_id", clientID, "size", len(blob), "error", err)
		return nil, false
	}
	if sess.ClientID != clientID {
		s.logger.Warn("stored session belongs to another client, treating as absent",
			"client_id", clientID, "stored_client_id", sess.ClientID)
		return nil, false
	}
	return sess, true
}

// Save encodes and upserts sess under clientID.
func (s *BlobStore) Save(ctx context.Context, clientID string, sess *Session) error {
	if sess == nil || len(sess.Payload) == 0 {
		s.logger.Debug("ignoring empty session snapshot", "client_id", clientID)
		return nil
	}

	toStore := *sess
	toStore.ClientID = clientID
	if toStore.CapturedAt.IsZero() {
		toStore.CapturedAt = time.Now()
	}

	blob, err := Encode(&toStore)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}

	_, err = within(ctx, s.timeout, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.backend.Put(ctx, clientID, blob)
	})
	if err != nil {
		return fmt.Errorf("save session %q: %w", clientID, err)
	}

	s.logger.Debug("session saved", "client_id", clientID, "raw_size", len(sess.Payload), "stored_size", len(blob))
	return nil
}

// Remove deletes the session for clientID.
func (s *BlobStore) Remove(ctx context.Context, clientID string) error {
	_, err := within(ctx, s.timeout, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.backend.Delete(ctx, clientID)
	})
	if err != nil {
		return fmt.Errorf("remove session %q: %w", clientID, err)
	}
	return nil
}

// Close releases the backend.
func (s *BlobStore) Close() error {
	return s.backend.Close()
}

// within runs fn with a deadline. Backends that ignore ctx (bbolt) are
// abandoned when the deadline passes; their result is discarded.
func within[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn(ctx)
		done <- result{v, err}
	}()

	select {
	case r := <-done:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, fmt.Errorf("%w: %w", ErrTimeout, ctx.Err())
	}
}
