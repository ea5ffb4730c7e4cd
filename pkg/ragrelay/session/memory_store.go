package session

import (
	"context"
	"sync"
)

// MemoryBackend keeps blobs in process memory. Used by the chat console and
// tests; nothing survives a restart.
type MemoryBackend struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{blobs: make(map[string][]byte)}
}

func (m *MemoryBackend) Has(_ context.Context, clientID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.blobs[clientID]
	return ok, nil
}

func (m *MemoryBackend) Get(_ context.Context, clientID string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	blob, ok := m.blobs[clientID]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), blob...), nil
}

func (m *MemoryBackend) Put(_ context.Context, clientID string, blob []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[clientID] = append([]byte(nil), blob...)
	return nil
}

func (m *MemoryBackend) Delete(_ context.Context, clientID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blobs, clientID)
	return nil
}

func (m *MemoryBackend) Close() error { return nil }
