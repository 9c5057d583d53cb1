// ABOUTME: In-memory credential store for tests and ephemeral deployments.
// ABOUTME: Map-backed implementation of the Store interface.

package credstore

import (
	"context"
	"sync"
)

// MemoryStore is a map-backed Store. Safe for concurrent use.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemoryStore creates an empty in-memory credential store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string][]byte)}
}

// Get returns the credential blob for a tenant, or ErrNotFound.
func (m *MemoryStore) Get(_ context.Context, tenantID string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	blob, ok := m.blobs[tenantID]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(blob))
	copy(out, blob)
	return out, nil
}

// Put stores or replaces the credential blob for a tenant.
func (m *MemoryStore) Put(_ context.Context, tenantID string, blob []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored := make([]byte, len(blob))
	copy(stored, blob)
	m.blobs[tenantID] = stored
	return nil
}

// Delete removes the credential blob for a tenant.
func (m *MemoryStore) Delete(_ context.Context, tenantID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.blobs, tenantID)
	return nil
}

// Close is a no-op for the in-memory store.
func (m *MemoryStore) Close() error {
	return nil
}
