package snapshot

import (
	"context"
	"sync"
)

// MemoryStore keeps the latest snapshot per tenant in process memory. Used
// standalone in development and as the write-through front for RedisStore.
type MemoryStore struct {
	mu     sync.RWMutex
	latest map[string]*Snapshot
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{latest: make(map[string]*Snapshot)}
}

// Put implements Store. Older snapshots never replace newer ones.
func (m *MemoryStore) Put(_ context.Context, snap *Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cur, ok := m.latest[snap.TenantID]; ok && !snap.CapturedAt.After(cur.CapturedAt) {
		return nil
	}
	m.latest[snap.TenantID] = snap.Clone()
	return nil
}

// Latest implements Store.
func (m *MemoryStore) Latest(_ context.Context, tenantID string) (*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap, ok := m.latest[tenantID]
	if !ok {
		return nil, ErrNoSnapshot
	}
	return snap.Clone(), nil
}
