package snapcache

import "sync"

// ring keeps the most recent snapshots per tenant, newest last. Inserts
// are monotonic: a snapshot not strictly newer than the current head is
// rejected, so the ring can never regress.
type ring struct {
	mu       sync.Mutex
	size     int
	byTenant map[string][]*Snapshot
}

func newRing(size int) *ring {
	return &ring{size: size, byTenant: make(map[string][]*Snapshot)}
}

func (r *ring) put(snap *Snapshot) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries := r.byTenant[snap.TenantID]
	if n := len(entries); n > 0 && !snap.CapturedAt.After(entries[n-1].CapturedAt) {
		return false
	}
	entries = append(entries, snap.Clone())
	if len(entries) > r.size {
		entries = entries[len(entries)-r.size:]
	}
	r.byTenant[snap.TenantID] = entries
	return true
}

func (r *ring) latest(tenantID string) *Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries := r.byTenant[tenantID]
	if len(entries) == 0 {
		return nil
	}
	return entries[len(entries)-1].Clone()
}
