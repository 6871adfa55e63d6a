// Package snapshot maintains the latest coherent per-tenant KPI aggregate
// served to cold-starting or resyncing clients.
package snapshot

import (
	"context"
	"errors"
	"time"
)

// ErrNoSnapshot is returned when no snapshot exists for the tenant.
var ErrNoSnapshot = errors.New("snapshot: none available for tenant")

// Snapshot is a point-in-time coherent aggregate of a tenant's KPIs.
// CapturedAt is monotonic: a snapshot is only ever replaced by a strictly
// newer one.
type Snapshot struct {
	TenantID   string                 `json:"tenant_id"`
	CapturedAt time.Time              `json:"captured_at"`
	KPIs       map[string]interface{} `json:"kpis"`
}

// Clone returns a deep-enough copy so callers can't mutate stored state.
func (s *Snapshot) Clone() *Snapshot {
	kpis := make(map[string]interface{}, len(s.KPIs))
	for k, v := range s.KPIs {
		kpis[k] = v
	}
	return &Snapshot{
		TenantID:   s.TenantID,
		CapturedAt: s.CapturedAt,
		KPIs:       kpis,
	}
}

// Store persists the latest snapshot per tenant.
type Store interface {
	// Put stores snap unless a strictly newer one is already present.
	Put(ctx context.Context, snap *Snapshot) error
	// Latest returns the most recent snapshot for the tenant, or
	// ErrNoSnapshot.
	Latest(ctx context.Context, tenantID string) (*Snapshot, error)
}
