// Package snapcache gives stream clients a three-tier cache for tenant KPI
// snapshots: an in-memory ring for instant rendering, a durable local store
// that survives restarts, and the remote snapshot endpoint as the source of
// truth. Lookups fall through the tiers in that order and promote hits
// upward; a reader is never handed a snapshot older than one it has
// already seen.
package snapcache

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/teei-platform/semaphore/pkg/logging"
)

// ErrNoSnapshot is returned when no tier has a snapshot for the tenant.
var ErrNoSnapshot = errors.New("snapcache: no snapshot available")

// Snapshot is a point-in-time coherent aggregate of a tenant's KPIs as
// served by the snapshot endpoint. Compressed marks entries whose stored
// form went through the durable tier's compression.
type Snapshot struct {
	TenantID   string                 `json:"tenant_id"`
	CapturedAt time.Time              `json:"captured_at"`
	KPIs       map[string]interface{} `json:"kpis"`
	Compressed bool                   `json:"compressed,omitempty"`
}

// Clone returns a copy whose KPI map is safe to mutate.
func (s *Snapshot) Clone() *Snapshot {
	kpis := make(map[string]interface{}, len(s.KPIs))
	for k, v := range s.KPIs {
		kpis[k] = v
	}
	return &Snapshot{TenantID: s.TenantID, CapturedAt: s.CapturedAt, KPIs: kpis, Compressed: s.Compressed}
}

// Config configures a Cache. Local and Remote are both optional; a Cache
// with neither is just the in-memory ring.
type Config struct {
	// RingSize bounds the per-tenant in-memory history. Default 5.
	RingSize int

	// FreshFor is the age beyond which a cached snapshot no longer
	// satisfies a lookup on its own and the remote tier is consulted.
	// Zero means cached hits are always good enough.
	FreshFor time.Duration

	// Local is the durable tier, consulted when the ring misses.
	Local *LocalStore

	// Remote is the authoritative tier, consulted last.
	Remote *RemoteFetcher

	Logger logging.Logger
}

// Cache is the three-tier snapshot cache.
type Cache struct {
	ring     *ring
	local    *LocalStore
	remote   *RemoteFetcher
	freshFor time.Duration
	logger   logging.Logger

	mu         sync.Mutex
	lastServed map[string]time.Time
}

// New creates a Cache.
func New(cfg Config) *Cache {
	if cfg.RingSize <= 0 {
		cfg.RingSize = 5
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewLogger()
	}
	return &Cache{
		ring:       newRing(cfg.RingSize),
		local:      cfg.Local,
		remote:     cfg.Remote,
		freshFor:   cfg.FreshFor,
		logger:     cfg.Logger,
		lastServed: make(map[string]time.Time),
	}
}

// Put records a snapshot in every tier. The ring rejects non-newer
// snapshots; the durable write is best-effort and a failure degrades the
// cache to memory-only for that entry.
func (c *Cache) Put(snap *Snapshot) {
	if snap == nil || snap.TenantID == "" {
		return
	}
	c.ring.put(snap)
	if c.local != nil {
		if err := c.local.Put(snap); err != nil {
			c.logger.WithError(err).WithField("tenant_id", snap.TenantID).Warn("Durable snapshot write failed")
		}
	}
}

// Latest returns the freshest snapshot available for the tenant, checking
// the ring, then the durable store, then the remote endpoint. Hits from
// lower tiers are promoted. Results older than the last snapshot served
// for this tenant are treated as misses.
func (c *Cache) Latest(ctx context.Context, tenantID string) (*Snapshot, error) {
	floor := c.servedFloor(tenantID)

	// A cached hit that has gone stale is kept as a fallback: the remote
	// tier gets a chance to do better, but stale data still beats an error.
	var fallback *Snapshot

	if snap := c.ring.latest(tenantID); snap != nil && !snap.CapturedAt.Before(floor) {
		if c.isFresh(snap) {
			return c.serve(snap), nil
		}
		fallback = snap
	}

	if fallback == nil && c.local != nil {
		snap, err := c.local.Latest(tenantID)
		switch {
		case err == nil && !snap.CapturedAt.Before(floor):
			if c.isFresh(snap) {
				c.ring.put(snap)
				return c.serve(snap), nil
			}
			fallback = snap
		case err != nil && !errors.Is(err, ErrNoSnapshot):
			c.logger.WithError(err).WithField("tenant_id", tenantID).Warn("Durable snapshot read failed")
		}
	}

	if c.remote != nil {
		snap, err := c.remote.Fetch(ctx, tenantID)
		switch {
		case err != nil:
			if fallback != nil {
				c.logger.WithError(err).WithField("tenant_id", tenantID).Warn("Remote snapshot fetch failed, serving stale cached copy")
				return c.serve(fallback), nil
			}
			return nil, err
		case snap.CapturedAt.Before(floor):
			if fallback != nil {
				return c.serve(fallback), nil
			}
			return nil, ErrNoSnapshot
		default:
			c.Put(snap)
			return c.serve(snap), nil
		}
	}

	if fallback != nil {
		return c.serve(fallback), nil
	}
	return nil, ErrNoSnapshot
}

func (c *Cache) isFresh(snap *Snapshot) bool {
	if c.freshFor <= 0 || c.remote == nil {
		return true
	}
	return time.Since(snap.CapturedAt) < c.freshFor
}

func (c *Cache) servedFloor(tenantID string) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastServed[tenantID]
}

func (c *Cache) serve(snap *Snapshot) *Snapshot {
	c.mu.Lock()
	if snap.CapturedAt.After(c.lastServed[snap.TenantID]) {
		c.lastServed[snap.TenantID] = snap.CapturedAt
	}
	c.mu.Unlock()
	return snap.Clone()
}
