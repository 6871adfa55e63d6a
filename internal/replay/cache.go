// Package replay implements the bounded per-tenant replay cache that backs
// client resume requests. Retention is whichever is tighter of a fixed-size
// ring and a wall-clock TTL.
package replay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/teei-platform/semaphore/internal/envelope"
	"github.com/teei-platform/semaphore/pkg/logging"
)

// ErrGap signals that the requested resume point precedes the oldest
// retained envelope. Callers must instruct the client to perform a full
// snapshot resync; returning a silently-partial list would leave the
// client's view inconsistent.
var ErrGap = errors.New("replay: requested id outside retention window")

// ErrStaleID is returned by Append when the envelope id does not advance
// the tenant's high-water mark.
var ErrStaleID = errors.New("replay: envelope id not newer than high-water mark")

const (
	DefaultCapacity      = 1024
	DefaultTTL           = 24 * time.Hour
	DefaultSweepInterval = 60 * time.Second
)

type entry struct {
	env        envelope.Envelope
	insertedAt time.Time
}

// ring is a fixed-capacity circular buffer of entries for one tenant,
// guarded by its own mutex so tenants never contend with each other.
type ring struct {
	mu        sync.Mutex
	buf       []entry
	head      int // index of oldest entry
	size      int
	highWater uint64
}

func (r *ring) append(env envelope.Envelope, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if env.ID <= r.highWater {
		return fmt.Errorf("%w: id=%d hwm=%d", ErrStaleID, env.ID, r.highWater)
	}

	if r.size == len(r.buf) {
		// Oldest evicted first.
		r.buf[r.head] = entry{env: env, insertedAt: now}
		r.head = (r.head + 1) % len(r.buf)
	} else {
		r.buf[(r.head+r.size)%len(r.buf)] = entry{env: env, insertedAt: now}
		r.size++
	}
	r.highWater = env.ID
	return nil
}

func (r *ring) since(lastEventID uint64) ([]envelope.Envelope, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if lastEventID >= r.highWater {
		return nil, nil
	}
	if r.size == 0 {
		// Everything newer than lastEventID has been evicted.
		return nil, ErrGap
	}

	oldest := r.buf[r.head].env.ID
	if lastEventID+1 < oldest {
		return nil, ErrGap
	}

	out := make([]envelope.Envelope, 0, r.size)
	for i := 0; i < r.size; i++ {
		e := r.buf[(r.head+i)%len(r.buf)]
		if e.env.ID > lastEventID {
			out = append(out, e.env)
		}
	}
	return out, nil
}

func (r *ring) sweep(cutoff time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for r.size > 0 && r.buf[r.head].insertedAt.Before(cutoff) {
		r.buf[r.head] = entry{}
		r.head = (r.head + 1) % len(r.buf)
		r.size--
		removed++
	}
	return removed
}

// Cache is the tenant-sharded replay cache.
type Cache struct {
	mu       sync.RWMutex
	tenants  map[string]*ring
	capacity int
	ttl      time.Duration
	logger   logging.Logger
	now      func() time.Time
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock overrides the wall clock, used by TTL tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// NewCache creates a replay cache. capacity is the per-tenant ring size and
// ttl the wall-clock retention bound; whichever is tighter wins.
func NewCache(capacity int, ttl time.Duration, logger logging.Logger, opts ...Option) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c := &Cache{
		tenants:  make(map[string]*ring),
		capacity: capacity,
		ttl:      ttl,
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Cache) tenant(tenantID string) *ring {
	c.mu.RLock()
	r, ok := c.tenants[tenantID]
	c.mu.RUnlock()
	if ok {
		return r
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok = c.tenants[tenantID]; ok {
		return r
	}
	r = &ring{buf: make([]entry, c.capacity)}
	c.tenants[tenantID] = r
	return r
}

// Append stores the envelope in the tenant's ring and advances the tenant
// high-water mark. Envelope ids must be strictly increasing per tenant.
func (c *Cache) Append(tenantID string, env envelope.Envelope) error {
	return c.tenant(tenantID).append(env, c.now())
}

// Since returns all retained envelopes with id > lastEventID in strictly
// increasing id order. It returns ErrGap when lastEventID precedes the
// retention window. lastEventID of 0 means "live tail only" and never gaps.
func (c *Cache) Since(tenantID string, lastEventID uint64) ([]envelope.Envelope, error) {
	if lastEventID == 0 {
		return nil, nil
	}

	c.mu.RLock()
	r, ok := c.tenants[tenantID]
	c.mu.RUnlock()
	if !ok {
		// Nothing ever cached for this tenant but the client has seen
		// events; we cannot prove continuity.
		return nil, ErrGap
	}
	return r.since(lastEventID)
}

// HighWaterMark returns the largest envelope id appended for the tenant.
func (c *Cache) HighWaterMark(tenantID string) uint64 {
	c.mu.RLock()
	r, ok := c.tenants[tenantID]
	c.mu.RUnlock()
	if !ok {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.highWater
}

// SweepExpired drops entries older than the TTL across all tenants and
// returns the number removed.
func (c *Cache) SweepExpired() int {
	cutoff := c.now().Add(-c.ttl)

	c.mu.RLock()
	rings := make([]*ring, 0, len(c.tenants))
	for _, r := range c.tenants {
		rings = append(rings, r)
	}
	c.mu.RUnlock()

	removed := 0
	for _, r := range rings {
		removed += r.sweep(cutoff)
	}
	return removed
}

// StartSweeper runs SweepExpired on the given interval until ctx is done.
func (c *Cache) StartSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := c.SweepExpired(); n > 0 {
				c.logger.WithField("removed", n).Debug("Replay cache sweep evicted expired envelopes")
			}
		}
	}
}
