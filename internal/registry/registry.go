// Package registry tracks every live outbound stream, sharded by tenant so
// fan-out to one tenant never contends with another. The registry
// exclusively owns connection lifetime: connections are created on
// handshake, mutated on every send, and destroyed on disconnect or
// idle-timeout eviction.
package registry

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/teei-platform/semaphore/internal/envelope"
	"github.com/teei-platform/semaphore/pkg/logging"
)

const (
	// DefaultQueueCapacity is the per-connection outbound queue bound K.
	DefaultQueueCapacity = 100

	// DefaultIdleThreshold evicts connections with no activity for this long.
	DefaultIdleThreshold = 15 * time.Minute

	// DefaultSweepInterval is how often the idle sweep runs.
	DefaultSweepInterval = 60 * time.Second
)

// Connection is a live server-side handle to one client subscriber.
type Connection struct {
	ID        string
	TenantID  string
	CreatedAt time.Time

	queue          *outboundQueue
	lastAckedID    atomic.Uint64
	lastActivityAt atomic.Int64 // unix nanos
	closeOnce      sync.Once
}

// Next blocks until the next outbound envelope is available. It returns
// ErrConnectionClosed after the registry evicts the connection.
func (c *Connection) Next(ctx context.Context) (envelope.Envelope, error) {
	env, err := c.queue.pop(ctx)
	if err != nil {
		return env, err
	}
	c.Touch()
	if env.ID > c.lastAckedID.Load() {
		c.lastAckedID.Store(env.ID)
	}
	return env, nil
}

// LastAckedEventID returns the id of the last envelope handed to the writer.
func (c *Connection) LastAckedEventID() uint64 {
	return c.lastAckedID.Load()
}

// QueueDepth returns the current outbound queue length.
func (c *Connection) QueueDepth() int {
	return c.queue.depth()
}

// Touch records transport activity. Handlers call it on every write they
// make outside the queue (heartbeats, pongs) so the idle sweep does not
// evict a connection that is quiet but alive.
func (c *Connection) Touch() {
	c.lastActivityAt.Store(time.Now().UnixNano())
}

func (c *Connection) lastActivity() time.Time {
	return time.Unix(0, c.lastActivityAt.Load())
}

// shard holds one tenant's connections behind its own lock.
type shard struct {
	mu    sync.RWMutex
	conns map[string]*Connection
}

// TenantStats is a point-in-time view of one tenant's connections, exposed
// on the stats endpoint for operational monitoring.
type TenantStats struct {
	Connections int   `json:"connections"`
	QueueDepths []int `json:"queue_depths"`
}

// Registry is the tenant-sharded connection table.
type Registry struct {
	mu       sync.RWMutex
	shards   map[string]*shard
	byConnID sync.Map // connectionId -> *Connection

	queueCapacity int
	logger        logging.Logger

	// OnEvict, when set, is called after a connection is force-closed by
	// backpressure or idle sweep (not on clean unregister).
	OnEvict func(conn *Connection, reason string)

	// OnDrop, when set, is called for every coalescable envelope evicted
	// from a full outbound queue.
	OnDrop func(conn *Connection, env envelope.Envelope)
}

// New creates a Registry with the given per-connection queue capacity.
func New(queueCapacity int, logger logging.Logger) *Registry {
	if queueCapacity <= 0 {
		queueCapacity = DefaultQueueCapacity
	}
	return &Registry{
		shards:        make(map[string]*shard),
		queueCapacity: queueCapacity,
		logger:        logger,
	}
}

func (r *Registry) shard(tenantID string) *shard {
	r.mu.RLock()
	s, ok := r.shards[tenantID]
	r.mu.RUnlock()
	if ok {
		return s
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok = r.shards[tenantID]; ok {
		return s
	}
	s = &shard{conns: make(map[string]*Connection)}
	r.shards[tenantID] = s
	return s
}

// Register creates a connection for the tenant and returns it.
func (r *Registry) Register(tenantID string) *Connection {
	conn := &Connection{
		ID:        uuid.New().String(),
		TenantID:  tenantID,
		CreatedAt: time.Now(),
		queue:     newOutboundQueue(r.queueCapacity),
	}
	conn.Touch()

	s := r.shard(tenantID)
	s.mu.Lock()
	s.conns[conn.ID] = conn
	s.mu.Unlock()
	r.byConnID.Store(conn.ID, conn)

	r.logger.WithFields(logging.Fields{
		"connection_id": conn.ID,
		"tenant_id":     tenantID,
	}).Info("Client connected")
	return conn
}

// Unregister removes the connection and closes its queue. Safe to call more
// than once.
func (r *Registry) Unregister(connectionID string) {
	v, ok := r.byConnID.LoadAndDelete(connectionID)
	if !ok {
		return
	}
	conn := v.(*Connection)

	s := r.shard(conn.TenantID)
	s.mu.Lock()
	delete(s.conns, connectionID)
	s.mu.Unlock()

	conn.closeOnce.Do(conn.queue.close)

	r.logger.WithFields(logging.Fields{
		"connection_id": connectionID,
		"tenant_id":     conn.TenantID,
	}).Info("Client disconnected")
}

// Send offers an envelope to one connection. It reports whether the
// envelope was enqueued; a false return with nil error means the envelope
// was rejected and the connection has been evicted.
func (r *Registry) Send(connectionID string, env envelope.Envelope) (bool, error) {
	v, ok := r.byConnID.Load(connectionID)
	if !ok {
		return false, ErrConnectionClosed
	}
	conn := v.(*Connection)
	return r.offer(conn, env), nil
}

// OfferTenant fans one envelope out to every connection of the tenant. The
// offer is non-blocking: a slow consumer loses coalescable envelopes first
// and is evicted outright only when its queue is saturated with
// must-deliver events. Returns the number of connections reached.
func (r *Registry) OfferTenant(tenantID string, env envelope.Envelope) int {
	r.mu.RLock()
	s, ok := r.shards[tenantID]
	r.mu.RUnlock()
	if !ok {
		return 0
	}

	s.mu.RLock()
	conns := make([]*Connection, 0, len(s.conns))
	for _, conn := range s.conns {
		conns = append(conns, conn)
	}
	s.mu.RUnlock()

	reached := 0
	for _, conn := range conns {
		if r.offer(conn, env) {
			reached++
		}
	}
	return reached
}

func (r *Registry) offer(conn *Connection, env envelope.Envelope) bool {
	res, err := conn.queue.offer(env)
	if err != nil {
		return false
	}
	for _, dropped := range res.Dropped {
		r.logger.WithFields(logging.Fields{
			"connection_id": conn.ID,
			"tenant_id":     conn.TenantID,
			"dropped_id":    dropped.ID,
			"dropped_type":  dropped.Type,
		}).Warn("Outbound queue full, dropped coalescable envelope")
		if r.OnDrop != nil {
			r.OnDrop(conn, dropped)
		}
	}
	if !res.Enqueued {
		// Queue saturated with must-deliver envelopes; the connection is
		// too far behind to ever catch up, so force it onto the
		// reconnect-and-resume path.
		r.logger.WithFields(logging.Fields{
			"connection_id": conn.ID,
			"tenant_id":     conn.TenantID,
			"envelope_id":   env.ID,
		}).Warn("Outbound queue saturated, evicting connection")
		r.Unregister(conn.ID)
		if r.OnEvict != nil {
			r.OnEvict(conn, "backpressure")
		}
		return false
	}
	return true
}

// SweepIdle evicts connections whose last activity exceeds maxIdle and
// returns the number evicted.
func (r *Registry) SweepIdle(maxIdle time.Duration) int {
	cutoff := time.Now().Add(-maxIdle)

	r.mu.RLock()
	shards := make([]*shard, 0, len(r.shards))
	for _, s := range r.shards {
		shards = append(shards, s)
	}
	r.mu.RUnlock()

	evicted := 0
	for _, s := range shards {
		s.mu.RLock()
		var stale []*Connection
		for _, conn := range s.conns {
			if conn.lastActivity().Before(cutoff) {
				stale = append(stale, conn)
			}
		}
		s.mu.RUnlock()

		for _, conn := range stale {
			r.Unregister(conn.ID)
			if r.OnEvict != nil {
				r.OnEvict(conn, "idle")
			}
			evicted++
		}
	}
	return evicted
}

// StartSweeper runs SweepIdle on the given interval until ctx is done.
func (r *Registry) StartSweeper(ctx context.Context, interval, maxIdle time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.SweepIdle(maxIdle); n > 0 {
				r.logger.WithField("evicted", n).Info("Idle sweep evicted connections")
			}
		}
	}
}

// Stats returns per-tenant connection counts and queue depths.
func (r *Registry) Stats() map[string]TenantStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]TenantStats, len(r.shards))
	for tenantID, s := range r.shards {
		s.mu.RLock()
		stats := TenantStats{Connections: len(s.conns)}
		for _, conn := range s.conns {
			stats.QueueDepths = append(stats.QueueDepths, conn.QueueDepth())
		}
		s.mu.RUnlock()
		if stats.Connections > 0 {
			out[tenantID] = stats
		}
	}
	return out
}

// ConnectionCount returns the total number of live connections.
func (r *Registry) ConnectionCount() int {
	total := 0
	r.byConnID.Range(func(_, _ any) bool {
		total++
		return true
	})
	return total
}

// NewConnectionID is exposed for tests that need deterministic handles.
func NewConnectionID() string { return uuid.New().String() }
