package snapshot

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/teei-platform/semaphore/internal/envelope"
	"github.com/teei-platform/semaphore/pkg/logging"
)

// Builder folds applied envelopes into a per-tenant KPI aggregate and
// writes the resulting snapshot through to the store. Store writes are
// best-effort: a write failure degrades to the in-memory aggregate without
// blocking the fan-out path.
type Builder struct {
	mu     sync.Mutex
	kpis   map[string]map[string]interface{} // tenantId -> kpi -> value
	store  Store
	logger logging.Logger
}

// NewBuilder creates a Builder writing through to store.
func NewBuilder(store Store, logger logging.Logger) *Builder {
	return &Builder{
		kpis:   make(map[string]map[string]interface{}),
		store:  store,
		logger: logger,
	}
}

// Apply folds one envelope into the tenant aggregate. Payloads are JSON
// objects of kpi name to value; journey flags land under their own keys the
// same way. Heartbeats and control signals carry no KPI state and are
// ignored.
func (b *Builder) Apply(ctx context.Context, env envelope.Envelope) {
	switch env.Type {
	case envelope.TypeHeartbeat, envelope.TypeResyncRequired:
		return
	}
	if len(env.Payload) == 0 {
		return
	}

	var fields map[string]interface{}
	if err := json.Unmarshal(env.Payload, &fields); err != nil {
		b.logger.WithError(err).WithFields(logging.Fields{
			"tenant_id":   env.TenantID,
			"envelope_id": env.ID,
		}).Debug("Envelope payload is not a KPI object, skipping aggregation")
		return
	}

	b.mu.Lock()
	agg, ok := b.kpis[env.TenantID]
	if !ok {
		agg = make(map[string]interface{})
		b.kpis[env.TenantID] = agg
	}
	for k, v := range fields {
		agg[k] = v
	}
	snap := &Snapshot{
		TenantID:   env.TenantID,
		CapturedAt: capturedAt(env),
		KPIs:       make(map[string]interface{}, len(agg)),
	}
	for k, v := range agg {
		snap.KPIs[k] = v
	}
	b.mu.Unlock()

	if err := b.store.Put(ctx, snap); err != nil {
		b.logger.WithError(err).WithField("tenant_id", env.TenantID).Warn("Best-effort snapshot write failed")
	}
}

func capturedAt(env envelope.Envelope) time.Time {
	if !env.ProducedAt.IsZero() {
		return env.ProducedAt
	}
	return time.Now()
}
