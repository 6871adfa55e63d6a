// Package bridge connects the bus adapter to the replay cache, the snapshot
// builder and the connection registry. One envelope in, three effects out:
// cached for resume, folded into the tenant snapshot, fanned out to live
// connections.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/teei-platform/semaphore/internal/envelope"
	"github.com/teei-platform/semaphore/internal/metrics"
	"github.com/teei-platform/semaphore/internal/registry"
	"github.com/teei-platform/semaphore/internal/replay"
	"github.com/teei-platform/semaphore/internal/snapshot"
	"github.com/teei-platform/semaphore/pkg/logging"
)

// Bridge is the fan-out bridge.
type Bridge struct {
	replay   *replay.Cache
	registry *registry.Registry
	builder  *snapshot.Builder
	logger   logging.Logger
	metrics  *metrics.Metrics
}

// New creates a Bridge.
func New(rc *replay.Cache, reg *registry.Registry, builder *snapshot.Builder, logger logging.Logger, m *metrics.Metrics) *Bridge {
	return &Bridge{
		replay:   rc,
		registry: reg,
		builder:  builder,
		logger:   logger,
		metrics:  m,
	}
}

// HandleEnvelope is the bus adapter sink. The replay append must succeed
// before fan-out: a reconnecting client resumes from the cache, so an
// envelope visible live but absent from the cache would break the
// gap-free replay contract.
func (b *Bridge) HandleEnvelope(ctx context.Context, env envelope.Envelope) error {
	if err := b.replay.Append(env.TenantID, env); err != nil {
		if errors.Is(err, replay.ErrStaleID) {
			// Redelivery from an at-least-once bus; already cached and
			// fanned out.
			b.logger.WithFields(logging.Fields{
				"tenant_id":   env.TenantID,
				"envelope_id": env.ID,
			}).Debug("Skipping redelivered envelope")
			return nil
		}
		return fmt.Errorf("replay append: %w", err)
	}

	b.builder.Apply(ctx, env)

	reached := b.registry.OfferTenant(env.TenantID, env)

	if b.metrics != nil {
		b.metrics.EventsFannedOut.WithLabelValues(string(env.Type)).Add(float64(reached))
		if !env.ProducedAt.IsZero() {
			b.metrics.FanoutLag.WithLabelValues(string(env.Type)).Observe(time.Since(env.ProducedAt).Seconds())
		}
	}

	b.logger.WithFields(logging.Fields{
		"tenant_id":   env.TenantID,
		"envelope_id": env.ID,
		"type":        env.Type,
		"reached":     reached,
	}).Debug("Envelope fanned out")
	return nil
}
