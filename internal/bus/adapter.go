package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/teei-platform/semaphore/internal/envelope"
	"github.com/teei-platform/semaphore/pkg/logging"
)

// ErrReordered is returned by Inject when the envelope's id is not greater
// than the tenant's last sequenced id.
var ErrReordered = errors.New("bus: envelope id precedes tenant sequence")

// Sink receives decoded, validated envelopes in per-tenant id order.
type Sink func(ctx context.Context, env envelope.Envelope) error

// Adapter deserializes bus messages into canonical envelopes, validates
// tenant scope and id monotonicity, and forwards them to the sink. Events
// the upstream assigned no id to (id == 0) get one from a per-tenant
// counter; non-increasing upstream ids are reordering and are rejected.
type Adapter struct {
	mu      sync.Mutex
	lastIDs map[string]uint64
	sink    Sink
	logger  logging.Logger
}

// NewAdapter creates an Adapter feeding the given sink.
func NewAdapter(sink Sink, logger logging.Logger) *Adapter {
	return &Adapter{
		lastIDs: make(map[string]uint64),
		sink:    sink,
		logger:  logger,
	}
}

// HandleMessage is the Consumer handler: decode, validate, assign id,
// forward. Malformed messages are logged and skipped rather than blocking
// the partition; they can never become valid on retry.
func (a *Adapter) HandleMessage(ctx context.Context, msg Message) error {
	var env envelope.Envelope
	if err := json.Unmarshal(msg.Value, &env); err != nil {
		a.logger.WithError(err).WithFields(logging.Fields{
			"topic":  msg.Topic,
			"offset": msg.Offset,
		}).Warn("Dropping undecodable bus message")
		return nil
	}

	// Header tenant wins over payload tenant when both are present.
	if hdr := msg.Headers["tenant_id"]; hdr != "" {
		env.TenantID = hdr
	}
	if env.ProducedAt.IsZero() {
		env.ProducedAt = msg.Timestamp
	}

	if err := env.Validate(); err != nil {
		a.logger.WithError(err).WithFields(logging.Fields{
			"topic":  msg.Topic,
			"offset": msg.Offset,
			"type":   env.Type,
		}).Warn("Dropping invalid envelope")
		return nil
	}

	env, ok := a.sequence(env)
	if !ok {
		return nil
	}

	if err := a.sink(ctx, env); err != nil {
		return fmt.Errorf("sink envelope id=%d tenant=%s: %w", env.ID, env.TenantID, err)
	}
	return nil
}

// Inject feeds a locally produced envelope through the same validation and
// sequencing path bus messages take. Used by the admin publish endpoint.
func (a *Adapter) Inject(ctx context.Context, env envelope.Envelope) error {
	if env.ProducedAt.IsZero() {
		env.ProducedAt = time.Now().UTC()
	}
	if err := env.Validate(); err != nil {
		return err
	}
	env, ok := a.sequence(env)
	if !ok {
		return ErrReordered
	}
	return a.sink(ctx, env)
}

// sequence assigns or validates the envelope id against the tenant's last
// seen id. Returns false if the envelope must be dropped as reordered.
func (a *Adapter) sequence(env envelope.Envelope) (envelope.Envelope, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	last := a.lastIDs[env.TenantID]
	if env.ID == 0 {
		env.ID = last + 1
	} else if env.ID <= last {
		a.logger.WithFields(logging.Fields{
			"tenant_id":   env.TenantID,
			"envelope_id": env.ID,
			"last_id":     last,
		}).Warn("Dropping reordered envelope from upstream")
		return env, false
	}
	a.lastIDs[env.TenantID] = env.ID
	return env, true
}
