// Package envelope defines the canonical unit of event distribution and the
// backpressure policy table that classifies which event types may be dropped.
package envelope

import (
	"encoding/json"
	"errors"
	"time"
)

// Type identifies the kind of domain event an envelope carries.
type Type string

const (
	TypeMetricUpdated      Type = "metric_updated"
	TypeSROIUpdated        Type = "sroi_updated"
	TypeVISUpdated         Type = "vis_updated"
	TypeJourneyFlagUpdated Type = "journey_flag_updated"
	TypeSnapshotReady      Type = "snapshot_ready"

	// TypeHeartbeat is emitted by the server itself, never by the bus.
	TypeHeartbeat Type = "heartbeat"

	// TypeResyncRequired instructs a client to discard its lastEventId and
	// fetch a full snapshot. Sent on replay cache gaps.
	TypeResyncRequired Type = "resync_required"
)

// Envelope is the atomic unit of distribution. ID is strictly increasing
// within a tenant's stream; gaps are permitted (events may be coalesced
// under backpressure) but never reordered.
type Envelope struct {
	ID         uint64          `json:"id"`
	TenantID   string          `json:"tenant_id"`
	Type       Type            `json:"type"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	ProducedAt time.Time       `json:"produced_at"`
}

var (
	ErrMissingTenant = errors.New("envelope has no tenant id")
	ErrUnknownType   = errors.New("unknown envelope type")
)

// Validate checks the envelope's required fields.
func (e *Envelope) Validate() error {
	if e.TenantID == "" {
		return ErrMissingTenant
	}
	if !e.Type.Known() {
		return ErrUnknownType
	}
	return nil
}

// Known reports whether t is one of the canonical event types.
func (t Type) Known() bool {
	switch t {
	case TypeMetricUpdated, TypeSROIUpdated, TypeVISUpdated,
		TypeJourneyFlagUpdated, TypeSnapshotReady, TypeHeartbeat, TypeResyncRequired:
		return true
	}
	return false
}

// Droppable reports whether envelopes of this type may be dropped from a
// full outbound queue. Heartbeats are pure liveness signals and metric
// ticks are coalescable: a newer tick supersedes an older one. Scoring
// results, journey flags and control signals must be delivered; a client
// that misses one has no newer event to repair the loss.
func (t Type) Droppable() bool {
	switch t {
	case TypeHeartbeat, TypeMetricUpdated:
		return true
	}
	return false
}
