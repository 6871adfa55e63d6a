// Package client implements a resilient consumer for the semaphore event
// stream: automatic reconnection with capped exponential backoff, resume
// via the last seen event id, heartbeat-based liveness detection and
// idempotent event application.
package client

import (
	"encoding/json"
	"time"
)

// Event is one element of the tenant stream as it appears on the wire.
type Event struct {
	ID         uint64          `json:"id"`
	TenantID   string          `json:"tenant_id"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	ProducedAt time.Time       `json:"produced_at"`
}

// Event types the stream controller treats specially. Everything else is
// handed to the application untouched.
const (
	EventHeartbeat      = "heartbeat"
	EventResyncRequired = "resync_required"
)
