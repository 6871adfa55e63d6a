package client

import (
	"math/rand"
	"time"
)

// Backoff computes reconnect delays: BaseDelay doubled per attempt, capped
// at MaxDelay, plus a uniform jitter in [0, JitterMax) so a fleet of
// clients dropped by the same outage does not reconnect in lockstep.
type Backoff struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
	JitterMax time.Duration
}

// DefaultBackoff returns the standard reconnect schedule: 2s, 4s, 8s, 16s,
// then 32s, each with up to one second of jitter.
func DefaultBackoff() Backoff {
	return Backoff{
		BaseDelay: 2 * time.Second,
		MaxDelay:  32 * time.Second,
		JitterMax: time.Second,
	}
}

// Delay returns the wait before reconnect attempt k (zero-based).
func (b Backoff) Delay(attempt int) time.Duration {
	d := b.BaseDelay
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= b.MaxDelay {
			d = b.MaxDelay
			break
		}
	}
	if d > b.MaxDelay {
		d = b.MaxDelay
	}
	if b.JitterMax > 0 {
		d += time.Duration(rand.Int63n(int64(b.JitterMax)))
	}
	return d
}
