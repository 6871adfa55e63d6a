package client

import (
	"fmt"
	"sync"
	"time"
)

// DefaultStaleThreshold is how long a display goes without updates before
// it must be marked stale rather than silently showing old numbers.
const DefaultStaleThreshold = 5 * time.Minute

// Freshness is what a display surface needs to render honestly: the
// moment the data was last updated and whether it is now too old to show
// without a warning.
type Freshness struct {
	LastUpdated time.Time
	Stale       bool
}

// Label renders the standard freshness caption.
func (f Freshness) Label() string {
	if f.LastUpdated.IsZero() {
		return "waiting for data"
	}
	ts := f.LastUpdated.Format("15:04:05")
	if f.Stale {
		return fmt.Sprintf("stale - last updated %s", ts)
	}
	return fmt.Sprintf("last updated %s", ts)
}

// FreshnessTracker decides when an always-on display surface must warn
// that its numbers may be frozen. Staleness is a connectivity judgement:
// a display is stale once the stream has been out of the connected state
// for longer than the threshold, and the warning clears the moment the
// stream reconnects. Applied events and snapshot loads feed the
// "last updated" caption; a tracker that never observes connection state
// falls back to judging by data age alone.
type FreshnessTracker struct {
	mu                sync.Mutex
	lastUpdated       time.Time
	connected         bool
	disconnectedSince time.Time
	threshold         time.Duration
	now               func() time.Time
}

// NewFreshnessTracker creates a tracker with the given staleness
// threshold; zero means DefaultStaleThreshold.
func NewFreshnessTracker(threshold time.Duration) *FreshnessTracker {
	if threshold <= 0 {
		threshold = DefaultStaleThreshold
	}
	return &FreshnessTracker{threshold: threshold, now: time.Now}
}

// Touch records a data update at t. Out-of-order observations never move
// the mark backwards.
func (ft *FreshnessTracker) Touch(t time.Time) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	if t.After(ft.lastUpdated) {
		ft.lastUpdated = t
	}
}

// Observe records an applied event as a data update.
func (ft *FreshnessTracker) Observe(ev Event) {
	if ev.ProducedAt.IsZero() {
		ft.Touch(ft.now())
		return
	}
	ft.Touch(ev.ProducedAt)
}

// ObserveState feeds the tracker the stream controller's state
// transitions; wire it to Config.OnStateChange. Leaving the connected
// state starts the staleness clock, reaching it stops and clears it.
func (ft *FreshnessTracker) ObserveState(s State) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	if s == StateConnected {
		ft.connected = true
		return
	}
	if ft.connected || ft.disconnectedSince.IsZero() {
		ft.disconnectedSince = ft.now()
	}
	ft.connected = false
}

// Status reports the current freshness.
func (ft *FreshnessTracker) Status() Freshness {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return Freshness{
		LastUpdated: ft.lastUpdated,
		Stale:       ft.stale(),
	}
}

// stale is called with ft.mu held.
func (ft *FreshnessTracker) stale() bool {
	if ft.connected {
		return false
	}
	if !ft.disconnectedSince.IsZero() {
		return ft.now().Sub(ft.disconnectedSince) > ft.threshold
	}
	// No connection state observed yet: judge by data age.
	return ft.lastUpdated.IsZero() || ft.now().Sub(ft.lastUpdated) > ft.threshold
}
