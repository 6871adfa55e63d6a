package client

import (
	"strings"
	"testing"
	"time"
)

func TestFreshnessTracker_FreshWithinThreshold(t *testing.T) {
	ft := NewFreshnessTracker(5 * time.Minute)
	now := time.Date(2026, 3, 10, 9, 30, 0, 0, time.UTC)
	ft.now = func() time.Time { return now }

	ft.Touch(now.Add(-time.Minute))

	status := ft.Status()
	if status.Stale {
		t.Fatal("data updated a minute ago must not be stale")
	}
	if !strings.Contains(status.Label(), "last updated") {
		t.Fatalf("unexpected label %q", status.Label())
	}
}

func TestFreshnessTracker_StaleBeyondThreshold(t *testing.T) {
	ft := NewFreshnessTracker(5 * time.Minute)
	now := time.Date(2026, 3, 10, 9, 30, 0, 0, time.UTC)
	ft.now = func() time.Time { return now }

	ft.Touch(now.Add(-6 * time.Minute))

	status := ft.Status()
	if !status.Stale {
		t.Fatal("data older than the threshold must be stale")
	}
	if !strings.HasPrefix(status.Label(), "stale") {
		t.Fatalf("unexpected label %q", status.Label())
	}
}

func TestFreshnessTracker_ConnectedQuietTenantNotStale(t *testing.T) {
	ft := NewFreshnessTracker(5 * time.Minute)
	now := time.Date(2026, 3, 10, 9, 30, 0, 0, time.UTC)
	ft.now = func() time.Time { return now }

	ft.ObserveState(StateConnected)
	ft.Touch(now.Add(-time.Hour))

	// No events for an hour, but the stream is up: the numbers are
	// current, there is just nothing new to show.
	if ft.Status().Stale {
		t.Fatal("a connected stream must never be labeled stale")
	}
}

func TestFreshnessTracker_DisconnectClockDrivesStaleness(t *testing.T) {
	ft := NewFreshnessTracker(5 * time.Minute)
	now := time.Date(2026, 3, 10, 9, 30, 0, 0, time.UTC)
	ft.now = func() time.Time { return now }

	ft.ObserveState(StateConnected)
	ft.Touch(now)
	ft.ObserveState(StateReconnecting)

	now = now.Add(4 * time.Minute)
	if ft.Status().Stale {
		t.Fatal("4 minutes disconnected is within the threshold")
	}

	now = now.Add(2 * time.Minute)
	status := ft.Status()
	if !status.Stale {
		t.Fatal("6 minutes disconnected must be stale")
	}
	if !strings.HasPrefix(status.Label(), "stale") {
		t.Fatalf("unexpected label %q", status.Label())
	}
}

func TestFreshnessTracker_ReconnectClearsStale(t *testing.T) {
	ft := NewFreshnessTracker(5 * time.Minute)
	now := time.Date(2026, 3, 10, 9, 30, 0, 0, time.UTC)
	ft.now = func() time.Time { return now }

	ft.ObserveState(StateReconnecting)
	now = now.Add(10 * time.Minute)
	if !ft.Status().Stale {
		t.Fatal("10 minutes disconnected must be stale")
	}

	ft.ObserveState(StateConnected)
	if ft.Status().Stale {
		t.Fatal("staleness must clear immediately on reconnect")
	}
}

func TestFreshnessTracker_NeverMovesBackwards(t *testing.T) {
	ft := NewFreshnessTracker(0)
	newer := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	older := newer.Add(-time.Hour)

	ft.Touch(newer)
	ft.Touch(older)

	if got := ft.Status().LastUpdated; !got.Equal(newer) {
		t.Fatalf("out-of-order touch moved mark back to %v", got)
	}
}

func TestFreshnessTracker_NoDataIsStale(t *testing.T) {
	ft := NewFreshnessTracker(0)
	status := ft.Status()
	if !status.Stale {
		t.Fatal("tracker with no observations must report stale")
	}
	if status.Label() != "waiting for data" {
		t.Fatalf("unexpected label %q", status.Label())
	}
}
