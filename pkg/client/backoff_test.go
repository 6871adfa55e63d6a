package client

import (
	"testing"
	"time"
)

func TestBackoff_Delay_GrowsAndCaps(t *testing.T) {
	b := DefaultBackoff()

	cases := []struct {
		attempt int
		base    time.Duration
	}{
		{0, 2 * time.Second},
		{1, 4 * time.Second},
		{2, 8 * time.Second},
		{3, 16 * time.Second},
		{4, 32 * time.Second},
		{5, 32 * time.Second},  // capped
		{20, 32 * time.Second}, // stays capped, no overflow
	}

	for _, tc := range cases {
		d := b.Delay(tc.attempt)
		if d < tc.base || d >= tc.base+time.Second {
			t.Fatalf("attempt %d: delay %v outside [%v, %v)", tc.attempt, d, tc.base, tc.base+time.Second)
		}
	}
}

func TestBackoff_Delay_JitterVaries(t *testing.T) {
	b := DefaultBackoff()

	seen := make(map[time.Duration]bool)
	for i := 0; i < 50; i++ {
		seen[b.Delay(0)] = true
	}
	if len(seen) < 2 {
		t.Fatal("expected jitter to vary delays across calls")
	}
}

func TestBackoff_Delay_NoJitter(t *testing.T) {
	b := Backoff{BaseDelay: time.Second, MaxDelay: 4 * time.Second}
	if d := b.Delay(1); d != 2*time.Second {
		t.Fatalf("expected exact 2s without jitter, got %v", d)
	}
}
