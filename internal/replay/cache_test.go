package replay

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/teei-platform/semaphore/internal/envelope"
	"github.com/teei-platform/semaphore/pkg/logging"
)

func env(tenant string, id uint64) envelope.Envelope {
	return envelope.Envelope{
		ID:         id,
		TenantID:   tenant,
		Type:       envelope.TypeMetricUpdated,
		ProducedAt: time.Now(),
	}
}

func TestSinceReturnsContiguousTail(t *testing.T) {
	c := NewCache(100, time.Hour, logging.NewLogger())
	for id := uint64(1); id <= 5; id++ {
		require.NoError(t, c.Append("t1", env("t1", id)))
	}

	got, err := c.Since("t1", 3)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, uint64(4), got[0].ID)
	require.Equal(t, uint64(5), got[1].ID)
}

func TestSinceUpToDateClientGetsNothing(t *testing.T) {
	c := NewCache(100, time.Hour, logging.NewLogger())
	require.NoError(t, c.Append("t1", env("t1", 1)))

	got, err := c.Since("t1", 1)
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestSinceGapWhenResumePointEvicted(t *testing.T) {
	c := NewCache(100, time.Hour, logging.NewLogger())
	// Retention 100; client is 150 events stale.
	for id := uint64(1); id <= 250; id++ {
		require.NoError(t, c.Append("t1", env("t1", id)))
	}

	_, err := c.Since("t1", 100)
	require.ErrorIs(t, err, ErrGap)

	// Just inside the window replays cleanly.
	got, err := c.Since("t1", 150)
	require.NoError(t, err)
	require.Len(t, got, 100)
	for i, e := range got {
		require.Equal(t, uint64(151+i), e.ID)
	}
}

func TestSinceUnknownTenantGaps(t *testing.T) {
	c := NewCache(10, time.Hour, logging.NewLogger())
	_, err := c.Since("nobody", 7)
	require.ErrorIs(t, err, ErrGap)
}

func TestSinceZeroMeansLiveTailOnly(t *testing.T) {
	c := NewCache(10, time.Hour, logging.NewLogger())
	got, err := c.Since("nobody", 0)
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestAppendRejectsNonMonotonicIDs(t *testing.T) {
	c := NewCache(10, time.Hour, logging.NewLogger())
	require.NoError(t, c.Append("t1", env("t1", 5)))

	err := c.Append("t1", env("t1", 5))
	require.ErrorIs(t, err, ErrStaleID)
	err = c.Append("t1", env("t1", 3))
	require.ErrorIs(t, err, ErrStaleID)

	// Gaps going forward are fine.
	require.NoError(t, c.Append("t1", env("t1", 9)))
	require.Equal(t, uint64(9), c.HighWaterMark("t1"))
}

func TestSweepExpiredHonorsTTL(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	c := NewCache(100, time.Minute, logging.NewLogger(), WithClock(func() time.Time { return clock() }))

	require.NoError(t, c.Append("t1", env("t1", 1)))
	require.NoError(t, c.Append("t1", env("t1", 2)))

	now = now.Add(2 * time.Minute)
	require.NoError(t, c.Append("t1", env("t1", 3)))

	removed := c.SweepExpired()
	require.Equal(t, 2, removed)

	// Entries 1-2 are gone; resuming from 1 is now a gap.
	_, err := c.Since("t1", 1)
	require.ErrorIs(t, err, ErrGap)

	got, err := c.Since("t1", 2)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, uint64(3), got[0].ID)
}

func TestSweepAllExpiredThenResumeGaps(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	c := NewCache(100, time.Minute, logging.NewLogger(), WithClock(func() time.Time { return clock() }))

	require.NoError(t, c.Append("t1", env("t1", 1)))
	require.NoError(t, c.Append("t1", env("t1", 2)))
	now = now.Add(2 * time.Minute)
	c.SweepExpired()

	_, err := c.Since("t1", 1)
	require.ErrorIs(t, err, ErrGap)

	// A client already at the high-water mark is fine even with an
	// empty ring.
	got, err := c.Since("t1", 2)
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestTenantsAreIsolated(t *testing.T) {
	c := NewCache(10, time.Hour, logging.NewLogger())
	require.NoError(t, c.Append("a", env("a", 1)))
	require.NoError(t, c.Append("b", env("b", 1)))

	got, err := c.Since("a", 0)
	require.NoError(t, err)
	require.Empty(t, got)

	require.Equal(t, uint64(1), c.HighWaterMark("a"))
	require.Equal(t, uint64(0), c.HighWaterMark("missing"))
}

func TestConcurrentAppendAndSince(t *testing.T) {
	c := NewCache(1000, time.Hour, logging.NewLogger())

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for id := uint64(1); id <= 500; id++ {
			_ = c.Append("t1", env("t1", id))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			out, err := c.Since("t1", 1)
			if err != nil && !errors.Is(err, ErrGap) {
				t.Errorf("unexpected error: %v", err)
				return
			}
			for j := 1; j < len(out); j++ {
				if out[j].ID <= out[j-1].ID {
					t.Errorf("ids not strictly increasing: %d then %d", out[j-1].ID, out[j].ID)
					return
				}
			}
		}
	}()
	wg.Wait()
}
