package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/teei-platform/semaphore/internal/envelope"
	"github.com/teei-platform/semaphore/pkg/logging"
)

func TestMemoryStoreMonotonic(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	base := time.Now()
	newer := &Snapshot{TenantID: "t1", CapturedAt: base, KPIs: map[string]interface{}{"sroi": 4.2}}
	require.NoError(t, store.Put(ctx, newer))

	older := &Snapshot{TenantID: "t1", CapturedAt: base.Add(-time.Minute), KPIs: map[string]interface{}{"sroi": 1.0}}
	require.NoError(t, store.Put(ctx, older))

	got, err := store.Latest(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, 4.2, got.KPIs["sroi"])
	require.True(t, got.CapturedAt.Equal(base))
}

func TestMemoryStoreMissingTenant(t *testing.T) {
	_, err := NewMemoryStore().Latest(context.Background(), "ghost")
	require.ErrorIs(t, err, ErrNoSnapshot)
}

func TestMemoryStoreCloneIsolation(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Put(ctx, &Snapshot{TenantID: "t1", CapturedAt: time.Now(), KPIs: map[string]interface{}{"k": 1}}))

	got, err := store.Latest(ctx, "t1")
	require.NoError(t, err)
	got.KPIs["k"] = 99

	again, err := store.Latest(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, 1, again.KPIs["k"])
}

func kpiEnvelope(t *testing.T, tenant string, id uint64, typ envelope.Type, kpis map[string]interface{}, at time.Time) envelope.Envelope {
	t.Helper()
	payload, err := json.Marshal(kpis)
	require.NoError(t, err)
	return envelope.Envelope{ID: id, TenantID: tenant, Type: typ, Payload: payload, ProducedAt: at}
}

func TestBuilderFoldsKPIs(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	b := NewBuilder(store, logging.NewLogger())

	base := time.Now()
	b.Apply(ctx, kpiEnvelope(t, "t1", 1, envelope.TypeMetricUpdated, map[string]interface{}{"volunteers": 10.0}, base))
	b.Apply(ctx, kpiEnvelope(t, "t1", 2, envelope.TypeSROIUpdated, map[string]interface{}{"sroi": 3.7}, base.Add(time.Second)))
	b.Apply(ctx, kpiEnvelope(t, "t1", 3, envelope.TypeMetricUpdated, map[string]interface{}{"volunteers": 12.0}, base.Add(2*time.Second)))

	snap, err := store.Latest(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, 12.0, snap.KPIs["volunteers"])
	require.Equal(t, 3.7, snap.KPIs["sroi"])
	require.True(t, snap.CapturedAt.Equal(base.Add(2*time.Second)))
}

func TestBuilderIgnoresControlEnvelopes(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	b := NewBuilder(store, logging.NewLogger())

	b.Apply(ctx, envelope.Envelope{ID: 1, TenantID: "t1", Type: envelope.TypeHeartbeat})
	b.Apply(ctx, envelope.Envelope{ID: 2, TenantID: "t1", Type: envelope.TypeResyncRequired})

	_, err := store.Latest(ctx, "t1")
	require.ErrorIs(t, err, ErrNoSnapshot)
}

type failingStore struct{}

func (f *failingStore) Put(context.Context, *Snapshot) error { return errors.New("redis down") }
func (f *failingStore) Latest(context.Context, string) (*Snapshot, error) {
	return nil, ErrNoSnapshot
}

func TestBuilderStoreFailureIsNonFatal(t *testing.T) {
	b := NewBuilder(&failingStore{}, logging.NewLogger())
	// Must not panic or propagate the write error.
	b.Apply(context.Background(), kpiEnvelope(t, "t1", 1, envelope.TypeMetricUpdated, map[string]interface{}{"k": 1.0}, time.Now()))
}
