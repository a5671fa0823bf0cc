package portfolio

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dispatch/internal/registry"
	"dispatch/internal/trust"
	"dispatch/internal/variance"
)

func newCacheFixture(t *testing.T) (*Cache, *registry.Registry, *trust.Tracker) {
	t.Helper()
	reg := registry.New()
	for _, m := range testModels() {
		require.NoError(t, reg.Upsert(m))
	}
	tr := trust.NewTracker()
	c := NewCache(NewOptimizer(tr, variance.NewTracker()), reg, DefaultTTL)
	return c, reg, tr
}

func TestCacheServesWithinTTL(t *testing.T) {
	c, _, tr := newCacheFixture(t)
	t0 := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	c.SetClock(func() time.Time { return t0 })

	first := c.Get(DefaultOptions(), false)
	assert.Equal(t, "workhorse", first.WorkerImplementation)

	// Live state changes are invisible until the entry expires.
	sinkWorkerTrust(t, tr, "workhorse", DefaultWorkerTrustFloor)
	c.SetClock(func() time.Time { return t0.Add(DefaultTTL / 2) })
	cached := c.Get(DefaultOptions(), false)
	assert.Equal(t, "workhorse", cached.WorkerImplementation)

	c.SetClock(func() time.Time { return t0.Add(DefaultTTL + time.Second) })
	expired := c.Get(DefaultOptions(), false)
	assert.Equal(t, "rival", expired.WorkerImplementation)
}

func TestCacheForceRefresh(t *testing.T) {
	c, _, tr := newCacheFixture(t)
	t0 := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	c.SetClock(func() time.Time { return t0 })

	first := c.Get(DefaultOptions(), false)
	assert.Equal(t, "workhorse", first.WorkerImplementation)

	sinkWorkerTrust(t, tr, "workhorse", DefaultWorkerTrustFloor)
	forced := c.Get(DefaultOptions(), true)
	assert.Equal(t, "rival", forced.WorkerImplementation)
}

func TestCacheInvalidatedByRegistryMutation(t *testing.T) {
	c, reg, _ := newCacheFixture(t)
	t0 := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	c.SetClock(func() time.Time { return t0 })

	first := c.Get(DefaultOptions(), false)
	assert.Equal(t, "workhorse", first.WorkerImplementation)

	// Disabling the slot holder arms the one-shot refresh.
	require.NoError(t, reg.SetStatus("workhorse", registry.StatusDisabled))
	refreshed := c.Get(DefaultOptions(), false)
	assert.Equal(t, "rival", refreshed.WorkerImplementation)

	// The flag is one-shot: the next read serves the new cached entry.
	again := c.Get(DefaultOptions(), false)
	assert.Equal(t, refreshed.GeneratedAt, again.GeneratedAt)
}

func TestCacheKeyIncludesFloors(t *testing.T) {
	c, _, tr := newCacheFixture(t)
	t0 := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	c.SetClock(func() time.Time { return t0 })

	first := c.Get(DefaultOptions(), false)
	assert.Equal(t, "workhorse", first.WorkerImplementation)

	// A different floor set misses the cache even within the TTL.
	sinkWorkerTrust(t, tr, "workhorse", 0.6)
	opts := DefaultOptions()
	opts.WorkerTrustFloor = 0.6
	other := c.Get(opts, false)
	assert.Equal(t, "rival", other.WorkerImplementation)
}
