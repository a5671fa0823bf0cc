package maintenance

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dispatch/internal/calibration"
	"dispatch/internal/persistence"
	"dispatch/internal/stats"
	"dispatch/internal/task"
	"dispatch/internal/trust"
	"dispatch/internal/variance"
)

type maintFixture struct {
	manager *Manager
	driver  persistence.Driver
	cal     *calibration.Store
	vt      *variance.Tracker
	tr      *trust.Tracker
	st      *stats.Tracker
}

func chdirTemp(t *testing.T) {
	t.Helper()
	old, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(old) })
}

func newMaintFixture(t *testing.T) *maintFixture {
	t.Helper()
	chdirTemp(t)
	driver, err := persistence.NewFileDriver("runs")
	require.NoError(t, err)

	f := &maintFixture{
		driver: driver,
		cal:    calibration.NewStore(),
		vt:     variance.NewTracker(),
		tr:     trust.NewTracker(),
		st:     stats.NewTracker(),
	}
	f.manager = New(driver, f.cal, f.vt, f.tr, f.st)
	return f
}

func TestFlushRestoreRoundTrip(t *testing.T) {
	f := newMaintFixture(t)

	f.cal.Observe("m1", task.TypeCode, 0.85)
	f.tr.UpdateWorker("m1", trust.WorkerSignal{PredictedQuality: 0.5, ActualQuality: 0.9})
	f.st.RecordRun("m1", stats.Outcome{Judged: true, Quality: 0.85, CostUSD: 0.02, LatencyMs: 150})

	f.manager.Flush()

	// A fresh set of trackers picks up the flushed state.
	restored := &maintFixture{
		driver: f.driver,
		cal:    calibration.NewStore(),
		vt:     variance.NewTracker(),
		tr:     trust.NewTracker(),
		st:     stats.NewTracker(),
	}
	restored.manager = New(f.driver, restored.cal, restored.vt, restored.tr, restored.st)
	restored.manager.Restore()

	assert.Equal(t, f.cal.Snapshot(), restored.cal.Snapshot())
	assert.InDelta(t, f.tr.Worker("m1"), restored.tr.Worker("m1"), 1e-9)
	got, ok := restored.st.Get("m1")
	require.True(t, ok)
	assert.Equal(t, 1, got.Runs)
	assert.InDelta(t, 0.02, got.TotalCostUSD, 1e-9)
}

func TestRestoreWithNoPersistedState(t *testing.T) {
	f := newMaintFixture(t)

	f.manager.Restore()

	assert.Empty(t, f.cal.Snapshot())
	assert.Empty(t, f.tr.Snapshot())
}

func TestStartIsIdempotent(t *testing.T) {
	f := newMaintFixture(t)

	require.NoError(t, f.manager.Start())
	require.NoError(t, f.manager.Start())
	f.manager.Stop()
}

func TestStopFlushes(t *testing.T) {
	f := newMaintFixture(t)
	require.NoError(t, f.manager.Start())

	f.st.RecordRun("m1", stats.Outcome{ExecutionError: true, CostUSD: 0.01, LatencyMs: 90})
	f.manager.Stop()

	loaded, err := f.driver.LoadModelStats()
	require.NoError(t, err)
	assert.Equal(t, 1, loaded["m1"].Failures)
}

func TestNilTrackersAreSkipped(t *testing.T) {
	chdirTemp(t)
	driver, err := persistence.NewFileDriver("runs")
	require.NoError(t, err)

	m := New(driver, nil, nil, nil, nil)
	m.Flush()
	m.Restore()
}
