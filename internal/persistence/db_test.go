package persistence

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dispatch/internal/calibration"
	"dispatch/internal/derr"
	"dispatch/internal/ledger"
	"dispatch/internal/runner"
)

func newDBDriver(t *testing.T) *DBDriver {
	t.Helper()
	d, err := NewDBDriver(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

func TestDBSnapshotRoundTrip(t *testing.T) {
	d := newDBDriver(t)

	snap := map[string]calibration.Record{
		"m1|code|medium": {N: 12, EwmaQuality: 0.82, EwmaAbsDev: 0.05},
	}
	require.NoError(t, d.SaveCalibration(snap))

	got, err := d.LoadCalibration()
	require.NoError(t, err)
	assert.Equal(t, snap, got)

	// Snapshot keys are upserts; a second save replaces the first.
	snap["m1|code|medium"] = calibration.Record{N: 13, EwmaQuality: 0.9}
	require.NoError(t, d.SaveCalibration(snap))
	got, err = d.LoadCalibration()
	require.NoError(t, err)
	assert.Equal(t, 13, got["m1|code|medium"].N)
}

func TestDBMissingSnapshotIsEmpty(t *testing.T) {
	d := newDBDriver(t)

	got, err := d.LoadTrust()
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestDBAppendLogs(t *testing.T) {
	d := newDBDriver(t)

	require.NoError(t, d.AppendRun(runner.Result{TaskID: "t1", Status: "ok"}))
	require.NoError(t, d.AppendGovernance(GovernanceEvent{
		Action:  "model_status_set",
		ModelID: "m1",
		TS:      "2026-08-24T00:00:00Z",
	}))
}

func TestDBProjectRunUpsert(t *testing.T) {
	d := newDBDriver(t)

	require.NoError(t, d.SaveProjectRun("rs-1", map[string]any{"status": "running"}))
	require.NoError(t, d.SaveProjectRun("rs-1", map[string]any{"status": "completed"}))

	raw, err := d.LoadProjectRun("rs-1")
	require.NoError(t, err)
	var got map[string]any
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, "completed", got["status"])

	_, err = d.LoadProjectRun("never-ran")
	assert.Equal(t, derr.CodeNotFound, derr.CodeOf(err))
}

func TestDBLedgersExcludeProjectRuns(t *testing.T) {
	d := newDBDriver(t)

	// A plain project run must not leak into the ledger window.
	require.NoError(t, d.SaveProjectRun("rs-1", map[string]any{"status": "completed"}))
	require.NoError(t, d.SaveLedger(ledger.Entry{RunSessionID: "rs-1", Escalations: 2}))
	require.NoError(t, d.SaveLedger(ledger.Entry{RunSessionID: "rs-2"}))

	entries, err := d.LoadLedgers()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	ids := []string{entries[0].RunSessionID, entries[1].RunSessionID}
	assert.ElementsMatch(t, []string{"rs-1", "rs-2"}, ids)
	for _, e := range entries {
		if e.RunSessionID == "rs-1" {
			assert.Equal(t, 2, e.Escalations)
		}
	}
}
