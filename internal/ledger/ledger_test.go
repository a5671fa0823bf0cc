package ledger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordStampsUnstampedDecisions(t *testing.T) {
	l := New("run-1")
	l.Record(Decision{Type: DecisionRoute, PackageID: "p1"})

	fixed := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	l.Record(Decision{Type: DecisionRoute, PackageID: "p2", Timestamp: fixed})

	entry := l.Finalize()
	require.Len(t, entry.Decisions, 2)
	assert.False(t, entry.Decisions[0].Timestamp.IsZero())
	assert.Equal(t, fixed, entry.Decisions[1].Timestamp)
}

func TestRecordCountsBypassesAndEscalations(t *testing.T) {
	l := New("run-1")
	l.Record(Decision{Type: DecisionRoute, PackageID: "p1", PortfolioBypassed: true, BypassReason: BypassAllowedModelsOverBudget})
	l.Record(Decision{Type: DecisionRoute, PackageID: "p2", PortfolioBypassed: true, BypassReason: BypassAllowedModelsOverBudget})
	l.Record(Decision{Type: DecisionRoute, PackageID: "p3", PortfolioBypassed: true, BypassReason: BypassNoAllowedModels})
	l.Record(Decision{Type: DecisionEscalation, PackageID: "p1", EscalationUsed: true})

	entry := l.Finalize()
	assert.Equal(t, 2, entry.BypassCounts[BypassAllowedModelsOverBudget])
	assert.Equal(t, 1, entry.BypassCounts[BypassNoAllowedModels])
	assert.Equal(t, 1, entry.Escalations)
}

func TestRecordExecutionBuckets(t *testing.T) {
	l := New("run-1")
	l.RecordExecution(RoleExecution{Role: "Worker", PackageID: "p1", CostUSD: 0.01})
	l.RecordExecution(RoleExecution{Role: "QA", PackageID: "p1-qa", CostUSD: 0.02})
	l.RecordExecution(RoleExecution{Role: "Council", PackageID: "plan", CostUSD: 0.04})
	l.AddDeterministicQACost(0.001)

	entry := l.Finalize()
	assert.InDelta(t, 0.01, entry.Costs.WorkerUSD, 1e-9)
	assert.InDelta(t, 0.02, entry.Costs.QAUSD, 1e-9)
	assert.InDelta(t, 0.04, entry.Costs.CouncilUSD, 1e-9)
	assert.InDelta(t, 0.001, entry.Costs.DeterministicQAUSD, 1e-9)
	assert.InDelta(t, 0.071, entry.Costs.TotalUSD, 1e-9)
	assert.Len(t, entry.RoleExecutions, 3)
}

func TestCountOutcome(t *testing.T) {
	l := New("run-1")
	l.CountOutcome("ok")
	l.CountOutcome("ok")
	l.CountOutcome("skipped")
	l.CountOutcome("failed")

	entry := l.Finalize()
	assert.Equal(t, Counts{Total: 4, Completed: 2, Failed: 1, Skipped: 1}, entry.Counts)
}

func TestFinalizeReturnsCopies(t *testing.T) {
	l := New("run-1")
	l.Record(Decision{Type: DecisionRoute, PackageID: "p1"})
	entry := l.Finalize()

	l.Record(Decision{Type: DecisionRoute, PackageID: "p2"})
	assert.Len(t, entry.Decisions, 1)

	entry.BypassCounts["tampered"] = 99
	fresh := l.Finalize()
	assert.NotContains(t, fresh.BypassCounts, "tampered")
}
