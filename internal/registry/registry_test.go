package registry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dispatch/internal/derr"
	"dispatch/internal/task"
)

func TestUpsertValidation(t *testing.T) {
	r := New()

	err := r.Upsert(Model{Provider: "anthropic"})
	assert.Equal(t, derr.CodeValidation, derr.CodeOf(err))

	err = r.Upsert(Model{ID: "m1", InPer1K: -0.001})
	assert.Equal(t, derr.CodeValidation, derr.CodeOf(err))

	err = r.Upsert(Model{ID: "m1", Expertise: map[task.Type]float64{task.TypeCode: 1.2}})
	assert.Equal(t, derr.CodeValidation, derr.CodeOf(err))

	err = r.Upsert(Model{ID: "m1", Reliability: 0.95})
	require.NoError(t, err)

	m, ok := r.Get("m1")
	require.True(t, ok)
	// Status defaults to active when the seed omits it.
	assert.Equal(t, StatusActive, m.Status)
}

func TestEligible(t *testing.T) {
	active := Model{ID: "m1", Status: StatusActive}
	assert.True(t, active.Eligible())

	probation := Model{ID: "m2", Status: StatusProbation}
	assert.True(t, probation.Eligible())

	disabled := Model{ID: "m3", Status: StatusDisabled}
	assert.False(t, disabled.Eligible())

	killed := Model{ID: "m4", Status: StatusActive, Governance: &Governance{KillSwitch: true}}
	assert.False(t, killed.Eligible())
}

func TestExpectedCostUSD(t *testing.T) {
	m := Model{ID: "m1", InPer1K: 0.003, OutPer1K: 0.015}
	assert.InDelta(t, 0.003*2+0.015*1, m.ExpectedCostUSD(2000, 1000), 1e-9)
	assert.Equal(t, 0.0, m.ExpectedCostUSD(0, 0))
}

func TestSetStatus(t *testing.T) {
	r := New()
	require.NoError(t, r.Upsert(Model{ID: "m1"}))

	require.NoError(t, r.SetStatus("m1", StatusDeprecated))
	m, _ := r.Get("m1")
	assert.Equal(t, StatusDeprecated, m.Status)

	err := r.SetStatus("ghost", StatusDisabled)
	assert.Equal(t, derr.CodeNotFound, derr.CodeOf(err))
}

func TestVersionBumpsAndSubscribersFire(t *testing.T) {
	r := New()
	notified := 0
	r.Subscribe(func() { notified++ })

	v0 := r.Version()
	require.NoError(t, r.Upsert(Model{ID: "m1"}))
	require.NoError(t, r.SetStatus("m1", StatusProbation))

	assert.Equal(t, v0+2, r.Version())
	assert.Equal(t, 2, notified)
}

func TestModelsSortedByID(t *testing.T) {
	r := New()
	require.NoError(t, r.Upsert(Model{ID: "zeta"}))
	require.NoError(t, r.Upsert(Model{ID: "alpha"}))
	require.NoError(t, r.Upsert(Model{ID: "mid"}))

	assert.Equal(t, []string{"alpha", "mid", "zeta"}, r.IDs())
}

func TestPriors(t *testing.T) {
	r := New()
	r.SetPrior("m1", task.TypeCode, task.DifficultyMedium, Prior{QualityPrior: 0.82, SampleCount: 12})

	p, ok := r.QualityPrior("m1", task.TypeCode, task.DifficultyMedium)
	require.True(t, ok)
	assert.Equal(t, 0.82, p.QualityPrior)
	assert.False(t, p.LastUpdated.IsZero())

	_, ok = r.QualityPrior("m1", task.TypeCode, task.DifficultyHigh)
	assert.False(t, ok)
}

func TestLoadSeed(t *testing.T) {
	seed := `models:
  - id: cheap-model
    provider: anthropic
    in_per_1k: 0.0008
    out_per_1k: 0.004
    expertise:
      code: 0.72
      writing: 0.78
    reliability: 0.95
  - id: big-model
    provider: openai
    in_per_1k: 0.0025
    out_per_1k: 0.01
    expertise:
      code: 0.9
    reliability: 0.97
    status: probation
`
	path := filepath.Join(t.TempDir(), "models.yaml")
	require.NoError(t, os.WriteFile(path, []byte(seed), 0o644))

	r, err := LoadSeed(path)
	require.NoError(t, err)
	require.Len(t, r.Models(), 2)

	cheap, ok := r.Get("cheap-model")
	require.True(t, ok)
	assert.Equal(t, StatusActive, cheap.Status)
	assert.Equal(t, 0.72, cheap.ExpertiseFor(task.TypeCode))
	assert.Equal(t, 0.0, cheap.ExpertiseFor(task.TypeAnalysis))

	big, ok := r.Get("big-model")
	require.True(t, ok)
	assert.Equal(t, StatusProbation, big.Status)
}

func TestLoadSeedMissingFile(t *testing.T) {
	_, err := LoadSeed(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
