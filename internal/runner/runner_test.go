package runner

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dispatch/internal/calibration"
	"dispatch/internal/derr"
	"dispatch/internal/judge"
	"dispatch/internal/provider"
	"dispatch/internal/registry"
	"dispatch/internal/router"
	"dispatch/internal/stats"
	"dispatch/internal/task"
	"dispatch/internal/trust"
	"dispatch/internal/variance"
)

type fixture struct {
	runner *Runner
	mock   *provider.MockProvider
	reg    *registry.Registry
	cal    *calibration.Store
	trust  *trust.Tracker
	stats  *stats.Tracker
	events []Event
}

func testModel(id string, quality, price float64) registry.Model {
	return registry.Model{
		ID:       id,
		Provider: "anthropic",
		InPer1K:  price,
		OutPer1K: price,
		Expertise: map[task.Type]float64{
			task.TypeCode:     quality,
			task.TypeWriting:  quality,
			task.TypeAnalysis: quality,
			task.TypeGeneral:  quality,
		},
		Reliability: 0.9,
		Status:      registry.StatusActive,
	}
}

func newFixture(t *testing.T, cfg router.Config, j judge.Judge) *fixture {
	t.Helper()
	reg := registry.New()
	require.NoError(t, reg.Upsert(testModel("cheap", 0.75, 0.0001)))
	require.NoError(t, reg.Upsert(testModel("strong", 0.95, 0.010)))

	mock := provider.NewMockProvider("anthropic")
	pool := provider.NewPool()
	pool.Register(mock)

	f := &fixture{
		mock:  mock,
		reg:   reg,
		cal:   calibration.NewStore(),
		trust: trust.NewTracker(),
		stats: stats.NewTracker(),
	}
	f.runner = New(reg, pool, cfg, j, f.cal, variance.NewTracker(), f.trust, f.stats)
	f.runner.SetEventSink(func(e Event) { f.events = append(f.events, e) })
	return f
}

func (f *fixture) eventKinds() []string {
	kinds := make([]string, len(f.events))
	for i, e := range f.events {
		kinds[i] = e.Kind
	}
	return kinds
}

func codeCard() task.Card {
	return task.Card{ID: "t1", Type: task.TypeCode, Difficulty: task.DifficultyMedium}
}

func escalationConfig() router.Config {
	cfg := router.DefaultConfig()
	cfg.EvaluationSampleRate = 1
	cfg.Escalation.Policy = router.EscalationPromoteOnLowScore
	cfg.Escalation.EscalationModelOrderByTaskType = map[task.Type][]string{
		task.TypeCode: {"cheap", "strong"},
	}
	return cfg
}

func TestRunHappyPath(t *testing.T) {
	cfg := router.DefaultConfig()
	cfg.EvaluationSampleRate = 0
	f := newFixture(t, cfg, nil)
	f.mock.AddResponse("func main() {}", 200, 100)

	res, err := f.runner.Run(context.Background(), Request{Card: codeCard(), Prompt: "write main"})
	require.NoError(t, err)
	assert.Equal(t, StatusOK, res.Status)
	assert.Equal(t, "cheap", res.ModelID)
	assert.Equal(t, AttemptInitial, res.ChosenAttempt)
	assert.Equal(t, "func main() {}", res.Output)
	require.Len(t, res.Attempts, 1)
	assert.True(t, res.Attempts[0].Validation.OK)

	// Cost comes from reported usage, not the routing estimate.
	m, _ := f.reg.Get("cheap")
	assert.InDelta(t, m.ExpectedCostUSD(200, 100), res.TotalCostUSD, 1e-9)

	assert.Equal(t, []string{"route", "attempt", "final"}, f.eventKinds())

	s, ok := f.stats.Get("cheap")
	require.True(t, ok)
	assert.Equal(t, 1, s.Runs)
	assert.Equal(t, 0, s.Failures)
}

func TestRunRetriesOnceOnFallback(t *testing.T) {
	cfg := router.DefaultConfig()
	cfg.EvaluationSampleRate = 0
	f := newFixture(t, cfg, nil)
	f.mock.AddResponse("", 50, 0) // empty output fails validation
	f.mock.AddResponse("func fixed() {}", 200, 100)

	res, err := f.runner.Run(context.Background(), Request{Card: codeCard(), Prompt: "write it"})
	require.NoError(t, err)
	assert.Equal(t, StatusOK, res.Status)
	require.Len(t, res.Attempts, 2)
	assert.Equal(t, AttemptInitial, res.Attempts[0].Kind)
	assert.Equal(t, AttemptRetry, res.Attempts[1].Kind)
	assert.Equal(t, "strong", res.ModelID)
	assert.Equal(t, "func fixed() {}", res.Output)

	// The retry prompt is marked so the model sees a second attempt.
	calls := f.mock.Calls()
	require.Len(t, calls, 2)
	assert.NotContains(t, calls[0].Prompt, "\nRETRY")
	assert.Contains(t, calls[1].Prompt, "\nRETRY")
}

func TestRunFailsAfterRetry(t *testing.T) {
	cfg := router.DefaultConfig()
	cfg.EvaluationSampleRate = 0
	f := newFixture(t, cfg, nil)
	f.mock.AddResponse("", 50, 0)
	f.mock.AddResponse("", 50, 0)

	res, err := f.runner.Run(context.Background(), Request{Card: codeCard(), Prompt: "write it"})
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, "empty output", res.Error)
	assert.Len(t, res.Attempts, 2)

	s, ok := f.stats.Get("cheap")
	require.True(t, ok)
	assert.Equal(t, 1, s.Failures)
}

func TestRunNoQualifiedModels(t *testing.T) {
	cfg := router.DefaultConfig()
	cfg.OnBudgetFail = router.OnBudgetFailFail
	cfg.Thresholds[task.DifficultyMedium] = 0.99
	f := newFixture(t, cfg, nil)

	res, err := f.runner.Run(context.Background(), Request{Card: codeCard(), Prompt: "write it"})
	require.Error(t, err)
	assert.Equal(t, derr.CodeNoQualifiedModels, derr.CodeOf(err))
	assert.Equal(t, StatusNoQualifiedModel, res.Status)
	assert.Empty(t, res.Attempts)
}

func TestRunEscalatesOnLowScore(t *testing.T) {
	j := &judge.StaticJudge{Evals: []judge.Evaluation{
		{Status: "ok", Overall: 0.50},
		{Status: "ok", Overall: 0.90},
	}}
	f := newFixture(t, escalationConfig(), j)
	f.mock.AddResponse("func weak() {}", 200, 100)
	f.mock.AddResponse("func solid() {}", 200, 100)

	res, err := f.runner.Run(context.Background(), Request{Card: codeCard(), Prompt: "write it"})
	require.NoError(t, err)
	assert.Equal(t, StatusOK, res.Status)
	assert.True(t, res.EscalationUsed)
	assert.Equal(t, AttemptEscalation, res.ChosenAttempt)
	assert.Equal(t, "strong", res.ModelID)
	assert.Equal(t, "func solid() {}", res.Output)
	require.Len(t, res.Attempts, 2)
	assert.Equal(t, AttemptEscalation, res.Attempts[1].Kind)
	require.NotNil(t, res.Evaluation)
	assert.Equal(t, 0.90, res.Evaluation.Overall)
	assert.Contains(t, f.eventKinds(), "escalation")

	// Both evaluated attempts fed calibration.
	rec, ok := f.cal.Get("strong", task.TypeCode)
	require.True(t, ok)
	assert.Equal(t, 1, rec.N)
}

func TestRunEscalationTieKeepsCheaperAttempt(t *testing.T) {
	j := &judge.StaticJudge{Evals: []judge.Evaluation{
		{Status: "ok", Overall: 0.50},
		{Status: "ok", Overall: 0.50},
	}}
	f := newFixture(t, escalationConfig(), j)
	f.mock.AddResponse("func weak() {}", 200, 100)
	f.mock.AddResponse("func other() {}", 200, 100)

	res, err := f.runner.Run(context.Background(), Request{Card: codeCard(), Prompt: "write it"})
	require.NoError(t, err)
	// Equal scores: the promoted attempt costs more, so the initial wins.
	assert.True(t, res.EscalationUsed)
	assert.Equal(t, AttemptInitial, res.ChosenAttempt)
	assert.Equal(t, "cheap", res.ModelID)
}

func TestRunEscalationSkippedOverTaskBudget(t *testing.T) {
	j := &judge.StaticJudge{Evals: []judge.Evaluation{{Status: "ok", Overall: 0.50}}}
	f := newFixture(t, escalationConfig(), j)
	f.mock.AddResponse("func weak() {}", 200, 100)

	// Budget covers the cheap attempt but not the 0.04 promotion estimate.
	maxCost := 0.01
	card := codeCard()
	card.Constraints.MaxCostUSD = &maxCost

	res, err := f.runner.Run(context.Background(), Request{Card: card, Prompt: "write it"})
	require.NoError(t, err)
	assert.False(t, res.EscalationUsed)
	assert.Equal(t, AttemptInitial, res.ChosenAttempt)
	assert.Len(t, res.Attempts, 1)
	assert.Contains(t, f.eventKinds(), "escalation_skipped")
}

func TestRunEscalationSkippedOverMaxExtraCost(t *testing.T) {
	cfg := escalationConfig()
	cfg.Escalation.MaxExtraCostUSD = 0.02 // promotion estimate is 0.04
	j := &judge.StaticJudge{Evals: []judge.Evaluation{{Status: "ok", Overall: 0.50}}}
	f := newFixture(t, cfg, j)
	f.mock.AddResponse("func weak() {}", 200, 100)

	res, err := f.runner.Run(context.Background(), Request{Card: codeCard(), Prompt: "write it"})
	require.NoError(t, err)
	assert.False(t, res.EscalationUsed)
	assert.Len(t, res.Attempts, 1)
	assert.Contains(t, f.eventKinds(), "escalation_skipped")
}

func TestRunSkipsEscalationAboveTarget(t *testing.T) {
	j := &judge.StaticJudge{Evals: []judge.Evaluation{{Status: "ok", Overall: 0.80}}}
	f := newFixture(t, escalationConfig(), j)
	f.mock.AddResponse("func fine() {}", 200, 100)

	res, err := f.runner.Run(context.Background(), Request{Card: codeCard(), Prompt: "write it"})
	require.NoError(t, err)
	// 0.80 meets the 0.75 medium target; no promotion.
	assert.False(t, res.EscalationUsed)
	assert.Len(t, res.Attempts, 1)
}

func TestEvaluationSampling(t *testing.T) {
	cfg := router.DefaultConfig() // sample rate 0.25
	j := &judge.StaticJudge{}
	f := newFixture(t, cfg, j)
	f.mock.AddResponse("func a() {}", 100, 50)
	f.mock.AddResponse("func b() {}", 100, 50)

	f.runner.SetRand(func() float64 { return 0.9 })
	res, err := f.runner.Run(context.Background(), Request{Card: codeCard(), Prompt: "write it"})
	require.NoError(t, err)
	assert.Nil(t, res.Attempts[0].Evaluation)

	f.runner.SetRand(func() float64 { return 0.1 })
	res, err = f.runner.Run(context.Background(), Request{Card: codeCard(), Prompt: "write it"})
	require.NoError(t, err)
	require.NotNil(t, res.Attempts[0].Evaluation)
	assert.Equal(t, "ok", res.Attempts[0].Evaluation.Status)
}

func TestRequireEvalForDecisionForcesJudge(t *testing.T) {
	cfg := escalationConfig()
	cfg.EvaluationSampleRate = 0
	cfg.Escalation.RequireEvalForDecision = true
	j := &judge.StaticJudge{Evals: []judge.Evaluation{
		{Status: "ok", Overall: 0.40},
		{Status: "ok", Overall: 0.90},
	}}
	f := newFixture(t, cfg, j)
	f.mock.AddResponse("func weak() {}", 200, 100)
	f.mock.AddResponse("func solid() {}", 200, 100)

	res, err := f.runner.Run(context.Background(), Request{Card: codeCard(), Prompt: "write it"})
	require.NoError(t, err)
	// Sampling is off, yet the promotion decision gets its eval and acts.
	require.NotNil(t, res.Evaluation)
	assert.True(t, res.EscalationUsed)
	assert.Equal(t, AttemptEscalation, res.ChosenAttempt)
	assert.Equal(t, "strong", res.ModelID)
	require.Len(t, res.Attempts, 2)
	assert.Equal(t, 0.90, res.Evaluation.Overall)
}

func TestRequireEvalIdleWithoutPromotionPolicy(t *testing.T) {
	cfg := router.DefaultConfig()
	cfg.EvaluationSampleRate = 0
	cfg.Escalation.RequireEvalForDecision = true // no escalation policy set
	j := &judge.StaticJudge{}
	f := newFixture(t, cfg, j)
	f.mock.AddResponse("func fine() {}", 200, 100)

	res, err := f.runner.Run(context.Background(), Request{Card: codeCard(), Prompt: "write it"})
	require.NoError(t, err)
	assert.Nil(t, res.Evaluation)
}

func TestEscalateJudgeAlwaysEvaluatesUnsampledRuns(t *testing.T) {
	cfg := router.DefaultConfig()
	cfg.EvaluationSampleRate = 0
	cfg.Escalation.EscalateJudgeAlways = true
	j := &judge.StaticJudge{Evals: []judge.Evaluation{{Status: "ok", Overall: 0.90}}}
	f := newFixture(t, cfg, j)
	f.mock.AddResponse("func fine() {}", 200, 100)

	res, err := f.runner.Run(context.Background(), Request{Card: codeCard(), Prompt: "write it"})
	require.NoError(t, err)
	require.NotNil(t, res.Evaluation)
	assert.False(t, res.EscalationUsed)
	assert.Equal(t, 0.90, res.Evaluation.Overall)
}

func TestRunRecordsPerModelCounters(t *testing.T) {
	cfg := router.DefaultConfig()
	cfg.EvaluationSampleRate = 1
	j := &judge.StaticJudge{Evals: []judge.Evaluation{{Status: "ok", Overall: 0.9}}}
	f := newFixture(t, cfg, j)
	f.mock.AddErrorResponse(errors.New("upstream timeout"))
	f.mock.AddResponse("func fixed() {}", 200, 100)

	res, err := f.runner.Run(context.Background(), Request{Card: codeCard(), Prompt: "write it"})
	require.NoError(t, err)
	assert.Equal(t, StatusOK, res.Status)

	cheap, ok := f.stats.Get("cheap")
	require.True(t, ok)
	assert.Equal(t, 1, cheap.Runs)
	assert.Equal(t, 1, cheap.ExecutionErrors)
	assert.Equal(t, 0, cheap.ValidationFailures)
	assert.Equal(t, 1, cheap.Failures)
	assert.Equal(t, 0, cheap.Retries)
	assert.Equal(t, 0, cheap.QualityCount)

	strong, ok := f.stats.Get("strong")
	require.True(t, ok)
	assert.Equal(t, 1, strong.Retries)
	assert.Equal(t, 0, strong.Failures)
	assert.Equal(t, 1, strong.QualityCount)
	assert.InDelta(t, 0.9, strong.AvgQuality(), 1e-9)
}

func TestRunCountsValidationFailures(t *testing.T) {
	cfg := router.DefaultConfig()
	cfg.EvaluationSampleRate = 0
	f := newFixture(t, cfg, nil)
	f.mock.AddResponse("", 50, 0)
	f.mock.AddResponse("", 50, 0)

	_, err := f.runner.Run(context.Background(), Request{Card: codeCard(), Prompt: "write it"})
	require.NoError(t, err)

	cheap, _ := f.stats.Get("cheap")
	assert.Equal(t, 1, cheap.ValidationFailures)
	assert.Equal(t, 0, cheap.ExecutionErrors)
	strong, _ := f.stats.Get("strong")
	assert.Equal(t, 1, strong.ValidationFailures)
	assert.Equal(t, 1, strong.Retries)
}

func cheapFirstRunConfig() router.Config {
	cfg := router.DefaultConfig()
	cfg.EvaluationSampleRate = 0
	cfg.Escalation.Policy = router.EscalationPromoteOnLowScore
	cfg.Escalation.RoutingMode = router.RoutingModeEscalationAware
	cfg.Escalation.EscalationModelOrderByTaskType = map[task.Type][]string{
		task.TypeCode: {"cheap", "strong"},
	}
	return cfg
}

// seedConfidence gives a model enough calibration history to clear the
// cheap-first confidence gate.
func seedConfidence(f *fixture, modelID string, score float64) {
	for i := 0; i < 20; i++ {
		f.cal.Observe(modelID, task.TypeCode, score)
	}
}

func TestRunLogsCheapFirstSubstitution(t *testing.T) {
	f := newFixture(t, cheapFirstRunConfig(), nil)
	seedConfidence(f, "cheap", 0.75)
	f.mock.AddResponse("func lean() {}", 200, 100)

	// High difficulty: cheap misses the 0.80 bar, strong is the normal
	// choice, and cheap-first swaps the cheaper model back in.
	card := codeCard()
	card.Difficulty = task.DifficultyHigh

	res, err := f.runner.Run(context.Background(), Request{Card: card, Prompt: "write it"})
	require.NoError(t, err)
	assert.Equal(t, "cheap", res.ModelID)
	assert.True(t, res.Decision.Meta.CheapFirstUsed)
	assert.Equal(t, []string{"route", "cheap_first", "attempt", "final"}, f.eventKinds())
}

func TestRunQuietCheapFirstOnSuccessWhenConfigured(t *testing.T) {
	cfg := cheapFirstRunConfig()
	cfg.Escalation.LogPrimaryBlockerOnlyWhenFailed = true
	f := newFixture(t, cfg, nil)
	seedConfidence(f, "cheap", 0.75)
	f.mock.AddResponse("func lean() {}", 200, 100)

	card := codeCard()
	card.Difficulty = task.DifficultyHigh

	res, err := f.runner.Run(context.Background(), Request{Card: card, Prompt: "write it"})
	require.NoError(t, err)
	assert.True(t, res.Decision.Meta.CheapFirstUsed)
	assert.NotContains(t, f.eventKinds(), "cheap_first")
}

func TestRunLogsCheapFirstBlocker(t *testing.T) {
	cfg := cheapFirstRunConfig()
	cfg.Escalation.LogPrimaryBlockerOnlyWhenFailed = true
	f := newFixture(t, cfg, nil)
	f.mock.AddResponse("func plain() {}", 200, 100)

	// Medium difficulty: cheap qualifies and is already the cheapest, so no
	// candidate clears the savings gate.
	res, err := f.runner.Run(context.Background(), Request{Card: codeCard(), Prompt: "write it"})
	require.NoError(t, err)
	assert.False(t, res.Decision.Meta.CheapFirstUsed)
	require.Contains(t, f.eventKinds(), "cheap_first_blocked")
	for _, e := range f.events {
		if e.Kind == "cheap_first_blocked" {
			assert.Equal(t, router.GateSavings, e.Detail)
			assert.Equal(t, "cheap", e.ModelID)
		}
	}
}

func TestRunFeedsTrustAndVariance(t *testing.T) {
	cfg := router.DefaultConfig()
	cfg.EvaluationSampleRate = 1
	j := &judge.StaticJudge{Evals: []judge.Evaluation{{Status: "ok", Overall: 0.9}}}
	f := newFixture(t, cfg, j)
	f.mock.AddResponse("func good() {}", 200, 100)

	before := f.trust.Worker("cheap")
	_, err := f.runner.Run(context.Background(), Request{Card: codeCard(), Prompt: "write it"})
	require.NoError(t, err)

	// Actual 0.9 against the 0.75 prior is an under-promise reward.
	assert.Greater(t, f.trust.Worker("cheap"), before)

	rec, ok := f.cal.Get("cheap", task.TypeCode)
	require.True(t, ok)
	assert.Equal(t, 1, rec.N)
	assert.Equal(t, 0.9, rec.EwmaQuality)
}
