package router

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dispatch/internal/registry"
	"dispatch/internal/task"
)

// model builds a candidate with symmetric pricing so a medium code card
// (2500 in / 1500 out) costs exactly 4*price.
func model(id string, quality, price float64) registry.Model {
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

func mediumCodeCard() task.Card {
	return task.Card{ID: "t1", Type: task.TypeCode, Difficulty: task.DifficultyMedium}
}

type calEntry struct {
	expertise  float64
	confidence float64
}

// stubCalibration returns calibrated expertise equal to the stored value;
// tests set it to the registry expertise so quality numbers stay exact.
type stubCalibration map[string]calEntry

func (s stubCalibration) Calibrated(modelID string, tt task.Type) (float64, float64, bool) {
	e, ok := s[modelID]
	if !ok {
		return 0, 0, false
	}
	return e.expertise, e.confidence, true
}

type stubVariance map[string]float64

func (s stubVariance) CostMultiplier(modelID string, tt task.Type) (float64, bool) {
	m, ok := s[modelID]
	return m, ok
}

func TestEstimateTokens(t *testing.T) {
	cfg := DefaultConfig()

	// No directive: per-task-type base scaled by difficulty.
	est := EstimateTokens(cfg, mediumCodeCard(), "")
	assert.Equal(t, TokenEstimate{Input: 2500, Output: 1500}, est)

	low := task.Card{Type: task.TypeCode, Difficulty: task.DifficultyLow}
	assert.Equal(t, TokenEstimate{Input: 1750, Output: 1050}, EstimateTokens(cfg, low, ""))

	// A long directive drives the estimate: input len/4, output 0.6x.
	directive := strings.Repeat("x", 4000)
	est = EstimateTokens(cfg, mediumCodeCard(), directive)
	assert.Equal(t, TokenEstimate{Input: 1000, Output: 600}, est)

	// Input clamps at 6000.
	est = EstimateTokens(cfg, mediumCodeCard(), strings.Repeat("x", 100000))
	assert.Equal(t, TokenEstimate{Input: 6000, Output: 3600}, est)

	// A short directive clamps to 200/120; the 320 total falls under the
	// trust floor so the base table wins.
	est = EstimateTokens(cfg, mediumCodeCard(), "short directive")
	assert.Equal(t, TokenEstimate{Input: 2500, Output: 1500}, est)

	// High difficulty scales the directive path too.
	high := task.Card{Type: task.TypeCode, Difficulty: task.DifficultyHigh}
	est = EstimateTokens(cfg, high, directive)
	assert.Equal(t, TokenEstimate{Input: 1500, Output: 900}, est)
}

func TestRouteLowestCostQualified(t *testing.T) {
	cfg := DefaultConfig()
	models := []registry.Model{
		model("mid", 0.80, 0.003),
		model("cheap", 0.75, 0.001),
		model("flagship", 0.95, 0.010),
	}

	d := Route(mediumCodeCard(), models, cfg, Options{})
	assert.Equal(t, StatusOK, d.Status)
	assert.Equal(t, "cheap", d.ChosenModelID)
	assert.Equal(t, RankedByLowestCost, d.Meta.RankedBy)
	assert.Equal(t, []string{"mid", "flagship"}, d.FallbackModelIDs)
	require.NotNil(t, d.ExpectedCostUSD)
	assert.InDelta(t, 0.004, *d.ExpectedCostUSD, 1e-9)

	// Same inputs, same cost: routing is deterministic.
	again := Route(mediumCodeCard(), models, cfg, Options{})
	assert.Equal(t, d.ChosenModelID, again.ChosenModelID)
	assert.Equal(t, *d.ExpectedCostUSD, *again.ExpectedCostUSD)
}

func TestRouteCheapestViableAsserted(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SelectionPolicy = PolicyBestValue
	models := []registry.Model{
		model("cheap", 0.75, 0.001),
		model("flagship", 0.95, 0.010),
	}

	d := Route(mediumCodeCard(), models, cfg, Options{Routing: RoutingOptions{CheapestViableChosen: true}})
	assert.Equal(t, "cheap", d.ChosenModelID)
	assert.Equal(t, RankedByCheapestViable, d.Meta.RankedBy)
	assert.True(t, d.Meta.EnforceCheapestViable)
}

func TestRouteQualificationGateOrder(t *testing.T) {
	cfg := DefaultConfig()
	maxCost := 0.01
	card := mediumCodeCard()
	card.Constraints.MaxCostUSD = &maxCost

	disabled := model("disabled", 0.9, 0.001)
	disabled.Status = registry.StatusDisabled
	// Disabled also not on the allowed list: the eligibility gate wins.
	models := []registry.Model{
		disabled,
		model("outsider", 0.9, 0.001),
		model("weak", 0.50, 0.001),
		model("pricey", 0.9, 0.010), // 0.04 > 0.01 budget
		model("good", 0.85, 0.002),
	}

	opts := Options{Portfolio: PortfolioOptions{AllowedModelIDs: []string{"disabled", "weak", "pricey", "good"}}}
	d := Route(card, models, cfg, opts)
	assert.Equal(t, "good", d.ChosenModelID)

	// Every model appears in the audit exactly once, in input order, with
	// passed and a disqualification reason mutually exclusive.
	require.Len(t, d.Audit.Candidates, 5)
	byID := map[string]CandidateAudit{}
	for _, row := range d.Audit.Candidates {
		_, seen := byID[row.ModelID]
		require.False(t, seen, "duplicate audit row for %s", row.ModelID)
		byID[row.ModelID] = row
		if row.Passed {
			assert.Empty(t, row.DisqualifiedReason)
		} else {
			assert.NotEmpty(t, row.DisqualifiedReason)
		}
	}
	assert.Equal(t, ReasonModelDisabled, byID["disabled"].DisqualifiedReason)
	assert.Equal(t, ReasonNotAllowedByPortfolio, byID["outsider"].DisqualifiedReason)
	assert.Equal(t, ReasonBelowQualityThreshold, byID["weak"].DisqualifiedReason)
	assert.Equal(t, ReasonOverBudget, byID["pricey"].DisqualifiedReason)
	assert.True(t, byID["good"].Passed)
	assert.InDelta(t, 0.70, d.Audit.Threshold, 1e-9)
}

func TestRouteBestValue(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SelectionPolicy = PolicyBestValue
	models := []registry.Model{
		model("cheap", 0.78, 0.001),    // benefit 0.08, cost 0.004
		model("flagship", 0.95, 0.010), // benefit 0.25, cost 0.040
	}
	cal := stubCalibration{
		"cheap":    {expertise: 0.78, confidence: 0.8},
		"flagship": {expertise: 0.95, confidence: 0.8},
	}

	d := Route(mediumCodeCard(), models, cfg, Options{Calibration: cal})
	// 0.08*0.8/0.0041 = 15.6 vs 0.25*0.8/0.0401 = 5.0.
	assert.Equal(t, "cheap", d.ChosenModelID)
	assert.Equal(t, RankedByBestValue, d.Meta.RankedBy)

	row := d.Audit.Candidates[0]
	require.NotNil(t, row.ValueScore)
	assert.InDelta(t, 0.08, row.ValueScore.Benefit, 1e-9)
	assert.InDelta(t, 0.8, row.ValueScore.EffectiveConfidence, 1e-9)
	assert.InDelta(t, 0.08*0.8/(0.004+costEpsilon), row.ValueScore.ValueScore, 1e-9)
}

func TestRouteBestValueConfidenceFloor(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SelectionPolicy = PolicyBestValue
	models := []registry.Model{model("solo", 0.85, 0.002)}

	// No calibration: confidence 0 sits under the 0.3 use-threshold and
	// falls back to the 0.15 floor.
	d := Route(mediumCodeCard(), models, cfg, Options{})
	require.NotNil(t, d.Audit.Candidates[0].ValueScore)
	assert.InDelta(t, 0.15, d.Audit.Candidates[0].ValueScore.EffectiveConfidence, 1e-9)
}

func TestRouteNearThresholdFallback(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SelectionPolicy = PolicyBestValue
	cfg.NoQualifiedPolicy = NoQualifiedBestValueNearThreshold

	minQuality := 0.80
	card := mediumCodeCard()
	card.Constraints.MinQuality = &minQuality

	// Both miss the raised 0.80 bar but sit inside the 0.06 medium delta.
	models := []registry.Model{
		model("near", 0.79, 0.00025),  // cost 0.001
		model("strong", 0.76, 0.0025), // cost 0.010
	}
	cal := stubCalibration{
		"near":   {expertise: 0.79, confidence: 0.6},
		"strong": {expertise: 0.76, confidence: 0.5},
	}

	d := Route(card, models, cfg, Options{Calibration: cal})
	assert.Equal(t, StatusOK, d.Status)
	// Against the 0.74 effective threshold: 0.05*0.6/0.0011 = 27 beats
	// 0.02*0.5/0.0101 = 0.99.
	assert.Equal(t, "near", d.ChosenModelID)
	assert.Equal(t, RankedByBestValueNearThreshold, d.Meta.RankedBy)
	assert.True(t, d.Meta.BestEffort)
}

func TestRouteBudgetFallbacks(t *testing.T) {
	maxCost := 0.01
	card := mediumCodeCard()
	card.Constraints.MaxCostUSD = &maxCost

	// Nobody reaches the 0.70 threshold.
	models := []registry.Model{
		model("weak-cheap", 0.60, 0.001),  // cost 0.004, fits
		model("weak-mid", 0.65, 0.002),    // cost 0.008, fits
		model("weak-pricey", 0.69, 0.010), // cost 0.040, over budget
	}

	cfg := DefaultConfig()
	cfg.OnBudgetFail = OnBudgetFailBestEffort
	d := Route(card, models, cfg, Options{})
	assert.Equal(t, StatusOK, d.Status)
	// Highest expertise among the models that fit the budget.
	assert.Equal(t, "weak-mid", d.ChosenModelID)
	assert.Equal(t, RankedByBestEffort, d.Meta.RankedBy)
	assert.True(t, d.Meta.BestEffort)

	cfg.OnBudgetFail = OnBudgetFailFail
	d = Route(card, models, cfg, Options{})
	assert.Equal(t, StatusNoQualifiedModels, d.Status)
	assert.Empty(t, d.ChosenModelID)

	// Nothing fits the budget at all.
	tiny := 0.0001
	card.Constraints.MaxCostUSD = &tiny
	cfg.OnBudgetFail = OnBudgetFailBestEffort
	d = Route(card, models, cfg, Options{})
	assert.Equal(t, StatusNoQualifiedModels, d.Status)
}

func TestRouteNoEligibleModels(t *testing.T) {
	disabled := model("off", 0.9, 0.001)
	disabled.Status = registry.StatusDisabled

	d := Route(mediumCodeCard(), []registry.Model{disabled}, DefaultConfig(), Options{})
	assert.Equal(t, StatusNoQualifiedModels, d.Status)
}

func TestRoutePreferBonusBreaksTies(t *testing.T) {
	cfg := DefaultConfig()
	// Identical cost, quality, and reliability: without a bonus the id
	// tie-break favors "aaa".
	models := []registry.Model{
		model("aaa", 0.80, 0.002),
		model("zzz", 0.80, 0.002),
	}

	d := Route(mediumCodeCard(), models, cfg, Options{})
	assert.Equal(t, "aaa", d.ChosenModelID)

	opts := Options{Portfolio: PortfolioOptions{PreferModelIDs: []string{"zzz"}}}
	d = Route(mediumCodeCard(), models, cfg, opts)
	assert.Equal(t, "zzz", d.ChosenModelID)
}

func TestRouteVarianceInflatesCost(t *testing.T) {
	cfg := DefaultConfig()
	models := []registry.Model{
		model("drifty", 0.85, 0.002),  // nominal 0.008, 3x observed drift
		model("steady", 0.80, 0.003), // 0.012
	}

	d := Route(mediumCodeCard(), models, cfg, Options{Variance: stubVariance{"drifty": 3.0}})
	assert.Equal(t, "steady", d.ChosenModelID)
}

func cheapFirstConfig() Config {
	cfg := DefaultConfig()
	cfg.Escalation.Policy = EscalationPromoteOnLowScore
	cfg.Escalation.RoutingMode = RoutingModeEscalationAware
	cfg.Escalation.EscalationModelOrderByTaskType = map[task.Type][]string{
		task.TypeCode: {"econ", "flagship"},
	}
	return cfg
}

func cheapFirstModels() []registry.Model {
	return []registry.Model{
		model("econ", 0.66, 0.0001),   // cost 0.0004, gap 0.04
		model("flagship", 0.90, 0.010), // cost 0.040
	}
}

func TestCheapFirstSubstitution(t *testing.T) {
	cfg := cheapFirstConfig()
	cal := stubCalibration{
		"econ":     {expertise: 0.66, confidence: 0.7},
		"flagship": {expertise: 0.90, confidence: 0.7},
	}

	d := Route(mediumCodeCard(), cheapFirstModels(), cfg, Options{Calibration: cal})
	assert.Equal(t, "econ", d.ChosenModelID)
	assert.True(t, d.Meta.CheapFirstUsed)
	// The normal choice leads the fallback chain for promotion.
	require.NotEmpty(t, d.FallbackModelIDs)
	assert.Equal(t, "flagship", d.FallbackModelIDs[0])

	audit := d.Audit.EscalationAware
	require.NotNil(t, audit)
	assert.Equal(t, "flagship", audit.NormalChoice)
	assert.Equal(t, "econ", audit.CheapFirstChoice)
	assert.InDelta(t, 0.04-0.0004, audit.SavingsUSD, 1e-9)
	assert.Equal(t, []string{GateSavings, GateConfidence, GateGap, GatePromotionTarget, GateBudget}, audit.GateProgress)
	assert.Empty(t, audit.PrimaryBlocker)

	require.NotNil(t, d.ExpectedCostUSD)
	assert.InDelta(t, 0.0004, *d.ExpectedCostUSD, 1e-9)
}

func TestCheapFirstConfidenceBlocker(t *testing.T) {
	cfg := cheapFirstConfig()

	// No calibration data: the confidence gate empties the pool first.
	d := Route(mediumCodeCard(), cheapFirstModels(), cfg, Options{})
	assert.Equal(t, "flagship", d.ChosenModelID)
	assert.False(t, d.Meta.CheapFirstUsed)

	audit := d.Audit.EscalationAware
	require.NotNil(t, audit)
	assert.Equal(t, GateConfidence, audit.PrimaryBlocker)
	assert.Equal(t, []string{GateSavings}, audit.GateProgress)
}

func TestCheapFirstPremiumLane(t *testing.T) {
	cfg := cheapFirstConfig()
	cfg.PremiumTaskTypes = []task.Type{task.TypeCode}
	cal := stubCalibration{"econ": {expertise: 0.66, confidence: 0.7}}

	d := Route(mediumCodeCard(), cheapFirstModels(), cfg, Options{Calibration: cal})
	assert.Equal(t, "flagship", d.ChosenModelID)
	require.NotNil(t, d.Audit.EscalationAware)
	assert.Equal(t, BlockerPremiumLane, d.Audit.EscalationAware.PrimaryBlocker)
}

func TestCheapFirstRequiresPromotionTarget(t *testing.T) {
	cfg := cheapFirstConfig()
	// econ is last in the escalation order: no stronger model to promote to.
	cfg.Escalation.EscalationModelOrderByTaskType[task.TypeCode] = []string{"flagship", "econ"}
	cal := stubCalibration{"econ": {expertise: 0.66, confidence: 0.7}}

	d := Route(mediumCodeCard(), cheapFirstModels(), cfg, Options{Calibration: cal})
	assert.Equal(t, "flagship", d.ChosenModelID)
	require.NotNil(t, d.Audit.EscalationAware)
	assert.Equal(t, GatePromotionTarget, d.Audit.EscalationAware.PrimaryBlocker)
}

func TestCheapFirstBudgetGate(t *testing.T) {
	cfg := cheapFirstConfig()
	cal := stubCalibration{"econ": {expertise: 0.66, confidence: 0.7}}

	// Budget covers the normal choice but not cheap attempt plus promotion
	// with 1.1x headroom: (0.0004+0.040)*1.1 > 0.0405.
	maxCost := 0.0405
	card := mediumCodeCard()
	card.Constraints.MaxCostUSD = &maxCost

	d := Route(card, cheapFirstModels(), cfg, Options{Calibration: cal})
	assert.Equal(t, "flagship", d.ChosenModelID)
	require.NotNil(t, d.Audit.EscalationAware)
	assert.Equal(t, GateBudget, d.Audit.EscalationAware.PrimaryBlocker)
}

func TestCheapFirstMaxExtraCostGate(t *testing.T) {
	cfg := cheapFirstConfig()
	cfg.Escalation.MaxExtraCostUSD = 0.02 // promotion to flagship costs 0.040
	cal := stubCalibration{"econ": {expertise: 0.66, confidence: 0.7}}

	d := Route(mediumCodeCard(), cheapFirstModels(), cfg, Options{Calibration: cal})
	assert.Equal(t, "flagship", d.ChosenModelID)
	require.NotNil(t, d.Audit.EscalationAware)
	assert.Equal(t, GateBudget, d.Audit.EscalationAware.PrimaryBlocker)
}

func TestEscalationTarget(t *testing.T) {
	esc := EscalationConfig{EscalationModelOrderByTaskType: map[task.Type][]string{
		task.TypeCode: {"a", "b", "c"},
	}}
	b := model("b", 0.8, 0.002)
	b.Status = registry.StatusDisabled
	models := []registry.Model{model("a", 0.7, 0.001), b, model("c", 0.9, 0.004)}

	// The next stronger eligible model skips disabled entries.
	got, ok := EscalationTarget("a", task.TypeCode, esc, models)
	require.True(t, ok)
	assert.Equal(t, "c", got.ID)

	_, ok = EscalationTarget("c", task.TypeCode, esc, models)
	assert.False(t, ok)

	_, ok = EscalationTarget("unknown", task.TypeCode, esc, models)
	assert.False(t, ok)

	_, ok = EscalationTarget("a", task.TypeWriting, esc, models)
	assert.False(t, ok)
}

func TestMinScoreTargetOverrides(t *testing.T) {
	esc := DefaultConfig().Escalation
	card := mediumCodeCard()
	assert.InDelta(t, 0.75, esc.MinScoreTarget(card), 1e-9)

	esc.MinScoreByTaskType = map[task.Type]map[task.Difficulty]float64{
		task.TypeCode: {task.DifficultyMedium: 0.85},
	}
	assert.InDelta(t, 0.85, esc.MinScoreTarget(card), 1e-9)
}
