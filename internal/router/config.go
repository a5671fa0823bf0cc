package router

import (
	"dispatch/internal/task"
)

// Selection policies.
const (
	PolicyLowestCostQualified = "lowest_cost_qualified"
	PolicyBestValue           = "best_value"
)

// No-qualified fallback policies.
const (
	NoQualifiedBestValueNearThreshold = "best_value_near_threshold"
)

// Budget-failure behaviors.
const (
	OnBudgetFailFail       = "fail"
	OnBudgetFailBestEffort = "best_effort_within_budget"
	OnBudgetFailIgnore     = "ignore_budget"
)

// Escalation policies and routing modes.
const (
	EscalationPromoteOnLowScore = "promote_on_low_score"
	RoutingModeEscalationAware  = "escalation_aware"
	EvaluationModeFocused       = "focused"
)

// TokenEstimate is an input/output token pair.
type TokenEstimate struct {
	Input  int `json:"input"`
	Output int `json:"output"`
}

// CheapFirstOverride tunes cheap-first gates for a single task type.
type CheapFirstOverride struct {
	MinConfidence *float64 `json:"min_confidence,omitempty"`
	SavingsMinPct *float64 `json:"savings_min_pct,omitempty"`
}

// EscalationConfig controls conditional escalation and the escalation-aware
// cheap-first routing mode.
type EscalationConfig struct {
	Policy                 string                                  `json:"policy,omitempty"`
	MaxPromotions          int                                     `json:"max_promotions"`
	PromotionMargin        float64                                 `json:"promotion_margin"`
	ScoreResolution        float64                                 `json:"score_resolution"`
	MinScoreByDifficulty   map[task.Difficulty]float64             `json:"min_score_by_difficulty"`
	MinScoreByTaskType     map[task.Type]map[task.Difficulty]float64 `json:"min_score_by_task_type,omitempty"`
	RequireEvalForDecision bool                                    `json:"require_eval_for_decision"`
	EscalateJudgeAlways    bool                                    `json:"escalate_judge_always"`

	RoutingMode                     string                                  `json:"routing_mode,omitempty"`
	CheapFirstMaxGapByDifficulty    map[task.Difficulty]float64             `json:"cheap_first_max_gap_by_difficulty"`
	CheapFirstMaxGapByTaskType      map[task.Type]map[task.Difficulty]float64 `json:"cheap_first_max_gap_by_task_type,omitempty"`
	CheapFirstMinConfidence         float64                                 `json:"cheap_first_min_confidence"`
	CheapFirstSavingsMinPct         float64                                 `json:"cheap_first_savings_min_pct"`
	CheapFirstSavingsMinUSD         float64                                 `json:"cheap_first_savings_min_usd,omitempty"`
	CheapFirstBudgetHeadroomFactor  float64                                 `json:"cheap_first_budget_headroom_factor"`
	CheapFirstOnlyWhenCanPromote    bool                                    `json:"cheap_first_only_when_can_promote"`
	CheapFirstOverridesByTaskType   map[task.Type]CheapFirstOverride        `json:"cheap_first_overrides_by_task_type,omitempty"`
	MaxExtraCostUSD                 float64                                 `json:"max_extra_cost_usd,omitempty"`
	EscalationModelOrderByTaskType  map[task.Type][]string                  `json:"escalation_model_order_by_task_type,omitempty"`
	EvaluationMode                  string                                  `json:"evaluation_mode,omitempty"`
	NormalEvalRate                  float64                                 `json:"normal_eval_rate,omitempty"`
	CheapFirstEvalRate              float64                                 `json:"cheap_first_eval_rate,omitempty"`
	LogPrimaryBlockerOnlyWhenFailed bool                                    `json:"log_primary_blocker_only_when_failed,omitempty"`
}

// Config is the fully enumerated router configuration. Every knob the
// routing policy consults lives here; the router itself performs no I/O.
type Config struct {
	Thresholds                          map[task.Difficulty]float64   `json:"thresholds"`
	BaseTokenEstimates                  map[task.Type]TokenEstimate   `json:"base_token_estimates"`
	DifficultyMultipliers               map[task.Difficulty]float64   `json:"difficulty_multipliers"`
	FallbackCount                       int                           `json:"fallback_count"`
	OnBudgetFail                        string                        `json:"on_budget_fail"`
	SelectionPolicy                     string                        `json:"selection_policy"`
	NoQualifiedPolicy                   string                        `json:"no_qualified_policy,omitempty"`
	NearThresholdDeltaByDifficulty      map[task.Difficulty]float64   `json:"near_threshold_delta_by_difficulty"`
	MinConfidenceToUseCalibration       float64                       `json:"min_confidence_to_use_calibration"`
	ConfidenceFloor                     float64                       `json:"confidence_floor"`
	MinBenefitByDifficulty              map[task.Difficulty]float64   `json:"min_benefit_by_difficulty"`
	MinBenefitNearThresholdByDifficulty map[task.Difficulty]float64   `json:"min_benefit_near_threshold_by_difficulty"`
	PremiumTaskTypes                    []task.Type                   `json:"premium_task_types,omitempty"`
	EvaluationSampleRate                float64                       `json:"evaluation_sample_rate"`
	Escalation                          EscalationConfig              `json:"escalation"`
}

// DefaultConfig returns the stock router configuration.
func DefaultConfig() Config {
	return Config{
		Thresholds: map[task.Difficulty]float64{
			task.DifficultyLow:    0.55,
			task.DifficultyMedium: 0.70,
			task.DifficultyHigh:   0.80,
		},
		BaseTokenEstimates: map[task.Type]TokenEstimate{
			task.TypeCode:     {Input: 2500, Output: 1500},
			task.TypeWriting:  {Input: 2000, Output: 1000},
			task.TypeAnalysis: {Input: 3000, Output: 2000},
			task.TypeGeneral:  {Input: 2000, Output: 1000},
		},
		DifficultyMultipliers: map[task.Difficulty]float64{
			task.DifficultyLow:    0.7,
			task.DifficultyMedium: 1.0,
			task.DifficultyHigh:   1.5,
		},
		FallbackCount:   2,
		OnBudgetFail:    OnBudgetFailBestEffort,
		SelectionPolicy: PolicyLowestCostQualified,
		NearThresholdDeltaByDifficulty: map[task.Difficulty]float64{
			task.DifficultyLow:    0.04,
			task.DifficultyMedium: 0.06,
			task.DifficultyHigh:   0.10,
		},
		MinConfidenceToUseCalibration: 0.3,
		ConfidenceFloor:               0.15,
		MinBenefitByDifficulty: map[task.Difficulty]float64{
			task.DifficultyLow:    0.01,
			task.DifficultyMedium: 0.02,
			task.DifficultyHigh:   0.03,
		},
		MinBenefitNearThresholdByDifficulty: map[task.Difficulty]float64{
			task.DifficultyLow:    0.005,
			task.DifficultyMedium: 0.01,
			task.DifficultyHigh:   0.02,
		},
		EvaluationSampleRate: 0.25,
		Escalation: EscalationConfig{
			MaxPromotions:   1,
			PromotionMargin: 0.02,
			ScoreResolution: 0.01,
			MinScoreByDifficulty: map[task.Difficulty]float64{
				task.DifficultyLow:    0.70,
				task.DifficultyMedium: 0.75,
				task.DifficultyHigh:   0.80,
			},
			CheapFirstMaxGapByDifficulty: map[task.Difficulty]float64{
				task.DifficultyLow:    0.06,
				task.DifficultyMedium: 0.08,
				task.DifficultyHigh:   0.10,
			},
			CheapFirstMinConfidence:        0.6,
			CheapFirstSavingsMinPct:        0.4,
			CheapFirstBudgetHeadroomFactor: 1.1,
			CheapFirstOnlyWhenCanPromote:   true,
			NormalEvalRate:                 0.25,
			CheapFirstEvalRate:             1.0,
		},
	}
}

// ThresholdFor returns the qualification threshold for a card, folding in
// the card's optional minQuality constraint.
func (c Config) ThresholdFor(card task.Card) float64 {
	threshold := c.Thresholds[card.Difficulty]
	if card.Constraints.MinQuality != nil && *card.Constraints.MinQuality > threshold {
		threshold = *card.Constraints.MinQuality
	}
	return threshold
}

// MinScoreTarget resolves the escalation score target for a card:
// per-task-type override first, then the difficulty default.
func (e EscalationConfig) MinScoreTarget(card task.Card) float64 {
	if byType, ok := e.MinScoreByTaskType[card.Type]; ok {
		if v, ok := byType[card.Difficulty]; ok {
			return v
		}
	}
	return e.MinScoreByDifficulty[card.Difficulty]
}

// CheapFirstMaxGap resolves the maximum qualification gap for cheap-first,
// honoring per-task-type overrides.
func (e EscalationConfig) CheapFirstMaxGap(card task.Card) float64 {
	if byType, ok := e.CheapFirstMaxGapByTaskType[card.Type]; ok {
		if v, ok := byType[card.Difficulty]; ok {
			return v
		}
	}
	return e.CheapFirstMaxGapByDifficulty[card.Difficulty]
}

// cheapFirstMinConfidence resolves the confidence gate with per-task-type
// overrides applied.
func (e EscalationConfig) cheapFirstMinConfidence(tt task.Type) float64 {
	if o, ok := e.CheapFirstOverridesByTaskType[tt]; ok && o.MinConfidence != nil {
		return *o.MinConfidence
	}
	return e.CheapFirstMinConfidence
}

// cheapFirstSavingsMinPct resolves the savings gate with per-task-type
// overrides applied.
func (e EscalationConfig) cheapFirstSavingsMinPct(tt task.Type) float64 {
	if o, ok := e.CheapFirstOverridesByTaskType[tt]; ok && o.SavingsMinPct != nil {
		return *o.SavingsMinPct
	}
	return e.CheapFirstSavingsMinPct
}
