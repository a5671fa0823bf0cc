package router

import (
	"dispatch/internal/registry"
	"dispatch/internal/task"
)

// Decision statuses.
const (
	StatusOK                = "ok"
	StatusNoQualifiedModels = "no_qualified_models"
)

// Disqualification reasons recorded in the audit.
const (
	ReasonModelDisabled         = "model_disabled"
	ReasonNotAllowedByPortfolio = "not_allowed_by_portfolio"
	ReasonBelowQualityThreshold = "below_quality_threshold"
	ReasonOverBudget            = "over_budget"
)

// RankedBy values recorded on a decision.
const (
	RankedByLowestCost             = "lowest_cost"
	RankedByBestValue              = "best_value"
	RankedByBestValueNearThreshold = "best_value_near_threshold"
	RankedByCheapestViable         = "cheapest_viable"
	RankedByScore                  = "score"
	RankedByExpertise              = "expertise"
	RankedByBestEffort             = "best_effort_within_budget"
)

// Cheap-first gate names, in evaluation order.
const (
	GateSavings         = "savings"
	GateConfidence      = "confidence"
	GateGap             = "gap"
	GatePromotionTarget = "promotion_target"
	GateBudget          = "budget"
	BlockerPremiumLane  = "premium_lane"
)

// ValueScoreEntry records the best-value scoring inputs for a candidate.
type ValueScoreEntry struct {
	Benefit             float64 `json:"benefit"`
	EffectiveConfidence float64 `json:"effective_confidence"`
	ValueScore          float64 `json:"value_score"`
}

// CandidateAudit is the per-candidate audit row. Every model in the input
// registry appears exactly once; passed and disqualified_reason are mutually
// exclusive.
type CandidateAudit struct {
	ModelID            string           `json:"model_id"`
	PredictedCostUSD   float64          `json:"predicted_cost_usd"`
	PredictedQuality   float64          `json:"predicted_quality"`
	Passed             bool             `json:"passed"`
	DisqualifiedReason string           `json:"disqualified_reason,omitempty"`
	Score              *float64         `json:"score,omitempty"`
	ValueScore         *ValueScoreEntry `json:"value_score_entry,omitempty"`
}

// EscalationAwareAudit records the cheap-first substitution outcome.
type EscalationAwareAudit struct {
	NormalChoice     string   `json:"normal_choice"`
	CheapFirstChoice string   `json:"cheap_first_choice,omitempty"`
	SavingsUSD       float64  `json:"savings_usd,omitempty"`
	GateProgress     []string `json:"gate_progress,omitempty"`
	PrimaryBlocker   string   `json:"primary_blocker,omitempty"`
}

// RoutingAudit is the full audit trail of one routing call.
type RoutingAudit struct {
	Threshold       float64               `json:"threshold"`
	Candidates      []CandidateAudit      `json:"candidates"`
	EscalationAware *EscalationAwareAudit `json:"escalation_aware,omitempty"`
}

// RoutingMeta carries decision metadata that downstream components consume.
type RoutingMeta struct {
	RankedBy              string `json:"ranked_by"`
	EnforceCheapestViable bool   `json:"enforce_cheapest_viable,omitempty"`
	CheapFirstUsed        bool   `json:"cheap_first_used,omitempty"`
	BestEffort            bool   `json:"best_effort,omitempty"`
}

// Decision is the result of one routing call.
type Decision struct {
	ChosenModelID    string        `json:"chosen_model_id,omitempty"`
	FallbackModelIDs []string      `json:"fallback_model_ids,omitempty"`
	ExpectedCostUSD  *float64      `json:"expected_cost_usd,omitempty"`
	EstimatedTokens  TokenEstimate `json:"estimated_tokens"`
	Status           string        `json:"status"`
	Rationale        string        `json:"rationale"`
	Meta             RoutingMeta   `json:"routing_meta"`
	Audit            RoutingAudit  `json:"routing_audit"`
}

// PortfolioOptions passes the active portfolio's influence into routing.
type PortfolioOptions struct {
	// PreferModelIDs receive a difficulty-scaled expertise bonus used only
	// for ordering, never for gating.
	PreferModelIDs []string `json:"prefer_model_ids,omitempty"`

	// AllowedModelIDs, when non-empty, disqualifies every model not listed.
	AllowedModelIDs []string `json:"allowed_model_ids,omitempty"`
}

// RoutingOptions carries caller-side routing assertions.
type RoutingOptions struct {
	// CheapestViableChosen asserts that the cheapest passed candidate must
	// be chosen.
	CheapestViableChosen bool `json:"cheapest_viable_chosen,omitempty"`

	// CandidateScores, when supplied, switches to score ordering.
	CandidateScores map[string]float64 `json:"candidate_scores,omitempty"`
}

// PriorSource exposes derived performance priors.
type PriorSource interface {
	QualityPrior(modelID string, tt task.Type, d task.Difficulty) (registry.Prior, bool)
}

// CalibrationSource exposes calibrated expertise and confidence.
type CalibrationSource interface {
	Calibrated(modelID string, tt task.Type) (expertise, confidence float64, ok bool)
}

// VarianceSource exposes the live cost multiplier.
type VarianceSource interface {
	CostMultiplier(modelID string, tt task.Type) (float64, bool)
}

// Options bundles the optional routing inputs. All sources may be nil; the
// router then routes on registry priors alone.
type Options struct {
	Directive   string
	Portfolio   PortfolioOptions
	Routing     RoutingOptions
	Priors      PriorSource
	Calibration CalibrationSource
	Variance    VarianceSource
}
