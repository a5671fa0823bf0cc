package registry

import (
	"time"

	"dispatch/internal/task"
)

// Status is the lifecycle state of a model in the registry.
type Status string

const (
	StatusActive     Status = "active"
	StatusProbation  Status = "probation"
	StatusDeprecated Status = "deprecated"
	StatusDisabled   Status = "disabled"
)

// Governance holds optional per-model governance flags.
type Governance struct {
	AllowedTiers         []string `json:"allowed_tiers,omitempty" yaml:"allowed_tiers"`
	KillSwitch           bool     `json:"kill_switch,omitempty" yaml:"kill_switch"`
	MinQualityPrior      float64  `json:"min_quality_prior,omitempty" yaml:"min_quality_prior"`
	MaxCostVarianceRatio float64  `json:"max_cost_variance_ratio,omitempty" yaml:"max_cost_variance_ratio"`
}

// Model describes a routable LLM backend: identity, pricing, per-task-type
// expertise priors, and lifecycle status. Pricing is immutable within a run.
type Model struct {
	ID          string                `json:"id" yaml:"id"`
	Provider    string                `json:"provider" yaml:"provider"`
	InPer1K     float64               `json:"in_per_1k" yaml:"in_per_1k"`
	OutPer1K    float64               `json:"out_per_1k" yaml:"out_per_1k"`
	Expertise   map[task.Type]float64 `json:"expertise" yaml:"expertise"`
	Reliability float64               `json:"reliability" yaml:"reliability"`
	Status      Status                `json:"status" yaml:"status"`
	Governance  *Governance           `json:"governance,omitempty" yaml:"governance"`
}

// ExpertiseFor returns the expertise prior for a task type, zero if unset.
func (m *Model) ExpertiseFor(t task.Type) float64 {
	if m.Expertise == nil {
		return 0
	}
	return m.Expertise[t]
}

// Eligible reports whether the model may ever be routed to. Disabled models
// and kill-switched models are never eligible.
func (m *Model) Eligible() bool {
	if m.Status == StatusDisabled {
		return false
	}
	if m.Governance != nil && m.Governance.KillSwitch {
		return false
	}
	return true
}

// ExpectedCostUSD computes the dollar cost of a token estimate at this
// model's pricing.
func (m *Model) ExpectedCostUSD(inputTokens, outputTokens int) float64 {
	return float64(inputTokens)/1000.0*m.InPer1K + float64(outputTokens)/1000.0*m.OutPer1K
}

// Prior is a rolling performance prior for (model, taskType, difficulty),
// derived by the evaluator from a rolling observation window.
type Prior struct {
	QualityPrior     float64   `json:"quality_prior"`
	CostMultiplier   float64   `json:"cost_multiplier"`
	SampleCount      int       `json:"sample_count"`
	DefectRate       float64   `json:"defect_rate,omitempty"`
	VarianceBandLow  float64   `json:"variance_band_low,omitempty"`
	VarianceBandHigh float64   `json:"variance_band_high,omitempty"`
	LastUpdated      time.Time `json:"last_updated"`
}

// Observation is one append-only predicted-vs-actual record.
type Observation struct {
	ModelID          string          `json:"model_id"`
	TaskType         task.Type       `json:"task_type"`
	Difficulty       task.Difficulty `json:"difficulty"`
	PredictedCostUSD float64         `json:"predicted_cost_usd"`
	ActualCostUSD    float64         `json:"actual_cost_usd"`
	PredictedQuality float64         `json:"predicted_quality"`
	ActualQuality    float64         `json:"actual_quality"`
	DefectCount      int             `json:"defect_count,omitempty"`
	Timestamp        time.Time       `json:"ts"`
}
