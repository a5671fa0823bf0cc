// Package ledger records per-run routing and budget decisions and derives
// aggregate analytics. Aggregation is pure: no I/O happens here.
package ledger

import (
	"sync"
	"time"
)

// Decision types.
const (
	DecisionRoute                  = "ROUTE"
	DecisionBudgetOptimization     = "BUDGET_OPTIMIZATION"
	DecisionCouncilPlanningSkipped = "COUNCIL_PLANNING_SKIPPED"
	DecisionEscalation             = "ESCALATION"
	DecisionPortfolioValidation    = "PORTFOLIO_VALIDATION"
)

// Portfolio bypass reasons.
const (
	BypassNoAllowedModels          = "no_allowed_models"
	BypassAllowedModelsOverBudget  = "allowed_models_over_budget"
	BypassAllowedModelsBelowQual   = "allowed_models_below_quality"
	BypassAllowedModelsBelowTrust  = "allowed_models_below_trust"
	BypassPortfolioNotProvided     = "portfolio_not_provided"
	ReasonPortfolioCoverageInvalid = "portfolio_coverage_invalid"
)

// Decision is one ledger line. Field presence depends on Type.
type Decision struct {
	Type                   string   `json:"type"`
	PackageID              string   `json:"package_id,omitempty"`
	TierProfile            string   `json:"tier_profile,omitempty"`
	ChosenModelID          string   `json:"chosen_model_id,omitempty"`
	ChosenPredictedCostUSD float64  `json:"chosen_predicted_cost_usd,omitempty"`
	RankedBy               string   `json:"ranked_by,omitempty"`
	EnforceCheapestViable  bool     `json:"enforce_cheapest_viable,omitempty"`
	RoutingCandidates      int      `json:"routing_candidates,omitempty"`
	PricingMismatchCount   int      `json:"pricing_mismatch_count,omitempty"`

	PortfolioBypassed         bool     `json:"portfolio_bypassed,omitempty"`
	BypassReason              string   `json:"bypass_reason,omitempty"`
	PortfolioValidationFailed bool     `json:"portfolio_validation_failed,omitempty"`
	Reason                    string   `json:"reason,omitempty"`
	MissingModelIDs           []string `json:"missing_model_ids,omitempty"`

	CheapFirstUsed        bool    `json:"cheap_first_used,omitempty"`
	PrimaryBlocker        string  `json:"primary_blocker,omitempty"`
	NormalExpectedCostUSD float64 `json:"normal_expected_cost_usd,omitempty"`

	EscalationUsed  bool    `json:"escalation_used,omitempty"`
	RealizedCostUSD float64 `json:"realized_cost_usd,omitempty"`
	FinalScore      float64 `json:"final_score,omitempty"`
	TargetScore     float64 `json:"target_score,omitempty"`

	Timestamp time.Time `json:"ts"`
}

// Costs are the aggregated cost buckets for a run.
type Costs struct {
	CouncilUSD         float64 `json:"council_usd"`
	WorkerUSD          float64 `json:"worker_usd"`
	QAUSD              float64 `json:"qa_usd"`
	DeterministicQAUSD float64 `json:"deterministic_qa_usd"`
	TotalUSD           float64 `json:"total_usd"`
}

// RoleExecution records one package attempt by role.
type RoleExecution struct {
	Role       string  `json:"role"`
	PackageID  string  `json:"package_id"`
	ModelID    string  `json:"model_id"`
	CostUSD    float64 `json:"cost_usd"`
	DurationMs int64   `json:"duration_ms"`
	Status     string  `json:"status"`
}

// Counts summarizes package outcomes.
type Counts struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// Entry is the finalized per-run ledger.
type Entry struct {
	RunSessionID   string          `json:"run_session_id"`
	Decisions      []Decision      `json:"decisions"`
	Costs          Costs           `json:"costs"`
	RoleExecutions []RoleExecution `json:"role_executions"`
	Counts         Counts          `json:"counts"`
	Escalations    int             `json:"escalations"`
	BypassCounts   map[string]int  `json:"bypass_counts,omitempty"`
	FinalizedAt    time.Time       `json:"finalized_at"`
}

// Ledger accumulates decisions for one run. ROUTE entries appear in the log
// in router return order; the mutex serializes concurrent package workers.
type Ledger struct {
	mu           sync.Mutex
	runSessionID string
	decisions    []Decision
	executions   []RoleExecution
	costs        Costs
	counts       Counts
	escalations  int
	bypassCounts map[string]int
}

// New creates a ledger for a run session.
func New(runSessionID string) *Ledger {
	return &Ledger{
		runSessionID: runSessionID,
		bypassCounts: make(map[string]int),
	}
}

// Record appends a decision, stamping it if unstamped.
func (l *Ledger) Record(d Decision) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if d.Timestamp.IsZero() {
		d.Timestamp = time.Now().UTC()
	}
	if d.PortfolioBypassed && d.BypassReason != "" {
		l.bypassCounts[d.BypassReason]++
	}
	if d.EscalationUsed {
		l.escalations++
	}
	l.decisions = append(l.decisions, d)
}

// RecordExecution appends a role execution and folds its cost into the
// right bucket.
func (l *Ledger) RecordExecution(e RoleExecution) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.executions = append(l.executions, e)
	switch e.Role {
	case "QA":
		l.costs.QAUSD += e.CostUSD
	case "Council":
		l.costs.CouncilUSD += e.CostUSD
	default:
		l.costs.WorkerUSD += e.CostUSD
	}
	l.costs.TotalUSD += e.CostUSD
}

// AddDeterministicQACost folds deterministic QA spend into the buckets.
func (l *Ledger) AddDeterministicQACost(usd float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.costs.DeterministicQAUSD += usd
	l.costs.TotalUSD += usd
}

// CountOutcome tallies one package outcome.
func (l *Ledger) CountOutcome(status string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.counts.Total++
	switch status {
	case "ok":
		l.counts.Completed++
	case "skipped":
		l.counts.Skipped++
	default:
		l.counts.Failed++
	}
}

// Finalize snapshots the ledger into an immutable entry.
func (l *Ledger) Finalize() Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	bypass := make(map[string]int, len(l.bypassCounts))
	for k, v := range l.bypassCounts {
		bypass[k] = v
	}
	return Entry{
		RunSessionID:   l.runSessionID,
		Decisions:      append([]Decision{}, l.decisions...),
		Costs:          l.costs,
		RoleExecutions: append([]RoleExecution{}, l.executions...),
		Counts:         l.counts,
		Escalations:    l.escalations,
		BypassCounts:   bypass,
		FinalizedAt:    time.Now().UTC(),
	}
}
