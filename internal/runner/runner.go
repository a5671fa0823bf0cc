// Package runner executes one routed task end to end: route, execute,
// validate, retry once on a fallback, sample a judge evaluation, and
// conditionally escalate to a stronger model when the score misses target.
package runner

import (
	"context"
	"log"
	"math"
	"math/rand"
	"time"

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

// Attempt kinds.
const (
	AttemptInitial    = "initial"
	AttemptRetry      = "retry"
	AttemptEscalation = "escalation"
)

// Result statuses.
const (
	StatusOK               = "ok"
	StatusFailed           = "failed"
	StatusNoQualifiedModel = "no_qualified_models"
)

// Request is one task execution request.
type Request struct {
	Card      task.Card               `json:"card"`
	Prompt    string                  `json:"prompt"`
	Directive string                  `json:"directive,omitempty"`
	Portfolio router.PortfolioOptions `json:"portfolio,omitempty"`
	Routing   router.RoutingOptions   `json:"routing,omitempty"`
}

// Attempt records one model execution within a run.
type Attempt struct {
	Kind       string                 `json:"kind"`
	ModelID    string                 `json:"model_id"`
	Output     string                 `json:"output,omitempty"`
	Usage      provider.Usage         `json:"usage"`
	CostUSD    float64                `json:"cost_usd"`
	LatencyMs  int64                  `json:"latency_ms"`
	Validation judge.ValidationResult `json:"validation"`
	Evaluation *judge.Evaluation      `json:"evaluation,omitempty"`
	Error      string                 `json:"error,omitempty"`
}

// Result is the full outcome of one task run.
type Result struct {
	TaskID         string            `json:"task_id"`
	Status         string            `json:"status"`
	Output         string            `json:"output,omitempty"`
	ModelID        string            `json:"model_id,omitempty"`
	Decision       router.Decision   `json:"routing_decision"`
	Attempts       []Attempt         `json:"attempts"`
	ChosenAttempt  string            `json:"chosen_attempt,omitempty"`
	EscalationUsed bool              `json:"escalation_used,omitempty"`
	Evaluation     *judge.Evaluation `json:"evaluation,omitempty"`
	TotalCostUSD   float64           `json:"total_cost_usd"`
	Error          string            `json:"error,omitempty"`
}

// Event is one run-log line, appended to the run feed as the state machine
// advances.
type Event struct {
	Kind      string    `json:"kind"`
	TaskID    string    `json:"task_id"`
	ModelID   string    `json:"model_id,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	CostUSD   float64   `json:"cost_usd,omitempty"`
	Timestamp time.Time `json:"ts"`
}

// Runner wires the routing policy to live execution and the feedback
// trackers.
type Runner struct {
	registry    *registry.Registry
	pool        *provider.Pool
	cfg         router.Config
	judge       judge.Judge
	calibration *calibration.Store
	variance    *variance.Tracker
	trust       *trust.Tracker
	stats       *stats.Tracker

	events func(Event)
	randf  func() float64
}

// New creates a runner. judge, stats, and events may be nil.
func New(reg *registry.Registry, pool *provider.Pool, cfg router.Config, j judge.Judge,
	cal *calibration.Store, vt *variance.Tracker, tt *trust.Tracker, st *stats.Tracker) *Runner {
	return &Runner{
		registry:    reg,
		pool:        pool,
		cfg:         cfg,
		judge:       j,
		calibration: cal,
		variance:    vt,
		trust:       tt,
		stats:       st,
		randf:       rand.Float64,
	}
}

// SetEventSink installs the run-log sink.
func (r *Runner) SetEventSink(sink func(Event)) { r.events = sink }

// SetRand overrides the sampling source. Tests only.
func (r *Runner) SetRand(f func() float64) { r.randf = f }

func (r *Runner) emit(kind, taskID, modelID, detail string, cost float64) {
	if r.events == nil {
		return
	}
	r.events(Event{Kind: kind, TaskID: taskID, ModelID: modelID, Detail: detail, CostUSD: cost, Timestamp: time.Now().UTC()})
}

// Run executes one task. Routing failures return a typed error; execution
// and validation failures after the retry are reported in the result status.
func (r *Runner) Run(ctx context.Context, req Request) (Result, error) {
	card := req.Card
	res := Result{TaskID: card.ID, Status: StatusFailed}

	d := router.Route(card, r.registry.Models(), r.cfg, router.Options{
		Directive:   req.Directive,
		Portfolio:   req.Portfolio,
		Routing:     req.Routing,
		Priors:      r.registry,
		Calibration: r.calibration,
		Variance:    r.variance,
	})
	res.Decision = d
	var expected float64
	if d.ExpectedCostUSD != nil {
		expected = *d.ExpectedCostUSD
	}
	r.emit("route", card.ID, d.ChosenModelID, d.Rationale, expected)
	r.emitCheapFirstAudit(card, d)

	if d.Status != router.StatusOK {
		res.Status = StatusNoQualifiedModel
		err := derr.Newf(derr.CodeNoQualifiedModels, "no qualified models for task %s", card.ID)
		res.Error = err.Error()
		return res, err
	}

	// Attempt 1 on the chosen model, then at most one retry on the first
	// fallback.
	first := r.attempt(ctx, card, req, d, d.ChosenModelID, AttemptInitial)
	res.Attempts = append(res.Attempts, first)
	res.TotalCostUSD += first.CostUSD

	working := &res.Attempts[0]
	if !attemptOK(first) && len(d.FallbackModelIDs) > 0 {
		r.emit("retry", card.ID, d.FallbackModelIDs[0], firstReason(first), 0)
		retry := r.attempt(ctx, card, req, d, d.FallbackModelIDs[0], AttemptRetry)
		res.Attempts = append(res.Attempts, retry)
		res.TotalCostUSD += retry.CostUSD
		working = &res.Attempts[1]
	}

	if !attemptOK(*working) {
		res.Error = firstReason(*working)
		r.finalizeAttempts(card, d, &res)
		return res, nil
	}

	// Evaluation sampling. Focused mode evaluates cheap-first runs at a
	// higher rate than normal ones; an active promotion policy can force the
	// eval its decision needs regardless of the sample draw.
	if r.shouldEvaluate(d) || r.evalRequired() {
		r.evaluate(ctx, card, req.Directive, working)
	}

	if working.Evaluation != nil && working.Evaluation.Status == "ok" {
		r.maybeEscalate(ctx, card, req, d, &res, working)
	} else {
		res.ChosenAttempt = AttemptInitial
		res.ModelID = working.ModelID
		res.Output = working.Output
		res.Evaluation = working.Evaluation
	}

	res.Status = StatusOK
	r.finalizeAttempts(card, d, &res)
	r.emit("final", card.ID, res.ModelID, res.ChosenAttempt, res.TotalCostUSD)
	return res, nil
}

// attempt executes the prompt on one model and validates the output.
func (r *Runner) attempt(ctx context.Context, card task.Card, req Request, d router.Decision, modelID, kind string) Attempt {
	a := Attempt{Kind: kind, ModelID: modelID}

	m, ok := r.registry.Get(modelID)
	if !ok {
		a.Error = "model not in registry"
		return a
	}

	resp, err := r.pool.Execute(ctx, m.Provider, &provider.Request{
		Model:     modelID,
		Prompt:    buildPrompt(req.Directive, req.Prompt, kind == AttemptRetry),
		MaxTokens: d.EstimatedTokens.Output,
	})
	if err != nil {
		a.Error = err.Error()
		a.CostUSD = 0
		return a
	}

	a.Output = resp.Content
	a.Usage = resp.Usage
	a.LatencyMs = resp.LatencyMs
	a.CostUSD = attemptCost(m, resp.Usage, d.EstimatedTokens)
	a.Validation = judge.Validate(card.Type, resp.Content)
	r.emit("attempt", card.ID, modelID, kind, a.CostUSD)
	return a
}

// buildPrompt prefixes the user directive and marks retries so the model
// sees it is a second attempt.
func buildPrompt(directive, prompt string, retry bool) string {
	out := prompt
	if directive != "" {
		out = "User directive:\n" + directive + "\n\n" + prompt
	}
	if retry {
		out += "\nRETRY"
	}
	return out
}

// attemptCost is usage-based when the provider reported tokens, estimate-
// based otherwise.
func attemptCost(m registry.Model, u provider.Usage, est router.TokenEstimate) float64 {
	if u.InputTokens > 0 || u.OutputTokens > 0 {
		return m.ExpectedCostUSD(u.InputTokens, u.OutputTokens)
	}
	return m.ExpectedCostUSD(est.Input, est.Output)
}

func attemptOK(a Attempt) bool {
	return a.Error == "" && a.Validation.OK
}

func firstReason(a Attempt) string {
	if a.Error != "" {
		return a.Error
	}
	if len(a.Validation.Reasons) > 0 {
		return a.Validation.Reasons[0]
	}
	return "validation failed"
}

// emitCheapFirstAudit logs the escalation-aware routing outcome. With
// logPrimaryBlockerOnlyWhenFailed set, successful substitutions stay quiet
// and only blocked routes reach the run log.
func (r *Runner) emitCheapFirstAudit(card task.Card, d router.Decision) {
	aa := d.Audit.EscalationAware
	if aa == nil {
		return
	}
	if aa.PrimaryBlocker != "" {
		r.emit("cheap_first_blocked", card.ID, aa.NormalChoice, aa.PrimaryBlocker, 0)
		return
	}
	if !r.cfg.Escalation.LogPrimaryBlockerOnlyWhenFailed {
		r.emit("cheap_first", card.ID, aa.CheapFirstChoice, aa.NormalChoice, aa.SavingsUSD)
	}
}

// shouldEvaluate draws the sampling decision for this run.
func (r *Runner) shouldEvaluate(d router.Decision) bool {
	if r.judge == nil {
		return false
	}
	rate := r.cfg.EvaluationSampleRate
	if r.cfg.Escalation.EvaluationMode == router.EvaluationModeFocused {
		if d.Meta.CheapFirstUsed {
			rate = r.cfg.Escalation.CheapFirstEvalRate
		} else {
			rate = r.cfg.Escalation.NormalEvalRate
		}
	}
	if rate >= 1 {
		return true
	}
	if rate <= 0 {
		return false
	}
	return r.randf() < rate
}

// evalRequired reports whether the escalation config demands a judge score
// even when sampling skips this run. The promote-on-low-score decision needs
// an eval to act on; requireEvalForDecision (or escalateJudgeAlways) makes
// the runner produce one.
func (r *Runner) evalRequired() bool {
	if r.judge == nil {
		return false
	}
	esc := r.cfg.Escalation
	if esc.EscalateJudgeAlways {
		return true
	}
	return esc.RequireEvalForDecision &&
		esc.Policy == router.EscalationPromoteOnLowScore &&
		esc.MaxPromotions >= 1
}

// evaluate runs the judge on an attempt and feeds calibration on success.
// Judge failures never fail the run.
func (r *Runner) evaluate(ctx context.Context, card task.Card, directive string, a *Attempt) {
	ev := r.judge.Evaluate(ctx, card, directive, a.Output)
	a.Evaluation = &ev
	if ev.Status != "ok" {
		log.Printf("[Runner] Judge evaluation failed for task %s model %s: %s", card.ID, a.ModelID, ev.Error)
		return
	}
	if r.calibration != nil {
		r.calibration.Observe(a.ModelID, card.Type, ev.Overall)
	}
}

// roundTo rounds a score to the configured resolution so near-equal scores
// compare stably.
func roundTo(v, resolution float64) float64 {
	if resolution <= 0 {
		return v
	}
	return math.Round(v/resolution) * resolution
}

// maybeEscalate promotes to a stronger model when the evaluated score falls
// clearly below target and budget headroom allows it. The better of the two
// attempts wins; ties go to the cheaper one.
func (r *Runner) maybeEscalate(ctx context.Context, card task.Card, req Request, d router.Decision, res *Result, working *Attempt) {
	res.ChosenAttempt = AttemptInitial
	res.ModelID = working.ModelID
	res.Output = working.Output
	res.Evaluation = working.Evaluation

	esc := r.cfg.Escalation
	if esc.Policy != router.EscalationPromoteOnLowScore || esc.MaxPromotions < 1 {
		return
	}

	target := esc.MinScoreTarget(card)
	score := working.Evaluation.Overall
	if roundTo(score, esc.ScoreResolution) >= roundTo(target-esc.PromotionMargin, esc.ScoreResolution) {
		return
	}

	targetModel, ok := router.EscalationTarget(working.ModelID, card.Type, esc, r.registry.Models())
	if !ok {
		r.emit("escalation_skipped", card.ID, working.ModelID, "no stronger model in escalation order", 0)
		return
	}

	incremental := targetModel.ExpectedCostUSD(d.EstimatedTokens.Input, d.EstimatedTokens.Output)
	if r.variance != nil {
		if mult, ok := r.variance.CostMultiplier(targetModel.ID, card.Type); ok {
			incremental *= mult
		}
	}
	if card.Constraints.MaxCostUSD != nil && res.TotalCostUSD+incremental > *card.Constraints.MaxCostUSD {
		r.emit("escalation_skipped", card.ID, targetModel.ID, "over task budget", incremental)
		return
	}
	if esc.MaxExtraCostUSD > 0 && incremental > esc.MaxExtraCostUSD {
		r.emit("escalation_skipped", card.ID, targetModel.ID, "over max extra cost", incremental)
		return
	}

	r.emit("escalation", card.ID, targetModel.ID, working.ModelID, incremental)
	escAttempt := r.attempt(ctx, card, req, d, targetModel.ID, AttemptEscalation)
	res.Attempts = append(res.Attempts, escAttempt)
	res.TotalCostUSD += escAttempt.CostUSD
	promoted := &res.Attempts[len(res.Attempts)-1]

	if !attemptOK(*promoted) {
		return
	}

	// The escalated attempt is always evaluated so the comparison is
	// like-for-like.
	r.evaluate(ctx, card, req.Directive, promoted)
	if promoted.Evaluation == nil || promoted.Evaluation.Status != "ok" {
		return
	}

	res.EscalationUsed = true
	pScore := roundTo(promoted.Evaluation.Overall, esc.ScoreResolution)
	iScore := roundTo(score, esc.ScoreResolution)
	if pScore > iScore || (pScore == iScore && promoted.CostUSD < working.CostUSD) {
		res.ChosenAttempt = AttemptEscalation
		res.ModelID = promoted.ModelID
		res.Output = promoted.Output
		res.Evaluation = promoted.Evaluation
	}
}

// finalizeAttempts feeds every executed attempt into the variance, trust, and
// stats trackers using the audit row's predictions.
func (r *Runner) finalizeAttempts(card task.Card, d router.Decision, res *Result) {
	predicted := map[string]struct {
		cost    float64
		quality float64
	}{}
	for _, c := range d.Audit.Candidates {
		predicted[c.ModelID] = struct {
			cost    float64
			quality float64
		}{c.PredictedCostUSD, c.PredictedQuality}
	}

	for i := range res.Attempts {
		a := &res.Attempts[i]
		if a.ModelID == "" {
			continue
		}
		pred, havePred := predicted[a.ModelID]

		actualQuality := -1.0
		if a.Evaluation != nil && a.Evaluation.Status == "ok" {
			actualQuality = a.Evaluation.Overall
		} else if a.Error == "" && !a.Validation.OK {
			actualQuality = 0
		}

		if r.variance != nil && havePred && a.Error == "" {
			r.variance.Observe(a.ModelID, card.Type, pred.cost, a.CostUSD, pred.quality, actualQuality)
		}

		if r.trust != nil && havePred && a.Error == "" {
			sig := trust.WorkerSignal{PredictedQuality: pred.quality}
			if actualQuality >= 0 {
				sig.ActualQuality = actualQuality
			} else {
				// No quality signal: neutral on quality, cost term still
				// applies.
				sig.ActualQuality = pred.quality
			}
			if pred.cost > 0 {
				sig.CostRatio = a.CostUSD / pred.cost
			}
			r.trust.UpdateWorker(a.ModelID, sig)
		}

		if r.stats != nil {
			out := stats.Outcome{
				Retry:            a.Kind == AttemptRetry,
				ExecutionError:   a.Error != "",
				ValidationFailed: a.Error == "" && !a.Validation.OK,
				Escalated:        res.EscalationUsed && a.Kind != AttemptEscalation && a.ModelID == res.Decision.ChosenModelID,
				CostUSD:          a.CostUSD,
				LatencyMs:        a.LatencyMs,
			}
			if a.Evaluation != nil && a.Evaluation.Status == "ok" {
				out.Judged = true
				out.Quality = a.Evaluation.Overall
			}
			r.stats.RecordRun(a.ModelID, out)
		}
	}
}
