// Package router implements the model-selection policy: qualification
// gating, cost/value ranking, no-qualified fallbacks, and escalation-aware
// cheap-first substitution. Route is a pure function over its inputs.
package router

import (
	"fmt"
	"sort"

	"dispatch/internal/calibration"
	"dispatch/internal/registry"
	"dispatch/internal/task"
)

// costEpsilon keeps value scores finite for near-free models.
const costEpsilon = 1e-4

// Prefer-bonus sizes by difficulty. Ordering only, never gating.
var preferBonusByDifficulty = map[task.Difficulty]float64{
	task.DifficultyLow:    0.01,
	task.DifficultyMedium: 0.03,
	task.DifficultyHigh:   0.05,
}

// candidate is the router's working view of one model.
type candidate struct {
	model         registry.Model
	cost          float64
	quality       float64
	rawConfidence float64
	preferBonus   float64
	passed        bool
	reason        string
	score         *float64
	value         *ValueScoreEntry
}

// orderQuality is the quality used for tie-breaking, with the portfolio
// prefer bonus applied.
func (c *candidate) orderQuality() float64 {
	return c.quality + c.preferBonus
}

// Route selects a model for the task card. It never fails on business
// grounds: an empty candidate set yields status no_qualified_models.
func Route(card task.Card, models []registry.Model, cfg Config, opts Options) Decision {
	est := EstimateTokens(cfg, card, opts.Directive)
	threshold := cfg.ThresholdFor(card)

	cands := buildCandidates(card, models, cfg, opts, est, threshold)

	decision := Decision{
		EstimatedTokens: est,
		Status:          StatusOK,
		Audit:           RoutingAudit{Threshold: threshold},
	}

	passed := make([]*candidate, 0, len(cands))
	for _, c := range cands {
		if c.passed {
			passed = append(passed, c)
		}
	}

	if len(passed) > 0 {
		rankCandidates(passed, card, cfg, opts)
		chooseFrom(&decision, passed, cfg, rankedByFor(cfg, opts))
	} else {
		applyNoQualifiedFallback(&decision, card, cands, cfg, opts, threshold)
	}

	if decision.Status == StatusOK {
		maybeCheapFirst(&decision, card, cands, cfg, opts, threshold)
	}

	decision.Audit.Candidates = auditRows(cands)
	return decision
}

// buildCandidates computes cost, effective quality, and the qualification
// gate for every model. The returned slice preserves input order so the
// audit covers each registry model exactly once.
func buildCandidates(card task.Card, models []registry.Model, cfg Config, opts Options, est TokenEstimate, threshold float64) []*candidate {
	allowed := map[string]bool{}
	for _, id := range opts.Portfolio.AllowedModelIDs {
		allowed[id] = true
	}
	preferred := map[string]bool{}
	for _, id := range opts.Portfolio.PreferModelIDs {
		preferred[id] = true
	}

	cands := make([]*candidate, 0, len(models))
	for _, m := range models {
		c := &candidate{model: m}

		c.cost = m.ExpectedCostUSD(est.Input, est.Output)
		if opts.Variance != nil {
			if mult, ok := opts.Variance.CostMultiplier(m.ID, card.Type); ok {
				c.cost *= mult
			}
		}

		c.quality = effectiveQuality(card, m, opts)
		if opts.Calibration != nil {
			if _, conf, ok := opts.Calibration.Calibrated(m.ID, card.Type); ok {
				c.rawConfidence = conf
			}
		}
		if preferred[m.ID] {
			c.preferBonus = preferBonusByDifficulty[card.Difficulty]
		}
		if s, ok := opts.Routing.CandidateScores[m.ID]; ok {
			sc := s
			c.score = &sc
		}

		switch {
		case !m.Eligible():
			c.reason = ReasonModelDisabled
		case len(allowed) > 0 && !allowed[m.ID]:
			c.reason = ReasonNotAllowedByPortfolio
		case c.quality < threshold:
			c.reason = ReasonBelowQualityThreshold
		case card.Constraints.MaxCostUSD != nil && c.cost > *card.Constraints.MaxCostUSD:
			c.reason = ReasonOverBudget
		default:
			c.passed = true
		}

		cands = append(cands, c)
	}
	return cands
}

// effectiveQuality resolves the quality estimate for a model on this card:
// the derived prior when one exists, otherwise registry expertise, blended
// with calibrated expertise weighted by confidence.
func effectiveQuality(card task.Card, m registry.Model, opts Options) float64 {
	q := m.ExpertiseFor(card.Type)
	if opts.Priors != nil {
		if p, ok := opts.Priors.QualityPrior(m.ID, card.Type, card.Difficulty); ok {
			q = p.QualityPrior
		}
	}
	if opts.Calibration != nil {
		if calibrated, conf, ok := opts.Calibration.Calibrated(m.ID, card.Type); ok {
			q = calibration.EffectiveExpertise(q, calibrated, conf)
		}
	}
	return q
}

// rankedByFor resolves which ordering applies given config and caller
// assertions.
func rankedByFor(cfg Config, opts Options) string {
	if opts.Routing.CheapestViableChosen {
		return RankedByCheapestViable
	}
	if len(opts.Routing.CandidateScores) > 0 {
		return RankedByScore
	}
	if cfg.SelectionPolicy == PolicyBestValue {
		return RankedByBestValue
	}
	return RankedByLowestCost
}

// tieBreakLess applies the shared tie-break chain: reliability desc, then
// order quality desc, then cost asc.
func tieBreakLess(a, b *candidate) bool {
	if a.model.Reliability != b.model.Reliability {
		return a.model.Reliability > b.model.Reliability
	}
	if a.orderQuality() != b.orderQuality() {
		return a.orderQuality() > b.orderQuality()
	}
	if a.cost != b.cost {
		return a.cost < b.cost
	}
	return a.model.ID < b.model.ID
}

// rankCandidates orders the passed set according to the active policy.
func rankCandidates(passed []*candidate, card task.Card, cfg Config, opts Options) {
	switch rankedByFor(cfg, opts) {
	case RankedByCheapestViable, RankedByLowestCost:
		sort.SliceStable(passed, func(i, j int) bool {
			if passed[i].cost != passed[j].cost {
				return passed[i].cost < passed[j].cost
			}
			return tieBreakLess(passed[i], passed[j])
		})

	case RankedByScore:
		sort.SliceStable(passed, func(i, j int) bool {
			si, sj := scoreOf(passed[i]), scoreOf(passed[j])
			if si != sj {
				return si > sj
			}
			if passed[i].cost != passed[j].cost {
				return passed[i].cost < passed[j].cost
			}
			return tieBreakLess(passed[i], passed[j])
		})

	case RankedByBestValue:
		threshold := cfg.ThresholdFor(card)
		scoreBestValue(passed, threshold, cfg)
		withBenefit := passed[:0]
		excluded := make([]*candidate, 0)
		minBenefit := cfg.MinBenefitByDifficulty[card.Difficulty]
		for _, c := range passed {
			if c.value != nil && c.value.Benefit >= minBenefit {
				withBenefit = append(withBenefit, c)
			} else {
				excluded = append(excluded, c)
			}
		}
		if len(withBenefit) == 0 {
			// All below the benefit bar: fall back to expertise ordering.
			passed = append(passed[:0], excluded...)
			sort.SliceStable(passed, func(i, j int) bool {
				if passed[i].orderQuality() != passed[j].orderQuality() {
					return passed[i].orderQuality() > passed[j].orderQuality()
				}
				return tieBreakLess(passed[i], passed[j])
			})
			return
		}
		sort.SliceStable(withBenefit, func(i, j int) bool {
			if withBenefit[i].value.ValueScore != withBenefit[j].value.ValueScore {
				return withBenefit[i].value.ValueScore > withBenefit[j].value.ValueScore
			}
			return tieBreakLess(withBenefit[i], withBenefit[j])
		})
		// Keep excluded candidates at the tail so fallbacks stay populated.
		copy(passed, append(withBenefit, excluded...))
	}
}

func scoreOf(c *candidate) float64 {
	if c.score == nil {
		return 0
	}
	return *c.score
}

// scoreBestValue fills the value-score entries for every candidate:
// valueScore = benefit * max(0.1, effectiveConf) / (cost + 1e-4).
func scoreBestValue(cands []*candidate, threshold float64, cfg Config) {
	for _, c := range cands {
		benefit := c.quality - threshold
		if benefit < 0 {
			benefit = 0
		}
		effConf := c.rawConfidence
		if effConf < cfg.MinConfidenceToUseCalibration {
			effConf = cfg.ConfidenceFloor
		}
		if effConf < 0.1 {
			effConf = 0.1
		}
		c.value = &ValueScoreEntry{
			Benefit:             benefit,
			EffectiveConfidence: effConf,
			ValueScore:          benefit * effConf / (c.cost + costEpsilon),
		}
	}
}

// chooseFrom writes the winner and fallbacks into the decision.
func chooseFrom(d *Decision, ranked []*candidate, cfg Config, rankedBy string) {
	chosen := ranked[0]
	d.ChosenModelID = chosen.model.ID
	cost := chosen.cost
	d.ExpectedCostUSD = &cost
	d.Meta.RankedBy = rankedBy
	d.Meta.EnforceCheapestViable = rankedBy == RankedByCheapestViable

	n := cfg.FallbackCount
	for i := 1; i < len(ranked) && len(d.FallbackModelIDs) < n; i++ {
		d.FallbackModelIDs = append(d.FallbackModelIDs, ranked[i].model.ID)
	}

	switch rankedBy {
	case RankedByLowestCost, RankedByCheapestViable:
		d.Rationale = fmt.Sprintf("chose %s: lowest cost ($%.6f) among %d qualified models", chosen.model.ID, chosen.cost, len(ranked))
	case RankedByBestValue:
		if chosen.value != nil {
			d.Rationale = fmt.Sprintf("chose %s: best value score %.4f (benefit %.3f, confidence %.2f)", chosen.model.ID, chosen.value.ValueScore, chosen.value.Benefit, chosen.value.EffectiveConfidence)
		} else {
			d.Rationale = fmt.Sprintf("chose %s: highest expertise after value exclusions", chosen.model.ID)
		}
	case RankedByScore:
		d.Rationale = fmt.Sprintf("chose %s: highest caller-supplied score %.3f", chosen.model.ID, scoreOf(chosen))
	default:
		d.Rationale = fmt.Sprintf("chose %s", chosen.model.ID)
	}
}

// applyNoQualifiedFallback handles the empty qualified set per the
// configured budget-failure behavior.
func applyNoQualifiedFallback(d *Decision, card task.Card, cands []*candidate, cfg Config, opts Options, threshold float64) {
	if cfg.OnBudgetFail == OnBudgetFailFail {
		d.Status = StatusNoQualifiedModels
		d.Rationale = fmt.Sprintf("no models passed the qualification gate (threshold %.2f)", threshold)
		return
	}

	eligible := make([]*candidate, 0, len(cands))
	for _, c := range cands {
		if c.reason == ReasonModelDisabled || c.reason == ReasonNotAllowedByPortfolio {
			continue
		}
		eligible = append(eligible, c)
	}
	if len(eligible) == 0 {
		d.Status = StatusNoQualifiedModels
		d.Rationale = "no eligible models available"
		return
	}

	hasBudget := card.Constraints.MaxCostUSD != nil

	if cfg.OnBudgetFail == OnBudgetFailBestEffort && hasBudget {
		// Highest expertise among models that fit the budget.
		feasible := make([]*candidate, 0, len(eligible))
		for _, c := range eligible {
			if c.cost <= *card.Constraints.MaxCostUSD {
				feasible = append(feasible, c)
			}
		}
		if len(feasible) == 0 {
			d.Status = StatusNoQualifiedModels
			d.Rationale = fmt.Sprintf("no model fits budget $%.6f", *card.Constraints.MaxCostUSD)
			return
		}
		sortByQualityDesc(feasible)
		chooseFrom(d, feasible, cfg, RankedByBestEffort)
		d.Meta.BestEffort = true
		d.Rationale = fmt.Sprintf("best effort within budget: %s (quality %.2f, cost $%.6f)", feasible[0].model.ID, feasible[0].quality, feasible[0].cost)
		return
	}

	// best_effort without budget, or ignore_budget.
	if cfg.SelectionPolicy == PolicyBestValue && cfg.NoQualifiedPolicy == NoQualifiedBestValueNearThreshold {
		delta := cfg.NearThresholdDeltaByDifficulty[card.Difficulty]
		effThreshold := threshold - delta
		near := make([]*candidate, 0, len(eligible))
		for _, c := range eligible {
			if c.quality >= effThreshold {
				near = append(near, c)
			}
		}
		if len(near) > 0 {
			scoreBestValue(near, effThreshold, cfg)
			minBenefit := cfg.MinBenefitNearThresholdByDifficulty[card.Difficulty]
			guarded := make([]*candidate, 0, len(near))
			for _, c := range near {
				if c.value.Benefit >= minBenefit {
					guarded = append(guarded, c)
				}
			}
			if len(guarded) > 0 {
				sort.SliceStable(guarded, func(i, j int) bool {
					if guarded[i].value.ValueScore != guarded[j].value.ValueScore {
						return guarded[i].value.ValueScore > guarded[j].value.ValueScore
					}
					return tieBreakLess(guarded[i], guarded[j])
				})
				chooseFrom(d, guarded, cfg, RankedByBestValueNearThreshold)
				d.Meta.BestEffort = true
				d.Rationale = fmt.Sprintf("near-threshold best value: %s (quality %.2f within %.2f of threshold %.2f)", guarded[0].model.ID, guarded[0].quality, delta, threshold)
				return
			}
		}
	}

	sortByQualityDesc(eligible)
	chooseFrom(d, eligible, cfg, RankedByExpertise)
	d.Meta.BestEffort = true
	d.Rationale = fmt.Sprintf("no qualified models; best effort on highest expertise %s (%.2f)", eligible[0].model.ID, eligible[0].quality)
}

func sortByQualityDesc(cands []*candidate) {
	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].quality != cands[j].quality {
			return cands[i].quality > cands[j].quality
		}
		return tieBreakLess(cands[i], cands[j])
	})
}

// auditRows converts candidates to audit rows in input order.
func auditRows(cands []*candidate) []CandidateAudit {
	rows := make([]CandidateAudit, len(cands))
	for i, c := range cands {
		rows[i] = CandidateAudit{
			ModelID:            c.model.ID,
			PredictedCostUSD:   c.cost,
			PredictedQuality:   c.quality,
			Passed:             c.passed,
			DisqualifiedReason: c.reason,
			Score:              c.score,
			ValueScore:         c.value,
		}
	}
	return rows
}
