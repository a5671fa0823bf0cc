package router

import (
	"fmt"
	"sort"

	"dispatch/internal/registry"
	"dispatch/internal/task"
)

// maybeCheapFirst substitutes a cheaper attempt-1 model after a normal
// choice when escalation-aware routing is active. Gates run in a fixed
// order; the first gate that empties the candidate set becomes the primary
// blocker recorded in the audit.
func maybeCheapFirst(d *Decision, card task.Card, cands []*candidate, cfg Config, opts Options, threshold float64) {
	esc := cfg.Escalation
	if esc.Policy != EscalationPromoteOnLowScore || esc.RoutingMode != RoutingModeEscalationAware {
		return
	}
	if d.ChosenModelID == "" || d.ExpectedCostUSD == nil {
		return
	}

	audit := &EscalationAwareAudit{NormalChoice: d.ChosenModelID}
	d.Audit.EscalationAware = audit

	for _, premium := range cfg.PremiumTaskTypes {
		if card.Type == premium {
			audit.PrimaryBlocker = BlockerPremiumLane
			return
		}
	}

	normalCost := *d.ExpectedCostUSD

	// Start from every eligible candidate other than the normal choice.
	pool := make([]*candidate, 0, len(cands))
	for _, c := range cands {
		if c.model.ID == d.ChosenModelID {
			continue
		}
		if c.reason == ReasonModelDisabled || c.reason == ReasonNotAllowedByPortfolio {
			continue
		}
		pool = append(pool, c)
	}

	type gate struct {
		name string
		keep func(*candidate) bool
	}

	promotionCosts := map[string]float64{}
	gates := []gate{
		{GateSavings, func(c *candidate) bool {
			if c.cost > normalCost*(1-esc.cheapFirstSavingsMinPct(card.Type)) {
				return false
			}
			if esc.CheapFirstSavingsMinUSD > 0 && normalCost-c.cost < esc.CheapFirstSavingsMinUSD {
				return false
			}
			return true
		}},
		{GateConfidence, func(c *candidate) bool {
			return c.rawConfidence >= esc.cheapFirstMinConfidence(card.Type)
		}},
		{GateGap, func(c *candidate) bool {
			if c.passed {
				return true
			}
			gap := threshold - c.quality
			return gap >= 0 && gap <= esc.CheapFirstMaxGap(card)
		}},
		{GatePromotionTarget, func(c *candidate) bool {
			if !esc.CheapFirstOnlyWhenCanPromote {
				return true
			}
			target := promotionTarget(c.model.ID, card.Type, esc, cands)
			if target == nil {
				return false
			}
			promotionCosts[c.model.ID] = target.cost
			return true
		}},
		{GateBudget, func(c *candidate) bool {
			promoCost := promotionCosts[c.model.ID]
			if card.Constraints.MaxCostUSD != nil {
				headroom := esc.CheapFirstBudgetHeadroomFactor
				if headroom <= 0 {
					headroom = 1
				}
				if (c.cost+promoCost)*headroom > *card.Constraints.MaxCostUSD {
					return false
				}
			}
			if esc.MaxExtraCostUSD > 0 && promoCost > esc.MaxExtraCostUSD {
				return false
			}
			return true
		}},
	}

	survivors := pool
	for _, g := range gates {
		next := survivors[:0]
		for _, c := range survivors {
			if g.keep(c) {
				next = append(next, c)
			}
		}
		if len(next) == 0 {
			audit.PrimaryBlocker = g.name
			return
		}
		audit.GateProgress = append(audit.GateProgress, g.name)
		survivors = next
	}

	sort.SliceStable(survivors, func(i, j int) bool {
		si := cheapFirstScore(survivors[i])
		sj := cheapFirstScore(survivors[j])
		if si != sj {
			return si > sj
		}
		return tieBreakLess(survivors[i], survivors[j])
	})

	winner := survivors[0]
	audit.CheapFirstChoice = winner.model.ID
	audit.SavingsUSD = normalCost - winner.cost

	// The normal choice becomes the first fallback for retry purposes.
	fallbacks := append([]string{d.ChosenModelID}, d.FallbackModelIDs...)
	if len(fallbacks) > cfg.FallbackCount && cfg.FallbackCount > 0 {
		fallbacks = fallbacks[:cfg.FallbackCount]
	}
	d.FallbackModelIDs = fallbacks

	d.ChosenModelID = winner.model.ID
	cost := winner.cost
	d.ExpectedCostUSD = &cost
	d.Meta.CheapFirstUsed = true
	d.Rationale = fmt.Sprintf("cheap-first: %s ($%.6f, saves $%.6f vs %s) with promotion path available",
		winner.model.ID, winner.cost, audit.SavingsUSD, audit.NormalChoice)
}

// cheapFirstScore ranks cheap-first survivors:
// expertise * rawConfidence / (cost + 1e-4).
func cheapFirstScore(c *candidate) float64 {
	return c.quality * c.rawConfidence / (c.cost + costEpsilon)
}

// promotionTarget finds the first strictly-stronger eligible model after
// modelID in the task type's escalation order.
func promotionTarget(modelID string, tt task.Type, esc EscalationConfig, cands []*candidate) *candidate {
	order := esc.EscalationModelOrderByTaskType[tt]
	pos := -1
	for i, id := range order {
		if id == modelID {
			pos = i
			break
		}
	}
	if pos < 0 || pos == len(order)-1 {
		return nil
	}
	byID := map[string]*candidate{}
	for _, c := range cands {
		byID[c.model.ID] = c
	}
	for _, id := range order[pos+1:] {
		c, ok := byID[id]
		if !ok || !c.model.Eligible() {
			continue
		}
		return c
	}
	return nil
}

// EscalationTarget finds the first strictly-stronger eligible model after
// currentModelID in the task type's escalation order. Used by the runner
// when a judge score falls below target.
func EscalationTarget(currentModelID string, tt task.Type, esc EscalationConfig, models []registry.Model) (registry.Model, bool) {
	order := esc.EscalationModelOrderByTaskType[tt]
	pos := -1
	for i, id := range order {
		if id == currentModelID {
			pos = i
			break
		}
	}
	if pos < 0 || pos == len(order)-1 {
		return registry.Model{}, false
	}
	byID := map[string]registry.Model{}
	for _, m := range models {
		byID[m.ID] = m
	}
	for _, id := range order[pos+1:] {
		m, ok := byID[id]
		if !ok || !m.Eligible() {
			continue
		}
		return m, true
	}
	return registry.Model{}, false
}
