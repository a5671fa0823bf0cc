// Package portfolio deterministically selects a minimal five-slot model
// portfolio per role and caches the recommendation with a TTL.
package portfolio

import (
	"fmt"
	"sort"
	"time"

	"dispatch/internal/registry"
	"dispatch/internal/task"
	"dispatch/internal/trust"
	"dispatch/internal/variance"
)

// Canonical slot names.
const (
	SlotWorkerCheap          = "workerCheap"
	SlotWorkerImplementation = "workerImplementation"
	SlotWorkerStrategy       = "workerStrategy"
	SlotQAPrimary            = "qaPrimary"
	SlotQABackup             = "qaBackup"
)

// Default floors.
const (
	DefaultWorkerTrustFloor    = 0.50
	DefaultQATrustFloor        = 0.55
	DefaultMinPredictedQuality = 0.72

	// workerCheapQualityRelax lowers the quality floor for the cheap slot.
	workerCheapQualityRelax = 0.05
)

// Options are the floors the optimizer applies. They are part of the cache
// key.
type Options struct {
	WorkerTrustFloor    float64 `json:"worker_trust_floor"`
	QATrustFloor        float64 `json:"qa_trust_floor"`
	MinPredictedQuality float64 `json:"min_predicted_quality"`
}

// DefaultOptions returns the stock floors.
func DefaultOptions() Options {
	return Options{
		WorkerTrustFloor:    DefaultWorkerTrustFloor,
		QATrustFloor:        DefaultQATrustFloor,
		MinPredictedQuality: DefaultMinPredictedQuality,
	}
}

// Portfolio is a five-slot assignment of model ids to canonical roles.
type Portfolio struct {
	WorkerCheap          string    `json:"worker_cheap"`
	WorkerImplementation string    `json:"worker_implementation"`
	WorkerStrategy       string    `json:"worker_strategy"`
	QAPrimary            string    `json:"qa_primary"`
	QABackup             string    `json:"qa_backup"`
	Rationale            []string  `json:"rationale,omitempty"`
	GeneratedAt          time.Time `json:"generated_at"`
}

// SlotIDs returns the five slot model ids in canonical order.
func (p Portfolio) SlotIDs() []string {
	return []string{p.WorkerCheap, p.WorkerImplementation, p.WorkerStrategy, p.QAPrimary, p.QABackup}
}

// Missing returns the slot ids absent from the given registry id set.
func (p Portfolio) Missing(registryIDs []string) []string {
	present := make(map[string]bool, len(registryIDs))
	for _, id := range registryIDs {
		present[id] = true
	}
	var missing []string
	seen := map[string]bool{}
	for _, id := range p.SlotIDs() {
		if id != "" && !present[id] && !seen[id] {
			missing = append(missing, id)
			seen[id] = true
		}
	}
	return missing
}

// Optimizer builds portfolios from the registry plus live trust and
// variance state.
type Optimizer struct {
	trust    *trust.Tracker
	variance *variance.Tracker
}

// NewOptimizer creates an optimizer over the given trackers.
func NewOptimizer(tr *trust.Tracker, vt *variance.Tracker) *Optimizer {
	return &Optimizer{trust: tr, variance: vt}
}

// scored is a model with its portfolio quality/cost scores.
type scored struct {
	model   registry.Model
	quality float64
	cost    float64
}

func (s scored) ratio() float64 {
	if s.cost <= 0 {
		return s.quality / 1e-6
	}
	return s.quality / s.cost
}

// Optimize deterministically fills the five slots. Slots with no qualified
// candidate fall back to the best-ratio registry model with a rationale
// note.
func (o *Optimizer) Optimize(models []registry.Model, opts Options) Portfolio {
	p := Portfolio{GeneratedAt: time.Now().UTC()}
	if len(models) == 0 {
		p.Rationale = append(p.Rationale, "registry is empty; portfolio unavailable")
		return p
	}

	workerScored := o.scoreAll(models, true)
	qaScored := o.scoreAll(models, false)

	pick := func(pool []scored, trustFloor, qualityFloor float64, exclude map[string]bool, preferProvider string, slot string) string {
		qualified := make([]scored, 0, len(pool))
		for _, s := range pool {
			if exclude[s.model.ID] {
				continue
			}
			var tr float64
			if slot == SlotQAPrimary || slot == SlotQABackup {
				tr = o.trust.QA(s.model.ID)
			} else {
				tr = o.trust.Worker(s.model.ID)
			}
			if tr < trustFloor || s.quality < qualityFloor {
				continue
			}
			qualified = append(qualified, s)
		}

		sortScored(qualified)

		if preferProvider != "" {
			// Cross-provider diversity: move the preferred provider's best
			// candidate to the front when one qualifies.
			for i, s := range qualified {
				if s.model.Provider == preferProvider {
					best := qualified[i]
					copy(qualified[1:i+1], qualified[0:i])
					qualified[0] = best
					break
				}
			}
		}

		if len(qualified) > 0 {
			return qualified[0].model.ID
		}

		// Fallback: any registry model, best ratio first.
		all := make([]scored, 0, len(pool))
		for _, s := range pool {
			if !exclude[s.model.ID] {
				all = append(all, s)
			}
		}
		if len(all) == 0 {
			all = pool
		}
		sortScored(all)
		id := all[0].model.ID
		p.Rationale = append(p.Rationale, fmt.Sprintf("No qualified models for %s; using fallback %s", slot, id))
		return id
	}

	p.WorkerCheap = pick(workerScored, opts.WorkerTrustFloor, opts.MinPredictedQuality-workerCheapQualityRelax, nil, "", SlotWorkerCheap)
	p.WorkerImplementation = pick(workerScored, opts.WorkerTrustFloor, opts.MinPredictedQuality, nil, "", SlotWorkerImplementation)

	// Strategy prefers the provider other than implementation's for
	// cross-provider diversity.
	var otherProvider string
	if impl, ok := findModel(models, p.WorkerImplementation); ok {
		for _, m := range models {
			if m.Provider != impl.Provider {
				otherProvider = m.Provider
				break
			}
		}
	}
	p.WorkerStrategy = pick(workerScored, opts.WorkerTrustFloor, opts.MinPredictedQuality, nil, otherProvider, SlotWorkerStrategy)

	p.QAPrimary = pick(qaScored, opts.QATrustFloor, opts.MinPredictedQuality, nil, "", SlotQAPrimary)
	p.QABackup = pick(qaScored, opts.QATrustFloor, opts.MinPredictedQuality, map[string]bool{p.QAPrimary: true}, "", SlotQABackup)

	return p
}

// scoreAll computes quality and cost for each model: reliability augmented
// by the variance quality bias, and blended per-1K pricing scaled by the
// variance cost multiplier.
func (o *Optimizer) scoreAll(models []registry.Model, worker bool) []scored {
	out := make([]scored, 0, len(models))
	for _, m := range models {
		if !m.Eligible() {
			continue
		}
		quality := m.Reliability
		cost := m.InPer1K + m.OutPer1K

		// Variance state is keyed by task type; the portfolio view uses the
		// general bucket as the cross-task aggregate.
		if bias, ok := o.variance.QualityBias(m.ID, task.TypeGeneral); ok {
			quality += bias
		}
		if mult, ok := o.variance.CostMultiplier(m.ID, task.TypeGeneral); ok {
			cost *= mult
		}
		if quality < 0 {
			quality = 0
		}
		if quality > 1 {
			quality = 1
		}
		out = append(out, scored{model: m, quality: quality, cost: cost})
	}
	return out
}

func sortScored(pool []scored) {
	sort.SliceStable(pool, func(i, j int) bool {
		ri, rj := pool[i].ratio(), pool[j].ratio()
		if ri != rj {
			return ri > rj
		}
		return pool[i].model.ID < pool[j].model.ID
	})
}

func findModel(models []registry.Model, id string) (registry.Model, bool) {
	for _, m := range models {
		if m.ID == id {
			return m, true
		}
	}
	return registry.Model{}, false
}
