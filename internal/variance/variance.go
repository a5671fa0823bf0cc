// Package variance tracks predicted-vs-actual cost and quality per
// (model, taskType) and exposes a cost multiplier and quality bias once
// enough observations have accumulated.
package variance

import (
	"sync"

	"dispatch/internal/task"
)

const (
	// minSamples is the observation count required before multipliers are
	// exposed.
	minSamples = 5

	costMultiplierFloor = 0.3
	costMultiplierCeil  = 3.0
)

// Bucket holds the running sums for one (model, taskType) pair.
type Bucket struct {
	NCost               int     `json:"n_cost"`
	SumEstimatedCost    float64 `json:"sum_estimated_cost"`
	SumActualCost       float64 `json:"sum_actual_cost"`
	NQuality            int     `json:"n_quality"`
	SumPredictedQuality float64 `json:"sum_predicted_quality"`
	SumActualQuality    float64 `json:"sum_actual_quality"`
}

// CostMultiplier is clamp(sumActual/sumEstimated, 0.3, 3.0); ok is false
// until NCost >= 5 or when the estimated sum is zero.
func (b Bucket) CostMultiplier() (float64, bool) {
	if b.NCost < minSamples || b.SumEstimatedCost <= 0 {
		return 1, false
	}
	m := b.SumActualCost / b.SumEstimatedCost
	if m < costMultiplierFloor {
		m = costMultiplierFloor
	}
	if m > costMultiplierCeil {
		m = costMultiplierCeil
	}
	return m, true
}

// QualityBias is mean(actual - predicted); ok is false until NQuality >= 5.
func (b Bucket) QualityBias() (float64, bool) {
	if b.NQuality < minSamples {
		return 0, false
	}
	return (b.SumActualQuality - b.SumPredictedQuality) / float64(b.NQuality), true
}

type key struct {
	modelID  string
	taskType task.Type
}

// Tracker owns the variance buckets. Updates swallow nothing: they are pure
// in-memory sums guarded by a mutex.
type Tracker struct {
	mu      sync.RWMutex
	buckets map[key]Bucket
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{buckets: make(map[key]Bucket)}
}

// Observe records one attempt's predicted-vs-actual cost and quality.
// Negative quality values mean "no quality observation for this attempt".
func (t *Tracker) Observe(modelID string, tt task.Type, estimatedCost, actualCost, predictedQuality, actualQuality float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	k := key{modelID, tt}
	b := t.buckets[k]
	if estimatedCost > 0 && actualCost >= 0 {
		b.NCost++
		b.SumEstimatedCost += estimatedCost
		b.SumActualCost += actualCost
	}
	if predictedQuality >= 0 && actualQuality >= 0 {
		b.NQuality++
		b.SumPredictedQuality += predictedQuality
		b.SumActualQuality += actualQuality
	}
	t.buckets[k] = b
}

// Get returns the bucket for (model, taskType).
func (t *Tracker) Get(modelID string, tt task.Type) (Bucket, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	b, ok := t.buckets[key{modelID, tt}]
	return b, ok
}

// CostMultiplier returns the exposed multiplier for (model, taskType).
func (t *Tracker) CostMultiplier(modelID string, tt task.Type) (float64, bool) {
	b, ok := t.Get(modelID, tt)
	if !ok {
		return 1, false
	}
	return b.CostMultiplier()
}

// QualityBias returns the exposed quality bias for (model, taskType).
func (t *Tracker) QualityBias(modelID string, tt task.Type) (float64, bool) {
	b, ok := t.Get(modelID, tt)
	if !ok {
		return 0, false
	}
	return b.QualityBias()
}

// Snapshot returns a copy of all buckets keyed "modelID|taskType".
func (t *Tracker) Snapshot() map[string]Bucket {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]Bucket, len(t.buckets))
	for k, v := range t.buckets {
		out[k.modelID+"|"+string(k.taskType)] = v
	}
	return out
}

// Load replaces tracker contents from a persisted snapshot.
func (t *Tracker) Load(snapshot map[string]Bucket) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buckets = make(map[key]Bucket, len(snapshot))
	for raw, b := range snapshot {
		for i := 0; i < len(raw); i++ {
			if raw[i] == '|' {
				t.buckets[key{raw[:i], task.Type(raw[i+1:])}] = b
				break
			}
		}
	}
}
