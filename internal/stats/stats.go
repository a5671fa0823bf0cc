// Package stats keeps lightweight per-model execution counters for the
// governance views. Heavier calibration and variance state live in their own
// trackers; this is just tallies.
package stats

import "sync"

// ModelStats are the running counters for one model.
type ModelStats struct {
	Runs               int     `json:"runs"`
	Retries            int     `json:"retries"`
	Failures           int     `json:"failures"`
	ValidationFailures int     `json:"validation_failures"`
	ExecutionErrors    int     `json:"execution_errors"`
	Escalations        int     `json:"escalations"`
	QualitySum         float64 `json:"quality_sum"`
	QualityCount       int     `json:"quality_count"`
	TotalCostUSD       float64 `json:"total_cost_usd"`
	TotalLatencyMs     int64   `json:"total_latency_ms"`
}

// AvgLatencyMs returns the mean latency over recorded runs.
func (s ModelStats) AvgLatencyMs() float64 {
	if s.Runs == 0 {
		return 0
	}
	return float64(s.TotalLatencyMs) / float64(s.Runs)
}

// AvgQuality returns the mean judged score over evaluated runs.
func (s ModelStats) AvgQuality() float64 {
	if s.QualityCount == 0 {
		return 0
	}
	return s.QualitySum / float64(s.QualityCount)
}

// Outcome describes one finished model attempt for the tally.
type Outcome struct {
	Retry            bool
	ValidationFailed bool
	ExecutionError   bool
	Escalated        bool
	Judged           bool
	Quality          float64
	CostUSD          float64
	LatencyMs        int64
}

// Tracker owns the counters.
type Tracker struct {
	mu     sync.RWMutex
	models map[string]ModelStats
}

// NewTracker creates an empty stats tracker.
func NewTracker() *Tracker {
	return &Tracker{models: make(map[string]ModelStats)}
}

// RecordRun tallies one model attempt.
func (t *Tracker) RecordRun(modelID string, o Outcome) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.models[modelID]
	s.Runs++
	if o.Retry {
		s.Retries++
	}
	if o.ValidationFailed {
		s.ValidationFailures++
	}
	if o.ExecutionError {
		s.ExecutionErrors++
	}
	if o.ValidationFailed || o.ExecutionError {
		s.Failures++
	}
	if o.Escalated {
		s.Escalations++
	}
	if o.Judged {
		s.QualitySum += o.Quality
		s.QualityCount++
	}
	s.TotalCostUSD += o.CostUSD
	s.TotalLatencyMs += o.LatencyMs
	t.models[modelID] = s
}

// Get returns the counters for a model.
func (t *Tracker) Get(modelID string) (ModelStats, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.models[modelID]
	return s, ok
}

// Snapshot returns a copy of all counters.
func (t *Tracker) Snapshot() map[string]ModelStats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]ModelStats, len(t.models))
	for id, s := range t.models {
		out[id] = s
	}
	return out
}

// Load replaces tracker contents from a persisted snapshot.
func (t *Tracker) Load(snapshot map[string]ModelStats) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.models = make(map[string]ModelStats, len(snapshot))
	for id, s := range snapshot {
		t.models[id] = s
	}
}
