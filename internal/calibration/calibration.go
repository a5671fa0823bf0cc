// Package calibration maintains per (model, taskType) EWMA judge-score
// records that refine registry expertise priors over time.
package calibration

import (
	"math"
	"sync"
	"time"

	"dispatch/internal/task"
)

const (
	// Alpha is the EWMA smoothing factor for quality and absolute deviation.
	Alpha = 0.2

	// fullConfidenceSamples is the sample count at which confidence reaches 1.
	fullConfidenceSamples = 30
)

// Record is the calibration state for one (model, taskType) pair.
type Record struct {
	N           int       `json:"n"`
	EwmaQuality float64   `json:"ewma_quality"`
	EwmaAbsDev  float64   `json:"ewma_abs_dev"`
	Updated     time.Time `json:"last_updated"`
}

// Confidence is min(1, n/30).
func (r Record) Confidence() float64 {
	c := float64(r.N) / float64(fullConfidenceSamples)
	if c > 1 {
		return 1
	}
	return c
}

// CalibratedExpertise shrinks the EWMA toward zero for small samples:
// clamp(ewma - 0.15/sqrt(max(1,n)), 0, 0.99).
func (r Record) CalibratedExpertise() float64 {
	n := r.N
	if n < 1 {
		n = 1
	}
	e := r.EwmaQuality - 0.15/math.Sqrt(float64(n))
	if e < 0 {
		return 0
	}
	if e > 0.99 {
		return 0.99
	}
	return e
}

type key struct {
	modelID  string
	taskType task.Type
}

// Store holds calibration records. Updates are serialized per store; reads
// return copies.
type Store struct {
	mu      sync.RWMutex
	records map[key]Record
}

// NewStore creates an empty calibration store.
func NewStore() *Store {
	return &Store{records: make(map[key]Record)}
}

// Observe folds a judge overall score into the EWMA for (model, taskType).
// The first observation seeds the EWMA directly.
func (s *Store) Observe(modelID string, tt task.Type, score float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key{modelID, tt}
	rec, ok := s.records[k]
	if !ok || rec.N == 0 {
		rec = Record{N: 1, EwmaQuality: score, EwmaAbsDev: 0, Updated: time.Now().UTC()}
		s.records[k] = rec
		return
	}

	dev := math.Abs(score - rec.EwmaQuality)
	rec.EwmaQuality = Alpha*score + (1-Alpha)*rec.EwmaQuality
	rec.EwmaAbsDev = Alpha*dev + (1-Alpha)*rec.EwmaAbsDev
	rec.N++
	rec.Updated = time.Now().UTC()
	s.records[k] = rec
}

// Get returns the record for (model, taskType).
func (s *Store) Get(modelID string, tt task.Type) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[key{modelID, tt}]
	return rec, ok
}

// Calibrated returns the shrunk expertise and confidence for (model,
// taskType). ok is false when no evals have been recorded.
func (s *Store) Calibrated(modelID string, tt task.Type) (expertise, confidence float64, ok bool) {
	rec, found := s.Get(modelID, tt)
	if !found || rec.N == 0 {
		return 0, 0, false
	}
	return rec.CalibratedExpertise(), rec.Confidence(), true
}

// EffectiveExpertise blends the registry prior with calibrated expertise:
// prior*(1-w) + calibrated*w where w = 0.3*confidence.
func EffectiveExpertise(prior, calibrated, confidence float64) float64 {
	w := 0.3 * confidence
	return prior*(1-w) + calibrated*w
}

// Snapshot returns a copy of all records keyed "modelID|taskType" for
// persistence and observability.
func (s *Store) Snapshot() map[string]Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]Record, len(s.records))
	for k, v := range s.records {
		out[k.modelID+"|"+string(k.taskType)] = v
	}
	return out
}

// Load replaces the store contents from a persisted snapshot. Records with a
// malformed key are skipped.
func (s *Store) Load(snapshot map[string]Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = make(map[key]Record, len(snapshot))
	for raw, rec := range snapshot {
		for i := 0; i < len(raw); i++ {
			if raw[i] == '|' {
				s.records[key{raw[:i], task.Type(raw[i+1:])}] = rec
				break
			}
		}
	}
}
