// Package trust maintains bounded, decaying per-model trust scores split by
// role (worker vs QA). Scores feed portfolio selection and routing floors.
package trust

import (
	"math"
	"sync"
	"time"
)

const (
	// Initial is the starting trust for a model never seen before.
	Initial = 0.7

	// Floor is the lowest trust can fall, before or after decay.
	Floor = 0.35

	// WorkerAlpha is the update step size for worker trust.
	WorkerAlpha = 0.15

	// QAAlpha is the update step size for QA trust.
	QAAlpha = 0.2

	// decayGraceDays is the inactivity window before decay starts.
	decayGraceDays = 7

	// decayPerDay is the linear decay applied per day past the grace window.
	decayPerDay = 0.01
)

// Entry is the stored trust state for one model.
type Entry struct {
	Worker  float64   `json:"worker"`
	QA      float64   `json:"qa"`
	Updated time.Time `json:"last_updated"`
}

// WorkerSignal carries the inputs for a worker trust update.
type WorkerSignal struct {
	PredictedQuality float64
	ActualQuality    float64

	// QAPassKnown is true when a QA verdict exists for this execution.
	QAPassKnown bool
	QAPassed    bool

	// CostRatio is actualCost/expectedCost; values <= 0 mean unknown.
	CostRatio float64
}

// Delta computes the trust delta for the signal before the alpha step:
// reward under-promising, penalize over-promising, QA failure, and cost
// overruns beyond 1.3x.
func (s WorkerSignal) Delta() float64 {
	d := 0.10*math.Max(0, s.ActualQuality-s.PredictedQuality) -
		0.15*math.Max(0, s.PredictedQuality-s.ActualQuality)
	if s.QAPassKnown && !s.QAPassed {
		d -= 0.35
	}
	if s.CostRatio > 1.3 {
		d -= 0.12 * math.Min(1, (s.CostRatio-1.3)/0.7)
	}
	return d
}

// Tracker owns the trust entries. Updates are serialized; reads apply time
// decay without mutating stored state.
type Tracker struct {
	mu      sync.RWMutex
	entries map[string]Entry

	// now is injectable for tests.
	now func() time.Time
}

// NewTracker creates an empty trust tracker.
func NewTracker() *Tracker {
	return &Tracker{
		entries: make(map[string]Entry),
		now:     time.Now,
	}
}

// SetClock overrides the tracker's clock. Tests only.
func (t *Tracker) SetClock(now func() time.Time) {
	t.mu.Lock()
	t.now = now
	t.mu.Unlock()
}

func clampTrust(v float64) float64 {
	if v < Floor {
		return Floor
	}
	if v > 1 {
		return 1
	}
	return v
}

// decayed applies read-time linear decay past the grace window.
func decayed(score float64, updated, now time.Time) float64 {
	if updated.IsZero() {
		return score
	}
	days := now.Sub(updated).Hours() / 24
	if days <= decayGraceDays {
		return score
	}
	return clampTrust(score - decayPerDay*(days-decayGraceDays))
}

func (t *Tracker) entry(modelID string) Entry {
	e, ok := t.entries[modelID]
	if !ok {
		return Entry{Worker: Initial, QA: Initial}
	}
	return e
}

// UpdateWorker applies a worker trust update for a model.
func (t *Tracker) UpdateWorker(modelID string, sig WorkerSignal) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	e := t.entry(modelID)
	e.Worker = clampTrust(e.Worker + WorkerAlpha*sig.Delta())
	e.Updated = t.now().UTC()
	t.entries[modelID] = e
	return e.Worker
}

// UpdateQA applies a QA trust update: +0.10 on agreement with deterministic
// QA, -0.15 on disagreement, scaled by QAAlpha.
func (t *Tracker) UpdateQA(modelID string, agreed bool) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	delta := 0.10
	if !agreed {
		delta = -0.15
	}
	e := t.entry(modelID)
	e.QA = clampTrust(e.QA + QAAlpha*delta)
	e.Updated = t.now().UTC()
	t.entries[modelID] = e
	return e.QA
}

// Worker returns the decayed worker trust for a model.
func (t *Tracker) Worker(modelID string) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e := t.entry(modelID)
	return decayed(e.Worker, e.Updated, t.now())
}

// QA returns the decayed QA trust for a model.
func (t *Tracker) QA(modelID string) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e := t.entry(modelID)
	return decayed(e.QA, e.Updated, t.now())
}

// Snapshot returns decayed copies of all entries for observability and
// persistence.
func (t *Tracker) Snapshot() map[string]Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()

	now := t.now()
	out := make(map[string]Entry, len(t.entries))
	for id, e := range t.entries {
		out[id] = Entry{
			Worker:  decayed(e.Worker, e.Updated, now),
			QA:      decayed(e.QA, e.Updated, now),
			Updated: e.Updated,
		}
	}
	return out
}

// Load replaces tracker contents from a persisted snapshot.
func (t *Tracker) Load(snapshot map[string]Entry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = make(map[string]Entry, len(snapshot))
	for id, e := range snapshot {
		t.entries[id] = e
	}
}
