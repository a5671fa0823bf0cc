package registry

import (
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"dispatch/internal/derr"
	"dispatch/internal/task"
)

type priorKey struct {
	modelID    string
	taskType   task.Type
	difficulty task.Difficulty
}

// Registry is the authoritative, read-mostly catalog of models and their
// performance priors. Writes take the write lock and notify invalidation
// subscribers (the portfolio cache treats a notification as "refresh next").
type Registry struct {
	mu      sync.RWMutex
	models  map[string]*Model
	priors  map[priorKey]Prior
	version uint64

	subMu       sync.Mutex
	subscribers []func()
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		models: make(map[string]*Model),
		priors: make(map[priorKey]Prior),
	}
}

// seedFile is the YAML shape of a registry seed document.
type seedFile struct {
	Models []Model `yaml:"models"`
}

// LoadSeed populates the registry from a YAML seed file. Duplicate ids and
// negative pricing are rejected.
func LoadSeed(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read registry seed: %w", err)
	}
	var seed seedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("parse registry seed: %w", err)
	}

	r := New()
	for i := range seed.Models {
		m := seed.Models[i]
		if err := r.Upsert(m); err != nil {
			return nil, err
		}
	}
	log.Printf("[Registry] Loaded %d models from %s", len(seed.Models), path)
	return r, nil
}

// Upsert inserts or replaces a model. Pricing must be non-negative and
// expertise values must be within [0,1].
func (r *Registry) Upsert(m Model) error {
	if m.ID == "" {
		return derr.New(derr.CodeValidation, "model id is required")
	}
	if m.InPer1K < 0 || m.OutPer1K < 0 {
		return derr.Newf(derr.CodeValidation, "model %s: pricing must be non-negative", m.ID)
	}
	for tt, v := range m.Expertise {
		if v < 0 || v > 1 {
			return derr.Newf(derr.CodeValidation, "model %s: expertise[%s]=%v out of [0,1]", m.ID, tt, v)
		}
	}
	if m.Reliability < 0 || m.Reliability > 1 {
		return derr.Newf(derr.CodeValidation, "model %s: reliability %v out of [0,1]", m.ID, m.Reliability)
	}
	if m.Status == "" {
		m.Status = StatusActive
	}

	r.mu.Lock()
	cp := m
	r.models[m.ID] = &cp
	r.version++
	r.mu.Unlock()

	r.notify()
	return nil
}

// SetStatus changes a model's lifecycle status.
func (r *Registry) SetStatus(id string, status Status) error {
	r.mu.Lock()
	m, ok := r.models[id]
	if !ok {
		r.mu.Unlock()
		return derr.Newf(derr.CodeNotFound, "model %s not found", id)
	}
	m.Status = status
	r.version++
	r.mu.Unlock()

	r.notify()
	log.Printf("[Registry] Model %s status -> %s", id, status)
	return nil
}

// Get returns a copy of a model by id.
func (r *Registry) Get(id string) (Model, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.models[id]
	if !ok {
		return Model{}, false
	}
	return *m, true
}

// Models returns copies of all models, sorted by id for determinism.
func (r *Registry) Models() []Model {
	r.mu.RLock()
	out := make([]Model, 0, len(r.models))
	for _, m := range r.models {
		out = append(out, *m)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// IDs returns all model ids sorted ascending. Used as part of the portfolio
// cache key.
func (r *Registry) IDs() []string {
	models := r.Models()
	ids := make([]string, len(models))
	for i, m := range models {
		ids[i] = m.ID
	}
	return ids
}

// Version returns a counter incremented on every mutation.
func (r *Registry) Version() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.version
}

// SetPrior records a performance prior for (model, taskType, difficulty).
func (r *Registry) SetPrior(modelID string, tt task.Type, d task.Difficulty, p Prior) {
	if p.LastUpdated.IsZero() {
		p.LastUpdated = time.Now().UTC()
	}
	r.mu.Lock()
	r.priors[priorKey{modelID, tt, d}] = p
	r.mu.Unlock()
}

// QualityPrior returns the performance prior for (model, taskType,
// difficulty) if one has been derived.
func (r *Registry) QualityPrior(modelID string, tt task.Type, d task.Difficulty) (Prior, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.priors[priorKey{modelID, tt, d}]
	return p, ok
}

// Subscribe registers a callback invoked after every registry mutation.
// Callbacks must be fast and non-blocking.
func (r *Registry) Subscribe(fn func()) {
	r.subMu.Lock()
	r.subscribers = append(r.subscribers, fn)
	r.subMu.Unlock()
}

func (r *Registry) notify() {
	r.subMu.Lock()
	subs := make([]func(), len(r.subscribers))
	copy(subs, r.subscribers)
	r.subMu.Unlock()
	for _, fn := range subs {
		fn()
	}
}
