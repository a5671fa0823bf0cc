// Package modelhr maintains the model performance file store: append-only
// observation logs, rolling performance priors pushed back into the registry,
// drift signals, and a governance action queue with optional auto-apply.
// Persistence failures here are observability losses, never run failures.
package modelhr

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"dispatch/internal/registry"
	"dispatch/internal/task"
)

// DefaultDataDir is the store location when MODEL_HR_DATA_DIR is unset.
const DefaultDataDir = ".data/model-hr"

const (
	// windowSize is the rolling observation window per (model, type,
	// difficulty).
	windowSize = 20

	// minSamplesForPrior is the window fill required before a prior is
	// derived and published to the registry.
	minSamplesForPrior = 5

	// costOverrunRatio flags a model whose mean actual/predicted cost ratio
	// exceeds it.
	costOverrunRatio = 1.5

	// qualityRegressionDelta flags a model whose mean observed quality falls
	// this far below its registry expertise.
	qualityRegressionDelta = 0.15
)

// Signal kinds.
const (
	SignalCostOverrun       = "cost_overrun"
	SignalQualityRegression = "quality_regression"
)

// ActionSetStatus is the only queued action type: a status change proposal.
const ActionSetStatus = "set_status"

// Signal is one drift finding, appended to signals.jsonl.
type Signal struct {
	ModelID string    `json:"model_id"`
	Kind    string    `json:"kind"`
	Value   float64   `json:"value"`
	Detail  string    `json:"detail,omitempty"`
	TS      time.Time `json:"ts"`
}

// Action is one queued governance proposal. Applied records whether it was
// auto-applied to the registry or left for manual review.
type Action struct {
	ModelID string          `json:"model_id"`
	Type    string          `json:"type"`
	Status  registry.Status `json:"status,omitempty"`
	Reason  string          `json:"reason"`
	Applied bool            `json:"applied"`
	TS      time.Time       `json:"ts"`
}

type windowKey struct {
	modelID    string
	taskType   task.Type
	difficulty task.Difficulty
}

// Store owns the data directory and the in-memory rolling windows.
type Store struct {
	mu        sync.Mutex
	dataDir   string
	reg       *registry.Registry
	autoApply bool
	windows   map[windowKey][]registry.Observation

	// flagged suppresses repeat signals for a model until restart.
	flagged map[string]bool
}

// New opens the store. dataDir "" falls back to MODEL_HR_DATA_DIR, then to
// DefaultDataDir. Auto-apply of queued actions is on unless
// MODEL_HR_AUTO_APPLY_DISABLE=true.
func New(reg *registry.Registry, dataDir string) (*Store, error) {
	if dataDir == "" {
		dataDir = os.Getenv("MODEL_HR_DATA_DIR")
	}
	if dataDir == "" {
		dataDir = DefaultDataDir
	}
	for _, dir := range []string{dataDir, filepath.Join(dataDir, "observations"), filepath.Join(dataDir, "priors")} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create model-hr dir %s: %w", dir, err)
		}
	}
	return &Store{
		dataDir:   dataDir,
		reg:       reg,
		autoApply: os.Getenv("MODEL_HR_AUTO_APPLY_DISABLE") != "true",
		windows:   make(map[windowKey][]registry.Observation),
		flagged:   make(map[string]bool),
	}, nil
}

// Observe ingests one predicted-vs-actual record: appends it to the model's
// observation log, re-derives the rolling prior, and evaluates drift rules.
func (s *Store) Observe(obs registry.Observation) error {
	if obs.Timestamp.IsZero() {
		obs.Timestamp = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.appendJSONL(filepath.Join("observations", obs.ModelID+".jsonl"), obs); err != nil {
		return err
	}

	key := windowKey{obs.ModelID, obs.TaskType, obs.Difficulty}
	win := append(s.windows[key], obs)
	if len(win) > windowSize {
		win = win[len(win)-windowSize:]
	}
	s.windows[key] = win

	if len(win) >= minSamplesForPrior {
		prior := derivePrior(win)
		s.reg.SetPrior(obs.ModelID, obs.TaskType, obs.Difficulty, prior)
		if err := s.writePriors(obs.ModelID); err != nil {
			return err
		}
	}
	return s.evaluateDrift(obs.ModelID, win)
}

// derivePrior folds a window into the registry prior shape.
func derivePrior(win []registry.Observation) registry.Prior {
	var quality, ratio float64
	var ratioN, defects int
	low, high := 1.0, 0.0
	for _, o := range win {
		quality += o.ActualQuality
		low = math.Min(low, o.ActualQuality)
		high = math.Max(high, o.ActualQuality)
		defects += o.DefectCount
		if o.PredictedCostUSD > 0 {
			ratio += o.ActualCostUSD / o.PredictedCostUSD
			ratioN++
		}
	}

	mult := 1.0
	if ratioN > 0 {
		mult = math.Min(5, math.Max(0.25, ratio/float64(ratioN)))
	}
	return registry.Prior{
		QualityPrior:     quality / float64(len(win)),
		CostMultiplier:   mult,
		SampleCount:      len(win),
		DefectRate:       float64(defects) / float64(len(win)),
		VarianceBandLow:  low,
		VarianceBandHigh: high,
		LastUpdated:      time.Now().UTC(),
	}
}

// evaluateDrift checks the window against the drift rules and files at most
// one signal+action per model per process lifetime.
func (s *Store) evaluateDrift(modelID string, win []registry.Observation) error {
	if len(win) < minSamplesForPrior || s.flagged[modelID] {
		return nil
	}

	var quality, ratio float64
	var ratioN int
	for _, o := range win {
		quality += o.ActualQuality
		if o.PredictedCostUSD > 0 {
			ratio += o.ActualCostUSD / o.PredictedCostUSD
			ratioN++
		}
	}
	meanQuality := quality / float64(len(win))

	if ratioN > 0 && ratio/float64(ratioN) > costOverrunRatio {
		return s.fileSignal(modelID, Signal{
			ModelID: modelID,
			Kind:    SignalCostOverrun,
			Value:   ratio / float64(ratioN),
			Detail:  fmt.Sprintf("mean cost ratio %.2f over %d observations", ratio/float64(ratioN), len(win)),
		})
	}

	if m, ok := s.reg.Get(modelID); ok {
		expected := m.ExpertiseFor(win[0].TaskType)
		if expected > 0 && meanQuality < expected-qualityRegressionDelta {
			return s.fileSignal(modelID, Signal{
				ModelID: modelID,
				Kind:    SignalQualityRegression,
				Value:   meanQuality,
				Detail:  fmt.Sprintf("mean quality %.2f against expertise %.2f", meanQuality, expected),
			})
		}
	}
	return nil
}

// fileSignal appends the signal and queues a probation proposal, applying it
// to the registry when auto-apply is enabled.
func (s *Store) fileSignal(modelID string, sig Signal) error {
	sig.TS = time.Now().UTC()
	s.flagged[modelID] = true
	if err := s.appendJSONL("signals.jsonl", sig); err != nil {
		return err
	}

	act := Action{
		ModelID: modelID,
		Type:    ActionSetStatus,
		Status:  registry.StatusProbation,
		Reason:  sig.Kind,
		Applied: s.autoApply,
		TS:      sig.TS,
	}
	if s.autoApply {
		if err := s.reg.SetStatus(modelID, registry.StatusProbation); err != nil {
			act.Applied = false
		}
	}
	return s.appendJSONL("actions.jsonl", act)
}

// writePriors snapshots every derived prior for a model into its priors file.
func (s *Store) writePriors(modelID string) error {
	out := make(map[string]registry.Prior)
	for key := range s.windows {
		if key.modelID != modelID {
			continue
		}
		if p, ok := s.reg.QualityPrior(modelID, key.taskType, key.difficulty); ok {
			out[string(key.taskType)+"/"+string(key.difficulty)] = p
		}
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(s.dataDir, "priors", modelID+".json"), data, 0o644)
}

func (s *Store) appendJSONL(name string, v any) error {
	line, err := json.Marshal(v)
	if err != nil {
		return err
	}
	fh, err := os.OpenFile(filepath.Join(s.dataDir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer fh.Close()
	_, err = fh.Write(append(line, '\n'))
	return err
}

// Signals reads the full signal log.
func (s *Store) Signals() ([]Signal, error) {
	var out []Signal
	err := readJSONL(filepath.Join(s.dataDir, "signals.jsonl"), func(data []byte) error {
		var sig Signal
		if err := json.Unmarshal(data, &sig); err != nil {
			return err
		}
		out = append(out, sig)
		return nil
	})
	return out, err
}

// Actions reads the full action queue.
func (s *Store) Actions() ([]Action, error) {
	var out []Action
	err := readJSONL(filepath.Join(s.dataDir, "actions.jsonl"), func(data []byte) error {
		var act Action
		if err := json.Unmarshal(data, &act); err != nil {
			return err
		}
		out = append(out, act)
		return nil
	})
	return out, err
}

// readJSONL streams a JSONL file line by line. A missing file yields no
// entries.
func readJSONL(path string, each func([]byte) error) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	start := 0
	for i, b := range data {
		if b != '\n' {
			continue
		}
		if i > start {
			if err := each(data[start:i]); err != nil {
				return err
			}
		}
		start = i + 1
	}
	if start < len(data) {
		return each(data[start:])
	}
	return nil
}
