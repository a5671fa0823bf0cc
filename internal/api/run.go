package api

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/google/uuid"

	"dispatch/internal/derr"
	"dispatch/internal/packager"
	"dispatch/internal/registry"
	"dispatch/internal/router"
	"dispatch/internal/runner"
	"dispatch/internal/task"
)

// Run profiles.
const (
	ProfileFast    = "fast"
	ProfileStrict  = "strict"
	ProfileLowCost = "low_cost"
)

// runRequest is the single-task submission body. Field names follow the
// public wire contract.
type runRequest struct {
	Message     string            `json:"message"`
	TaskType    string            `json:"taskType,omitempty"`
	Difficulty  string            `json:"difficulty,omitempty"`
	Constraints *task.Constraints `json:"constraints,omitempty"`
	Profile     string            `json:"profile,omitempty"`
	TestMode    bool              `json:"testMode,omitempty"`

	SelectionPolicyOverride       string      `json:"selectionPolicyOverride,omitempty"`
	EscalationPolicyOverride      string      `json:"escalationPolicyOverride,omitempty"`
	EscalationRoutingModeOverride string      `json:"escalationRoutingModeOverride,omitempty"`
	PremiumTaskTypesOverride      []task.Type `json:"premiumTaskTypesOverride,omitempty"`
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, derr.New(derr.CodeValidation, "method not allowed; use POST"))
		return
	}

	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, derr.Wrap(derr.CodeValidation, "invalid request body", err))
		return
	}

	card, cfg, routing, err := s.resolveRun(req)
	if err != nil {
		writeError(w, err)
		return
	}

	run := s.runnerFor(cfg, req.TestMode)
	res, err := run.Run(r.Context(), runner.Request{
		Card:    card,
		Prompt:  req.Message,
		Routing: routing,
	})
	if err != nil && !derr.Is(err, derr.CodeNoQualifiedModels) {
		writeError(w, err)
		return
	}

	if !req.TestMode {
		if perr := s.store.AppendRun(res); perr != nil {
			log.Printf("[API] Run log append failed: %v", perr)
		}
		s.observeRun(card, res)
	}
	writeJSON(w, http.StatusOK, res)
}

// observeRun feeds a finished run into the model performance store. Only
// evaluated runs carry an actual quality worth learning from.
func (s *Server) observeRun(card task.Card, res runner.Result) {
	if s.hr == nil || res.ModelID == "" || res.Evaluation == nil || res.Evaluation.Status != "ok" {
		return
	}

	obs := registry.Observation{
		ModelID:       res.ModelID,
		TaskType:      card.Type,
		Difficulty:    card.Difficulty,
		ActualCostUSD: res.TotalCostUSD,
		ActualQuality: res.Evaluation.Overall,
	}
	if res.Decision.ExpectedCostUSD != nil {
		obs.PredictedCostUSD = *res.Decision.ExpectedCostUSD
	}
	for _, c := range res.Decision.Audit.Candidates {
		if c.ModelID == res.ModelID {
			obs.PredictedQuality = c.PredictedQuality
			break
		}
	}
	for _, a := range res.Attempts {
		if !a.Validation.OK {
			obs.DefectCount++
		}
	}

	if err := s.hr.Observe(obs); err != nil {
		log.Printf("[API] Model observation failed: %v", err)
	}
}

// resolveRun validates the request and folds profile and override knobs into
// a request-scoped router config.
func (s *Server) resolveRun(req runRequest) (task.Card, router.Config, router.RoutingOptions, error) {
	var routing router.RoutingOptions
	cfg := s.cfg.Router

	if req.Message == "" {
		return task.Card{}, cfg, routing, derr.New(derr.CodeValidation, "message is required")
	}

	tt := task.Type(req.TaskType)
	if req.TaskType == "" {
		tt = packager.InferTaskType(req.Message)
	} else if !tt.Valid() {
		return task.Card{}, cfg, routing, derr.Newf(derr.CodeValidation, "unknown task type %q", req.TaskType)
	}

	diff := task.Difficulty(req.Difficulty)
	if req.Difficulty == "" {
		diff = packager.InferDifficulty(req.Message)
	} else if !diff.Valid() {
		return task.Card{}, cfg, routing, derr.Newf(derr.CodeValidation, "unknown difficulty %q", req.Difficulty)
	}

	switch req.Profile {
	case "":
	case ProfileFast:
		cfg.EvaluationSampleRate = 0
		cfg.Escalation.Policy = ""
	case ProfileStrict:
		cfg.EvaluationSampleRate = 1
		cfg.Escalation.Policy = router.EscalationPromoteOnLowScore
	case ProfileLowCost:
		cfg.SelectionPolicy = router.PolicyLowestCostQualified
		routing.CheapestViableChosen = true
	default:
		return task.Card{}, cfg, routing, derr.Newf(derr.CodeValidation, "unknown profile %q", req.Profile)
	}

	if req.SelectionPolicyOverride != "" {
		cfg.SelectionPolicy = req.SelectionPolicyOverride
	}
	if req.EscalationPolicyOverride != "" {
		cfg.Escalation.Policy = req.EscalationPolicyOverride
	}
	if req.EscalationRoutingModeOverride != "" {
		cfg.Escalation.RoutingMode = req.EscalationRoutingModeOverride
	}
	if req.PremiumTaskTypesOverride != nil {
		cfg.PremiumTaskTypes = req.PremiumTaskTypesOverride
	}

	card := task.Card{
		ID:         uuid.NewString(),
		Type:       tt,
		Difficulty: diff,
	}
	if req.Constraints != nil {
		card.Constraints = *req.Constraints
	}
	return card, cfg, routing, nil
}
