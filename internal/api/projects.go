package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"strings"

	"dispatch/internal/derr"
	"dispatch/internal/ledger"
	"dispatch/internal/packager"
	"dispatch/internal/portfolio"
	"dispatch/internal/scheduler"
	"dispatch/internal/task"
)

// scenarioRequest is the project-run submission body.
type scenarioRequest struct {
	Directive        string  `json:"directive,omitempty"`
	PresetID         string  `json:"presetId,omitempty"`
	ProjectBudgetUSD float64 `json:"projectBudgetUSD"`
	TierProfile      string  `json:"tierProfile,omitempty"`
	Difficulty       string  `json:"difficulty,omitempty"`

	EstimateOnly        bool   `json:"estimateOnly,omitempty"`
	IncludeCouncilAudit bool   `json:"includeCouncilAudit,omitempty"`
	PortfolioMode       string `json:"portfolioMode,omitempty"`
	Concurrency         *struct {
		Worker int `json:"worker"`
		QA     int `json:"qa"`
	} `json:"concurrency,omitempty"`
	Async bool `json:"async,omitempty"`
}

// Plan is the deterministic decomposition of a directive into subtasks.
type Plan struct {
	Directive string             `json:"directive"`
	Subtasks  []packager.Subtask `json:"subtasks"`
}

// scenarioResponse is the synchronous project-run payload.
type scenarioResponse struct {
	Plan     Plan                   `json:"plan"`
	Packages []packager.WorkPackage `json:"packages"`
	Result   *scheduler.Result      `json:"result,omitempty"`
	Bundle   map[string]any         `json:"bundle,omitempty"`
}

func (s *Server) handleRunScenario(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, derr.New(derr.CodeValidation, "method not allowed; use POST"))
		return
	}

	var req scenarioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, derr.Wrap(derr.CodeValidation, "invalid request body", err))
		return
	}

	plan, err := s.resolvePlan(req)
	if err != nil {
		writeError(w, err)
		return
	}
	packages, err := packager.Build(plan.Subtasks)
	if err != nil {
		writeError(w, err)
		return
	}

	if req.EstimateOnly {
		writeJSON(w, http.StatusOK, scenarioResponse{Plan: plan, Packages: packages})
		return
	}
	if req.ProjectBudgetUSD <= 0 {
		writeError(w, derr.New(derr.CodeValidation, "projectBudgetUSD must be positive"))
		return
	}

	opts, err := s.scenarioOptions(req)
	if err != nil {
		writeError(w, err)
		return
	}

	sess := scheduler.NewSession()
	opts.Session = sess
	s.mu.Lock()
	s.sessions[sess.ID()] = sess
	s.mu.Unlock()

	sched := scheduler.New(s.registry, s.runnerFor(s.cfg.Router, false), s.cfg.Router, s.trust, s.variance)

	if req.Async {
		go func() {
			// Detached from the request; the websocket feed is the live view.
			result, err := sched.Run(context.Background(), packages, opts)
			if err != nil {
				log.Printf("[API] Async project run %s failed: %v", sess.ID(), err)
			}
			s.persistScenario(sess.ID(), scenarioResponse{Plan: plan, Packages: packages, Result: &result,
				Bundle: s.bundle(result, req.IncludeCouncilAudit)})
		}()
		writeJSON(w, http.StatusAccepted, map[string]string{"runSessionId": sess.ID()})
		return
	}

	result, err := sched.Run(r.Context(), packages, opts)
	if err != nil {
		writeError(w, err)
		return
	}
	resp := scenarioResponse{Plan: plan, Packages: packages, Result: &result,
		Bundle: s.bundle(result, req.IncludeCouncilAudit)}
	s.persistScenario(sess.ID(), resp)
	writeJSON(w, http.StatusOK, resp)
}

// bundle assembles the analytics attachment for a finished run. Tracker
// snapshots ride along only when the caller asked for the audit view.
func (s *Server) bundle(result scheduler.Result, audit bool) map[string]any {
	b := map[string]any{
		"ledger":  result.Ledger,
		"summary": ledger.Summarize([]ledger.Entry{result.Ledger}),
	}
	if audit {
		b["trust"] = s.trust.Snapshot()
		b["variance"] = s.variance.Snapshot()
	}
	return b
}

func (s *Server) persistScenario(runSessionID string, resp scenarioResponse) {
	if err := s.store.SaveProjectRun(runSessionID, resp); err != nil {
		log.Printf("[API] Project run save failed: %v", err)
	}
	if resp.Result != nil {
		if err := s.store.SaveLedger(resp.Result.Ledger); err != nil {
			log.Printf("[API] Ledger save failed: %v", err)
		}
	}
}

// scenarioOptions folds request knobs and the governance portfolio mode into
// scheduler options.
func (s *Server) scenarioOptions(req scenarioRequest) (scheduler.Options, error) {
	opts := scheduler.Options{
		Directive:           req.Directive,
		BudgetUSD:           req.ProjectBudgetUSD,
		TierProfile:         req.TierProfile,
		IncludeCouncilAudit: req.IncludeCouncilAudit,
	}
	if req.Concurrency != nil {
		opts.WorkerConcurrency = req.Concurrency.Worker
		opts.QAConcurrency = req.Concurrency.QA
	}

	switch req.TierProfile {
	case "", scheduler.TierCheap, scheduler.TierBalanced, scheduler.TierPremium:
	default:
		return opts, derr.Newf(derr.CodeValidation, "unknown tier profile %q", req.TierProfile)
	}

	mode := req.PortfolioMode
	if mode == "" {
		s.mu.Lock()
		mode = s.portfolioMode
		s.mu.Unlock()
	}
	switch mode {
	case scheduler.ModeOff, scheduler.ModePrefer, scheduler.ModeLock:
	default:
		return opts, derr.Newf(derr.CodeValidation, "unknown portfolio mode %q", mode)
	}
	opts.PortfolioMode = mode
	if mode != scheduler.ModeOff {
		p := s.cache.Get(portfolio.DefaultOptions(), false)
		opts.Portfolio = &p
	}
	return opts, nil
}

// resolvePlan turns a directive or preset into subtasks. Decomposition is
// purely deterministic: line and clause boundaries become subtask boundaries.
func (s *Server) resolvePlan(req scenarioRequest) (Plan, error) {
	if req.PresetID != "" {
		subtasks, ok := presets[req.PresetID]
		if !ok {
			return Plan{}, derr.Newf(derr.CodeNotFound, "unknown preset %q", req.PresetID)
		}
		return Plan{Directive: "preset:" + req.PresetID, Subtasks: subtasks}, nil
	}
	if strings.TrimSpace(req.Directive) == "" {
		return Plan{}, derr.New(derr.CodeValidation, "directive or presetId is required")
	}
	if req.Difficulty != "" && !task.Difficulty(req.Difficulty).Valid() {
		return Plan{}, derr.Newf(derr.CodeValidation, "unknown difficulty %q", req.Difficulty)
	}
	return Plan{
		Directive: req.Directive,
		Subtasks:  decomposeDirective(req.Directive, task.Difficulty(req.Difficulty)),
	}, nil
}

// decomposeDirective splits a directive on newlines and semicolons, stripping
// list markers. Every fragment becomes one subtask.
func decomposeDirective(directive string, diff task.Difficulty) []packager.Subtask {
	fields := strings.FieldsFunc(directive, func(r rune) bool {
		return r == '\n' || r == ';'
	})

	var subtasks []packager.Subtask
	for i, f := range fields {
		title := strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(f), "-*0123456789.) "))
		if title == "" {
			continue
		}
		subtasks = append(subtasks, packager.Subtask{
			ID:          "st-" + strconv.Itoa(i+1),
			Title:       title,
			Description: title,
			Difficulty:  diff,
		})
	}
	if len(subtasks) == 0 {
		subtasks = append(subtasks, packager.Subtask{
			ID:          "st-1",
			Title:       strings.TrimSpace(directive),
			Description: strings.TrimSpace(directive),
			Difficulty:  diff,
		})
	}
	return subtasks
}

// handleGetRun serves a persisted project run payload by session id.
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, derr.New(derr.CodeValidation, "method not allowed; use GET"))
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/runs/")
	if id == "" {
		writeError(w, derr.New(derr.CodeValidation, "run session id is required"))
		return
	}

	data, err := s.store.LoadProjectRun(id)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// presets are canned demo scenarios addressable by presetId.
var presets = map[string][]packager.Subtask{
	"feature-slice": {
		{ID: "p1", Title: "Implement the settings export endpoint", Description: "Implement an endpoint that exports user settings as JSON, including validation of the requested fields.", Importance: 4, RiskScore: 0.5, TaskType: task.TypeCode, Difficulty: task.DifficultyMedium},
		{ID: "p2", Title: "Write release notes for the export feature", Description: "Draft short release notes describing the new settings export endpoint for the changelog.", Importance: 2, RiskScore: 0.1, TaskType: task.TypeWriting, Difficulty: task.DifficultyLow, DependsOn: []string{"p1"}},
		{ID: "p3", Title: "Analyze rollout risk", Description: "Assess the blast radius of enabling settings export for all tenants and recommend a rollout order.", Importance: 3, RiskScore: 0.4, TaskType: task.TypeAnalysis, Difficulty: task.DifficultyMedium, DependsOn: []string{"p1"}},
	},
	"content-launch": {
		{ID: "c1", Title: "Draft the launch announcement", Description: "Write the launch announcement blog post covering the three headline capabilities.", Importance: 4, RiskScore: 0.2, TaskType: task.TypeWriting, Difficulty: task.DifficultyMedium},
		{ID: "c2", Title: "Draft the customer email", Description: "Write a short customer email announcing the launch, linking the blog post.", Importance: 3, RiskScore: 0.1, TaskType: task.TypeWriting, Difficulty: task.DifficultyLow, DependsOn: []string{"c1"}},
	},
	"incident-review": {
		{ID: "i1", Title: "Analyze the incident timeline", Description: "Reconstruct the incident timeline from the attached notes and identify the trigger.", Importance: 5, RiskScore: 0.7, TaskType: task.TypeAnalysis, Difficulty: task.DifficultyHigh},
		{ID: "i2", Title: "Write the postmortem summary", Description: "Summarize root cause, impact, and follow-ups in a postmortem document.", Importance: 4, RiskScore: 0.3, TaskType: task.TypeWriting, Difficulty: task.DifficultyMedium, DependsOn: []string{"i1"}},
		{ID: "i3", Title: "Implement the guardrail fix", Description: "Implement the validation guardrail identified as the root cause fix.", Importance: 5, RiskScore: 0.6, TaskType: task.TypeCode, Difficulty: task.DifficultyHigh, DependsOn: []string{"i1"}},
	},
}
