package api

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"dispatch/internal/derr"
	"dispatch/internal/persistence"
	"dispatch/internal/portfolio"
	"dispatch/internal/scheduler"
)

// handlePortfolioConfig reads or sets the governance portfolio mode.
func (s *Server) handlePortfolioConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.mu.Lock()
		mode := s.portfolioMode
		s.mu.Unlock()
		writeJSON(w, http.StatusOK, map[string]string{"mode": mode})

	case http.MethodPost:
		var body struct {
			Mode string `json:"mode"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, derr.Wrap(derr.CodeValidation, "invalid request body", err))
			return
		}
		switch body.Mode {
		case scheduler.ModeOff, scheduler.ModePrefer, scheduler.ModeLock:
		default:
			writeError(w, derr.Newf(derr.CodeValidation, "unknown portfolio mode %q", body.Mode))
			return
		}

		s.mu.Lock()
		s.portfolioMode = body.Mode
		s.mu.Unlock()

		if err := s.store.AppendGovernance(persistence.GovernanceEvent{
			Action: "portfolio_mode_set",
			Detail: map[string]any{"mode": body.Mode},
			TS:     time.Now().UTC().Format(time.RFC3339),
		}); err != nil {
			log.Printf("[API] Governance append failed: %v", err)
		}
		writeJSON(w, http.StatusOK, map[string]string{"mode": body.Mode})

	default:
		writeError(w, derr.New(derr.CodeValidation, "method not allowed"))
	}
}

// handlePortfolio returns the current cached recommendation. ?refresh=true
// forces a recompute.
func (s *Server) handlePortfolio(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, derr.New(derr.CodeValidation, "method not allowed; use GET"))
		return
	}
	p := s.cache.Get(portfolio.DefaultOptions(), r.URL.Query().Get("refresh") == "true")
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleTrust(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, derr.New(derr.CodeValidation, "method not allowed; use GET"))
		return
	}
	writeJSON(w, http.StatusOK, s.trust.Snapshot())
}

func (s *Server) handleVariance(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, derr.New(derr.CodeValidation, "method not allowed; use GET"))
		return
	}
	writeJSON(w, http.StatusOK, s.variance.Snapshot())
}

// handleModels joins the registry view with the per-model run counters.
func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, derr.New(derr.CodeValidation, "method not allowed; use GET"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"models": s.registry.Models(),
		"stats":  s.stats.Snapshot(),
	})
}
