// Package api is the HTTP surface of the engine: single-task runs, project
// scenario runs, governance reads and writes, and a websocket progress feed
// for async sessions.
package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"dispatch/internal/calibration"
	"dispatch/internal/config"
	"dispatch/internal/derr"
	"dispatch/internal/judge"
	"dispatch/internal/modelhr"
	"dispatch/internal/persistence"
	"dispatch/internal/portfolio"
	"dispatch/internal/provider"
	"dispatch/internal/registry"
	"dispatch/internal/router"
	"dispatch/internal/runner"
	"dispatch/internal/scheduler"
	"dispatch/internal/stats"
	"dispatch/internal/trust"
	"dispatch/internal/variance"
)

// Server holds the shared engine state behind the HTTP handlers.
type Server struct {
	cfg         *config.Config
	registry    *registry.Registry
	pool        *provider.Pool
	judge       judge.Judge
	calibration *calibration.Store
	variance    *variance.Tracker
	trust       *trust.Tracker
	stats       *stats.Tracker
	cache       *portfolio.Cache
	store       persistence.Driver
	hr          *modelhr.Store

	mu            sync.Mutex
	portfolioMode string
	sessions      map[string]*scheduler.Session

	upgrader websocket.Upgrader
}

// New wires a server over the shared engine components.
func New(cfg *config.Config, reg *registry.Registry, pool *provider.Pool, j judge.Judge,
	cal *calibration.Store, vt *variance.Tracker, tt *trust.Tracker, st *stats.Tracker,
	cache *portfolio.Cache, store persistence.Driver) *Server {
	return &Server{
		cfg:           cfg,
		registry:      reg,
		pool:          pool,
		judge:         j,
		calibration:   cal,
		variance:      vt,
		trust:         tt,
		stats:         st,
		cache:         cache,
		store:         store,
		portfolioMode: scheduler.ModeOff,
		sessions:      make(map[string]*scheduler.Session),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// SetModelHR attaches the model performance store. Runs are observed into it
// when one is present.
func (s *Server) SetModelHR(hr *modelhr.Store) {
	s.hr = hr
}

// Routes builds the request mux.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.Handle("/health", http.HandlerFunc(s.handleHealth))
	mux.Handle("/run", http.HandlerFunc(s.handleRun))
	mux.Handle("/projects/run-scenario", http.HandlerFunc(s.handleRunScenario))
	mux.Handle("/runs/", http.HandlerFunc(s.handleGetRun))

	mux.Handle("/governance/portfolio-config", http.HandlerFunc(s.handlePortfolioConfig))
	mux.Handle("/governance/portfolio", http.HandlerFunc(s.handlePortfolio))
	mux.Handle("/governance/trust", http.HandlerFunc(s.handleTrust))
	mux.Handle("/governance/variance", http.HandlerFunc(s.handleVariance))
	mux.Handle("/governance/models", http.HandlerFunc(s.handleModels))

	mux.Handle("/ws/runs/", http.HandlerFunc(s.handleRunSocket))
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"models": len(s.registry.IDs()),
	})
}

// runnerFor builds a request-scoped runner so per-request config overrides
// and test mode never leak into concurrent runs.
func (s *Server) runnerFor(cfg router.Config, testMode bool) *runner.Runner {
	pool := s.pool
	j := s.judge
	if testMode {
		pool = provider.NewPool()
		for _, m := range s.registry.Models() {
			if _, ok := pool.Get(m.Provider); !ok {
				pool.Register(provider.NewMockProvider(m.Provider))
			}
		}
		j = &judge.StaticJudge{}
	}
	return runner.New(s.registry, pool, cfg, j, s.calibration, s.variance, s.trust, s.stats)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[API] Response encode failed: %v", err)
	}
}

// writeError renders the structured error envelope. Business outcomes such
// as no_qualified_models map to 200 with the envelope in the body.
func writeError(w http.ResponseWriter, err error) {
	var de *derr.Error
	if !errors.As(err, &de) {
		de = derr.Wrap(derr.CodeInternal, "internal error", err)
	}
	body := map[string]any{
		"code":    de.Code,
		"message": de.Message,
	}
	if len(de.Details) > 0 {
		body["details"] = de.Details
	}
	writeJSON(w, derr.HTTPStatus(de.Code), body)
}
