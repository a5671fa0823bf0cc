package api

import (
	"log"
	"net/http"
	"strings"

	"dispatch/internal/derr"
	"dispatch/internal/scheduler"
)

// progressFrame is one websocket update for an async project run.
type progressFrame struct {
	RunSessionID string   `json:"runSessionId"`
	Status       string   `json:"status"`
	Total        int      `json:"total"`
	Completed    int      `json:"completed"`
	Running      int      `json:"running"`
	Warnings     []string `json:"warnings,omitempty"`
}

func frameOf(snap scheduler.Snapshot) progressFrame {
	return progressFrame{
		RunSessionID: snap.ID,
		Status:       snap.Status,
		Total:        snap.Progress.Total,
		Completed:    snap.Progress.Completed,
		Running:      snap.Progress.Running,
		Warnings:     snap.Progress.Warnings,
	}
}

// handleRunSocket streams session progress frames until the run terminates.
func (s *Server) handleRunSocket(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/ws/runs/")
	s.mu.Lock()
	sess, ok := s.sessions[id]
	s.mu.Unlock()
	if !ok {
		writeError(w, derr.Newf(derr.CodeNotFound, "run session %q not found", id))
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[API] Websocket upgrade failed for session %s: %v", id, err)
		return
	}
	defer conn.Close()

	ch, cancel := sess.Subscribe()
	defer cancel()

	// Current state first, then every published mutation. The channel closes
	// when the session terminates.
	if err := conn.WriteJSON(frameOf(sess.Snapshot())); err != nil {
		return
	}
	for snap := range ch {
		if err := conn.WriteJSON(frameOf(snap)); err != nil {
			return
		}
	}
	conn.WriteJSON(frameOf(sess.Snapshot()))
}
