package api

import (
	"net/http"
	"time"
)

type healthResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// handleHealthz reports liveness plus a cheap store round trip, so a wedged
// database shows up as 503 instead of a healthy-looking facade.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if _, err := s.store.QueueDepths(r.Context(), time.Now().UTC()); err != nil {
		s.logger.Error("healthz store check", "error", err)
		s.writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "degraded", Error: "store unavailable"})
		return
	}
	s.writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
}
