package api

import "net/http"

func (s *Server) handleListWorkflows(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string][]string{"workflows": s.workflows.List()})
}

func (s *Server) handleListActivities(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string][]string{"activities": s.activities.List()})
}
