package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/loomhq/loom/internal/engine"
	"github.com/loomhq/loom/internal/model"
	"github.com/loomhq/loom/internal/store"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxBodySize      = 1 << 20 // 1 MB
)

// listExecutionsResponse wraps the paginated list response.
type listExecutionsResponse struct {
	Executions []*model.Execution `json:"executions"`
	Total      int                `json:"total"`
	Limit      int                `json:"limit"`
	Offset     int                `json:"offset"`
}

func (s *Server) handleStartExecution(w http.ResponseWriter, r *http.Request) {
	var req engine.StartRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if req.WorkflowType == "" {
		s.writeError(w, http.StatusBadRequest, "workflow_type is required")
		return
	}
	if _, err := s.workflows.Resolve(req.WorkflowType); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	exec, err := s.engine.StartExecution(r.Context(), req)
	if errors.Is(err, store.ErrAlreadyExists) {
		s.writeError(w, http.StatusConflict, "an execution with this deduplication key is already running")
		return
	}
	if err != nil {
		s.logger.Error("start execution", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to start execution")
		return
	}

	s.writeJSON(w, http.StatusCreated, exec)
}

func (s *Server) handleDescribeExecution(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	desc, err := s.engine.DescribeExecution(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "execution not found")
		return
	}
	if err != nil {
		s.logger.Error("describe execution", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to describe execution")
		return
	}

	s.writeJSON(w, http.StatusOK, desc)
}

func (s *Server) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	events, err := s.engine.GetHistory(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "execution not found")
		return
	}
	if err != nil {
		s.logger.Error("get history", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get history")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	executions, total, err := s.store.ListExecutions(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("list executions", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list executions")
		return
	}

	if executions == nil {
		executions = []*model.Execution{}
	}

	s.writeJSON(w, http.StatusOK, listExecutionsResponse{
		Executions: executions,
		Total:      total,
		Limit:      limit,
		Offset:     offset,
	})
}

// signalRequest is the JSON body for POST /v1/executions/{id}/signal.
type signalRequest struct {
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func (s *Server) handleSignalExecution(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req signalRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Name == "" {
		s.writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	err := s.engine.SignalExecution(r.Context(), id, req.Name, req.Payload)
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "execution not found")
	case errors.Is(err, store.ErrExecutionClosed):
		s.writeError(w, http.StatusConflict, "execution is already closed")
	case err != nil:
		s.logger.Error("signal execution", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to signal execution")
	default:
		s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "signaled"})
	}
}

// cancelRequest is the JSON body for POST /v1/executions/{id}/cancel.
type cancelRequest struct {
	Reason string `json:"reason,omitempty"`
}

func (s *Server) handleCancelExecution(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req cancelRequest
	if r.ContentLength != 0 {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}

	err := s.engine.CancelExecution(r.Context(), id, req.Reason)
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "execution not found")
	case errors.Is(err, store.ErrExecutionClosed):
		s.writeError(w, http.StatusConflict, "execution is already closed")
	case err != nil:
		s.logger.Error("cancel execution", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to cancel execution")
	default:
		s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancel requested"})
	}
}

// queryRequest is the JSON body for POST /v1/executions/{id}/query.
type queryRequest struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

func (s *Server) handleQueryExecution(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req queryRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Name == "" {
		s.writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	result, err := s.engine.QueryExecution(r.Context(), id, req.Name, req.Args)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "execution not found")
		return
	}
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]json.RawMessage{"result": result})
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
