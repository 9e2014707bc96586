package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/packpool/packpool/internal/controlplane/store"
)

func (s *Server) handlePlanSync(w http.ResponseWriter, r *http.Request) {
	dryRun := r.URL.Query().Get("dry_run") != "false"
	plan, err := s.coordinator.PlanSync(r.Context(), r.PathValue("id"), dryRun)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	op, err := s.coordinator.Sync(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, op)
}

func (s *Server) handleSetAsLatest(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Message string `json:"message,omitempty"`
	}
	if r.ContentLength > 0 && !decodeJSON(w, r, &req) {
		return
	}

	createdBy := "operator"
	state, err := s.coordinator.SetAsLatest(r.Context(), r.PathValue("id"), createdBy, req.Message)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, state)
}

func (s *Server) handleRevert(w http.ResponseWriter, r *http.Request) {
	var req struct {
		StateID string `json:"state_id,omitempty"`
	}
	if r.ContentLength > 0 && !decodeJSON(w, r, &req) {
		return
	}

	op, err := s.coordinator.Revert(r.Context(), r.PathValue("id"), req.StateID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, op)
}

func (s *Server) handleListOperations(w http.ResponseWriter, r *http.Request) {
	q := store.OperationQuery{
		EndpointID: r.URL.Query().Get("endpoint"),
		PoolID:     r.URL.Query().Get("pool"),
		Status:     store.OperationStatus(r.URL.Query().Get("status")),
	}
	if raw := r.URL.Query().Get("after"); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid_request", "after must be RFC3339")
			return
		}
		q.StartedAfter = &ts
	}
	if raw := r.URL.Query().Get("before"); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid_request", "before must be RFC3339")
			return
		}
		q.StartedBefore = &ts
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeJSONError(w, http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
			return
		}
		q.Limit = n
	}

	ops, err := s.store.ListOperations(q)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ops)
}

func (s *Server) handleGetOperation(w http.ResponseWriter, r *http.Request) {
	op, err := s.store.GetOperation(r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, op)
}

func (s *Server) handleCancelOperation(w http.ResponseWriter, r *http.Request) {
	op, err := s.coordinator.Cancel(r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, op)
}
