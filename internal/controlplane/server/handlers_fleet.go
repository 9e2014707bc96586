package server

import (
	"crypto/rand"
	"encoding/hex"
	"net/http"

	"go.uber.org/zap"

	"github.com/packpool/packpool/internal/controlplane/events"
	"github.com/packpool/packpool/internal/protocol"
)

// ── Registration and agent data ──────────────────────────────

func (s *Server) handleRegisterEndpoint(w http.ResponseWriter, r *http.Request) {
	var reg protocol.RegisterPayload
	if !decodeJSON(w, r, &reg) {
		return
	}
	if reg.Name == "" {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "name required")
		return
	}

	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		writeJSONError(w, http.StatusInternalServerError, "internal_error", "cannot generate key")
		return
	}
	apiKey := "pek_" + hex.EncodeToString(raw)

	ep, err := s.store.RegisterEndpoint(reg, apiKey)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	s.logger.Info("endpoint registered",
		zap.String("endpoint", ep.ID),
		zap.String("name", ep.Name),
		zap.String("os", reg.OS),
	)
	s.eventBus.Publish(events.Event{
		Type:       events.EndpointRegistered,
		EndpointID: ep.ID,
		Summary:    "endpoint " + ep.Name + " registered",
	})

	writeJSON(w, http.StatusCreated, protocol.RegisteredPayload{
		EndpointID: ep.ID,
		APIKey:     apiKey,
	})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	ep, err := s.store.GetEndpoint(r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if !s.requireEndpointKey(w, r, ep) {
		return
	}
	if err := s.store.Heartbeat(ep.ID); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handlePushFacts(w http.ResponseWriter, r *http.Request) {
	ep, err := s.store.GetEndpoint(r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if !s.requireEndpointKey(w, r, ep) {
		return
	}

	var facts protocol.FactsPayload
	if !decodeJSON(w, r, &facts) {
		return
	}

	if err := s.store.ReplaceRepositories(ep.ID, facts.Repositories); err != nil {
		writeDomainError(w, err)
		return
	}
	if facts.Installed != nil {
		if err := s.store.UpdateInstalled(ep.ID, facts.Installed); err != nil {
			writeDomainError(w, err)
			return
		}
	}

	// Facts change what a plan would do; recompute status and honor the
	// pool's auto-sync policy.
	s.coordinator.ObserveFacts(r.Context(), ep.ID)

	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"repositories": len(facts.Repositories),
	})
}

// ── Fleet queries ────────────────────────────────────────────

func (s *Server) handleListEndpoints(w http.ResponseWriter, r *http.Request) {
	eps, err := s.store.ListEndpoints()
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, eps)
}

func (s *Server) handleGetEndpoint(w http.ResponseWriter, r *http.Request) {
	ep, err := s.store.GetEndpoint(r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ep)
}

func (s *Server) handleDeleteEndpoint(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.store.DeleteEndpoint(id); err != nil {
		writeDomainError(w, err)
		return
	}
	s.eventBus.Publish(events.Event{
		Type:       events.EndpointRemoved,
		EndpointID: id,
		Summary:    "endpoint removed by operator",
	})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAssignEndpoint(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PoolID string `json:"pool_id"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.PoolID == "" {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "pool_id required")
		return
	}

	if err := s.store.AssignEndpoint(r.PathValue("id"), req.PoolID); err != nil {
		writeDomainError(w, err)
		return
	}
	ep, err := s.store.GetEndpoint(r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ep)
}
