package server

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/packpool/packpool/internal/controlplane/auth"
	"github.com/packpool/packpool/internal/controlplane/metrics"
	"github.com/packpool/packpool/internal/controlplane/store"
)

func (s *Server) registerRoutes(mux *http.ServeMux) {
	// Health + version + metrics
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /version", s.handleVersion)
	mux.Handle("GET /metrics", metrics.Handler())

	// Endpoint-facing API (agents calling home)
	mux.HandleFunc("POST /api/v1/endpoints/register", s.handleRegisterEndpoint)
	mux.HandleFunc("POST /api/v1/endpoints/{id}/heartbeat", s.handleHeartbeat)
	mux.HandleFunc("POST /api/v1/endpoints/{id}/facts", s.handlePushFacts)

	// Fleet API
	mux.HandleFunc("GET /api/v1/endpoints", s.withPermission(auth.PermFleetRead, s.handleListEndpoints))
	mux.HandleFunc("GET /api/v1/endpoints/{id}", s.withPermission(auth.PermFleetRead, s.handleGetEndpoint))
	mux.HandleFunc("DELETE /api/v1/endpoints/{id}", s.withPermission(auth.PermFleetWrite, s.handleDeleteEndpoint))
	mux.HandleFunc("POST /api/v1/endpoints/{id}/assign", s.withPermission(auth.PermFleetWrite, s.handleAssignEndpoint))
	mux.HandleFunc("GET /api/v1/fleet/summary", s.withPermission(auth.PermFleetRead, s.handleFleetSummary))
	mux.HandleFunc("POST /api/v1/fleet/reconcile", s.withPermission(auth.PermFleetWrite, s.handleReconcileNow))

	// Pools
	mux.HandleFunc("POST /api/v1/pools", s.withPermission(auth.PermPoolManage, s.handleCreatePool))
	mux.HandleFunc("GET /api/v1/pools", s.withPermission(auth.PermFleetRead, s.handleListPools))
	mux.HandleFunc("GET /api/v1/pools/{id}", s.withPermission(auth.PermFleetRead, s.handleGetPool))
	mux.HandleFunc("PUT /api/v1/pools/{id}", s.withPermission(auth.PermPoolManage, s.handleUpdatePool))
	mux.HandleFunc("DELETE /api/v1/pools/{id}", s.withPermission(auth.PermPoolManage, s.handleDeletePool))
	mux.HandleFunc("GET /api/v1/pools/{id}/endpoints", s.withPermission(auth.PermFleetRead, s.handlePoolEndpoints))
	mux.HandleFunc("GET /api/v1/pools/{id}/states", s.withPermission(auth.PermFleetRead, s.handlePoolStates))
	mux.HandleFunc("GET /api/v1/pools/{id}/target", s.withPermission(auth.PermFleetRead, s.handlePoolTarget))

	// Compatibility analysis
	mux.HandleFunc("POST /api/v1/pools/{id}/analyze", s.withPermission(auth.PermPoolManage, s.handleAnalyzePool))
	mux.HandleFunc("GET /api/v1/pools/{id}/report", s.withPermission(auth.PermFleetRead, s.handlePoolReport))

	// Sync operations
	mux.HandleFunc("POST /api/v1/endpoints/{id}/plan", s.withPermission(auth.PermFleetRead, s.handlePlanSync))
	mux.HandleFunc("POST /api/v1/endpoints/{id}/sync", s.withPermission(auth.PermSyncExec, s.handleSync))
	mux.HandleFunc("POST /api/v1/endpoints/{id}/set-latest", s.withPermission(auth.PermSyncExec, s.handleSetAsLatest))
	mux.HandleFunc("POST /api/v1/endpoints/{id}/revert", s.withPermission(auth.PermSyncExec, s.handleRevert))
	mux.HandleFunc("GET /api/v1/operations", s.withPermission(auth.PermFleetRead, s.handleListOperations))
	mux.HandleFunc("GET /api/v1/operations/{id}", s.withPermission(auth.PermFleetRead, s.handleGetOperation))
	mux.HandleFunc("POST /api/v1/operations/{id}/cancel", s.withPermission(auth.PermSyncExec, s.handleCancelOperation))

	// Events stream
	mux.HandleFunc("GET /api/v1/events", s.withPermission(auth.PermFleetRead, s.handleEventsSSE))

	// Operator key management
	if s.authStore != nil {
		mux.HandleFunc("POST /api/v1/keys", s.withPermission(auth.PermAdmin, s.handleCreateKey))
		mux.HandleFunc("GET /api/v1/keys", s.withPermission(auth.PermAdmin, s.handleListKeys))
		mux.HandleFunc("POST /api/v1/keys/{id}/revoke", s.withPermission(auth.PermAdmin, s.handleRevokeKey))
		mux.HandleFunc("DELETE /api/v1/keys/{id}", s.withPermission(auth.PermAdmin, s.handleDeleteKey))
	}
}

// ── Helpers ──────────────────────────────────────────────────

func (s *Server) withPermission(perm auth.Permission, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.requirePermission(w, r, perm) {
			return
		}
		next(w, r)
	}
}

func (s *Server) requirePermission(w http.ResponseWriter, r *http.Request, perm auth.Permission) bool {
	if s.authStore == nil {
		return true
	}
	if !auth.IsAuthenticated(r.Context()) {
		writeJSONError(w, http.StatusUnauthorized, "authentication_required", "authentication required")
		return false
	}
	if !auth.HasPermissionFromContext(r.Context(), perm) {
		writeJSONError(w, http.StatusForbidden, "insufficient_permissions", fmt.Sprintf("permission %s required", perm))
		return false
	}
	return true
}

// requireEndpointKey authenticates an agent request against the endpoint's
// own registration key. Only enforced when operator auth is enabled.
func (s *Server) requireEndpointKey(w http.ResponseWriter, r *http.Request, ep *store.Endpoint) bool {
	if s.authStore == nil {
		return true
	}
	given := r.Header.Get("X-Endpoint-Key")
	if given == "" || subtle.ConstantTimeCompare([]byte(given), []byte(ep.APIKey)) != 1 {
		writeJSONError(w, http.StatusUnauthorized, "invalid_endpoint_key", "endpoint key required")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	body := http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(body).Decode(dst); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "malformed JSON body: "+err.Error())
		return false
	}
	return true
}

// ── Health ───────────────────────────────────────────────────

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "ok")
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	_ = json.NewEncoder(w).Encode(map[string]string{
		"version": Version, "commit": Commit, "date": Date,
	})
}

// ── Events SSE ───────────────────────────────────────────────

func (s *Server) handleEventsSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "internal_error", "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	subID := fmt.Sprintf("sse-%d", time.Now().UnixNano())
	ch := s.eventBus.Subscribe(subID)
	defer s.eventBus.Unsubscribe(subID)

	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	keepalive := time.NewTicker(30 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case evt, open := <-ch:
			if !open {
				return
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Type, evt.JSON())
			flusher.Flush()
		}
	}
}

// ── Fleet summary and maintenance ────────────────────────────

func (s *Server) handleFleetSummary(w http.ResponseWriter, r *http.Request) {
	byStatus, err := s.store.CountEndpoints()
	if err != nil {
		writeDomainError(w, err)
		return
	}
	bySyncStatus, err := s.store.CountSyncStatuses()
	if err != nil {
		writeDomainError(w, err)
		return
	}
	pools, err := s.store.ListPools()
	if err != nil {
		writeDomainError(w, err)
		return
	}

	total := 0
	for _, n := range byStatus {
		total += n
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"endpoints":      total,
		"by_status":      byStatus,
		"by_sync_status": bySyncStatus,
		"pools":          len(pools),
	})
}

func (s *Server) handleReconcileNow(w http.ResponseWriter, r *http.Request) {
	s.reconciler.RunOnce()
	writeJSON(w, http.StatusOK, map[string]string{"status": "reconciled"})
}

// ── Operator keys ────────────────────────────────────────────

func (s *Server) handleCreateKey(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name        string            `json:"name"`
		Permissions []auth.Permission `json:"permissions"`
		ExpiresAt   *time.Time        `json:"expires_at,omitempty"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "name required")
		return
	}

	key, plain, err := s.authStore.Create(req.Name, req.Permissions, req.ExpiresAt)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "internal_error", "cannot create key")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"key":       key,
		"plaintext": plain, // shown exactly once
	})
}

func (s *Server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.authStore.List())
}

// handleRevokeKey disables a key without removing its record, so the
// audit trail of who held it survives. Delete removes the record entirely.
func (s *Server) handleRevokeKey(w http.ResponseWriter, r *http.Request) {
	if err := s.authStore.Revoke(r.PathValue("id")); err != nil {
		writeJSONError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

func (s *Server) handleDeleteKey(w http.ResponseWriter, r *http.Request) {
	if err := s.authStore.Delete(r.PathValue("id")); err != nil {
		writeJSONError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
