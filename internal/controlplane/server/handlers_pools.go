package server

import (
	"net/http"

	"github.com/packpool/packpool/internal/controlplane/store"
)

func (s *Server) handleCreatePool(w http.ResponseWriter, r *http.Request) {
	var pool store.Pool
	if !decodeJSON(w, r, &pool) {
		return
	}
	created, err := s.store.CreatePool(pool)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleListPools(w http.ResponseWriter, r *http.Request) {
	pools, err := s.store.ListPools()
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pools)
}

func (s *Server) handleGetPool(w http.ResponseWriter, r *http.Request) {
	pool, err := s.store.GetPool(r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pool)
}

func (s *Server) handleUpdatePool(w http.ResponseWriter, r *http.Request) {
	var pool store.Pool
	if !decodeJSON(w, r, &pool) {
		return
	}
	pool.ID = r.PathValue("id")
	updated, err := s.store.UpdatePool(pool)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeletePool(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeletePool(r.PathValue("id")); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePoolEndpoints(w http.ResponseWriter, r *http.Request) {
	if _, err := s.store.GetPool(r.PathValue("id")); err != nil {
		writeDomainError(w, err)
		return
	}
	eps, err := s.store.ListPoolEndpoints(r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, eps)
}

func (s *Server) handlePoolStates(w http.ResponseWriter, r *http.Request) {
	if _, err := s.store.GetPool(r.PathValue("id")); err != nil {
		writeDomainError(w, err)
		return
	}
	states, err := s.store.ListPoolStates(r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, states)
}

func (s *Server) handlePoolTarget(w http.ResponseWriter, r *http.Request) {
	target, err := s.store.GetTargetState(r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, target)
}

func (s *Server) handleAnalyzePool(w http.ResponseWriter, r *http.Request) {
	report, err := s.analyzer.Analyze(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handlePoolReport(w http.ResponseWriter, r *http.Request) {
	report, err := s.analyzer.Report(r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}
