package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"parking-edge-sync/internal/engine"
	"parking-edge-sync/internal/telemetry"
)

// Server exposes the sync engine's operational surface: status, the live
// operation list, and the retry/clear/force-sync maintenance actions. It
// does not enqueue work; that stays in-process.
type Server struct {
	manager *engine.Manager
}

// New constructs the ops server.
func New(manager *engine.Manager) *Server {
	return &Server{manager: manager}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Get("/status", s.handleStatus)
	r.Get("/operations", s.handleList)
	r.Post("/operations/{id}/retry", s.handleRetry)
	r.Post("/operations/retry-failed", s.handleRetryFailed)
	r.Delete("/operations/completed", s.handleClearCompleted)
	r.Delete("/operations/failed", s.handleClearFailed)
	r.Post("/sync", s.handleForceSync)
	return r
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.manager.Status())
}

func (s *Server) handleList(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"operations": s.manager.ListOperations()})
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.manager.RetryOperation(id) {
		http.Error(w, "operation not found or not failed", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "retrying"})
}

func (s *Server) handleRetryFailed(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{"retried": s.manager.RetryAllFailed()})
}

func (s *Server) handleClearCompleted(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{"cleared": s.manager.ClearCompleted()})
}

func (s *Server) handleClearFailed(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{"cleared": s.manager.ClearFailed()})
}

func (s *Server) handleForceSync(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.manager.ForceSync(r.Context()))
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
