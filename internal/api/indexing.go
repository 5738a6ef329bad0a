package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/fidde/exception_clusterer/pkg/models"
)

// triggerIndexing requests an indexing run for a service.
// POST /api/v1/indexing/{service}/trigger?force_full=&log_source_id=
func (s *Server) triggerIndexing(w http.ResponseWriter, r *http.Request) {
	serviceID := chi.URLParam(r, "service")
	logSource := r.URL.Query().Get("log_source_id")
	forceFull, _ := strconv.ParseBool(r.URL.Query().Get("force_full"))

	taskID, err := s.indexing.Trigger(r.Context(), serviceID, logSource, models.TriggerManual, forceFull)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	s.respondJSON(w, http.StatusAccepted, map[string]string{
		"task_id": taskID,
	})
}

// indexingStatus returns the current indexing state for a service.
// GET /api/v1/indexing/{service}/status?log_source_id=
func (s *Server) indexingStatus(w http.ResponseWriter, r *http.Request) {
	rec, err := s.indexing.Status(r.Context(), chi.URLParam(r, "service"), r.URL.Query().Get("log_source_id"))
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, rec)
}

// indexingHistory returns prior runs, newest first.
// GET /api/v1/indexing/{service}/history?limit=&log_source_id=
func (s *Server) indexingHistory(w http.ResponseWriter, r *http.Request) {
	params := parsePaginationParams(r)
	runs, err := s.indexing.History(r.Context(), chi.URLParam(r, "service"), r.URL.Query().Get("log_source_id"), params.Limit)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	if runs == nil {
		runs = []*models.IndexingRun{}
	}
	s.respondJSON(w, http.StatusOK, runs)
}
