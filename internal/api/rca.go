package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/fidde/exception_clusterer/pkg/models"
)

// generateRCA requests analysis for a cluster. Concurrent requests for
// the same cluster share one task handle.
// POST /api/v1/clusters/{id}/rca/generate
func (s *Server) generateRCA(w http.ResponseWriter, r *http.Request) {
	taskID, err := s.rca.Generate(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	s.respondJSON(w, http.StatusAccepted, map[string]string{
		"task_id": taskID,
	})
}

// getRCA returns the stored analysis, or 202 while one is in flight.
// GET /api/v1/clusters/{id}/rca
func (s *Server) getRCA(w http.ResponseWriter, r *http.Request) {
	clusterID := chi.URLParam(r, "id")

	record, err := s.rca.Get(r.Context(), clusterID)
	if err != nil {
		if errors.Is(err, models.ErrGenerating) {
			taskID, _ := s.rca.InFlight(r.Context(), clusterID)
			s.respondJSON(w, http.StatusAccepted, map[string]string{
				"status":  "generating",
				"task_id": taskID,
			})
			return
		}
		s.respondDomainError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, record)
}

// rcaFeedback records a quality signal against a generated analysis.
// POST /api/v1/rca/feedback
func (s *Server) rcaFeedback(w http.ResponseWriter, r *http.Request) {
	var fb models.RCAFeedback
	if err := json.NewDecoder(r.Body).Decode(&fb); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.rca.Feedback(r.Context(), &fb); err != nil {
		s.respondDomainError(w, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, map[string]string{
		"message": "feedback recorded",
	})
}
