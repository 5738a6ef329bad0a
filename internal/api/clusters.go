package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fidde/exception_clusterer/internal/cluster"
	"github.com/fidde/exception_clusterer/pkg/models"
)

// ingestLogs accepts a JSON batch of log events.
// POST /api/v1/ingest/logs
func (s *Server) ingestLogs(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Events []models.LogEvent `json:"events"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(payload.Events) == 0 {
		s.respondError(w, http.StatusBadRequest, "empty batch")
		return
	}

	result := s.ingestor.ProcessBatch(r.Context(), payload.Events)
	s.respondJSON(w, http.StatusAccepted, result)
}

// listClusters returns clusters matching the query filters.
// GET /api/v1/clusters?status=&service_id=&log_source_id=&since=
func (s *Server) listClusters(w http.ResponseWriter, r *http.Request) {
	params := parsePaginationParams(r)
	filter := models.ClusterFilter{
		ServiceID: r.URL.Query().Get("service_id"),
		LogSource: r.URL.Query().Get("log_source_id"),
		Limit:     params.Limit,
		Offset:    params.Offset,
	}

	if status := r.URL.Query().Get("status"); status != "" {
		cs := models.ClusterStatus(status)
		if !cs.Valid() {
			s.respondError(w, http.StatusBadRequest, "invalid status filter")
			return
		}
		filter.Status = cs
	}
	if since := r.URL.Query().Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		filter.Since = t
	}

	clusters, err := s.store.ListClusters(r.Context(), filter)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	if clusters == nil {
		clusters = []*models.ExceptionCluster{}
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"data":   clusters,
		"limit":  params.Limit,
		"offset": params.Offset,
	})
}

// getCluster returns one cluster by id.
// GET /api/v1/clusters/{id}
func (s *Server) getCluster(w http.ResponseWriter, r *http.Request) {
	cl, err := s.store.GetCluster(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, cl)
}

// getClusterSamples returns retained example occurrences.
// GET /api/v1/clusters/{id}/samples?limit=
func (s *Server) getClusterSamples(w http.ResponseWriter, r *http.Request) {
	clusterID := chi.URLParam(r, "id")
	if _, err := s.store.GetCluster(r.Context(), clusterID); err != nil {
		s.respondDomainError(w, err)
		return
	}

	params := parsePaginationParams(r)
	samples, err := s.store.GetClusterSamples(r.Context(), clusterID, params.Limit)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	if samples == nil {
		samples = []*models.LogSample{}
	}
	s.respondJSON(w, http.StatusOK, samples)
}

// getClusterAudit returns the lifecycle transition history.
// GET /api/v1/clusters/{id}/audit
func (s *Server) getClusterAudit(w http.ResponseWriter, r *http.Request) {
	clusterID := chi.URLParam(r, "id")
	if _, err := s.store.GetCluster(r.Context(), clusterID); err != nil {
		s.respondDomainError(w, err)
		return
	}

	audits, err := s.store.ListStatusAudit(r.Context(), clusterID)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	if audits == nil {
		audits = []*models.StatusAudit{}
	}
	s.respondJSON(w, http.StatusOK, audits)
}

// transitionHandler builds the handler for one lifecycle action.
// POST /api/v1/clusters/{id}/skip | /resolve | /reactivate
func (s *Server) transitionHandler(action string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		clusterID := chi.URLParam(r, "id")

		var payload struct {
			Actor string `json:"actor"`
		}
		// Body is optional; an absent actor is recorded as such.
		_ = json.NewDecoder(r.Body).Decode(&payload)
		if payload.Actor == "" {
			payload.Actor = "api"
		}

		to, allowedFrom, err := cluster.Resolve(cluster.Action(action))
		if err != nil {
			s.respondDomainError(w, err)
			return
		}

		cl, err := s.store.TransitionCluster(r.Context(), clusterID, to, allowedFrom, payload.Actor)
		if err != nil {
			s.respondDomainError(w, err)
			return
		}
		s.respondJSON(w, http.StatusOK, cl)
	}
}
