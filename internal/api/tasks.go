package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/fidde/exception_clusterer/pkg/models"
)

// getTaskConfig resolves the effective configuration for a scope.
// GET /api/v1/tasks/config?task_type=&service_id=&log_source_id=
func (s *Server) getTaskConfig(w http.ResponseWriter, r *http.Request) {
	taskType := models.TaskType(r.URL.Query().Get("task_type"))
	serviceID := r.URL.Query().Get("service_id")
	logSource := r.URL.Query().Get("log_source_id")

	if taskType == "" {
		// No task type: resolve all of them for the scope.
		out := make([]*models.EffectiveConfig, 0, len(models.AllTaskTypes))
		for _, tt := range models.AllTaskTypes {
			eff, err := s.orch.ResolveConfig(r.Context(), tt, serviceID, logSource)
			if err != nil {
				s.respondDomainError(w, err)
				return
			}
			out = append(out, eff)
		}
		s.respondJSON(w, http.StatusOK, out)
		return
	}

	eff, err := s.orch.ResolveConfig(r.Context(), taskType, serviceID, logSource)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, eff)
}

// putTaskConfig writes configuration at one scope.
// PUT /api/v1/tasks/config/{scope} with scope in global|service|log_source
func (s *Server) putTaskConfig(w http.ResponseWriter, r *http.Request) {
	switch chi.URLParam(r, "scope") {
	case "global":
		var def models.TaskDefault
		if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if err := s.orch.SetDefault(r.Context(), &def); err != nil {
			s.respondDomainError(w, err)
			return
		}
		s.respondJSON(w, http.StatusOK, def)

	case "service":
		var cfg models.ServiceTaskConfig
		if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if err := s.orch.SetServiceOverride(r.Context(), &cfg); err != nil {
			s.respondDomainError(w, err)
			return
		}
		s.respondJSON(w, http.StatusOK, cfg)

	case "log_source":
		var cfg models.LogSourceConfig
		if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if err := s.orch.SetLogSourceOverride(r.Context(), &cfg); err != nil {
			s.respondDomainError(w, err)
			return
		}
		s.respondJSON(w, http.StatusOK, cfg)

	default:
		s.respondError(w, http.StatusBadRequest, "scope must be global, service or log_source")
	}
}

// serviceToggleHandler builds the enable-all / disable-all handler.
// POST /api/v1/services/{id}/enable-all | /disable-all
func (s *Server) serviceToggleHandler(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		serviceID := chi.URLParam(r, "id")
		if serviceID == "" {
			s.respondError(w, http.StatusBadRequest, "missing service id")
			return
		}

		var err error
		if enabled {
			err = s.orch.EnableAll(r.Context(), serviceID)
		} else {
			err = s.orch.DisableAll(r.Context(), serviceID)
		}
		if err != nil {
			s.respondDomainError(w, err)
			return
		}

		s.respondJSON(w, http.StatusOK, map[string]interface{}{
			"service_id": serviceID,
			"enabled":    enabled,
		})
	}
}

// triggerHandler builds the manual trigger handler for one task type.
// POST /api/v1/services/{id}/trigger-log-fetch | /trigger-rca | /trigger-code-indexing
func (s *Server) triggerHandler(taskType models.TaskType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		serviceID := chi.URLParam(r, "id")
		logSource := r.URL.Query().Get("log_source_id")

		taskID, err := s.orch.TriggerNow(r.Context(), taskType, serviceID, logSource)
		if err != nil {
			s.respondDomainError(w, err)
			return
		}
		s.respondJSON(w, http.StatusAccepted, map[string]string{
			"task_id":    taskID,
			"service_id": serviceID,
		})
	}
}

// getTaskStatus polls an async task handle.
// GET /api/v1/tasks/{task_id}
func (s *Server) getTaskStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.queue.Status(chi.URLParam(r, "task_id"))
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, status)
}
