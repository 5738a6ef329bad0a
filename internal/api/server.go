// Package api provides the REST surface for clusters, RCA, indexing and
// task configuration.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/fidde/exception_clusterer/internal/indexing"
	"github.com/fidde/exception_clusterer/internal/queue"
	"github.com/fidde/exception_clusterer/internal/rca"
	"github.com/fidde/exception_clusterer/internal/storage"
	"github.com/fidde/exception_clusterer/internal/tasks"
	"github.com/fidde/exception_clusterer/pkg/models"
)

// Ingestor is the batch ingestion boundary.
type Ingestor interface {
	ProcessBatch(ctx context.Context, events []models.LogEvent) models.IngestResult
}

// Server is the REST API server.
type Server struct {
	store    storage.Storage
	ingestor Ingestor
	orch     *tasks.Orchestrator
	rca      *rca.Coordinator
	indexing *indexing.Scheduler
	queue    *queue.Queue
	router   *chi.Mux
	server   *http.Server
}

// PaginationParams contains pagination parameters from the query string.
type PaginationParams struct {
	Limit  int
	Offset int
}

// parsePaginationParams extracts pagination parameters from a request.
// Defaults: limit=100, offset=0, max_limit=1000.
func parsePaginationParams(r *http.Request) PaginationParams {
	const (
		defaultLimit = 100
		maxLimit     = 1000
	)

	limit := defaultLimit
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if parsed, err := strconv.Atoi(limitStr); err == nil && parsed > 0 {
			limit = parsed
			if limit > maxLimit {
				limit = maxLimit
			}
		}
	}

	offset := 0
	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		if parsed, err := strconv.Atoi(offsetStr); err == nil && parsed >= 0 {
			offset = parsed
		}
	}

	return PaginationParams{Limit: limit, Offset: offset}
}

// NewServer creates the API server and wires its routes.
func NewServer(addr string, store storage.Storage, ingestor Ingestor, orch *tasks.Orchestrator, rcaCoord *rca.Coordinator, scheduler *indexing.Scheduler, q *queue.Queue) *Server {
	s := &Server{
		store:    store,
		ingestor: ingestor,
		orch:     orch,
		rca:      rcaCoord,
		indexing: scheduler,
		queue:    q,
		router:   chi.NewRouter(),
	}

	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(60 * time.Second))

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.HandleHealth)

		r.Post("/ingest/logs", s.ingestLogs)

		r.Get("/clusters", s.listClusters)
		r.Get("/clusters/{id}", s.getCluster)
		r.Get("/clusters/{id}/samples", s.getClusterSamples)
		r.Get("/clusters/{id}/audit", s.getClusterAudit)
		r.Post("/clusters/{id}/skip", s.transitionHandler("skip"))
		r.Post("/clusters/{id}/resolve", s.transitionHandler("resolve"))
		r.Post("/clusters/{id}/reactivate", s.transitionHandler("reactivate"))

		r.Post("/clusters/{id}/rca/generate", s.generateRCA)
		r.Get("/clusters/{id}/rca", s.getRCA)
		r.Post("/rca/feedback", s.rcaFeedback)

		r.Get("/tasks/config", s.getTaskConfig)
		r.Put("/tasks/config/{scope}", s.putTaskConfig)
		r.Get("/tasks/{task_id}", s.getTaskStatus)

		r.Post("/services/{id}/enable-all", s.serviceToggleHandler(true))
		r.Post("/services/{id}/disable-all", s.serviceToggleHandler(false))
		r.Post("/services/{id}/trigger-log-fetch", s.triggerHandler(models.TaskLogFetch))
		r.Post("/services/{id}/trigger-rca", s.triggerHandler(models.TaskRCAGeneration))
		r.Post("/services/{id}/trigger-code-indexing", s.triggerHandler(models.TaskCodeIndexing))

		r.Post("/indexing/{service}/trigger", s.triggerIndexing)
		r.Get("/indexing/{service}/status", s.indexingStatus)
		r.Get("/indexing/{service}/history", s.indexingHistory)
	})

	s.server = &http.Server{
		Addr:    addr,
		Handler: s.router,
	}

	return s
}

// Start starts the API server.
func (s *Server) Start() error {
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the API server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondError writes an error response.
func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{
		"error": message,
	})
}

// respondDomainError maps sentinel errors to status codes.
func (s *Server) respondDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrNotFound):
		s.respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, models.ErrInvalidTransition), errors.Is(err, models.ErrAlreadyInProgress):
		s.respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, models.ErrCooldown):
		s.respondError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, models.ErrInvalidInput):
		s.respondError(w, http.StatusBadRequest, err.Error())
	default:
		s.respondError(w, http.StatusInternalServerError, err.Error())
	}
}
