// Package rca coordinates root-cause-analysis generation: it gathers
// cluster context, invokes the analysis collaborator at most once per
// request wave, and persists the result.
package rca

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fidde/exception_clusterer/internal/locks"
	"github.com/fidde/exception_clusterer/internal/queue"
	"github.com/fidde/exception_clusterer/internal/storage"
	"github.com/fidde/exception_clusterer/pkg/models"
	"github.com/google/uuid"
)

// AnalysisInput is everything the collaborator sees for one cluster.
type AnalysisInput struct {
	Cluster   *models.ExceptionCluster
	Samples   []*models.LogSample
	CodeIndex *models.IndexingRecord
}

// Analyzer is the analysis collaborator boundary (the LLM-backed
// implementation lives outside this core). Analyze must honor ctx.
type Analyzer interface {
	Analyze(ctx context.Context, input AnalysisInput) (*models.RCARecord, error)
}

// Config holds coordinator configuration.
type Config struct {
	// Timeout bounds one collaborator call.
	Timeout time.Duration
	// MarkerTTL bounds how long an in-flight marker can outlive a
	// crashed worker before a new generation may start.
	MarkerTTL time.Duration
	// SampleLimit is how many retained log samples feed the analysis.
	SampleLimit int
}

// DefaultConfig returns default coordinator configuration.
func DefaultConfig() Config {
	return Config{
		Timeout:     2 * time.Minute,
		MarkerTTL:   10 * time.Minute,
		SampleLimit: 10,
	}
}

// Coordinator drives RCA generation with per-cluster single-flight.
type Coordinator struct {
	store    storage.Storage
	markers  locks.Keyspace
	queue    *queue.Queue
	analyzer Analyzer
	cfg      Config
	logger   *slog.Logger
}

// New creates a coordinator and registers its job handler on the queue.
func New(store storage.Storage, markers locks.Keyspace, q *queue.Queue, analyzer Analyzer, cfg Config, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Coordinator{
		store:    store,
		markers:  markers,
		queue:    q,
		analyzer: analyzer,
		cfg:      cfg,
		logger:   logger,
	}
	q.Register(models.TaskRCAGeneration, c.handle)
	return c
}

func markerKey(clusterID string) string {
	return "rca:" + clusterID
}

// Generate requests an RCA for the cluster. When a generation is
// already in flight, the existing task handle is returned instead of
// starting a duplicate: two concurrent callers end up polling the same
// task.
func (c *Coordinator) Generate(ctx context.Context, clusterID string) (string, error) {
	if _, err := c.store.GetCluster(ctx, clusterID); err != nil {
		return "", err
	}

	taskID := uuid.NewString()
	held, ok, err := c.markers.Acquire(ctx, markerKey(clusterID), taskID, c.cfg.MarkerTTL)
	if err != nil {
		return "", fmt.Errorf("acquiring marker: %w", err)
	}
	if !ok {
		return held, nil
	}

	_, err = c.queue.EnqueueTask(queue.Task{
		ID:      taskID,
		Type:    models.TaskRCAGeneration,
		Payload: map[string]string{"cluster_id": clusterID},
	})
	if err != nil {
		// Marker must not outlive a job that never started.
		if relErr := c.markers.Release(ctx, markerKey(clusterID), taskID); relErr != nil {
			c.logger.Warn("releasing marker after enqueue failure", "cluster_id", clusterID, "error", relErr)
		}
		return "", err
	}
	return taskID, nil
}

// handle runs one generation job on the worker pool. The marker is
// released on every exit path.
func (c *Coordinator) handle(ctx context.Context, task queue.Task) error {
	clusterID := task.Payload["cluster_id"]

	defer func() {
		if err := c.markers.Release(context.Background(), markerKey(clusterID), task.ID); err != nil {
			c.logger.Warn("releasing rca marker", "cluster_id", clusterID, "error", err)
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	cl, err := c.store.GetCluster(ctx, clusterID)
	if err != nil {
		return fmt.Errorf("loading cluster: %w", err)
	}
	samples, err := c.store.GetClusterSamples(ctx, clusterID, c.cfg.SampleLimit)
	if err != nil {
		return fmt.Errorf("loading samples: %w", err)
	}

	// Code index context is best-effort; a service that never indexed
	// still gets an analysis from log samples alone.
	var index *models.IndexingRecord
	if len(cl.Services) > 0 {
		if rec, err := c.store.GetIndexingRecord(ctx, cl.Services[0], ""); err == nil {
			index = rec
		}
	}

	record, err := c.analyzer.Analyze(ctx, AnalysisInput{
		Cluster:   cl,
		Samples:   samples,
		CodeIndex: index,
	})
	if err != nil {
		return fmt.Errorf("analyzing cluster %s: %w", clusterID, err)
	}
	if record == nil {
		return errors.New("analyzer returned no record")
	}

	record.ClusterID = clusterID
	if record.RCAID == "" {
		record.RCAID = uuid.NewString()
	}
	if record.GeneratedAt.IsZero() {
		record.GeneratedAt = time.Now()
	}

	if err := c.store.StoreRCA(ctx, record); err != nil {
		return fmt.Errorf("storing rca: %w", err)
	}

	c.logger.Info("rca generated", "cluster_id", clusterID, "confidence", record.ConfidenceScore)
	return nil
}

// Get returns the current RCA record. While a generation is in flight
// it returns ErrGenerating so callers know to poll rather than 404.
func (c *Coordinator) Get(ctx context.Context, clusterID string) (*models.RCARecord, error) {
	record, err := c.store.GetRCA(ctx, clusterID)
	if err == nil {
		return record, nil
	}
	if !errors.Is(err, models.ErrNotFound) {
		return nil, err
	}

	if _, held, markerErr := c.markers.Get(ctx, markerKey(clusterID)); markerErr == nil && held {
		return nil, models.ErrGenerating
	}
	return nil, models.ErrNotFound
}

// InFlight returns the task handle of a running generation, if any.
func (c *Coordinator) InFlight(ctx context.Context, clusterID string) (string, bool) {
	taskID, held, err := c.markers.Get(ctx, markerKey(clusterID))
	if err != nil {
		return "", false
	}
	return taskID, held
}

// Feedback records a quality signal against an RCA.
func (c *Coordinator) Feedback(ctx context.Context, fb *models.RCAFeedback) error {
	if fb.AccuracyRating != nil && (*fb.AccuracyRating < 1 || *fb.AccuracyRating > 5) {
		return fmt.Errorf("%w: accuracy_rating must be 1-5", models.ErrInvalidInput)
	}
	return c.store.AddRCAFeedback(ctx, fb)
}
