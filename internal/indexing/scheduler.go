// Package indexing schedules code-repository indexing runs per service
// (optionally per log source), enforcing a minimum re-index interval
// and one-run-at-a-time exclusivity.
package indexing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fidde/exception_clusterer/internal/queue"
	"github.com/fidde/exception_clusterer/internal/storage"
	"github.com/fidde/exception_clusterer/pkg/models"
)

// IndexRequest is handed to the indexing collaborator.
type IndexRequest struct {
	ServiceID string
	LogSource string
	Mode      models.IndexMode
	// SinceCommit is set for incremental runs: only artifacts changed
	// after this commit are processed.
	SinceCommit string
}

// IndexResult is what a completed run reports.
type IndexResult struct {
	Commit        string
	FilesIndexed  int
	BlocksIndexed int
}

// Indexer is the code-indexing collaborator boundary (git clone,
// parsing and embedding live outside this core).
type Indexer interface {
	Index(ctx context.Context, req IndexRequest) (IndexResult, error)
}

// Config holds scheduler configuration.
type Config struct {
	// MinInterval is the cooldown between successive runs for one
	// identity, regardless of trigger source.
	MinInterval time.Duration
	// Timeout bounds one collaborator call.
	Timeout time.Duration
	// StaleAfter is how old an in-flight claim may be before startup
	// recovery clears it.
	StaleAfter time.Duration
}

// DefaultConfig returns default scheduler configuration.
func DefaultConfig() Config {
	return Config{
		MinInterval: 5 * time.Minute,
		Timeout:     10 * time.Minute,
		StaleAfter:  30 * time.Minute,
	}
}

// Scheduler gates and runs indexing jobs.
type Scheduler struct {
	store   storage.Storage
	queue   *queue.Queue
	indexer Indexer
	cfg     Config
	logger  *slog.Logger

	// now is swappable in tests.
	now func() time.Time
}

// New creates a scheduler, clears stale claims from a previous process,
// and registers its job handler on the queue.
func New(store storage.Storage, q *queue.Queue, indexer Indexer, cfg Config, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		store:   store,
		queue:   q,
		indexer: indexer,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
	}

	if n, err := store.ReleaseStaleIndexing(context.Background(), cfg.StaleAfter, time.Now()); err != nil {
		logger.Warn("clearing stale indexing claims", "error", err)
	} else if n > 0 {
		logger.Info("cleared stale indexing claims", "count", n)
	}

	q.Register(models.TaskCodeIndexing, s.handle)
	return s
}

// Trigger requests an indexing run. A trigger during the cooldown
// window fails with ErrCooldown; one while a run is in flight fails
// with ErrAlreadyInProgress. Automatic triggers go through this same
// path and get no special treatment.
func (s *Scheduler) Trigger(ctx context.Context, serviceID, logSource string, trigger models.IndexTrigger, forceFull bool) (string, error) {
	if serviceID == "" {
		return "", models.ErrInvalidInput
	}

	rec, err := s.store.GetIndexingRecord(ctx, serviceID, logSource)
	if err != nil {
		return "", err
	}

	// force_full always reindexes everything; incremental without a
	// prior commit degenerates to full.
	mode := models.ModeIncremental
	if forceFull || rec.LastIndexedCommit == "" {
		mode = models.ModeFull
	}

	runID, err := s.store.ClaimIndexing(ctx, serviceID, logSource, trigger, mode, s.cfg.MinInterval, s.now())
	if err != nil {
		return "", err
	}

	taskID, err := s.queue.Enqueue(models.TaskCodeIndexing, serviceID, map[string]string{
		"run_id":       runID,
		"log_source":   logSource,
		"mode":         string(mode),
		"since_commit": rec.LastIndexedCommit,
	})
	if err != nil {
		// The claim must not survive a job that never queued.
		finishErr := s.store.FinishIndexing(ctx, serviceID, logSource, runID, &models.IndexingRun{
			RunID: runID, ServiceID: serviceID, LogSource: logSource,
			Mode: mode, Trigger: trigger, Error: "enqueue failed: " + err.Error(),
			FinishedAt: s.now(),
		})
		if finishErr != nil {
			s.logger.Warn("releasing claim after enqueue failure", "service_id", serviceID, "error", finishErr)
		}
		return "", err
	}
	return taskID, nil
}

// handle runs one indexing job on the worker pool.
func (s *Scheduler) handle(ctx context.Context, task queue.Task) error {
	serviceID := task.ServiceID
	logSource := task.Payload["log_source"]
	runID := task.Payload["run_id"]
	mode := models.IndexMode(task.Payload["mode"])
	sinceCommit := ""
	if mode == models.ModeIncremental {
		sinceCommit = task.Payload["since_commit"]
	}

	runCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	result, err := s.indexer.Index(runCtx, IndexRequest{
		ServiceID:   serviceID,
		LogSource:   logSource,
		Mode:        mode,
		SinceCommit: sinceCommit,
	})

	run := &models.IndexingRun{
		RunID:      runID,
		ServiceID:  serviceID,
		LogSource:  logSource,
		Mode:       mode,
		FinishedAt: s.now(),
	}
	if err != nil {
		run.Error = err.Error()
	} else {
		run.Commit = result.Commit
		run.FilesIndexed = result.FilesIndexed
		run.BlocksIndexed = result.BlocksIndexed
	}

	// The outcome write must not ride the run's context: a timed-out or
	// cancelled run still has to release the claim, or the identity is
	// stuck in-flight until restart recovery.
	finishCtx, finishCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer finishCancel()
	if finishErr := s.store.FinishIndexing(finishCtx, serviceID, logSource, runID, run); finishErr != nil {
		s.logger.Warn("recording indexing outcome", "service_id", serviceID, "run_id", runID, "error", finishErr)
	}

	if err != nil {
		return fmt.Errorf("indexing %s: %w", serviceID, err)
	}
	s.logger.Info("indexing completed", "service_id", serviceID, "mode", mode,
		"commit", result.Commit, "files", result.FilesIndexed)
	return nil
}

// Status returns the current indexing state for an identity.
func (s *Scheduler) Status(ctx context.Context, serviceID, logSource string) (*models.IndexingRecord, error) {
	return s.store.GetIndexingRecord(ctx, serviceID, logSource)
}

// History returns prior runs, newest first.
func (s *Scheduler) History(ctx context.Context, serviceID, logSource string, limit int) ([]*models.IndexingRun, error) {
	return s.store.ListIndexingRuns(ctx, serviceID, logSource, limit)
}
