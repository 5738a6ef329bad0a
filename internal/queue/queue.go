// Package queue is the in-process job queue behind the orchestrator:
// a buffered channel drained by a worker pool, with pollable task
// handles. Long-running jobs (RCA generation, indexing, log fetch)
// return a handle immediately and run here.
package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/fidde/exception_clusterer/pkg/models"
	"github.com/google/uuid"
)

// Task is one queued job. Payload carries job-specific parameters.
type Task struct {
	ID        string
	Type      models.TaskType
	ServiceID string
	Payload   map[string]string
}

// Handler executes one task type. A non-nil error marks the task failed.
type Handler func(ctx context.Context, task Task) error

// Config holds queue configuration.
type Config struct {
	Workers   int
	Depth     int
	Retention time.Duration
}

// DefaultConfig returns default queue configuration.
func DefaultConfig() Config {
	return Config{
		Workers:   4,
		Depth:     256,
		Retention: time.Hour,
	}
}

// Queue dispatches tasks to registered handlers on a worker pool.
type Queue struct {
	ch        chan Task
	logger    *slog.Logger
	retention time.Duration

	mu       sync.Mutex
	handlers map[models.TaskType]Handler
	statuses map[string]*models.TaskStatus

	closeCh   chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New creates a queue and starts its workers.
func New(cfg Config, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.Depth <= 0 {
		cfg.Depth = 256
	}
	if cfg.Retention <= 0 {
		cfg.Retention = time.Hour
	}

	q := &Queue{
		ch:        make(chan Task, cfg.Depth),
		logger:    logger,
		retention: cfg.Retention,
		handlers:  make(map[models.TaskType]Handler),
		statuses:  make(map[string]*models.TaskStatus),
		closeCh:   make(chan struct{}),
	}

	q.wg.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go q.worker()
	}
	return q
}

// Register installs the handler for a task type. Must be called before
// tasks of that type are enqueued.
func (q *Queue) Register(taskType models.TaskType, handler Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[taskType] = handler
}

// Enqueue queues a task and returns its handle id.
func (q *Queue) Enqueue(taskType models.TaskType, serviceID string, payload map[string]string) (string, error) {
	return q.EnqueueTask(Task{
		Type:      taskType,
		ServiceID: serviceID,
		Payload:   payload,
	})
}

// EnqueueTask queues a pre-built task. An empty ID is assigned one;
// callers that need the handle before enqueueing (single-flight
// markers) set it themselves.
func (q *Queue) EnqueueTask(task Task) (string, error) {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}

	q.mu.Lock()
	q.pruneLocked()
	q.statuses[task.ID] = &models.TaskStatus{
		TaskID:     task.ID,
		Type:       task.Type,
		ServiceID:  task.ServiceID,
		State:      models.TaskPending,
		EnqueuedAt: time.Now(),
	}
	q.mu.Unlock()

	// Closed wins over free buffer space: a task accepted after the
	// workers exited would sit pending forever.
	select {
	case <-q.closeCh:
		q.dropStatus(task.ID)
		return "", errors.New("queue is closed")
	default:
	}

	select {
	case q.ch <- task:
		return task.ID, nil
	case <-q.closeCh:
		q.dropStatus(task.ID)
		return "", errors.New("queue is closed")
	default:
		q.dropStatus(task.ID)
		return "", errors.New("queue is full")
	}
}

func (q *Queue) dropStatus(taskID string) {
	q.mu.Lock()
	delete(q.statuses, taskID)
	q.mu.Unlock()
}

// Stats is a point-in-time snapshot of queue load.
type Stats struct {
	Queued    int `json:"queued"`
	Capacity  int `json:"capacity"`
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// Stats reports buffered depth and handle counts by state.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	stats := Stats{
		Queued:   len(q.ch),
		Capacity: cap(q.ch),
	}
	for _, status := range q.statuses {
		switch status.State {
		case models.TaskPending:
			stats.Pending++
		case models.TaskRunning:
			stats.Running++
		case models.TaskCompleted:
			stats.Completed++
		case models.TaskFailed:
			stats.Failed++
		}
	}
	return stats
}

// Status returns the pollable state of a task handle.
func (q *Queue) Status(taskID string) (*models.TaskStatus, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	status, ok := q.statuses[taskID]
	if !ok {
		return nil, models.ErrNotFound
	}
	s := *status
	return &s, nil
}

func (q *Queue) worker() {
	defer q.wg.Done()

	for {
		select {
		case task := <-q.ch:
			q.run(task)
		case <-q.closeCh:
			// Drain what is already queued before exiting.
			for {
				select {
				case task := <-q.ch:
					q.run(task)
				default:
					return
				}
			}
		}
	}
}

func (q *Queue) run(task Task) {
	q.mu.Lock()
	handler := q.handlers[task.Type]
	if status, ok := q.statuses[task.ID]; ok {
		status.State = models.TaskRunning
	}
	q.mu.Unlock()

	var err error
	if handler == nil {
		err = errors.New("no handler registered")
	} else {
		err = handler(context.Background(), task)
	}

	q.mu.Lock()
	if status, ok := q.statuses[task.ID]; ok {
		status.FinishedAt = time.Now()
		if err != nil {
			status.State = models.TaskFailed
			status.Error = err.Error()
		} else {
			status.State = models.TaskCompleted
		}
	}
	q.mu.Unlock()

	if err != nil {
		q.logger.Warn("task failed", "task_id", task.ID, "type", task.Type, "error", err)
	}
}

// pruneLocked drops finished handles past the retention window.
func (q *Queue) pruneLocked() {
	cutoff := time.Now().Add(-q.retention)
	for id, status := range q.statuses {
		if status.State == models.TaskCompleted || status.State == models.TaskFailed {
			if status.FinishedAt.Before(cutoff) {
				delete(q.statuses, id)
			}
		}
	}
}

// Close stops accepting work and waits for queued tasks to drain.
func (q *Queue) Close() {
	q.closeOnce.Do(func() {
		close(q.closeCh)
		q.wg.Wait()
	})
}
