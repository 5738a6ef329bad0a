// Package tasks resolves effective task configuration across the three
// scopes (global default, service override, log-source override) and
// drives periodic and manual job triggering.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fidde/exception_clusterer/internal/indexing"
	"github.com/fidde/exception_clusterer/internal/queue"
	"github.com/fidde/exception_clusterer/internal/rca"
	"github.com/fidde/exception_clusterer/internal/storage"
	"github.com/fidde/exception_clusterer/pkg/models"
)

// Fetcher is the log-source connector boundary: it pulls a batch of
// recent events from one source. Implementations (OpenSearch, Loki,
// CloudWatch, ...) live outside this core.
type Fetcher interface {
	Fetch(ctx context.Context, serviceID, logSource string) ([]models.LogEvent, error)
}

// Ingestor receives fetched events; the ingest processor implements it.
type Ingestor interface {
	ProcessBatch(ctx context.Context, events []models.LogEvent) models.IngestResult
}

// Config holds orchestrator configuration.
type Config struct {
	// TickInterval is how often the periodic loop scans for due work.
	TickInterval time.Duration
	// FetchTimeout bounds one fetch collaborator call.
	FetchTimeout time.Duration
	// CleanupRetention is how much job/audit/sample history cleanup keeps.
	CleanupRetention time.Duration
}

// DefaultConfig returns default orchestrator configuration.
func DefaultConfig() Config {
	return Config{
		TickInterval:     30 * time.Second,
		FetchTimeout:     time.Minute,
		CleanupRetention: 30 * 24 * time.Hour,
	}
}

// Orchestrator merges configuration scopes and enqueues due jobs.
type Orchestrator struct {
	store    storage.Storage
	queue    *queue.Queue
	fetcher  Fetcher
	ingestor Ingestor
	indexer  *indexing.Scheduler
	rca      *rca.Coordinator
	cfg      Config
	logger   *slog.Logger

	now func() time.Time
}

// New creates an orchestrator and registers its job handlers.
func New(store storage.Storage, q *queue.Queue, fetcher Fetcher, ingestor Ingestor, indexer *indexing.Scheduler, rcaCoord *rca.Coordinator, cfg Config, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	o := &Orchestrator{
		store:    store,
		queue:    q,
		fetcher:  fetcher,
		ingestor: ingestor,
		indexer:  indexer,
		rca:      rcaCoord,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
	q.Register(models.TaskLogFetch, o.handleFetch)
	q.Register(models.TaskCleanup, o.handleCleanup)
	return o
}

// ResolveConfig merges the three scopes for one (task, service, source).
// The most specific non-null override wins unconditionally; there is no
// OR-merge of enablement. Log-source overrides apply to fetch tasks only.
func (o *Orchestrator) ResolveConfig(ctx context.Context, taskType models.TaskType, serviceID, logSource string) (*models.EffectiveConfig, error) {
	if !taskType.Valid() {
		return nil, fmt.Errorf("%w: unknown task type %q", models.ErrInvalidInput, taskType)
	}

	def, err := o.store.GetTaskDefault(ctx, taskType)
	if err != nil {
		return nil, err
	}

	eff := &models.EffectiveConfig{
		TaskType:        taskType,
		ServiceID:       serviceID,
		LogSource:       logSource,
		Enabled:         def.Enabled,
		IntervalSeconds: def.IntervalSeconds,
		Scope:           "global",
	}
	if serviceID == "" {
		return eff, nil
	}

	svcCfg, err := o.store.GetServiceTaskConfig(ctx, serviceID, taskType)
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		return nil, err
	}
	if svcCfg != nil {
		if svcCfg.Enabled != nil {
			eff.Enabled = *svcCfg.Enabled
			eff.Scope = "service"
		}
		if secs := svcCfg.IntervalSeconds(); secs > 0 {
			eff.IntervalSeconds = secs
			eff.Scope = "service"
		}
	}

	if taskType == models.TaskLogFetch && logSource != "" {
		srcCfg, err := o.store.GetLogSourceConfig(ctx, serviceID, logSource)
		if err != nil && !errors.Is(err, models.ErrNotFound) {
			return nil, err
		}
		if srcCfg != nil {
			if srcCfg.FetchEnabled != nil {
				eff.Enabled = *srcCfg.FetchEnabled
				eff.Scope = "log_source"
			}
			if srcCfg.FetchIntervalMinutes != nil && *srcCfg.FetchIntervalMinutes > 0 {
				eff.IntervalSeconds = *srcCfg.FetchIntervalMinutes * 60
				eff.Scope = "log_source"
			}
		}
	}

	return eff, nil
}

// SetServiceOverride writes a per-service override. Interval units are
// mutually exclusive: the unit written last is authoritative and the
// other two are cleared.
func (o *Orchestrator) SetServiceOverride(ctx context.Context, cfg *models.ServiceTaskConfig) error {
	if !cfg.TaskType.Valid() || cfg.ServiceID == "" {
		return models.ErrInvalidInput
	}

	set := 0
	for _, v := range []*int64{cfg.IntervalMinutes, cfg.IntervalHours, cfg.IntervalDays} {
		if v != nil {
			if *v <= 0 {
				return fmt.Errorf("%w: interval must be positive", models.ErrInvalidInput)
			}
			set++
		}
	}
	if set > 1 {
		return fmt.Errorf("%w: interval units are mutually exclusive", models.ErrInvalidInput)
	}

	return o.store.SetServiceTaskConfig(ctx, cfg)
}

// SetLogSourceOverride writes a log-source override.
func (o *Orchestrator) SetLogSourceOverride(ctx context.Context, cfg *models.LogSourceConfig) error {
	if cfg.ServiceID == "" || cfg.LogSource == "" {
		return models.ErrInvalidInput
	}
	if cfg.FetchIntervalMinutes != nil && *cfg.FetchIntervalMinutes <= 0 {
		return fmt.Errorf("%w: interval must be positive", models.ErrInvalidInput)
	}
	return o.store.SetLogSourceConfig(ctx, cfg)
}

// SetDefault writes the global configuration for a task type.
func (o *Orchestrator) SetDefault(ctx context.Context, def *models.TaskDefault) error {
	if !def.TaskType.Valid() || def.IntervalSeconds <= 0 {
		return models.ErrInvalidInput
	}
	return o.store.SetTaskDefault(ctx, def)
}

// EnableAll / DisableAll flip every task type and log source for a
// service atomically from the caller's perspective.
func (o *Orchestrator) EnableAll(ctx context.Context, serviceID string) error {
	return o.store.SetServiceEnabled(ctx, serviceID, true)
}

func (o *Orchestrator) DisableAll(ctx context.Context, serviceID string) error {
	return o.store.SetServiceEnabled(ctx, serviceID, false)
}

// TriggerNow enqueues a job immediately, regardless of the periodic
// schedule. The periodic gate is not consulted, but downstream guards
// (indexing cooldown, RCA single-flight) still apply.
func (o *Orchestrator) TriggerNow(ctx context.Context, taskType models.TaskType, serviceID, logSource string) (string, error) {
	if !taskType.Valid() {
		return "", fmt.Errorf("%w: unknown task type %q", models.ErrInvalidInput, taskType)
	}

	var taskID string
	var err error
	switch taskType {
	case models.TaskLogFetch:
		taskID, err = o.queue.Enqueue(models.TaskLogFetch, serviceID, map[string]string{"log_source": logSource})
	case models.TaskCodeIndexing:
		taskID, err = o.indexer.Trigger(ctx, serviceID, logSource, models.TriggerManual, false)
	case models.TaskRCAGeneration:
		taskID, err = o.triggerRCAScan(ctx, serviceID)
	case models.TaskCleanup:
		taskID, err = o.queue.Enqueue(models.TaskCleanup, serviceID, nil)
	}
	if err != nil {
		return "", err
	}

	if stampErr := o.store.SetLastRun(ctx, taskType, scopeKey(serviceID, logSource), o.now()); stampErr != nil {
		o.logger.Warn("stamping last run", "task_type", taskType, "error", stampErr)
	}
	return taskID, nil
}

// triggerRCAScan requests generation for active clusters of the service
// that have no RCA yet. Single-flight in the coordinator keeps this
// idempotent against overlapping scans.
func (o *Orchestrator) triggerRCAScan(ctx context.Context, serviceID string) (string, error) {
	clusters, err := o.store.ListClusters(ctx, models.ClusterFilter{
		Status:    models.StatusActive,
		ServiceID: serviceID,
	})
	if err != nil {
		return "", err
	}

	var last string
	for _, c := range clusters {
		if c.HasRCA {
			continue
		}
		taskID, err := o.rca.Generate(ctx, c.ClusterID)
		if err != nil {
			o.logger.Warn("rca generation request failed", "cluster_id", c.ClusterID, "error", err)
			continue
		}
		last = taskID
	}
	if last == "" {
		return "", fmt.Errorf("%w: no cluster needs rca", models.ErrNotFound)
	}
	return last, nil
}

// OnClusterCreated is wired to the ingest processor's cluster-created
// hook: new clusters auto-trigger indexing when enabled, through the
// same gated path as every other trigger.
func (o *Orchestrator) OnClusterCreated(ctx context.Context, serviceID string) {
	eff, err := o.ResolveConfig(ctx, models.TaskCodeIndexing, serviceID, "")
	if err != nil || !eff.Enabled {
		return
	}
	if _, err := o.indexer.Trigger(ctx, serviceID, "", models.TriggerAutomatic, false); err != nil {
		if errors.Is(err, models.ErrCooldown) || errors.Is(err, models.ErrAlreadyInProgress) {
			return // expected under bursts of new clusters
		}
		o.logger.Warn("automatic indexing trigger failed", "service_id", serviceID, "error", err)
	}
}

// handleFetch pulls one batch from a log source and feeds ingestion.
func (o *Orchestrator) handleFetch(ctx context.Context, task queue.Task) error {
	if o.fetcher == nil {
		return errors.New("no fetcher configured")
	}

	ctx, cancel := context.WithTimeout(ctx, o.cfg.FetchTimeout)
	defer cancel()

	logSource := task.Payload["log_source"]
	events, err := o.fetcher.Fetch(ctx, task.ServiceID, logSource)
	if err != nil {
		return fmt.Errorf("fetching %s/%s: %w", task.ServiceID, logSource, err)
	}

	result := o.ingestor.ProcessBatch(ctx, events)
	o.logger.Info("log fetch processed", "service_id", task.ServiceID, "log_source", logSource,
		"accepted", result.Accepted, "rejected", result.Rejected, "clusters_created", result.ClustersCreated)
	return nil
}

// handleCleanup trims aged history.
func (o *Orchestrator) handleCleanup(ctx context.Context, task queue.Task) error {
	cutoff := o.now().Add(-o.cfg.CleanupRetention)
	return o.store.Cleanup(ctx, cutoff)
}

func scopeKey(serviceID, logSource string) string {
	if logSource == "" {
		return serviceID
	}
	return serviceID + "/" + logSource
}

// Run drives the periodic loop until ctx is canceled. Due jobs are
// enqueued, never executed inline.
func (o *Orchestrator) Run(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.tick(ctx)
		}
	}
}

// tick scans every service (and log source, for fetch) and enqueues
// whatever is due.
func (o *Orchestrator) tick(ctx context.Context) {
	services, err := o.store.ListServices(ctx)
	if err != nil {
		o.logger.Warn("listing services", "error", err)
		return
	}

	for _, serviceID := range services {
		for _, taskType := range models.AllTaskTypes {
			if taskType == models.TaskLogFetch {
				o.tickFetch(ctx, serviceID)
				continue
			}
			o.maybeEnqueue(ctx, taskType, serviceID, "")
		}
	}
}

// tickFetch evaluates each configured log source separately, falling
// back to a service-wide fetch when none are configured.
func (o *Orchestrator) tickFetch(ctx context.Context, serviceID string) {
	sources, err := o.store.ListLogSources(ctx, serviceID)
	if err != nil {
		o.logger.Warn("listing log sources", "service_id", serviceID, "error", err)
		return
	}
	if len(sources) == 0 {
		o.maybeEnqueue(ctx, models.TaskLogFetch, serviceID, "")
		return
	}
	for _, source := range sources {
		o.maybeEnqueue(ctx, models.TaskLogFetch, serviceID, source)
	}
}

func (o *Orchestrator) maybeEnqueue(ctx context.Context, taskType models.TaskType, serviceID, logSource string) {
	eff, err := o.ResolveConfig(ctx, taskType, serviceID, logSource)
	if err != nil {
		o.logger.Warn("resolving config", "task_type", taskType, "service_id", serviceID, "error", err)
		return
	}
	if !eff.Enabled || eff.IntervalSeconds <= 0 {
		return
	}

	key := scopeKey(serviceID, logSource)
	lastRun, err := o.store.GetLastRun(ctx, taskType, key)
	if err != nil {
		o.logger.Warn("reading last run", "task_type", taskType, "error", err)
		return
	}

	now := o.now()
	if !lastRun.IsZero() && now.Sub(lastRun) < time.Duration(eff.IntervalSeconds)*time.Second {
		return
	}

	switch taskType {
	case models.TaskCodeIndexing:
		if _, err := o.indexer.Trigger(ctx, serviceID, "", models.TriggerScheduled, false); err != nil {
			if !errors.Is(err, models.ErrCooldown) && !errors.Is(err, models.ErrAlreadyInProgress) {
				o.logger.Warn("scheduled indexing", "service_id", serviceID, "error", err)
			}
			return
		}
	case models.TaskRCAGeneration:
		if _, err := o.triggerRCAScan(ctx, serviceID); err != nil {
			return
		}
	default:
		payload := map[string]string{}
		if logSource != "" {
			payload["log_source"] = logSource
		}
		if _, err := o.queue.Enqueue(taskType, serviceID, payload); err != nil {
			o.logger.Warn("enqueueing periodic task", "task_type", taskType, "error", err)
			return
		}
	}

	if err := o.store.SetLastRun(ctx, taskType, key, now); err != nil {
		o.logger.Warn("stamping last run", "task_type", taskType, "error", err)
	}
}
