// Package ingest validates incoming log events, fingerprints the ones
// carrying exceptions and folds them into clusters.
package ingest

import (
	"context"
	"errors"
	"log/slog"

	"github.com/fidde/exception_clusterer/internal/cluster"
	"github.com/fidde/exception_clusterer/internal/fingerprint"
	"github.com/fidde/exception_clusterer/internal/storage"
	"github.com/fidde/exception_clusterer/pkg/models"
)

// Archiver receives every accepted raw event, clustered or not. Writes
// are best-effort: archive failures never reject events.
type Archiver interface {
	Append(ctx context.Context, event *models.LogEvent) error
}

// Config holds processor configuration.
type Config struct {
	// ReactivateOnEvent flips skipped and resolved clusters back to
	// active when a new occurrence arrives. Off by default: an operator
	// decision sticks until an operator (or a deploy marker) reverses it.
	ReactivateOnEvent bool
}

// Processor is the ingestion pipeline core.
type Processor struct {
	store   storage.Storage
	engine  *fingerprint.Engine
	archive Archiver
	cfg     Config
	logger  *slog.Logger

	// onClusterCreated fires once per newly created cluster, outside the
	// per-event hot path decisioning.
	onClusterCreated func(ctx context.Context, serviceID string)
}

// New creates a processor. archive may be nil.
func New(store storage.Storage, engine *fingerprint.Engine, archive Archiver, cfg Config, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		store:   store,
		engine:  engine,
		archive: archive,
		cfg:     cfg,
		logger:  logger,
	}
}

// OnClusterCreated registers a hook invoked for each new cluster's
// service. Must be set before traffic flows.
func (p *Processor) OnClusterCreated(fn func(ctx context.Context, serviceID string)) {
	p.onClusterCreated = fn
}

// ProcessBatch handles one batch. Items are independent: a malformed or
// failing item is counted rejected and the rest of the batch proceeds.
func (p *Processor) ProcessBatch(ctx context.Context, events []models.LogEvent) models.IngestResult {
	var result models.IngestResult

	for i := range events {
		event := &events[i]
		if err := event.Validate(); err != nil {
			result.Rejected++
			continue
		}

		if p.archive != nil {
			if err := p.archive.Append(ctx, event); err != nil {
				p.logger.Warn("archiving event", "service_id", event.ServiceID, "error", err)
			}
		}

		created, err := p.processOne(ctx, event)
		if err != nil {
			p.logger.Warn("processing event", "service_id", event.ServiceID, "error", err)
			result.Rejected++
			continue
		}
		result.Accepted++
		if created {
			result.ClustersCreated++
		}
	}
	return result
}

// processOne fingerprints and upserts a single event. Events without an
// exception indicator are accepted and dropped from the clustering path.
func (p *Processor) processOne(ctx context.Context, event *models.LogEvent) (bool, error) {
	fp, ok := p.engine.Compute(event)
	if !ok {
		return false, nil
	}

	update, err := p.store.UpsertCluster(ctx, &models.ClusterUpsert{
		ClusterID:     fp.ClusterID,
		ExceptionType: fp.ExceptionType,
		Signature:     fp.Signature,
		ServiceID:     event.ServiceID,
		LogSource:     event.LogSource,
		Level:         event.Level,
		LoggerPath:    event.Logger,
		Timestamp:     event.Timestamp,
		Message:       event.Message,
		StackTrace:    event.StackTrace,
	})
	if err != nil {
		return false, err
	}

	if update.WasCreated {
		p.logger.Info("cluster created", "cluster_id", update.ClusterID,
			"exception_type", fp.ExceptionType, "service_id", event.ServiceID)
		if p.onClusterCreated != nil {
			p.onClusterCreated(ctx, event.ServiceID)
		}
	} else if p.cfg.ReactivateOnEvent {
		p.maybeReactivate(ctx, update.ClusterID)
	}

	return update.WasCreated, nil
}

// maybeReactivate flips a skipped or resolved cluster back to active.
// Only reached when the operator opted in.
func (p *Processor) maybeReactivate(ctx context.Context, clusterID string) {
	cl, err := p.store.GetCluster(ctx, clusterID)
	if err != nil {
		return
	}
	if cl.Status == models.StatusActive {
		return
	}

	to, allowedFrom, err := cluster.Resolve(cluster.ActionReactivate)
	if err != nil {
		return
	}
	if _, err := p.store.TransitionCluster(ctx, clusterID, to, allowedFrom, "system"); err != nil {
		if !errors.Is(err, models.ErrInvalidTransition) {
			p.logger.Warn("reactivating cluster", "cluster_id", clusterID, "error", err)
		}
	}
}
