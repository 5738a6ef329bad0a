// Package storage defines the durable store contract for clusters,
// RCA records, indexing state and task configuration.
package storage

import (
	"context"
	"time"

	"github.com/fidde/exception_clusterer/pkg/models"
)

// Storage is the durable store behind the engine. Implementations must
// be safe for concurrent use; cluster upserts and indexing claims must
// be atomic (no lost updates, no duplicate rows, no interleaved runs).
type Storage interface {
	// Cluster operations
	UpsertCluster(ctx context.Context, up *models.ClusterUpsert) (*models.ClusterUpdateResult, error)
	GetCluster(ctx context.Context, clusterID string) (*models.ExceptionCluster, error)
	ListClusters(ctx context.Context, filter models.ClusterFilter) ([]*models.ExceptionCluster, error)
	GetClusterSamples(ctx context.Context, clusterID string, limit int) ([]*models.LogSample, error)

	// TransitionCluster moves a cluster to status only when its current
	// status is in allowedFrom, recording an audit row. Returns
	// models.ErrInvalidTransition when the current status is not allowed,
	// models.ErrNotFound when the cluster does not exist.
	TransitionCluster(ctx context.Context, clusterID string, to models.ClusterStatus, allowedFrom []models.ClusterStatus, actor string) (*models.ExceptionCluster, error)
	ListStatusAudit(ctx context.Context, clusterID string) ([]*models.StatusAudit, error)

	// RCA operations. StoreRCA replaces the current record and flips
	// has_rca on the cluster atomically.
	StoreRCA(ctx context.Context, record *models.RCARecord) error
	GetRCA(ctx context.Context, clusterID string) (*models.RCARecord, error)
	AddRCAFeedback(ctx context.Context, fb *models.RCAFeedback) error

	// Indexing operations. ClaimIndexing atomically claims the identity
	// for a new run: it fails with models.ErrAlreadyInProgress while a
	// run is in flight and with models.ErrCooldown when the previous run
	// started less than minInterval before now.
	GetIndexingRecord(ctx context.Context, serviceID, logSource string) (*models.IndexingRecord, error)
	ClaimIndexing(ctx context.Context, serviceID, logSource string, trigger models.IndexTrigger, mode models.IndexMode, minInterval time.Duration, now time.Time) (runID string, err error)
	FinishIndexing(ctx context.Context, serviceID, logSource, runID string, run *models.IndexingRun) error

	// ReleaseStaleIndexing clears in-flight claims older than olderThan;
	// used at startup so a crashed worker cannot strand an identity.
	ReleaseStaleIndexing(ctx context.Context, olderThan time.Duration, now time.Time) (int64, error)
	ListIndexingRuns(ctx context.Context, serviceID, logSource string, limit int) ([]*models.IndexingRun, error)

	// Task configuration. Operators write overrides; the orchestrator is
	// the sole writer of last-run stamps.
	GetTaskDefault(ctx context.Context, taskType models.TaskType) (*models.TaskDefault, error)
	SetTaskDefault(ctx context.Context, def *models.TaskDefault) error
	GetServiceTaskConfig(ctx context.Context, serviceID string, taskType models.TaskType) (*models.ServiceTaskConfig, error)
	SetServiceTaskConfig(ctx context.Context, cfg *models.ServiceTaskConfig) error
	GetLogSourceConfig(ctx context.Context, serviceID, logSource string) (*models.LogSourceConfig, error)
	SetLogSourceConfig(ctx context.Context, cfg *models.LogSourceConfig) error

	// SetServiceEnabled flips every task type and every log source config
	// for the service in one transaction.
	SetServiceEnabled(ctx context.Context, serviceID string, enabled bool) error

	ListServices(ctx context.Context) ([]string, error)
	ListLogSources(ctx context.Context, serviceID string) ([]string, error)

	GetLastRun(ctx context.Context, taskType models.TaskType, scopeKey string) (time.Time, error)
	SetLastRun(ctx context.Context, taskType models.TaskType, scopeKey string, at time.Time) error

	// Cleanup trims history tables (audit, runs, samples) older than cutoff.
	Cleanup(ctx context.Context, cutoff time.Time) error

	Close() error
}
