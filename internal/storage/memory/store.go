// Package memory provides an in-memory store with the same semantics
// as the SQLite backend. Used for tests and single-node development.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fidde/exception_clusterer/internal/cluster"
	"github.com/fidde/exception_clusterer/pkg/models"
	"github.com/google/uuid"
)

// Store is an in-memory implementation of storage.Storage. A single
// mutex guards everything: contention is acceptable here because this
// backend exists for tests and small deployments, and it trivially
// gives the per-cluster atomicity the contract requires.
type Store struct {
	mu sync.Mutex

	severity  cluster.SeverityRules
	sampleCap int

	clusters map[string]*clusterState
	rcas     map[string]*models.RCARecord
	feedback []*models.RCAFeedback
	audit    map[string][]*models.StatusAudit

	indexing map[string]*models.IndexingRecord
	runs     map[string][]*models.IndexingRun

	defaults   map[models.TaskType]*models.TaskDefault
	svcConfigs map[string]*models.ServiceTaskConfig
	srcConfigs map[string]*models.LogSourceConfig
	lastRuns   map[string]time.Time
	services   map[string]struct{}
}

type clusterState struct {
	cluster models.ExceptionCluster
	sources map[string]struct{} // service|source pairs
	levels  map[string]int64
	samples []*models.LogSample
}

// New creates an empty in-memory store.
func New() *Store {
	s := &Store{
		severity:   cluster.DefaultSeverityRules(),
		sampleCap:  10,
		clusters:   make(map[string]*clusterState),
		rcas:       make(map[string]*models.RCARecord),
		audit:      make(map[string][]*models.StatusAudit),
		indexing:   make(map[string]*models.IndexingRecord),
		runs:       make(map[string][]*models.IndexingRun),
		defaults:   make(map[models.TaskType]*models.TaskDefault),
		svcConfigs: make(map[string]*models.ServiceTaskConfig),
		srcConfigs: make(map[string]*models.LogSourceConfig),
		lastRuns:   make(map[string]time.Time),
		services:   make(map[string]struct{}),
	}

	// Same seed values as the SQLite migration.
	s.defaults[models.TaskLogFetch] = &models.TaskDefault{TaskType: models.TaskLogFetch, Enabled: true, IntervalSeconds: 300}
	s.defaults[models.TaskRCAGeneration] = &models.TaskDefault{TaskType: models.TaskRCAGeneration, Enabled: false, IntervalSeconds: 3600}
	s.defaults[models.TaskCodeIndexing] = &models.TaskDefault{TaskType: models.TaskCodeIndexing, Enabled: true, IntervalSeconds: 86400}
	s.defaults[models.TaskCleanup] = &models.TaskDefault{TaskType: models.TaskCleanup, Enabled: true, IntervalSeconds: 86400}

	return s
}

func identityKey(serviceID, logSource string) string {
	return serviceID + "\x00" + logSource
}

// UpsertCluster folds one occurrence into its cluster under the lock.
func (s *Store) UpsertCluster(ctx context.Context, up *models.ClusterUpsert) (*models.ClusterUpdateResult, error) {
	if up.ClusterID == "" || up.ServiceID == "" {
		return nil, models.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	state, exists := s.clusters[up.ClusterID]
	if !exists {
		state = &clusterState{
			cluster: models.ExceptionCluster{
				ClusterID:       up.ClusterID,
				ExceptionType:   up.ExceptionType,
				Signature:       up.Signature,
				Count:           0,
				FirstSeen:       up.Timestamp,
				LastSeen:        up.Timestamp,
				Status:          models.StatusActive,
				StatusUpdatedAt: up.Timestamp,
				LoggerPath:      up.LoggerPath,
			},
			sources: make(map[string]struct{}),
			levels:  make(map[string]int64),
		}
		s.clusters[up.ClusterID] = state
	}

	c := &state.cluster
	c.Count++
	if up.Timestamp.Before(c.FirstSeen) {
		c.FirstSeen = up.Timestamp
	}
	if up.Timestamp.After(c.LastSeen) {
		c.LastSeen = up.Timestamp
	}
	if up.LoggerPath != "" {
		c.LoggerPath = up.LoggerPath
	}

	state.sources[identityKey(up.ServiceID, up.LogSource)] = struct{}{}
	s.services[up.ServiceID] = struct{}{}

	level := strings.ToUpper(up.Level)
	state.levels[level]++

	if up.Message != "" || up.StackTrace != "" {
		state.samples = append(state.samples, &models.LogSample{
			ServiceID:  up.ServiceID,
			Level:      level,
			Message:    up.Message,
			StackTrace: up.StackTrace,
			LoggedAt:   up.Timestamp,
		})
		if len(state.samples) > s.sampleCap {
			state.samples = state.samples[len(state.samples)-s.sampleCap:]
		}
	}

	c.Severity = s.severity.Compute(c.Count, state.levels)

	return &models.ClusterUpdateResult{
		ClusterID:  up.ClusterID,
		WasCreated: !exists,
		Count:      c.Count,
		Severity:   c.Severity,
	}, nil
}

// snapshot copies a cluster with derived sets filled in.
func (s *Store) snapshot(state *clusterState) *models.ExceptionCluster {
	c := state.cluster

	seen := make(map[string]struct{})
	for key := range state.sources {
		svc, _, _ := strings.Cut(key, "\x00")
		seen[svc] = struct{}{}
	}
	c.Services = make([]string, 0, len(seen))
	for svc := range seen {
		c.Services = append(c.Services, svc)
	}
	sort.Strings(c.Services)

	c.Levels = make(map[string]int64, len(state.levels))
	for k, v := range state.levels {
		c.Levels[k] = v
	}
	return &c
}

// GetCluster retrieves a cluster by id.
func (s *Store) GetCluster(ctx context.Context, clusterID string) (*models.ExceptionCluster, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.clusters[clusterID]
	if !ok {
		return nil, models.ErrNotFound
	}
	return s.snapshot(state), nil
}

// ListClusters returns clusters matching the filter, most recent first.
func (s *Store) ListClusters(ctx context.Context, filter models.ClusterFilter) ([]*models.ExceptionCluster, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.ExceptionCluster
	for _, state := range s.clusters {
		c := &state.cluster
		if filter.Status != "" && c.Status != filter.Status {
			continue
		}
		if !filter.Since.IsZero() && c.LastSeen.Before(filter.Since) {
			continue
		}
		if filter.ServiceID != "" || filter.LogSource != "" {
			matched := false
			for key := range state.sources {
				svc, src, _ := strings.Cut(key, "\x00")
				if filter.ServiceID != "" && svc != filter.ServiceID {
					continue
				}
				if filter.LogSource != "" && src != filter.LogSource {
					continue
				}
				matched = true
				break
			}
			if !matched {
				continue
			}
		}
		out = append(out, s.snapshot(state))
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].LastSeen.After(out[j].LastSeen)
	})

	if filter.Limit > 0 {
		start := filter.Offset
		if start > len(out) {
			start = len(out)
		}
		end := start + filter.Limit
		if end > len(out) {
			end = len(out)
		}
		out = out[start:end]
	}
	return out, nil
}

// GetClusterSamples returns retained occurrences, newest first.
func (s *Store) GetClusterSamples(ctx context.Context, clusterID string, limit int) ([]*models.LogSample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.clusters[clusterID]
	if !ok {
		return nil, nil
	}
	if limit <= 0 || limit > len(state.samples) {
		limit = len(state.samples)
	}

	out := make([]*models.LogSample, 0, limit)
	for i := len(state.samples) - 1; i >= 0 && len(out) < limit; i-- {
		sample := *state.samples[i]
		out = append(out, &sample)
	}
	return out, nil
}

// TransitionCluster applies an operator lifecycle action.
func (s *Store) TransitionCluster(ctx context.Context, clusterID string, to models.ClusterStatus, allowedFrom []models.ClusterStatus, actor string) (*models.ExceptionCluster, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.clusters[clusterID]
	if !ok {
		return nil, models.ErrNotFound
	}

	allowed := false
	for _, from := range allowedFrom {
		if state.cluster.Status == from {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, models.ErrInvalidTransition
	}

	now := time.Now()
	s.audit[clusterID] = append(s.audit[clusterID], &models.StatusAudit{
		ClusterID:  clusterID,
		FromStatus: state.cluster.Status,
		ToStatus:   to,
		Actor:      actor,
		ChangedAt:  now,
	})
	state.cluster.Status = to
	state.cluster.StatusUpdatedAt = now
	state.cluster.StatusUpdatedBy = actor

	return s.snapshot(state), nil
}

// ListStatusAudit returns lifecycle transitions, oldest first.
func (s *Store) ListStatusAudit(ctx context.Context, clusterID string) ([]*models.StatusAudit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	audits := s.audit[clusterID]
	out := make([]*models.StatusAudit, len(audits))
	copy(out, audits)
	return out, nil
}

// StoreRCA persists the current record and flips has_rca atomically.
func (s *Store) StoreRCA(ctx context.Context, record *models.RCARecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.clusters[record.ClusterID]
	if !ok {
		return models.ErrNotFound
	}
	r := *record
	s.rcas[record.ClusterID] = &r
	state.cluster.HasRCA = true
	return nil
}

// GetRCA retrieves the current record for a cluster.
func (s *Store) GetRCA(ctx context.Context, clusterID string) (*models.RCARecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.rcas[clusterID]
	if !ok {
		return nil, models.ErrNotFound
	}
	r := *record
	return &r, nil
}

// AddRCAFeedback appends a feedback row.
func (s *Store) AddRCAFeedback(ctx context.Context, fb *models.RCAFeedback) error {
	if fb.ClusterID == "" || fb.RCAID == "" {
		return models.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f := *fb
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now()
	}
	s.feedback = append(s.feedback, &f)
	return nil
}

// FeedbackCount reports stored feedback rows. Test helper.
func (s *Store) FeedbackCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.feedback)
}

// GetIndexingRecord returns the state for an identity, not_indexed when unseen.
func (s *Store) GetIndexingRecord(ctx context.Context, serviceID, logSource string) (*models.IndexingRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.indexing[identityKey(serviceID, logSource)]
	if !ok {
		return &models.IndexingRecord{
			ServiceID: serviceID,
			LogSource: logSource,
			Status:    models.IndexNotIndexed,
		}, nil
	}
	r := *rec
	return &r, nil
}

// ClaimIndexing claims an identity for a run, enforcing exclusivity and
// the cooldown window.
func (s *Store) ClaimIndexing(ctx context.Context, serviceID, logSource string, trigger models.IndexTrigger, mode models.IndexMode, minInterval time.Duration, now time.Time) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := identityKey(serviceID, logSource)
	rec, ok := s.indexing[key]
	if ok {
		if rec.Status == models.IndexIndexing {
			return "", models.ErrAlreadyInProgress
		}
		if !rec.StartedAt.IsZero() && now.Sub(rec.StartedAt) < minInterval {
			return "", models.ErrCooldown
		}
	} else {
		rec = &models.IndexingRecord{ServiceID: serviceID, LogSource: logSource}
		s.indexing[key] = rec
	}

	runID := uuid.NewString()
	rec.Status = models.IndexIndexing
	rec.Trigger = trigger
	rec.Mode = mode
	rec.StartedAt = now
	rec.IndexingError = ""

	s.runs[key] = append(s.runs[key], &models.IndexingRun{
		RunID:     runID,
		ServiceID: serviceID,
		LogSource: logSource,
		Mode:      mode,
		Trigger:   trigger,
		StartedAt: now,
	})
	return runID, nil
}

// FinishIndexing records the outcome of a run and releases the claim.
func (s *Store) FinishIndexing(ctx context.Context, serviceID, logSource, runID string, run *models.IndexingRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := identityKey(serviceID, logSource)
	rec, ok := s.indexing[key]
	if !ok || rec.Status != models.IndexIndexing {
		return models.ErrNotFound
	}

	if run.Error != "" {
		rec.Status = models.IndexFailed
		rec.IndexingError = run.Error
	} else {
		rec.Status = models.IndexCompleted
		rec.LastIndexedCommit = run.Commit
		rec.LastIndexedAt = run.FinishedAt
		rec.IndexingError = ""
	}

	for _, r := range s.runs[key] {
		if r.RunID == runID {
			r.Commit = run.Commit
			r.FilesIndexed = run.FilesIndexed
			r.BlocksIndexed = run.BlocksIndexed
			r.Error = run.Error
			r.FinishedAt = run.FinishedAt
			break
		}
	}
	return nil
}

// ReleaseStaleIndexing clears claims older than olderThan.
func (s *Store) ReleaseStaleIndexing(ctx context.Context, olderThan time.Duration, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var released int64
	cutoff := now.Add(-olderThan)
	for _, rec := range s.indexing {
		if rec.Status == models.IndexIndexing && rec.StartedAt.Before(cutoff) {
			rec.Status = models.IndexFailed
			rec.IndexingError = "stale run cleared"
			released++
		}
	}
	return released, nil
}

// ListIndexingRuns returns run history, newest first.
func (s *Store) ListIndexingRuns(ctx context.Context, serviceID, logSource string, limit int) ([]*models.IndexingRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	runs := s.runs[identityKey(serviceID, logSource)]
	if limit <= 0 {
		limit = 20
	}

	out := make([]*models.IndexingRun, 0, limit)
	for i := len(runs) - 1; i >= 0 && len(out) < limit; i-- {
		r := *runs[i]
		out = append(out, &r)
	}
	return out, nil
}

// GetTaskDefault returns the global configuration for a task type.
func (s *Store) GetTaskDefault(ctx context.Context, taskType models.TaskType) (*models.TaskDefault, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	def, ok := s.defaults[taskType]
	if !ok {
		return nil, models.ErrNotFound
	}
	d := *def
	return &d, nil
}

// SetTaskDefault writes the global configuration for a task type.
func (s *Store) SetTaskDefault(ctx context.Context, def *models.TaskDefault) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d := *def
	s.defaults[def.TaskType] = &d
	return nil
}

func svcKey(serviceID string, taskType models.TaskType) string {
	return serviceID + "\x00" + string(taskType)
}

// GetServiceTaskConfig returns the per-service override.
func (s *Store) GetServiceTaskConfig(ctx context.Context, serviceID string, taskType models.TaskType) (*models.ServiceTaskConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg, ok := s.svcConfigs[svcKey(serviceID, taskType)]
	if !ok {
		return nil, models.ErrNotFound
	}
	c := *cfg
	return &c, nil
}

// SetServiceTaskConfig writes a per-service override.
func (s *Store) SetServiceTaskConfig(ctx context.Context, cfg *models.ServiceTaskConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *cfg
	s.svcConfigs[svcKey(cfg.ServiceID, cfg.TaskType)] = &c
	s.services[cfg.ServiceID] = struct{}{}
	return nil
}

// GetLogSourceConfig returns the log-source override.
func (s *Store) GetLogSourceConfig(ctx context.Context, serviceID, logSource string) (*models.LogSourceConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg, ok := s.srcConfigs[identityKey(serviceID, logSource)]
	if !ok {
		return nil, models.ErrNotFound
	}
	c := *cfg
	return &c, nil
}

// SetLogSourceConfig writes a log-source override.
func (s *Store) SetLogSourceConfig(ctx context.Context, cfg *models.LogSourceConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *cfg
	s.srcConfigs[identityKey(cfg.ServiceID, cfg.LogSource)] = &c
	s.services[cfg.ServiceID] = struct{}{}
	return nil
}

// SetServiceEnabled flips every task type and log source for a service.
func (s *Store) SetServiceEnabled(ctx context.Context, serviceID string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, taskType := range models.AllTaskTypes {
		key := svcKey(serviceID, taskType)
		cfg, ok := s.svcConfigs[key]
		if !ok {
			cfg = &models.ServiceTaskConfig{ServiceID: serviceID, TaskType: taskType}
			s.svcConfigs[key] = cfg
		}
		e := enabled
		cfg.Enabled = &e
	}
	for key, cfg := range s.srcConfigs {
		svc, _, _ := strings.Cut(key, "\x00")
		if svc == serviceID {
			e := enabled
			cfg.FetchEnabled = &e
		}
	}
	s.services[serviceID] = struct{}{}
	return nil
}

// ListServices returns every known service id.
func (s *Store) ListServices(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, 0, len(s.services))
	for svc := range s.services {
		out = append(out, svc)
	}
	sort.Strings(out)
	return out, nil
}

// ListLogSources returns the configured log sources for a service.
func (s *Store) ListLogSources(ctx context.Context, serviceID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []string
	for key := range s.srcConfigs {
		svc, src, _ := strings.Cut(key, "\x00")
		if svc == serviceID {
			out = append(out, src)
		}
	}
	sort.Strings(out)
	return out, nil
}

// GetLastRun returns the last enqueue stamp; zero time means never.
func (s *Store) GetLastRun(ctx context.Context, taskType models.TaskType, scopeKey string) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRuns[string(taskType)+"\x00"+scopeKey], nil
}

// SetLastRun stamps the last enqueue time.
func (s *Store) SetLastRun(ctx context.Context, taskType models.TaskType, scopeKey string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastRuns[string(taskType)+"\x00"+scopeKey] = at
	return nil
}

// Cleanup trims history older than cutoff.
func (s *Store) Cleanup(ctx context.Context, cutoff time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, audits := range s.audit {
		kept := audits[:0]
		for _, a := range audits {
			if !a.ChangedAt.Before(cutoff) {
				kept = append(kept, a)
			}
		}
		s.audit[id] = kept
	}
	for key, runs := range s.runs {
		kept := runs[:0]
		for _, r := range runs {
			if !r.StartedAt.Before(cutoff) {
				kept = append(kept, r)
			}
		}
		s.runs[key] = kept
	}
	kept := s.feedback[:0]
	for _, f := range s.feedback {
		if !f.CreatedAt.Before(cutoff) {
			kept = append(kept, f)
		}
	}
	s.feedback = kept
	return nil
}

// Close is a no-op for the in-memory store.
func (s *Store) Close() error {
	return nil
}
