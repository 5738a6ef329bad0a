package tasks

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fidde/exception_clusterer/internal/indexing"
	"github.com/fidde/exception_clusterer/internal/locks"
	"github.com/fidde/exception_clusterer/internal/queue"
	"github.com/fidde/exception_clusterer/internal/rca"
	"github.com/fidde/exception_clusterer/internal/storage/memory"
	"github.com/fidde/exception_clusterer/pkg/models"
)

type fakeFetcher struct {
	calls  atomic.Int64
	events []models.LogEvent
	err    error
}

func (f *fakeFetcher) Fetch(ctx context.Context, serviceID, logSource string) ([]models.LogEvent, error) {
	f.calls.Add(1)
	return f.events, f.err
}

type fakeIngestor struct {
	batches atomic.Int64
	events  atomic.Int64
}

func (f *fakeIngestor) ProcessBatch(ctx context.Context, events []models.LogEvent) models.IngestResult {
	f.batches.Add(1)
	f.events.Add(int64(len(events)))
	return models.IngestResult{Accepted: len(events)}
}

type fakeIndexer struct {
	calls atomic.Int64
}

func (f *fakeIndexer) Index(ctx context.Context, req indexing.IndexRequest) (indexing.IndexResult, error) {
	f.calls.Add(1)
	return indexing.IndexResult{Commit: "abc1234"}, nil
}

type fakeAnalyzer struct {
	calls atomic.Int64
}

func (f *fakeAnalyzer) Analyze(ctx context.Context, input rca.AnalysisInput) (*models.RCARecord, error) {
	f.calls.Add(1)
	return &models.RCARecord{RootCause: "n/a", ConfidenceScore: 0.5}, nil
}

type fixture struct {
	orch     *Orchestrator
	store    *memory.Store
	queue    *queue.Queue
	fetcher  *fakeFetcher
	ingestor *fakeIngestor
	indexer  *fakeIndexer
	analyzer *fakeAnalyzer
}

func setup(t *testing.T) *fixture {
	t.Helper()

	store := memory.New()
	q := queue.New(queue.Config{Workers: 2, Depth: 64}, nil)
	t.Cleanup(q.Close)

	f := &fixture{
		store:    store,
		queue:    q,
		fetcher:  &fakeFetcher{events: []models.LogEvent{{Message: "boom"}}},
		ingestor: &fakeIngestor{},
		indexer:  &fakeIndexer{},
		analyzer: &fakeAnalyzer{},
	}

	idxCfg := indexing.DefaultConfig()
	idxCfg.MinInterval = 0
	scheduler := indexing.New(store, q, f.indexer, idxCfg, nil)
	coordinator := rca.New(store, locks.NewMemory(), q, f.analyzer, rca.DefaultConfig(), nil)

	f.orch = New(store, q, f.fetcher, f.ingestor, scheduler, coordinator, DefaultConfig(), nil)
	return f
}

func waitTask(t *testing.T, q *queue.Queue, taskID string) *models.TaskStatus {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		status, err := q.Status(taskID)
		if err != nil {
			t.Fatal(err)
		}
		if status.State == models.TaskCompleted || status.State == models.TaskFailed {
			return status
		}
		if time.Now().After(deadline) {
			t.Fatalf("task stuck in %s", status.State)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func boolPtr(b bool) *bool { return &b }
func i64Ptr(v int64) *int64 { return &v }

func TestResolveConfigScopes(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	// No overrides: the seeded global default wins.
	eff, err := f.orch.ResolveConfig(ctx, models.TaskLogFetch, "checkout", "opensearch")
	if err != nil {
		t.Fatal(err)
	}
	if eff.Scope != "global" || !eff.Enabled || eff.IntervalSeconds != 300 {
		t.Fatalf("global resolve = %+v", eff)
	}

	// A service override beats the default.
	err = f.orch.SetServiceOverride(ctx, &models.ServiceTaskConfig{
		ServiceID:       "checkout",
		TaskType:        models.TaskLogFetch,
		IntervalMinutes: i64Ptr(10),
	})
	if err != nil {
		t.Fatal(err)
	}
	eff, _ = f.orch.ResolveConfig(ctx, models.TaskLogFetch, "checkout", "opensearch")
	if eff.Scope != "service" || eff.IntervalSeconds != 600 {
		t.Fatalf("service resolve = %+v", eff)
	}
	// Enablement still comes from the default: the override left it null.
	if !eff.Enabled {
		t.Error("enabled should fall through to the global default")
	}

	// The log-source override is the most specific tier.
	err = f.orch.SetLogSourceOverride(ctx, &models.LogSourceConfig{
		ServiceID:            "checkout",
		LogSource:            "opensearch",
		FetchEnabled:         boolPtr(false),
		FetchIntervalMinutes: i64Ptr(2),
	})
	if err != nil {
		t.Fatal(err)
	}
	eff, _ = f.orch.ResolveConfig(ctx, models.TaskLogFetch, "checkout", "opensearch")
	if eff.Scope != "log_source" || eff.Enabled || eff.IntervalSeconds != 120 {
		t.Fatalf("log_source resolve = %+v", eff)
	}

	// Other sources of the same service are untouched.
	eff, _ = f.orch.ResolveConfig(ctx, models.TaskLogFetch, "checkout", "loki")
	if eff.Scope != "service" || !eff.Enabled {
		t.Fatalf("sibling source resolve = %+v", eff)
	}

	// Non-fetch tasks ignore log-source overrides entirely.
	eff, _ = f.orch.ResolveConfig(ctx, models.TaskCodeIndexing, "checkout", "opensearch")
	if eff.Scope != "global" {
		t.Fatalf("code_indexing resolve = %+v", eff)
	}
}

func TestMoreSpecificDisableWins(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	// Service-level disable beats an enabled global default.
	err := f.orch.SetServiceOverride(ctx, &models.ServiceTaskConfig{
		ServiceID: "billing",
		TaskType:  models.TaskLogFetch,
		Enabled:   boolPtr(false),
	})
	if err != nil {
		t.Fatal(err)
	}
	eff, _ := f.orch.ResolveConfig(ctx, models.TaskLogFetch, "billing", "")
	if eff.Enabled {
		t.Error("service disable should win over global enable")
	}

	// Source-level enable beats the service disable. Specificity rules,
	// not an AND of tiers.
	err = f.orch.SetLogSourceOverride(ctx, &models.LogSourceConfig{
		ServiceID:    "billing",
		LogSource:    "loki",
		FetchEnabled: boolPtr(true),
	})
	if err != nil {
		t.Fatal(err)
	}
	eff, _ = f.orch.ResolveConfig(ctx, models.TaskLogFetch, "billing", "loki")
	if !eff.Enabled || eff.Scope != "log_source" {
		t.Fatalf("resolve = %+v", eff)
	}
}

func TestIntervalUnitsMutuallyExclusive(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	err := f.orch.SetServiceOverride(ctx, &models.ServiceTaskConfig{
		ServiceID:       "checkout",
		TaskType:        models.TaskCleanup,
		IntervalMinutes: i64Ptr(30),
		IntervalHours:   i64Ptr(2),
	})
	if !errors.Is(err, models.ErrInvalidInput) {
		t.Errorf("two units err = %v, want ErrInvalidInput", err)
	}

	err = f.orch.SetServiceOverride(ctx, &models.ServiceTaskConfig{
		ServiceID:     "checkout",
		TaskType:      models.TaskCleanup,
		IntervalHours: i64Ptr(0),
	})
	if !errors.Is(err, models.ErrInvalidInput) {
		t.Errorf("zero interval err = %v, want ErrInvalidInput", err)
	}

	err = f.orch.SetServiceOverride(ctx, &models.ServiceTaskConfig{
		ServiceID:     "checkout",
		TaskType:      models.TaskCleanup,
		IntervalHours: i64Ptr(2),
	})
	if err != nil {
		t.Fatal(err)
	}
	eff, _ := f.orch.ResolveConfig(ctx, models.TaskCleanup, "checkout", "")
	if eff.IntervalSeconds != 7200 {
		t.Errorf("interval = %d, want 7200", eff.IntervalSeconds)
	}
}

func TestEnableDisableAll(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	err := f.orch.SetLogSourceOverride(ctx, &models.LogSourceConfig{
		ServiceID: "checkout",
		LogSource: "opensearch",
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := f.orch.DisableAll(ctx, "checkout"); err != nil {
		t.Fatal(err)
	}
	for _, taskType := range models.AllTaskTypes {
		eff, err := f.orch.ResolveConfig(ctx, taskType, "checkout", "")
		if err != nil {
			t.Fatal(err)
		}
		if eff.Enabled {
			t.Errorf("%s still enabled after DisableAll", taskType)
		}
	}
	eff, _ := f.orch.ResolveConfig(ctx, models.TaskLogFetch, "checkout", "opensearch")
	if eff.Enabled {
		t.Error("log source still enabled after DisableAll")
	}

	if err := f.orch.EnableAll(ctx, "checkout"); err != nil {
		t.Fatal(err)
	}
	eff, _ = f.orch.ResolveConfig(ctx, models.TaskLogFetch, "checkout", "opensearch")
	if !eff.Enabled {
		t.Error("log source still disabled after EnableAll")
	}
}

func TestTriggerNowFetch(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	taskID, err := f.orch.TriggerNow(ctx, models.TaskLogFetch, "checkout", "opensearch")
	if err != nil {
		t.Fatal(err)
	}
	if status := waitTask(t, f.queue, taskID); status.State != models.TaskCompleted {
		t.Fatalf("fetch task failed: %s", status.Error)
	}

	if f.fetcher.calls.Load() != 1 {
		t.Errorf("fetcher called %d times, want 1", f.fetcher.calls.Load())
	}
	if f.ingestor.events.Load() != 1 {
		t.Errorf("ingestor saw %d events, want 1", f.ingestor.events.Load())
	}

	// The manual trigger stamps last-run.
	lastRun, err := f.store.GetLastRun(ctx, models.TaskLogFetch, "checkout/opensearch")
	if err != nil {
		t.Fatal(err)
	}
	if lastRun.IsZero() {
		t.Error("last run not stamped")
	}
}

func TestTriggerNowUnknownType(t *testing.T) {
	f := setup(t)

	if _, err := f.orch.TriggerNow(context.Background(), "reticulate", "checkout", ""); !errors.Is(err, models.ErrInvalidInput) {
		t.Errorf("err = %v, want ErrInvalidInput", err)
	}
}

func TestPeriodicTickEnqueuesDueWork(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	// One known service with one source, fetch due (never ran).
	err := f.orch.SetLogSourceOverride(ctx, &models.LogSourceConfig{
		ServiceID: "checkout",
		LogSource: "opensearch",
	})
	if err != nil {
		t.Fatal(err)
	}

	base := time.Now()
	f.orch.now = func() time.Time { return base }
	f.orch.tick(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for f.fetcher.calls.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("due fetch never ran")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// A second tick inside the interval enqueues nothing new.
	f.orch.now = func() time.Time { return base.Add(time.Minute) }
	f.orch.tick(ctx)
	time.Sleep(50 * time.Millisecond)
	if got := f.fetcher.calls.Load(); got != 1 {
		t.Errorf("fetcher called %d times inside interval, want 1", got)
	}

	// Past the 300s default it becomes due again.
	f.orch.now = func() time.Time { return base.Add(6 * time.Minute) }
	f.orch.tick(ctx)
	deadline = time.Now().Add(2 * time.Second)
	for f.fetcher.calls.Load() < 2 {
		if time.Now().After(deadline) {
			t.Fatal("fetch not re-enqueued after interval")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestTickSkipsDisabled(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	err := f.orch.SetServiceOverride(ctx, &models.ServiceTaskConfig{
		ServiceID: "checkout",
		TaskType:  models.TaskLogFetch,
		Enabled:   boolPtr(false),
	})
	if err != nil {
		t.Fatal(err)
	}

	f.orch.tick(ctx)
	time.Sleep(50 * time.Millisecond)
	if f.fetcher.calls.Load() != 0 {
		t.Error("disabled fetch ran anyway")
	}
}

func TestOnClusterCreatedTriggersIndexing(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	f.orch.OnClusterCreated(ctx, "checkout")

	deadline := time.Now().Add(2 * time.Second)
	for f.indexer.calls.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("automatic indexing never ran")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// With code_indexing disabled for the service nothing triggers.
	err := f.orch.SetServiceOverride(ctx, &models.ServiceTaskConfig{
		ServiceID: "billing",
		TaskType:  models.TaskCodeIndexing,
		Enabled:   boolPtr(false),
	})
	if err != nil {
		t.Fatal(err)
	}
	f.orch.OnClusterCreated(ctx, "billing")
	time.Sleep(50 * time.Millisecond)
	if f.indexer.calls.Load() != 1 {
		t.Errorf("indexer called %d times, want 1", f.indexer.calls.Load())
	}
}
