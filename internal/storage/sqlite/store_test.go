package sqlite

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fidde/exception_clusterer/pkg/models"
)

// setupTestStore creates a temporary SQLite database for testing.
func setupTestStore(t *testing.T) *Store {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	store, err := New(DefaultConfig(dbPath))
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func testUpsert(clusterID, serviceID string, at time.Time) *models.ClusterUpsert {
	return &models.ClusterUpsert{
		ClusterID:     clusterID,
		ExceptionType: "java.lang.NullPointerException",
		Signature:     "java.lang.NullPointerException|CartService.java:load|user is null",
		ServiceID:     serviceID,
		LogSource:     "opensearch",
		Level:         "ERROR",
		Timestamp:     at,
		Message:       "user is null",
		StackTrace:    "at com.shop.cart.CartService.load(CartService.java:42)",
	}
}

func TestUpsertCluster(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Now()

	result, err := store.UpsertCluster(ctx, testUpsert("c1", "checkout", now))
	if err != nil {
		t.Fatal(err)
	}
	if !result.WasCreated || result.Count != 1 {
		t.Fatalf("first upsert = %+v", result)
	}

	result, err = store.UpsertCluster(ctx, testUpsert("c1", "billing", now.Add(time.Second)))
	if err != nil {
		t.Fatal(err)
	}
	if result.WasCreated || result.Count != 2 {
		t.Fatalf("second upsert = %+v", result)
	}

	cl, err := store.GetCluster(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if cl.Count != 2 || cl.Status != models.StatusActive {
		t.Errorf("cluster = %+v", cl)
	}
	if len(cl.Services) != 2 {
		t.Errorf("services = %v, want 2", cl.Services)
	}
	if cl.Levels["ERROR"] != 2 {
		t.Errorf("levels = %v", cl.Levels)
	}
	if !cl.LastSeen.After(cl.FirstSeen) {
		t.Errorf("first_seen=%v last_seen=%v", cl.FirstSeen, cl.LastSeen)
	}
}

func TestConcurrentUpsertCountCorrectness(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	const workers = 8
	const perWorker = 20

	var wg sync.WaitGroup
	errCh := make(chan error, workers)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				if _, err := store.UpsertCluster(ctx, testUpsert("c1", "checkout", time.Now())); err != nil {
					errCh <- err
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Fatal(err)
	}

	cl, err := store.GetCluster(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if cl.Count != workers*perWorker {
		t.Errorf("count = %d, want %d", cl.Count, workers*perWorker)
	}
}

func TestSamplesCapped(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for i := 0; i < 15; i++ {
		up := testUpsert("c1", "checkout", time.Now())
		up.Message = fmt.Sprintf("occurrence %d", i)
		if _, err := store.UpsertCluster(ctx, up); err != nil {
			t.Fatal(err)
		}
	}

	samples, err := store.GetClusterSamples(ctx, "c1", 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(samples) != 10 {
		t.Fatalf("samples = %d, want capped at 10", len(samples))
	}
	// Newest first, oldest pruned.
	if samples[0].Message != "occurrence 14" {
		t.Errorf("newest sample = %q", samples[0].Message)
	}
}

func TestListClustersFilters(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Now()

	store.UpsertCluster(ctx, testUpsert("c1", "checkout", now.Add(-time.Hour)))
	store.UpsertCluster(ctx, testUpsert("c2", "billing", now))

	all, err := store.ListClusters(ctx, models.ClusterFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Fatalf("all = %d", len(all))
	}
	// Most recent first.
	if all[0].ClusterID != "c2" {
		t.Errorf("order = %s first", all[0].ClusterID)
	}

	byService, _ := store.ListClusters(ctx, models.ClusterFilter{ServiceID: "billing"})
	if len(byService) != 1 || byService[0].ClusterID != "c2" {
		t.Errorf("byService = %+v", byService)
	}

	since, _ := store.ListClusters(ctx, models.ClusterFilter{Since: now.Add(-time.Minute)})
	if len(since) != 1 || since[0].ClusterID != "c2" {
		t.Errorf("since = %+v", since)
	}

	active, _ := store.ListClusters(ctx, models.ClusterFilter{Status: models.StatusActive})
	if len(active) != 2 {
		t.Errorf("active = %d", len(active))
	}
}

func TestTransitionCluster(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	store.UpsertCluster(ctx, testUpsert("c1", "checkout", time.Now()))

	cl, err := store.TransitionCluster(ctx, "c1", models.StatusSkipped, []models.ClusterStatus{models.StatusActive}, "ops")
	if err != nil {
		t.Fatal(err)
	}
	if cl.Status != models.StatusSkipped || cl.StatusUpdatedBy != "ops" {
		t.Errorf("cluster = %+v", cl)
	}

	// Skip again: not allowed from skipped.
	_, err = store.TransitionCluster(ctx, "c1", models.StatusSkipped, []models.ClusterStatus{models.StatusActive}, "ops")
	if !errors.Is(err, models.ErrInvalidTransition) {
		t.Errorf("err = %v, want ErrInvalidTransition", err)
	}

	// Events during skipped increment but never change status.
	store.UpsertCluster(ctx, testUpsert("c1", "checkout", time.Now()))
	cl, _ = store.GetCluster(ctx, "c1")
	if cl.Status != models.StatusSkipped || cl.Count != 2 {
		t.Errorf("cluster after event = %+v", cl)
	}

	_, err = store.TransitionCluster(ctx, "c1", models.StatusActive, []models.ClusterStatus{models.StatusSkipped, models.StatusResolved}, "ops")
	if err != nil {
		t.Fatal(err)
	}

	audits, err := store.ListStatusAudit(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(audits) != 2 {
		t.Fatalf("audit rows = %d, want 2", len(audits))
	}
	if audits[0].FromStatus != models.StatusActive || audits[0].ToStatus != models.StatusSkipped {
		t.Errorf("first audit = %+v", audits[0])
	}

	_, err = store.TransitionCluster(ctx, "ghost", models.StatusSkipped, []models.ClusterStatus{models.StatusActive}, "ops")
	if !errors.Is(err, models.ErrNotFound) {
		t.Errorf("unknown cluster err = %v", err)
	}
}

func TestRCARoundTrip(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	store.UpsertCluster(ctx, testUpsert("c1", "checkout", time.Now()))

	if _, err := store.GetRCA(ctx, "c1"); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("pre-store err = %v", err)
	}

	record := &models.RCARecord{
		RCAID:           "r1",
		ClusterID:       "c1",
		GeneratedAt:     time.Now(),
		ConfidenceScore: 0.8,
		RootCause:       "nil user",
		Recommendations: []string{"guard against nil"},
	}
	if err := store.StoreRCA(ctx, record); err != nil {
		t.Fatal(err)
	}

	got, err := store.GetRCA(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if got.RootCause != "nil user" || len(got.Recommendations) != 1 {
		t.Errorf("record = %+v", got)
	}

	cl, _ := store.GetCluster(ctx, "c1")
	if !cl.HasRCA {
		t.Error("has_rca not flipped")
	}

	// Regeneration supersedes.
	record.RCAID = "r2"
	record.RootCause = "stale cache"
	if err := store.StoreRCA(ctx, record); err != nil {
		t.Fatal(err)
	}
	got, _ = store.GetRCA(ctx, "c1")
	if got.RCAID != "r2" || got.RootCause != "stale cache" {
		t.Errorf("superseded record = %+v", got)
	}

	if err := store.StoreRCA(ctx, &models.RCARecord{RCAID: "r3", ClusterID: "ghost"}); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("unknown cluster err = %v", err)
	}

	if err := store.AddRCAFeedback(ctx, &models.RCAFeedback{ClusterID: "c1", RCAID: "r2", IsHelpful: true}); err != nil {
		t.Fatal(err)
	}
}

func TestIndexingClaimLifecycle(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Now()

	rec, err := store.GetIndexingRecord(ctx, "checkout", "")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != models.IndexNotIndexed {
		t.Fatalf("fresh status = %s", rec.Status)
	}

	runID, err := store.ClaimIndexing(ctx, "checkout", "", models.TriggerManual, models.ModeFull, 5*time.Minute, now)
	if err != nil {
		t.Fatal(err)
	}

	// Exclusive while in flight.
	if _, err := store.ClaimIndexing(ctx, "checkout", "", models.TriggerManual, models.ModeFull, 5*time.Minute, now.Add(10*time.Minute)); !errors.Is(err, models.ErrAlreadyInProgress) {
		t.Errorf("concurrent claim err = %v", err)
	}

	// Other identities are independent.
	if _, err := store.ClaimIndexing(ctx, "billing", "", models.TriggerManual, models.ModeFull, 5*time.Minute, now); err != nil {
		t.Errorf("other identity claim err = %v", err)
	}

	err = store.FinishIndexing(ctx, "checkout", "", runID, &models.IndexingRun{
		RunID: runID, ServiceID: "checkout", Mode: models.ModeFull,
		Commit: "abc1234", FilesIndexed: 10, BlocksIndexed: 200,
		FinishedAt: now.Add(time.Minute),
	})
	if err != nil {
		t.Fatal(err)
	}

	rec, _ = store.GetIndexingRecord(ctx, "checkout", "")
	if rec.Status != models.IndexCompleted || rec.LastIndexedCommit != "abc1234" {
		t.Errorf("record = %+v", rec)
	}

	// Cooldown measured from started_at.
	if _, err := store.ClaimIndexing(ctx, "checkout", "", models.TriggerAutomatic, models.ModeIncremental, 5*time.Minute, now.Add(2*time.Minute)); !errors.Is(err, models.ErrCooldown) {
		t.Errorf("cooldown claim err = %v", err)
	}

	// After the window the claim succeeds again.
	runID2, err := store.ClaimIndexing(ctx, "checkout", "", models.TriggerScheduled, models.ModeIncremental, 5*time.Minute, now.Add(6*time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	err = store.FinishIndexing(ctx, "checkout", "", runID2, &models.IndexingRun{
		RunID: runID2, ServiceID: "checkout", Mode: models.ModeIncremental,
		Error: "git fetch failed", FinishedAt: now.Add(7 * time.Minute),
	})
	if err != nil {
		t.Fatal(err)
	}

	rec, _ = store.GetIndexingRecord(ctx, "checkout", "")
	if rec.Status != models.IndexFailed || rec.IndexingError == "" {
		t.Errorf("failed record = %+v", rec)
	}
	// The last good commit survives a failed run.
	if rec.LastIndexedCommit != "abc1234" {
		t.Errorf("commit = %q", rec.LastIndexedCommit)
	}

	runs, err := store.ListIndexingRuns(ctx, "checkout", "", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 2 {
		t.Fatalf("runs = %d, want 2", len(runs))
	}
	if runs[0].RunID != runID2 {
		t.Errorf("newest run = %s, want %s", runs[0].RunID, runID2)
	}
}

func TestReleaseStaleIndexing(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Now()

	if _, err := store.ClaimIndexing(ctx, "checkout", "", models.TriggerManual, models.ModeFull, 0, now.Add(-time.Hour)); err != nil {
		t.Fatal(err)
	}

	released, err := store.ReleaseStaleIndexing(ctx, 30*time.Minute, now)
	if err != nil {
		t.Fatal(err)
	}
	if released != 1 {
		t.Fatalf("released = %d, want 1", released)
	}

	rec, _ := store.GetIndexingRecord(ctx, "checkout", "")
	if rec.Status != models.IndexFailed {
		t.Errorf("status = %s, want failed", rec.Status)
	}
}

func TestTaskConfigPersistence(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	// Seeded defaults are present.
	def, err := store.GetTaskDefault(ctx, models.TaskLogFetch)
	if err != nil {
		t.Fatal(err)
	}
	if !def.Enabled || def.IntervalSeconds != 300 {
		t.Errorf("seeded default = %+v", def)
	}
	def, _ = store.GetTaskDefault(ctx, models.TaskRCAGeneration)
	if def.Enabled {
		t.Error("rca_generation should be disabled by default")
	}

	def.Enabled = true
	def.IntervalSeconds = 1800
	if err := store.SetTaskDefault(ctx, def); err != nil {
		t.Fatal(err)
	}
	def, _ = store.GetTaskDefault(ctx, models.TaskRCAGeneration)
	if !def.Enabled || def.IntervalSeconds != 1800 {
		t.Errorf("updated default = %+v", def)
	}

	if _, err := store.GetServiceTaskConfig(ctx, "checkout", models.TaskLogFetch); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("missing override err = %v", err)
	}

	minutes := int64(10)
	err = store.SetServiceTaskConfig(ctx, &models.ServiceTaskConfig{
		ServiceID:       "checkout",
		TaskType:        models.TaskLogFetch,
		IntervalMinutes: &minutes,
	})
	if err != nil {
		t.Fatal(err)
	}
	cfg, err := store.GetServiceTaskConfig(ctx, "checkout", models.TaskLogFetch)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.IntervalMinutes == nil || *cfg.IntervalMinutes != 10 || cfg.Enabled != nil {
		t.Errorf("override = %+v", cfg)
	}

	enabled := false
	err = store.SetLogSourceConfig(ctx, &models.LogSourceConfig{
		ServiceID:    "checkout",
		LogSource:    "opensearch",
		FetchEnabled: &enabled,
	})
	if err != nil {
		t.Fatal(err)
	}
	src, err := store.GetLogSourceConfig(ctx, "checkout", "opensearch")
	if err != nil {
		t.Fatal(err)
	}
	if src.FetchEnabled == nil || *src.FetchEnabled {
		t.Errorf("source override = %+v", src)
	}

	sources, _ := store.ListLogSources(ctx, "checkout")
	if len(sources) != 1 || sources[0] != "opensearch" {
		t.Errorf("sources = %v", sources)
	}
}

func TestSetServiceEnabledFlipsEverything(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	err := store.SetLogSourceConfig(ctx, &models.LogSourceConfig{
		ServiceID: "checkout",
		LogSource: "opensearch",
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := store.SetServiceEnabled(ctx, "checkout", false); err != nil {
		t.Fatal(err)
	}

	for _, taskType := range models.AllTaskTypes {
		cfg, err := store.GetServiceTaskConfig(ctx, "checkout", taskType)
		if err != nil {
			t.Fatalf("%s: %v", taskType, err)
		}
		if cfg.Enabled == nil || *cfg.Enabled {
			t.Errorf("%s not disabled: %+v", taskType, cfg)
		}
	}
	src, _ := store.GetLogSourceConfig(ctx, "checkout", "opensearch")
	if src.FetchEnabled == nil || *src.FetchEnabled {
		t.Errorf("source not disabled: %+v", src)
	}
}

func TestLastRunStamps(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	lastRun, err := store.GetLastRun(ctx, models.TaskLogFetch, "checkout/opensearch")
	if err != nil {
		t.Fatal(err)
	}
	if !lastRun.IsZero() {
		t.Fatalf("fresh last run = %v, want zero", lastRun)
	}

	now := time.Now()
	if err := store.SetLastRun(ctx, models.TaskLogFetch, "checkout/opensearch", now); err != nil {
		t.Fatal(err)
	}
	lastRun, _ = store.GetLastRun(ctx, models.TaskLogFetch, "checkout/opensearch")
	if lastRun.UnixMilli() != now.UnixMilli() {
		t.Errorf("last run = %v, want %v", lastRun, now)
	}
}

func TestServicesTracked(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	store.UpsertCluster(ctx, testUpsert("c1", "checkout", time.Now()))
	store.UpsertCluster(ctx, testUpsert("c2", "billing", time.Now()))

	services, err := store.ListServices(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(services) != 2 {
		t.Errorf("services = %v", services)
	}
}
