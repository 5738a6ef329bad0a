package rca

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fidde/exception_clusterer/internal/locks"
	"github.com/fidde/exception_clusterer/internal/queue"
	"github.com/fidde/exception_clusterer/internal/storage/memory"
	"github.com/fidde/exception_clusterer/pkg/models"
)

type fakeAnalyzer struct {
	calls atomic.Int64
	delay time.Duration
	err   error
	gate  chan struct{}
}

func (f *fakeAnalyzer) Analyze(ctx context.Context, input AnalysisInput) (*models.RCARecord, error) {
	f.calls.Add(1)
	if f.gate != nil {
		<-f.gate
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return &models.RCARecord{
		ConfidenceScore: 0.8,
		RootCause:       "nil user passed to load path",
		Recommendations: []string{"guard against nil user"},
	}, nil
}

func setup(t *testing.T, analyzer Analyzer) (*Coordinator, *memory.Store, *queue.Queue) {
	t.Helper()

	store := memory.New()
	q := queue.New(queue.Config{Workers: 4, Depth: 64}, nil)
	t.Cleanup(q.Close)

	c := New(store, locks.NewMemory(), q, analyzer, DefaultConfig(), nil)
	return c, store, q
}

func seedCluster(t *testing.T, store *memory.Store, id string) {
	t.Helper()
	_, err := store.UpsertCluster(context.Background(), &models.ClusterUpsert{
		ClusterID:     id,
		ExceptionType: "NullPointerException",
		Signature:     "NullPointerException|A.java:load|x is null",
		ServiceID:     "checkout",
		Level:         "ERROR",
		Timestamp:     time.Now(),
		Message:       "x is null",
	})
	if err != nil {
		t.Fatal(err)
	}
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
			t.Fatalf("task %s stuck in %s", taskID, status.State)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestGenerateAndGet(t *testing.T) {
	analyzer := &fakeAnalyzer{}
	c, store, q := setup(t, analyzer)
	ctx := context.Background()
	seedCluster(t, store, "c1")

	// Before any generation: not found, not "generating".
	if _, err := c.Get(ctx, "c1"); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("pre-generation Get err = %v", err)
	}

	taskID, err := c.Generate(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	status := waitTask(t, q, taskID)
	if status.State != models.TaskCompleted {
		t.Fatalf("task failed: %s", status.Error)
	}

	record, err := c.Get(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if record.RootCause == "" || record.RCAID == "" {
		t.Error("record missing fields")
	}

	cl, err := store.GetCluster(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if !cl.HasRCA {
		t.Error("has_rca should flip on success")
	}
}

func TestGenerateUnknownCluster(t *testing.T) {
	c, _, _ := setup(t, &fakeAnalyzer{})

	if _, err := c.Generate(context.Background(), "ghost"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestSingleFlight(t *testing.T) {
	analyzer := &fakeAnalyzer{gate: make(chan struct{})}
	c, store, q := setup(t, analyzer)
	ctx := context.Background()
	seedCluster(t, store, "c1")

	const callers = 10
	handles := make([]string, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := c.Generate(ctx, "c1")
			if err != nil {
				t.Error(err)
				return
			}
			handles[i] = id
		}(i)
	}
	wg.Wait()

	for i := 1; i < callers; i++ {
		if handles[i] != handles[0] {
			t.Fatalf("caller %d got handle %q, caller 0 got %q", i, handles[i], handles[0])
		}
	}

	// While in flight, Get reports generating.
	if _, err := c.Get(ctx, "c1"); !errors.Is(err, models.ErrGenerating) {
		t.Errorf("in-flight Get err = %v, want ErrGenerating", err)
	}

	close(analyzer.gate)
	waitTask(t, q, handles[0])

	if got := analyzer.calls.Load(); got != 1 {
		t.Errorf("analyzer invoked %d times, want 1", got)
	}

	// Marker released: a new wave starts a fresh generation.
	id2, err := c.Generate(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if id2 == handles[0] {
		t.Error("new wave should get a new handle")
	}
	waitTask(t, q, id2)
}

func TestFailureReleasesMarker(t *testing.T) {
	analyzer := &fakeAnalyzer{err: errors.New("llm timeout")}
	c, store, q := setup(t, analyzer)
	ctx := context.Background()
	seedCluster(t, store, "c1")

	taskID, err := c.Generate(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	status := waitTask(t, q, taskID)
	if status.State != models.TaskFailed {
		t.Fatalf("state = %s, want failed", status.State)
	}

	// Failure must not leave a stale in-progress marker.
	if _, held := c.InFlight(ctx, "c1"); held {
		t.Error("marker should be released after failure")
	}
	if _, err := c.Get(ctx, "c1"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("Get after failure err = %v, want ErrNotFound", err)
	}

	// Retryable: a later request starts over.
	analyzer.err = nil
	taskID2, err := c.Generate(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if got := waitTask(t, q, taskID2); got.State != models.TaskCompleted {
		t.Fatalf("retry failed: %s", got.Error)
	}
}

func TestFeedback(t *testing.T) {
	c, store, q := setup(t, &fakeAnalyzer{})
	ctx := context.Background()
	seedCluster(t, store, "c1")

	taskID, _ := c.Generate(ctx, "c1")
	waitTask(t, q, taskID)

	record, err := c.Get(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}

	rating := 4
	err = c.Feedback(ctx, &models.RCAFeedback{
		ClusterID:      "c1",
		RCAID:          record.RCAID,
		IsHelpful:      true,
		AccuracyRating: &rating,
	})
	if err != nil {
		t.Fatal(err)
	}
	if store.FeedbackCount() != 1 {
		t.Error("feedback not recorded")
	}

	// Feedback does not mutate the record.
	again, _ := c.Get(ctx, "c1")
	if again.GeneratedAt != record.GeneratedAt || again.RootCause != record.RootCause {
		t.Error("feedback must not mutate the rca record")
	}

	bad := 9
	if err := c.Feedback(ctx, &models.RCAFeedback{ClusterID: "c1", RCAID: record.RCAID, AccuracyRating: &bad}); !errors.Is(err, models.ErrInvalidInput) {
		t.Errorf("out-of-range rating err = %v", err)
	}
}
