package jobs

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/loomhq/loom/internal/capacity"
)

type fakeTurns struct {
	mu   sync.Mutex
	jobs []Job
	fn   func(job Job) (TurnResult, error)
}

func (f *fakeTurns) run(ctx context.Context, job Job) (TurnResult, error) {
	f.mu.Lock()
	f.jobs = append(f.jobs, job)
	f.mu.Unlock()
	if f.fn != nil {
		return f.fn(job)
	}
	return TurnResult{FinalWorldlineID: job.WorldlineID, FinalText: "answer", EventCount: 4}, nil
}

func (f *fakeTurns) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.jobs)
}

func newTestScheduler(t *testing.T, turns *fakeTurns, pool *capacity.Pool) (*Scheduler, *Store) {
	t.Helper()
	store := newTestStore(t)
	sched := NewScheduler(store, pool, turns.run,
		slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
	t.Cleanup(sched.Shutdown)
	return sched, store
}

func TestSchedulerRunsEnqueuedJob(t *testing.T) {
	turns := &fakeTurns{}
	sched, store := newTestScheduler(t, turns, nil)
	if err := sched.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}

	job, err := sched.Enqueue(context.Background(), EnqueueRequest{
		ThreadID: "th_1", WorldlineID: "wl_1", Message: "show revenue",
	})
	if err != nil {
		t.Fatalf("Enqueue error: %v", err)
	}
	sched.Wait()

	got, err := store.Get(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if got.Status != StatusCompleted {
		t.Fatalf("Status = %q (error %q)", got.Status, got.Error)
	}
	if got.ResultWorldlineID != "wl_1" {
		t.Errorf("ResultWorldlineID = %q", got.ResultWorldlineID)
	}
	if got.ResultSummary != "4 events; answer" {
		t.Errorf("ResultSummary = %q", got.ResultSummary)
	}
	if turns.count() != 1 {
		t.Errorf("turns ran %d times, want 1", turns.count())
	}
}

func TestSchedulerEnqueueBeforeStartStaysQueued(t *testing.T) {
	turns := &fakeTurns{}
	sched, store := newTestScheduler(t, turns, nil)

	job, err := sched.Enqueue(context.Background(), EnqueueRequest{
		ThreadID: "th_1", WorldlineID: "wl_1", Message: "waiting",
	})
	if err != nil {
		t.Fatalf("Enqueue error: %v", err)
	}
	if turns.count() != 0 {
		t.Fatalf("turn ran before Start")
	}
	got, _ := store.Get(context.Background(), job.ID)
	if got.Status != StatusQueued {
		t.Fatalf("Status = %q before Start", got.Status)
	}

	// Start drains the backlog.
	if err := sched.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	sched.Wait()
	got, _ = store.Get(context.Background(), job.ID)
	if got.Status != StatusCompleted {
		t.Errorf("Status = %q after Start", got.Status)
	}
}

func TestSchedulerRecordsTurnFailure(t *testing.T) {
	turns := &fakeTurns{fn: func(job Job) (TurnResult, error) {
		return TurnResult{}, errors.New("provider exploded")
	}}
	sched, store := newTestScheduler(t, turns, nil)
	if err := sched.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}

	job, err := sched.Enqueue(context.Background(), EnqueueRequest{
		ThreadID: "th_1", WorldlineID: "wl_1", Message: "doomed",
	})
	if err != nil {
		t.Fatalf("Enqueue error: %v", err)
	}
	sched.Wait()

	got, _ := store.Get(context.Background(), job.ID)
	if got.Status != StatusFailed {
		t.Fatalf("Status = %q", got.Status)
	}
	if !strings.Contains(got.Error, "provider exploded") {
		t.Errorf("Error = %q", got.Error)
	}
}

func TestSchedulerStartRequeuesCrashLeftovers(t *testing.T) {
	turns := &fakeTurns{}
	sched, store := newTestScheduler(t, turns, nil)

	// Simulate a crash: a row stuck in running with no runner attached.
	job := enqueue(t, store, "interrupted")
	if _, err := store.MarkRunning(context.Background(), job.ID); err != nil {
		t.Fatalf("MarkRunning error: %v", err)
	}

	if err := sched.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	sched.Wait()

	got, _ := store.Get(context.Background(), job.ID)
	if got.Status != StatusCompleted {
		t.Errorf("Status = %q, want completed after requeue", got.Status)
	}
	if turns.count() != 1 {
		t.Errorf("turns ran %d times, want 1", turns.count())
	}
}

func TestSchedulerFailsOnCapacityRejection(t *testing.T) {
	pool := capacity.NewPool(capacity.PoolTurn, 1, 0, nil)
	lease, err := pool.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire error: %v", err)
	}
	defer lease.Release()

	turns := &fakeTurns{}
	sched, store := newTestScheduler(t, turns, pool)
	if err := sched.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}

	job, err := sched.Enqueue(context.Background(), EnqueueRequest{
		ThreadID: "th_1", WorldlineID: "wl_1", Message: "rejected",
	})
	if err != nil {
		t.Fatalf("Enqueue error: %v", err)
	}
	sched.Wait()

	got, _ := store.Get(context.Background(), job.ID)
	if got.Status != StatusFailed {
		t.Fatalf("Status = %q", got.Status)
	}
	if !strings.Contains(got.Error, "turn capacity") {
		t.Errorf("Error = %q", got.Error)
	}
	if turns.count() != 0 {
		t.Errorf("turn ran despite rejection")
	}
}

func TestSchedulerShutdownRejectsEnqueue(t *testing.T) {
	turns := &fakeTurns{}
	sched, _ := newTestScheduler(t, turns, nil)
	if err := sched.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	sched.Shutdown()

	_, err := sched.Enqueue(context.Background(), EnqueueRequest{
		ThreadID: "th_1", WorldlineID: "wl_1", Message: "late",
	})
	if !errors.Is(err, ErrSchedulerClosed) {
		t.Errorf("error = %v, want ErrSchedulerClosed", err)
	}
}

func TestSchedulerTruncatesSummary(t *testing.T) {
	long := strings.Repeat("y", summaryLen+50)
	turns := &fakeTurns{fn: func(job Job) (TurnResult, error) {
		return TurnResult{FinalWorldlineID: "wl_1", FinalText: long, EventCount: 12}, nil
	}}
	sched, store := newTestScheduler(t, turns, nil)
	if err := sched.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}

	job, err := sched.Enqueue(context.Background(), EnqueueRequest{
		ThreadID: "th_1", WorldlineID: "wl_1", Message: "long answer",
	})
	if err != nil {
		t.Fatalf("Enqueue error: %v", err)
	}
	sched.Wait()

	got, _ := store.Get(context.Background(), job.ID)
	want := "12 events; " + long[:summaryLen]
	if got.ResultSummary != want {
		t.Errorf("ResultSummary length = %d, want %d", len(got.ResultSummary), len(want))
	}
}
