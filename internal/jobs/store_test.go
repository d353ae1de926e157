package jobs

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/loomhq/loom/internal/ids"
	"github.com/loomhq/loom/internal/timeline"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := timeline.Open(filepath.Join(t.TempDir(), "loom.db"))
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	s, err := NewStore(db, slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
	if err != nil {
		t.Fatalf("NewStore error: %v", err)
	}
	return s
}

func enqueue(t *testing.T, s *Store, msg string) Job {
	t.Helper()
	job := Job{
		ID:          ids.New(ids.Job),
		ThreadID:    "th_1",
		WorldlineID: "wl_1",
		Message:     msg,
	}
	if err := s.Enqueue(context.Background(), job); err != nil {
		t.Fatalf("Enqueue error: %v", err)
	}
	got, err := s.Get(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	return got
}

func TestEnqueueAndGet(t *testing.T) {
	s := newTestStore(t)
	job := enqueue(t, s, "show revenue")
	if job.Status != StatusQueued {
		t.Errorf("Status = %q", job.Status)
	}
	if job.StartedAt != nil || job.FinishedAt != nil {
		t.Errorf("timestamps set on queued job: %+v", job)
	}
	if job.CreatedAt.IsZero() {
		t.Error("CreatedAt not set")
	}
}

func TestGetNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get(context.Background(), "job_missing")
	if !errors.Is(err, ErrJobNotFound) {
		t.Errorf("error = %v, want ErrJobNotFound", err)
	}
}

func TestMarkRunningClaimsOnce(t *testing.T) {
	s := newTestStore(t)
	job := enqueue(t, s, "claim me")

	ok, err := s.MarkRunning(context.Background(), job.ID)
	if err != nil || !ok {
		t.Fatalf("first claim = %v, %v", ok, err)
	}
	ok, err = s.MarkRunning(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("second claim error: %v", err)
	}
	if ok {
		t.Error("second claim succeeded, want refused")
	}

	got, _ := s.Get(context.Background(), job.ID)
	if got.Status != StatusRunning || got.StartedAt == nil {
		t.Errorf("job = %+v", got)
	}
}

func TestCompleteRecordsResult(t *testing.T) {
	s := newTestStore(t)
	job := enqueue(t, s, "finish me")
	if _, err := s.MarkRunning(context.Background(), job.ID); err != nil {
		t.Fatalf("MarkRunning error: %v", err)
	}
	if err := s.Complete(context.Background(), job.ID, "wl_2", "7 events; all good"); err != nil {
		t.Fatalf("Complete error: %v", err)
	}
	got, _ := s.Get(context.Background(), job.ID)
	if got.Status != StatusCompleted || got.ResultWorldlineID != "wl_2" {
		t.Errorf("job = %+v", got)
	}
	if got.ResultSummary != "7 events; all good" || got.FinishedAt == nil {
		t.Errorf("job = %+v", got)
	}
	if !got.Terminal() {
		t.Error("Terminal() = false")
	}
}

func TestCompleteRequiresRunning(t *testing.T) {
	s := newTestStore(t)
	job := enqueue(t, s, "still queued")
	if err := s.Complete(context.Background(), job.ID, "wl_2", "x"); err == nil {
		t.Error("Complete on queued job succeeded, want error")
	}
}

func TestFailTruncatesError(t *testing.T) {
	s := newTestStore(t)
	job := enqueue(t, s, "doomed")
	if _, err := s.MarkRunning(context.Background(), job.ID); err != nil {
		t.Fatalf("MarkRunning error: %v", err)
	}
	long := strings.Repeat("x", errMsgCap+100)
	if err := s.Fail(context.Background(), job.ID, long); err != nil {
		t.Fatalf("Fail error: %v", err)
	}
	got, _ := s.Get(context.Background(), job.ID)
	if got.Status != StatusFailed {
		t.Errorf("Status = %q", got.Status)
	}
	if len(got.Error) != errMsgCap {
		t.Errorf("error length = %d, want %d", len(got.Error), errMsgCap)
	}
}

func TestCancelOnlyWhileQueued(t *testing.T) {
	s := newTestStore(t)

	queued := enqueue(t, s, "cancel me")
	if err := s.Cancel(context.Background(), queued.ID); err != nil {
		t.Fatalf("Cancel error: %v", err)
	}
	got, _ := s.Get(context.Background(), queued.ID)
	if got.Status != StatusCancelled {
		t.Errorf("Status = %q", got.Status)
	}

	running := enqueue(t, s, "too late")
	if _, err := s.MarkRunning(context.Background(), running.ID); err != nil {
		t.Fatalf("MarkRunning error: %v", err)
	}
	if err := s.Cancel(context.Background(), running.ID); !errors.Is(err, ErrNotCancellable) {
		t.Errorf("error = %v, want ErrNotCancellable", err)
	}

	if err := s.Cancel(context.Background(), "job_missing"); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("error = %v, want ErrJobNotFound", err)
	}
}

func TestRequeueRunning(t *testing.T) {
	s := newTestStore(t)
	a := enqueue(t, s, "a")
	b := enqueue(t, s, "b")
	c := enqueue(t, s, "c")
	for _, id := range []string{a.ID, b.ID} {
		if _, err := s.MarkRunning(context.Background(), id); err != nil {
			t.Fatalf("MarkRunning error: %v", err)
		}
	}
	if _, err := s.MarkRunning(context.Background(), c.ID); err != nil {
		t.Fatalf("MarkRunning error: %v", err)
	}
	if err := s.Complete(context.Background(), c.ID, "wl_2", "done"); err != nil {
		t.Fatalf("Complete error: %v", err)
	}

	n, err := s.RequeueRunning(context.Background())
	if err != nil {
		t.Fatalf("RequeueRunning error: %v", err)
	}
	if n != 2 {
		t.Errorf("requeued = %d, want 2", n)
	}
	for _, id := range []string{a.ID, b.ID} {
		got, _ := s.Get(context.Background(), id)
		if got.Status != StatusQueued || got.StartedAt != nil {
			t.Errorf("job %s = %+v", id, got)
		}
	}
	got, _ := s.Get(context.Background(), c.ID)
	if got.Status != StatusCompleted {
		t.Errorf("finished job touched: %+v", got)
	}
}

func TestListFilters(t *testing.T) {
	s := newTestStore(t)
	a := enqueue(t, s, "a")
	enqueue(t, s, "b")
	if _, err := s.MarkRunning(context.Background(), a.ID); err != nil {
		t.Fatalf("MarkRunning error: %v", err)
	}

	tests := []struct {
		name   string
		filter ListFilter
		want   int
	}{
		{"all", ListFilter{}, 2},
		{"queued", ListFilter{Status: StatusQueued}, 1},
		{"running", ListFilter{Status: StatusRunning}, 1},
		{"thread", ListFilter{ThreadID: "th_1"}, 2},
		{"other thread", ListFilter{ThreadID: "th_2"}, 0},
		{"limit", ListFilter{Limit: 1}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.List(context.Background(), tt.filter)
			if err != nil {
				t.Fatalf("List error: %v", err)
			}
			if len(got) != tt.want {
				t.Errorf("len = %d, want %d", len(got), tt.want)
			}
		})
	}
}

func TestQueuePosition(t *testing.T) {
	s := newTestStore(t)
	a := enqueue(t, s, "a")
	b := enqueue(t, s, "b")
	c := enqueue(t, s, "c")

	pos, err := s.QueuePosition(context.Background(), c.ID)
	if err != nil {
		t.Fatalf("QueuePosition error: %v", err)
	}
	if pos != 3 {
		t.Errorf("position = %d, want 3", pos)
	}

	// The head leaving the queue moves everyone up.
	if _, err := s.MarkRunning(context.Background(), a.ID); err != nil {
		t.Fatalf("MarkRunning error: %v", err)
	}
	pos, err = s.QueuePosition(context.Background(), b.ID)
	if err != nil {
		t.Fatalf("QueuePosition error: %v", err)
	}
	if pos != 1 {
		t.Errorf("position = %d, want 1", pos)
	}
	pos, _ = s.QueuePosition(context.Background(), a.ID)
	if pos != 0 {
		t.Errorf("running job position = %d, want 0", pos)
	}
}

func TestPruneFinished(t *testing.T) {
	s := newTestStore(t)
	old := enqueue(t, s, "old")
	fresh := enqueue(t, s, "fresh")
	for _, id := range []string{old.ID, fresh.ID} {
		if _, err := s.MarkRunning(context.Background(), id); err != nil {
			t.Fatalf("MarkRunning error: %v", err)
		}
	}
	// Finish "old" in the past, "fresh" now.
	s.now = func() time.Time { return time.Now().Add(-48 * time.Hour) }
	if err := s.Complete(context.Background(), old.ID, "wl_2", "done"); err != nil {
		t.Fatalf("Complete error: %v", err)
	}
	s.now = time.Now
	if err := s.Complete(context.Background(), fresh.ID, "wl_2", "done"); err != nil {
		t.Fatalf("Complete error: %v", err)
	}

	n, err := s.PruneFinished(context.Background(), 24*time.Hour)
	if err != nil {
		t.Fatalf("PruneFinished error: %v", err)
	}
	if n != 1 {
		t.Errorf("pruned = %d, want 1", n)
	}
	if _, err := s.Get(context.Background(), old.ID); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("old job still present: %v", err)
	}
	if _, err := s.Get(context.Background(), fresh.ID); err != nil {
		t.Errorf("fresh job pruned: %v", err)
	}
}

func TestStoreSurfacesDriverErrors(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New error: %v", err)
	}
	defer db.Close()
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS chat_turn_jobs").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS idx_jobs_status").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS idx_jobs_thread").WillReturnResult(sqlmock.NewResult(0, 0))
	s, err := NewStore(db, slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
	if err != nil {
		t.Fatalf("NewStore error: %v", err)
	}

	boom := errors.New("disk I/O error")
	mock.ExpectExec("INSERT INTO chat_turn_jobs").WillReturnError(boom)
	if err := s.Enqueue(context.Background(), Job{ID: "job_x"}); !errors.Is(err, boom) {
		t.Errorf("Enqueue error = %v, want wrapped driver error", err)
	}

	mock.ExpectExec("UPDATE chat_turn_jobs").WillReturnError(boom)
	if _, err := s.MarkRunning(context.Background(), "job_x"); !errors.Is(err, boom) {
		t.Errorf("MarkRunning error = %v, want wrapped driver error", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
