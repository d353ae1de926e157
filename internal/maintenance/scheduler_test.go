package maintenance

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/loomhq/loom/internal/artifacts"
	"github.com/loomhq/loom/internal/ids"
	"github.com/loomhq/loom/internal/jobs"
	"github.com/loomhq/loom/internal/timeline"
	"github.com/loomhq/loom/internal/workspace"
)

type env struct {
	jobs  *jobs.Store
	store *timeline.SQLStore
	repo  *artifacts.Repository
	dir   string
}

func newEnv(t *testing.T) env {
	t.Helper()
	dir := t.TempDir()
	db, err := timeline.Open(filepath.Join(dir, "loom.db"))
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store, err := timeline.NewSQLStore(db, logger, nil)
	if err != nil {
		t.Fatalf("NewSQLStore error: %v", err)
	}
	jobStore, err := jobs.NewStore(db, logger, nil)
	if err != nil {
		t.Fatalf("NewStore error: %v", err)
	}
	repo, err := artifacts.NewRepository(db, workspace.NewLayout(dir), logger)
	if err != nil {
		t.Fatalf("NewRepository error: %v", err)
	}
	return env{jobs: jobStore, store: store, repo: repo, dir: dir}
}

func newTestScheduler(t *testing.T, e env, cfg Config) *Scheduler {
	t.Helper()
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := NewScheduler(cfg, e.jobs, e.store, e.repo)
	if err != nil {
		t.Fatalf("NewScheduler error: %v", err)
	}
	return s
}

func TestNewSchedulerRejectsBadSpec(t *testing.T) {
	e := newEnv(t)
	cfg := DefaultConfig()
	cfg.JobsSpec = "not a cron spec"
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	if _, err := NewScheduler(cfg, e.jobs, e.store, e.repo); err == nil {
		t.Error("NewScheduler accepted an invalid spec")
	}
}

func TestNewSchedulerAcceptsSecondsField(t *testing.T) {
	e := newEnv(t)
	cfg := DefaultConfig()
	cfg.JobsSpec = "*/30 * * * * *"
	newTestScheduler(t, e, cfg)
}

func TestPruneFinishedJobsSweep(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	job := jobs.Job{ID: ids.New(ids.Job), ThreadID: "th_1", WorldlineID: "wl_1", Message: "old"}
	if err := e.jobs.Enqueue(ctx, job); err != nil {
		t.Fatalf("Enqueue error: %v", err)
	}
	if _, err := e.jobs.MarkRunning(ctx, job.ID); err != nil {
		t.Fatalf("MarkRunning error: %v", err)
	}
	if err := e.jobs.Complete(ctx, job.ID, "wl_1", "done"); err != nil {
		t.Fatalf("Complete error: %v", err)
	}

	cfg := DefaultConfig()
	cfg.JobRetention = time.Nanosecond
	s := newTestScheduler(t, e, cfg)

	time.Sleep(10 * time.Millisecond)
	s.PruneFinishedJobs(ctx)

	if _, err := e.jobs.Get(ctx, job.ID); !errors.Is(err, jobs.ErrJobNotFound) {
		t.Errorf("job survived the sweep: %v", err)
	}
}

func TestPruneSnapshotsSweep(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	var paths []string
	for i := 0; i < 4; i++ {
		path := filepath.Join(e.dir, "snap-"+string(rune('a'+i))+".db")
		if err := os.WriteFile(path, []byte("snapshot"), 0o644); err != nil {
			t.Fatalf("WriteFile error: %v", err)
		}
		paths = append(paths, path)
		if _, err := e.store.RecordSnapshot(ctx, "wl_1", "ev_"+string(rune('a'+i)), path); err != nil {
			t.Fatalf("RecordSnapshot error: %v", err)
		}
		// Distinct created_at so newest-first ordering is deterministic.
		time.Sleep(2 * time.Millisecond)
	}

	cfg := DefaultConfig()
	cfg.SnapshotKeep = 2
	s := newTestScheduler(t, e, cfg)
	s.PruneSnapshots(ctx)

	// The two oldest files are gone, the two newest remain.
	for i, path := range paths {
		_, err := os.Stat(path)
		if i < 2 && !os.IsNotExist(err) {
			t.Errorf("old snapshot %s still on disk (err %v)", path, err)
		}
		if i >= 2 && err != nil {
			t.Errorf("recent snapshot %s removed: %v", path, err)
		}
	}
}

func TestArtifactOrphanSweep(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	present := filepath.Join(e.dir, "kept.png")
	if err := os.WriteFile(present, []byte("png"), 0o644); err != nil {
		t.Fatalf("WriteFile error: %v", err)
	}
	kept := artifacts.Artifact{WorldlineID: "wl_1", EventID: "ev_1", Type: artifacts.TypeImage, Name: "kept.png", Path: present}
	orphan := artifacts.Artifact{WorldlineID: "wl_1", EventID: "ev_1", Type: artifacts.TypeImage, Name: "gone.png", Path: filepath.Join(e.dir, "gone.png")}
	for _, a := range []*artifacts.Artifact{&kept, &orphan} {
		if err := e.repo.Record(ctx, a); err != nil {
			t.Fatalf("Record error: %v", err)
		}
	}

	s := newTestScheduler(t, e, DefaultConfig())
	s.ArtifactOrphanSweep(ctx)

	if _, err := e.repo.Get(ctx, kept.ID); err != nil {
		t.Errorf("kept artifact removed: %v", err)
	}
	if _, err := e.repo.Get(ctx, orphan.ID); !errors.Is(err, artifacts.ErrArtifactNotFound) {
		t.Errorf("orphan survived the sweep: %v", err)
	}
}

func TestCronFiresSweep(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	job := jobs.Job{ID: ids.New(ids.Job), ThreadID: "th_1", WorldlineID: "wl_1", Message: "old"}
	if err := e.jobs.Enqueue(ctx, job); err != nil {
		t.Fatalf("Enqueue error: %v", err)
	}
	if _, err := e.jobs.MarkRunning(ctx, job.ID); err != nil {
		t.Fatalf("MarkRunning error: %v", err)
	}
	if err := e.jobs.Complete(ctx, job.ID, "wl_1", "done"); err != nil {
		t.Fatalf("Complete error: %v", err)
	}

	cfg := Config{JobsSpec: "* * * * * *", JobRetention: time.Nanosecond}
	s := newTestScheduler(t, e, cfg)
	s.Start()
	defer s.Stop(ctx)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := e.jobs.Get(ctx, job.ID); errors.Is(err, jobs.ErrJobNotFound) {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Error("cron sweep did not run within the deadline")
}
