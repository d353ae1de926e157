// Package maintenance runs the background housekeeping sweeps on cron
// schedules: finished-job pruning, snapshot pruning, and artifact orphan
// sweeps.
package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/loomhq/loom/internal/artifacts"
	"github.com/loomhq/loom/internal/jobs"
	"github.com/loomhq/loom/internal/timeline"
)

// Config holds the sweep schedules. An empty spec disables that sweep.
type Config struct {
	JobsSpec      string
	JobRetention  time.Duration
	SnapshotsSpec string
	SnapshotKeep  int
	ArtifactsSpec string
	Logger        *slog.Logger
}

// DefaultConfig runs every sweep hourly.
func DefaultConfig() Config {
	return Config{
		JobsSpec:      "@hourly",
		JobRetention:  72 * time.Hour,
		SnapshotsSpec: "@hourly",
		SnapshotKeep:  5,
		ArtifactsSpec: "@hourly",
	}
}

// Scheduler owns the cron runner and the sweep implementations.
type Scheduler struct {
	cfg    Config
	cron   *cron.Cron
	jobs   *jobs.Store
	store  *timeline.SQLStore
	repo   *artifacts.Repository
	logger *slog.Logger
}

// NewScheduler registers the configured sweeps. Any of jobs, store, repo
// may be nil; their sweeps are then skipped regardless of spec.
func NewScheduler(cfg Config, jobStore *jobs.Store, store *timeline.SQLStore, repo *artifacts.Repository) (*Scheduler, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default().With("component", "maintenance")
	}
	if cfg.JobRetention <= 0 {
		cfg.JobRetention = 72 * time.Hour
	}
	if cfg.SnapshotKeep < 1 {
		cfg.SnapshotKeep = 5
	}

	s := &Scheduler{
		cfg: cfg,
		cron: cron.New(cron.WithParser(cron.NewParser(
			cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor))),
		jobs:   jobStore,
		store:  store,
		repo:   repo,
		logger: logger,
	}

	type sweep struct {
		name string
		spec string
		run  func(context.Context)
		skip bool
	}
	sweeps := []sweep{
		{"jobs", cfg.JobsSpec, s.PruneFinishedJobs, jobStore == nil},
		{"snapshots", cfg.SnapshotsSpec, s.PruneSnapshots, store == nil},
		{"artifacts", cfg.ArtifactsSpec, s.ArtifactOrphanSweep, repo == nil},
	}
	for _, sw := range sweeps {
		if sw.spec == "" || sw.skip {
			continue
		}
		run := sw.run
		if _, err := s.cron.AddFunc(sw.spec, func() { run(context.Background()) }); err != nil {
			return nil, fmt.Errorf("maintenance: %s spec %q: %w", sw.name, sw.spec, err)
		}
	}
	return s, nil
}

// Start begins scheduling. Safe to call once.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("maintenance started",
		"jobs_spec", s.cfg.JobsSpec,
		"snapshots_spec", s.cfg.SnapshotsSpec,
		"artifacts_spec", s.cfg.ArtifactsSpec)
}

// Stop halts scheduling and waits for a running sweep, bounded by ctx.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop().Done()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// PruneFinishedJobs deletes terminal jobs older than the retention.
func (s *Scheduler) PruneFinishedJobs(ctx context.Context) {
	n, err := s.jobs.PruneFinished(ctx, s.cfg.JobRetention)
	if err != nil {
		s.logger.Error("job prune failed", "error", err)
		return
	}
	if n > 0 {
		s.logger.Info("pruned finished jobs", "count", n, "retention", s.cfg.JobRetention)
	}
}

// PruneSnapshots trims each worldline to its newest snapshots and removes
// the backing files.
func (s *Scheduler) PruneSnapshots(ctx context.Context) {
	pruned, err := s.store.PruneSnapshotsKeepLatest(ctx, s.cfg.SnapshotKeep)
	if err != nil {
		s.logger.Error("snapshot prune failed", "error", err)
		return
	}
	for _, snap := range pruned {
		if err := os.Remove(snap.Path); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("snapshot file not removed", "path", snap.Path, "error", err)
		}
	}
	if len(pruned) > 0 {
		s.logger.Info("pruned snapshots", "count", len(pruned), "keep", s.cfg.SnapshotKeep)
	}
}

// ArtifactOrphanSweep drops artifact rows whose files are gone.
func (s *Scheduler) ArtifactOrphanSweep(ctx context.Context) {
	n, err := s.repo.DeleteOrphans(ctx)
	if err != nil {
		s.logger.Error("artifact orphan sweep failed", "error", err)
		return
	}
	if n > 0 {
		s.logger.Info("removed orphaned artifact rows", "count", n)
	}
}
