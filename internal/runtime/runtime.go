// Package runtime is the composition root: it wires the meta database,
// stores, capacity pools, sandboxes, the tool dispatcher, the turn
// engine, subagents, the job scheduler, and maintenance into one
// process-wide object.
package runtime

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/loomhq/loom/internal/analytics"
	"github.com/loomhq/loom/internal/artifacts"
	"github.com/loomhq/loom/internal/capacity"
	"github.com/loomhq/loom/internal/config"
	"github.com/loomhq/loom/internal/jobs"
	"github.com/loomhq/loom/internal/llm"
	"github.com/loomhq/loom/internal/maintenance"
	"github.com/loomhq/loom/internal/observability"
	"github.com/loomhq/loom/internal/sandbox"
	"github.com/loomhq/loom/internal/subagents"
	"github.com/loomhq/loom/internal/timeline"
	"github.com/loomhq/loom/internal/tools"
	"github.com/loomhq/loom/internal/turns"
	"github.com/loomhq/loom/internal/workspace"
)

// Options configures New. Client beats Registry when both are set; with
// neither, turns fail at request time rather than at startup.
type Options struct {
	Config   config.Config
	Client   llm.Client
	Registry *llm.Registry
	// Runner executes Python in sandboxes. Nil disables run_python.
	Runner  sandbox.Runner
	Logger  *slog.Logger
	Metrics *observability.Metrics
}

// TurnRequest is one chat turn as the outer surface sees it.
type TurnRequest struct {
	WorldlineID   string
	Message       string
	MaxIterations int
}

// TurnResult carries the turn outcome plus the events it appended to the
// final worldline.
type TurnResult struct {
	WorldlineID string
	Events      []timeline.Event
	FinalText   string
}

// Runtime owns every long-lived component of the process.
type Runtime struct {
	cfg     config.Config
	logger  *slog.Logger
	metrics *observability.Metrics

	db          *sql.DB
	layout      workspace.Layout
	store       *timeline.SQLStore
	jobStore    *jobs.Store
	artifacts   *artifacts.Repository
	analytics   *analytics.Driver
	pools       *capacity.Controller
	coordinator *turns.Coordinator
	sandboxes   *sandbox.Manager
	dispatcher  *tools.Dispatcher
	engine      *turns.Engine
	subagents   *subagents.Coordinator
	scheduler   *jobs.Scheduler
	sweeps      *maintenance.Scheduler
}

// New wires a runtime from options. Nothing is started; call Start.
func New(opts Options) (*Runtime, error) {
	cfg := opts.Config
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	layout := workspace.NewLayout(cfg.DataRoot)
	if err := layout.EnsureRoot(); err != nil {
		return nil, err
	}
	db, err := timeline.Open(layout.MetaDatabasePath())
	if err != nil {
		return nil, err
	}

	r := &Runtime{cfg: cfg, logger: logger, metrics: opts.Metrics, db: db, layout: layout}

	r.store, err = timeline.NewSQLStore(db, logger.With("component", "timeline"), opts.Metrics)
	if err != nil {
		db.Close()
		return nil, err
	}
	r.jobStore, err = jobs.NewStore(db, logger.With("component", "jobs"), opts.Metrics)
	if err != nil {
		db.Close()
		return nil, err
	}
	r.artifacts, err = artifacts.NewRepository(db, layout, logger.With("component", "artifacts"))
	if err != nil {
		db.Close()
		return nil, err
	}
	r.analytics = analytics.NewDriver(layout, logger.With("component", "analytics"))

	r.pools = capacity.NewController(capacity.Limits{
		TurnMax:       cfg.Pools.TurnMax,
		TurnQueue:     cfg.Pools.TurnQueue,
		SubagentMax:   cfg.Pools.SubagentMax,
		SubagentQueue: cfg.Pools.SubagentQueue,
		PythonMax:     cfg.Pools.PythonMax,
		PythonQueue:   cfg.Pools.PythonQueue,
	}, opts.Metrics)
	r.coordinator = turns.NewCoordinator(logger.With("component", "turn-coordinator"))

	if opts.Runner != nil {
		scfg := sandbox.DefaultConfig()
		if cfg.Sandbox.MaxConcurrency > 0 {
			scfg.MaxConcurrency = cfg.Sandbox.MaxConcurrency
		}
		if cfg.Sandbox.MaxQueue > 0 {
			scfg.MaxQueue = cfg.Sandbox.MaxQueue
		}
		if cfg.Sandbox.IdleTTLSeconds > 0 {
			scfg.IdleTTL = time.Duration(cfg.Sandbox.IdleTTLSeconds) * time.Second
		}
		if cfg.Sandbox.ReaperIntervalSeconds > 0 {
			scfg.ReaperInterval = time.Duration(cfg.Sandbox.ReaperIntervalSeconds) * time.Second
		}
		scfg.Logger = logger.With("component", "sandbox")
		scfg.Metrics = opts.Metrics
		r.sandboxes = sandbox.NewManager(opts.Runner, layout, scfg)
	}

	client := opts.Client
	if client == nil && opts.Registry != nil && cfg.Provider != "" {
		client, err = opts.Registry.New(cfg.Provider)
		if err != nil {
			db.Close()
			return nil, err
		}
	}
	if client == nil {
		db.Close()
		return nil, fmt.Errorf("runtime: no llm client (set provider or inject a client)")
	}

	r.dispatcher = tools.NewDispatcher(r.store, r.analytics, r.sandboxes, r.artifacts,
		r.pools.Python, nil, logger.With("component", "tool-dispatcher"), opts.Metrics)
	r.engine = turns.NewEngine(r.store, r.dispatcher, r.artifacts, client,
		logger.With("component", "turn-engine"), opts.Metrics)

	r.subagents = subagents.NewCoordinator(r.store, r.analytics, r.artifacts, client,
		r.pools.Subagent, r.subagentTurn, logger.With("component", "subagents"), opts.Metrics)
	r.subagents.Provider = cfg.Provider
	r.subagents.Model = cfg.Model
	// Closing the loop: spawn_subagents dispatches back through the
	// subagent coordinator.
	r.dispatcher.SetSpawner(subagents.ToolAdapter{Coordinator: r.subagents})

	r.scheduler = jobs.NewScheduler(r.jobStore, r.pools.Turn, r.jobTurn,
		logger.With("component", "jobs"), opts.Metrics)

	r.sweeps, err = maintenance.NewScheduler(maintenance.Config{
		JobsSpec:      cfg.Maintenance.JobsSpec,
		JobRetention:  time.Duration(cfg.Maintenance.JobRetentionHours) * time.Hour,
		SnapshotsSpec: cfg.Maintenance.SnapshotsSpec,
		SnapshotKeep:  cfg.Maintenance.SnapshotKeep,
		ArtifactsSpec: cfg.Maintenance.ArtifactsSpec,
		Logger:        logger.With("component", "maintenance"),
	}, r.jobStore, r.store, r.artifacts)
	if err != nil {
		db.Close()
		return nil, err
	}
	return r, nil
}

// Start brings up the background machinery: sandbox reaper, job
// scheduler (with crash recovery), and maintenance sweeps.
func (r *Runtime) Start(ctx context.Context) error {
	if r.sandboxes != nil {
		r.sandboxes.Start()
	}
	if err := r.scheduler.Start(ctx); err != nil {
		return err
	}
	r.sweeps.Start()
	r.logger.Info("runtime started", "data_root", r.layout.Root())
	return nil
}

// Shutdown drains the process: no new jobs, serialized turns wound down,
// sandboxes stopped, sweeps halted, database closed.
func (r *Runtime) Shutdown(ctx context.Context) {
	r.scheduler.Shutdown()
	r.sweeps.Stop(ctx)
	r.coordinator.Shutdown()
	if r.sandboxes != nil {
		r.sandboxes.ShutdownAll(ctx)
	}
	if err := r.db.Close(); err != nil {
		r.logger.Warn("meta database close failed", "error", err)
	}
	r.logger.Info("runtime stopped")
}

// RunTurn executes one turn inline: turn-pool admission, then the
// per-worldline serial queue, then the engine.
func (r *Runtime) RunTurn(ctx context.Context, req TurnRequest) (TurnResult, error) {
	return r.runTurn(ctx, req, nil)
}

// StreamTurn is RunTurn with live event/delta delivery. The turn itself
// runs detached from ctx cancellation: once admitted it finishes and
// records its terminal event even if the caller goes away.
func (r *Runtime) StreamTurn(ctx context.Context, req TurnRequest, sink turns.Sink) (TurnResult, error) {
	lease, err := r.pools.Turn.Acquire(ctx)
	if err != nil {
		return TurnResult{}, err
	}
	defer lease.Release()
	return r.execute(context.WithoutCancel(ctx), req, sink)
}

// EnqueueTurn queues the turn as a durable job.
func (r *Runtime) EnqueueTurn(ctx context.Context, threadID string, req TurnRequest) (jobs.Job, error) {
	return r.scheduler.Enqueue(ctx, jobs.EnqueueRequest{
		ThreadID:      threadID,
		WorldlineID:   req.WorldlineID,
		Message:       req.Message,
		Provider:      r.cfg.Provider,
		Model:         r.cfg.Model,
		MaxIterations: req.MaxIterations,
	})
}

func (r *Runtime) runTurn(ctx context.Context, req TurnRequest, sink turns.Sink) (TurnResult, error) {
	lease, err := r.pools.Turn.Acquire(ctx)
	if err != nil {
		return TurnResult{}, err
	}
	defer lease.Release()
	return r.execute(ctx, req, sink)
}

// execute runs the engine under the per-worldline serial queue. The
// caller must already hold a turn lease.
func (r *Runtime) execute(ctx context.Context, req TurnRequest, sink turns.Sink) (TurnResult, error) {
	var out turns.Result
	err := r.coordinator.Run(ctx, req.WorldlineID, func(ctx context.Context) error {
		res, err := r.engine.RunTurn(ctx, turns.Request{
			WorldlineID:   req.WorldlineID,
			Message:       req.Message,
			Provider:      r.cfg.Provider,
			Model:         r.cfg.Model,
			MaxIterations: req.MaxIterations,
			Sink:          sink,
		})
		out = res
		return err
	})
	if err != nil {
		return TurnResult{}, err
	}
	return TurnResult{
		WorldlineID: out.FinalWorldlineID,
		Events:      out.Events,
		FinalText:   out.FinalText,
	}, nil
}

// jobTurn runs a scheduled job's turn. The scheduler already holds the
// turn lease; only the serial queue applies here.
func (r *Runtime) jobTurn(ctx context.Context, job jobs.Job) (jobs.TurnResult, error) {
	var out turns.Result
	err := r.coordinator.Run(ctx, job.WorldlineID, func(ctx context.Context) error {
		res, err := r.engine.RunTurn(ctx, turns.Request{
			WorldlineID:   job.WorldlineID,
			Message:       job.Message,
			Provider:      job.Provider,
			Model:         job.Model,
			MaxIterations: job.MaxIterations,
		})
		out = res
		return err
	})
	if err != nil {
		return jobs.TurnResult{}, err
	}
	return jobs.TurnResult{
		FinalWorldlineID: out.FinalWorldlineID,
		FinalText:        out.FinalText,
		EventCount:       len(out.Events),
	}, nil
}

// subagentTurn runs one child turn for the subagent coordinator. The
// coordinator holds the subagent lease; depth 1 keeps spawn_subagents
// out of the child's tool set.
func (r *Runtime) subagentTurn(ctx context.Context, req subagents.TurnRequest) (subagents.TurnResult, error) {
	var out turns.Result
	err := r.coordinator.Run(ctx, req.WorldlineID, func(ctx context.Context) error {
		res, err := r.engine.RunTurn(ctx, turns.Request{
			WorldlineID:   req.WorldlineID,
			Message:       req.Message,
			Provider:      r.cfg.Provider,
			Model:         r.cfg.Model,
			MaxIterations: req.MaxIterations,
			SubagentDepth: 1,
			DisableTools:  req.DisableTools,
		})
		out = res
		return err
	})
	if err != nil {
		return subagents.TurnResult{}, err
	}
	return subagents.TurnResult{
		FinalText:  out.FinalText,
		StateTrace: out.StateTrace,
		LoopLimit:  out.LoopLimit,
	}, nil
}

// Store exposes the timeline store to CLI handlers.
func (r *Runtime) Store() *timeline.SQLStore { return r.store }

// Jobs exposes the job store to CLI handlers.
func (r *Runtime) Jobs() *jobs.Store { return r.jobStore }

// Artifacts exposes the artifact repository.
func (r *Runtime) Artifacts() *artifacts.Repository { return r.artifacts }

// Analytics exposes the analytical-database driver.
func (r *Runtime) Analytics() *analytics.Driver { return r.analytics }
