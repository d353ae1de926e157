package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/loomhq/loom/internal/capacity"
	"github.com/loomhq/loom/internal/ids"
	"github.com/loomhq/loom/internal/observability"
)

// ErrSchedulerClosed rejects Enqueue after Shutdown.
var ErrSchedulerClosed = errors.New("scheduler is shut down")

// summaryLen caps the final-text slice stored in the result summary.
const summaryLen = 220

// TurnResult is the slice of a turn outcome the scheduler records.
type TurnResult struct {
	FinalWorldlineID string
	FinalText        string
	EventCount       int
}

// TurnFunc runs one chat turn for a claimed job. The composition root
// provides it; the call runs under the per-worldline turn coordinator.
type TurnFunc func(ctx context.Context, job Job) (TurnResult, error)

// EnqueueRequest describes a turn to queue.
type EnqueueRequest struct {
	ThreadID      string
	WorldlineID   string
	Message       string
	Provider      string
	Model         string
	MaxIterations int

	ParentJobID      string
	FanoutGroupID    string
	TaskLabel        string
	ParentToolCallID string
}

// Scheduler claims queued jobs and runs them in the background.
//
// Shutdown stops creating new runs but does not join in-flight turns:
// a turn already past its claim finishes and records its terminal status
// even while the process is draining. Wait exists for tests.
type Scheduler struct {
	store   *Store
	pool    *capacity.Pool
	runTurn TurnFunc
	logger  *slog.Logger
	metrics *observability.Metrics

	mu       sync.Mutex
	started  bool
	closed   bool
	schedCtx context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewScheduler wires a scheduler. pool may be nil; jobs then run without
// turn-pool admission control.
func NewScheduler(store *Store, pool *capacity.Pool, runTurn TurnFunc, logger *slog.Logger, metrics *observability.Metrics) *Scheduler {
	if logger == nil {
		logger = slog.Default().With("component", "jobs")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		store:    store,
		pool:     pool,
		runTurn:  runTurn,
		logger:   logger,
		metrics:  metrics,
		schedCtx: ctx,
		cancel:   cancel,
	}
}

// Enqueue inserts a queued job and, once the scheduler is started,
// schedules it immediately.
func (s *Scheduler) Enqueue(ctx context.Context, req EnqueueRequest) (Job, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Job{}, ErrSchedulerClosed
	}
	started := s.started
	s.mu.Unlock()

	job := Job{
		ID:               ids.New(ids.Job),
		ThreadID:         req.ThreadID,
		WorldlineID:      req.WorldlineID,
		Message:          req.Message,
		Provider:         req.Provider,
		Model:            req.Model,
		MaxIterations:    req.MaxIterations,
		ParentJobID:      req.ParentJobID,
		FanoutGroupID:    req.FanoutGroupID,
		TaskLabel:        req.TaskLabel,
		ParentToolCallID: req.ParentToolCallID,
		Status:           StatusQueued,
	}
	if err := s.store.Enqueue(ctx, job); err != nil {
		return Job{}, err
	}
	if started {
		s.Schedule(job.ID)
	}
	return s.store.Get(ctx, job.ID)
}

// Start requeues crash leftovers and schedules every queued job.
// Idempotent; later calls are no-ops.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started || s.closed {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	if _, err := s.store.RequeueRunning(ctx); err != nil {
		return err
	}
	queued, err := s.store.List(ctx, ListFilter{Status: StatusQueued})
	if err != nil {
		return err
	}
	// Oldest first; List returns newest first.
	for i := len(queued) - 1; i >= 0; i-- {
		s.Schedule(queued[i].ID)
	}
	return nil
}

// Schedule spawns the background run for one job. A job that cannot be
// claimed (already running, finished, or cancelled) is skipped silently.
func (s *Scheduler) Schedule(jobID string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		s.run(jobID)
	}()
}

func (s *Scheduler) run(jobID string) {
	claimed, err := s.store.MarkRunning(s.schedCtx, jobID)
	if err != nil {
		if s.schedCtx.Err() == nil {
			s.logger.Error("job claim failed", "job_id", jobID, "error", err)
		}
		return
	}
	if !claimed {
		return
	}

	if s.pool != nil {
		lease, err := s.pool.Acquire(s.schedCtx)
		if err != nil {
			if s.schedCtx.Err() != nil {
				// Shutdown raced the claim; the row is requeued on the
				// next start.
				return
			}
			reason := err.Error()
			if errors.Is(err, capacity.ErrCapacityLimit) {
				reason = fmt.Sprintf("turn capacity: %s", err)
			}
			s.fail(jobID, reason)
			return
		}
		defer lease.Release()
	}

	job, err := s.store.Get(s.schedCtx, jobID)
	if err != nil {
		s.fail(jobID, err.Error())
		return
	}

	// The turn itself is not cancelled by Shutdown; it finishes and
	// records its status through the coordinator path.
	res, err := s.runTurn(context.WithoutCancel(s.schedCtx), job)
	if err != nil {
		s.fail(jobID, err.Error())
		return
	}
	summary := fmt.Sprintf("%d events; %s", res.EventCount, truncate(res.FinalText, summaryLen))
	if err := s.store.Complete(context.Background(), jobID, res.FinalWorldlineID, summary); err != nil {
		s.logger.Error("job completion not recorded", "job_id", jobID, "error", err)
		return
	}
	s.logger.Info("job completed", "job_id", jobID,
		"result_worldline_id", res.FinalWorldlineID, "events", res.EventCount)
}

func (s *Scheduler) fail(jobID, reason string) {
	if err := s.store.Fail(context.Background(), jobID, reason); err != nil {
		s.logger.Error("job failure not recorded", "job_id", jobID, "error", err)
		return
	}
	s.logger.Warn("job failed", "job_id", jobID, "error", reason)
}

// Shutdown stops scheduling new runs and cancels tasks still waiting to
// claim or for a pool lease.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	s.cancel()
}

// Wait blocks until every background run has returned.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
