// Package jobs persists chat-turn jobs and schedules their execution.
// Jobs survive restarts: every row that was running when the process died
// is requeued on start, giving at-least-once turn execution.
package jobs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/loomhq/loom/internal/observability"
)

// Job status values. Transitions are queued -> running -> one of
// completed/failed, or queued -> cancelled.
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

var (
	ErrJobNotFound    = errors.New("job not found")
	ErrNotCancellable = errors.New("job is not cancellable")
)

// errMsgCap bounds the stored failure text.
const errMsgCap = 500

// Job is one queued chat turn.
type Job struct {
	ID          string `json:"id"`
	ThreadID    string `json:"thread_id"`
	WorldlineID string `json:"worldline_id"`

	Message       string `json:"message"`
	Provider      string `json:"provider,omitempty"`
	Model         string `json:"model,omitempty"`
	MaxIterations int    `json:"max_iterations,omitempty"`

	// Lineage ties subagent child jobs back to their fan-out.
	ParentJobID      string `json:"parent_job_id,omitempty"`
	FanoutGroupID    string `json:"fanout_group_id,omitempty"`
	TaskLabel        string `json:"task_label,omitempty"`
	ParentToolCallID string `json:"parent_tool_call_id,omitempty"`

	Status            string `json:"status"`
	Error             string `json:"error,omitempty"`
	ResultWorldlineID string `json:"result_worldline_id,omitempty"`
	ResultSummary     string `json:"result_summary,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Terminal reports whether the job has reached a final status.
func (j Job) Terminal() bool {
	switch j.Status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// ListFilter narrows List. Zero values match everything.
type ListFilter struct {
	ThreadID string
	Status   string
	Limit    int
}

// Store is the SQLite-backed job table.
type Store struct {
	db      *sql.DB
	logger  *slog.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

// NewStore creates the store and ensures its schema. The db is shared
// with the timeline store; jobs only add their own table.
func NewStore(db *sql.DB, logger *slog.Logger, metrics *observability.Metrics) (*Store, error) {
	if logger == nil {
		logger = slog.Default().With("component", "jobs")
	}
	s := &Store{db: db, logger: logger, metrics: metrics, now: time.Now}
	if err := s.ensureSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS chat_turn_jobs (
			id TEXT PRIMARY KEY,
			thread_id TEXT NOT NULL,
			worldline_id TEXT NOT NULL,
			message TEXT NOT NULL,
			provider TEXT NOT NULL DEFAULT '',
			model TEXT NOT NULL DEFAULT '',
			max_iterations INTEGER NOT NULL DEFAULT 0,
			parent_job_id TEXT,
			fanout_group_id TEXT,
			task_label TEXT,
			parent_tool_call_id TEXT,
			status TEXT NOT NULL DEFAULT 'queued',
			error TEXT,
			result_worldline_id TEXT,
			result_summary TEXT,
			created_at TIMESTAMP NOT NULL,
			started_at TIMESTAMP,
			finished_at TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_status ON chat_turn_jobs(status)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_thread ON chat_turn_jobs(thread_id)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("ensure jobs schema: %w", err)
		}
	}
	return nil
}

// Enqueue inserts the job as queued. The caller assigns the ID.
func (s *Store) Enqueue(ctx context.Context, job Job) error {
	now := s.now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chat_turn_jobs
			(id, thread_id, worldline_id, message, provider, model, max_iterations,
			 parent_job_id, fanout_group_id, task_label, parent_tool_call_id,
			 status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.ThreadID, job.WorldlineID, job.Message, job.Provider, job.Model,
		job.MaxIterations, nullable(job.ParentJobID), nullable(job.FanoutGroupID),
		nullable(job.TaskLabel), nullable(job.ParentToolCallID), StatusQueued, now)
	if err != nil {
		return fmt.Errorf("enqueue job %s: %w", job.ID, err)
	}
	s.metrics.RecordJobTransition(StatusQueued)
	return nil
}

// Get returns one job.
func (s *Store) Get(ctx context.Context, id string) (Job, error) {
	row := s.db.QueryRowContext(ctx, selectJob+` WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, fmt.Errorf("job %s: %w", id, ErrJobNotFound)
	}
	return job, err
}

// List returns jobs newest first, optionally filtered.
func (s *Store) List(ctx context.Context, filter ListFilter) ([]Job, error) {
	query := selectJob
	var clauses []string
	var args []any
	if filter.ThreadID != "" {
		clauses = append(clauses, "thread_id = ?")
		args = append(args, filter.ThreadID)
	}
	if filter.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, filter.Status)
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// MarkRunning claims a queued job. It returns false without error when
// the row already left queued, which is how concurrent schedulers and
// restart races resolve to a single runner.
func (s *Store) MarkRunning(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE chat_turn_jobs SET status = ?, started_at = ? WHERE id = ? AND status = ?`,
		StatusRunning, s.now().UTC(), id, StatusQueued)
	if err != nil {
		return false, fmt.Errorf("mark job %s running: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark job %s running: %w", id, err)
	}
	if n == 0 {
		return false, nil
	}
	s.metrics.RecordJobTransition(StatusRunning)
	return true, nil
}

// Complete finishes a running job with its result pointers.
func (s *Store) Complete(ctx context.Context, id, resultWorldlineID, summary string) error {
	return s.finish(ctx, id, StatusCompleted, "", resultWorldlineID, summary)
}

// Fail finishes a running job with a truncated error message.
func (s *Store) Fail(ctx context.Context, id, errMsg string) error {
	if len(errMsg) > errMsgCap {
		errMsg = errMsg[:errMsgCap]
	}
	return s.finish(ctx, id, StatusFailed, errMsg, "", "")
}

func (s *Store) finish(ctx context.Context, id, status, errMsg, resultWID, summary string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE chat_turn_jobs
		 SET status = ?, error = ?, result_worldline_id = ?, result_summary = ?, finished_at = ?
		 WHERE id = ? AND status = ?`,
		status, nullable(errMsg), nullable(resultWID), nullable(summary),
		s.now().UTC(), id, StatusRunning)
	if err != nil {
		return fmt.Errorf("finish job %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finish job %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("finish job %s: not running", id)
	}
	s.metrics.RecordJobTransition(status)
	return nil
}

// Cancel marks a queued job cancelled. Running jobs cannot be cancelled;
// their turn is already in flight.
func (s *Store) Cancel(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE chat_turn_jobs SET status = ?, finished_at = ? WHERE id = ? AND status = ?`,
		StatusCancelled, s.now().UTC(), id, StatusQueued)
	if err != nil {
		return fmt.Errorf("cancel job %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("cancel job %s: %w", id, err)
	}
	if n == 0 {
		if _, gerr := s.Get(ctx, id); gerr != nil {
			return gerr
		}
		return fmt.Errorf("job %s: %w", id, ErrNotCancellable)
	}
	s.metrics.RecordJobTransition(StatusCancelled)
	return nil
}

// RequeueRunning resets every running job to queued. Called once on
// process start; rows in running state can only be crash leftovers.
func (s *Store) RequeueRunning(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE chat_turn_jobs SET status = ?, started_at = NULL WHERE status = ?`,
		StatusQueued, StatusRunning)
	if err != nil {
		return 0, fmt.Errorf("requeue running jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("requeue running jobs: %w", err)
	}
	if n > 0 {
		s.logger.Info("requeued interrupted jobs", "count", n)
	}
	return int(n), nil
}

// QueuePosition returns the 1-based position of a queued job, or 0 when
// the job is not queued.
func (s *Store) QueuePosition(ctx context.Context, id string) (int, error) {
	job, err := s.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	if job.Status != StatusQueued {
		return 0, nil
	}
	var ahead int
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM chat_turn_jobs
		 WHERE status = ? AND (created_at < ? OR (created_at = ? AND id < ?))`,
		StatusQueued, job.CreatedAt, job.CreatedAt, id).Scan(&ahead)
	if err != nil {
		return 0, fmt.Errorf("queue position of %s: %w", id, err)
	}
	return ahead + 1, nil
}

// PruneFinished deletes terminal jobs older than olderThan.
func (s *Store) PruneFinished(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := s.now().UTC().Add(-olderThan)
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM chat_turn_jobs WHERE status IN (?, ?, ?) AND finished_at < ?`,
		StatusCompleted, StatusFailed, StatusCancelled, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune finished jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune finished jobs: %w", err)
	}
	return n, nil
}

const selectJob = `SELECT id, thread_id, worldline_id, message, provider, model,
	max_iterations, parent_job_id, fanout_group_id, task_label,
	parent_tool_call_id, status, error, result_worldline_id, result_summary,
	created_at, started_at, finished_at
	FROM chat_turn_jobs`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (Job, error) {
	var job Job
	var parentJob, fanoutGroup, taskLabel, parentCall sql.NullString
	var errMsg, resultWID, summary sql.NullString
	var startedAt, finishedAt sql.NullTime
	err := row.Scan(&job.ID, &job.ThreadID, &job.WorldlineID, &job.Message,
		&job.Provider, &job.Model, &job.MaxIterations,
		&parentJob, &fanoutGroup, &taskLabel, &parentCall,
		&job.Status, &errMsg, &resultWID, &summary,
		&job.CreatedAt, &startedAt, &finishedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Job{}, err
		}
		return Job{}, fmt.Errorf("scan job: %w", err)
	}
	job.ParentJobID = parentJob.String
	job.FanoutGroupID = fanoutGroup.String
	job.TaskLabel = taskLabel.String
	job.ParentToolCallID = parentCall.String
	job.Error = errMsg.String
	job.ResultWorldlineID = resultWID.String
	job.ResultSummary = summary.String
	if startedAt.Valid {
		t := startedAt.Time
		job.StartedAt = &t
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		job.FinishedAt = &t
	}
	return job, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
