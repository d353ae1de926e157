// Package subagents fans a goal out to parallel child turns, each on its
// own branched worldline, and fans their results back into one aggregate
// event on the parent.
package subagents

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loomhq/loom/internal/artifacts"
	"github.com/loomhq/loom/internal/backoff"
	"github.com/loomhq/loom/internal/capacity"
	"github.com/loomhq/loom/internal/ids"
	"github.com/loomhq/loom/internal/llm"
	"github.com/loomhq/loom/internal/observability"
	"github.com/loomhq/loom/internal/timeline"
)

// ErrNoTasks means neither explicit tasks nor goal splitting produced any
// work.
var ErrNoTasks = errors.New("no subagent tasks")

// Task status values.
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusTimeout   = "timeout"
)

// FailureCodeLoopLimit marks a task that exhausted its tool loop and did
// not recover through the synthesis-only retry.
const FailureCodeLoopLimit = "subagent_loop_limit"

// previewLen caps assistant previews in progress updates and the
// aggregate.
const previewLen = 220

// turnAttempts is the total attempt budget per task for transient
// failures.
const turnAttempts = 3

// transientMarkers classify provider errors worth retrying.
var transientMarkers = []string{
	"429", "503", "timeout", "connection", "network", "temporarily unavailable",
}

// Limits bound a fan-out.
type Limits struct {
	TimeoutS             int
	MaxIterations        int
	MaxSubagents         int
	MaxParallelSubagents int
}

// SpawnRequest describes one fan-out.
type SpawnRequest struct {
	SourceWorldlineID string
	FromEventID       string
	Goal              string
	Tasks             []timeline.TaskSpec
	Limits            Limits
	CallID            string
	// CarriedUserMessage is recorded for lineage only; children receive
	// their task message, not the parent's user message.
	CarriedUserMessage string
	Progress           func(ProgressUpdate)
	OnEvent            func(timeline.Event)
}

// ProgressUpdate is one status edge of one task, ordered by GroupSeq.
type ProgressUpdate struct {
	FanoutGroupID    string
	GroupSeq         int64
	ParentToolCallID string
	TaskIndex        int
	Label            string
	Status           string
	AssistantPreview string
	Completed        int
	Failed           int
	TimedOut         int
	Running          int
}

// Aggregate is the fan-in summary.
type Aggregate struct {
	Payload       timeline.SubagentsResultPayload
	CallEventID   string
	ResultEventID string
}

// TurnRequest is what the coordinator asks of the turn runner for one
// child.
type TurnRequest struct {
	WorldlineID   string
	Message       string
	MaxIterations int
	// DisableTools runs the synthesis-only recovery turn.
	DisableTools bool
}

// TurnResult is the slice of a turn outcome the coordinator needs.
type TurnResult struct {
	FinalText  string
	StateTrace []timeline.StateTransition
	LoopLimit  bool
}

// TurnFunc runs one child turn through the turn coordinator. The
// composition root provides it; the indirection keeps this package from
// depending on the engine.
type TurnFunc func(ctx context.Context, req TurnRequest) (TurnResult, error)

// LoopLimitMarker mirrors the engine's terminal text marker; either the
// marker or the state-trace reason identifies a loop-limit terminal.
const LoopLimitMarker = "tool-loop limit"

const reasonMaxIterations = "max_iterations_reached"

// Coordinator runs subagent fan-outs.
type Coordinator struct {
	store   *timeline.SQLStore
	cloner  timeline.DatabaseCloner
	repo    *artifacts.Repository
	client  llm.Client
	pool    *capacity.Pool
	runTurn TurnFunc
	logger  *slog.Logger
	metrics *observability.Metrics

	// Provider and Model configure the goal-splitting completion.
	Provider string
	Model    string
	// RetryPolicy shapes the transient-failure backoff.
	RetryPolicy backoff.Policy
}

// NewCoordinator wires a coordinator. pool may be nil in tests; children
// then run unthrottled.
func NewCoordinator(
	store *timeline.SQLStore,
	cloner timeline.DatabaseCloner,
	repo *artifacts.Repository,
	client llm.Client,
	pool *capacity.Pool,
	runTurn TurnFunc,
	logger *slog.Logger,
	metrics *observability.Metrics,
) *Coordinator {
	if logger == nil {
		logger = slog.Default().With("component", "subagents")
	}
	return &Coordinator{
		store:       store,
		cloner:      cloner,
		repo:        repo,
		client:      client,
		pool:        pool,
		runTurn:     runTurn,
		logger:      logger,
		metrics:     metrics,
		RetryPolicy: backoff.TransientPolicy(),
	}
}

// taskState is the mutable record of one task during the fan-out.
type taskState struct {
	index      int
	label      string
	branchName string
	message    string
	childWID   string
	ordering   string

	mu        sync.Mutex
	status    string
	text      string
	terminal  string
	failCode  string
	errText   string
	retried   int
	recovered bool
}

// SpawnBlocking runs the whole fan-out and returns once the aggregate
// result event is on the parent worldline.
func (c *Coordinator) SpawnBlocking(ctx context.Context, req SpawnRequest) (Aggregate, error) {
	start := time.Now()

	source, err := c.store.GetWorldline(ctx, req.SourceWorldlineID)
	if err != nil {
		return Aggregate{}, err
	}
	fork, resolution, err := c.store.ResolveForkEvent(ctx, source, req.FromEventID)
	if err != nil {
		return Aggregate{}, err
	}

	specs, truncated, err := c.taskList(ctx, req)
	if err != nil {
		return Aggregate{}, err
	}

	groupID := ids.New(ids.FanoutGroup)
	tasks := make([]*taskState, len(specs))
	accepted := make([]timeline.AcceptedTask, len(specs))
	for i, spec := range specs {
		tasks[i] = &taskState{
			index:      i,
			label:      spec.Label,
			branchName: spec.BranchName,
			message:    spec.Message,
			ordering:   fmt.Sprintf("%s:%d", groupID, i),
			status:     StatusQueued,
		}
		accepted[i] = timeline.AcceptedTask{Index: i, Label: spec.Label, Message: spec.Message}
	}

	// Branch every child before announcing the fan-out; a branch failure
	// aborts the whole call rather than producing a partial group.
	for _, task := range tasks {
		branchName := task.branchName
		if branchName == "" {
			branchName = fmt.Sprintf("subagent-%d", task.index)
		}
		forkID := ""
		if fork != nil {
			forkID = *fork
		}
		res, err := c.store.BranchFromEvent(ctx, timeline.BranchSpec{
			SourceWorldlineID: req.SourceWorldlineID,
			FromEventID:       forkID,
			Name:              branchName,
			AppendEvents:      false,
		}, c.cloner)
		if err != nil {
			return Aggregate{}, fmt.Errorf("branch subagent %d: %w", task.index, err)
		}
		task.childWID = res.Worldline.ID
	}

	callPayload := timeline.SubagentsCallPayload{
		Goal:                 req.Goal,
		Tasks:                req.Tasks,
		RequestedFromEventID: req.FromEventID,
		FromEventResolution:  resolution,
		TimeoutS:             req.Limits.TimeoutS,
		MaxIterations:        req.Limits.MaxIterations,
		MaxSubagents:         req.Limits.MaxSubagents,
		MaxParallelSubagents: req.Limits.MaxParallelSubagents,
		CallID:               req.CallID,
		TaskCount:            len(specs),
		AcceptedTaskCount:    len(specs),
		TruncatedTaskCount:   truncated,
		AcceptedTasks:        accepted,
	}
	if fork != nil {
		callPayload.FromEventID = *fork
	}
	callEv, err := c.store.AppendWithRetry(ctx, req.SourceWorldlineID, timeline.EventToolCallSubagents, callPayload)
	if err != nil {
		return Aggregate{}, err
	}
	if req.OnEvent != nil {
		req.OnEvent(callEv)
	}

	c.runAll(ctx, req, groupID, callEv.ID, tasks)

	payload := c.aggregate(groupID, len(specs), tasks)
	resEv, err := c.store.AppendAndAdvance(ctx, req.SourceWorldlineID, &callEv.ID, timeline.EventToolResultSubagents, payload)
	if err != nil {
		return Aggregate{}, err
	}
	if req.OnEvent != nil {
		req.OnEvent(resEv)
	}

	c.fanInArtifacts(ctx, req.SourceWorldlineID, resEv.ID, tasks)
	c.metrics.RecordFanout(time.Since(start))
	c.logger.Info("fan-out finished",
		"fanout_group_id", groupID,
		"tasks", len(tasks),
		"completed", payload.Completed,
		"failed", payload.Failed,
		"timed_out", payload.TimedOut,
		"duration", time.Since(start))

	return Aggregate{Payload: payload, CallEventID: callEv.ID, ResultEventID: resEv.ID}, nil
}

// runAll executes every task with bounded parallelism under the group
// deadline.
func (c *Coordinator) runAll(ctx context.Context, req SpawnRequest, groupID, callEventID string, tasks []*taskState) {
	timeout := time.Duration(req.Limits.TimeoutS) * time.Second
	if timeout <= 0 {
		timeout = 300 * time.Second
	}
	groupCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	parallel := req.Limits.MaxParallelSubagents
	if parallel < 1 {
		parallel = 1
	}
	if c.pool != nil && c.pool.Capacity() < parallel {
		parallel = c.pool.Capacity()
	}
	sem := make(chan struct{}, parallel)

	var groupSeq atomic.Int64
	progress := func(task *taskState, status, preview string) {
		c.metricsEdge(status)
		if req.Progress == nil {
			return
		}
		update := ProgressUpdate{
			FanoutGroupID:    groupID,
			GroupSeq:         groupSeq.Add(1),
			ParentToolCallID: callEventID,
			TaskIndex:        task.index,
			Label:            task.label,
			Status:           status,
			AssistantPreview: preview,
		}
		for _, t := range tasks {
			t.mu.Lock()
			switch t.status {
			case StatusCompleted:
				update.Completed++
			case StatusFailed:
				update.Failed++
			case StatusTimeout:
				update.TimedOut++
			case StatusRunning:
				update.Running++
			}
			t.mu.Unlock()
		}
		req.Progress(update)
	}

	var wg sync.WaitGroup
	for _, task := range tasks {
		task := task
		wg.Add(1)
		go func() {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-groupCtx.Done():
				c.markTimeout(task, progress)
				return
			}
			c.runTask(groupCtx, req, task, progress)
		}()
	}
	wg.Wait()
}

// runTask drives one child turn: subagent lease, transient retry, and the
// synthesis-only recovery for loop-limit terminals.
func (c *Coordinator) runTask(ctx context.Context, req SpawnRequest, task *taskState, progress func(*taskState, string, string)) {
	task.mu.Lock()
	task.status = StatusRunning
	task.mu.Unlock()
	progress(task, StatusRunning, "")

	if c.pool != nil {
		lease, err := c.pool.Acquire(ctx)
		if err != nil {
			c.finishTask(ctx, task, TurnResult{}, err, progress)
			return
		}
		defer lease.Release()
	}

	res, err := backoff.Retry[TurnResult](ctx, c.RetryPolicy, turnAttempts,
		isTransient,
		func(int) (TurnResult, error) {
			return c.runTurn(ctx, TurnRequest{
				WorldlineID:   task.childWID,
				Message:       task.message,
				MaxIterations: req.Limits.MaxIterations,
			})
		})
	retried := res.Attempts - 1
	if retried > 0 {
		task.mu.Lock()
		task.retried += retried
		task.mu.Unlock()
		c.metrics.RecordSubagentRetry(err == nil)
	}
	if err != nil {
		c.finishTask(ctx, task, res.Value, firstErr(res.LastErr, err), progress)
		return
	}

	turn := res.Value
	if isLoopLimit(turn) {
		// One recovery pass with tools withdrawn: the child summarizes
		// what it gathered instead of burning more iterations.
		task.mu.Lock()
		task.retried++
		task.mu.Unlock()
		synth, serr := c.runTurn(ctx, TurnRequest{
			WorldlineID:   task.childWID,
			Message:       "Summarize your findings for the task so far. Do not use any tools.",
			MaxIterations: 1,
			DisableTools:  true,
		})
		recovered := serr == nil && !isLoopLimit(synth)
		c.metrics.RecordSubagentRetry(recovered)
		if recovered {
			task.mu.Lock()
			task.recovered = true
			task.mu.Unlock()
			turn = synth
		} else {
			task.mu.Lock()
			task.failCode = FailureCodeLoopLimit
			task.mu.Unlock()
			c.finishTask(ctx, task, turn, errors.New("tool-loop limit not recovered"), progress)
			return
		}
	}

	c.finishTask(ctx, task, turn, nil, progress)
}

func (c *Coordinator) finishTask(ctx context.Context, task *taskState, turn TurnResult, err error, progress func(*taskState, string, string)) {
	task.mu.Lock()
	task.text = turn.FinalText
	task.terminal = lastReason(turn.StateTrace)
	switch {
	case err == nil:
		task.status = StatusCompleted
	case ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded):
		task.status = StatusTimeout
		task.errText = "deadline exceeded"
	default:
		task.status = StatusFailed
		task.errText = truncate(err.Error(), previewLen)
	}
	status := task.status
	preview := truncate(turn.FinalText, previewLen)
	task.mu.Unlock()
	progress(task, status, preview)
}

func (c *Coordinator) markTimeout(task *taskState, progress func(*taskState, string, string)) {
	task.mu.Lock()
	task.status = StatusTimeout
	task.errText = "deadline exceeded before start"
	task.mu.Unlock()
	progress(task, StatusTimeout, "")
}

// aggregate folds the task states into the result payload, index order.
func (c *Coordinator) aggregate(groupID string, taskCount int, tasks []*taskState) timeline.SubagentsResultPayload {
	payload := timeline.SubagentsResultPayload{
		FanoutGroupID:     groupID,
		TaskCount:         taskCount,
		AcceptedTaskCount: taskCount,
		Tasks:             make([]timeline.TaskRecord, 0, len(tasks)),
	}
	failures := map[string]int{}
	for _, task := range tasks {
		task.mu.Lock()
		record := timeline.TaskRecord{
			Index:            task.index,
			Label:            task.label,
			BranchName:       task.branchName,
			ChildWorldlineID: task.childWID,
			OrderingKey:      task.ordering,
			Status:           task.status,
			AssistantText:    task.text,
			AssistantPreview: truncate(task.text, previewLen),
			TerminalReason:   task.terminal,
			FailureCode:      task.failCode,
			Error:            task.errText,
			Retried:          task.retried,
			Recovered:        task.recovered,
		}
		switch task.status {
		case StatusCompleted:
			payload.Completed++
		case StatusFailed:
			payload.Failed++
			code := task.failCode
			if code == "" {
				code = "error"
			}
			failures[code]++
		case StatusTimeout:
			payload.TimedOut++
			failures["timeout"]++
		}
		payload.Retried += task.retried
		if task.recovered {
			payload.Recovered++
		}
		task.mu.Unlock()
		payload.Tasks = append(payload.Tasks, record)
	}
	sort.Slice(payload.Tasks, func(i, j int) bool { return payload.Tasks[i].Index < payload.Tasks[j].Index })
	if len(failures) > 0 {
		payload.FailureSummary = failures
	}
	payload.PartialFailure = payload.Failed > 0 || payload.TimedOut > 0
	payload.AllCompleted = payload.Failed == 0 && payload.TimedOut == 0
	return payload
}

// fanInArtifacts copies each finished child's artifacts into the parent
// workspace under a label prefix. Copy failures degrade to a log line;
// the aggregate event is already durable.
func (c *Coordinator) fanInArtifacts(ctx context.Context, parentWID, resultEventID string, tasks []*taskState) {
	if c.repo == nil {
		return
	}
	for _, task := range tasks {
		task.mu.Lock()
		status := task.status
		label := task.label
		childWID := task.childWID
		index := task.index
		task.mu.Unlock()
		if status != StatusCompleted || childWID == "" {
			continue
		}
		prefix := artifacts.NormalizeLabel(label, fmt.Sprintf("task-%d", index))
		if _, err := c.repo.CopyForFanIn(ctx, childWID, parentWID, resultEventID, prefix); err != nil {
			c.logger.Warn("artifact fan-in failed",
				"child_worldline_id", childWID, "error", err)
		}
	}
}

func (c *Coordinator) metricsEdge(status string) {
	switch status {
	case StatusCompleted, StatusFailed, StatusTimeout:
		c.metrics.RecordSubagentTask(status)
	}
}

// ObservationMessage renders the aggregate into the model-facing
// observation the dispatcher returns.
func ObservationMessage(p timeline.SubagentsResultPayload) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Subagents finished: %d completed, %d failed, %d timed out of %d tasks.",
		p.Completed, p.Failed, p.TimedOut, p.TaskCount)
	for _, t := range p.Tasks {
		label := t.Label
		if label == "" {
			label = fmt.Sprintf("task %d", t.Index)
		}
		fmt.Fprintf(&b, "\n[%s] %s", label, t.Status)
		if t.AssistantPreview != "" {
			fmt.Fprintf(&b, ": %s", t.AssistantPreview)
		} else if t.Error != "" {
			fmt.Fprintf(&b, ": %s", t.Error)
		}
	}
	return b.String()
}

func isTransient(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

func isLoopLimit(res TurnResult) bool {
	if res.LoopLimit || strings.Contains(res.FinalText, LoopLimitMarker) {
		return true
	}
	for _, tr := range res.StateTrace {
		if tr.Reason == reasonMaxIterations {
			return true
		}
	}
	return false
}

func lastReason(trace []timeline.StateTransition) string {
	for i := len(trace) - 1; i >= 0; i-- {
		if trace[i].Reason != "" {
			return trace[i].Reason
		}
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
