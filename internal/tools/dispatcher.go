package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/loomhq/loom/internal/analytics"
	"github.com/loomhq/loom/internal/artifacts"
	"github.com/loomhq/loom/internal/capacity"
	"github.com/loomhq/loom/internal/observability"
	"github.com/loomhq/loom/internal/sandbox"
	"github.com/loomhq/loom/internal/timeline"
)

// sqlMessageRowCap bounds how many rows the observation message carries
// back to the model; the full preview lives on the persisted event.
const sqlMessageRowCap = 30

// stdoutMessageCap bounds the stdout echoed back to the model.
const stdoutMessageCap = 4000

// Spawner runs a subagent fan-out to completion. Implemented by the
// subagent coordinator and wired in by the composition root; the
// dispatcher only hands over and relays the synthesized observation.
// The spawner appends its own call and result events.
type Spawner interface {
	SpawnBlocking(ctx context.Context, worldlineID string, args SubagentArgs, onEvent func(timeline.Event)) (string, error)
}

// Request is one tool dispatch.
type Request struct {
	WorldlineID string
	Invocation  Invocation
	// SubagentDepth is 0 for user-facing turns. Depth-limited tools
	// (spawn_subagents) refuse at depth > 0.
	SubagentDepth int
	// CarriedUserMessage is the in-flight user message, replayed onto the
	// branch a time_travel call creates.
	CarriedUserMessage string
	// OnEvent observes every event the dispatch persists. May be nil.
	OnEvent func(ev timeline.Event)
}

// Outcome is what a dispatch feeds back into the model loop.
type Outcome struct {
	// Message is the observation text.
	Message string
	// SwitchedWorldlineID is set when time_travel rebound the turn to a
	// new worldline; the engine continues there.
	SwitchedWorldlineID string
	// Failed marks a tool-level failure (bad SQL, python raised). The
	// turn continues; the model sees the failure as its observation.
	Failed bool
	// Retryable hints that the model can fix the failure by adjusting
	// its arguments.
	Retryable     bool
	CallEventID   string
	ResultEventID string
}

// Dispatcher executes normalized tool invocations against the worldline's
// analytical database, sandbox, and timeline.
type Dispatcher struct {
	store      *timeline.SQLStore
	analytics  *analytics.Driver
	sandboxes  *sandbox.Manager
	artifacts  *artifacts.Repository
	pythonPool *capacity.Pool
	spawner    Spawner
	logger     *slog.Logger
	metrics    *observability.Metrics
}

// NewDispatcher wires a dispatcher. sandboxes, pythonPool, and spawner may
// be nil; the corresponding tools then refuse with an observation message
// instead of executing.
func NewDispatcher(
	store *timeline.SQLStore,
	driver *analytics.Driver,
	sandboxes *sandbox.Manager,
	repo *artifacts.Repository,
	pythonPool *capacity.Pool,
	spawner Spawner,
	logger *slog.Logger,
	metrics *observability.Metrics,
) *Dispatcher {
	if logger == nil {
		logger = slog.Default().With("component", "tool-dispatcher")
	}
	return &Dispatcher{
		store:      store,
		analytics:  driver,
		sandboxes:  sandboxes,
		artifacts:  repo,
		pythonPool: pythonPool,
		spawner:    spawner,
		logger:     logger,
		metrics:    metrics,
	}
}

// SetSpawner installs the subagent coordinator after construction. The
// coordinator needs a turn runner, which needs the dispatcher; the
// composition root closes the cycle here.
func (d *Dispatcher) SetSpawner(s Spawner) { d.spawner = s }

// Dispatch runs one invocation and returns its outcome. An error return
// means infrastructure failed (the store, the filesystem) and the turn
// cannot continue; tool-level failures come back as Outcome.Failed with
// the failure text as the observation.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (Outcome, error) {
	start := time.Now()
	inv := req.Invocation
	var (
		out Outcome
		err error
	)
	switch {
	case inv.SQL != nil:
		out, err = d.runSQL(ctx, req, *inv.SQL)
	case inv.Python != nil:
		out, err = d.runPython(ctx, req, *inv.Python)
	case inv.TimeTravel != nil:
		out, err = d.timeTravel(ctx, req, *inv.TimeTravel)
	case inv.Subagents != nil:
		out, err = d.spawnSubagents(ctx, req, *inv.Subagents)
	default:
		return Outcome{}, fmt.Errorf("%w: empty invocation", ErrUnknownTool)
	}

	status := "ok"
	switch {
	case err != nil:
		status = "error"
	case out.Failed:
		status = "failed"
	}
	d.metrics.RecordToolCall(inv.Name, status, time.Since(start))
	return out, err
}

func (d *Dispatcher) runSQL(ctx context.Context, req Request, args SQLArgs) (Outcome, error) {
	callEv, err := d.store.AppendWithRetry(ctx, req.WorldlineID, timeline.EventToolCallSQL, timeline.SQLCallPayload{
		SQL:                    args.SQL,
		Limit:                  args.Limit,
		AllowedExternalAliases: args.AllowedExternalAliases,
		CallID:                 args.CallID,
	})
	if err != nil {
		return Outcome{}, err
	}
	notify(req.OnEvent, callEv)

	var payload timeline.SQLResultPayload
	db, err := d.analytics.Open(ctx, req.WorldlineID, analytics.OpenOptions{
		ReattachExternals: true,
		AllowedAliases:    args.AllowedExternalAliases,
	})
	if err != nil {
		payload.Error = err.Error()
	} else {
		result, qerr := db.ExecuteRead(ctx, args.SQL, args.Limit)
		db.Close()
		if qerr != nil {
			payload.Error = qerr.Error()
		} else {
			payload.Columns = toTimelineColumns(result.Columns)
			payload.Rows = result.Rows
			payload.RowCount = result.RowCount
			payload.PreviewCount = result.PreviewCount
			payload.ExecutionMS = result.ExecutionMS
		}
	}

	resEv, err := d.store.AppendAndAdvance(ctx, req.WorldlineID, &callEv.ID, timeline.EventToolResultSQL, payload)
	if err != nil {
		return Outcome{}, err
	}
	notify(req.OnEvent, resEv)

	out := Outcome{
		CallEventID:   callEv.ID,
		ResultEventID: resEv.ID,
		Message:       SQLObservation(payload),
	}
	if payload.Error != "" {
		out.Failed = true
		out.Retryable = true
	}
	return out, nil
}

func (d *Dispatcher) timeTravel(ctx context.Context, req Request, args TimeTravelArgs) (Outcome, error) {
	res, err := d.store.BranchFromEvent(ctx, timeline.BranchSpec{
		SourceWorldlineID:  req.WorldlineID,
		FromEventID:        args.FromEventID,
		Name:               args.Name,
		AppendEvents:       true,
		CarriedUserMessage: req.CarriedUserMessage,
	}, d.analytics)
	if err != nil {
		return Outcome{}, err
	}
	for _, ev := range res.Prologue {
		notify(req.OnEvent, ev)
	}

	fork := "head"
	if res.ForkEventID != nil {
		fork = *res.ForkEventID
	}
	msg := fmt.Sprintf(
		"Switched to new worldline %s, forked from event %s (resolution: %s, database: %s). Continue the analysis there.",
		res.Worldline.ID, fork, res.ForkResolution, res.DBSource)
	return Outcome{
		Message:             msg,
		SwitchedWorldlineID: res.Worldline.ID,
	}, nil
}

func (d *Dispatcher) spawnSubagents(ctx context.Context, req Request, args SubagentArgs) (Outcome, error) {
	if req.SubagentDepth > 0 {
		// No events: the refused call never touched the timeline, and the
		// subagent's own transcript already shows the attempt.
		return Outcome{
			Failed:  true,
			Message: "spawn_subagents is not available inside a subagent; finish this task directly.",
		}, nil
	}
	if d.spawner == nil {
		return Outcome{
			Failed:  true,
			Message: "spawn_subagents is not available in this deployment.",
		}, nil
	}
	msg, err := d.spawner.SpawnBlocking(ctx, req.WorldlineID, args, req.OnEvent)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Message: msg}, nil
}

// SQLObservation renders a persisted SQL result into the observation text
// fed back to the model: column header, capped row sample as JSON lines,
// the true row count. Shared with the engine's history rebuild.
func SQLObservation(p timeline.SQLResultPayload) string {
	if p.Error != "" {
		return "SQL error: " + p.Error
	}
	var b strings.Builder
	names := make([]string, len(p.Columns))
	for i, c := range p.Columns {
		names[i] = c.Name
	}
	fmt.Fprintf(&b, "Query returned %d rows (%d in preview). Columns: %s\n",
		p.RowCount, p.PreviewCount, strings.Join(names, ", "))

	rows := p.Rows
	if len(rows) > sqlMessageRowCap {
		rows = rows[:sqlMessageRowCap]
	}
	for _, row := range rows {
		line, err := json.Marshal(row)
		if err != nil {
			continue
		}
		b.Write(line)
		b.WriteByte('\n')
	}
	if len(p.Rows) > sqlMessageRowCap {
		fmt.Fprintf(&b, "… %d more preview rows on the event.\n", len(p.Rows)-sqlMessageRowCap)
	}
	return strings.TrimRight(b.String(), "\n")
}

func toTimelineColumns(cols []analytics.Column) []timeline.Column {
	out := make([]timeline.Column, len(cols))
	for i, c := range cols {
		out[i] = timeline.Column{Name: c.Name, Type: c.Type}
	}
	return out
}

func notify(fn func(timeline.Event), ev timeline.Event) {
	if fn != nil {
		fn(ev)
	}
}
