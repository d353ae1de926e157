package turns

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/loomhq/loom/internal/artifacts"
	"github.com/loomhq/loom/internal/llm"
	"github.com/loomhq/loom/internal/observability"
	"github.com/loomhq/loom/internal/timeline"
	"github.com/loomhq/loom/internal/tools"
)

// defaultMaxIterations bounds the tool loop when the request does not.
const defaultMaxIterations = 10

// maxMaxIterations is the hard ceiling a request can ask for.
const maxMaxIterations = 100

// toolCaps limits how often each tool may run within one turn.
var toolCaps = map[string]int{
	tools.ToolRunSQL:         3,
	tools.ToolRunPython:      3,
	tools.ToolTimeTravel:     1,
	tools.ToolSpawnSubagents: 1,
}

const systemPrompt = `You are a data analyst working on the user's analytical database.
Use run_sql for read-only queries, run_python for computation and charting,
time_travel to branch from an earlier point, and spawn_subagents for
parallelizable investigations. Answer directly when no data access is
needed. Prefer reusing existing artifacts over regenerating them.`

// Dispatcher executes one normalized tool invocation. Satisfied by
// *tools.Dispatcher; tests substitute fakes.
type Dispatcher interface {
	Dispatch(ctx context.Context, req tools.Request) (tools.Outcome, error)
}

// Request is one chat turn.
type Request struct {
	WorldlineID string
	Message     string
	Provider    string
	Model       string
	// MaxIterations bounds the tool loop; 0 means the default.
	MaxIterations int
	// SubagentDepth is 0 for user-facing turns and 1 inside subagents.
	SubagentDepth int
	// DisableTools runs a synthesis-only turn: no tools are offered.
	DisableTools bool
	Sink         Sink
}

// Result is the outcome of a finished turn.
type Result struct {
	// FinalWorldlineID differs from the request's worldline when a
	// time_travel call rebound the turn.
	FinalWorldlineID string
	// Events are the events this turn appended to the final worldline.
	Events     []timeline.Event
	FinalText  string
	StateTrace []timeline.StateTransition
	LoopLimit  bool
	Iterations int
}

// Engine runs the plan→tool→observe loop for one turn. It owns no
// concurrency policy; the coordinator serializes turns per worldline and
// capacity pools gate admission above it.
type Engine struct {
	store      *timeline.SQLStore
	dispatcher Dispatcher
	artifacts  *artifacts.Repository
	client     llm.Client
	logger     *slog.Logger
	metrics    *observability.Metrics
}

// NewEngine wires an engine. artifacts may be nil; the artifact memory
// message is then skipped.
func NewEngine(
	store *timeline.SQLStore,
	dispatcher Dispatcher,
	repo *artifacts.Repository,
	client llm.Client,
	logger *slog.Logger,
	metrics *observability.Metrics,
) *Engine {
	if logger == nil {
		logger = slog.Default().With("component", "turn-engine")
	}
	return &Engine{
		store:      store,
		dispatcher: dispatcher,
		artifacts:  repo,
		client:     client,
		logger:     logger,
		metrics:    metrics,
	}
}

// RunTurn executes one turn to its terminal assistant message. The user
// message is appended first, so even a failing turn leaves the request on
// the timeline.
func (e *Engine) RunTurn(ctx context.Context, req Request) (Result, error) {
	start := time.Now()
	maxIter := req.MaxIterations
	if maxIter <= 0 {
		maxIter = defaultMaxIterations
	}
	if maxIter > maxMaxIterations {
		maxIter = maxMaxIterations
	}

	startSeq, err := e.store.CurrentSeq(ctx)
	if err != nil {
		return Result{}, err
	}

	wid := req.WorldlineID
	userEv, err := e.store.AppendWithRetry(ctx, wid, timeline.EventUserMessage, timeline.UserMessagePayload{Text: req.Message})
	if err != nil {
		return Result{}, err
	}
	notifyEvent(req.Sink, userEv)

	tracker := newStateTracker()
	offered := e.offeredTools(req)
	used := map[string]int{}
	seen := map[string]struct{}{}
	var notes []string
	toolsUsed := 0
	capNoted := false

	iterations := 0
	for iterations = 1; iterations <= maxIter; iterations++ {
		msgs, err := e.buildMessages(ctx, wid, notes)
		if err != nil {
			return e.failTurn(ctx, req, wid, startSeq, tracker, iterations, start, err)
		}
		notes = notes[:0]

		llmStart := time.Now()
		resp, err := e.client.Complete(ctx, &llm.Request{
			Provider: req.Provider,
			Model:    req.Model,
			System:   systemPrompt,
			Messages: msgs,
			Tools:    tools.Definitions(offered),
			OnDelta:  func(text string) { notifyDelta(req.Sink, text) },
		})
		if err != nil {
			e.metrics.RecordLLMRequest(req.Provider, "error", time.Since(llmStart))
			return e.failTurn(ctx, req, wid, startSeq, tracker, iterations, start, err)
		}
		e.metrics.RecordLLMRequest(req.Provider, "ok", time.Since(llmStart))

		if len(resp.ToolCalls) == 0 {
			if toolsUsed == 0 && iterations == 1 {
				tracker.to(StateSemanticShortcut, "no_data_access_needed")
			} else {
				tracker.to(StatePresenting, ReasonTextReady)
			}
			tracker.to(StateCompleted, "")
			return e.finishTurn(ctx, req, wid, startSeq, tracker, resp.Text, iterations, start, false)
		}

		if resp.Text != "" {
			planEv, err := e.store.AppendWithRetry(ctx, wid, timeline.EventAssistantPlan, timeline.AssistantPlanPayload{Text: resp.Text})
			if err != nil {
				return e.failTurn(ctx, req, wid, startSeq, tracker, iterations, start, err)
			}
			notifyEvent(req.Sink, planEv)
		}

		for _, call := range resp.ToolCalls {
			inv, nerr := tools.Normalize(call)
			if nerr != nil {
				notes = append(notes, "Tool call rejected: "+nerr.Error())
				continue
			}
			if !contains(offered, inv.Name) {
				notes = append(notes, fmt.Sprintf("Tool %s is not available right now.", inv.Name))
				continue
			}
			if used[inv.Name] >= toolCaps[inv.Name] {
				if !capNoted {
					tracker.to(tracker.current, ReasonToolCapHit)
					capNoted = true
				}
				notes = append(notes, fmt.Sprintf(
					"Tool %s already ran %d times this turn; use the results you have.",
					inv.Name, used[inv.Name]))
				continue
			}

			sig := inv.CanonicalSignature(wid)
			if _, dup := seen[sig]; dup {
				tracker.to(StateError, ReasonDuplicateCall)
				text := "Stopping here: the same tool call was repeated without new information. " +
					"Summarizing what has been established so far."
				return e.finishTurn(ctx, req, wid, startSeq, tracker, text, iterations, start, false)
			}
			seen[sig] = struct{}{}
			used[inv.Name]++
			toolsUsed++
			tracker.to(stateForTool(inv.Name), "tool:"+inv.Name)

			out, derr := e.dispatcher.Dispatch(ctx, tools.Request{
				WorldlineID:        wid,
				Invocation:         inv,
				SubagentDepth:      req.SubagentDepth,
				CarriedUserMessage: req.Message,
				OnEvent:            func(ev timeline.Event) { notifyEvent(req.Sink, ev) },
			})
			if derr != nil {
				return e.failTurn(ctx, req, wid, startSeq, tracker, iterations, start, derr)
			}

			if out.SwitchedWorldlineID != "" {
				wid = out.SwitchedWorldlineID
				// The new worldline carries this turn's user message in its
				// prologue; dedup state stays, history rebuilds from there.
			}
			if out.Failed && out.CallEventID == "" {
				// Refused without touching the timeline; carry the refusal
				// forward as a note or the model never sees it.
				notes = append(notes, out.Message)
			}
			if inv.Name == tools.ToolRunPython && !out.Failed {
				// One clean python run per turn is almost always enough;
				// withdrawing the tool stops chart-tweak loops.
				offered = remove(offered, tools.ToolRunPython)
			}
		}
	}

	tracker.to(StateError, ReasonMaxIterations)
	text := fmt.Sprintf(
		"Stopping: %s reached after %d iterations. Summarizing the findings gathered so far.",
		LoopLimitMarker, maxIter)
	return e.finishTurn(ctx, req, wid, startSeq, tracker, text, maxIter, start, true)
}

// buildMessages rebuilds the conversation for the current worldline and
// appends the memory messages plus any carried notes.
func (e *Engine) buildMessages(ctx context.Context, wid string, notes []string) ([]llm.Message, error) {
	history, err := e.store.RebuildHistory(ctx, wid)
	if err != nil {
		return nil, err
	}
	msgs := historyMessages(history)

	inventory, err := artifactInventoryMessage(ctx, e.artifacts, wid)
	if err != nil {
		return nil, err
	}
	if inventory != "" {
		msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: inventory})
	}
	if intent := dataIntentMessage(history); intent != "" {
		msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: intent})
	}
	for _, note := range notes {
		msgs = append(msgs, llm.Message{Role: llm.RoleTool, Content: note})
	}
	return msgs, nil
}

// finishTurn appends the terminal assistant message and assembles the
// result.
func (e *Engine) finishTurn(ctx context.Context, req Request, wid string, startSeq int64, tracker *stateTracker, text string, iterations int, start time.Time, loopLimit bool) (Result, error) {
	ev, err := e.store.AppendWithRetry(ctx, wid, timeline.EventAssistantMessage, timeline.AssistantMessagePayload{
		Text:       text,
		StateTrace: tracker.trace,
	})
	if err != nil {
		return Result{}, err
	}
	notifyEvent(req.Sink, ev)

	events, err := e.store.EventsSince(ctx, wid, startSeq)
	if err != nil {
		return Result{}, err
	}

	outcome := "completed"
	switch {
	case loopLimit:
		outcome = "loop_limit"
	case TraceHasReason(tracker.trace, ReasonDuplicateCall):
		outcome = "duplicate_call"
	}
	e.metrics.RecordTurn(outcome, iterations, time.Since(start))
	e.logger.Info("turn finished",
		"worldline_id", wid,
		"outcome", outcome,
		"iterations", iterations,
		"events", len(events))

	return Result{
		FinalWorldlineID: wid,
		Events:           events,
		FinalText:        text,
		StateTrace:       tracker.trace,
		LoopLimit:        loopLimit,
		Iterations:       iterations,
	}, nil
}

// failTurn records the infrastructure failure on the timeline best-effort
// and surfaces the error to the caller.
func (e *Engine) failTurn(ctx context.Context, req Request, wid string, startSeq int64, tracker *stateTracker, iterations int, start time.Time, cause error) (Result, error) {
	tracker.to(StateError, "internal_error")
	text := "The turn failed: " + cause.Error()
	if ev, err := e.store.AppendWithRetry(ctx, wid, timeline.EventAssistantMessage, timeline.AssistantMessagePayload{
		Text:       text,
		StateTrace: tracker.trace,
	}); err == nil {
		notifyEvent(req.Sink, ev)
	}

	events, _ := e.store.EventsSince(ctx, wid, startSeq)
	e.metrics.RecordTurn("error", iterations, time.Since(start))
	e.logger.Error("turn failed",
		"worldline_id", wid, "iterations", iterations, "error", cause)
	return Result{
		FinalWorldlineID: wid,
		Events:           events,
		FinalText:        text,
		StateTrace:       tracker.trace,
		Iterations:       iterations,
	}, cause
}

func (e *Engine) offeredTools(req Request) []string {
	if req.DisableTools {
		return nil
	}
	offered := make([]string, 0, len(tools.AllTools))
	for _, name := range tools.AllTools {
		if name == tools.ToolSpawnSubagents && req.SubagentDepth > 0 {
			continue
		}
		offered = append(offered, name)
	}
	return offered
}

func contains(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}

func remove(names []string, name string) []string {
	out := names[:0]
	for _, n := range names {
		if n != name {
			out = append(out, n)
		}
	}
	return out
}
