package turns

import (
	"github.com/loomhq/loom/internal/timeline"
)

// Turn states. A turn starts in planning and ends in completed; the trace
// of transitions is recorded on the final assistant event.
const (
	StatePlanning         = "planning"
	StateSemanticShortcut = "semantic_shortcut"
	StateDataFetching     = "data_fetching"
	StateAnalyzing        = "analyzing"
	StatePresenting       = "presenting"
	StateError            = "error"
	StateCompleted        = "completed"
)

// Transition reasons referenced outside the engine.
const (
	ReasonMaxIterations = "max_iterations_reached"
	ReasonDuplicateCall = "duplicate_tool_call"
	ReasonToolCapHit    = "tool_cap_reached"
	ReasonTextReady     = "assistant_text_ready"
)

// LoopLimitMarker appears in the terminal assistant text when a turn ran
// out of tool-loop iterations. The subagent coordinator keys its
// synthesis-only retry off this marker or the state-trace reason.
const LoopLimitMarker = "tool-loop limit"

// stateTracker records the turn state machine as it advances.
type stateTracker struct {
	current string
	trace   []timeline.StateTransition
}

func newStateTracker() *stateTracker {
	return &stateTracker{current: StatePlanning}
}

// to moves to a new state, recording the edge. Self-transitions are kept:
// a second run_sql is a visible data_fetching→data_fetching hop.
func (t *stateTracker) to(state, reason string) {
	t.trace = append(t.trace, timeline.StateTransition{
		FromState: t.current,
		ToState:   state,
		Reason:    reason,
	})
	t.current = state
}

// stateForTool maps a dispatched tool onto the engine state it drives.
func stateForTool(name string) string {
	switch name {
	case "run_sql":
		return StateDataFetching
	case "run_python":
		return StateAnalyzing
	case "time_travel", "spawn_subagents":
		return StateAnalyzing
	default:
		return StateError
	}
}

// TraceHasReason reports whether a recorded state trace contains the given
// transition reason. Used by the subagent coordinator to detect loop-limit
// terminals.
func TraceHasReason(trace []timeline.StateTransition, reason string) bool {
	for _, tr := range trace {
		if tr.Reason == reason {
			return true
		}
	}
	return false
}
