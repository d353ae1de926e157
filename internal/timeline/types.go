// Package timeline implements the event-sourced conversation store: an
// append-only event log per worldline with optimistic head advancement,
// branch creation, snapshot lookup, and history rebuilding.
package timeline

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType enumerates everything that can happen on a worldline.
type EventType string

const (
	EventUserMessage         EventType = "user_message"
	EventAssistantPlan       EventType = "assistant_plan"
	EventAssistantMessage    EventType = "assistant_message"
	EventToolCallSQL         EventType = "tool_call_sql"
	EventToolResultSQL       EventType = "tool_result_sql"
	EventToolCallPython      EventType = "tool_call_python"
	EventToolResultPython    EventType = "tool_result_python"
	EventToolCallSubagents   EventType = "tool_call_subagents"
	EventToolResultSubagents EventType = "tool_result_subagents"
	EventTimeTravel          EventType = "time_travel"
	EventWorldlineCreated    EventType = "worldline_created"
	EventCSVImport           EventType = "csv_import"
	EventExternalDBAttached  EventType = "external_db_attached"
	EventExternalDBDetached  EventType = "external_db_detached"
)

// Thread is a top-level conversation owning worldlines.
type Thread struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
}

// Worldline is one linear conversation timeline within a thread.
type Worldline struct {
	ID                string    `json:"id"`
	ThreadID          string    `json:"thread_id"`
	ParentWorldlineID *string   `json:"parent_worldline_id,omitempty"`
	ForkedFromEventID *string   `json:"forked_from_event_id,omitempty"`
	HeadEventID       *string   `json:"head_event_id,omitempty"`
	Name              string    `json:"name"`
	CreatedAt         time.Time `json:"created_at"`
}

// Event is one immutable record on a worldline. Seq is the store's
// monotonic local order key (the SQLite rowid).
type Event struct {
	ID            string          `json:"id"`
	WorldlineID   string          `json:"worldline_id"`
	ParentEventID *string         `json:"parent_event_id,omitempty"`
	Type          EventType       `json:"type"`
	Payload       json.RawMessage `json:"payload"`
	Seq           int64           `json:"seq"`
	CreatedAt     time.Time       `json:"created_at"`
}

// DecodePayload unmarshals the event payload into v.
func (e Event) DecodePayload(v any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload of %s: %w", e.Type, e.ID, err)
	}
	return nil
}

// Snapshot is a point-in-time copy of a worldline's analytical database.
type Snapshot struct {
	ID          string    `json:"id"`
	WorldlineID string    `json:"worldline_id"`
	EventID     string    `json:"event_id"`
	Path        string    `json:"path"`
	CreatedAt   time.Time `json:"created_at"`
}

// StateTransition is one edge of the turn state machine, recorded on the
// final assistant event as its state_trace.
type StateTransition struct {
	FromState string `json:"from_state"`
	ToState   string `json:"to_state"`
	Reason    string `json:"reason,omitempty"`
}

// UserMessagePayload is the payload of a user_message event.
type UserMessagePayload struct {
	Text string `json:"text"`
}

// AssistantPlanPayload carries the model's plan text when a response mixes
// narration with tool calls.
type AssistantPlanPayload struct {
	Text string `json:"text"`
}

// AssistantMessagePayload is the payload of an assistant_message event.
type AssistantMessagePayload struct {
	Text       string            `json:"text"`
	StateTrace []StateTransition `json:"state_trace,omitempty"`
}

// Column describes one result column of a SQL read.
type Column struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// SQLCallPayload is the payload of a tool_call_sql event.
type SQLCallPayload struct {
	SQL                    string   `json:"sql"`
	Limit                  int      `json:"limit"`
	AllowedExternalAliases []string `json:"allowed_external_aliases,omitempty"`
	CallID                 string   `json:"call_id,omitempty"`
}

// SQLResultPayload is the payload of a tool_result_sql event.
type SQLResultPayload struct {
	Columns      []Column `json:"columns,omitempty"`
	Rows         [][]any  `json:"rows,omitempty"`
	RowCount     int      `json:"row_count"`
	PreviewCount int      `json:"preview_count"`
	ExecutionMS  int64    `json:"execution_ms"`
	Error        string   `json:"error,omitempty"`
}

// PythonCallPayload is the payload of a tool_call_python event.
type PythonCallPayload struct {
	Code    string `json:"code"`
	Timeout int    `json:"timeout"`
	CallID  string `json:"call_id,omitempty"`
}

// ArtifactRef points at an artifact produced by an execution.
type ArtifactRef struct {
	ArtifactID string `json:"artifact_id"`
	Type       string `json:"type"`
	Name       string `json:"name"`
}

// PythonResultPayload is the payload of a tool_result_python event.
type PythonResultPayload struct {
	Stdout      string        `json:"stdout"`
	Stderr      string        `json:"stderr"`
	Error       string        `json:"error,omitempty"`
	Retryable   bool          `json:"retryable,omitempty"`
	Artifacts   []ArtifactRef `json:"artifacts,omitempty"`
	Previews    []string      `json:"previews,omitempty"`
	ExecutionMS int64         `json:"execution_ms"`
}

// TaskSpec is one requested subagent task.
type TaskSpec struct {
	Message    string `json:"message"`
	Label      string `json:"label,omitempty"`
	BranchName string `json:"branch_name,omitempty"`
}

// AcceptedTask records a task admitted into a fan-out.
type AcceptedTask struct {
	Index   int    `json:"index"`
	Label   string `json:"label,omitempty"`
	Message string `json:"message"`
}

// SubagentsCallPayload is the payload of a tool_call_subagents event.
type SubagentsCallPayload struct {
	Goal                 string         `json:"goal,omitempty"`
	Tasks                []TaskSpec     `json:"tasks,omitempty"`
	RequestedFromEventID string         `json:"requested_from_event_id,omitempty"`
	FromEventID          string         `json:"from_event_id,omitempty"`
	FromEventResolution  string         `json:"from_event_resolution,omitempty"`
	TimeoutS             int            `json:"timeout_s"`
	MaxIterations        int            `json:"max_iterations"`
	MaxSubagents         int            `json:"max_subagents"`
	MaxParallelSubagents int            `json:"max_parallel_subagents"`
	CallID               string         `json:"call_id,omitempty"`
	TaskCount            int            `json:"task_count"`
	AcceptedTaskCount    int            `json:"accepted_task_count"`
	TruncatedTaskCount   int            `json:"truncated_task_count"`
	AcceptedTasks        []AcceptedTask `json:"accepted_tasks"`
}

// TaskRecord is the per-task slice of a fan-out aggregate.
type TaskRecord struct {
	Index            int    `json:"index"`
	Label            string `json:"label,omitempty"`
	BranchName       string `json:"branch_name,omitempty"`
	ChildWorldlineID string `json:"child_worldline_id"`
	OrderingKey      string `json:"ordering_key"`
	Status           string `json:"status"`
	AssistantText    string `json:"assistant_text,omitempty"`
	AssistantPreview string `json:"assistant_preview,omitempty"`
	TerminalReason   string `json:"terminal_reason,omitempty"`
	FailureCode      string `json:"failure_code,omitempty"`
	Error            string `json:"error,omitempty"`
	Retried          int    `json:"retried"`
	Recovered        bool   `json:"recovered"`
}

// SubagentsResultPayload is the payload of a tool_result_subagents event.
type SubagentsResultPayload struct {
	FanoutGroupID     string         `json:"fanout_group_id"`
	TaskCount         int            `json:"task_count"`
	AcceptedTaskCount int            `json:"accepted_task_count"`
	Completed         int            `json:"completed"`
	Failed            int            `json:"failed"`
	TimedOut          int            `json:"timed_out"`
	Retried           int            `json:"retried"`
	Recovered         int            `json:"recovered"`
	FailureSummary    map[string]int `json:"failure_summary,omitempty"`
	PartialFailure    bool           `json:"partial_failure"`
	AllCompleted      bool           `json:"all_completed"`
	Tasks             []TaskRecord   `json:"tasks"`
}

// TimeTravelPayload is the payload of a time_travel event.
type TimeTravelPayload struct {
	SourceWorldlineID string `json:"source_worldline_id"`
	FromEventID       string `json:"from_event_id,omitempty"`
	NewWorldlineID    string `json:"new_worldline_id"`
	Name              string `json:"name,omitempty"`
	Resolution        string `json:"resolution,omitempty"`
}

// WorldlineCreatedPayload is the payload of a worldline_created event.
type WorldlineCreatedPayload struct {
	WorldlineID       string `json:"worldline_id"`
	ParentWorldlineID string `json:"parent_worldline_id,omitempty"`
	ForkedFromEventID string `json:"forked_from_event_id,omitempty"`
	Name              string `json:"name,omitempty"`
}

// CSVImportPayload records a seed-data import performed by the external
// importer.
type CSVImportPayload struct {
	Table    string `json:"table"`
	RowCount int    `json:"row_count"`
	Source   string `json:"source,omitempty"`
}

// ExternalDBPayload records attaching or detaching an external read-only
// database alias.
type ExternalDBPayload struct {
	Alias string `json:"alias"`
	Path  string `json:"path,omitempty"`
}
