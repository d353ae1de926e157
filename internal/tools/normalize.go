// Package tools validates and dispatches the model's tool calls: argument
// normalization into typed invocations, SQL execution against the
// analytical database, sandboxed Python with replay, time-travel
// branching, and the subagent fan-out handoff.
package tools

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/loomhq/loom/internal/llm"
	"github.com/loomhq/loom/internal/timeline"
)

// Tool names offered to the model.
const (
	ToolRunSQL         = "run_sql"
	ToolRunPython      = "run_python"
	ToolTimeTravel     = "time_travel"
	ToolSpawnSubagents = "spawn_subagents"
)

// ErrUnknownTool marks a call whose name is not in the offered set.
var ErrUnknownTool = errors.New("unknown tool")

// ErrMissingArgument marks a call whose required argument survived no
// rescue path.
var ErrMissingArgument = errors.New("missing tool argument")

// Argument clamps.
const (
	minLimit, maxLimit, defaultLimit                   = 1, 10_000, 1000
	minTimeout, maxTimeout, defaultTimeout             = 1, 120, 60
	minFanoutTimeout, maxFanoutTimeout, defaultFanoutT = 1, 1800, 300
	minIterations, maxIterations, defaultIterations    = 1, 100, 10
	minSubagents, maxSubagents, defaultSubagents       = 1, 50, 3
	minParallel, maxParallel, defaultParallel          = 1, 10, 4
)

// SQLArgs is a normalized run_sql call.
type SQLArgs struct {
	SQL                    string
	Limit                  int
	AllowedExternalAliases []string
	CallID                 string
}

// PythonArgs is a normalized run_python call.
type PythonArgs struct {
	Code    string
	Timeout int
	CallID  string
}

// TimeTravelArgs is a normalized time_travel call.
type TimeTravelArgs struct {
	FromEventID string
	Name        string
	CallID      string
}

// SubagentArgs is a normalized spawn_subagents call.
type SubagentArgs struct {
	Goal                 string
	Tasks                []timeline.TaskSpec
	RequestedFromEventID string
	TimeoutS             int
	MaxIterations        int
	MaxSubagents         int
	MaxParallelSubagents int
	CallID               string
}

// Invocation is the typed result of normalizing one tool call. Exactly one
// of the pointers is set, matching Name.
type Invocation struct {
	Name       string
	SQL        *SQLArgs
	Python     *PythonArgs
	TimeTravel *TimeTravelArgs
	Subagents  *SubagentArgs
}

// rawFieldPatterns mine streaming fragments for the payload field when the
// provider truncated the argument JSON mid-stream.
var rawFieldPatterns = map[string]*regexp.Regexp{
	"code": regexp.MustCompile(`"code"\s*:\s*"((?:[^"\\]|\\.)*)"`),
	"sql":  regexp.MustCompile(`"sql"\s*:\s*"((?:[^"\\]|\\.)*)"`),
}

// Normalize collapses aliases, unwraps double-encoded JSON, rescues
// streaming fragments, clamps integers, and returns the typed invocation.
func Normalize(call llm.ToolCall) (Invocation, error) {
	args := call.Arguments
	if args == nil {
		args = map[string]any{}
	}

	switch call.Name {
	case ToolRunSQL:
		sqlText := stringArg(args, "sql", "query", "statement")
		sqlText = unwrapEmbedded(sqlText, "sql")
		if sqlText == "" {
			sqlText = rescueRaw(call, args, "sql")
		}
		if strings.TrimSpace(sqlText) == "" {
			return Invocation{}, fmt.Errorf("%w: run_sql needs sql", ErrMissingArgument)
		}
		return Invocation{Name: call.Name, SQL: &SQLArgs{
			SQL:                    sqlText,
			Limit:                  clampArg(args, minLimit, maxLimit, defaultLimit, "limit"),
			AllowedExternalAliases: stringSliceArg(args, "allowed_external_aliases"),
			CallID:                 callID(call, args),
		}}, nil

	case ToolRunPython:
		code := stringArg(args, "code", "python", "script", "input")
		code = unwrapEmbedded(code, "code")
		if code == "" {
			code = rescueRaw(call, args, "code")
		}
		if strings.TrimSpace(code) == "" {
			return Invocation{}, fmt.Errorf("%w: run_python needs code", ErrMissingArgument)
		}
		return Invocation{Name: call.Name, Python: &PythonArgs{
			Code:    code,
			Timeout: clampArg(args, minTimeout, maxTimeout, defaultTimeout, "timeout"),
			CallID:  callID(call, args),
		}}, nil

	case ToolTimeTravel:
		return Invocation{Name: call.Name, TimeTravel: &TimeTravelArgs{
			FromEventID: stringArg(args, "from_event_id", "event_id"),
			Name:        stringArg(args, "name", "branch_name"),
			CallID:      callID(call, args),
		}}, nil

	case ToolSpawnSubagents:
		return Invocation{Name: call.Name, Subagents: &SubagentArgs{
			Goal:                 stringArg(args, "goal"),
			Tasks:                taskSpecsArg(args, "tasks"),
			RequestedFromEventID: stringArg(args, "from_event_id", "requested_from_event_id"),
			TimeoutS:             clampArg(args, minFanoutTimeout, maxFanoutTimeout, defaultFanoutT, "timeout_s"),
			MaxIterations:        clampArg(args, minIterations, maxIterations, defaultIterations, "max_iterations"),
			MaxSubagents:         clampArg(args, minSubagents, maxSubagents, defaultSubagents, "max_subagents"),
			MaxParallelSubagents: clampArg(args, minParallel, maxParallel, defaultParallel, "max_parallel_subagents"),
			CallID:               callID(call, args),
		}}, nil

	default:
		return Invocation{}, fmt.Errorf("%w: %q", ErrUnknownTool, call.Name)
	}
}

// CanonicalSignature renders the invocation into the dedup key used by the
// engine: tool name plus the normalized payload fields, whitespace-trimmed.
func (inv Invocation) CanonicalSignature(worldlineID string) string {
	var payload string
	switch {
	case inv.SQL != nil:
		payload = strings.TrimSpace(inv.SQL.SQL) + "|" + strconv.Itoa(inv.SQL.Limit)
	case inv.Python != nil:
		payload = strings.TrimSpace(inv.Python.Code)
	case inv.TimeTravel != nil:
		payload = inv.TimeTravel.FromEventID + "|" + inv.TimeTravel.Name
	case inv.Subagents != nil:
		body, _ := json.Marshal(inv.Subagents)
		payload = string(body)
	}
	return worldlineID + "|" + inv.Name + "|" + payload
}

// stringArg returns the first non-empty string under any of the keys.
func stringArg(args map[string]any, keys ...string) string {
	for _, key := range keys {
		if v, ok := args[key]; ok {
			if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
				return s
			}
		}
	}
	return ""
}

// unwrapEmbedded flattens a value that is itself a JSON object carrying
// the real payload under key, e.g. code = `{"code": "print(1)"}`.
func unwrapEmbedded(value, key string) string {
	trimmed := strings.TrimSpace(value)
	if !strings.HasPrefix(trimmed, "{") {
		return value
	}
	var inner map[string]any
	if err := json.Unmarshal([]byte(trimmed), &inner); err != nil {
		return value
	}
	if s, ok := inner[key].(string); ok && strings.TrimSpace(s) != "" {
		return s
	}
	return value
}

// rescueRaw mines the provider's raw argument text (or an _raw field) for
// the payload when structured decoding produced nothing. Streaming
// providers occasionally hand over truncated JSON.
func rescueRaw(call llm.ToolCall, args map[string]any, field string) string {
	raw := call.Raw
	if raw == "" {
		if s, ok := args["_raw"].(string); ok {
			raw = s
		}
	}
	if raw == "" {
		return ""
	}
	pattern, ok := rawFieldPatterns[field]
	if !ok {
		return ""
	}
	match := pattern.FindStringSubmatch(raw)
	if match == nil {
		return ""
	}
	unquoted, err := strconv.Unquote(`"` + match[1] + `"`)
	if err != nil {
		return match[1]
	}
	return unquoted
}

// clampArg reads an integer under key (accepting JSON numbers, ints, and
// numeric strings) and clamps it into [min, max]; absent or unreadable
// values get the default.
func clampArg(args map[string]any, min, max, def int, key string) int {
	v, ok := args[key]
	if !ok {
		return def
	}
	n, ok := asInt(v)
	if !ok {
		return def
	}
	if n < min {
		return min
	}
	if n > max {
		return max
	}
	return n
}

func asInt(v any) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case int64:
		return int(t), true
	case float64:
		return int(t), true
	case json.Number:
		n, err := t.Int64()
		return int(n), err == nil
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(t))
		return n, err == nil
	default:
		return 0, false
	}
}

func stringSliceArg(args map[string]any, key string) []string {
	v, ok := args[key]
	if !ok {
		return nil
	}
	switch t := v.(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		if strings.TrimSpace(t) == "" {
			return []string{}
		}
		parts := strings.Split(t, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			out = append(out, strings.TrimSpace(p))
		}
		return out
	default:
		return nil
	}
}

func taskSpecsArg(args map[string]any, key string) []timeline.TaskSpec {
	v, ok := args[key]
	if !ok {
		return nil
	}
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	var tasks []timeline.TaskSpec
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				tasks = append(tasks, timeline.TaskSpec{Message: s})
			}
			continue
		}
		task := timeline.TaskSpec{
			Message:    stringArg(m, "message", "task", "prompt"),
			Label:      stringArg(m, "label"),
			BranchName: stringArg(m, "branch_name", "name"),
		}
		if strings.TrimSpace(task.Message) != "" {
			tasks = append(tasks, task)
		}
	}
	return tasks
}

func callID(call llm.ToolCall, args map[string]any) string {
	if call.ID != "" {
		return call.ID
	}
	return stringArg(args, "call_id")
}
