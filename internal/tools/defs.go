package tools

import (
	"encoding/json"

	"github.com/loomhq/loom/internal/llm"
)

// AllTools is the full offered set in presentation order.
var AllTools = []string{ToolRunSQL, ToolRunPython, ToolTimeTravel, ToolSpawnSubagents}

var toolDefs = map[string]llm.ToolDef{
	ToolRunSQL: {
		Name:        ToolRunSQL,
		Description: "Run a read-only SQL query against this worldline's analytical database. Returns a row preview; the full result stays queryable.",
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"sql": {"type": "string", "description": "A single read-only statement (SELECT/WITH/SHOW/DESCRIBE/EXPLAIN)."},
				"limit": {"type": "integer", "minimum": 1, "maximum": 10000, "default": 1000},
				"allowed_external_aliases": {"type": "array", "items": {"type": "string"}}
			},
			"required": ["sql"]
		}`),
	},
	ToolRunPython: {
		Name:        ToolRunPython,
		Description: "Run Python in this worldline's persistent sandbox. LATEST_SQL_RESULT and LATEST_SQL_DF hold the most recent query result. Files written to the working directory become artifacts.",
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"code": {"type": "string"},
				"timeout": {"type": "integer", "minimum": 1, "maximum": 120, "default": 60}
			},
			"required": ["code"]
		}`),
	},
	ToolTimeTravel: {
		Name:        ToolTimeTravel,
		Description: "Branch a new worldline from an earlier event and continue the conversation there with the data as it was at that point.",
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"from_event_id": {"type": "string", "description": "Fork point; empty means the current head."},
				"name": {"type": "string", "description": "Optional branch name."}
			}
		}`),
	},
	ToolSpawnSubagents: {
		Name:        ToolSpawnSubagents,
		Description: "Fan a goal out to parallel subagents, each on its own branch, and receive a synthesized summary plus their artifacts.",
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"goal": {"type": "string"},
				"tasks": {
					"type": "array",
					"items": {
						"type": "object",
						"properties": {
							"message": {"type": "string"},
							"label": {"type": "string"},
							"branch_name": {"type": "string"}
						},
						"required": ["message"]
					}
				},
				"from_event_id": {"type": "string"},
				"timeout_s": {"type": "integer", "minimum": 1, "maximum": 1800},
				"max_iterations": {"type": "integer", "minimum": 1, "maximum": 100},
				"max_subagents": {"type": "integer", "minimum": 1, "maximum": 50},
				"max_parallel_subagents": {"type": "integer", "minimum": 1, "maximum": 10}
			}
		}`),
	},
}

// Definitions returns the ToolDefs for the offered names, preserving
// order and skipping unknowns.
func Definitions(offered []string) []llm.ToolDef {
	defs := make([]llm.ToolDef, 0, len(offered))
	for _, name := range offered {
		if def, ok := toolDefs[name]; ok {
			defs = append(defs, def)
		}
	}
	return defs
}
