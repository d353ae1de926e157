package subagents

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/loomhq/loom/internal/llm"
	"github.com/loomhq/loom/internal/timeline"
)

// taskListSchema validates the model's goal-split output before any of it
// is trusted.
var taskListSchema = jsonschema.MustCompileString("tasklist.json", `{
	"type": "object",
	"required": ["tasks"],
	"properties": {
		"tasks": {
			"type": "array",
			"minItems": 2,
			"maxItems": 50,
			"items": {
				"type": "object",
				"required": ["message"],
				"properties": {
					"message": {"type": "string", "minLength": 1},
					"label": {"type": "string"},
					"branch_name": {"type": "string"}
				}
			}
		}
	}
}`)

const splitSystemPrompt = `You split an analytical goal into independent subtasks.
Respond with JSON only: {"tasks": [{"message": "...", "label": "..."}]}.
Each task must be answerable on its own against the same dataset.`

// fallbackTasks is the deterministic split used when the model's output
// cannot be trusted.
func fallbackTasks(goal string) []timeline.TaskSpec {
	return []timeline.TaskSpec{
		{Label: "schema-scout", Message: fmt.Sprintf("Inspect the available tables and columns relevant to: %s. Report what data exists and its shape.", goal)},
		{Label: "metrics-core", Message: fmt.Sprintf("Compute the core metrics for: %s. Report the headline numbers.", goal)},
		{Label: "quality-checks", Message: fmt.Sprintf("Check data quality issues (nulls, duplicates, outliers) that could distort: %s.", goal)},
	}
}

// taskList resolves the accepted tasks: explicit tasks truncate to the
// subagent cap; a bare goal is split by the model, schema-validated, with
// the deterministic fallback behind it.
func (c *Coordinator) taskList(ctx context.Context, req SpawnRequest) ([]timeline.TaskSpec, int, error) {
	max := req.Limits.MaxSubagents
	if max < 1 {
		max = 1
	}

	if len(req.Tasks) > 0 {
		tasks := req.Tasks
		truncated := 0
		if len(tasks) > max {
			truncated = len(tasks) - max
			tasks = tasks[:max]
			c.logger.Info("task list truncated", "accepted", max, "dropped", truncated)
		}
		return tasks, truncated, nil
	}

	goal := strings.TrimSpace(req.Goal)
	if goal == "" {
		return nil, 0, ErrNoTasks
	}

	tasks := c.splitGoal(ctx, goal, max)
	if len(tasks) == 0 {
		tasks = fallbackTasks(goal)
	}
	truncated := 0
	if len(tasks) > max {
		truncated = len(tasks) - max
		tasks = tasks[:max]
	}
	if len(tasks) == 0 {
		return nil, 0, ErrNoTasks
	}
	return tasks, truncated, nil
}

// splitGoal asks the model for a task split and validates it strictly.
// Any defect returns nil; the caller falls back.
func (c *Coordinator) splitGoal(ctx context.Context, goal string, max int) []timeline.TaskSpec {
	if c.client == nil {
		return nil
	}
	resp, err := c.client.Complete(ctx, &llm.Request{
		Provider: c.Provider,
		Model:    c.Model,
		System:   splitSystemPrompt,
		Messages: []llm.Message{{
			Role:    llm.RoleUser,
			Content: fmt.Sprintf("Split into 2 to %d tasks: %s", max, goal),
		}},
	})
	if err != nil {
		c.logger.Warn("goal split request failed", "error", err)
		return nil
	}

	raw := extractJSON(resp.Text)
	if raw == "" {
		return nil
	}
	var decoded any
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		c.logger.Warn("goal split produced invalid JSON", "error", err)
		return nil
	}
	if err := taskListSchema.Validate(decoded); err != nil {
		c.logger.Warn("goal split failed schema validation", "error", err)
		return nil
	}

	var parsed struct {
		Tasks []timeline.TaskSpec `json:"tasks"`
	}
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return nil
	}
	return parsed.Tasks
}

// extractJSON pulls the first top-level JSON object out of the model's
// text, tolerating prose or fencing around it.
func extractJSON(text string) string {
	start := strings.Index(text, "{")
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	for i := start; i < len(text); i++ {
		ch := text[i]
		if inString {
			switch ch {
			case '\\':
				i++
			case '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}
	return ""
}
