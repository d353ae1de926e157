package turns

import (
	"context"
	"fmt"
	"strings"

	"github.com/loomhq/loom/internal/artifacts"
	"github.com/loomhq/loom/internal/timeline"
)

// artifactInventoryCap bounds the artifact memory message.
const artifactInventoryCap = 20

// sqlPreviewLen bounds the SQL preview in the data-intent checkpoint.
const sqlPreviewLen = 160

// artifactInventoryMessage renders the always-on artifact memory: every
// artifact the worldline has produced so far, deduplicated by name, capped.
// Returns "" when the worldline has no artifacts.
func artifactInventoryMessage(ctx context.Context, repo *artifacts.Repository, worldlineID string) (string, error) {
	if repo == nil {
		return "", nil
	}
	inventory, err := repo.InventoryForPrompt(ctx, worldlineID, artifactInventoryCap)
	if err != nil {
		return "", err
	}
	if len(inventory) == 0 {
		return "", nil
	}
	var b strings.Builder
	b.WriteString("Artifacts available in this worldline (newest first):\n")
	for _, a := range inventory {
		fmt.Fprintf(&b, "- %s (%s)", a.Name, a.Type)
		if a.EventID != "" {
			fmt.Fprintf(&b, " from %s", a.EventID)
		}
		b.WriteByte('\n')
	}
	b.WriteString("Reuse these instead of regenerating them.")
	return b.String(), nil
}

// dataIntentMessage renders the data-intent checkpoint from the most
// recent successful SQL result in history: row count, column roles, and a
// preview of the query that produced it. Returns "" when no prior SQL
// succeeded.
func dataIntentMessage(history []timeline.Event) string {
	result, call, ok := latestSQLSuccess(history)
	if !ok {
		return ""
	}

	var dims, measures, times []string
	for _, col := range result.Columns {
		switch columnRole(col.Type) {
		case "time":
			times = append(times, col.Name)
		case "measure":
			measures = append(measures, col.Name)
		default:
			dims = append(dims, col.Name)
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Latest SQL result: %d rows.\n", result.RowCount)
	if len(dims) > 0 {
		fmt.Fprintf(&b, "Dimensions: %s\n", strings.Join(dims, ", "))
	}
	if len(measures) > 0 {
		fmt.Fprintf(&b, "Measures: %s\n", strings.Join(measures, ", "))
	}
	if len(times) > 0 {
		fmt.Fprintf(&b, "Time columns: %s\n", strings.Join(times, ", "))
	}
	if call.SQL != "" {
		preview := call.SQL
		if len(preview) > sqlPreviewLen {
			preview = preview[:sqlPreviewLen] + "…"
		}
		fmt.Fprintf(&b, "Produced by: %s", preview)
	}
	return strings.TrimRight(b.String(), "\n")
}

// latestSQLSuccess scans history newest-first for a successful SQL result
// and its producing call.
func latestSQLSuccess(history []timeline.Event) (timeline.SQLResultPayload, timeline.SQLCallPayload, bool) {
	for i := len(history) - 1; i >= 0; i-- {
		ev := history[i]
		if ev.Type != timeline.EventToolResultSQL {
			continue
		}
		var result timeline.SQLResultPayload
		if err := ev.DecodePayload(&result); err != nil || result.Error != "" {
			continue
		}
		var call timeline.SQLCallPayload
		if ev.ParentEventID != nil {
			for j := i - 1; j >= 0; j-- {
				if history[j].ID == *ev.ParentEventID && history[j].Type == timeline.EventToolCallSQL {
					_ = history[j].DecodePayload(&call)
					break
				}
			}
		}
		return result, call, true
	}
	return timeline.SQLResultPayload{}, timeline.SQLCallPayload{}, false
}

// columnRole classifies a column by its declared type: time-like types,
// numeric measures, everything else a dimension.
func columnRole(declType string) string {
	t := strings.ToLower(declType)
	switch {
	case strings.Contains(t, "date"), strings.Contains(t, "time"):
		return "time"
	case strings.Contains(t, "int"), strings.Contains(t, "real"),
		strings.Contains(t, "float"), strings.Contains(t, "double"),
		strings.Contains(t, "num"), strings.Contains(t, "dec"):
		return "measure"
	default:
		return "dimension"
	}
}
