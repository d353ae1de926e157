package turns

import (
	"fmt"
	"strings"

	"github.com/loomhq/loom/internal/llm"
	"github.com/loomhq/loom/internal/timeline"
	"github.com/loomhq/loom/internal/tools"
)

// historyMessages converts a rebuilt worldline history into the provider
// message list. Tool calls render as assistant turns and their results as
// tool observations, so a rebuilt conversation reads the same to the model
// as the live one did.
func historyMessages(history []timeline.Event) []llm.Message {
	msgs := make([]llm.Message, 0, len(history))
	for _, ev := range history {
		switch ev.Type {
		case timeline.EventUserMessage:
			var p timeline.UserMessagePayload
			if err := ev.DecodePayload(&p); err == nil && p.Text != "" {
				msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: p.Text})
			}

		case timeline.EventAssistantMessage:
			var p timeline.AssistantMessagePayload
			if err := ev.DecodePayload(&p); err == nil && p.Text != "" {
				msgs = append(msgs, llm.Message{Role: llm.RoleAssistant, Content: p.Text})
			}

		case timeline.EventAssistantPlan:
			var p timeline.AssistantPlanPayload
			if err := ev.DecodePayload(&p); err == nil && p.Text != "" {
				msgs = append(msgs, llm.Message{Role: llm.RoleAssistant, Content: p.Text})
			}

		case timeline.EventToolCallSQL:
			var p timeline.SQLCallPayload
			if err := ev.DecodePayload(&p); err == nil {
				msgs = append(msgs, llm.Message{
					Role:    llm.RoleAssistant,
					Content: "Tool call run_sql:\n" + p.SQL,
				})
			}

		case timeline.EventToolResultSQL:
			var p timeline.SQLResultPayload
			if err := ev.DecodePayload(&p); err == nil {
				msgs = append(msgs, llm.Message{Role: llm.RoleTool, Content: tools.SQLObservation(p)})
			}

		case timeline.EventToolCallPython:
			var p timeline.PythonCallPayload
			if err := ev.DecodePayload(&p); err == nil {
				msgs = append(msgs, llm.Message{
					Role:    llm.RoleAssistant,
					Content: "Tool call run_python:\n" + p.Code,
				})
			}

		case timeline.EventToolResultPython:
			var p timeline.PythonResultPayload
			if err := ev.DecodePayload(&p); err == nil {
				msgs = append(msgs, llm.Message{Role: llm.RoleTool, Content: tools.PythonObservation(p)})
			}

		case timeline.EventToolCallSubagents:
			var p timeline.SubagentsCallPayload
			if err := ev.DecodePayload(&p); err == nil {
				msgs = append(msgs, llm.Message{
					Role:    llm.RoleAssistant,
					Content: renderSubagentsCall(p),
				})
			}

		case timeline.EventToolResultSubagents:
			var p timeline.SubagentsResultPayload
			if err := ev.DecodePayload(&p); err == nil {
				msgs = append(msgs, llm.Message{Role: llm.RoleTool, Content: renderSubagentsResult(p)})
			}

		case timeline.EventTimeTravel:
			var p timeline.TimeTravelPayload
			if err := ev.DecodePayload(&p); err == nil {
				msgs = append(msgs, llm.Message{
					Role: llm.RoleTool,
					Content: fmt.Sprintf("Branched from worldline %s at event %s; the analysis continues here.",
						p.SourceWorldlineID, p.FromEventID),
				})
			}
		}
		// worldline_created, csv_import, and attachment events carry no
		// conversational content.
	}
	return msgs
}

func renderSubagentsCall(p timeline.SubagentsCallPayload) string {
	var b strings.Builder
	b.WriteString("Tool call spawn_subagents")
	if p.Goal != "" {
		b.WriteString(": " + p.Goal)
	}
	for _, t := range p.AcceptedTasks {
		fmt.Fprintf(&b, "\n- [%d] %s", t.Index, t.Message)
	}
	return b.String()
}

func renderSubagentsResult(p timeline.SubagentsResultPayload) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Subagent fan-out %s: %d completed, %d failed, %d timed out of %d tasks.",
		p.FanoutGroupID, p.Completed, p.Failed, p.TimedOut, p.AcceptedTaskCount)
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
