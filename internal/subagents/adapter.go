package subagents

import (
	"context"

	"github.com/loomhq/loom/internal/timeline"
	"github.com/loomhq/loom/internal/tools"
)

// ToolAdapter exposes the coordinator through the dispatcher's Spawner
// port.
type ToolAdapter struct {
	Coordinator *Coordinator
}

// SpawnBlocking implements tools.Spawner.
func (a ToolAdapter) SpawnBlocking(ctx context.Context, worldlineID string, args tools.SubagentArgs, onEvent func(timeline.Event)) (string, error) {
	agg, err := a.Coordinator.SpawnBlocking(ctx, SpawnRequest{
		SourceWorldlineID: worldlineID,
		FromEventID:       args.RequestedFromEventID,
		Goal:              args.Goal,
		Tasks:             args.Tasks,
		Limits: Limits{
			TimeoutS:             args.TimeoutS,
			MaxIterations:        args.MaxIterations,
			MaxSubagents:         args.MaxSubagents,
			MaxParallelSubagents: args.MaxParallelSubagents,
		},
		CallID:  args.CallID,
		OnEvent: onEvent,
	})
	if err != nil {
		return "", err
	}
	return ObservationMessage(agg.Payload), nil
}

var _ tools.Spawner = ToolAdapter{}
