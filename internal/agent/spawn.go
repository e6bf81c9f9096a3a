package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/undoablehq/undoable/internal/runs"
	"github.com/undoablehq/undoable/internal/tools"
)

// The subagent tool spawns child runs through the executor.
var _ tools.RunSpawner = (*Executor)(nil)

// StartRun executes a run on its own goroutine. POST /runs, the scheduler,
// the channel bridge, and the subagent tool all start runs through here.
func (e *Executor) StartRun(ctx context.Context, runID string) {
	go func() {
		if err := e.Execute(ctx, runID); err != nil && !errors.Is(err, errRunCancelled) {
			slog.Error("run failed", "run_id", runID, "error", err)
		}
	}()
}

// SpawnRun creates and starts a child run for the subagent tool. The child
// runs detached from the parent's context, carrying only the incremented
// spawn depth, so it survives the parent finishing first.
func (e *Executor) SpawnRun(ctx context.Context, instruction string, depth int) (string, error) {
	params := runs.CreateParams{Instruction: instruction}
	if parentID := tools.RunIDFromCtx(ctx); parentID != "" {
		if parent, err := e.runs.Get(parentID); err == nil {
			params.UserID = parent.UserID
			params.AgentID = parent.AgentID
		}
	}

	run, err := e.runs.Create(params)
	if err != nil {
		return "", fmt.Errorf("create child run: %w", err)
	}

	e.StartRun(tools.WithSpawnDepth(context.Background(), depth), run.ID)
	return run.ID, nil
}
