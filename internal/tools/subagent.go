package tools

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/undoablehq/undoable/pkg/protocol"
)

// defaultMaxSpawnDepth bounds subagent nesting.
const defaultMaxSpawnDepth = 3

// RunSpawner starts a child agent run and returns its id without waiting
// for completion. The daemon satisfies this with the run manager plus
// executor.
type RunSpawner interface {
	SpawnRun(ctx context.Context, instruction string, depth int) (runID string, err error)
}

// SubagentTool spawns a child run that works on a task in the background.
// The child shares the tool registry but carries an incremented spawn depth
// so nesting stays bounded.
type SubagentTool struct {
	spawner  RunSpawner
	maxDepth int
}

func NewSubagentTool(spawner RunSpawner) *SubagentTool {
	return &SubagentTool{spawner: spawner, maxDepth: defaultMaxSpawnDepth}
}

func (t *SubagentTool) Name() string { return "subagent" }
func (t *SubagentTool) Description() string {
	return "Spawn a background agent run to work on a task independently. Returns the child run id immediately."
}
func (t *SubagentTool) Category() string { return protocol.CategorySystem }
func (t *SubagentTool) Undoable() bool   { return false }
func (t *SubagentTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"task": map[string]interface{}{
				"type":        "string",
				"description": "Instruction for the child run",
			},
		},
		"required": []string{"task"},
	}
}

type subagentArgs struct {
	Task string `json:"task"`
}

func (t *SubagentTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	var a subagentArgs
	if err := decodeArgs(args, &a); err != nil {
		return ErrorResult(err.Error())
	}
	if a.Task == "" {
		return ErrorResult("task is required")
	}
	if t.spawner == nil {
		return ErrorResult("subagent spawning is not available")
	}

	depth := SpawnDepthFromCtx(ctx)
	if depth >= t.maxDepth {
		return ErrorResult(fmt.Sprintf("spawn depth limit reached (%d/%d)", depth, t.maxDepth))
	}

	runID, err := t.spawner.SpawnRun(ctx, a.Task, depth+1)
	if err != nil {
		return ErrorResult(fmt.Sprintf("spawn failed: %v", err)).WithError(err)
	}

	slog.Info("subagent spawned", "parentRun", RunIDFromCtx(ctx), "childRun", runID, "depth", depth+1)
	return AsyncResult(fmt.Sprintf("Spawned subagent run %s for task: %s", runID, truncateStr(a.Task, 100)))
}
