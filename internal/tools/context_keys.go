package tools

import "context"

// Tool execution context keys. The executor injects these before each
// dispatch; tools read them during Execute. Context carriage keeps tool
// instances free of per-run mutable state.

type toolContextKey string

const (
	ctxRunID      toolContextKey = "tool_run_id"
	ctxSessionID  toolContextKey = "tool_session_id"
	ctxSpawnDepth toolContextKey = "tool_spawn_depth"
)

// WithRunID tags the context with the run the tool call belongs to.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, ctxRunID, runID)
}

func RunIDFromCtx(ctx context.Context) string {
	v, _ := ctx.Value(ctxRunID).(string)
	return v
}

// WithSessionID tags the context with the chat session the run serves.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, ctxSessionID, sessionID)
}

func SessionIDFromCtx(ctx context.Context) string {
	v, _ := ctx.Value(ctxSessionID).(string)
	return v
}

// WithSpawnDepth records how many subagent hops led to this run. The
// subagent tool refuses to spawn past the configured limit.
func WithSpawnDepth(ctx context.Context, depth int) context.Context {
	return context.WithValue(ctx, ctxSpawnDepth, depth)
}

func SpawnDepthFromCtx(ctx context.Context) int {
	v, _ := ctx.Value(ctxSpawnDepth).(int)
	return v
}
