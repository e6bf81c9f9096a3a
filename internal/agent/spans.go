package agent

import (
	"errors"
	"fmt"
	"time"

	"github.com/undoablehq/undoable/internal/providers"
	"github.com/undoablehq/undoable/internal/store"
	"github.com/undoablehq/undoable/internal/tools"
	"github.com/undoablehq/undoable/internal/tracing"
)

// Runs double as traces: every span of a run carries the run id as its trace
// id, with LLM and tool spans parented under one root run span.

func (e *Executor) emitRunSpan(run *store.Run, spanID string, start time.Time, err error) {
	span := tracing.Span{
		ID:      spanID,
		TraceID: run.ID,
		Type:    tracing.SpanRun,
		Name:    "run",
		Start:   start,
		Preview: truncateStr(run.Instruction, 200),
	}
	if err != nil && !errors.Is(err, errRunCancelled) {
		span.Status = tracing.StatusError
		span.Error = err.Error()
	}
	e.traces.Emit(span)
}

func (e *Executor) emitLLMSpan(runID, parentID string, iteration int, model string, start time.Time, resp *providers.ChatResponse, err error) {
	span := tracing.Span{
		TraceID:  runID,
		ParentID: parentID,
		Type:     tracing.SpanLLM,
		Name:     fmt.Sprintf("llm iteration %d", iteration),
		Start:    start,
		Provider: e.provider.Name(),
		Model:    model,
	}
	if err != nil {
		span.Status = tracing.StatusError
		span.Error = err.Error()
	} else if resp != nil {
		span.Preview = truncateStr(resp.Content, 200)
		if resp.Usage != nil {
			span.InputTokens = resp.Usage.PromptTokens
			span.OutputTokens = resp.Usage.CompletionTokens
		}
	}
	e.traces.Emit(span)
}

func (e *Executor) emitToolSpan(runID, parentID string, tc providers.ToolCall, start time.Time, res *tools.Result) {
	span := tracing.Span{
		TraceID:  runID,
		ParentID: parentID,
		Type:     tracing.SpanTool,
		Name:     tc.Name,
		ToolName: tc.Name,
		Start:    start,
		Preview:  truncateStr(res.ForLLM, 200),
	}
	if res.IsError {
		span.Status = tracing.StatusError
		span.Error = truncateStr(res.ForLLM, 200)
	}
	e.traces.Emit(span)
}

// truncateStr bounds the previews stored on spans.
func truncateStr(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
