// Package agent drives runs: the loop that calls the LLM, dispatches tool
// calls through the pipeline, and walks each run through its status machine.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/undoablehq/undoable/internal/actions"
	"github.com/undoablehq/undoable/internal/approval"
	"github.com/undoablehq/undoable/internal/providers"
	"github.com/undoablehq/undoable/internal/runs"
	"github.com/undoablehq/undoable/internal/sessions"
	"github.com/undoablehq/undoable/internal/store"
	"github.com/undoablehq/undoable/internal/sysprompt"
	"github.com/undoablehq/undoable/internal/tools"
	"github.com/undoablehq/undoable/internal/tracing"
	"github.com/undoablehq/undoable/internal/usage"
	"github.com/undoablehq/undoable/pkg/protocol"
)

// errRunCancelled signals that a run stopped because cancellation was
// requested, not because something broke.
var errRunCancelled = errors.New("run cancelled")

// Config wires an Executor. Runs, Pipeline, Registry, Provider, and Prompt
// are required; the rest degrade to no-ops when absent.
type Config struct {
	Runs     *runs.Manager
	Pipeline *tools.Pipeline
	Registry *tools.Registry
	Provider providers.Provider
	Prompt   *sysprompt.Assembler
	Sessions *sessions.Store
	Log      *actions.Log
	Undo     *actions.UndoService
	Usage    *usage.Tracker
	Traces   *tracing.Collector

	// ApprovalMode is read per dispatch so a settings reload takes effect
	// without restarting runs. Nil means approvals are off.
	ApprovalMode func() string

	Model         string
	MaxIterations int
	SessionWindow int
	Workspace     string
}

// Executor runs the agent loop, one goroutine per run. Pause, resume, and
// cancel are cooperative: the loop observes them before each LLM call and
// before each tool dispatch.
type Executor struct {
	runs     *runs.Manager
	pipeline *tools.Pipeline
	registry *tools.Registry
	provider providers.Provider
	prompt   *sysprompt.Assembler
	sessions *sessions.Store
	log      *actions.Log
	undo     *actions.UndoService
	usage    *usage.Tracker
	traces   *tracing.Collector

	approvalMode  func() string
	model         string
	maxIterations int
	sessionWindow int
	workspace     string

	mu     sync.Mutex
	active map[string]*runControl
	wg     sync.WaitGroup
}

func New(cfg Config) *Executor {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 20
	}
	if cfg.SessionWindow <= 0 {
		cfg.SessionWindow = sessions.DefaultWindow
	}
	if cfg.ApprovalMode == nil {
		cfg.ApprovalMode = func() string { return protocol.ApprovalModeOff }
	}
	return &Executor{
		runs:          cfg.Runs,
		pipeline:      cfg.Pipeline,
		registry:      cfg.Registry,
		provider:      cfg.Provider,
		prompt:        cfg.Prompt,
		sessions:      cfg.Sessions,
		log:           cfg.Log,
		undo:          cfg.Undo,
		usage:         cfg.Usage,
		traces:        cfg.Traces,
		approvalMode:  cfg.ApprovalMode,
		model:         cfg.Model,
		maxIterations: cfg.MaxIterations,
		sessionWindow: cfg.SessionWindow,
		workspace:     cfg.Workspace,
		active:        make(map[string]*runControl),
	}
}

// Execute drives one run to a terminal status and blocks until it gets
// there. A run executes at most once at a time; failures are emitted as
// RUN_FAILED and reflected in the run header.
func (e *Executor) Execute(ctx context.Context, runID string) error {
	run, err := e.runs.Get(runID)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	ctl := newRunControl(cancel)

	e.mu.Lock()
	if _, busy := e.active[runID]; busy {
		e.mu.Unlock()
		cancel()
		return fmt.Errorf("run %s is already executing", runID)
	}
	e.active[runID] = ctl
	e.mu.Unlock()
	e.wg.Add(1)

	defer func() {
		e.mu.Lock()
		delete(e.active, runID)
		e.mu.Unlock()
		cancel()
		e.wg.Done()
	}()

	runCtx = tools.WithRunID(runCtx, runID)
	if run.SessionID != "" {
		runCtx = tools.WithSessionID(runCtx, run.SessionID)
	}

	runSpanID := uuid.NewString()
	start := time.Now().UTC()
	err = e.drive(runCtx, run, ctl, runSpanID)
	e.emitRunSpan(run, runSpanID, start, err)

	if err == nil {
		return nil
	}
	if errors.Is(err, errRunCancelled) || runCtx.Err() != nil {
		e.markInterrupted(runID)
		return errRunCancelled
	}

	e.runs.Emit(runID, protocol.EventRunFailed, map[string]interface{}{"error": err.Error()})
	if _, uerr := e.runs.UpdateStatus(runID, protocol.StatusFailed, err.Error()); uerr != nil {
		slog.Error("run: mark failed", "run_id", runID, "error", uerr)
	}
	return err
}

// drive isolates panics from provider or prompt code so one bad run cannot
// take down the daemon.
func (e *Executor) drive(ctx context.Context, run *store.Run, ctl *runControl, runSpanID string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("run panicked", "run_id", run.ID, "panic", r)
			err = fmt.Errorf("run panicked: %v", r)
		}
	}()
	return e.loop(ctx, run, ctl, runSpanID)
}

func (e *Executor) loop(ctx context.Context, run *store.Run, ctl *runControl, runSpanID string) error {
	if _, err := e.runs.UpdateStatus(run.ID, protocol.StatusPlanning, ""); err != nil {
		return fmt.Errorf("start run: %w", err)
	}

	model := e.model
	if model == "" {
		model = e.provider.DefaultModel()
	}

	system := e.prompt.Build(sysprompt.Config{
		Workspace: e.workspace,
		ToolNames: e.registry.Names(),
		Channel:   sessions.ChannelFromKey(run.SessionID),
	})

	messages := make([]providers.Message, 0, e.sessionWindow+2)
	messages = append(messages, providers.Message{Role: "system", Content: system})
	if run.SessionID != "" && e.sessions != nil {
		messages = append(messages, e.sessions.History(run.SessionID, e.sessionWindow)...)
	}
	userMsg := providers.Message{Role: "user", Content: run.Instruction}
	if images := instructionImages(run.Instruction); len(images) > 0 {
		userMsg.Images = images
	}
	messages = append(messages, userMsg)

	// Buffer the new exchange and persist only after the run completes, so
	// concurrent runs on one session never see a half-written turn.
	pending := []providers.Message{userMsg}

	toolDefs := e.registry.Definitions()

	var lastContent string
	for iteration := 1; iteration <= e.maxIterations; iteration++ {
		if stop := e.yield(run.ID, ctl); stop != nil {
			return stop
		}

		e.runs.Emit(run.ID, protocol.EventActionProgress, map[string]interface{}{
			"iteration":     iteration,
			"maxIterations": e.maxIterations,
		})

		slog.Debug("run iteration", "run_id", run.ID, "iteration", iteration, "messages", len(messages))

		resp, err := e.callLLM(ctx, run.ID, runSpanID, iteration, model, messages, toolDefs)
		if err != nil {
			if ctl.isCancelled() || ctx.Err() != nil {
				return errRunCancelled
			}
			return fmt.Errorf("llm call failed (iteration %d): %w", iteration, err)
		}

		if resp.Content != "" {
			lastContent = resp.Content
		}

		// No tool calls means the model is done.
		if len(resp.ToolCalls) == 0 {
			return e.complete(run, resp.Content, pending, true)
		}

		assistantMsg := providers.Message{
			Role:                "assistant",
			Content:             resp.Content,
			ToolCalls:           resp.ToolCalls,
			RawAssistantContent: resp.RawAssistantContent,
		}
		messages = append(messages, assistantMsg)
		pending = append(pending, assistantMsg)

		// Tool calls run in order; call ids are carried through to the result
		// messages so the model can correlate.
		for _, tc := range resp.ToolCalls {
			e.runs.Emit(run.ID, protocol.EventToolCall, map[string]interface{}{
				"id":        tc.ID,
				"name":      tc.Name,
				"args":      tc.Arguments,
				"iteration": iteration,
			})

			if stop := e.yield(run.ID, ctl); stop != nil {
				return stop
			}

			res := e.dispatch(ctx, run.ID, runSpanID, tc)

			payload := map[string]interface{}{
				"id":     tc.ID,
				"name":   tc.Name,
				"result": res.ForLLM,
			}
			if res.IsError || res.Denied {
				payload["error"] = true
			}
			if res.Denied {
				payload["code"] = protocol.CodePolicyDenied
			}
			e.runs.Emit(run.ID, protocol.EventToolResult, payload)

			if ctl.isCancelled() {
				// The tool already ran and its record stands; the result just
				// goes no further.
				return errRunCancelled
			}

			toolMsg := providers.Message{
				Role:       "tool",
				Content:    res.ForLLM,
				ToolCallID: tc.ID,
			}
			messages = append(messages, toolMsg)
			pending = append(pending, toolMsg)
		}
	}

	// Out of iterations. Not a failure: surface the warning and close with
	// whatever the model said last. The transcript already carries that
	// assistant turn, so nothing more is appended.
	e.runs.Emit(run.ID, protocol.EventRunWarning, map[string]interface{}{
		"reason": fmt.Sprintf("run stopped after %d iterations without a final message", e.maxIterations),
	})
	return e.complete(run, lastContent, pending, false)
}

// complete closes out a successful run: final event, terminal status, and
// session persistence when the run belongs to one.
func (e *Executor) complete(run *store.Run, content string, pending []providers.Message, appendFinal bool) error {
	e.runs.Emit(run.ID, protocol.EventRunCompleted, map[string]interface{}{"content": content})
	if _, err := e.runs.UpdateStatus(run.ID, protocol.StatusCompleted, ""); err != nil {
		return fmt.Errorf("finish run: %w", err)
	}

	if run.SessionID != "" && e.sessions != nil {
		if appendFinal && content != "" {
			pending = append(pending, providers.Message{Role: "assistant", Content: content})
		}
		e.sessions.Append(run.SessionID, pending...)
		if err := e.sessions.Save(run.SessionID); err != nil {
			slog.Warn("run: persist session failed", "run_id", run.ID, "session_id", run.SessionID, "error", err)
		}
	}
	return nil
}

// yield is a cooperative checkpoint: it observes cancellation and parks
// while the run is paused.
func (e *Executor) yield(runID string, ctl *runControl) error {
	if ctl.isCancelled() {
		return errRunCancelled
	}
	if ctl.isPaused() {
		slog.Info("run paused", "run_id", runID)
		if cancelled := ctl.wait(); cancelled {
			return errRunCancelled
		}
		slog.Info("run resumed", "run_id", runID)
	}
	return nil
}

// callLLM streams one provider call, forwarding content and thinking deltas
// as run events. A provider that buffers instead of streaming still gets its
// content rendered as a single LLM_TOKEN before any tool dispatch.
func (e *Executor) callLLM(ctx context.Context, runID, runSpanID string, iteration int, model string, messages []providers.Message, toolDefs []providers.ToolDefinition) (*providers.ChatResponse, error) {
	req := providers.ChatRequest{
		Messages: messages,
		Tools:    toolDefs,
		Model:    model,
	}

	start := time.Now().UTC()
	streamed := 0
	resp, err := e.provider.ChatStream(ctx, req, func(chunk providers.StreamChunk) {
		if chunk.Content != "" {
			streamed++
			e.runs.Emit(runID, protocol.EventLLMToken, map[string]interface{}{"content": chunk.Content})
		}
		if chunk.Thinking != "" {
			e.runs.Emit(runID, protocol.EventLLMThinking, map[string]interface{}{"content": chunk.Thinking})
		}
	})
	e.emitLLMSpan(runID, runSpanID, iteration, model, start, resp, err)
	if err != nil {
		return nil, err
	}

	if streamed == 0 && resp.Content != "" {
		e.runs.Emit(runID, protocol.EventLLMToken, map[string]interface{}{"content": resp.Content})
	}

	e.recordUsage(runID, model, start, resp.Usage)
	return resp, nil
}

// dispatch hands one tool call to the pipeline, walking the run status
// through approval_required while the gate is armed for it and back to the
// status it interrupted afterwards.
func (e *Executor) dispatch(ctx context.Context, runID, runSpanID string, tc providers.ToolCall) *tools.Result {
	gated := false
	if t, ok := e.registry.Get(tc.Name); ok {
		gated = approval.Required(e.approvalMode(), t.Category())
	}

	prior := protocol.StatusPlanning
	if gated {
		if run, err := e.runs.Get(runID); err == nil && run.Status == protocol.StatusApplying {
			prior = run.Status
		}
		if _, err := e.runs.UpdateStatus(runID, protocol.StatusApprovalRequired, ""); err != nil {
			slog.Warn("run: enter approval_required failed", "run_id", runID, "error", err)
		}
	}

	start := time.Now().UTC()
	res := e.pipeline.Dispatch(ctx, runID, tc)
	e.emitToolSpan(runID, runSpanID, tc, start, res)

	if gated {
		if run, err := e.runs.Get(runID); err == nil && run.Status == protocol.StatusApprovalRequired {
			if _, err := e.runs.UpdateStatus(runID, prior, ""); err != nil {
				slog.Warn("run: leave approval_required failed", "run_id", runID, "error", err)
			}
		}
	}
	return res
}

func (e *Executor) recordUsage(runID, model string, start time.Time, u *providers.Usage) {
	if e.usage == nil || u == nil {
		return
	}
	rec := usage.Record{
		RunID:            runID,
		Provider:         e.provider.Name(),
		Model:            model,
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
		DurationMs:       time.Since(start).Milliseconds(),
	}
	if err := e.usage.Add(rec); err != nil {
		slog.Warn("run: record usage failed", "run_id", runID, "error", err)
	}
}

// markInterrupted moves a run that stopped without reaching a terminal
// status to cancelled. Runs cancelled through Cancel are already there.
func (e *Executor) markInterrupted(runID string) {
	run, err := e.runs.Get(runID)
	if err != nil || protocol.TerminalStatuses[run.Status] {
		return
	}
	if _, err := e.runs.UpdateStatus(runID, protocol.StatusCancelled, "interrupted"); err != nil {
		slog.Error("run: mark cancelled", "run_id", runID, "error", err)
	}
}
