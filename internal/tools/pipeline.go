package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/undoablehq/undoable/internal/actions"
	"github.com/undoablehq/undoable/internal/approval"
	"github.com/undoablehq/undoable/internal/providers"
	"github.com/undoablehq/undoable/pkg/protocol"
)

// Pipeline wraps every tool invocation: argument validation, the approval
// gate, the action log, execution, and undo tracking, in that order. The
// executor emits run events around Dispatch; the pipeline itself only
// publishes through the gate.
type Pipeline struct {
	reg     *Registry
	gate    *approval.Gate
	log     *actions.Log
	undo    *actions.UndoService
	mode    func() string
	timeout time.Duration
}

// NewPipeline builds a pipeline. mode is read per call so a settings reload
// takes effect without restarting runs. A zero timeout means 120s.
func NewPipeline(reg *Registry, gate *approval.Gate, log *actions.Log, undo *actions.UndoService, mode func() string, timeout time.Duration) *Pipeline {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Pipeline{reg: reg, gate: gate, log: log, undo: undo, mode: mode, timeout: timeout}
}

// Dispatch runs one tool call end to end. It never returns nil; failures of
// any stage come back as error results so the agent loop can hand them to
// the LLM and continue.
func (p *Pipeline) Dispatch(ctx context.Context, runID string, call providers.ToolCall) *Result {
	t, ok := p.reg.Get(call.Name)
	if !ok {
		return ErrorResult(fmt.Sprintf("unknown tool: %s", call.Name))
	}
	if err := ValidateArgs(t, call.Arguments); err != nil {
		return ErrorResult(err.Error())
	}

	rec := p.log.Begin(runID, call.Name, call.Arguments, t.Category())

	if approval.Required(p.mode(), t.Category()) {
		allowed, err := p.gate.Request(ctx, runID, call.Name, describeCall(call), p.timeout)
		if err != nil {
			p.log.Finish(rec, nil, err, nil, nil, false)
			return ErrorResult(fmt.Sprintf("approval interrupted: %v", err)).WithError(err)
		}
		if !allowed {
			p.log.SetApproval(rec, protocol.ApprovalDenied)
			res := deniedResult(call.Name)
			p.log.Finish(rec, res.ForLLM, nil, nil, nil, false)
			return res
		}
		p.log.SetApproval(rec, protocol.ApprovalGranted)
	} else {
		p.log.SetApproval(rec, protocol.ApprovalNotRequired)
	}

	res := p.execute(ctx, t, call.Arguments)

	var execErr error
	if res.Err != nil {
		execErr = res.Err
	} else if res.IsError {
		execErr = errors.New(res.ForLLM)
	}
	p.log.Finish(rec, res.ForLLM, execErr, res.Before, res.After, t.Undoable())
	p.undo.Track(rec)
	return res
}

// execute isolates tool panics so a misbehaving tool fails one call, not the
// whole run.
func (p *Pipeline) execute(ctx context.Context, t Tool, args map[string]interface{}) (res *Result) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("tool panicked", "tool", t.Name(), "panic", r)
			res = ErrorResult(fmt.Sprintf("tool %s panicked: %v", t.Name(), r))
		}
	}()
	res = t.Execute(ctx, args)
	if res == nil {
		res = ErrorResult(fmt.Sprintf("tool %s returned no result", t.Name()))
	}
	return res
}

// deniedResult is the tool result handed to the LLM when the gate refuses a
// call. The loop continues; the model decides what to do next.
func deniedResult(toolName string) *Result {
	payload, _ := json.Marshal(map[string]interface{}{
		"denied": true,
		"reason": fmt.Sprintf("approval denied for tool %s", toolName),
	})
	return &Result{ForLLM: string(payload), Denied: true}
}

// describeCall renders a short human-readable summary for the approval UI.
func describeCall(call providers.ToolCall) string {
	args, err := json.Marshal(call.Arguments)
	if err != nil || len(args) == 0 || string(args) == "{}" {
		return call.Name
	}
	const max = 200
	s := string(args)
	if len(s) > max {
		s = s[:max] + "..."
	}
	return fmt.Sprintf("%s %s", call.Name, s)
}
