package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/undoablehq/undoable/internal/store"
	"github.com/undoablehq/undoable/pkg/protocol"
)

// runControl carries the cooperative flags one executing run observes at its
// yield points. cancel tears down the run context so blocked LLM calls and
// gate waits return promptly; a paused run keeps its context alive.
type runControl struct {
	cancel context.CancelFunc

	mu        sync.Mutex
	cond      *sync.Cond
	paused    bool
	cancelled bool
}

func newRunControl(cancel context.CancelFunc) *runControl {
	c := &runControl{cancel: cancel}
	c.cond = sync.NewCond(&c.mu)
	return c
}

func (c *runControl) markCancelled() {
	c.mu.Lock()
	c.cancelled = true
	c.paused = false
	c.mu.Unlock()
	c.cond.Broadcast()
	c.cancel()
}

func (c *runControl) setPaused(v bool) {
	c.mu.Lock()
	c.paused = v
	c.mu.Unlock()
	if !v {
		c.cond.Broadcast()
	}
}

// wait parks until the run is resumed or cancelled and reports whether it
// was cancelled while parked.
func (c *runControl) wait() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.paused && !c.cancelled {
		c.cond.Wait()
	}
	return c.cancelled
}

func (c *runControl) isCancelled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelled
}

func (c *runControl) isPaused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

func (e *Executor) control(runID string) *runControl {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active[runID]
}

// ActiveRuns reports how many runs are executing right now.
func (e *Executor) ActiveRuns() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active)
}

// Cancel transitions the run to cancelled and signals its executor. The
// status change is emitted here, once; the loop exits at its next checkpoint
// without emitting a second one. An in-flight tool may finish, but its
// result is discarded.
func (e *Executor) Cancel(runID, reason string) (*store.Run, error) {
	run, err := e.runs.UpdateStatus(runID, protocol.StatusCancelled, reason)
	if err != nil {
		return nil, err
	}
	if ctl := e.control(runID); ctl != nil {
		ctl.markCancelled()
	}
	return run, nil
}

// Pause flags the run; the loop parks before its next LLM call or tool
// dispatch. Work already in flight finishes first.
func (e *Executor) Pause(runID string) (*store.Run, error) {
	run, err := e.runs.UpdateStatus(runID, protocol.StatusPaused, "")
	if err != nil {
		return nil, err
	}
	if ctl := e.control(runID); ctl != nil {
		ctl.setPaused(true)
	}
	return run, nil
}

// Resume returns a paused run to the state it was paused from and wakes the
// parked loop.
func (e *Executor) Resume(runID string) (*store.Run, error) {
	run, err := e.runs.Get(runID)
	if err != nil {
		return nil, err
	}
	if run.Status != protocol.StatusPaused || run.PausedFrom == "" {
		return nil, fmt.Errorf("run %s is not paused", runID)
	}
	updated, err := e.runs.UpdateStatus(runID, run.PausedFrom, "")
	if err != nil {
		return nil, err
	}
	if ctl := e.control(runID); ctl != nil {
		ctl.setPaused(false)
	}
	return updated, nil
}

// Apply re-applies the run's undone actions, oldest first, and marks the run
// applied. Re-applying an applied run is a no-op. On an active run, apply
// only moves it to applying; the loop keeps going and completes normally.
func (e *Executor) Apply(ctx context.Context, runID string) (*store.Run, error) {
	run, err := e.runs.Get(runID)
	if err != nil {
		return nil, err
	}

	switch run.Status {
	case protocol.StatusApplied:
		return run, nil
	case protocol.StatusPlanning, protocol.StatusApprovalRequired:
		return e.runs.UpdateStatus(runID, protocol.StatusApplying, "")
	case protocol.StatusCompleted:
	case protocol.StatusApplying:
		if e.control(runID) != nil {
			return run, nil
		}
	default:
		return nil, fmt.Errorf("run %s cannot be applied from status %s", runID, run.Status)
	}

	if e.undo != nil && e.log != nil {
		redo := e.undo.Redoable()
		// The top of the redo stack is the earliest undone action, so walking
		// from the top replays in original order.
		for i := len(redo) - 1; i >= 0; i-- {
			rec, err := e.log.Get(redo[i])
			if err != nil || rec.RunID != runID {
				continue
			}
			if err := e.undo.RedoAction(ctx, redo[i]); err != nil {
				return nil, fmt.Errorf("apply run %s: %w", runID, err)
			}
		}
	}
	return e.runs.UpdateStatus(runID, protocol.StatusApplied, "")
}

// Undo reverses the run's recorded actions, newest first. The run keeps its
// terminal status; the undo stacks carry the record of what was reversed, so
// a later apply replays it.
func (e *Executor) Undo(ctx context.Context, runID string) (*store.Run, error) {
	run, err := e.runs.Get(runID)
	if err != nil {
		return nil, err
	}
	if !protocol.TerminalStatuses[run.Status] {
		return nil, fmt.Errorf("run %s is still %s; cancel it or wait before undoing", runID, run.Status)
	}
	if e.undo == nil || e.log == nil {
		return run, nil
	}

	undoable := e.undo.Undoable()
	for i := len(undoable) - 1; i >= 0; i-- {
		rec, err := e.log.Get(undoable[i])
		if err != nil || rec.RunID != runID {
			continue
		}
		if err := e.undo.UndoAction(ctx, undoable[i]); err != nil {
			return nil, fmt.Errorf("undo run %s: %w", runID, err)
		}
	}
	return e.runs.Get(runID)
}

// Shutdown cancels every active run and waits up to grace for the loops to
// unwind. Tools already in flight may still finish in the background.
func (e *Executor) Shutdown(grace time.Duration) {
	e.mu.Lock()
	ctls := make(map[string]*runControl, len(e.active))
	for id, ctl := range e.active {
		ctls[id] = ctl
	}
	e.mu.Unlock()

	for id, ctl := range ctls {
		if _, err := e.runs.UpdateStatus(id, protocol.StatusCancelled, "daemon shutdown"); err != nil {
			slog.Warn("shutdown: cancel run failed", "run_id", id, "error", err)
		}
		ctl.markCancelled()
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		slog.Warn("shutdown: grace period elapsed with runs still active", "active", e.ActiveRuns())
	}
}
