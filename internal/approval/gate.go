// Package approval holds pending tool approvals and blocks gated callers
// until a user resolves them or the deadline passes.
package approval

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/undoablehq/undoable/internal/bus"
	"github.com/undoablehq/undoable/internal/store"
	"github.com/undoablehq/undoable/pkg/protocol"
)

// Pending is one unresolved approval request.
type Pending struct {
	ID          string    `json:"id"`
	RunID       string    `json:"runId"`
	ToolName    string    `json:"toolName"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"createdAt"`
}

type waiter struct {
	Pending
	ch chan bool
}

// Gate arms approvals for gated tool calls and resolves them by id.
type Gate struct {
	bus bus.Publisher

	mu      sync.Mutex
	pending map[string]*waiter
}

func NewGate(b bus.Publisher) *Gate {
	return &Gate{bus: b, pending: make(map[string]*waiter)}
}

// Required reports whether a tool category is gated under the given mode.
// Read tools are never gated.
func Required(mode, category string) bool {
	if category == protocol.CategoryRead {
		return false
	}
	switch mode {
	case protocol.ApprovalModeAlways:
		return true
	case protocol.ApprovalModeMutate:
		return category == protocol.CategoryMutate ||
			category == protocol.CategoryExec ||
			category == protocol.CategoryNetwork
	default:
		return false
	}
}

// Request arms the gate: it registers a pending approval, publishes
// TOOL_APPROVAL_REQUESTED on the run's event stream, and blocks until
// Resolve(id, allow), the timeout (default deny), or context cancellation.
func (g *Gate) Request(ctx context.Context, runID, toolName, description string, timeout time.Duration) (bool, error) {
	w := &waiter{
		Pending: Pending{
			ID:          "appr-" + uuid.NewString(),
			RunID:       runID,
			ToolName:    toolName,
			Description: description,
			CreatedAt:   time.Now().UTC(),
		},
		ch: make(chan bool, 1),
	}

	g.mu.Lock()
	g.pending[w.ID] = w
	g.mu.Unlock()

	g.bus.Publish(bus.Event{
		RunID: runID,
		Type:  protocol.EventApprovalRequested,
		Payload: map[string]interface{}{
			"approvalId":  w.ID,
			"tool":        toolName,
			"description": description,
		},
	})

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case allow := <-w.ch:
		return allow, nil
	case <-timer.C:
		g.remove(w.ID)
		slog.Info("approval: request timed out, denying", "approval_id", w.ID, "tool", toolName)
		return false, nil
	case <-ctx.Done():
		g.remove(w.ID)
		return false, ctx.Err()
	}
}

// Resolve satisfies one waiter. An approval can be resolved exactly once;
// unknown or already-resolved ids return ErrNotFound.
func (g *Gate) Resolve(id string, allow bool) error {
	g.mu.Lock()
	w, ok := g.pending[id]
	if ok {
		delete(g.pending, id)
	}
	g.mu.Unlock()

	if !ok {
		return fmt.Errorf("approval %s: %w", id, store.ErrNotFound)
	}
	w.ch <- allow
	return nil
}

// Pending lists unresolved approvals, oldest first.
func (g *Gate) Pending() []Pending {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Pending, 0, len(g.pending))
	for _, w := range g.pending {
		out = append(out, w.Pending)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (g *Gate) remove(id string) {
	g.mu.Lock()
	delete(g.pending, id)
	g.mu.Unlock()
}
