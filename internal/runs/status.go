package runs

import (
	"errors"
	"fmt"

	"github.com/undoablehq/undoable/pkg/protocol"
)

// ErrRunActive is returned when an operation requires a terminal run.
var ErrRunActive = errors.New("only terminal runs can be deleted")

// validTransitions is the status adjacency the manager enforces. A paused
// run may additionally resume into the active status it was paused from
// (checked against PausedFrom, not this table).
var validTransitions = map[string][]string{
	protocol.StatusCreated: {
		protocol.StatusPlanning,
		protocol.StatusCancelled,
		protocol.StatusFailed,
	},
	protocol.StatusPlanning: {
		protocol.StatusApplying,
		protocol.StatusApprovalRequired,
		protocol.StatusPaused,
		protocol.StatusCompleted,
		protocol.StatusFailed,
		protocol.StatusCancelled,
	},
	protocol.StatusApplying: {
		protocol.StatusApprovalRequired,
		protocol.StatusPaused,
		protocol.StatusApplied,
		protocol.StatusCompleted,
		protocol.StatusFailed,
		protocol.StatusCancelled,
	},
	protocol.StatusApprovalRequired: {
		protocol.StatusPlanning,
		protocol.StatusApplying,
		protocol.StatusPaused,
		protocol.StatusCancelled,
		protocol.StatusFailed,
	},
	protocol.StatusPaused: {
		// Resume targets are validated against PausedFrom.
		protocol.StatusCancelled,
		protocol.StatusFailed,
	},
	protocol.StatusCompleted: {
		protocol.StatusApplied,
	},
	// applied, failed, cancelled are sinks (applied→applied is a no-op
	// handled before validation).
}

// activeStatuses are the states a run can be paused from and resumed into.
var activeStatuses = map[string]bool{
	protocol.StatusPlanning:         true,
	protocol.StatusApplying:         true,
	protocol.StatusApprovalRequired: true,
}

// canTransition reports whether from → to is legal given the status the run
// was paused from (empty when not paused).
func canTransition(from, to, pausedFrom string) bool {
	if from == protocol.StatusPaused {
		if to == pausedFrom && activeStatuses[to] {
			return true
		}
	}
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ErrBadTransition wraps an illegal status change.
type ErrBadTransition struct {
	RunID string
	From  string
	To    string
}

func (e *ErrBadTransition) Error() string {
	return fmt.Sprintf("run %s: illegal status transition %s -> %s", e.RunID, e.From, e.To)
}
