package store

import (
	"errors"
	"time"

	"github.com/undoablehq/undoable/internal/bus"
)

// ErrNotFound is returned for unknown run ids.
var ErrNotFound = errors.New("not found")

// Stores is the top-level container for storage backends. Standalone mode
// uses the file-backed run store; managed mode swaps in Postgres.
type Stores struct {
	Runs RunStore
}

// Run is the persisted run record. The event log lives beside it (JSONL
// lines after the header, or the run_events table in managed mode).
type Run struct {
	ID          string `json:"id"`
	Instruction string `json:"instruction"`
	AgentID     string `json:"agentId"`
	UserID      string `json:"userId"`
	JobID       string `json:"jobId,omitempty"`
	SessionID   string `json:"sessionId,omitempty"`
	Status      string `json:"status"`
	// PausedFrom remembers the active status a paused run resumes into.
	PausedFrom string    `json:"pausedFrom,omitempty"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// RunStore persists run headers and append-only event logs.
type RunStore interface {
	// SaveRun writes or rewrites the run header, crash-safely.
	SaveRun(run *Run) error

	// AppendEvent appends one event to the run's durable log. The event
	// arrives with its final sequence number already assigned.
	AppendEvent(runID string, ev bus.Event) error

	// LoadRun returns the header and the full event log.
	LoadRun(id string) (*Run, []bus.Event, error)

	// LoadAll returns every persisted run header.
	LoadAll() ([]*Run, error)

	// Events returns the run's events with seq > afterSeq, in order.
	Events(runID string, afterSeq int64) ([]bus.Event, error)

	// Delete removes the run and its log.
	Delete(id string) error

	Close() error
}
