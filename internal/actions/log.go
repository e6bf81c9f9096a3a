// Package actions records every tool invocation and reverses the undoable
// ones in stack order.
package actions

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/undoablehq/undoable/internal/store"
	"github.com/undoablehq/undoable/pkg/protocol"
)

// Snapshot captures durable state on one side of a mutating action. File
// actions fill Path/Exists/Content; memory actions fill Key/Exists/Content
// (the serialized entry). Content is the exact bytes, so undo then redo
// restores state byte for byte.
type Snapshot struct {
	Path    string `json:"path,omitempty"`
	Key     string `json:"key,omitempty"`
	Exists  bool   `json:"exists"`
	Content []byte `json:"content,omitempty"`
}

// Record is one entry in the action log.
type Record struct {
	ID         string                 `json:"id"`
	RunID      string                 `json:"runId,omitempty"`
	ToolName   string                 `json:"toolName"`
	Category   string                 `json:"category"`
	Args       map[string]interface{} `json:"args,omitempty"`
	Approval   string                 `json:"approval"`
	Undoable   bool                   `json:"undoable"`
	Before     *Snapshot              `json:"beforeState,omitempty"`
	After      *Snapshot              `json:"afterState,omitempty"`
	Result     interface{}            `json:"result,omitempty"`
	StartedAt  time.Time              `json:"startedAt"`
	DurationMs int64                  `json:"durationMs"`
	Error      string                 `json:"error,omitempty"`

	finished bool
}

// Filter narrows List.
type Filter struct {
	ToolName string
	Category string
	RunID    string
}

// Log is the append-only in-process record of tool invocations. Records are
// appended at Begin so an invocation that never finishes stays visible.
type Log struct {
	mu      sync.RWMutex
	records []*Record
	byID    map[string]*Record
}

func NewLog() *Log {
	return &Log{byID: make(map[string]*Record)}
}

// Begin appends an in-flight record. The caller must call Finish exactly
// once, even when the tool fails.
func (l *Log) Begin(runID, toolName string, args map[string]interface{}, category string) *Record {
	rec := &Record{
		ID:        "act-" + uuid.NewString(),
		RunID:     runID,
		ToolName:  toolName,
		Category:  category,
		Args:      args,
		Approval:  protocol.ApprovalNone,
		StartedAt: time.Now().UTC(),
	}
	l.mu.Lock()
	l.records = append(l.records, rec)
	l.byID[rec.ID] = rec
	l.mu.Unlock()
	return rec
}

// SetApproval stamps the gate's outcome on an in-flight record.
func (l *Log) SetApproval(rec *Record, outcome string) {
	l.mu.Lock()
	rec.Approval = outcome
	l.mu.Unlock()
}

// Finish completes a record. Undoability is decided here, at record time:
// a record finished with err != nil or undoable=false never enters the undo
// stack.
func (l *Log) Finish(rec *Record, result interface{}, err error, before, after *Snapshot, undoable bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if rec.finished {
		return
	}
	rec.finished = true
	rec.Result = result
	rec.Before = before
	rec.After = after
	rec.Undoable = undoable && err == nil
	rec.DurationMs = time.Since(rec.StartedAt).Milliseconds()
	if err != nil {
		rec.Error = err.Error()
	}
}

// Get returns a copy of one record.
func (l *Log) Get(id string) (*Record, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	rec, ok := l.byID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

// List returns matching records in append (chronological) order.
func (l *Log) List(f Filter) []*Record {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*Record, 0, len(l.records))
	for _, rec := range l.records {
		if f.ToolName != "" && rec.ToolName != f.ToolName {
			continue
		}
		if f.Category != "" && rec.Category != f.Category {
			continue
		}
		if f.RunID != "" && rec.RunID != f.RunID {
			continue
		}
		cp := *rec
		out = append(out, &cp)
	}
	return out
}
