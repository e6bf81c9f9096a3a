// Package runs owns run records: creation, status transitions, and the
// per-run append-only event log.
package runs

import (
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

// OrphanReason is stamped on non-terminal runs found at boot.
const OrphanReason = "orphaned on restart"

// replayCap bounds how many events a replay returns to a client. When the
// durable log is longer, the middle is elided; the tail on disk is never
// touched.
const replayCap = 5000

// CreateParams are the inputs to Create.
type CreateParams struct {
	UserID      string
	AgentID     string
	Instruction string
	JobID       string
	SessionID   string
}

// Manager owns run headers and persists every event published on the bus
// through its privileged sink.
type Manager struct {
	store store.RunStore
	bus   *bus.Bus

	mu   sync.RWMutex
	runs map[string]*store.Run
	seqs map[string]int64
}

// NewManager loads persisted runs and hooks the persistence sink onto the
// bus. Orphan marking is a separate boot step (MarkOrphans) so recovery
// passes can run first.
func NewManager(st store.RunStore, b *bus.Bus) (*Manager, error) {
	m := &Manager{
		store: st,
		bus:   b,
		runs:  make(map[string]*store.Run),
		seqs:  make(map[string]int64),
	}

	existing, err := st.LoadAll()
	if err != nil {
		return nil, fmt.Errorf("load runs: %w", err)
	}
	for _, run := range existing {
		m.runs[run.ID] = run
	}

	b.OnAll(m.persistEvent)
	return m, nil
}

// persistEvent assigns the sequence number and appends the event to the
// durable log. Events carrying a seq at or below the last persisted one are
// treated as idempotent replays and skipped.
func (m *Manager) persistEvent(ev *bus.Event) {
	if ev.RunID == "" {
		return
	}
	if ev.TS.IsZero() {
		ev.TS = time.Now().UTC()
	}

	m.mu.Lock()
	run, ok := m.runs[ev.RunID]
	if !ok {
		m.mu.Unlock()
		slog.Warn("runs: dropping event for unknown run", "run_id", ev.RunID, "type", ev.Type)
		return
	}
	last, loaded := m.seqs[ev.RunID]
	if !loaded {
		last = m.lastPersistedSeq(ev.RunID)
		m.seqs[ev.RunID] = last
	}
	if ev.Seq != 0 && ev.Seq <= last {
		m.mu.Unlock()
		return
	}
	if ev.Seq == 0 {
		ev.Seq = last + 1
	}
	m.seqs[ev.RunID] = ev.Seq
	run.UpdatedAt = ev.TS
	m.mu.Unlock()

	if err := m.store.AppendEvent(ev.RunID, *ev); err != nil {
		slog.Error("runs: persist event failed", "run_id", ev.RunID, "seq", ev.Seq, "error", err)
	}
}

// lastPersistedSeq is called once per run after boot, under m.mu.
func (m *Manager) lastPersistedSeq(runID string) int64 {
	events, err := m.store.Events(runID, 0)
	if err != nil {
		return 0
	}
	if len(events) == 0 {
		return 0
	}
	return events[len(events)-1].Seq
}

// Create assigns an id and persists a new run in status created.
func (m *Manager) Create(p CreateParams) (*store.Run, error) {
	if p.Instruction == "" {
		return nil, fmt.Errorf("instruction is required")
	}
	if p.AgentID == "" {
		p.AgentID = "default"
	}
	if p.UserID == "" {
		p.UserID = "local"
	}

	now := time.Now().UTC()
	run := &store.Run{
		ID:          "run-" + uuid.NewString(),
		Instruction: p.Instruction,
		AgentID:     p.AgentID,
		UserID:      p.UserID,
		JobID:       p.JobID,
		SessionID:   p.SessionID,
		Status:      protocol.StatusCreated,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := m.store.SaveRun(run); err != nil {
		return nil, fmt.Errorf("persist run: %w", err)
	}

	m.mu.Lock()
	m.runs[run.ID] = run
	m.mu.Unlock()

	return snapshot(run), nil
}

// Get returns a copy of the run header.
func (m *Manager) Get(id string) (*store.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return snapshot(run), nil
}

// List returns all runs, newest first.
func (m *Manager) List() []*store.Run {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*store.Run, 0, len(m.runs))
	for _, run := range m.runs {
		out = append(out, snapshot(run))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// ListByJob returns runs created by one scheduler job, newest first.
func (m *Manager) ListByJob(jobID string) []*store.Run {
	all := m.List()
	out := all[:0:0]
	for _, run := range all {
		if run.JobID == jobID {
			out = append(out, run)
		}
	}
	return out
}

// UpdateStatus validates and applies a transition, persists the header, and
// emits STATUS_CHANGED. Re-applying an applied run is a no-op.
func (m *Manager) UpdateStatus(id, to, reason string) (*store.Run, error) {
	m.mu.Lock()
	run, ok := m.runs[id]
	if !ok {
		m.mu.Unlock()
		return nil, store.ErrNotFound
	}

	from := run.Status
	if from == protocol.StatusApplied && to == protocol.StatusApplied {
		m.mu.Unlock()
		return snapshot(run), nil
	}
	if !canTransition(from, to, run.PausedFrom) {
		m.mu.Unlock()
		return nil, &ErrBadTransition{RunID: id, From: from, To: to}
	}

	run.Status = to
	switch {
	case to == protocol.StatusPaused:
		run.PausedFrom = from
	case activeStatuses[to]:
		run.PausedFrom = ""
	}
	if reason != "" && (to == protocol.StatusFailed || to == protocol.StatusCancelled) {
		run.Error = reason
	}
	run.UpdatedAt = time.Now().UTC()
	persisted := snapshot(run)
	m.mu.Unlock()

	if err := m.store.SaveRun(persisted); err != nil {
		slog.Error("runs: persist status failed", "run_id", id, "status", to, "error", err)
	}

	payload := map[string]interface{}{"status": to, "from": from}
	if reason != "" {
		payload["reason"] = reason
	}
	m.bus.Publish(bus.Event{RunID: id, Type: protocol.EventStatusChanged, Payload: payload})

	return persisted, nil
}

// Emit publishes a run event; the sink assigns seq and persists it.
func (m *Manager) Emit(runID, eventType string, payload map[string]interface{}) {
	m.bus.Publish(bus.Event{RunID: runID, Type: eventType, Payload: payload})
}

// Events returns persisted events after afterSeq, in order.
func (m *Manager) Events(runID string, afterSeq int64) ([]bus.Event, error) {
	m.mu.RLock()
	_, ok := m.runs[runID]
	m.mu.RUnlock()
	if !ok {
		return nil, store.ErrNotFound
	}
	return m.store.Events(runID, afterSeq)
}

// Replay returns the event log for client replay. Logs longer than the
// replay cap keep their head and tail; the elision never touches disk.
func (m *Manager) Replay(runID string) ([]bus.Event, error) {
	events, err := m.Events(runID, 0)
	if err != nil {
		return nil, err
	}
	if len(events) <= replayCap {
		return events, nil
	}
	head := replayCap / 5
	tail := replayCap - head
	out := make([]bus.Event, 0, replayCap)
	out = append(out, events[:head]...)
	out = append(out, events[len(events)-tail:]...)
	return out, nil
}

// Delete removes a terminal run and its log.
func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	run, ok := m.runs[id]
	if !ok {
		m.mu.Unlock()
		return store.ErrNotFound
	}
	if !protocol.TerminalStatuses[run.Status] {
		m.mu.Unlock()
		return fmt.Errorf("run %s is %s: %w", id, run.Status, ErrRunActive)
	}
	delete(m.runs, id)
	delete(m.seqs, id)
	m.mu.Unlock()

	m.bus.ReleaseRun(id)
	return m.store.Delete(id)
}

// MarkOrphans fails every non-terminal run left over from a previous
// process, except ids in keep (runs re-adopted by a recovery pass).
func (m *Manager) MarkOrphans(keep map[string]bool) {
	m.mu.RLock()
	var orphans []string
	for id, run := range m.runs {
		if protocol.TerminalStatuses[run.Status] || keep[id] {
			continue
		}
		orphans = append(orphans, id)
	}
	m.mu.RUnlock()

	sort.Strings(orphans)
	for _, id := range orphans {
		if _, err := m.UpdateStatus(id, protocol.StatusFailed, OrphanReason); err != nil {
			slog.Warn("runs: orphan marking failed", "run_id", id, "error", err)
		}
	}
	if len(orphans) > 0 {
		slog.Info("runs: marked orphaned runs failed", "count", len(orphans))
	}
}

func snapshot(run *store.Run) *store.Run {
	cp := *run
	return &cp
}
