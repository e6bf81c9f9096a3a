package execsess

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/undoablehq/undoable/internal/store"
	"github.com/undoablehq/undoable/pkg/protocol"
)

const (
	saveDebounce = 250 * time.Millisecond
	sweepEvery   = 30 * time.Second
)

// ErrWaitTimeout is returned by WaitForExit when the session outlives the
// caller's deadline.
var ErrWaitTimeout = errors.New("timed out waiting for session exit")

// ErrNoProcess is returned for stdin/resize on sessions without a live
// process handle (recovered sessions keep only the pid).
var ErrNoProcess = errors.New("session has no attached process")

// Registry is the process-wide table of exec sessions. Every change
// schedules a debounced atomic snapshot to the state file (mode 0600).
type Registry struct {
	path string

	// killGrace is how long SIGTERM gets before SIGKILL.
	killGrace time.Duration
	// finishedTTL bounds how long finished sessions stay listed.
	finishedTTL time.Duration

	mu        sync.Mutex
	running   map[string]*session
	finished  map[string]*session
	saveTimer *time.Timer
}

type snapshotFile struct {
	SavedAt  time.Time `json:"savedAt"`
	Sessions []*View   `json:"sessions"`
}

// NewRegistry loads the snapshot at path and runs the recovery pass:
// running entries whose pid is still alive are re-adopted (identity only,
// marked recovered); dead ones are demoted to finished/failed.
func NewRegistry(path string) (*Registry, error) {
	r := &Registry{
		path:        path,
		killGrace:   3 * time.Second,
		finishedTTL: time.Hour,
		running:     make(map[string]*session),
		finished:    make(map[string]*session),
	}
	if err := r.recover(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) recover() error {
	data, err := os.ReadFile(r.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read exec state: %w", err)
	}

	var snap snapshotFile
	if err := json.Unmarshal(data, &snap); err != nil {
		slog.Warn("execsess: state file corrupt, starting clean", "path", r.path, "error", err)
		return nil
	}

	var adopted, demoted int
	now := time.Now().UTC()
	for _, v := range snap.Sessions {
		sess := fromView(v)
		if sess.status != protocol.ExecRunning {
			if now.Sub(sess.endedAt) < r.finishedTTL {
				r.finished[sess.id] = sess
			}
			continue
		}
		if pidAlive(sess.pid) {
			sess.recovered = true
			r.running[sess.id] = sess
			adopted++
			continue
		}
		sess.status = protocol.ExecFailed
		sess.endedAt = now
		close(sess.done)
		r.finished[sess.id] = sess
		demoted++
	}
	if adopted > 0 || demoted > 0 {
		slog.Info("execsess: recovery pass done", "adopted", adopted, "failed", demoted)
	}
	return nil
}

// pidAlive probes a pid with signal 0.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return syscall.Kill(pid, syscall.Signal(0)) == nil
}

// Add registers a started process under id. The caller keeps responsibility
// for calling MarkExited when the process reaps.
func (r *Registry) Add(id, command, cwd string, pid int, isPty bool, proc Proc) (*View, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.running[id]; ok {
		return nil, fmt.Errorf("session %s already registered", id)
	}
	if _, ok := r.finished[id]; ok {
		return nil, fmt.Errorf("session %s already finished", id)
	}
	sess := &session{
		id:        id,
		command:   command,
		cwd:       cwd,
		pid:       pid,
		startedAt: time.Now().UTC(),
		isPty:     isPty,
		status:    protocol.ExecRunning,
		proc:      proc,
		done:      make(chan struct{}),
	}
	r.running[id] = sess
	r.persistSoonLocked()
	return sess.view(), nil
}

// AppendOutput aggregates process output, DSR-stripped, into the ring.
func (r *Registry) AppendOutput(id string, p []byte) {
	p = StripDSR(p)
	if len(p) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.running[id]
	if !ok {
		if sess, ok = r.finished[id]; !ok {
			return
		}
	}
	sess.append(p)
	r.persistSoonLocked()
}

// MarkExited moves a running session to the finished table. An empty signal
// means a normal exit; a signal name marks the session killed.
func (r *Registry) MarkExited(id string, code int, signal string) {
	status := protocol.ExecExited
	if signal != "" {
		status = protocol.ExecKilled
	}
	var exitCode *int
	if signal == "" {
		exitCode = &code
	}
	r.finish(id, status, exitCode, signal)
}

func (r *Registry) finish(id, status string, code *int, signal string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.running[id]
	if !ok {
		return
	}
	delete(r.running, id)
	sess.status = status
	sess.exitCode = code
	sess.exitSignal = signal
	sess.endedAt = time.Now().UTC()
	sess.proc = nil
	close(sess.done)
	r.finished[id] = sess
	r.persistSoonLocked()
}

// MarkBackgrounded flags a session the caller stopped waiting on.
func (r *Registry) MarkBackgrounded(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.running[id]
	if !ok {
		return fmt.Errorf("session %s: %w", id, store.ErrNotFound)
	}
	sess.backgrounded = true
	r.persistSoonLocked()
	return nil
}

// WriteStdin forwards bytes to the session's stdin.
func (r *Registry) WriteStdin(id string, p []byte) (int, error) {
	r.mu.Lock()
	sess, ok := r.running[id]
	if !ok {
		r.mu.Unlock()
		return 0, fmt.Errorf("session %s: %w", id, store.ErrNotFound)
	}
	proc := sess.proc
	r.mu.Unlock()
	if proc == nil {
		return 0, fmt.Errorf("session %s: %w", id, ErrNoProcess)
	}
	return proc.WriteStdin(p)
}

// ResizePty resizes a PTY-backed session.
func (r *Registry) ResizePty(id string, cols, rows int) error {
	r.mu.Lock()
	sess, ok := r.running[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("session %s: %w", id, store.ErrNotFound)
	}
	proc, isPty := sess.proc, sess.isPty
	r.mu.Unlock()
	if !isPty {
		return fmt.Errorf("session %s is not a pty", id)
	}
	if proc == nil {
		return fmt.Errorf("session %s: %w", id, ErrNoProcess)
	}
	return proc.Resize(cols, rows)
}

// KillSession sends SIGTERM and escalates to SIGKILL after the grace
// period. For owned sessions the exit waiter records the final state; for
// recovered sessions (pid only) the kill path records it itself.
func (r *Registry) KillSession(id string) error {
	r.mu.Lock()
	sess, ok := r.running[id]
	if !ok {
		if _, done := r.finished[id]; done {
			r.mu.Unlock()
			return nil
		}
		r.mu.Unlock()
		return fmt.Errorf("session %s: %w", id, store.ErrNotFound)
	}
	proc, pid, done, recovered := sess.proc, sess.pid, sess.done, sess.recovered
	r.mu.Unlock()

	if err := signalSession(proc, pid, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("signal session %s: %w", id, err)
	}

	select {
	case <-done:
		return nil
	case <-time.After(r.killGrace):
	}

	if err := signalSession(proc, pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("kill session %s: %w", id, err)
	}

	if recovered || proc == nil {
		// Nobody is waiting on this process; poll until the pid is gone.
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			if !pidAlive(pid) {
				r.finish(id, protocol.ExecKilled, nil, "SIGKILL")
				return nil
			}
			time.Sleep(50 * time.Millisecond)
		}
		return fmt.Errorf("session %s: pid %d survived SIGKILL", id, pid)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		return fmt.Errorf("session %s: process did not reap after SIGKILL", id)
	}
	return nil
}

func signalSession(proc Proc, pid int, sig syscall.Signal) error {
	if proc != nil {
		return proc.Signal(sig)
	}
	return syscall.Kill(pid, sig)
}

// WaitForExit blocks until the session finishes or timeout elapses.
func (r *Registry) WaitForExit(id string, timeout time.Duration) (*View, error) {
	r.mu.Lock()
	sess, ok := r.running[id]
	if !ok {
		if sess, ok = r.finished[id]; ok {
			v := sess.view()
			r.mu.Unlock()
			return v, nil
		}
		r.mu.Unlock()
		return nil, fmt.Errorf("session %s: %w", id, store.ErrNotFound)
	}
	done := sess.done
	r.mu.Unlock()

	select {
	case <-done:
	case <-time.After(timeout):
		return nil, fmt.Errorf("session %s: %w", id, ErrWaitTimeout)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if sess, ok := r.finished[id]; ok {
		return sess.view(), nil
	}
	return nil, fmt.Errorf("session %s: %w", id, store.ErrNotFound)
}

// Get returns one session view from either table.
func (r *Registry) Get(id string) (*View, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sess, ok := r.running[id]; ok {
		return sess.view(), nil
	}
	if sess, ok := r.finished[id]; ok {
		return sess.view(), nil
	}
	return nil, fmt.Errorf("session %s: %w", id, store.ErrNotFound)
}

// ListRunning returns running sessions, oldest first.
func (r *Registry) ListRunning() []*View {
	r.mu.Lock()
	defer r.mu.Unlock()
	return sortedViews(r.running)
}

// ListFinished returns finished sessions still inside the TTL, oldest first.
func (r *Registry) ListFinished() []*View {
	r.mu.Lock()
	defer r.mu.Unlock()
	return sortedViews(r.finished)
}

func sortedViews(m map[string]*session) []*View {
	out := make([]*View, 0, len(m))
	for _, sess := range m {
		out = append(out, sess.view())
	}
	// Session ids embed the start timestamp, so id order is start order.
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Run drives the background sweeps: recovered sessions whose pid vanished
// are finished as failed, and finished sessions past the TTL are dropped.
// It returns when ctx is cancelled, after a final flush.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.Flush()
			return
		case <-ticker.C:
			r.reapRecovered()
			r.sweepFinished()
		}
	}
}

func (r *Registry) reapRecovered() {
	r.mu.Lock()
	var dead []string
	for id, sess := range r.running {
		if sess.proc == nil && !pidAlive(sess.pid) {
			dead = append(dead, id)
		}
	}
	r.mu.Unlock()
	for _, id := range dead {
		slog.Info("execsess: recovered session exited", "session_id", id)
		r.finish(id, protocol.ExecFailed, nil, "")
	}
}

func (r *Registry) sweepFinished() {
	r.mu.Lock()
	cutoff := time.Now().Add(-r.finishedTTL)
	removed := 0
	for id, sess := range r.finished {
		if sess.endedAt.Before(cutoff) {
			delete(r.finished, id)
			removed++
		}
	}
	if removed > 0 {
		r.persistSoonLocked()
	}
	r.mu.Unlock()
}

// persistSoonLocked schedules a debounced snapshot write. The caller holds
// r.mu.
func (r *Registry) persistSoonLocked() {
	if r.saveTimer == nil {
		r.saveTimer = time.AfterFunc(saveDebounce, r.persistNow)
		return
	}
	r.saveTimer.Reset(saveDebounce)
}

func (r *Registry) persistNow() {
	r.mu.Lock()
	r.saveTimer = nil
	snap := snapshotFile{SavedAt: time.Now().UTC()}
	for _, sess := range r.running {
		snap.Sessions = append(snap.Sessions, sess.view())
	}
	for _, sess := range r.finished {
		snap.Sessions = append(snap.Sessions, sess.view())
	}
	r.mu.Unlock()

	sort.Slice(snap.Sessions, func(i, j int) bool { return snap.Sessions[i].ID < snap.Sessions[j].ID })

	if err := writeSnapshot(r.path, &snap); err != nil {
		slog.Error("execsess: snapshot write failed", "path", r.path, "error", err)
	}
}

// Flush writes the snapshot synchronously, cancelling any pending debounce.
func (r *Registry) Flush() {
	r.mu.Lock()
	if r.saveTimer != nil {
		r.saveTimer.Stop()
		r.saveTimer = nil
	}
	r.mu.Unlock()
	r.persistNow()
}

// writeSnapshot writes atomically (temp file, then rename) with mode 0600:
// the file can hold command lines and raw output.
func writeSnapshot(path string, snap *snapshotFile) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal exec state: %w", err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "exec-sessions-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp state: %w", err)
	}
	defer os.Remove(tmp.Name())
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod state: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write state: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close state: %w", err)
	}
	return os.Rename(tmp.Name(), path)
}
