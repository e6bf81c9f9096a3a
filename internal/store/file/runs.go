// Package file implements the standalone (on-disk) storage backends.
package file

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/undoablehq/undoable/internal/bus"
	"github.com/undoablehq/undoable/internal/store"
)

// RunStore persists each run as runs/<id>.jsonl: one header line (the run
// record) followed by one line per event. Events are appended with O_APPEND;
// header rewrites go through a temp file + rename so a crash never leaves a
// torn file.
type RunStore struct {
	dir string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewRunStore creates the directory if needed.
func NewRunStore(dir string) (*RunStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create runs dir: %w", err)
	}
	return &RunStore{dir: dir, locks: make(map[string]*sync.Mutex)}, nil
}

func (s *RunStore) lockFor(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

func (s *RunStore) path(id string) string {
	// Run ids are uuid-based; the replace is protection against a
	// hand-crafted id reaching the filesystem layer.
	safe := strings.ReplaceAll(id, string(filepath.Separator), "_")
	return filepath.Join(s.dir, safe+".jsonl")
}

// SaveRun writes the header line, preserving any already-appended events.
func (s *RunStore) SaveRun(run *store.Run) error {
	lock := s.lockFor(run.ID)
	lock.Lock()
	defer lock.Unlock()

	header, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("marshal run header: %w", err)
	}

	path := s.path(run.ID)
	existing, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("read run file: %w", err)
	}

	var tail []byte
	if len(existing) > 0 {
		if i := strings.IndexByte(string(existing), '\n'); i >= 0 {
			tail = existing[i+1:]
		}
	}

	tmp, err := os.CreateTemp(s.dir, "run-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp run file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(append(header, '\n')); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write run header: %w", err)
	}
	if len(tail) > 0 {
		if _, err := tmp.Write(tail); err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return fmt.Errorf("write run events: %w", err)
		}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("sync run file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close run file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename run file: %w", err)
	}
	return nil
}

// AppendEvent appends one event line to the run's log.
func (s *RunStore) AppendEvent(runID string, ev bus.Event) error {
	lock := s.lockFor(runID)
	lock.Lock()
	defer lock.Unlock()

	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	f, err := os.OpenFile(s.path(runID), os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0644)
	if err != nil {
		return fmt.Errorf("open run file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// LoadRun reads the header and full event log. Corrupt lines (a torn tail
// after a crash) are dropped with a warning rather than failing the load.
func (s *RunStore) LoadRun(id string) (*store.Run, []bus.Event, error) {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()
	return s.loadLocked(id)
}

func (s *RunStore) loadLocked(id string) (*store.Run, []bus.Event, error) {
	f, err := os.Open(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, store.ErrNotFound
		}
		return nil, nil, fmt.Errorf("open run file: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)

	if !scanner.Scan() {
		return nil, nil, fmt.Errorf("run file %s: empty", id)
	}
	var run store.Run
	if err := json.Unmarshal(scanner.Bytes(), &run); err != nil {
		return nil, nil, fmt.Errorf("parse run header %s: %w", id, err)
	}

	var events []bus.Event
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev bus.Event
		if err := json.Unmarshal(line, &ev); err != nil {
			slog.Warn("run store: dropping corrupt event line", "run_id", id, "error", err)
			continue
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, fmt.Errorf("scan run file %s: %w", id, err)
	}
	return &run, events, nil
}

// LoadAll returns every run header in the directory.
func (s *RunStore) LoadAll() ([]*store.Run, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read runs dir: %w", err)
	}

	var runs []*store.Run
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".jsonl") {
			continue
		}
		id := strings.TrimSuffix(e.Name(), ".jsonl")
		run, _, err := s.LoadRun(id)
		if err != nil {
			slog.Warn("run store: skipping unreadable run file", "file", e.Name(), "error", err)
			continue
		}
		runs = append(runs, run)
	}
	return runs, nil
}

// Events returns events with seq > afterSeq, in order.
func (s *RunStore) Events(runID string, afterSeq int64) ([]bus.Event, error) {
	_, events, err := s.LoadRun(runID)
	if err != nil {
		return nil, err
	}
	if afterSeq <= 0 {
		return events, nil
	}
	out := events[:0:0]
	for _, ev := range events {
		if ev.Seq > afterSeq {
			out = append(out, ev)
		}
	}
	return out, nil
}

// Delete removes the run file.
func (s *RunStore) Delete(id string) error {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	if err := os.Remove(s.path(id)); err != nil {
		if os.IsNotExist(err) {
			return store.ErrNotFound
		}
		return fmt.Errorf("delete run file: %w", err)
	}
	s.mu.Lock()
	delete(s.locks, id)
	s.mu.Unlock()
	return nil
}

// Close is a no-op for the file store.
func (s *RunStore) Close() error { return nil }
