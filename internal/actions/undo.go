package actions

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// Undoer reverses and reapplies finished records for one tool.
type Undoer interface {
	Undo(ctx context.Context, rec *Record) error
	Redo(ctx context.Context, rec *Record) error
}

// UndoService keeps the undoable and redoable stacks. Undoing moves an
// action to the redo stack; redoing moves it back. A new tracked action
// clears the redo stack, so redo never replays on top of diverged state.
type UndoService struct {
	log *Log

	mu       sync.Mutex
	undoable []string
	redoable []string
	undoers  map[string]Undoer
	locks    map[string]*sync.Mutex
}

func NewUndoService(log *Log) *UndoService {
	return &UndoService{
		log:     log,
		undoers: make(map[string]Undoer),
		locks:   make(map[string]*sync.Mutex),
	}
}

// RegisterUndoer binds the inverse for one tool name.
func (s *UndoService) RegisterUndoer(toolName string, u Undoer) {
	s.mu.Lock()
	s.undoers[toolName] = u
	s.mu.Unlock()
}

// Track admits a finished record to the undo stack. Records that failed or
// declared themselves not undoable are ignored.
func (s *UndoService) Track(rec *Record) {
	if rec == nil || !rec.Undoable || rec.Error != "" {
		return
	}
	s.mu.Lock()
	s.undoable = append(s.undoable, rec.ID)
	s.redoable = s.redoable[:0]
	s.mu.Unlock()
}

// Undoable returns action ids eligible for undo, oldest first (top of the
// stack is last).
func (s *UndoService) Undoable() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.undoable...)
}

// Redoable returns action ids eligible for redo, oldest first.
func (s *UndoService) Redoable() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.redoable...)
}

// UndoAction reverses one action by id. Undoing an already-undone action is
// a no-op; an action that was never undoable is reported as such.
func (s *UndoService) UndoAction(ctx context.Context, id string) error {
	unlock := s.lockAction(id)
	defer unlock()
	return s.move(ctx, id, false)
}

// RedoAction reapplies one undone action by id.
func (s *UndoService) RedoAction(ctx context.Context, id string) error {
	unlock := s.lockAction(id)
	defer unlock()
	return s.move(ctx, id, true)
}

// UndoLastN pops and reverses up to n actions from the top of the undo
// stack, newest first. It stops at the first failure and returns the ids it
// undid.
func (s *UndoService) UndoLastN(ctx context.Context, n int) ([]string, error) {
	var done []string
	for i := 0; i < n; i++ {
		id, ok := s.peek(false)
		if !ok {
			break
		}
		if err := s.UndoAction(ctx, id); err != nil {
			return done, err
		}
		done = append(done, id)
	}
	return done, nil
}

// RedoLastN reapplies up to n actions from the top of the redo stack.
func (s *UndoService) RedoLastN(ctx context.Context, n int) ([]string, error) {
	var done []string
	for i := 0; i < n; i++ {
		id, ok := s.peek(true)
		if !ok {
			break
		}
		if err := s.RedoAction(ctx, id); err != nil {
			return done, err
		}
		done = append(done, id)
	}
	return done, nil
}

// UndoAll drains the undo stack.
func (s *UndoService) UndoAll(ctx context.Context) ([]string, error) {
	var done []string
	for {
		ids, err := s.UndoLastN(ctx, 1)
		done = append(done, ids...)
		if err != nil || len(ids) == 0 {
			return done, err
		}
	}
}

// RedoAll drains the redo stack.
func (s *UndoService) RedoAll(ctx context.Context) ([]string, error) {
	var done []string
	for {
		ids, err := s.RedoLastN(ctx, 1)
		done = append(done, ids...)
		if err != nil || len(ids) == 0 {
			return done, err
		}
	}
}

// move shifts one id between the stacks, applying the tool's inverse (redo
// false) or its replay (redo true). The caller holds the per-action lock.
func (s *UndoService) move(ctx context.Context, id string, redo bool) error {
	from, to := &s.undoable, &s.redoable
	if redo {
		from, to = &s.redoable, &s.undoable
	}

	s.mu.Lock()
	if indexOf(*to, id) >= 0 {
		s.mu.Unlock()
		return nil
	}
	idx := indexOf(*from, id)
	if idx < 0 {
		s.mu.Unlock()
		rec, err := s.log.Get(id)
		if err != nil {
			return err
		}
		return fmt.Errorf("action %s (%s) is not undoable", id, rec.ToolName)
	}
	*from = append((*from)[:idx], (*from)[idx+1:]...)
	s.mu.Unlock()

	err := s.apply(ctx, id, redo)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		*from = append(*from, id)
		return err
	}
	*to = append(*to, id)
	return nil
}

func (s *UndoService) apply(ctx context.Context, id string, redo bool) error {
	rec, err := s.log.Get(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	u := s.undoers[rec.ToolName]
	s.mu.Unlock()
	if u == nil {
		return fmt.Errorf("no undoer registered for tool %s", rec.ToolName)
	}
	if redo {
		if err := u.Redo(ctx, rec); err != nil {
			return fmt.Errorf("redo action %s: %w", id, err)
		}
		return nil
	}
	if err := u.Undo(ctx, rec); err != nil {
		return fmt.Errorf("undo action %s: %w", id, err)
	}
	return nil
}

func (s *UndoService) peek(redo bool) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stack := s.undoable
	if redo {
		stack = s.redoable
	}
	if len(stack) == 0 {
		return "", false
	}
	return stack[len(stack)-1], true
}

func (s *UndoService) lockAction(id string) func() {
	s.mu.Lock()
	m, ok := s.locks[id]
	if !ok {
		m = &sync.Mutex{}
		s.locks[id] = m
	}
	s.mu.Unlock()
	m.Lock()
	return m.Unlock
}

func indexOf(ids []string, id string) int {
	for i, v := range ids {
		if v == id {
			return i
		}
	}
	return -1
}

// FileUndoer restores file snapshots recorded by the file-writing tools.
// Undo writes the before snapshot back (or removes a file that did not
// exist); redo reapplies the after snapshot.
type FileUndoer struct{}

func (FileUndoer) Undo(_ context.Context, rec *Record) error {
	return applyFileSnapshot(rec.Before)
}

func (FileUndoer) Redo(_ context.Context, rec *Record) error {
	return applyFileSnapshot(rec.After)
}

func applyFileSnapshot(s *Snapshot) error {
	if s == nil || s.Path == "" {
		return fmt.Errorf("record carries no file snapshot")
	}
	if !s.Exists {
		err := os.Remove(s.Path)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("remove %s: %w", s.Path, err)
		}
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.Path), 0o755); err != nil {
		return fmt.Errorf("restore %s: %w", s.Path, err)
	}
	if err := os.WriteFile(s.Path, s.Content, 0o644); err != nil {
		return fmt.Errorf("restore %s: %w", s.Path, err)
	}
	return nil
}
