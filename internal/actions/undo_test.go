package actions

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/undoablehq/undoable/pkg/protocol"
)

// kvUndoer applies snapshots to an in-memory map, standing in for the
// memory tool.
type kvUndoer struct {
	mu sync.Mutex
	kv map[string]string
}

func (u *kvUndoer) apply(s *Snapshot) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if !s.Exists {
		delete(u.kv, s.Key)
		return nil
	}
	u.kv[s.Key] = string(s.Content)
	return nil
}

func (u *kvUndoer) Undo(_ context.Context, rec *Record) error { return u.apply(rec.Before) }
func (u *kvUndoer) Redo(_ context.Context, rec *Record) error { return u.apply(rec.After) }

func (u *kvUndoer) get(key string) (string, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	v, ok := u.kv[key]
	return v, ok
}

// recordSet finishes a tracked memory_set record moving key from old to new.
func recordSet(l *Log, svc *UndoService, u *kvUndoer, key, oldVal, newVal string) *Record {
	rec := l.Begin("run-1", "memory_set", map[string]interface{}{"key": key}, protocol.CategoryMutate)
	before := &Snapshot{Key: key, Exists: oldVal != "", Content: []byte(oldVal)}
	after := &Snapshot{Key: key, Exists: true, Content: []byte(newVal)}
	u.apply(after)
	l.Finish(rec, "ok", nil, before, after, true)
	svc.Track(rec)
	return rec
}

func newKVFixture() (*Log, *UndoService, *kvUndoer) {
	l := NewLog()
	svc := NewUndoService(l)
	u := &kvUndoer{kv: make(map[string]string)}
	svc.RegisterUndoer("memory_set", u)
	return l, svc, u
}

func TestUndoRestoresPriorEntry(t *testing.T) {
	l, svc, u := newKVFixture()
	rec := recordSet(l, svc, u, "color", "blue", "green")

	if err := svc.UndoAction(context.Background(), rec.ID); err != nil {
		t.Fatal(err)
	}
	if v, _ := u.get("color"); v != "blue" {
		t.Errorf("after undo color = %q, want blue", v)
	}
	if got := svc.Redoable(); len(got) != 1 || got[0] != rec.ID {
		t.Errorf("redoable = %v", got)
	}
}

func TestUndoRedoRoundTrip(t *testing.T) {
	l, svc, u := newKVFixture()
	rec := recordSet(l, svc, u, "color", "", "green")

	ctx := context.Background()
	if err := svc.UndoAction(ctx, rec.ID); err != nil {
		t.Fatal(err)
	}
	if _, ok := u.get("color"); ok {
		t.Fatal("undo of a fresh set should delete the key")
	}
	if err := svc.RedoAction(ctx, rec.ID); err != nil {
		t.Fatal(err)
	}
	if v, _ := u.get("color"); v != "green" {
		t.Errorf("after redo color = %q, want green", v)
	}
	if got := svc.Undoable(); len(got) != 1 || got[0] != rec.ID {
		t.Errorf("undoable after round trip = %v", got)
	}
}

func TestDoubleUndoIsNoOp(t *testing.T) {
	l, svc, u := newKVFixture()
	rec := recordSet(l, svc, u, "k", "old", "new")

	ctx := context.Background()
	if err := svc.UndoAction(ctx, rec.ID); err != nil {
		t.Fatal(err)
	}
	if err := svc.UndoAction(ctx, rec.ID); err != nil {
		t.Fatalf("double undo errored: %v", err)
	}
	if v, _ := u.get("k"); v != "old" {
		t.Errorf("double undo changed state again: %q", v)
	}
}

func TestUndoLastNPopsNewestFirst(t *testing.T) {
	l, svc, u := newKVFixture()
	r1 := recordSet(l, svc, u, "k", "", "v1")
	r2 := recordSet(l, svc, u, "k", "v1", "v2")
	r3 := recordSet(l, svc, u, "k", "v2", "v3")

	done, err := svc.UndoLastN(context.Background(), 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(done) != 2 || done[0] != r3.ID || done[1] != r2.ID {
		t.Errorf("undo order = %v, want [%s %s]", done, r3.ID, r2.ID)
	}
	if v, _ := u.get("k"); v != "v1" {
		t.Errorf("k = %q, want v1", v)
	}
	if got := svc.Undoable(); len(got) != 1 || got[0] != r1.ID {
		t.Errorf("undoable = %v", got)
	}
}

func TestUndoAllThenRedoAll(t *testing.T) {
	l, svc, u := newKVFixture()
	recordSet(l, svc, u, "a", "", "1")
	recordSet(l, svc, u, "b", "", "2")
	recordSet(l, svc, u, "c", "", "3")

	ctx := context.Background()
	done, err := svc.UndoAll(ctx)
	if err != nil || len(done) != 3 {
		t.Fatalf("UndoAll = (%v, %v)", done, err)
	}
	for _, key := range []string{"a", "b", "c"} {
		if _, ok := u.get(key); ok {
			t.Errorf("key %s survived UndoAll", key)
		}
	}

	done, err = svc.RedoAll(ctx)
	if err != nil || len(done) != 3 {
		t.Fatalf("RedoAll = (%v, %v)", done, err)
	}
	if v, _ := u.get("c"); v != "3" {
		t.Errorf("c = %q after RedoAll", v)
	}
}

func TestNewActionClearsRedoStack(t *testing.T) {
	l, svc, u := newKVFixture()
	r1 := recordSet(l, svc, u, "k", "", "v1")
	if err := svc.UndoAction(context.Background(), r1.ID); err != nil {
		t.Fatal(err)
	}
	if len(svc.Redoable()) != 1 {
		t.Fatal("expected one redoable action")
	}

	recordSet(l, svc, u, "k", "", "v2")
	if len(svc.Redoable()) != 0 {
		t.Error("new tracked action did not clear the redo stack")
	}
}

func TestNotUndoableReported(t *testing.T) {
	l, svc, _ := newKVFixture()
	rec := l.Begin("run-1", "message", nil, protocol.CategoryMutate)
	l.Finish(rec, "sent", nil, nil, nil, false)
	svc.Track(rec)

	err := svc.UndoAction(context.Background(), rec.ID)
	if err == nil || !strings.Contains(err.Error(), "not undoable") {
		t.Errorf("err = %v, want a not-undoable report", err)
	}
}

func TestFailedUndoRestoresStack(t *testing.T) {
	l := NewLog()
	svc := NewUndoService(l)
	rec := l.Begin("run-1", "memory_set", nil, protocol.CategoryMutate)
	l.Finish(rec, nil, nil, &Snapshot{Key: "k"}, &Snapshot{Key: "k", Exists: true}, true)
	svc.Track(rec)

	// No undoer registered: the undo fails and the action stays undoable.
	if err := svc.UndoAction(context.Background(), rec.ID); err == nil {
		t.Fatal("undo without a registered undoer should fail")
	}
	if got := svc.Undoable(); len(got) != 1 || got[0] != rec.ID {
		t.Errorf("undoable after failed undo = %v", got)
	}
	if len(svc.Redoable()) != 0 {
		t.Error("failed undo leaked into the redo stack")
	}
}

func TestFileUndoerRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "notes", "a.txt")

	l := NewLog()
	svc := NewUndoService(l)
	svc.RegisterUndoer("write_file", FileUndoer{})

	after := []byte("new content\nline 2\x00binary ok")
	rec := l.Begin("run-1", "write_file", map[string]interface{}{"path": path}, protocol.CategoryMutate)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, after, 0o644); err != nil {
		t.Fatal(err)
	}
	l.Finish(rec, "ok", nil,
		&Snapshot{Path: path, Exists: false},
		&Snapshot{Path: path, Exists: true, Content: after},
		true)
	svc.Track(rec)

	ctx := context.Background()
	if err := svc.UndoAction(ctx, rec.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("undo of a file creation should remove the file")
	}

	if err := svc.RedoAction(ctx, rec.ID); err != nil {
		t.Fatal(err)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, after) {
		t.Error("redo did not restore the file byte for byte")
	}
}

func TestConcurrentUndoSameAction(t *testing.T) {
	l, svc, u := newKVFixture()
	rec := recordSet(l, svc, u, "k", "old", "new")

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = svc.UndoAction(context.Background(), rec.ID)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("goroutine %d: %v", i, err)
		}
	}
	if v, _ := u.get("k"); v != "old" {
		t.Errorf("k = %q, want old", v)
	}
	if len(svc.Redoable()) != 1 {
		t.Errorf("redoable = %v, want exactly one entry", svc.Redoable())
	}
}
