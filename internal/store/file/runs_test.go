package file

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/undoablehq/undoable/internal/bus"
	"github.com/undoablehq/undoable/internal/store"
)

func openTestStore(t *testing.T) (*RunStore, string) {
	t.Helper()
	dir := t.TempDir()
	s, err := NewRunStore(dir)
	if err != nil {
		t.Fatalf("NewRunStore: %v", err)
	}
	return s, dir
}

func testRun(id string) *store.Run {
	now := time.Now().UTC().Truncate(time.Second)
	return &store.Run{
		ID:          id,
		Instruction: "list the workspace",
		AgentID:     "default",
		UserID:      "u1",
		Status:      "created",
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func event(runID string, seq int64, typ string) bus.Event {
	return bus.Event{
		RunID:   runID,
		Seq:     seq,
		Type:    typ,
		TS:      time.Now().UTC(),
		Payload: map[string]interface{}{"seq": seq},
	}
}

func TestSaveAndLoadRun(t *testing.T) {
	s, _ := openTestStore(t)
	run := testRun("r1")
	if err := s.SaveRun(run); err != nil {
		t.Fatalf("SaveRun: %v", err)
	}

	got, events, err := s.LoadRun("r1")
	if err != nil {
		t.Fatalf("LoadRun: %v", err)
	}
	if got.ID != "r1" || got.Instruction != run.Instruction || got.Status != "created" {
		t.Errorf("loaded run = %+v", got)
	}
	if len(events) != 0 {
		t.Errorf("fresh run has %d events, want 0", len(events))
	}
}

func TestLoadRunNotFound(t *testing.T) {
	s, _ := openTestStore(t)
	if _, _, err := s.LoadRun("missing"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("LoadRun(missing) = %v, want ErrNotFound", err)
	}
}

func TestHeaderRewritePreservesEvents(t *testing.T) {
	s, _ := openTestStore(t)
	run := testRun("r1")
	if err := s.SaveRun(run); err != nil {
		t.Fatalf("SaveRun: %v", err)
	}
	for seq := int64(1); seq <= 3; seq++ {
		if err := s.AppendEvent("r1", event("r1", seq, "STATUS_CHANGED")); err != nil {
			t.Fatalf("AppendEvent %d: %v", seq, err)
		}
	}

	// Status updates rewrite the header line in place.
	run.Status = "completed"
	if err := s.SaveRun(run); err != nil {
		t.Fatalf("SaveRun update: %v", err)
	}

	got, events, err := s.LoadRun("r1")
	if err != nil {
		t.Fatalf("LoadRun: %v", err)
	}
	if got.Status != "completed" {
		t.Errorf("status after rewrite = %q, want completed", got.Status)
	}
	if len(events) != 3 {
		t.Fatalf("events after rewrite = %d, want 3", len(events))
	}
	for i, ev := range events {
		if ev.Seq != int64(i+1) {
			t.Errorf("event %d seq = %d, want %d", i, ev.Seq, i+1)
		}
	}
}

func TestEventsAfterSeq(t *testing.T) {
	s, _ := openTestStore(t)
	if err := s.SaveRun(testRun("r1")); err != nil {
		t.Fatalf("SaveRun: %v", err)
	}
	for seq := int64(1); seq <= 5; seq++ {
		if err := s.AppendEvent("r1", event("r1", seq, "ASSISTANT_MESSAGE")); err != nil {
			t.Fatalf("AppendEvent: %v", err)
		}
	}

	events, err := s.Events("r1", 3)
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("Events(after=3) = %d events, want 2", len(events))
	}
	if events[0].Seq != 4 || events[1].Seq != 5 {
		t.Errorf("Events(after=3) seqs = %d,%d", events[0].Seq, events[1].Seq)
	}

	all, err := s.Events("r1", 0)
	if err != nil {
		t.Fatalf("Events(0): %v", err)
	}
	if len(all) != 5 {
		t.Errorf("Events(after=0) = %d events, want 5", len(all))
	}
}

func TestCorruptEventLineIsDropped(t *testing.T) {
	s, dir := openTestStore(t)
	if err := s.SaveRun(testRun("r1")); err != nil {
		t.Fatalf("SaveRun: %v", err)
	}
	if err := s.AppendEvent("r1", event("r1", 1, "STATUS_CHANGED")); err != nil {
		t.Fatalf("AppendEvent: %v", err)
	}

	// Simulate a torn append after a crash.
	f, err := os.OpenFile(filepath.Join(dir, "r1.jsonl"), os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := f.WriteString(`{"runId":"r1","seq":2,"ty`); err != nil {
		t.Fatalf("write torn line: %v", err)
	}
	f.Close()

	_, events, err := s.LoadRun("r1")
	if err != nil {
		t.Fatalf("LoadRun with torn tail: %v", err)
	}
	if len(events) != 1 || events[0].Seq != 1 {
		t.Errorf("events after torn tail = %+v, want the one intact event", events)
	}
}

func TestLoadAllSkipsForeignFiles(t *testing.T) {
	s, dir := openTestStore(t)
	if err := s.SaveRun(testRun("r1")); err != nil {
		t.Fatalf("SaveRun: %v", err)
	}
	if err := s.SaveRun(testRun("r2")); err != nil {
		t.Fatalf("SaveRun: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0644); err != nil {
		t.Fatalf("write foreign file: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "broken.jsonl"), []byte("not json\n"), 0644); err != nil {
		t.Fatalf("write broken file: %v", err)
	}

	runs, err := s.LoadAll()
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(runs) != 2 {
		t.Errorf("LoadAll = %d runs, want 2", len(runs))
	}
}

func TestDelete(t *testing.T) {
	s, _ := openTestStore(t)
	if err := s.SaveRun(testRun("r1")); err != nil {
		t.Fatalf("SaveRun: %v", err)
	}
	if err := s.Delete("r1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, _, err := s.LoadRun("r1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("LoadRun after delete = %v, want ErrNotFound", err)
	}
	if err := s.Delete("r1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Delete(missing) = %v, want ErrNotFound", err)
	}
}

func TestPathTraversalIsNeutralized(t *testing.T) {
	s, dir := openTestStore(t)
	run := testRun("../escape")
	if err := s.SaveRun(run); err != nil {
		t.Fatalf("SaveRun: %v", err)
	}
	// The separator is replaced, so the file stays inside the runs dir.
	if _, err := os.Stat(filepath.Join(dir, ".._escape.jsonl")); err != nil {
		t.Errorf("sanitized file missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(dir), "escape.jsonl")); !os.IsNotExist(err) {
		t.Error("run file escaped the runs dir")
	}
}
