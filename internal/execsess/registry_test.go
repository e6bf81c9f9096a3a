package execsess

import (
	"bytes"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/undoablehq/undoable/pkg/protocol"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := NewRegistry(filepath.Join(t.TempDir(), "exec-sessions.json"))
	if err != nil {
		t.Fatal(err)
	}
	r.killGrace = 100 * time.Millisecond
	return r
}

func TestStripDSR(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "hello\n", "hello\n"},
		{"dsr request", "a\x1b[6nb", "ab"},
		{"dsr private request", "a\x1b[?6nb", "ab"},
		{"cursor reply", "x\x1b[12;40Ry", "xy"},
		{"sgr untouched", "\x1b[31mred\x1b[0m", "\x1b[31mred\x1b[0m"},
		{"mixed", "\x1b[6n\x1b[1mbold\x1b[3;9R", "\x1b[1mbold"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := StripDSR([]byte(tt.in)); string(got) != tt.want {
				t.Errorf("StripDSR(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestCreateSessionIDSortable(t *testing.T) {
	a := CreateSessionID()
	time.Sleep(3 * time.Millisecond)
	b := CreateSessionID()
	if !strings.HasPrefix(a, "exec-") || !strings.HasPrefix(b, "exec-") {
		t.Fatalf("unexpected id format: %s, %s", a, b)
	}
	if a >= b {
		t.Errorf("ids not timestamp-sortable: %s then %s", a, b)
	}
}

func TestAggregatedRingCapAndTail(t *testing.T) {
	r := newTestRegistry(t)
	id := CreateSessionID()
	if _, err := r.Add(id, "fake", "", os.Getpid(), false, nil); err != nil {
		t.Fatal(err)
	}

	chunk := bytes.Repeat([]byte("x"), 8192)
	for written := 0; written <= aggregatedCap+16384; written += len(chunk) {
		r.AppendOutput(id, chunk)
	}
	r.AppendOutput(id, []byte("THE-END"))

	v, err := r.Get(id)
	if err != nil {
		t.Fatal(err)
	}
	if len(v.Aggregated) != aggregatedCap {
		t.Errorf("aggregated len = %d, want hard cap %d", len(v.Aggregated), aggregatedCap)
	}
	if !v.Truncated {
		t.Error("overflow did not set truncated")
	}
	if !strings.HasSuffix(v.Aggregated, "THE-END") {
		t.Error("ring dropped the newest bytes instead of the oldest")
	}
	if len(v.Tail) != tailCap || !strings.HasSuffix(v.Tail, "THE-END") {
		t.Errorf("tail len = %d, want %d ending in THE-END", len(v.Tail), tailCap)
	}
}

func TestStartSessionExitStates(t *testing.T) {
	tests := []struct {
		name       string
		command    string
		wantStatus string
		wantCode   int
	}{
		{"clean exit", "echo out; echo err 1>&2", protocol.ExecExited, 0},
		{"nonzero exit", "exit 3", protocol.ExecExited, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestRegistry(t)
			v, err := r.StartSession(StartParams{Command: tt.command, Cwd: t.TempDir()})
			if err != nil {
				t.Fatal(err)
			}
			final, err := r.WaitForExit(v.ID, 5*time.Second)
			if err != nil {
				t.Fatal(err)
			}
			if final.Status != tt.wantStatus {
				t.Errorf("status = %q, want %q", final.Status, tt.wantStatus)
			}
			if final.ExitCode == nil || *final.ExitCode != tt.wantCode {
				t.Errorf("exitCode = %v, want %d", final.ExitCode, tt.wantCode)
			}
		})
	}
}

func TestStartSessionCapturesBothStreams(t *testing.T) {
	r := newTestRegistry(t)
	v, err := r.StartSession(StartParams{Command: "echo out; echo err 1>&2"})
	if err != nil {
		t.Fatal(err)
	}
	final, err := r.WaitForExit(v.ID, 5*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(final.Aggregated, "out") || !strings.Contains(final.Aggregated, "err") {
		t.Errorf("aggregated = %q, want both streams", final.Aggregated)
	}
}

func TestKillSessionTermThenKill(t *testing.T) {
	t.Run("dies on SIGTERM", func(t *testing.T) {
		r := newTestRegistry(t)
		v, err := r.StartSession(StartParams{Command: "sleep 30"})
		if err != nil {
			t.Fatal(err)
		}
		if err := r.KillSession(v.ID); err != nil {
			t.Fatal(err)
		}
		final, err := r.WaitForExit(v.ID, 5*time.Second)
		if err != nil {
			t.Fatal(err)
		}
		if final.Status != protocol.ExecKilled || final.ExitSignal != "SIGTERM" {
			t.Errorf("final = %s/%s, want killed/SIGTERM", final.Status, final.ExitSignal)
		}
	})

	t.Run("escalates to SIGKILL", func(t *testing.T) {
		r := newTestRegistry(t)
		// The shell ignores TERM and keeps respawning sleep, so only the
		// SIGKILL escalation can end it.
		v, err := r.StartSession(StartParams{Command: `trap '' TERM; while true; do sleep 0.2; done`})
		if err != nil {
			t.Fatal(err)
		}
		time.Sleep(150 * time.Millisecond)
		if err := r.KillSession(v.ID); err != nil {
			t.Fatal(err)
		}
		final, err := r.WaitForExit(v.ID, 5*time.Second)
		if err != nil {
			t.Fatal(err)
		}
		if final.Status != protocol.ExecKilled || final.ExitSignal != "SIGKILL" {
			t.Errorf("final = %s/%s, want killed/SIGKILL", final.Status, final.ExitSignal)
		}
	})
}

func TestWriteStdinReachesProcess(t *testing.T) {
	r := newTestRegistry(t)
	v, err := r.StartSession(StartParams{Command: "cat"})
	if err != nil {
		t.Fatal(err)
	}
	defer r.KillSession(v.ID)

	if _, err := r.WriteStdin(v.ID, []byte("ping\n")); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		got, err := r.Get(v.ID)
		if err != nil {
			t.Fatal(err)
		}
		if strings.Contains(got.Aggregated, "ping") {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("stdin bytes never surfaced in aggregated output")
}

func TestWaitForExitTimeout(t *testing.T) {
	r := newTestRegistry(t)
	id := CreateSessionID()
	if _, err := r.Add(id, "fake", "", os.Getpid(), false, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := r.WaitForExit(id, 20*time.Millisecond); !errors.Is(err, ErrWaitTimeout) {
		t.Errorf("err = %v, want ErrWaitTimeout", err)
	}
}

func TestResizeRejectsNonPty(t *testing.T) {
	r := newTestRegistry(t)
	v, err := r.StartSession(StartParams{Command: "sleep 5"})
	if err != nil {
		t.Fatal(err)
	}
	defer r.KillSession(v.ID)
	if err := r.ResizePty(v.ID, 80, 24); err == nil {
		t.Error("resize of a pipe-backed session should fail")
	}
}

func TestSnapshotRecovery(t *testing.T) {
	// A reaped child gives us a pid that is definitely dead.
	probe := exec.Command("true")
	if err := probe.Run(); err != nil {
		t.Fatal(err)
	}
	deadPID := probe.Process.Pid

	path := filepath.Join(t.TempDir(), "exec-sessions.json")
	r1, err := NewRegistry(path)
	if err != nil {
		t.Fatal(err)
	}
	aliveID := CreateSessionID()
	if _, err := r1.Add(aliveID, "long job", "", os.Getpid(), false, nil); err != nil {
		t.Fatal(err)
	}
	deadID := CreateSessionID()
	if _, err := r1.Add(deadID, "vanished job", "", deadPID, false, nil); err != nil {
		t.Fatal(err)
	}
	r1.Flush()

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if mode := info.Mode().Perm(); mode != 0o600 {
		t.Errorf("snapshot mode = %o, want 0600", mode)
	}

	r2, err := NewRegistry(path)
	if err != nil {
		t.Fatal(err)
	}

	running := r2.ListRunning()
	if len(running) != 1 || running[0].ID != aliveID || !running[0].Recovered {
		t.Errorf("running after recovery = %+v, want only %s recovered", running, aliveID)
	}
	finished := r2.ListFinished()
	if len(finished) != 1 || finished[0].ID != deadID || finished[0].Status != protocol.ExecFailed {
		t.Errorf("finished after recovery = %+v, want %s failed", finished, deadID)
	}

	// Recovered sessions have no process handle.
	if _, err := r2.WriteStdin(aliveID, []byte("x")); !errors.Is(err, ErrNoProcess) {
		t.Errorf("stdin on recovered session err = %v, want ErrNoProcess", err)
	}
}

func TestFinishedTTLSweep(t *testing.T) {
	r := newTestRegistry(t)
	r.finishedTTL = 10 * time.Millisecond

	id := CreateSessionID()
	if _, err := r.Add(id, "fake", "", os.Getpid(), false, nil); err != nil {
		t.Fatal(err)
	}
	r.MarkExited(id, 0, "")
	if len(r.ListFinished()) != 1 {
		t.Fatal("expected one finished session")
	}

	time.Sleep(20 * time.Millisecond)
	r.sweepFinished()
	if got := r.ListFinished(); len(got) != 0 {
		t.Errorf("finished after sweep = %+v, want none", got)
	}
}

func TestMarkBackgrounded(t *testing.T) {
	r := newTestRegistry(t)
	v, err := r.StartSession(StartParams{Command: "sleep 5"})
	if err != nil {
		t.Fatal(err)
	}
	defer r.KillSession(v.ID)

	if err := r.MarkBackgrounded(v.ID); err != nil {
		t.Fatal(err)
	}
	got, _ := r.Get(v.ID)
	if !got.Backgrounded {
		t.Error("backgrounded flag not set")
	}
}

func TestDebouncedSnapshotWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "exec-sessions.json")
	r, err := NewRegistry(path)
	if err != nil {
		t.Fatal(err)
	}
	id := CreateSessionID()
	if _, err := r.Add(id, "fake", "", os.Getpid(), false, nil); err != nil {
		t.Fatal(err)
	}
	r.AppendOutput(id, []byte("burst 1"))
	r.AppendOutput(id, []byte(" burst 2"))

	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Log("snapshot appeared before debounce window; acceptable on slow hosts")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if data, err := os.ReadFile(path); err == nil && strings.Contains(string(data), id) {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("debounced snapshot never landed")
}
