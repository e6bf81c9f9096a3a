package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func newTestScheduler(t *testing.T, fire FireFunc) (*Scheduler, *Store) {
	t.Helper()
	store, err := OpenStore(filepath.Join(t.TempDir(), "scheduler-jobs.json"))
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	return New(store, fire), store
}

func everyJob(ms int64) *Job {
	return &Job{
		Name:     "tick",
		Enabled:  true,
		Schedule: Schedule{Kind: KindEvery, EveryMs: ms},
		Payload:  Payload{Kind: PayloadRun, Instruction: "noop"},
	}
}

func TestJobValidate(t *testing.T) {
	tests := []struct {
		name    string
		job     Job
		wantErr bool
	}{
		{"valid every", Job{Name: "a", Schedule: Schedule{Kind: KindEvery, EveryMs: 1000}, Payload: Payload{Kind: PayloadRun, Instruction: "x"}}, false},
		{"valid at", Job{Name: "a", Schedule: Schedule{Kind: KindAt, At: "2026-09-01T10:00:00Z"}, Payload: Payload{Kind: PayloadEvent, Text: "hi"}}, false},
		{"valid cron", Job{Name: "a", Schedule: Schedule{Kind: KindCron, Expr: "*/5 * * * *"}, Payload: Payload{Kind: PayloadRun, Instruction: "x"}}, false},
		{"missing name", Job{Schedule: Schedule{Kind: KindEvery, EveryMs: 1000}, Payload: Payload{Kind: PayloadRun, Instruction: "x"}}, true},
		{"zero interval", Job{Name: "a", Schedule: Schedule{Kind: KindEvery}, Payload: Payload{Kind: PayloadRun, Instruction: "x"}}, true},
		{"bad timestamp", Job{Name: "a", Schedule: Schedule{Kind: KindAt, At: "tomorrow"}, Payload: Payload{Kind: PayloadRun, Instruction: "x"}}, true},
		{"bad cron", Job{Name: "a", Schedule: Schedule{Kind: KindCron, Expr: "not cron"}, Payload: Payload{Kind: PayloadRun, Instruction: "x"}}, true},
		{"bad tz", Job{Name: "a", Schedule: Schedule{Kind: KindCron, Expr: "* * * * *", TZ: "Mars/Olympus"}, Payload: Payload{Kind: PayloadRun, Instruction: "x"}}, true},
		{"unknown kind", Job{Name: "a", Schedule: Schedule{Kind: "hourly"}, Payload: Payload{Kind: PayloadRun, Instruction: "x"}}, true},
		{"run without instruction", Job{Name: "a", Schedule: Schedule{Kind: KindEvery, EveryMs: 1}, Payload: Payload{Kind: PayloadRun}}, true},
		{"event without text", Job{Name: "a", Schedule: Schedule{Kind: KindEvery, EveryMs: 1}, Payload: Payload{Kind: PayloadEvent}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.job.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestCreateJobAssignsFirstDeadline(t *testing.T) {
	s, _ := newTestScheduler(t, func(context.Context, *Job) Outcome { return Outcome{Status: StatusOK} })

	before := time.Now().UnixMilli()
	j, err := s.CreateJob(everyJob(5000))
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if j.ID == "" {
		t.Fatal("job id not assigned")
	}
	got := j.State.NextRunAtMs
	if got < before+5000 || got > time.Now().UnixMilli()+5000 {
		t.Errorf("first deadline = %d, want about now+5000", got)
	}

	// A disabled job gets no deadline.
	dis := everyJob(5000)
	dis.Enabled = false
	j2, err := s.CreateJob(dis)
	if err != nil {
		t.Fatalf("CreateJob disabled: %v", err)
	}
	if j2.State.NextRunAtMs != 0 {
		t.Errorf("disabled job deadline = %d, want 0", j2.State.NextRunAtMs)
	}
}

func TestFireDueRunsDueJobsOnly(t *testing.T) {
	var mu sync.Mutex
	fired := map[string]int{}
	s, store := newTestScheduler(t, func(_ context.Context, j *Job) Outcome {
		mu.Lock()
		fired[j.Name]++
		mu.Unlock()
		return Outcome{Status: StatusOK, RunID: "run-1"}
	})

	due, err := s.CreateJob(everyJob(5000))
	if err != nil {
		t.Fatal(err)
	}
	future := everyJob(5000)
	future.Name = "later"
	if _, err := s.CreateJob(future); err != nil {
		t.Fatal(err)
	}

	// Pull the first job's deadline into the past; leave the second alone.
	if err := store.Update(due.ID, func(j *Job) error {
		j.State.NextRunAtMs = time.Now().UnixMilli() - 10
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	s.fireDue(context.Background())
	waitFor(t, func() bool {
		j := store.Get(due.ID)
		return j != nil && j.State.RunningAtMs == nil && j.State.LastStatus == StatusOK
	})

	mu.Lock()
	defer mu.Unlock()
	if fired["tick"] != 1 {
		t.Errorf("due job fired %d times, want 1", fired["tick"])
	}
	if fired["later"] != 0 {
		t.Errorf("future job fired %d times, want 0", fired["later"])
	}

	j := store.Get(due.ID)
	if j.State.LastRunID != "run-1" {
		t.Errorf("lastRunId = %q, want run-1", j.State.LastRunID)
	}
	if j.State.NextRunAtMs <= time.Now().UnixMilli() {
		t.Error("next deadline not advanced after ok fire")
	}
}

func TestRunningJobIsNotRefired(t *testing.T) {
	block := make(chan struct{})
	var calls atomic.Int32
	s, store := newTestScheduler(t, func(context.Context, *Job) Outcome {
		calls.Add(1)
		<-block
		return Outcome{Status: StatusOK}
	})

	j, err := s.CreateJob(everyJob(1))
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Update(j.ID, func(j *Job) error {
		j.State.NextRunAtMs = time.Now().UnixMilli() - 10
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	s.fireDue(ctx)
	waitFor(t, func() bool { return calls.Load() == 1 })

	// Second sweep while the first fire is still in flight.
	s.fireDue(ctx)
	time.Sleep(30 * time.Millisecond)
	if got := calls.Load(); got != 1 {
		t.Errorf("in-flight job fired again: calls = %d", got)
	}

	close(block)
	waitFor(t, func() bool {
		got := store.Get(j.ID)
		return got != nil && got.State.RunningAtMs == nil
	})
}

func TestDeleteAfterRunRemovesJob(t *testing.T) {
	s, store := newTestScheduler(t, func(context.Context, *Job) Outcome {
		return Outcome{Status: StatusOK}
	})

	j := everyJob(1000)
	j.DeleteAfterRun = true
	created, err := s.CreateJob(j)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Update(created.ID, func(j *Job) error {
		j.State.NextRunAtMs = time.Now().UnixMilli() - 1
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	s.fireDue(context.Background())
	waitFor(t, func() bool { return store.Get(created.ID) == nil })

	hist := s.History()
	if len(hist) != 1 || hist[0].Status != StatusOK {
		t.Errorf("history = %+v, want one ok fire", hist)
	}
}

func TestErrorBackoffPushesDeadline(t *testing.T) {
	s, store := newTestScheduler(t, func(context.Context, *Job) Outcome {
		return Outcome{Status: StatusError, Err: errors.New("boom")}
	})

	created, err := s.CreateJob(everyJob(10))
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Update(created.ID, func(j *Job) error {
		j.State.NextRunAtMs = time.Now().UnixMilli() - 1
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	s.fireDue(context.Background())
	waitFor(t, func() bool {
		j := store.Get(created.ID)
		return j != nil && j.State.LastStatus == StatusError
	})

	j := store.Get(created.ID)
	if j.State.ConsecutiveErrors != 1 {
		t.Errorf("consecutiveErrors = %d, want 1", j.State.ConsecutiveErrors)
	}
	if j.State.LastError != "boom" {
		t.Errorf("lastError = %q, want boom", j.State.LastError)
	}
	// First failure delays at least one base interval, far beyond everyMs.
	minNext := time.Now().UnixMilli() + backoffBaseMs - 1000
	if j.State.NextRunAtMs < minNext {
		t.Errorf("backoff deadline = %d, want >= %d", j.State.NextRunAtMs, minNext)
	}
}

func TestBackoffGrowthAndCap(t *testing.T) {
	s, _ := newTestScheduler(t, func(context.Context, *Job) Outcome { return Outcome{Status: StatusOK} })

	one := s.backoffMs(1)
	if one < backoffBaseMs || one > backoffBaseMs*6/5 {
		t.Errorf("backoff(1) = %d, want within [base, base+20%%]", one)
	}
	four := s.backoffMs(4)
	if four < backoffBaseMs*8 {
		t.Errorf("backoff(4) = %d, want >= 8x base", four)
	}
	// Far past the exponent cap the delay still respects the hard limit.
	huge := s.backoffMs(50)
	if limit := maxBackoff.Milliseconds() * 6 / 5; huge > limit {
		t.Errorf("backoff(50) = %d, want <= %d", huge, limit)
	}
}

func TestAtJobFiresOnceThenDisables(t *testing.T) {
	var calls atomic.Int32
	s, store := newTestScheduler(t, func(context.Context, *Job) Outcome {
		calls.Add(1)
		return Outcome{Status: StatusOK}
	})

	past := time.Now().Add(-time.Minute).UTC().Format(time.RFC3339)
	created, err := s.CreateJob(&Job{
		Name:     "once",
		Enabled:  true,
		Schedule: Schedule{Kind: KindAt, At: past},
		Payload:  Payload{Kind: PayloadEvent, Text: "ping"},
	})
	if err != nil {
		t.Fatal(err)
	}

	s.fireDue(context.Background())
	waitFor(t, func() bool { return calls.Load() == 1 })
	waitFor(t, func() bool {
		j := store.Get(created.ID)
		return j != nil && j.State.RunningAtMs == nil
	})

	j := store.Get(created.ID)
	if j.Enabled {
		t.Error("at job still enabled after firing")
	}
	if j.State.NextRunAtMs != 0 {
		t.Errorf("at job next deadline = %d, want 0", j.State.NextRunAtMs)
	}

	s.fireDue(context.Background())
	time.Sleep(20 * time.Millisecond)
	if calls.Load() != 1 {
		t.Errorf("at job fired %d times, want exactly once", calls.Load())
	}
}

func TestRecoveryClearsStaleRunningAndKeepsOverdueAt(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scheduler-jobs.json")
	store, err := OpenStore(path)
	if err != nil {
		t.Fatal(err)
	}

	nowMs := time.Now().UnixMilli()
	stale := nowMs - 60_000
	overdue := nowMs - 30_000

	if err := store.Put(&Job{
		ID: "every-1", Name: "every", Enabled: true,
		Schedule: Schedule{Kind: KindEvery, EveryMs: 10_000},
		Payload:  Payload{Kind: PayloadRun, Instruction: "x"},
		State:    JobState{NextRunAtMs: overdue, RunningAtMs: &stale},
	}); err != nil {
		t.Fatal(err)
	}
	if err := store.Put(&Job{
		ID: "at-1", Name: "at", Enabled: true,
		Schedule: Schedule{Kind: KindAt, At: time.UnixMilli(overdue).UTC().Format(time.RFC3339)},
		Payload:  Payload{Kind: PayloadEvent, Text: "hi"},
		State:    JobState{NextRunAtMs: overdue},
	}); err != nil {
		t.Fatal(err)
	}

	// Reopen as a restart would.
	store2, err := OpenStore(path)
	if err != nil {
		t.Fatal(err)
	}
	s := New(store2, func(context.Context, *Job) Outcome { return Outcome{Status: StatusOK} })
	_ = s

	every := store2.Get("every-1")
	if every.State.RunningAtMs != nil {
		t.Error("stale running marker survived recovery")
	}
	if every.State.NextRunAtMs <= nowMs {
		t.Errorf("overdue every deadline not pushed forward: %d", every.State.NextRunAtMs)
	}

	at := store2.Get("at-1")
	if at.State.NextRunAtMs != overdue {
		t.Errorf("overdue at deadline changed: got %d, want %d", at.State.NextRunAtMs, overdue)
	}
}

func TestRunJobNowBypassesDeadline(t *testing.T) {
	var calls atomic.Int32
	s, store := newTestScheduler(t, func(context.Context, *Job) Outcome {
		calls.Add(1)
		return Outcome{Status: StatusOK}
	})

	created, err := s.CreateJob(everyJob(60 * 60 * 1000))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.RunJobNow(context.Background(), created.ID); err != nil {
		t.Fatalf("RunJobNow: %v", err)
	}
	waitFor(t, func() bool { return calls.Load() == 1 })
	waitFor(t, func() bool {
		j := store.Get(created.ID)
		return j != nil && j.State.RunningAtMs == nil && j.State.LastStatus == StatusOK
	})

	if err := s.RunJobNow(context.Background(), "nope"); err == nil {
		t.Error("RunJobNow on unknown id should fail")
	}
}

func TestUpdateJobRecomputesDeadline(t *testing.T) {
	s, _ := newTestScheduler(t, func(context.Context, *Job) Outcome { return Outcome{Status: StatusOK} })

	created, err := s.CreateJob(everyJob(5000))
	if err != nil {
		t.Fatal(err)
	}
	orig := created.State.NextRunAtMs

	updated, err := s.UpdateJob(created.ID, func(j *Job) error {
		j.Schedule.EveryMs = 60_000
		return nil
	})
	if err != nil {
		t.Fatalf("UpdateJob: %v", err)
	}
	if updated.State.NextRunAtMs <= orig {
		t.Errorf("deadline not recomputed: %d -> %d", orig, updated.State.NextRunAtMs)
	}

	disabled, err := s.UpdateJob(created.ID, func(j *Job) error {
		j.Enabled = false
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if disabled.State.NextRunAtMs != 0 {
		t.Errorf("disabled deadline = %d, want 0", disabled.State.NextRunAtMs)
	}

	if _, err := s.UpdateJob(created.ID, func(j *Job) error {
		j.Schedule = Schedule{Kind: "bogus"}
		return nil
	}); err == nil {
		t.Error("UpdateJob accepted an invalid schedule")
	}
}

func TestSchedulerLoopFiresAndStops(t *testing.T) {
	var calls atomic.Int32
	s, store := newTestScheduler(t, func(context.Context, *Job) Outcome {
		calls.Add(1)
		return Outcome{Status: StatusOK}
	})

	created, err := s.CreateJob(everyJob(10))
	if err != nil {
		t.Fatal(err)
	}
	_ = created

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	waitFor(t, func() bool { return calls.Load() >= 2 })
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop on cancel")
	}

	j := store.Get(created.ID)
	if j.State.LastStatus != StatusOK {
		t.Errorf("lastStatus = %q, want ok", j.State.LastStatus)
	}
}

func TestHistoryBoundedAndCallback(t *testing.T) {
	s, _ := newTestScheduler(t, func(context.Context, *Job) Outcome { return Outcome{Status: StatusOK} })

	var got []Event
	var mu sync.Mutex
	s.OnEvent(func(ev Event) {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
	})

	for i := 0; i < historyCap+20; i++ {
		s.record(Event{JobID: "j", Status: StatusOK, FiredAtMs: int64(i)})
	}

	hist := s.History()
	if len(hist) != historyCap {
		t.Errorf("history len = %d, want %d", len(hist), historyCap)
	}
	if hist[0].FiredAtMs != 20 {
		t.Errorf("oldest kept fire = %d, want 20", hist[0].FiredAtMs)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(got) != historyCap+20 {
		t.Errorf("callback saw %d events, want %d", len(got), historyCap+20)
	}
}
