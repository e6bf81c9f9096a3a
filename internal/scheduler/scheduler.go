package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/google/uuid"
)

const (
	// maxTickInterval bounds every sleep so config drift or clock jumps
	// reconcile within a minute.
	maxTickInterval = 60 * time.Second

	// backoffBaseMs is the first retry delay after a failed fire.
	backoffBaseMs = 60_000

	// maxBackoff caps the exponential error backoff.
	maxBackoff = 6 * time.Hour

	// historyCap bounds the in-memory fire history.
	historyCap = 200
)

// FireFunc executes one due job and reports the outcome. It runs on its own
// worker goroutine; blocking is fine.
type FireFunc func(ctx context.Context, job *Job) Outcome

// Scheduler owns the tick loop over a job store. At most one firing per job
// is in flight; distinct jobs fire in parallel.
type Scheduler struct {
	store *Store
	fire  FireFunc
	now   func() time.Time

	backoffBaseMs int64
	backoffMaxMs  int64

	wake chan struct{}

	mu      sync.Mutex
	history []Event
	onEvent func(Event)

	wg sync.WaitGroup
}

// New builds a scheduler over the given store. Recovery runs here: stale
// running markers are cleared and overdue schedules are repaired so the
// first tick behaves as the restart contract requires.
func New(store *Store, fire FireFunc) *Scheduler {
	s := &Scheduler{
		store:         store,
		fire:          fire,
		now:           time.Now,
		backoffBaseMs: backoffBaseMs,
		backoffMaxMs:  maxBackoff.Milliseconds(),
		wake:          make(chan struct{}, 1),
	}
	s.recover()
	return s
}

// SetBackoff overrides the error backoff schedule. Non-positive values keep
// the defaults.
func (s *Scheduler) SetBackoff(baseMs, maxMs int64) {
	if baseMs > 0 {
		s.backoffBaseMs = baseMs
	}
	if maxMs > 0 {
		s.backoffMaxMs = maxMs
	}
}

// OnEvent registers a callback invoked after every fire, in addition to the
// bounded in-memory history.
func (s *Scheduler) OnEvent(fn func(Event)) {
	s.mu.Lock()
	s.onEvent = fn
	s.mu.Unlock()
}

// History returns the recorded fires, oldest first.
func (s *Scheduler) History() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.history...)
}

// recover reloads state after a restart: clear stale running markers so
// jobs are eligible again, keep overdue `at` deadlines (they fire once on
// the first tick), and push overdue `every`/`cron` deadlines forward so
// missed fires are never replayed.
func (s *Scheduler) recover() {
	now := s.now()
	nowMs := now.UnixMilli()
	for _, j := range s.store.List() {
		id := j.ID
		err := s.store.Update(id, func(j *Job) error {
			j.State.RunningAtMs = nil
			if !j.Enabled || j.State.NextRunAtMs == 0 || j.State.NextRunAtMs > nowMs {
				return nil
			}
			if j.Schedule.Kind != KindAt {
				j.State.NextRunAtMs = s.nextDeadline(j, now)
			}
			return nil
		})
		if err != nil {
			slog.Warn("scheduler recovery failed for job", "jobId", id, "error", err)
		}
	}
}

// Run is the tick loop. It returns when ctx is cancelled, after waiting for
// in-flight workers.
func (s *Scheduler) Run(ctx context.Context) {
	slog.Info("scheduler started", "jobs", len(s.store.List()))
	for {
		sleep := s.sleepUntilNext()
		select {
		case <-ctx.Done():
			s.wg.Wait()
			slog.Info("scheduler stopped")
			return
		case <-s.wake:
		case <-time.After(sleep):
		}
		s.fireDue(ctx)
	}
}

// Wake nudges the loop to recompute deadlines, after job CRUD.
func (s *Scheduler) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) sleepUntilNext() time.Duration {
	now := s.now()
	sleep := maxTickInterval
	for _, j := range s.store.List() {
		if !j.Enabled || j.State.NextRunAtMs == 0 || j.State.RunningAtMs != nil {
			continue
		}
		until := time.UnixMilli(j.State.NextRunAtMs).Sub(now)
		if until < sleep {
			sleep = until
		}
	}
	if sleep < 0 {
		return 0
	}
	return sleep
}

// fireDue starts a worker for every enabled job whose deadline has passed
// and that is not already running, earliest deadline first, ties by id.
func (s *Scheduler) fireDue(ctx context.Context) {
	now := s.now()
	nowMs := now.UnixMilli()

	var due []*Job
	for _, j := range s.store.List() {
		if j.Enabled && j.State.NextRunAtMs != 0 && j.State.NextRunAtMs <= nowMs && j.State.RunningAtMs == nil {
			due = append(due, j)
		}
	}
	sort.Slice(due, func(a, b int) bool {
		if due[a].State.NextRunAtMs != due[b].State.NextRunAtMs {
			return due[a].State.NextRunAtMs < due[b].State.NextRunAtMs
		}
		return due[a].ID < due[b].ID
	})

	for _, j := range due {
		s.launch(ctx, j.ID)
	}
}

// launch marks the job running and fires it on a worker. The running marker
// is what serializes fires per job.
func (s *Scheduler) launch(ctx context.Context, id string) {
	startMs := s.now().UnixMilli()
	var snapshot *Job
	err := s.store.Update(id, func(j *Job) error {
		if j.State.RunningAtMs != nil {
			return fmt.Errorf("already running")
		}
		j.State.RunningAtMs = &startMs
		j.State.LastRunAtMs = startMs
		snapshot = j.clone()
		return nil
	})
	if err != nil {
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		outcome := s.safeFire(ctx, snapshot)
		s.finish(snapshot, startMs, outcome)
	}()
}

func (s *Scheduler) safeFire(ctx context.Context, job *Job) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("job fire panicked", "jobId", job.ID, "panic", r)
			out = Outcome{Status: StatusError, Err: fmt.Errorf("fire panicked: %v", r)}
		}
	}()
	return s.fire(ctx, job)
}

// finish applies the outcome to the stored job and records the fire.
func (s *Scheduler) finish(job *Job, startMs int64, outcome Outcome) {
	now := s.now()
	nowMs := now.UnixMilli()

	ev := Event{
		JobID:      job.ID,
		JobName:    job.Name,
		Status:     outcome.Status,
		RunID:      outcome.RunID,
		FiredAtMs:  startMs,
		DurationMs: nowMs - startMs,
	}
	if outcome.Err != nil {
		ev.Error = outcome.Err.Error()
		if ev.Status == "" {
			ev.Status = StatusError
		}
	}

	deleteJob := false
	err := s.store.Update(job.ID, func(j *Job) error {
		j.State.RunningAtMs = nil
		j.State.LastFinishedAtMs = nowMs
		j.State.LastDurationMs = nowMs - startMs
		j.State.LastRunID = outcome.RunID
		j.UpdatedAtMs = nowMs

		switch outcome.Status {
		case StatusOK:
			j.State.LastStatus = StatusOK
			j.State.LastError = ""
			j.State.ConsecutiveErrors = 0
			if j.DeleteAfterRun {
				deleteJob = true
				return nil
			}
			s.advance(j, now)
		case StatusSkipped:
			j.State.LastStatus = StatusSkipped
			s.advance(j, now)
		default:
			j.State.LastStatus = StatusError
			if outcome.Err != nil {
				j.State.LastError = outcome.Err.Error()
			}
			j.State.ConsecutiveErrors++
			j.State.NextRunAtMs = nowMs + s.backoffMs(j.State.ConsecutiveErrors)
		}
		return nil
	})
	if err != nil {
		slog.Warn("job finish bookkeeping failed", "jobId", job.ID, "error", err)
	}
	if deleteJob {
		if err := s.store.Delete(job.ID); err != nil {
			slog.Warn("delete-after-run failed", "jobId", job.ID, "error", err)
		}
	}

	s.record(ev)
	s.Wake()
}

// advance computes the next deadline after a successful or skipped fire.
// `at` jobs fire at most once: without deleteAfterRun they are disabled.
func (s *Scheduler) advance(j *Job, now time.Time) {
	if j.Schedule.Kind == KindAt {
		j.Enabled = false
		j.State.NextRunAtMs = 0
		return
	}
	j.State.NextRunAtMs = s.nextDeadline(j, now)
}

// nextDeadline computes when the job should fire next, given wall time now.
func (s *Scheduler) nextDeadline(j *Job, now time.Time) int64 {
	switch j.Schedule.Kind {
	case KindEvery:
		base := now.UnixMilli()
		if j.State.LastFinishedAtMs > base {
			base = j.State.LastFinishedAtMs
		}
		return base + j.Schedule.EveryMs
	case KindAt:
		at, err := time.Parse(time.RFC3339, j.Schedule.At)
		if err != nil {
			return 0
		}
		return at.UnixMilli()
	case KindCron:
		ref := now
		if j.Schedule.TZ != "" {
			if loc, err := time.LoadLocation(j.Schedule.TZ); err == nil {
				ref = now.In(loc)
			}
		}
		next, err := gronx.NextTickAfter(j.Schedule.Expr, ref, false)
		if err != nil {
			slog.Warn("cron next computation failed", "jobId", j.ID, "expr", j.Schedule.Expr, "error", err)
			return 0
		}
		return next.UnixMilli()
	}
	return 0
}

// backoffMs doubles per consecutive error with additive jitter up to 20%,
// capped at the configured maximum.
func (s *Scheduler) backoffMs(consecutive int) int64 {
	n := consecutive - 1
	if n > 10 {
		n = 10
	}
	delay := s.backoffBaseMs << n
	if delay > s.backoffMaxMs {
		delay = s.backoffMaxMs
	}
	return delay + rand.Int64N(delay/5+1)
}

func (s *Scheduler) record(ev Event) {
	s.mu.Lock()
	s.history = append(s.history, ev)
	if len(s.history) > historyCap {
		s.history = s.history[len(s.history)-historyCap:]
	}
	fn := s.onEvent
	s.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
}

// CreateJob validates, assigns id and first deadline, persists and wakes
// the loop.
func (s *Scheduler) CreateJob(j *Job) (*Job, error) {
	if err := j.Validate(); err != nil {
		return nil, err
	}
	now := s.now()
	j.ID = uuid.NewString()
	j.CreatedAtMs = now.UnixMilli()
	j.UpdatedAtMs = j.CreatedAtMs
	j.State = JobState{}
	if j.Enabled {
		j.State.NextRunAtMs = s.firstDeadline(j, now)
	}
	if err := s.store.Put(j); err != nil {
		return nil, err
	}
	s.Wake()
	return j.clone(), nil
}

// firstDeadline differs from nextDeadline only for `every`, whose first
// fire is one interval from creation.
func (s *Scheduler) firstDeadline(j *Job, now time.Time) int64 {
	if j.Schedule.Kind == KindEvery {
		return now.UnixMilli() + j.Schedule.EveryMs
	}
	return s.nextDeadline(j, now)
}

// UpdateJob replaces the mutable fields and recomputes the deadline when
// the schedule or enabled flag changed.
func (s *Scheduler) UpdateJob(id string, apply func(*Job) error) (*Job, error) {
	now := s.now()
	err := s.store.Update(id, func(j *Job) error {
		prevSchedule := j.Schedule
		prevEnabled := j.Enabled
		if err := apply(j); err != nil {
			return err
		}
		if err := j.Validate(); err != nil {
			return err
		}
		j.UpdatedAtMs = now.UnixMilli()
		if j.Schedule != prevSchedule || j.Enabled != prevEnabled {
			if j.Enabled {
				j.State.NextRunAtMs = s.firstDeadline(j, now)
				j.State.ConsecutiveErrors = 0
			} else {
				j.State.NextRunAtMs = 0
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.Wake()
	return s.store.Get(id), nil
}

// DeleteJob removes the job. In-flight fires complete; their bookkeeping
// writes fail silently afterwards.
func (s *Scheduler) DeleteJob(id string) error {
	if s.store.Get(id) == nil {
		return fmt.Errorf("job %s not found", id)
	}
	if err := s.store.Delete(id); err != nil {
		return err
	}
	s.Wake()
	return nil
}

// GetJob returns a copy, or nil when absent.
func (s *Scheduler) GetJob(id string) *Job { return s.store.Get(id) }

// ListJobs returns copies of all jobs, oldest first.
func (s *Scheduler) ListJobs() []*Job { return s.store.List() }

// RunJobNow fires the job immediately, bypassing its deadline but still
// honoring per-job serialization.
func (s *Scheduler) RunJobNow(ctx context.Context, id string) error {
	j := s.store.Get(id)
	if j == nil {
		return fmt.Errorf("job %s not found", id)
	}
	if j.State.RunningAtMs != nil {
		return fmt.Errorf("job %s is already running", id)
	}
	s.launch(ctx, id)
	return nil
}
