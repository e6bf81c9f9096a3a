// Package scheduler fires jobs from a single JSON-backed job list. One
// goroutine owns the tick loop; every due job runs on its own worker, with
// at most one firing per job in flight.
package scheduler

import (
	"fmt"
	"time"

	"github.com/adhocore/gronx"
)

// Schedule kinds.
const (
	KindEvery = "every"
	KindAt    = "at"
	KindCron  = "cron"
)

// Payload kinds.
const (
	PayloadRun   = "run"
	PayloadEvent = "event"
)

// Fire outcomes.
const (
	StatusOK      = "ok"
	StatusError   = "error"
	StatusSkipped = "skipped"
)

// Schedule is the tagged union deciding when a job fires. Exactly one of
// the kind-specific fields is meaningful.
type Schedule struct {
	Kind    string `json:"kind"`
	EveryMs int64  `json:"everyMs,omitempty"`
	At      string `json:"at,omitempty"`
	Expr    string `json:"expr,omitempty"`
	TZ      string `json:"tz,omitempty"`
}

// Payload is what a fire does: start an agent run or emit a plain event.
type Payload struct {
	Kind        string `json:"kind"`
	Instruction string `json:"instruction,omitempty"`
	AgentID     string `json:"agentId,omitempty"`
	Text        string `json:"text,omitempty"`
}

// JobState is the mutable bookkeeping updated after every fire.
type JobState struct {
	LastStatus        string `json:"lastStatus,omitempty"`
	LastError         string `json:"lastError,omitempty"`
	LastRunAtMs       int64  `json:"lastRunAtMs,omitempty"`
	LastFinishedAtMs  int64  `json:"lastFinishedAtMs,omitempty"`
	LastDurationMs    int64  `json:"lastDurationMs,omitempty"`
	LastRunID         string `json:"lastRunId,omitempty"`
	NextRunAtMs       int64  `json:"nextRunAtMs,omitempty"`
	RunningAtMs       *int64 `json:"runningAtMs,omitempty"`
	ConsecutiveErrors int    `json:"consecutiveErrors,omitempty"`
}

// Job is one scheduled task, persisted in scheduler-jobs.json.
type Job struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Description    string   `json:"description,omitempty"`
	Enabled        bool     `json:"enabled"`
	Schedule       Schedule `json:"schedule"`
	Payload        Payload  `json:"payload"`
	DeleteAfterRun bool     `json:"deleteAfterRun,omitempty"`
	State          JobState `json:"state"`
	CreatedAtMs    int64    `json:"createdAtMs"`
	UpdatedAtMs    int64    `json:"updatedAtMs"`
}

func (j *Job) clone() *Job {
	c := *j
	if j.State.RunningAtMs != nil {
		v := *j.State.RunningAtMs
		c.State.RunningAtMs = &v
	}
	return &c
}

// Validate rejects malformed schedules and payloads before they enter the
// job file.
func (j *Job) Validate() error {
	if j.Name == "" {
		return fmt.Errorf("job name is required")
	}
	switch j.Schedule.Kind {
	case KindEvery:
		if j.Schedule.EveryMs <= 0 {
			return fmt.Errorf("every schedule requires everyMs > 0")
		}
	case KindAt:
		if _, err := time.Parse(time.RFC3339, j.Schedule.At); err != nil {
			return fmt.Errorf("at schedule requires an RFC3339 timestamp: %w", err)
		}
	case KindCron:
		if !gronx.New().IsValid(j.Schedule.Expr) {
			return fmt.Errorf("invalid cron expression %q", j.Schedule.Expr)
		}
		if j.Schedule.TZ != "" {
			if _, err := time.LoadLocation(j.Schedule.TZ); err != nil {
				return fmt.Errorf("invalid timezone %q: %w", j.Schedule.TZ, err)
			}
		}
	default:
		return fmt.Errorf("unknown schedule kind %q", j.Schedule.Kind)
	}
	switch j.Payload.Kind {
	case PayloadRun:
		if j.Payload.Instruction == "" {
			return fmt.Errorf("run payload requires an instruction")
		}
	case PayloadEvent:
		if j.Payload.Text == "" {
			return fmt.Errorf("event payload requires text")
		}
	default:
		return fmt.Errorf("unknown payload kind %q", j.Payload.Kind)
	}
	return nil
}

// Outcome is what the fire callback reports back.
type Outcome struct {
	Status string // ok, error or skipped
	RunID  string
	Err    error
}

// Event is one entry in the fire history backing GET /jobs/status.
type Event struct {
	JobID      string `json:"jobId"`
	JobName    string `json:"jobName"`
	Status     string `json:"status"`
	RunID      string `json:"runId,omitempty"`
	Error      string `json:"error,omitempty"`
	FiredAtMs  int64  `json:"firedAtMs"`
	DurationMs int64  `json:"durationMs"`
}
