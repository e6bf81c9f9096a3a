package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/undoablehq/undoable/internal/scheduler"
	"github.com/undoablehq/undoable/pkg/protocol"
)

// ScheduleTool manages scheduled jobs: the agent can set up reminders and
// recurring runs for itself.
type ScheduleTool struct {
	sched *scheduler.Scheduler
}

func NewScheduleTool(sched *scheduler.Scheduler) *ScheduleTool {
	return &ScheduleTool{sched: sched}
}

func (t *ScheduleTool) Name() string { return "schedule" }
func (t *ScheduleTool) Description() string {
	return "Create, list, update, delete or immediately run scheduled jobs"
}
func (t *ScheduleTool) Category() string { return protocol.CategorySystem }
func (t *ScheduleTool) Undoable() bool   { return false }
func (t *ScheduleTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"action": map[string]interface{}{
				"type":        "string",
				"enum":        []string{"create", "list", "get", "delete", "enable", "disable", "run_now"},
				"description": "What to do",
			},
			"job_id": map[string]interface{}{
				"type":        "string",
				"description": "Job id (required for get/delete/enable/disable/run_now)",
			},
			"name": map[string]interface{}{
				"type":        "string",
				"description": "Job name (create)",
			},
			"description": map[string]interface{}{
				"type":        "string",
				"description": "Optional job description (create)",
			},
			"kind": map[string]interface{}{
				"type":        "string",
				"enum":        []string{"every", "at", "cron"},
				"description": "Schedule kind (create)",
			},
			"every_ms": map[string]interface{}{
				"type":        "integer",
				"description": "Interval in milliseconds for kind=every",
			},
			"at": map[string]interface{}{
				"type":        "string",
				"description": "RFC3339 timestamp for kind=at",
			},
			"expr": map[string]interface{}{
				"type":        "string",
				"description": "Cron expression for kind=cron",
			},
			"tz": map[string]interface{}{
				"type":        "string",
				"description": "IANA timezone for kind=cron (default host-local)",
			},
			"instruction": map[string]interface{}{
				"type":        "string",
				"description": "Agent instruction the job runs (create)",
			},
			"delete_after_run": map[string]interface{}{
				"type":        "boolean",
				"description": "Remove the job after its first successful run",
			},
		},
		"required": []string{"action"},
	}
}

type scheduleArgs struct {
	Action         string `json:"action"`
	JobID          string `json:"job_id"`
	Name           string `json:"name"`
	Description    string `json:"description"`
	Kind           string `json:"kind"`
	EveryMs        int64  `json:"every_ms"`
	At             string `json:"at"`
	Expr           string `json:"expr"`
	TZ             string `json:"tz"`
	Instruction    string `json:"instruction"`
	DeleteAfterRun bool   `json:"delete_after_run"`
}

func (t *ScheduleTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	var a scheduleArgs
	if err := decodeArgs(args, &a); err != nil {
		return ErrorResult(err.Error())
	}

	switch a.Action {
	case "create":
		job := &scheduler.Job{
			Name:        a.Name,
			Description: a.Description,
			Enabled:     true,
			Schedule: scheduler.Schedule{
				Kind:    a.Kind,
				EveryMs: a.EveryMs,
				At:      a.At,
				Expr:    a.Expr,
				TZ:      a.TZ,
			},
			Payload:        scheduler.Payload{Kind: scheduler.PayloadRun, Instruction: a.Instruction},
			DeleteAfterRun: a.DeleteAfterRun,
		}
		created, err := t.sched.CreateJob(job)
		if err != nil {
			return ErrorResult(fmt.Sprintf("create job: %v", err)).WithError(err)
		}
		return jobResult(created, fmt.Sprintf("Created job %s (%s)", created.Name, created.ID))

	case "list":
		jobs := t.sched.ListJobs()
		if len(jobs) == 0 {
			return SilentResult("(no scheduled jobs)")
		}
		data, err := json.MarshalIndent(jobs, "", "  ")
		if err != nil {
			return ErrorResult(fmt.Sprintf("encode jobs: %v", err))
		}
		return SilentResult(string(data))

	case "get":
		job, err := t.requireJob(a.JobID)
		if err != nil {
			return ErrorResult(err.Error())
		}
		return jobResult(job, "")

	case "delete":
		if a.JobID == "" {
			return ErrorResult("job_id is required")
		}
		if err := t.sched.DeleteJob(a.JobID); err != nil {
			return ErrorResult(fmt.Sprintf("delete job: %v", err)).WithError(err)
		}
		return NewResult(fmt.Sprintf("Deleted job %s", a.JobID))

	case "enable", "disable":
		if a.JobID == "" {
			return ErrorResult("job_id is required")
		}
		enable := a.Action == "enable"
		job, err := t.sched.UpdateJob(a.JobID, func(j *scheduler.Job) error {
			j.Enabled = enable
			return nil
		})
		if err != nil {
			return ErrorResult(fmt.Sprintf("%s job: %v", a.Action, err)).WithError(err)
		}
		return jobResult(job, fmt.Sprintf("Job %s is now %sd", a.JobID, a.Action))

	case "run_now":
		if a.JobID == "" {
			return ErrorResult("job_id is required")
		}
		if err := t.sched.RunJobNow(ctx, a.JobID); err != nil {
			return ErrorResult(fmt.Sprintf("run job: %v", err)).WithError(err)
		}
		return AsyncResult(fmt.Sprintf("Job %s fired", a.JobID))

	default:
		return ErrorResult(fmt.Sprintf("unknown action %q", a.Action))
	}
}

func (t *ScheduleTool) requireJob(id string) (*scheduler.Job, error) {
	if id == "" {
		return nil, fmt.Errorf("job_id is required")
	}
	job := t.sched.GetJob(id)
	if job == nil {
		return nil, fmt.Errorf("job %s not found", id)
	}
	return job, nil
}

func jobResult(job *scheduler.Job, userNote string) *Result {
	data, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return ErrorResult(fmt.Sprintf("encode job: %v", err))
	}
	res := SilentResult(string(data))
	if userNote != "" {
		res.ForUser = userNote
		res.Silent = false
	}
	return res
}
