package gateway

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/undoablehq/undoable/internal/scheduler"
)

func (s *Server) handleListJobs(w http.ResponseWriter, _ *http.Request) {
	if s.sched == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler disabled")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": s.sched.ListJobs()})
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	if s.sched == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler disabled")
		return
	}
	var job scheduler.Job
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&job); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	created, err := s.sched.CreateJob(&job)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleUpdateJob(w http.ResponseWriter, r *http.Request) {
	if s.sched == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler disabled")
		return
	}
	id := r.PathValue("id")
	var patch scheduler.Job
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	updated, err := s.replaceJob(id, &patch)
	if err != nil {
		writeJobError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// replaceJob swaps a job's mutable fields for the patch's. State and
// timestamps stay owned by the scheduler.
func (s *Server) replaceJob(id string, patch *scheduler.Job) (*scheduler.Job, error) {
	return s.sched.UpdateJob(id, func(j *scheduler.Job) error {
		j.Name = patch.Name
		j.Description = patch.Description
		j.Enabled = patch.Enabled
		j.Schedule = patch.Schedule
		j.Payload = patch.Payload
		j.DeleteAfterRun = patch.DeleteAfterRun
		return nil
	})
}

func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	if s.sched == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler disabled")
		return
	}
	id := r.PathValue("id")
	if err := s.sched.DeleteJob(id); err != nil {
		writeJobError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"deleted": id})
}

func (s *Server) handleRunJobNow(w http.ResponseWriter, r *http.Request) {
	if s.sched == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler disabled")
		return
	}
	id := r.PathValue("id")
	// The fire outlives the request; launch it on the daemon context.
	if err := s.sched.RunJobNow(s.serverCtx(), id); err != nil {
		writeJobError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"started": id})
}

// handleJobsStatus summarizes the scheduler: per-job state plus the bounded
// fire history.
func (s *Server) handleJobsStatus(w http.ResponseWriter, _ *http.Request) {
	if s.sched == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler disabled")
		return
	}
	writeJSON(w, http.StatusOK, s.jobsSummary())
}

func (s *Server) jobsSummary() map[string]interface{} {
	jobs := s.sched.ListJobs()
	var enabled, running int
	var nextRunAtMs int64
	for _, j := range jobs {
		if j.Enabled {
			enabled++
			if j.State.NextRunAtMs > 0 && (nextRunAtMs == 0 || j.State.NextRunAtMs < nextRunAtMs) {
				nextRunAtMs = j.State.NextRunAtMs
			}
		}
		if j.State.RunningAtMs != nil {
			running++
		}
	}
	return map[string]interface{}{
		"jobs":        len(jobs),
		"enabled":     enabled,
		"running":     running,
		"nextRunAtMs": nextRunAtMs,
		"recent":      s.sched.History(),
	}
}

func writeJobError(w http.ResponseWriter, err error) {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "not found"):
		writeError(w, http.StatusNotFound, msg)
	case strings.Contains(msg, "already running"):
		writeError(w, http.StatusConflict, msg)
	default:
		writeError(w, http.StatusBadRequest, msg)
	}
}
