package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/undoablehq/undoable/internal/bus"
	"github.com/undoablehq/undoable/internal/runs"
	"github.com/undoablehq/undoable/internal/store"
)

// sseKeepaliveInterval is how often an idle event stream emits a comment
// frame so intermediaries don't drop the connection.
const sseKeepaliveInterval = 15 * time.Second

type createRunRequest struct {
	Instruction string `json:"instruction"`
	AgentID     string `json:"agentId"`
	UserID      string `json:"userId"`
	SessionID   string `json:"sessionId"`
}

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req createRunRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Instruction == "" {
		writeError(w, http.StatusBadRequest, "instruction is required")
		return
	}

	run, err := s.launchRun(runs.CreateParams{
		Instruction: req.Instruction,
		AgentID:     req.AgentID,
		UserID:      req.UserID,
		SessionID:   req.SessionID,
	})
	if err != nil {
		writeRunError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, run)
}

// launchRun creates the run and hands it to the executor. The run outlives
// the request, so it launches on the daemon context.
func (s *Server) launchRun(p runs.CreateParams) (*store.Run, error) {
	run, err := s.runs.Create(p)
	if err != nil {
		return nil, err
	}
	s.exec.StartRun(s.serverCtx(), run.ID)
	slog.Info("gateway: run created", "run_id", run.ID, "agent", run.AgentID)
	return run, nil
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if jobID := r.URL.Query().Get("job"); jobID != "" {
		writeJSON(w, http.StatusOK, map[string]interface{}{"runs": s.runs.ListByJob(jobID)})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"runs": s.runs.List()})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.runs.Get(r.PathValue("id"))
	if err != nil {
		writeRunError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleDeleteRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.runs.Delete(id); err != nil {
		writeRunError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"deleted": id})
}

type runActionRequest struct {
	Action string `json:"action"`
	Reason string `json:"reason"`
}

func (s *Server) handleRunAction(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req runActionRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	run, err := s.applyRunAction(r.Context(), id, req.Action, req.Reason)
	if err != nil {
		writeRunError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// applyRunAction dispatches a lifecycle verb to the executor. Apply and undo
// replay filesystem mutations, so they run under the request context and a
// disconnect aborts them mid-stack rather than leaving the daemon working
// for nobody.
func (s *Server) applyRunAction(ctx context.Context, id, action, reason string) (*store.Run, error) {
	switch action {
	case "apply":
		return s.exec.Apply(ctx, id)
	case "cancel":
		if reason == "" {
			reason = "cancelled by user"
		}
		return s.exec.Cancel(id, reason)
	case "pause":
		return s.exec.Pause(id)
	case "resume":
		return s.exec.Resume(id)
	case "undo":
		return s.exec.Undo(ctx, id)
	default:
		return nil, &validationError{msg: fmt.Sprintf("unknown action %q", action)}
	}
}

// handleRunEvents streams a run's event log as SSE: the persisted history
// first, then live events as they are published. The stream stays open
// until the client disconnects; terminal runs can still emit apply and
// undo events later.
func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	if _, err := s.runs.Get(runID); err != nil {
		writeRunError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	// Subscribe before replaying so nothing published during the replay is
	// lost; duplicates are dropped by seq below.
	live := make(chan bus.Event, 64)
	done := make(chan struct{})
	subID := s.bus.Subscribe(runID, func(ev bus.Event) {
		select {
		case live <- ev:
		case <-done:
		}
	})
	defer func() {
		close(done)
		s.bus.Unsubscribe(subID)
	}()

	history, err := s.runs.Replay(runID)
	if err != nil {
		writeRunError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	var lastSeq int64
	for _, ev := range history {
		writeSSE(w, ev)
		if ev.Seq > lastSeq {
			lastSeq = ev.Seq
		}
	}
	flusher.Flush()

	keepalive := time.NewTicker(sseKeepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case ev := <-live:
			if ev.Seq <= lastSeq {
				continue
			}
			lastSeq = ev.Seq
			writeSSE(w, ev)
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, ev bus.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "id: %d\ndata: %s\n\n", ev.Seq, data)
}

// validationError marks client mistakes so writeRunError maps them to 400.
type validationError struct{ msg string }

func (e *validationError) Error() string { return e.msg }

// writeRunError maps manager and executor errors onto HTTP statuses.
// Unknown errors stay 500; state complaints from the run lifecycle read as
// client errors.
func writeRunError(w http.ResponseWriter, err error) {
	var badTransition *runs.ErrBadTransition
	var invalid *validationError
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, runs.ErrRunActive):
		writeError(w, http.StatusConflict, err.Error())
	case errors.As(err, &badTransition), errors.As(err, &invalid):
		writeError(w, http.StatusBadRequest, err.Error())
	case isStateError(err):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		slog.Error("gateway: request failed", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// isStateError recognizes the executor's lifecycle complaints ("is not
// paused", "cannot be applied") that carry no typed error.
func isStateError(err error) bool {
	msg := err.Error()
	for _, marker := range []string{
		"is not paused",
		"cannot be applied",
		"cancel it or wait before undoing",
		"is required",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
