package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/undoablehq/undoable/internal/actions"
	"github.com/undoablehq/undoable/internal/config"
	"github.com/undoablehq/undoable/internal/runs"
	"github.com/undoablehq/undoable/internal/scheduler"
	"github.com/undoablehq/undoable/internal/store"
	"github.com/undoablehq/undoable/pkg/protocol"
)

// rpcRequest is the POST /gateway envelope. The REST routes cover the same
// surface; this endpoint exists for clients that prefer a single URL.
type rpcRequest struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

type rpcError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string { return e.Message }

func rpcFail(code, msg string) *rpcError {
	return &rpcError{Code: code, Message: msg}
}

// rpcFromError classifies plain errors from the managers into envelope
// codes.
func rpcFromError(err error) *rpcError {
	var rpc *rpcError
	if errors.As(err, &rpc) {
		return rpc
	}
	msg := err.Error()
	switch {
	case errors.Is(err, store.ErrNotFound), strings.Contains(msg, "not found"):
		return rpcFail(protocol.CodeNotFound, msg)
	case isStateError(err), isBadTransition(err), errors.Is(err, runs.ErrRunActive):
		return rpcFail(protocol.CodeValidation, msg)
	case strings.Contains(msg, "already running"):
		return rpcFail(protocol.CodeTransient, msg)
	default:
		return rpcFail(protocol.CodeInternal, msg)
	}
}

func isBadTransition(err error) bool {
	var bad *runs.ErrBadTransition
	return errors.As(err, &bad)
}

// handleRPC always answers HTTP 200; success or failure lives in the
// envelope.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	var req rpcRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeRPC(w, nil, rpcFail(protocol.CodeValidation, "invalid JSON body"))
		return
	}
	if req.Method == "" {
		writeRPC(w, nil, rpcFail(protocol.CodeValidation, "method is required"))
		return
	}

	result, rpcErr := s.dispatch(r, req.Method, req.Params)
	writeRPC(w, result, rpcErr)
}

func writeRPC(w http.ResponseWriter, result interface{}, rpcErr *rpcError) {
	if rpcErr != nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"ok": false, "error": rpcErr})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "result": result})
}

func decodeParams(raw json.RawMessage, v interface{}) *rpcError {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return rpcFail(protocol.CodeValidation, "invalid params: "+err.Error())
	}
	return nil
}

type idParams struct {
	ID string `json:"id"`
}

func (s *Server) dispatch(r *http.Request, method string, params json.RawMessage) (interface{}, *rpcError) {
	switch method {
	case protocol.MethodRunsCreate:
		return s.rpcRunsCreate(params)
	case protocol.MethodRunsList:
		return s.rpcRunsList(params)
	case protocol.MethodRunsGet:
		return s.rpcRunsGet(params)
	case protocol.MethodRunsDelete:
		return s.rpcRunsDelete(params)
	case protocol.MethodRunsAction:
		return s.rpcRunsAction(r, params)

	case protocol.MethodJobsList:
		if err := s.requireScheduler(); err != nil {
			return nil, err
		}
		return map[string]interface{}{"jobs": s.sched.ListJobs()}, nil
	case protocol.MethodJobsCreate:
		return s.rpcJobsCreate(params)
	case protocol.MethodJobsUpdate:
		return s.rpcJobsUpdate(params)
	case protocol.MethodJobsDelete:
		return s.rpcJobsDelete(params)
	case protocol.MethodJobsRun:
		return s.rpcJobsRun(params)
	case protocol.MethodJobsStatus:
		if err := s.requireScheduler(); err != nil {
			return nil, err
		}
		return s.jobsSummary(), nil

	case protocol.MethodChannelsList:
		if err := s.requireChannels(); err != nil {
			return nil, err
		}
		return map[string]interface{}{"channels": s.channels.Statuses()}, nil
	case protocol.MethodChannelsGet:
		return s.rpcChannelsGet(params)
	case protocol.MethodChannelsSet:
		return s.rpcChannelsSet(params)
	case protocol.MethodChannelsStart:
		return s.rpcChannelsStart(params)
	case protocol.MethodChannelsStop:
		return s.rpcChannelsStop(params)

	case protocol.MethodApprovalsList:
		if s.approvals == nil {
			return map[string]interface{}{"approvals": []interface{}{}}, nil
		}
		return map[string]interface{}{"approvals": s.approvals.Pending()}, nil
	case protocol.MethodApprovalsResolve:
		return s.rpcApprovalsResolve(params)

	case protocol.MethodActionsList:
		return s.rpcActionsList(params)
	case protocol.MethodActionsGet:
		return s.rpcActionsGet(params)
	case protocol.MethodUndoAction:
		return s.rpcUndoRedoOne(r, params, false)
	case protocol.MethodRedoAction:
		return s.rpcUndoRedoOne(r, params, true)
	case protocol.MethodUndoLast:
		return s.rpcUndoRedoLast(r, params, false)
	case protocol.MethodRedoLast:
		return s.rpcUndoRedoLast(r, params, true)
	case protocol.MethodUndoAll:
		return s.rpcUndoRedoAll(r, false)
	case protocol.MethodRedoAll:
		return s.rpcUndoRedoAll(r, true)

	case protocol.MethodExecList:
		return s.rpcExecList()
	case protocol.MethodExecGet:
		return s.rpcExecGet(params)
	case protocol.MethodExecKill:
		return s.rpcExecKill(params)
	case protocol.MethodExecStdin:
		return s.rpcExecStdin(params)

	case protocol.MethodHealth:
		return map[string]interface{}{"status": "ok", "version": s.version}, nil
	case protocol.MethodStatus:
		return s.rpcStatus(), nil
	case protocol.MethodUsage:
		return s.rpcUsage(params)

	default:
		return nil, rpcFail(protocol.CodeValidation, "unknown method "+method)
	}
}

func (s *Server) requireScheduler() *rpcError {
	if s.sched == nil {
		return rpcFail(protocol.CodeInternal, "scheduler disabled")
	}
	return nil
}

func (s *Server) requireChannels() *rpcError {
	if s.channels == nil {
		return rpcFail(protocol.CodeInternal, "channels disabled")
	}
	return nil
}

func (s *Server) rpcRunsCreate(params json.RawMessage) (interface{}, *rpcError) {
	var p createRunRequest
	if rpcErr := decodeParams(params, &p); rpcErr != nil {
		return nil, rpcErr
	}
	if p.Instruction == "" {
		return nil, rpcFail(protocol.CodeValidation, "instruction is required")
	}
	run, err := s.launchRun(runs.CreateParams{
		Instruction: p.Instruction,
		AgentID:     p.AgentID,
		UserID:      p.UserID,
		SessionID:   p.SessionID,
	})
	if err != nil {
		return nil, rpcFromError(err)
	}
	return run, nil
}

func (s *Server) rpcRunsList(params json.RawMessage) (interface{}, *rpcError) {
	var p struct {
		Job string `json:"job"`
	}
	if rpcErr := decodeParams(params, &p); rpcErr != nil {
		return nil, rpcErr
	}
	if p.Job != "" {
		return map[string]interface{}{"runs": s.runs.ListByJob(p.Job)}, nil
	}
	return map[string]interface{}{"runs": s.runs.List()}, nil
}

func (s *Server) rpcRunsGet(params json.RawMessage) (interface{}, *rpcError) {
	var p idParams
	if rpcErr := decodeParams(params, &p); rpcErr != nil {
		return nil, rpcErr
	}
	run, err := s.runs.Get(p.ID)
	if err != nil {
		return nil, rpcFromError(err)
	}
	return run, nil
}

func (s *Server) rpcRunsDelete(params json.RawMessage) (interface{}, *rpcError) {
	var p idParams
	if rpcErr := decodeParams(params, &p); rpcErr != nil {
		return nil, rpcErr
	}
	if err := s.runs.Delete(p.ID); err != nil {
		return nil, rpcFromError(err)
	}
	return map[string]string{"deleted": p.ID}, nil
}

func (s *Server) rpcRunsAction(r *http.Request, params json.RawMessage) (interface{}, *rpcError) {
	var p struct {
		ID     string `json:"id"`
		Action string `json:"action"`
		Reason string `json:"reason"`
	}
	if rpcErr := decodeParams(params, &p); rpcErr != nil {
		return nil, rpcErr
	}
	run, err := s.applyRunAction(r.Context(), p.ID, p.Action, p.Reason)
	if err != nil {
		return nil, rpcFromError(err)
	}
	return run, nil
}

func (s *Server) rpcJobsCreate(params json.RawMessage) (interface{}, *rpcError) {
	if err := s.requireScheduler(); err != nil {
		return nil, err
	}
	var job scheduler.Job
	if rpcErr := decodeParams(params, &job); rpcErr != nil {
		return nil, rpcErr
	}
	created, err := s.sched.CreateJob(&job)
	if err != nil {
		return nil, rpcFail(protocol.CodeValidation, err.Error())
	}
	return created, nil
}

func (s *Server) rpcJobsUpdate(params json.RawMessage) (interface{}, *rpcError) {
	if err := s.requireScheduler(); err != nil {
		return nil, err
	}
	var p struct {
		ID  string          `json:"id"`
		Job json.RawMessage `json:"job"`
	}
	if rpcErr := decodeParams(params, &p); rpcErr != nil {
		return nil, rpcErr
	}
	var patch scheduler.Job
	if rpcErr := decodeParams(p.Job, &patch); rpcErr != nil {
		return nil, rpcErr
	}
	updated, err := s.replaceJob(p.ID, &patch)
	if err != nil {
		return nil, rpcFromError(err)
	}
	return updated, nil
}

func (s *Server) rpcJobsDelete(params json.RawMessage) (interface{}, *rpcError) {
	if err := s.requireScheduler(); err != nil {
		return nil, err
	}
	var p idParams
	if rpcErr := decodeParams(params, &p); rpcErr != nil {
		return nil, rpcErr
	}
	if err := s.sched.DeleteJob(p.ID); err != nil {
		return nil, rpcFromError(err)
	}
	return map[string]string{"deleted": p.ID}, nil
}

func (s *Server) rpcJobsRun(params json.RawMessage) (interface{}, *rpcError) {
	if err := s.requireScheduler(); err != nil {
		return nil, err
	}
	var p idParams
	if rpcErr := decodeParams(params, &p); rpcErr != nil {
		return nil, rpcErr
	}
	if err := s.sched.RunJobNow(s.serverCtx(), p.ID); err != nil {
		return nil, rpcFromError(err)
	}
	return map[string]string{"started": p.ID}, nil
}

func (s *Server) rpcChannelsGet(params json.RawMessage) (interface{}, *rpcError) {
	if err := s.requireChannels(); err != nil {
		return nil, err
	}
	var p idParams
	if rpcErr := decodeParams(params, &p); rpcErr != nil {
		return nil, rpcErr
	}
	return s.channelView(p.ID), nil
}

func (s *Server) rpcChannelsSet(params json.RawMessage) (interface{}, *rpcError) {
	if err := s.requireChannels(); err != nil {
		return nil, err
	}
	var p struct {
		ID     string               `json:"id"`
		Config config.ChannelConfig `json:"config"`
	}
	if rpcErr := decodeParams(params, &p); rpcErr != nil {
		return nil, rpcErr
	}
	status, err := s.applyChannelConfig(p.ID, p.Config)
	if err != nil {
		return nil, rpcFromError(err)
	}
	return map[string]interface{}{"status": status}, nil
}

func (s *Server) rpcChannelsStart(params json.RawMessage) (interface{}, *rpcError) {
	if err := s.requireChannels(); err != nil {
		return nil, err
	}
	var p idParams
	if rpcErr := decodeParams(params, &p); rpcErr != nil {
		return nil, rpcErr
	}
	if err := s.channels.StartChannel(s.serverCtx(), p.ID); err != nil {
		return nil, rpcFromError(err)
	}
	return map[string]interface{}{"status": s.channels.StatusOf(p.ID)}, nil
}

func (s *Server) rpcChannelsStop(params json.RawMessage) (interface{}, *rpcError) {
	if err := s.requireChannels(); err != nil {
		return nil, err
	}
	var p idParams
	if rpcErr := decodeParams(params, &p); rpcErr != nil {
		return nil, rpcErr
	}
	if err := s.channels.StopChannel(s.serverCtx(), p.ID); err != nil {
		return nil, rpcFromError(err)
	}
	return map[string]interface{}{"status": s.channels.StatusOf(p.ID)}, nil
}

func (s *Server) rpcApprovalsResolve(params json.RawMessage) (interface{}, *rpcError) {
	if s.approvals == nil {
		return nil, rpcFail(protocol.CodeInternal, "approvals disabled")
	}
	var p struct {
		ID    string `json:"id"`
		Allow bool   `json:"allow"`
	}
	if rpcErr := decodeParams(params, &p); rpcErr != nil {
		return nil, rpcErr
	}
	if err := s.approvals.Resolve(p.ID, p.Allow); err != nil {
		return nil, rpcFromError(err)
	}
	return map[string]interface{}{"resolved": p.ID, "allow": p.Allow}, nil
}

func (s *Server) rpcActionsList(params json.RawMessage) (interface{}, *rpcError) {
	if s.actions == nil {
		return map[string]interface{}{"actions": []interface{}{}}, nil
	}
	var p struct {
		ToolName string `json:"toolName"`
		Category string `json:"category"`
		RunID    string `json:"runId"`
	}
	if rpcErr := decodeParams(params, &p); rpcErr != nil {
		return nil, rpcErr
	}
	recs := s.actions.List(actions.Filter{ToolName: p.ToolName, Category: p.Category, RunID: p.RunID})
	return map[string]interface{}{"actions": recs}, nil
}

func (s *Server) rpcActionsGet(params json.RawMessage) (interface{}, *rpcError) {
	if s.actions == nil {
		return nil, rpcFail(protocol.CodeNotFound, "action log disabled")
	}
	var p idParams
	if rpcErr := decodeParams(params, &p); rpcErr != nil {
		return nil, rpcErr
	}
	rec, err := s.actions.Get(p.ID)
	if err != nil {
		return nil, rpcFromError(err)
	}
	return rec, nil
}

func (s *Server) rpcUndoRedoOne(r *http.Request, params json.RawMessage, redo bool) (interface{}, *rpcError) {
	if s.undo == nil {
		return nil, rpcFail(protocol.CodeInternal, "undo disabled")
	}
	var p idParams
	if rpcErr := decodeParams(params, &p); rpcErr != nil {
		return nil, rpcErr
	}
	var err error
	if redo {
		err = s.undo.RedoAction(r.Context(), p.ID)
	} else {
		err = s.undo.UndoAction(r.Context(), p.ID)
	}
	if err != nil {
		return nil, rpcFromError(err)
	}
	return map[string]string{"action": p.ID}, nil
}

func (s *Server) rpcUndoRedoLast(r *http.Request, params json.RawMessage, redo bool) (interface{}, *rpcError) {
	if s.undo == nil {
		return nil, rpcFail(protocol.CodeInternal, "undo disabled")
	}
	var p struct {
		N int `json:"n"`
	}
	if rpcErr := decodeParams(params, &p); rpcErr != nil {
		return nil, rpcErr
	}
	if p.N <= 0 {
		p.N = 1
	}
	var ids []string
	var err error
	if redo {
		ids, err = s.undo.RedoLastN(r.Context(), p.N)
	} else {
		ids, err = s.undo.UndoLastN(r.Context(), p.N)
	}
	return undoResult(ids, err, redo)
}

func (s *Server) rpcUndoRedoAll(r *http.Request, redo bool) (interface{}, *rpcError) {
	if s.undo == nil {
		return nil, rpcFail(protocol.CodeInternal, "undo disabled")
	}
	var ids []string
	var err error
	if redo {
		ids, err = s.undo.RedoAll(r.Context())
	} else {
		ids, err = s.undo.UndoAll(r.Context())
	}
	return undoResult(ids, err, redo)
}

// undoResult reports partial progress: ids already reversed before the
// failure ride along with the error.
func undoResult(ids []string, err error, redo bool) (interface{}, *rpcError) {
	key := "undone"
	if redo {
		key = "redone"
	}
	if ids == nil {
		ids = []string{}
	}
	if err != nil {
		rpc := rpcFromError(err)
		rpc.Message = rpc.Message + " (completed: " + strings.Join(ids, ", ") + ")"
		return nil, rpc
	}
	return map[string]interface{}{key: ids}, nil
}

func (s *Server) rpcExecList() (interface{}, *rpcError) {
	if s.execReg == nil {
		return map[string]interface{}{"running": []interface{}{}, "finished": []interface{}{}}, nil
	}
	return map[string]interface{}{
		"running":  s.execReg.ListRunning(),
		"finished": s.execReg.ListFinished(),
	}, nil
}

func (s *Server) rpcExecGet(params json.RawMessage) (interface{}, *rpcError) {
	if s.execReg == nil {
		return nil, rpcFail(protocol.CodeNotFound, "exec registry disabled")
	}
	var p idParams
	if rpcErr := decodeParams(params, &p); rpcErr != nil {
		return nil, rpcErr
	}
	view, err := s.execReg.Get(p.ID)
	if err != nil {
		return nil, rpcFromError(err)
	}
	return view, nil
}

func (s *Server) rpcExecKill(params json.RawMessage) (interface{}, *rpcError) {
	if s.execReg == nil {
		return nil, rpcFail(protocol.CodeNotFound, "exec registry disabled")
	}
	var p idParams
	if rpcErr := decodeParams(params, &p); rpcErr != nil {
		return nil, rpcErr
	}
	if err := s.execReg.KillSession(p.ID); err != nil {
		return nil, rpcFromError(err)
	}
	return map[string]string{"killed": p.ID}, nil
}

func (s *Server) rpcExecStdin(params json.RawMessage) (interface{}, *rpcError) {
	if s.execReg == nil {
		return nil, rpcFail(protocol.CodeNotFound, "exec registry disabled")
	}
	var p struct {
		ID   string `json:"id"`
		Data string `json:"data"`
	}
	if rpcErr := decodeParams(params, &p); rpcErr != nil {
		return nil, rpcErr
	}
	n, err := s.execReg.WriteStdin(p.ID, []byte(p.Data))
	if err != nil {
		return nil, rpcFromError(err)
	}
	return map[string]int{"written": n}, nil
}

// rpcStatus is the aggregate daemon snapshot the status command renders.
func (s *Server) rpcStatus() map[string]interface{} {
	out := map[string]interface{}{
		"version":    s.version,
		"startedAt":  s.startedAt.UTC(),
		"uptimeSec":  int64(time.Since(s.startedAt).Seconds()),
		"policy":     s.settings.SecurityPolicy(),
		"runs":       len(s.runs.List()),
		"activeRuns": s.exec.ActiveRuns(),
	}
	if s.sched != nil {
		out["scheduler"] = s.jobsSummary()
	}
	if s.channels != nil {
		out["channels"] = s.channels.Statuses()
	}
	if s.approvals != nil {
		out["pendingApprovals"] = len(s.approvals.Pending())
	}
	if s.usage != nil {
		out["usage"] = s.usage.Totals()
	}
	return out
}

func (s *Server) rpcUsage(params json.RawMessage) (interface{}, *rpcError) {
	if s.usage == nil {
		return nil, rpcFail(protocol.CodeInternal, "usage tracking disabled")
	}
	var p struct {
		Recent int `json:"recent"`
	}
	if rpcErr := decodeParams(params, &p); rpcErr != nil {
		return nil, rpcErr
	}
	if p.Recent <= 0 {
		p.Recent = 20
	}
	return map[string]interface{}{
		"totals": s.usage.Totals(),
		"recent": s.usage.Recent(p.Recent),
	}, nil
}
