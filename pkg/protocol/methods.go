package protocol

// RPC method names accepted by POST /gateway. The REST routes cover the same
// surface; the RPC envelope exists for clients that prefer a single endpoint.
const (
	// Runs
	MethodRunsCreate = "runs.create"
	MethodRunsList   = "runs.list"
	MethodRunsGet    = "runs.get"
	MethodRunsDelete = "runs.delete"
	MethodRunsAction = "runs.action"

	// Jobs
	MethodJobsList   = "jobs.list"
	MethodJobsCreate = "jobs.create"
	MethodJobsUpdate = "jobs.update"
	MethodJobsDelete = "jobs.delete"
	MethodJobsRun    = "jobs.run"
	MethodJobsStatus = "jobs.status"

	// Channels
	MethodChannelsList  = "channels.list"
	MethodChannelsGet   = "channels.get"
	MethodChannelsSet   = "channels.set"
	MethodChannelsStart = "channels.start"
	MethodChannelsStop  = "channels.stop"

	// Approvals
	MethodApprovalsList    = "approvals.list"
	MethodApprovalsResolve = "approvals.resolve"

	// Actions / undo
	MethodActionsList = "actions.list"
	MethodActionsGet  = "actions.get"
	MethodUndoAction  = "undo.action"
	MethodUndoLast    = "undo.last"
	MethodUndoAll     = "undo.all"
	MethodRedoAction  = "redo.action"
	MethodRedoLast    = "redo.last"
	MethodRedoAll     = "redo.all"

	// Exec sessions
	MethodExecList  = "exec.list"
	MethodExecGet   = "exec.get"
	MethodExecKill  = "exec.kill"
	MethodExecStdin = "exec.stdin"

	// System
	MethodHealth = "health"
	MethodStatus = "status"
	MethodUsage  = "usage"
)

// RPC error codes carried in the {ok:false, error:{code}} envelope.
const (
	CodeValidation   = "Validation"
	CodeAuth         = "Auth"
	CodeNotFound     = "NotFound"
	CodePolicyDenied = "PolicyDenied"
	CodeTimeout      = "Timeout"
	CodeTransient    = "Transient"
	CodeInternal     = "Internal"
)
