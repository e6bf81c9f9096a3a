package protocol

// ProtocolVersion is bumped whenever the wire surface (event types, run
// statuses, RPC envelope) changes incompatibly.
const ProtocolVersion = 1

// Run event types. These are the wire-level `type` values written to each
// run's event log and streamed over SSE; clients switch on them verbatim.
const (
	EventStatusChanged     = "STATUS_CHANGED"
	EventActionProgress    = "ACTION_PROGRESS"
	EventLLMToken          = "LLM_TOKEN"
	EventLLMThinking       = "LLM_THINKING"
	EventToolCall          = "TOOL_CALL"
	EventToolResult        = "TOOL_RESULT"
	EventApprovalRequested = "TOOL_APPROVAL_REQUESTED"
	EventRunCompleted      = "RUN_COMPLETED"
	EventRunFailed         = "RUN_FAILED"
	EventRunWarning        = "RUN_WARNING"
)

// Run statuses.
const (
	StatusCreated          = "created"
	StatusPlanning         = "planning"
	StatusApprovalRequired = "approval_required"
	StatusApplying         = "applying"
	StatusPaused           = "paused"
	StatusCompleted        = "completed"
	StatusFailed           = "failed"
	StatusCancelled        = "cancelled"
	StatusApplied          = "applied"
)

// TerminalStatuses are the run statuses that admit no further transition
// (applied may only be re-entered as a no-op).
var TerminalStatuses = map[string]bool{
	StatusCompleted: true,
	StatusFailed:    true,
	StatusCancelled: true,
	StatusApplied:   true,
}

// Run actions accepted by POST /runs/{id}/actions.
const (
	ActionApply  = "apply"
	ActionCancel = "cancel"
	ActionPause  = "pause"
	ActionResume = "resume"
	ActionUndo   = "undo"
)

// Tool categories.
const (
	CategoryRead    = "read"
	CategoryMutate  = "mutate"
	CategoryExec    = "exec"
	CategoryNetwork = "network"
	CategorySystem  = "system"
)

// Approval modes and per-action approval outcomes.
const (
	ApprovalModeOff    = "off"
	ApprovalModeMutate = "mutate"
	ApprovalModeAlways = "always"

	ApprovalNone        = "none"
	ApprovalGranted     = "granted"
	ApprovalDenied      = "denied"
	ApprovalNotRequired = "not_required"
)

// Channel identifiers and connection statuses.
const (
	ChannelTelegram = "telegram"
	ChannelDiscord  = "discord"
	ChannelSlack    = "slack"
	ChannelWhatsApp = "whatsapp"

	ChannelStatusConnected    = "connected"
	ChannelStatusAwaitingScan = "awaiting_scan"
	ChannelStatusError        = "error"
	ChannelStatusOffline      = "offline"
)

// DM policies for channel adapters.
const (
	DMPolicyPairing   = "pairing"
	DMPolicyAllowlist = "allowlist"
	DMPolicyOpen      = "open"
	DMPolicyDisabled  = "disabled"
)

// UserScheduler is the userId stamped on scheduler-originated runs.
const UserScheduler = "scheduler"

// Exec session statuses.
const (
	ExecRunning = "running"
	ExecExited  = "exited"
	ExecFailed  = "failed"
	ExecKilled  = "killed"
)

// Scheduler job outcome statuses.
const (
	JobStatusOK      = "ok"
	JobStatusError   = "error"
	JobStatusSkipped = "skipped"
)
