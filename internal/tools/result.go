package tools

import "github.com/undoablehq/undoable/internal/actions"

// Result is the unified return type from tool execution.
type Result struct {
	ForLLM  string `json:"for_llm"`            // content sent to the LLM
	ForUser string `json:"for_user,omitempty"` // content shown to the user
	Silent  bool   `json:"silent"`             // suppress user message
	IsError bool   `json:"is_error"`           // marks error
	Denied  bool   `json:"denied,omitempty"`   // approval gate refused the call
	Async   bool   `json:"async"`              // running asynchronously
	Err     error  `json:"-"`                  // internal error (not serialized)

	// Before/After are the durable-state snapshots a mutating tool captured
	// around its side effect. The pipeline hands them to the action log so
	// the undo service can restore them.
	Before *actions.Snapshot `json:"-"`
	After  *actions.Snapshot `json:"-"`
}

func NewResult(forLLM string) *Result {
	return &Result{ForLLM: forLLM}
}

func SilentResult(forLLM string) *Result {
	return &Result{ForLLM: forLLM, Silent: true}
}

func ErrorResult(message string) *Result {
	return &Result{ForLLM: message, IsError: true}
}

func UserResult(content string) *Result {
	return &Result{ForLLM: content, ForUser: content}
}

func AsyncResult(message string) *Result {
	return &Result{ForLLM: message, Async: true}
}

func (r *Result) WithError(err error) *Result {
	r.Err = err
	return r
}

// WithSnapshots attaches the before/after state captured around a mutation.
func (r *Result) WithSnapshots(before, after *actions.Snapshot) *Result {
	r.Before = before
	r.After = after
	return r
}
