package tools

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/undoablehq/undoable/internal/execsess"
	"github.com/undoablehq/undoable/pkg/protocol"
)

// Command patterns denied before any command reaches a shell. These guard
// the host the daemon runs on; the approval gate is a separate layer.
var defaultDenyPatterns = []*regexp.Regexp{
	// Destructive file and disk operations
	regexp.MustCompile(`\brm\s+-[rf]{1,2}\b`),
	regexp.MustCompile(`\brm\s+.*--(recursive|force)`),
	regexp.MustCompile(`\b(mkfs|diskpart)\b|\bformat\s`),
	regexp.MustCompile(`\bdd\s+if=`),
	regexp.MustCompile(`>\s*/dev/sd[a-z]\b`),
	regexp.MustCompile(`\b(shutdown|reboot|poweroff)\b`),
	regexp.MustCompile(`:\(\)\s*\{.*\};\s*:`), // fork bomb

	// Piping downloads into a shell
	regexp.MustCompile(`\bcurl\b.*\|\s*(ba)?sh\b`),
	regexp.MustCompile(`\bwget\b.*-O\s*-\s*\|\s*(ba)?sh\b`),
	regexp.MustCompile(`\bbase64\s+-d\b.*\|\s*(ba)?sh\b`),

	// Reverse shells and tunnels
	regexp.MustCompile(`\b(nc|ncat|netcat)\b.*-[el]\b`),
	regexp.MustCompile(`\bsocat\b`),
	regexp.MustCompile(`/dev/tcp/`),
	regexp.MustCompile(`\b(chisel|frp|ngrok|cloudflared)\b`),

	// Privilege escalation
	regexp.MustCompile(`\bsudo\b`),
	regexp.MustCompile(`\bsu\s+-`),
	regexp.MustCompile(`\b(mount|umount|nsenter|unshare)\b`),

	// Loader injection
	regexp.MustCompile(`\b(LD_PRELOAD|LD_LIBRARY_PATH|DYLD_INSERT_LIBRARIES)\s*=`),

	// Persistence
	regexp.MustCompile(`\bcrontab\b`),
	regexp.MustCompile(`>\s*~/?\.(bashrc|bash_profile|profile|zshrc)`),

	// Process manipulation outside the registry's own kill path
	regexp.MustCompile(`\bkill\s+-9\s`),
	regexp.MustCompile(`\b(killall|pkill)\b`),

	// Environment dumps leak API keys and tokens.
	// 'env VAR=val cmd' (assignment before a command) stays allowed.
	regexp.MustCompile(`^\s*env\s*($|\||>)`),
	regexp.MustCompile(`\bprintenv\b`),
	regexp.MustCompile(`^\s*(set|export\s+-p|declare\s+-x)\s*($|\|)`),
}

// ExecTool runs shell commands through the exec session registry, so output
// survives restarts and long commands can be backgrounded and killed.
type ExecTool struct {
	registry     *execsess.Registry
	workingDir   string
	restrict     bool
	timeout      time.Duration
	denyPatterns []*regexp.Regexp
}

func NewExecTool(registry *execsess.Registry, workingDir string, restrict bool, timeout time.Duration) *ExecTool {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &ExecTool{
		registry:     registry,
		workingDir:   workingDir,
		restrict:     restrict,
		timeout:      timeout,
		denyPatterns: defaultDenyPatterns,
	}
}

func (t *ExecTool) Name() string { return "exec" }
func (t *ExecTool) Description() string {
	return "Execute a shell command and return its output. Long commands can run in the background as sessions"
}
func (t *ExecTool) Category() string { return protocol.CategoryExec }
func (t *ExecTool) Undoable() bool   { return false }
func (t *ExecTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"command": map[string]interface{}{
				"type":        "string",
				"description": "The shell command to execute",
			},
			"working_dir": map[string]interface{}{
				"type":        "string",
				"description": "Optional working directory for the command",
			},
			"background": map[string]interface{}{
				"type":        "boolean",
				"description": "Start the command and return immediately with a session id",
			},
			"timeout_sec": map[string]interface{}{
				"type":        "integer",
				"description": "Seconds to wait for completion before backgrounding (default 60)",
			},
		},
		"required": []string{"command"},
	}
}

type execArgs struct {
	Command    string `json:"command"`
	WorkingDir string `json:"working_dir"`
	Background bool   `json:"background"`
	TimeoutSec int    `json:"timeout_sec"`
}

func (t *ExecTool) Execute(_ context.Context, args map[string]interface{}) *Result {
	var a execArgs
	if err := decodeArgs(args, &a); err != nil {
		return ErrorResult(err.Error())
	}
	if a.Command == "" {
		return ErrorResult("command is required")
	}

	for _, pattern := range t.denyPatterns {
		if pattern.MatchString(a.Command) {
			return ErrorResult(fmt.Sprintf("command denied by safety policy: matches pattern %s", pattern.String()))
		}
	}

	cwd := t.workingDir
	if a.WorkingDir != "" {
		if t.restrict {
			resolved, err := resolvePath(a.WorkingDir, t.workingDir, true)
			if err != nil {
				return ErrorResult(err.Error())
			}
			cwd = resolved
		} else {
			cwd = a.WorkingDir
		}
	}

	view, err := t.registry.StartSession(execsess.StartParams{Command: a.Command, Cwd: cwd})
	if err != nil {
		return ErrorResult(fmt.Sprintf("failed to start command: %v", err))
	}

	if a.Background {
		if err := t.registry.MarkBackgrounded(view.ID); err == nil {
			return AsyncResult(fmt.Sprintf("started background session %s", view.ID))
		}
		return AsyncResult(fmt.Sprintf("started session %s", view.ID))
	}

	timeout := t.timeout
	if a.TimeoutSec > 0 {
		timeout = time.Duration(a.TimeoutSec) * time.Second
	}

	final, err := t.registry.WaitForExit(view.ID, timeout)
	if err != nil {
		// Still running: leave it as a background session instead of killing
		// work the LLM may want to check on.
		_ = t.registry.MarkBackgrounded(view.ID)
		return AsyncResult(fmt.Sprintf("command still running after %s; continuing as background session %s", timeout, view.ID))
	}

	return formatExecResult(final)
}

// Output handed back to the LLM is bounded well below the session's own ring
// cap; the full aggregate stays retrievable through the session API.
const execResultLimit = 16 * 1024

func formatExecResult(v *execsess.View) *Result {
	output := v.Aggregated
	if len(output) > execResultLimit {
		output = "(output truncated)\n" + output[len(output)-execResultLimit:]
	}
	output = strings.TrimRight(output, "\n")

	switch v.Status {
	case protocol.ExecExited:
		if v.ExitCode != nil && *v.ExitCode != 0 {
			if output == "" {
				output = fmt.Sprintf("command exited with code %d", *v.ExitCode)
			} else {
				output += fmt.Sprintf("\n(exit code %d)", *v.ExitCode)
			}
			return ErrorResult(output)
		}
		if output == "" {
			output = "(command completed with no output)"
		}
		return SilentResult(output)
	case protocol.ExecKilled:
		msg := fmt.Sprintf("command killed by %s", v.ExitSignal)
		if output != "" {
			msg = output + "\n(" + msg + ")"
		}
		return ErrorResult(msg)
	default:
		if output == "" {
			output = fmt.Sprintf("session %s is %s", v.ID, v.Status)
		}
		return SilentResult(output)
	}
}
