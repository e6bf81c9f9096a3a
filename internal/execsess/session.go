// Package execsess tracks long-lived external process sessions: output
// aggregation, kill escalation, an on-disk checkpoint, and recovery of
// sessions that outlived a daemon restart.
package execsess

import (
	"bytes"
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/undoablehq/undoable/pkg/protocol"
)

const (
	// aggregatedCap is the hard cap on retained output per session; older
	// bytes are dropped and the session is marked truncated.
	aggregatedCap = 256 * 1024
	// tailCap is how much of the aggregated output cheap previews get.
	tailCap = 2 * 1024
)

// dsrRe matches Device Status Report requests (CSI ... n) and the cursor
// position replies terminals send back (CSI row;col R). PTY-driven commands
// emit these mid-stream and they are noise in aggregated output.
var dsrRe = regexp.MustCompile(`\x1b\[[0-9;?]*[nR]`)

// StripDSR removes DSR requests and replies from raw output.
func StripDSR(p []byte) []byte {
	if !bytes.ContainsRune(p, 0x1b) {
		return p
	}
	return dsrRe.ReplaceAll(p, nil)
}

// Proc is the live process side of a running session. Sessions re-adopted
// after a restart have no Proc; only their pid is known.
type Proc interface {
	Signal(sig os.Signal) error
	WriteStdin(p []byte) (int, error)
	Resize(cols, rows int) error
}

// View is the read-only projection of a session. It is what list calls
// return and what the snapshot file stores.
type View struct {
	ID           string     `json:"id"`
	Command      string     `json:"command"`
	Cwd          string     `json:"cwd,omitempty"`
	PID          int        `json:"pid"`
	StartedAt    time.Time  `json:"startedAt"`
	IsPty        bool       `json:"isPty"`
	Backgrounded bool       `json:"backgrounded"`
	Recovered    bool       `json:"recovered,omitempty"`
	Status       string     `json:"status"`
	ExitCode     *int       `json:"exitCode,omitempty"`
	ExitSignal   string     `json:"exitSignal,omitempty"`
	EndedAt      *time.Time `json:"endedAt,omitempty"`
	Truncated    bool       `json:"truncated"`
	Aggregated   string     `json:"aggregated"`
	Tail         string     `json:"tail"`
}

// session is the registry-internal record. All fields are guarded by the
// registry mutex.
type session struct {
	id           string
	command      string
	cwd          string
	pid          int
	startedAt    time.Time
	isPty        bool
	backgrounded bool
	recovered    bool
	status       string
	exitCode     *int
	exitSignal   string
	endedAt      time.Time
	truncated    bool
	buf          []byte

	proc Proc
	done chan struct{}
}

func (s *session) append(p []byte) {
	s.buf = append(s.buf, p...)
	if len(s.buf) > aggregatedCap {
		copy(s.buf, s.buf[len(s.buf)-aggregatedCap:])
		s.buf = s.buf[:aggregatedCap]
		s.truncated = true
	}
}

func (s *session) tail() string {
	if len(s.buf) <= tailCap {
		return string(s.buf)
	}
	return string(s.buf[len(s.buf)-tailCap:])
}

func (s *session) view() *View {
	v := &View{
		ID:           s.id,
		Command:      s.command,
		Cwd:          s.cwd,
		PID:          s.pid,
		StartedAt:    s.startedAt,
		IsPty:        s.isPty,
		Backgrounded: s.backgrounded,
		Recovered:    s.recovered,
		Status:       s.status,
		ExitSignal:   s.exitSignal,
		Truncated:    s.truncated,
		Aggregated:   string(s.buf),
		Tail:         s.tail(),
	}
	if s.exitCode != nil {
		code := *s.exitCode
		v.ExitCode = &code
	}
	if !s.endedAt.IsZero() {
		ended := s.endedAt
		v.EndedAt = &ended
	}
	return v
}

// fromView rebuilds a session from a snapshot entry. The process handle is
// gone; recovery decides what to do with the pid.
func fromView(v *View) *session {
	s := &session{
		id:           v.ID,
		command:      v.Command,
		cwd:          v.Cwd,
		pid:          v.PID,
		startedAt:    v.StartedAt,
		isPty:        v.IsPty,
		backgrounded: v.Backgrounded,
		recovered:    v.Recovered,
		status:       v.Status,
		exitSignal:   v.ExitSignal,
		truncated:    v.Truncated,
		buf:          []byte(v.Aggregated),
		done:         make(chan struct{}),
	}
	if v.ExitCode != nil {
		code := *v.ExitCode
		s.exitCode = &code
	}
	if v.EndedAt != nil {
		s.endedAt = *v.EndedAt
	}
	if s.status != protocol.ExecRunning {
		close(s.done)
	}
	return s
}

// CreateSessionID returns a fresh timestamp-sortable session id.
func CreateSessionID() string {
	return fmt.Sprintf("exec-%d-%s", time.Now().UnixMilli(), uuid.NewString()[:4])
}
