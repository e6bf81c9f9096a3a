package execsess

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
)

// StartParams describe a host process to spawn.
type StartParams struct {
	Command string
	Cwd     string
	Env     []string
}

// StartSession spawns `sh -c command` in its own process group, registers
// it, and wires output pumping and exit accounting. It returns as soon as
// the process has started; callers use WaitForExit to block on completion.
func (r *Registry) StartSession(p StartParams) (*View, error) {
	if p.Command == "" {
		return nil, fmt.Errorf("command is required")
	}

	cmd := exec.Command("sh", "-c", p.Command)
	cmd.Dir = p.Cwd
	if len(p.Env) > 0 {
		cmd.Env = append(os.Environ(), p.Env...)
	}
	// Own process group, so kill escalation reaches sh's children too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start command: %w", err)
	}

	id := CreateSessionID()
	view, err := r.Add(id, p.Command, p.Cwd, cmd.Process.Pid, false, &hostProc{cmd: cmd, stdin: stdin})
	if err != nil {
		cmd.Process.Kill()
		cmd.Wait()
		return nil, err
	}

	var pumps sync.WaitGroup
	pumps.Add(2)
	go r.pump(id, stdout, &pumps)
	go r.pump(id, stderr, &pumps)
	go func() {
		pumps.Wait()
		code, signal := exitState(cmd.Wait())
		r.MarkExited(id, code, signal)
	}()

	return view, nil
}

func (r *Registry) pump(id string, rd io.Reader, wg *sync.WaitGroup) {
	defer wg.Done()
	buf := make([]byte, 4096)
	for {
		n, err := rd.Read(buf)
		if n > 0 {
			r.AppendOutput(id, buf[:n])
		}
		if err != nil {
			return
		}
	}
}

func exitState(err error) (int, string) {
	if err == nil {
		return 0, ""
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return -1, signalName(ws.Signal())
		}
		return exitErr.ExitCode(), ""
	}
	return -1, ""
}

func signalName(sig syscall.Signal) string {
	switch sig {
	case syscall.SIGTERM:
		return "SIGTERM"
	case syscall.SIGKILL:
		return "SIGKILL"
	case syscall.SIGINT:
		return "SIGINT"
	case syscall.SIGHUP:
		return "SIGHUP"
	}
	return fmt.Sprintf("SIG%d", int(sig))
}

// hostProc adapts a locally spawned child to the Proc contract.
type hostProc struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser
}

// Signal targets the whole process group so sh -c children get it too.
func (h *hostProc) Signal(sig os.Signal) error {
	if s, ok := sig.(syscall.Signal); ok {
		return syscall.Kill(-h.cmd.Process.Pid, s)
	}
	return h.cmd.Process.Signal(sig)
}

func (h *hostProc) WriteStdin(p []byte) (int, error) {
	return h.stdin.Write(p)
}

func (h *hostProc) Resize(cols, rows int) error {
	return fmt.Errorf("session is not a pty")
}
