// Package supervisor implements the Child Supervisor (spec.md §4.4):
// spawning the mount/umount helper binaries, watching their pids, and
// routing termination notifications back onto the event loop. Process
// invocation follows the teacher's bootstrap pattern (exec.CommandContext,
// a UUID per invocation); the process-group sharing
// requirement is new domain behavior the spec calls for explicitly.
package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"mountd/mountunit"
)

// TerminationCode is the EXITED/KILLED/DUMPED classification of
// spec.md §4.4.
type TerminationCode int

const (
	Exited TerminationCode = iota
	Killed
	Dumped
)

// Termination is delivered on Supervisor.Done for a pid the caller was
// watching.
type Termination struct {
	PID    int
	Code   TerminationCode
	Status int // exit code for Exited, signal number for Killed
	Result mountunit.MountResult
	Err    error // non-nil only when waiting on the pid failed (result=resources)
}

// ErrUnwatchedPID is returned by Kill when no spawn is tracked for pid.
type ErrUnwatchedPID struct {
	PID int
}

func (e *ErrUnwatchedPID) Error() string {
	return fmt.Sprintf("supervisor: pid %d is not being watched", e.PID)
}

type watched struct {
	unitName string
	cmd      *exec.Cmd
	cancel   context.CancelFunc
}

// Supervisor spawns helper processes sharing its own process group (so
// the autofs kernel layer never sees a second request land while the
// first is unresolved, spec.md §4.4) and reports termination on Done.
type Supervisor struct {
	Done chan Termination

	mu      sync.Mutex
	running map[int]*watched
}

// New constructs a Supervisor. Done has a generous buffer since the
// single-threaded event loop may be busy processing a mount-table
// event when a child exits.
func New() *Supervisor {
	return &Supervisor{
		Done:    make(chan Termination, 64),
		running: make(map[int]*watched),
	}
}

// Spawn starts helperPath with args under ctx, sharing this process's
// process group per spec.md §4.4, and begins watching it for
// termination on behalf of unitName. It returns the invocation id and
// pid, or a resources error if the fork/exec itself failed.
func (s *Supervisor) Spawn(ctx context.Context, unitName, helperPath string, args []string) (invocationID string, pid int, err error) {
	ctx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(ctx, helperPath, args...)

	if err := cmd.Start(); err != nil {
		cancel()
		return "", 0, fmt.Errorf("supervisor: spawn %s: %w", helperPath, err)
	}

	invocationID = uuid.New().String()
	pid = cmd.Process.Pid

	s.mu.Lock()
	s.running[pid] = &watched{unitName: unitName, cmd: cmd, cancel: cancel}
	s.mu.Unlock()

	go s.wait(pid, cmd)

	return invocationID, pid, nil
}

// Rewatch re-attaches the supervisor to a pid surviving a coldplug
// reload-across-exec (spec.md §4.9). Because the process image reload
// is an execve of the same pid, not a fork/exec, every still-running
// helper is genuinely still this process's child, so os.Process.Wait
// resolves exactly as it would have before the reload.
func (s *Supervisor) Rewatch(unitName string, pid int) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("supervisor: rewatch pid %d: %w", pid, err)
	}

	s.mu.Lock()
	s.running[pid] = &watched{unitName: unitName}
	s.mu.Unlock()

	go s.waitRewatched(pid, proc)
	return nil
}

// wait blocks for the child's exit and classifies the result per
// spec.md §4.4, then delivers it on Done.
func (s *Supervisor) wait(pid int, cmd *exec.Cmd) {
	err := cmd.Wait()
	s.finish(pid, cmd.ProcessState, err)
}

// waitRewatched is wait's counterpart for a pid reattached via
// Rewatch, which has no *exec.Cmd to call Wait on.
func (s *Supervisor) waitRewatched(pid int, proc *os.Process) {
	state, err := proc.Wait()
	s.finish(pid, state, err)
}

// finish classifies a completed wait and delivers it on Done. ps may
// be nil if waitErr itself indicates the wait call failed outright
// (e.g. the pid was never actually our child).
func (s *Supervisor) finish(pid int, ps *os.ProcessState, waitErr error) {
	s.mu.Lock()
	w, ok := s.running[pid]
	if ok {
		delete(s.running, pid)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	if w.cancel != nil {
		w.cancel()
	}

	term := Termination{PID: pid}

	if ps == nil {
		term.Code = Exited
		term.Result = mountunit.ResultResources
		term.Err = waitErr
		s.Done <- term
		return
	}

	status, ok := ps.Sys().(syscall.WaitStatus)
	if !ok {
		term.Code = Exited
		term.Status = ps.ExitCode()
		if term.Status == 0 {
			term.Result = mountunit.ResultSuccess
		} else {
			term.Result = mountunit.ResultExitCode
		}
		s.Done <- term
		return
	}

	switch {
	case status.Exited():
		term.Code = Exited
		term.Status = status.ExitStatus()
		if status.ExitStatus() == 0 {
			term.Result = mountunit.ResultSuccess
		} else {
			term.Result = mountunit.ResultExitCode
		}
	case status.Signaled():
		term.Status = int(status.Signal())
		if status.CoreDump() {
			term.Code = Dumped
			term.Result = mountunit.ResultCoreDump
		} else {
			term.Code = Killed
			term.Result = mountunit.ResultSignal
		}
	default:
		// Unknown termination shape: spec.md §4.6 treats an
		// unrecognized SIGCHLD-style code as a programmer error.
		panic(fmt.Sprintf("supervisor: pid %d terminated with unrecognized wait status %v", pid, status))
	}

	s.Done <- term
}

// Kill sends signal to pid itself (helpers share the supervisor's
// process group, so the group is not signaled), matching the
// escalation spec.md §4.6 drives (SIGTERM then SIGKILL).
func (s *Supervisor) Kill(pid int, signal unix.Signal) error {
	s.mu.Lock()
	_, ok := s.running[pid]
	s.mu.Unlock()
	if !ok {
		return &ErrUnwatchedPID{PID: pid}
	}

	if err := unix.Kill(pid, signal); err != nil {
		return fmt.Errorf("supervisor: kill pid %d: %w", pid, err)
	}
	return nil
}

// IsWatched reports whether pid currently has a tracked spawn, used by
// coldplug re-attachment (spec.md §4.9) to avoid double-watching.
func (s *Supervisor) IsWatched(pid int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.running[pid]
	return ok
}
