package convert

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// RunResult is what the engine left behind.
type RunResult struct {
	ExitCode int
	Signal   string
	Stdout   string
	Stderr   string
	TimedOut bool
	// Err is set when the process could not be started or waited on.
	Err error
}

// Killed reports whether the process ended on a signal.
func (r *RunResult) Killed() bool {
	return r.Signal != ""
}

// Runner spawns the engine. The process runs in its own process group and
// the whole group is killed once the deadline passes; WaitDelay bounds how
// long Wait blocks on pipes held open by orphaned children.
type Runner struct {
	WaitDelay time.Duration

	mu     sync.Mutex
	groups map[int]struct{}
}

func (r *Runner) track(pgid int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.groups == nil {
		r.groups = make(map[int]struct{})
	}
	r.groups[pgid] = struct{}{}
}

func (r *Runner) untrack(pgid int) {
	r.mu.Lock()
	delete(r.groups, pgid)
	r.mu.Unlock()
}

// KillAll kills the process group of every engine still running. Engines do
// not share the worker's process group, so they outlive an exiting worker
// unless killed here.
func (r *Runner) KillAll() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	killed := 0
	for pgid := range r.groups {
		if err := unix.Kill(-pgid, unix.SIGKILL); err == nil {
			killed++
		}
	}
	return killed
}

func (r *Runner) Run(ctx context.Context, path string, args, env []string, deadline time.Duration) *RunResult {
	runCtx, cancel := context.WithTimeout(ctx, max(deadline, 0))
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(runCtx, path, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.Env = append(os.Environ(), env...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
	}
	cmd.WaitDelay = r.WaitDelay
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = 5 * time.Second
	}

	err := cmd.Start()
	if err == nil {
		pgid := cmd.Process.Pid
		r.track(pgid)
		err = cmd.Wait()
		r.untrack(pgid)
	}
	res := &RunResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		TimedOut: errors.Is(runCtx.Err(), context.DeadlineExceeded),
	}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
		if ws, ok := cmd.ProcessState.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			res.Signal = ws.Signal().String()
		}
	} else {
		res.ExitCode = -1
	}

	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		res.Err = err
	}
	return res
}
