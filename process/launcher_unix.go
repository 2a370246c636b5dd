//go:build unix

package process

import (
	"errors"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

func platformLauncher() Launcher { return unixLauncher{} }

// unixLauncher starts the child in a new session with both standard output
// and standard error on the write end of a pipe. Stop kills the child's
// process group, so descendants that stay in it go down too.
type unixLauncher struct{}

func (unixLauncher) Launch(spec Spec) (Child, error) {
	var undo releaser
	defer undo.release()

	r, w, err := os.Pipe()
	if err != nil {
		return nil, &SpawnError{Name: spec.Name, Path: spec.Path, Op: "pipe", Err: err}
	}
	undo.add(func() { r.Close() })
	undo.add(func() { w.Close() })

	// Resolves the path the way execvp does.
	cmd := exec.Command(spec.Path, spec.Args...)
	if cmd.Err != nil {
		return nil, &SpawnError{Name: spec.Name, Path: spec.Path, Op: "lookup", Err: cmd.Err}
	}
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env
	cmd.Stdout = w
	cmd.Stderr = w
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	// The read end is close-on-exec, so only w reaches the child. An exec
	// failure is reported here and the forked child never runs caller code.
	if err := cmd.Start(); err != nil {
		return nil, &SpawnError{Name: spec.Name, Path: spec.Path, Op: "start", Err: err}
	}

	undo.disarm()
	w.Close()

	pid := cmd.Process.Pid
	// Reaping goes through wait4 from here on.
	_ = cmd.Process.Release()

	return &unixChild{pid: pid, out: r}, nil
}

type unixChild struct {
	pid int
	out *os.File

	// mu serialises status collection so a non-blocking poll and the
	// blocking reap never both record the same pid.
	mu        sync.Mutex
	reaped    bool
	known     bool
	groupGone bool // seen empty after the reap; the id may belong to someone else now
	status unix.WaitStatus
}

func (c *unixChild) Pid() int { return c.pid }

func (c *unixChild) Output() io.Reader { return c.out }

func (c *unixChild) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reaped {
		c.probeGroupLocked()
		return false
	}
	var ws unix.WaitStatus
	wpid, err := unix.Wait4(c.pid, &ws, unix.WNOHANG, nil)
	for errors.Is(err, unix.EINTR) {
		wpid, err = unix.Wait4(c.pid, &ws, unix.WNOHANG, nil)
	}
	switch {
	case err != nil:
		c.recordLocked(ws, false)
		return false
	case wpid == c.pid:
		c.recordLocked(ws, true)
		return false
	}
	return true
}

// Kill terminates the child's whole process group. The child leads its own
// session, so the group id equals its pid. Before the reap that id cannot be
// reused. After it, the id stays ours only while a member is alive: the group
// is probed at the reap and on every poll, and is never signalled once it was
// seen empty. A group that empties and has its id taken by a new session
// leader between the last probe and Kill is still signalled.
func (c *unixChild) Kill() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.probeGroupLocked()
	if !c.groupGone {
		if err := unix.Kill(-c.pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
			return err
		}
	}
	if c.reaped {
		return nil
	}
	if err := unix.Kill(c.pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		return err
	}
	return nil
}

// probeGroupLocked records when the reaped child's process group has no
// members left.
func (c *unixChild) probeGroupLocked() {
	if !c.reaped || c.groupGone {
		return
	}
	if err := unix.Kill(-c.pid, 0); errors.Is(err, unix.ESRCH) {
		c.groupGone = true
	}
}

func (c *unixChild) CloseOutput() error {
	err := c.out.Close()
	if errors.Is(err, os.ErrClosed) {
		return nil
	}
	return err
}

func (c *unixChild) Wait() (int, error) {
	for {
		c.mu.Lock()
		if c.reaped {
			code := c.exitCodeLocked()
			c.mu.Unlock()
			return code, nil
		}
		c.mu.Unlock()

		var ws unix.WaitStatus
		wpid, err := unix.Wait4(c.pid, &ws, 0, nil)
		if errors.Is(err, unix.EINTR) {
			continue
		}

		c.mu.Lock()
		switch {
		case err == nil && wpid == c.pid:
			c.recordLocked(ws, true)
		case errors.Is(err, unix.ECHILD):
			// Collected by a concurrent Running call.
			c.recordLocked(ws, false)
		case err != nil:
			c.mu.Unlock()
			return -1, err
		}
		code := c.exitCodeLocked()
		c.mu.Unlock()
		return code, nil
	}
}

func (c *unixChild) ExitCode() (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.known {
		return 0, false
	}
	return c.exitCodeLocked(), true
}

func (c *unixChild) Release() error {
	return c.CloseOutput()
}

func (c *unixChild) recordLocked(ws unix.WaitStatus, known bool) {
	if c.reaped && (c.known || !known) {
		return
	}
	c.reaped = true
	c.known = known
	if known {
		c.status = ws
	}
	c.probeGroupLocked()
}

func (c *unixChild) exitCodeLocked() int {
	if !c.known {
		return -1
	}
	return c.status.ExitStatus()
}

func isBrokenPipe(error) bool { return false }
