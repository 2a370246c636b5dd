//go:build windows

package process

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"

	winjob "github.com/kolesnikovae/go-winjob"
	"golang.org/x/sys/windows"
)

// stillActive is the exit code GetExitCodeProcess reports for a live process.
const stillActive = 259

var jobSeq atomic.Uint64

func platformLauncher() Launcher { return windowsLauncher{} }

// windowsLauncher creates the child without a console window, with both
// standard handles on the write end of a pipe, inside a job object that kills
// the whole process tree when it is closed.
type windowsLauncher struct{}

func (windowsLauncher) Launch(spec Spec) (Child, error) {
	var undo releaser
	defer undo.release()

	// Both ends are created non-inheritable; exec hands only the standard
	// handles to the child.
	r, w, err := os.Pipe()
	if err != nil {
		return nil, &SpawnError{Name: spec.Name, Path: spec.Path, Op: "pipe", Err: err}
	}
	undo.add(func() { r.Close() })
	undo.add(func() { w.Close() })

	cmd := exec.Command(spec.Path, spec.Args...)
	if cmd.Err != nil {
		return nil, &SpawnError{Name: spec.Name, Path: spec.Path, Op: "lookup", Err: cmd.Err}
	}
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env
	cmd.Stdout = w
	cmd.Stderr = w
	cmd.SysProcAttr = &syscall.SysProcAttr{
		HideWindow:    true,
		CmdLine:       commandLine(spec.Path, spec.Args),
		CreationFlags: windows.CREATE_NO_WINDOW,
	}

	job, err := winjob.Create(fmt.Sprintf("pipewatch-%d-%d", os.Getpid(), jobSeq.Add(1)),
		winjob.WithKillOnJobClose(),
		winjob.WithBreakawayOK(),
	)
	if err != nil {
		return nil, &SpawnError{Name: spec.Name, Path: spec.Path, Op: "job", Err: err}
	}
	undo.add(func() { _ = job.Close() })

	if err := winjob.StartInJobObject(cmd, job); err != nil {
		return nil, &SpawnError{Name: spec.Name, Path: spec.Path, Op: "start", Err: err}
	}
	undo.add(func() {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	})

	handle, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, uint32(cmd.Process.Pid))
	if err != nil {
		return nil, &SpawnError{Name: spec.Name, Path: spec.Path, Op: "open", Err: err}
	}

	undo.disarm()
	w.Close()

	return &windowsChild{cmd: cmd, out: r, job: job, handle: handle}, nil
}

type windowsChild struct {
	cmd    *exec.Cmd
	out    *os.File
	handle windows.Handle

	jobMu sync.Mutex
	job   *winjob.JobObject

	waitOnce sync.Once
	waitErr  error
	exited   atomic.Bool
	code     int
}

func (c *windowsChild) Pid() int { return c.cmd.Process.Pid }

func (c *windowsChild) Output() io.Reader { return c.out }

func (c *windowsChild) Running() bool {
	var code uint32
	if err := windows.GetExitCodeProcess(c.handle, &code); err != nil {
		return false
	}
	return code == stillActive
}

// Kill closes the job object, which terminates the child and every process
// it started, then terminates the child itself in case it broke away.
func (c *windowsChild) Kill() error {
	c.closeJob()
	if err := c.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}

func (c *windowsChild) CloseOutput() error {
	err := c.out.Close()
	if errors.Is(err, os.ErrClosed) {
		return nil
	}
	return err
}

func (c *windowsChild) Wait() (int, error) {
	c.waitOnce.Do(func() {
		err := c.cmd.Wait()
		var exitErr *exec.ExitError
		if err != nil && !errors.As(err, &exitErr) {
			c.waitErr = err
		}
		if c.cmd.ProcessState != nil {
			c.code = c.cmd.ProcessState.ExitCode()
			c.exited.Store(true)
		}
	})
	if !c.exited.Load() {
		return -1, c.waitErr
	}
	return c.code, c.waitErr
}

func (c *windowsChild) ExitCode() (int, bool) {
	if c.exited.Load() {
		return c.code, true
	}
	var code uint32
	if err := windows.GetExitCodeProcess(c.handle, &code); err != nil || code == stillActive {
		return 0, false
	}
	return int(code), true
}

func (c *windowsChild) Release() error {
	c.closeJob()
	err := c.CloseOutput()
	if c.handle != 0 {
		if cerr := windows.CloseHandle(c.handle); cerr != nil && err == nil {
			err = cerr
		}
		c.handle = 0
	}
	return err
}

func (c *windowsChild) closeJob() {
	c.jobMu.Lock()
	defer c.jobMu.Unlock()
	if c.job != nil {
		_ = c.job.Close()
		c.job = nil
	}
}

func isBrokenPipe(err error) bool {
	return errors.Is(err, windows.ERROR_BROKEN_PIPE)
}
