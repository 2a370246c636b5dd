package process

import "io"

// Launcher spawns a child process whose combined standard output and standard
// error are redirected into a pipe.
//
// Launch either returns a running Child, or an error after releasing every
// resource it created. A nil Child with a nil error means the platform cannot
// spawn processes; the handle then stays idle and reports not running.
type Launcher interface {
	Launch(spec Spec) (Child, error)
}

// Child is a spawned process together with the read end of its output pipe.
type Child interface {
	// Pid is the OS process identifier.
	Pid() int
	// Output is the read end of the pipe. Only the pump reads from it.
	Output() io.Reader
	// Running queries the OS without blocking. It may reap the child.
	Running() bool
	// Kill terminates the child forcefully. Killing an exited child is not an error.
	Kill() error
	// CloseOutput closes the read end, unblocking a pending read.
	CloseOutput() error
	// Wait blocks until the child has exited and its status has been collected.
	// It is safe to call more than once.
	Wait() (exitCode int, err error)
	// ExitCode reports the collected exit status, if any.
	ExitCode() (int, bool)
	// Release frees the remaining OS handles. The child must have been waited for.
	Release() error
}

// NopLauncher never spawns anything.
type NopLauncher struct{}

func (NopLauncher) Launch(Spec) (Child, error) { return nil, nil }

// DefaultLauncher returns the launcher for the current platform.
func DefaultLauncher() Launcher { return platformLauncher() }

// releaser runs cleanup functions in reverse order unless disarmed.
// Launchers use it to release partially created resources on error paths.
type releaser struct {
	fns []func()
}

func (r *releaser) add(fn func()) { r.fns = append(r.fns, fn) }

func (r *releaser) disarm() { r.fns = nil }

func (r *releaser) release() {
	for i := len(r.fns) - 1; i >= 0; i-- {
		r.fns[i]()
	}
	r.fns = nil
}
