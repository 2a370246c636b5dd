package process

import (
	"errors"
	"fmt"
)

// ErrAlreadyStarted is returned by Start on a handle that already spawned a child.
var ErrAlreadyStarted = errors.New("process already started")

// SpawnError reports a failure to create the pipe or the child process.
// The handle that returned it holds no resources.
type SpawnError struct {
	Name string
	Path string
	Op   string // pipe, lookup, job, start or open
	Err  error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s (%s): %s: %v", e.Name, e.Path, e.Op, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// ReadError is a pipe read failure other than the pipe being closed.
// It ends the pump; it is logged, never returned.
type ReadError struct {
	Name string
	Err  error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("[%s] failed to read pipe: %v", e.Name, e.Err)
}

func (e *ReadError) Unwrap() error { return e.Err }
