package process

import (
	"errors"
	"io"
	"os"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// readChunkSize is the size of a single read from the output pipe.
const readChunkSize = 4096

// Spec describes the child to launch. Name only tags log lines.
type Spec struct {
	Name string
	Path string
	Args []string

	// Dir is the working directory; empty means the caller's.
	Dir string
	// Env is the complete environment; nil means the caller's.
	Env []string
}

func (s Spec) clone() Spec {
	s.Args = slices.Clone(s.Args)
	s.Env = slices.Clone(s.Env)
	return s
}

type state int32

const (
	stateNotStarted state = iota
	stateRunning
	stateStopping
	stateStopped
)

type options struct {
	logger   Logger
	decoder  Decoder
	launcher Launcher
}

// Option configures a Handle.
type Option func(*options)

// WithLogger sets the sink for captured lines and lifecycle messages.
func WithLogger(l Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithDecoder overrides the platform text decoding of captured lines.
func WithDecoder(d Decoder) Option {
	return func(o *options) { o.decoder = d }
}

// WithLauncher overrides the platform launcher.
func WithLauncher(l Launcher) Option {
	return func(o *options) { o.launcher = l }
}

// Handle owns one child process, its output pipe and the pump reading it.
//
// A Handle spawns at most one child. After Stop returns the pump has exited,
// the child has been reaped and every OS handle has been released.
type Handle struct {
	opts options

	// mu serialises Start and Stop.
	mu sync.Mutex

	state   atomic.Int32
	closing atomic.Bool

	spec    Spec
	child   Child
	started time.Time
	done    chan struct{}
}

// New returns an idle handle.
func New(opts ...Option) *Handle {
	o := options{logger: Discard}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = Discard
	}
	if o.decoder == nil {
		o.decoder = defaultDecoder()
	}
	if o.launcher == nil {
		o.launcher = platformLauncher()
	}
	return &Handle{opts: o, done: make(chan struct{})}
}

// Create builds a handle and starts it immediately. A spawn failure is logged
// and leaves a handle that reports not running and ignores Stop.
func Create(name, path string, args []string, opts ...Option) *Handle {
	h := New(opts...)
	if err := h.Start(Spec{Name: name, Path: path, Args: args}); err != nil {
		h.opts.logger.Logf(LevelError, "[%s] failed to start: %v", name, err)
	}
	return h
}

// Start launches the child described by spec and starts the pump. On failure
// the handle keeps no resources and remains unstarted.
func (h *Handle) Start(spec Spec) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if state(h.state.Load()) != stateNotStarted {
		return ErrAlreadyStarted
	}

	spec = spec.clone()
	child, err := h.opts.launcher.Launch(spec)
	if err != nil {
		return err
	}
	h.spec = spec
	if child == nil {
		return nil
	}

	h.child = child
	h.started = time.Now()
	h.state.Store(int32(stateRunning))

	go h.pump(child)
	return nil
}

// Name returns the name the handle was started with.
func (h *Handle) Name() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.spec.Name
}

// IsRunning asks the OS whether the child is still alive. It is false before
// Start, once Stop has been called, and once the child has exited.
func (h *Handle) IsRunning() bool {
	if h.closing.Load() || state(h.state.Load()) != stateRunning {
		return false
	}
	return h.child.Running()
}

// Pid returns the child's process identifier, or 0 if nothing was spawned.
func (h *Handle) Pid() int {
	if state(h.state.Load()) == stateNotStarted {
		return 0
	}
	return h.child.Pid()
}

// StartTime returns when the child was spawned.
func (h *Handle) StartTime() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.started
}

// ExitCode returns the child's exit status once it has been collected.
// A child killed by a signal reports -1.
func (h *Handle) ExitCode() (int, bool) {
	if state(h.state.Load()) == stateNotStarted {
		return 0, false
	}
	return h.child.ExitCode()
}

// Done is closed when the pump exits, that is when the output pipe has been
// closed and the child collected. It is never closed for a handle that did
// not spawn a child.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Stop kills the child, closes the pipe, waits for the pump to exit and
// releases every OS handle. It does nothing unless the handle is running, so
// calling it twice is harmless.
func (h *Handle) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if state(h.state.Load()) != stateRunning {
		return
	}
	name := h.spec.Name
	log := h.opts.logger

	h.closing.Store(true)
	h.state.Store(int32(stateStopping))
	log.Logf(LevelVerbose, "[%s] terminating...", name)

	if err := h.child.Kill(); err != nil {
		log.Logf(LevelError, "[%s] failed to kill: %v", name, err)
	}
	if err := h.child.CloseOutput(); err != nil {
		log.Logf(LevelError, "[%s] failed to close pipe: %v", name, err)
	}
	<-h.done

	if _, err := h.child.Wait(); err != nil {
		log.Logf(LevelError, "[%s] failed to reap: %v", name, err)
	}
	if err := h.child.Release(); err != nil {
		log.Logf(LevelError, "[%s] failed to release: %v", name, err)
	}

	h.state.Store(int32(stateStopped))
	log.Logf(LevelLog, "[%s] terminated", name)
}

// pump copies the child's output to the logger until the pipe closes or Stop
// is called, then collects the child's exit status.
func (h *Handle) pump(child Child) {
	defer close(h.done)

	name := h.spec.Name
	log := h.opts.logger
	asm := NewAssembler(h.opts.decoder)
	r := child.Output()
	buf := make([]byte, readChunkSize)

	for !h.closing.Load() {
		n, err := r.Read(buf)
		for line := range asm.Lines(buf[:n]) {
			log.Logf(LevelLog, "[%s] %s", name, line)
		}
		if err != nil {
			if !h.closing.Load() && !pipeClosed(err) {
				log.Logf(LevelError, "%v", &ReadError{Name: name, Err: err})
			}
			break
		}
	}
	if line, ok := asm.Flush(); ok {
		log.Logf(LevelLog, "[%s] %s", name, line)
	}

	code, err := child.Wait()
	if err != nil {
		log.Logf(LevelVerbose, "[%s] closed", name)
		return
	}
	log.Logf(LevelVerbose, "[%s] closed (%d)", name, code)
}

func pipeClosed(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, os.ErrClosed) ||
		errors.Is(err, io.ErrClosedPipe) ||
		isBrokenPipe(err)
}
