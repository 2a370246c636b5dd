package process

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"
)

type logEntry struct {
	level Level
	text  string
}

// recordingLogger captures every message passed to Logf.
type recordingLogger struct {
	mu      sync.Mutex
	entries []logEntry
}

func (l *recordingLogger) Logf(level Level, format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, logEntry{level: level, text: fmt.Sprintf(format, args...)})
}

func (l *recordingLogger) snapshot() []logEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]logEntry, len(l.entries))
	copy(out, l.entries)
	return out
}

// lines returns the captured output lines of the named process, in order.
func (l *recordingLogger) lines(name string) []string {
	prefix := "[" + name + "] "
	var out []string
	for _, e := range l.snapshot() {
		if e.level != LevelLog || !strings.HasPrefix(e.text, prefix) {
			continue
		}
		text := strings.TrimPrefix(e.text, prefix)
		if text == "terminated" {
			continue
		}
		out = append(out, text)
	}
	return out
}

func (l *recordingLogger) contains(level Level, text string) bool {
	for _, e := range l.snapshot() {
		if e.level == level && e.text == text {
			return true
		}
	}
	return false
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met within %v", timeout)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// fakeLauncher hands out fakeChild values backed by an in-memory pipe.
type fakeLauncher struct {
	err      error
	launched []*fakeChild
}

func (f *fakeLauncher) Launch(spec Spec) (Child, error) {
	if f.err != nil {
		return nil, f.err
	}
	r, w := io.Pipe()
	c := &fakeChild{r: r, w: w, alive: true}
	f.launched = append(f.launched, c)
	return c, nil
}

type fakeChild struct {
	r *io.PipeReader
	w *io.PipeWriter

	mu       sync.Mutex
	alive    bool
	kills    int
	waits    int
	releases int
}

func (c *fakeChild) Pid() int          { return 4242 }
func (c *fakeChild) Output() io.Reader { return c.r }

func (c *fakeChild) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.alive
}

func (c *fakeChild) Kill() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.kills++
	c.alive = false
	return nil
}

func (c *fakeChild) CloseOutput() error { return c.r.Close() }

func (c *fakeChild) Wait() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.waits++
	return 0, nil
}

func (c *fakeChild) ExitCode() (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return 0, !c.alive
}

func (c *fakeChild) Release() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.releases++
	return nil
}

// exit simulates the child writing its last output and exiting.
func (c *fakeChild) exit(output string) {
	c.w.Write([]byte(output))
	c.mu.Lock()
	c.alive = false
	c.mu.Unlock()
	c.w.Close()
}
