package manager

import (
	"bytes"
	"strings"
	"sync"
)

const historySize = 10 * 1024 // 10KB of recent lines per service

// History keeps the most recent lines written to it, bounded by size in bytes.
// Only whole lines are kept.
type History struct {
	data []byte
	size int
	mu   sync.RWMutex
}

// NewHistory creates a history holding at most size bytes
func NewHistory(size int) *History {
	return &History{
		data: make([]byte, 0, size),
		size: size,
	}
}

// WriteLine appends one line, evicting the oldest lines when full
func (h *History) WriteLine(line string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	line = strings.TrimRight(line, "\n") + "\n"
	if len(line) > h.size {
		// Longer than the whole buffer: keep its tail only
		h.data = append(h.data[:0], line[len(line)-h.size:]...)
		return
	}

	if excess := len(h.data) + len(line) - h.size; excess > 0 {
		cut := excess
		if i := bytes.IndexByte(h.data[cut-1:], '\n'); i >= 0 {
			cut += i
		} else {
			cut = len(h.data)
		}
		h.data = append(h.data[:0], h.data[cut:]...)
	}
	h.data = append(h.data, line...)
}

// Lines returns the buffered lines, oldest first
func (h *History) Lines() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	text := strings.TrimSuffix(string(h.data), "\n")
	if text == "" {
		return nil
	}
	return strings.Split(text, "\n")
}

// Tail returns at most the last n lines
func (h *History) Tail(n int) []string {
	lines := h.Lines()
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines
}

// Broadcaster fans lines out to live subscribers. Slow subscribers miss lines
// rather than block the writer.
type Broadcaster struct {
	clients map[chan string]struct{}
	closed  bool
	mu      sync.RWMutex
}

// NewBroadcaster creates a new broadcaster
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{clients: make(map[chan string]struct{})}
}

// Subscribe registers a new client. The returned function unsubscribes and
// may be called more than once. The channel is closed on unsubscribe or when
// the broadcaster is closed.
func (b *Broadcaster) Subscribe() (<-chan string, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan string, 100)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	b.clients[ch] = struct{}{}

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := b.clients[ch]; ok {
				delete(b.clients, ch)
				close(ch)
			}
		})
	}
}

// Broadcast sends a line to all subscribers
func (b *Broadcaster) Broadcast(line string) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch := range b.clients {
		select {
		case ch <- line:
		default:
			// Skip if channel is full
		}
	}
}

// Close disconnects every subscriber
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for ch := range b.clients {
		delete(b.clients, ch)
		close(ch)
	}
}
