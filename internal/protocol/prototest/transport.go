// Package prototest provides a scripted protocol.Transport for tests.
package prototest

import (
	"strings"
	"sync"
)

// Transport replays queued responses and records every written line.
//
// ReadLine pops the next queued line; an empty queue reads as a quiet poll.
// Queue "" explicitly to insert a quiet poll between responses. When Noise is
// set, an empty queue reads as Noise instead, modelling a gateway that never
// stops talking.
type Transport struct {
	mu      sync.Mutex
	queue   []string
	written []string
	flushes int

	// OnWrite, when set, is called for every written line and its result is
	// appended to the response queue.
	OnWrite func(line string) []string

	// Noise is returned by ReadLine whenever the queue is empty.
	Noise string

	WriteErr error
	ReadErr  error
	FlushErr error
}

// New creates a Transport with the given responses queued.
func New(responses ...string) *Transport {
	return &Transport{queue: append([]string(nil), responses...)}
}

// Push queues more responses.
func (t *Transport) Push(lines ...string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.queue = append(t.queue, lines...)
}

func (t *Transport) WriteLine(line string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.WriteErr != nil {
		return t.WriteErr
	}
	t.written = append(t.written, line)
	if t.OnWrite != nil {
		t.queue = append(t.queue, t.OnWrite(line)...)
	}
	return nil
}

func (t *Transport) ReadLine() (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ReadErr != nil {
		return "", t.ReadErr
	}
	if len(t.queue) == 0 {
		return t.Noise, nil
	}
	line := t.queue[0]
	t.queue = t.queue[1:]
	return line, nil
}

func (t *Transport) Flush() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.flushes++
	return t.FlushErr
}

// Written returns a copy of all written lines.
func (t *Transport) Written() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.written...)
}

// WrittenWithPrefix returns the written lines starting with prefix.
func (t *Transport) WrittenWithPrefix(prefix string) []string {
	var out []string
	for _, l := range t.Written() {
		if strings.HasPrefix(l, prefix) {
			out = append(out, l)
		}
	}
	return out
}

// DataLines returns the numbered FLX:<seq> lines, leaving out handshakes.
func (t *Transport) DataLines() []string {
	var out []string
	for _, l := range t.WrittenWithPrefix("FLX:") {
		if len(l) > 4 && l[4] >= '0' && l[4] <= '9' {
			out = append(out, l)
		}
	}
	return out
}

// BytesWritten returns the number of bytes written, newlines included.
func (t *Transport) BytesWritten() int {
	n := 0
	for _, l := range t.Written() {
		n += len(l) + 1
	}
	return n
}

// Flushes returns how many times Flush was called.
func (t *Transport) Flushes() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.flushes
}

// Pending returns the number of queued responses not yet read.
func (t *Transport) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.queue)
}
