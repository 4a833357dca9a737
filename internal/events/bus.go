package events

import (
	"io"
	"sync"

	"github.com/shaunagostinho/moteino-ota/internal/flash"
	"github.com/shaunagostinho/moteino-ota/internal/logger"
)

// Sink receives events. Publish must not block.
type Sink interface {
	Publish(Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

func (f SinkFunc) Publish(e Event) { f(e) }

// Bus delivers every event to all registered sinks and remembers the last one.
type Bus struct {
	mu    sync.RWMutex
	sinks []Sink
	last  *Event
	log   logger.Logger
}

// NewBus creates a Bus with the given sinks.
func NewBus(sinks ...Sink) *Bus {
	b := &Bus{log: logger.With("component", "events")}
	for _, s := range sinks {
		b.Add(s)
	}
	return b
}

// Add registers a sink. Nil sinks are ignored.
func (b *Bus) Add(s Sink) {
	if s == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sinks = append(b.sinks, s)
}

// Publish delivers e to every sink in registration order.
func (b *Bus) Publish(e Event) {
	b.mu.Lock()
	b.last = &e
	sinks := b.sinks
	b.mu.Unlock()

	for _, s := range sinks {
		s.Publish(e)
	}
}

// Last returns the most recent event.
func (b *Bus) Last() (Event, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.last == nil {
		return Event{}, false
	}
	return *b.last, true
}

// Progress returns a driver callback that publishes every snapshot.
func (b *Bus) Progress() flash.ProgressCallback {
	return func(p flash.Progress) {
		b.Publish(FromProgress(p))
	}
}

// Close closes every sink that implements io.Closer.
func (b *Bus) Close() {
	b.mu.RLock()
	sinks := b.sinks
	b.mu.RUnlock()

	for _, s := range sinks {
		if c, ok := s.(io.Closer); ok {
			if err := c.Close(); err != nil {
				b.log.Warn("sink close failed", "error", err)
			}
		}
	}
}
