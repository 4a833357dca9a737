package protocol

import (
	"time"

	"github.com/shaunagostinho/moteino-ota/internal/logger"
)

// Default wait windows.
const (
	DefaultHandshakeWindow  = 5000 * time.Millisecond
	DefaultAckWindow        = 3000 * time.Millisecond
	DefaultAnnounceInterval = 1000 * time.Millisecond
	DefaultPollInterval     = 50 * time.Millisecond
)

// Timing holds the engine's wait windows.
type Timing struct {
	// HandshakeWindow bounds SelectTarget and Handshake.
	HandshakeWindow time.Duration
	// AckWindow bounds SendLineAndAwaitAck.
	AckWindow time.Duration
	// AnnounceInterval is the minimum gap between repeated handshake requests.
	AnnounceInterval time.Duration
	// PollInterval is the minimum time one empty poll takes, so a transport
	// whose reads return instantly doesn't spin.
	PollInterval time.Duration
}

// DefaultTiming returns the gateway's standard windows.
func DefaultTiming() Timing {
	return Timing{
		HandshakeWindow:  DefaultHandshakeWindow,
		AckWindow:        DefaultAckWindow,
		AnnounceInterval: DefaultAnnounceInterval,
		PollInterval:     DefaultPollInterval,
	}
}

// Option is a functional option for configuring the Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l logger.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// WithTiming replaces all wait windows. Non-positive fields keep their defaults.
func WithTiming(t Timing) Option {
	return func(e *Engine) {
		if t.HandshakeWindow > 0 {
			e.timing.HandshakeWindow = t.HandshakeWindow
		}
		if t.AckWindow > 0 {
			e.timing.AckWindow = t.AckWindow
		}
		if t.AnnounceInterval > 0 {
			e.timing.AnnounceInterval = t.AnnounceInterval
		}
		if t.PollInterval > 0 {
			e.timing.PollInterval = t.PollInterval
		}
	}
}
