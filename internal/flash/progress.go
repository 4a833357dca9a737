package flash

import (
	"time"

	"github.com/shaunagostinho/moteino-ota/internal/logger"
)

// Progress is a snapshot of a running transfer, reported on every phase
// change and every acknowledged line.
type Progress struct {
	Target int
	State  State
	// Cursor is the index of the next line to send.
	Cursor int
	// Total is the number of numbered lines the image needs.
	Total int
	// RetriesLeft is the remaining retry budget.
	RetriesLeft int
	// Desyncs is the number of out-of-sync acks so far.
	Desyncs int
	// Percentage is the completion percentage (0.0 to 100.0).
	Percentage float64
	Elapsed    time.Duration
	// Reason is set when State is StateAborted.
	Reason string
}

// ProgressCallback receives progress snapshots. It runs on the transfer
// goroutine and should return quickly.
type ProgressCallback func(Progress)

// Option is a functional option for the Driver.
type Option func(*Driver)

// WithLogger sets the driver logger.
func WithLogger(l logger.Logger) Option {
	return func(d *Driver) {
		if l != nil {
			d.log = l
		}
	}
}

// WithProgressCallback sets a callback for progress snapshots.
func WithProgressCallback(cb ProgressCallback) Option {
	return func(d *Driver) {
		d.progress = cb
	}
}
