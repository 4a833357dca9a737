package events

import (
	"fmt"
	"io"
	"sync"

	"github.com/schollz/progressbar/v3"
)

// Bar renders events as a terminal progress bar.
//
// The bar has one step per data line plus one for the final handshake, so
// it only reaches the end once the transfer is complete.
type Bar struct {
	mu  sync.Mutex
	w   io.Writer
	bar *progressbar.ProgressBar
	max int
}

// NewBar creates a Bar writing to w. The bar is sized by the first event.
func NewBar(w io.Writer) *Bar {
	return &Bar{w: w}
}

func (b *Bar) Publish(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.bar == nil {
		if e.Total <= 0 {
			return
		}
		b.max = e.Total + 1
		b.bar = progressbar.NewOptions(b.max,
			progressbar.OptionSetWriter(b.w),
			progressbar.OptionSetWidth(40),
			progressbar.OptionSetDescription(e.State),
			progressbar.OptionShowCount(),
		)
	}

	b.bar.Describe(e.State)
	if e.State == "complete" {
		b.bar.Finish()
	} else if e.Cursor < b.max {
		b.bar.Set(e.Cursor)
	}

	if e.Done {
		if e.Reason != "" {
			fmt.Fprintf(b.w, "\n%s at line %d/%d: %s\n", e.State, e.Cursor, e.Total, e.Reason)
		} else {
			fmt.Fprintf(b.w, "\n%s: %d/%d lines\n", e.State, e.Cursor, e.Total)
		}
		b.bar = nil
	}
}
