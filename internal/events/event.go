// Package events fans transfer progress out to observers: a terminal
// progress bar, the status server and an MQTT broker.
package events

import (
	"time"

	"github.com/shaunagostinho/moteino-ota/internal/flash"
)

// Event is the JSON form of a progress snapshot.
type Event struct {
	Type        string  `json:"type"`
	Target      int     `json:"target"`
	State       string  `json:"state"`
	Cursor      int     `json:"cursor"`
	Total       int     `json:"total"`
	RetriesLeft int     `json:"retriesLeft"`
	Desyncs     int     `json:"desyncs"`
	Percentage  float64 `json:"percentage"`
	ElapsedMs   int64   `json:"elapsedMs"`
	Reason      string  `json:"reason,omitempty"`
	Done        bool    `json:"done"`
	Timestamp   int64   `json:"ts"`
}

// FromProgress converts a driver snapshot.
func FromProgress(p flash.Progress) Event {
	return Event{
		Type:        "progress",
		Target:      p.Target,
		State:       p.State.String(),
		Cursor:      p.Cursor,
		Total:       p.Total,
		RetriesLeft: p.RetriesLeft,
		Desyncs:     p.Desyncs,
		Percentage:  p.Percentage,
		ElapsedMs:   p.Elapsed.Milliseconds(),
		Reason:      p.Reason,
		Done:        p.State.Terminal(),
		Timestamp:   time.Now().UnixMilli(),
	}
}
