package protocol

// AckResult is the outcome of waiting for a line acknowledgement.
type AckResult int

const (
	// TimedOut means no acknowledgement arrived within the window.
	TimedOut AckResult = iota
	// Acknowledged means the gateway confirmed the expected sequence number.
	Acknowledged
	// OutOfSync means the gateway acknowledged a different sequence number.
	OutOfSync
)

func (r AckResult) String() string {
	switch r {
	case TimedOut:
		return "timed-out"
	case Acknowledged:
		return "acknowledged"
	case OutOfSync:
		return "out-of-sync"
	default:
		return "unknown"
	}
}

// Ack is the result of SendLineAndAwaitAck.
type Ack struct {
	Result AckResult
	// PeerSeq is the sequence number the gateway reported. It is only
	// meaningful for Acknowledged and OutOfSync.
	PeerSeq int
}
