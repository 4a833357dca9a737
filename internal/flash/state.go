package flash

// State is a transfer phase.
type State int

const (
	StateSelectingTarget State = iota
	StateAwaitingStartHandshake
	StateTransmitting
	StateAwaitingFinalHandshake
	StateComplete
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateSelectingTarget:
		return "selecting-target"
	case StateAwaitingStartHandshake:
		return "awaiting-start-handshake"
	case StateTransmitting:
		return "transmitting"
	case StateAwaitingFinalHandshake:
		return "awaiting-final-handshake"
	case StateComplete:
		return "complete"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateComplete || s == StateAborted
}
