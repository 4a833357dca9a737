package flash

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidTarget is returned for a target id outside 1-255.
	ErrInvalidTarget = errors.New("flash: invalid target id")
	// ErrGatewayUnresponsive means MID?OK never arrived.
	ErrGatewayUnresponsive = errors.New("flash: no response from gateway")
	// ErrTargetUnresponsive means the start handshake was never acknowledged.
	ErrTargetUnresponsive = errors.New("flash: no response from target")
	// ErrRetriesExhausted means a line ack timed out with no retries left.
	ErrRetriesExhausted = errors.New("flash: send timeout, retries exhausted")
	// ErrNoFinalAck means the end-of-transfer handshake was never acknowledged.
	ErrNoFinalAck = errors.New("flash: no final acknowledgement")
	// ErrDesyncLimit means the gateway kept acknowledging other sequence
	// numbers for the same line.
	ErrDesyncLimit = errors.New("flash: gateway did not resynchronise")
	// ErrImageExhausted means the image ended without an end-of-file record.
	ErrImageExhausted = errors.New("flash: image ended without end-of-file record")
)

// AbortError describes why and where a run was aborted.
type AbortError struct {
	// State is the phase the run was in when it failed.
	State State
	// Cursor is the sequence cursor at the time of failure.
	Cursor int
	Err    error
}

func (e *AbortError) Error() string {
	if e.State == StateTransmitting {
		return fmt.Sprintf("transfer aborted while %s line %d: %v", e.State, e.Cursor, e.Err)
	}
	return fmt.Sprintf("transfer aborted while %s: %v", e.State, e.Err)
}

func (e *AbortError) Unwrap() error { return e.Err }
