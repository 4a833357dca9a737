// Package flash drives a complete wireless firmware transfer.
//
// A Driver walks the image line by line through a protocol engine:
//
//	SelectingTarget -> AwaitingStartHandshake -> Transmitting
//	    -> AwaitingFinalHandshake -> Complete
//
// Any failure ends the run in Aborted. A line is resent when the gateway
// reports a different sequence number (no retry cost) or when its
// acknowledgement times out (one retry from the per-run budget). The
// end-of-file record is never sent as a numbered line; reaching it starts
// the final handshake.
//
// The sequence cursor and the retry budget are owned by the running Driver
// and never shared.
package flash
