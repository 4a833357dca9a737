package protocol

// Transport is a line-oriented, half-duplex byte stream to the gateway.
type Transport interface {
	// WriteLine writes line followed by a newline.
	WriteLine(line string) error
	// ReadLine returns the next complete line without its terminator.
	// It blocks for at most one poll period and returns "" with a nil
	// error when nothing arrived.
	ReadLine() (string, error)
	// Flush blocks until written data has left the host.
	Flush() error
}
