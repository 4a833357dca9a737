package protocol

import (
	"regexp"
	"strconv"
)

// Wire tokens.
const (
	SelectPrefix   = "MID:"
	SelectAck      = "MID?OK"
	HandshakeStart = "FLX?"
	HandshakeEOF   = "FLX?EOF"
	HandshakeAck   = "FLX?OK"
	LinePrefix     = "FLX:"
)

var lineAckPattern = regexp.MustCompile(`^FLX:([0-9]+):OK`)

// SelectMessage builds the target selection request.
func SelectMessage(target int) string {
	return SelectPrefix + strconv.Itoa(target)
}

// LineMessage builds the numbered line message. The sequence number and the
// payload are concatenated without a separator; the payload always starts
// with ':' so the gateway can split them.
func LineMessage(seq int, payload string) string {
	return LinePrefix + strconv.Itoa(seq) + payload
}

// ParseLineAck extracts the sequence number from a line acknowledgement.
// ok is false when line is not an acknowledgement.
func ParseLineAck(line string) (seq int, ok bool) {
	m := lineAckPattern.FindStringSubmatch(line)
	if m == nil {
		return 0, false
	}
	seq, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return seq, true
}
