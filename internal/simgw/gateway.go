// Package simgw simulates a Moteino gateway and its target node so that
// transfers can be exercised without hardware.
package simgw

import (
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shaunagostinho/moteino-ota/internal/logger"
	"github.com/shaunagostinho/moteino-ota/internal/protocol"
)

// Gateway answers the gateway line protocol in memory. It implements
// protocol.Transport.
type Gateway struct {
	mu  sync.Mutex
	rnd *rand.Rand
	log logger.Logger

	latency      time.Duration
	dropRate     float64
	staleRate    float64
	silent       bool
	targetSilent bool
	noFinalAck   bool

	out      []reply
	target   int
	selected bool
	started  bool
	finished bool
	expected int
	received []string
	writes   int
}

type reply struct {
	line string
	at   time.Time
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithLatency delays every reply by d.
func WithLatency(d time.Duration) Option {
	return func(g *Gateway) { g.latency = d }
}

// WithDropRate makes the target miss a fraction p of data lines.
func WithDropRate(p float64) Option {
	return func(g *Gateway) { g.dropRate = p }
}

// WithStaleRate answers a fraction p of data lines with the ack for the
// previous line instead of their own.
func WithStaleRate(p float64) Option {
	return func(g *Gateway) { g.staleRate = p }
}

// WithSilentGateway makes the gateway ignore everything.
func WithSilentGateway() Option {
	return func(g *Gateway) { g.silent = true }
}

// WithSilentTarget makes the gateway answer MID: but the target never
// answers the handshake.
func WithSilentTarget() Option {
	return func(g *Gateway) { g.targetSilent = true }
}

// WithoutFinalAck leaves FLX?EOF unanswered.
func WithoutFinalAck() Option {
	return func(g *Gateway) { g.noFinalAck = true }
}

// WithBootChatter queues lines as if printed by the gateway on start-up.
func WithBootChatter(lines ...string) Option {
	return func(g *Gateway) {
		for _, l := range lines {
			g.out = append(g.out, reply{line: l})
		}
	}
}

// WithSeed makes fault injection reproducible.
func WithSeed(seed int64) Option {
	return func(g *Gateway) { g.rnd = rand.New(rand.NewSource(seed)) }
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(g *Gateway) {
		if l != nil {
			g.log = l
		}
	}
}

// New creates a simulated gateway.
func New(opts ...Option) *Gateway {
	g := &Gateway{
		rnd: rand.New(rand.NewSource(time.Now().UnixNano())),
		log: logger.With("component", "simgw"),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Gateway) WriteLine(line string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.writes++
	if g.silent {
		return nil
	}

	switch {
	case strings.HasPrefix(line, protocol.SelectPrefix):
		id, err := strconv.Atoi(strings.TrimPrefix(line, protocol.SelectPrefix))
		if err != nil {
			g.emit("invalid target id")
			return nil
		}
		g.target = id
		g.selected = true
		g.started = false
		g.emit(protocol.SelectAck)

	case line == protocol.HandshakeStart:
		if !g.selected || g.targetSilent {
			return nil
		}
		g.started = true
		g.finished = false
		g.expected = 0
		g.received = g.received[:0]
		g.emit(protocol.HandshakeAck)

	case line == protocol.HandshakeEOF:
		if !g.started || g.noFinalAck {
			return nil
		}
		g.finished = true
		g.emit(protocol.HandshakeAck)
		g.emit("FLASH IMG LEN: " + strconv.Itoa(len(g.received)) + " lines")
		g.emit("SWAPPING...")

	case strings.HasPrefix(line, protocol.LinePrefix):
		if g.started {
			g.dataLine(strings.TrimPrefix(line, protocol.LinePrefix))
		}

	default:
		g.emit("unknown command")
	}
	return nil
}

// dataLine handles "<seq><payload>".
func (g *Gateway) dataLine(body string) {
	i := 0
	for i < len(body) && body[i] >= '0' && body[i] <= '9' {
		i++
	}
	seq, err := strconv.Atoi(body[:i])
	if err != nil {
		return
	}
	if g.dropRate > 0 && g.rnd.Float64() < g.dropRate {
		g.log.Debug("dropped", "seq", seq)
		return
	}

	switch seq {
	case g.expected:
		g.received = append(g.received, body[i:])
		g.expected++
	case g.expected - 1:
		// retransmission of a line whose ack was lost
	default:
		if g.expected > 0 {
			g.emit(protocol.LinePrefix + strconv.Itoa(g.expected-1) + ":OK")
		}
		return
	}

	if seq > 0 && g.staleRate > 0 && g.rnd.Float64() < g.staleRate {
		g.emit(protocol.LinePrefix + strconv.Itoa(seq-1) + ":OK")
		return
	}
	g.emit(protocol.LinePrefix + strconv.Itoa(seq) + ":OK")
}

func (g *Gateway) emit(line string) {
	g.out = append(g.out, reply{line: line, at: time.Now().Add(g.latency)})
}

// ReadLine returns the next due reply, or "" when none is due.
func (g *Gateway) ReadLine() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.out) == 0 || time.Now().Before(g.out[0].at) {
		return "", nil
	}
	r := g.out[0]
	g.out = g.out[1:]
	return r.line, nil
}

func (g *Gateway) Flush() error { return nil }

// Target returns the last selected target id.
func (g *Gateway) Target() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.target
}

// Received returns the payloads accepted by the target, in order.
func (g *Gateway) Received() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.received...)
}

// Finished reports whether the end-of-transfer handshake was accepted.
func (g *Gateway) Finished() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.finished
}

// Writes returns how many lines were written to the gateway.
func (g *Gateway) Writes() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.writes
}
