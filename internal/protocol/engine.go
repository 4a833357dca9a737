package protocol

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shaunagostinho/moteino-ota/internal/logger"
)

// Engine performs the individual exchanges of the gateway protocol.
type Engine struct {
	t      Transport
	timing Timing
	log    logger.Logger
}

// NewEngine creates an Engine on top of t.
func NewEngine(t Transport, opts ...Option) *Engine {
	if t == nil {
		panic("transport cannot be nil")
	}
	e := &Engine{
		t:      t,
		timing: DefaultTiming(),
		log:    logger.With("component", "protocol"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Timing returns the windows in effect.
func (e *Engine) Timing() Timing { return e.timing }

// SelectTarget asks the gateway to address target and waits for MID?OK.
//
// The request is written once. Unrelated lines are logged and skipped; they
// do not extend the window. It returns false when the window elapses.
func (e *Engine) SelectTarget(ctx context.Context, target int) (bool, error) {
	if err := e.send(SelectMessage(target)); err != nil {
		return false, err
	}

	deadline := time.Now().Add(e.timing.HandshakeWindow)
	for time.Now().Before(deadline) {
		line, err := e.poll(ctx, deadline)
		if err != nil {
			return false, err
		}
		if line == "" {
			continue
		}
		if line == SelectAck {
			e.log.Info("target selected", "target", target)
			return true, nil
		}
		e.log.Info("gateway", "line", line)
	}
	return false, nil
}

// Handshake announces FLX? (or FLX?EOF when final) and waits for FLX?OK.
//
// The request is repeated while the gateway stays quiet, at most once per
// AnnounceInterval, until the window elapses.
func (e *Engine) Handshake(ctx context.Context, final bool) (bool, error) {
	req := HandshakeStart
	if final {
		req = HandshakeEOF
	}

	deadline := time.Now().Add(e.timing.HandshakeWindow)
	var lastAnnounce time.Time
	quiet := true
	for time.Now().Before(deadline) {
		if quiet && time.Since(lastAnnounce) >= e.timing.AnnounceInterval {
			if err := e.send(req); err != nil {
				return false, err
			}
			lastAnnounce = time.Now()
		}

		line, err := e.poll(ctx, deadline)
		if err != nil {
			return false, err
		}
		quiet = line == ""
		if quiet {
			continue
		}
		if line == HandshakeAck {
			e.log.Info("handshake ok", "final", final)
			return true, nil
		}
		e.log.Info("gateway", "line", line)
	}
	return false, nil
}

// SendLineAndAwaitAck sends payload as line seq and waits for FLX:<seq>:OK.
//
// An acknowledgement for any other sequence number ends the wait at once
// with OutOfSync. Lines that are not acknowledgements are ignored and do not
// extend the window.
func (e *Engine) SendLineAndAwaitAck(ctx context.Context, seq int, payload string) (Ack, error) {
	if err := e.send(LineMessage(seq, payload)); err != nil {
		return Ack{Result: TimedOut}, err
	}

	deadline := time.Now().Add(e.timing.AckWindow)
	for time.Now().Before(deadline) {
		line, err := e.poll(ctx, deadline)
		if err != nil {
			return Ack{Result: TimedOut}, err
		}
		if line == "" {
			continue
		}
		peer, ok := ParseLineAck(line)
		if !ok {
			e.log.Info("gateway", "line", line)
			continue
		}
		if peer == seq {
			return Ack{Result: Acknowledged, PeerSeq: peer}, nil
		}
		e.log.Debug("ack out of sync", "seq", seq, "peer_seq", peer)
		return Ack{Result: OutOfSync, PeerSeq: peer}, nil
	}
	return Ack{Result: TimedOut}, nil
}

// Listen reads lines until idle passes with no traffic, maxWait elapses, or ctx
// is done, handing each non-empty line to fn. It returns the number of lines seen.
func (e *Engine) Listen(ctx context.Context, idle, maxWait time.Duration, fn func(string)) (int, error) {
	deadline := time.Now().Add(maxWait)
	lastRx := time.Now()
	count := 0
	for time.Now().Before(deadline) && time.Since(lastRx) < idle {
		line, err := e.poll(ctx, deadline)
		if err != nil {
			return count, err
		}
		if line == "" {
			continue
		}
		lastRx = time.Now()
		count++
		if fn != nil {
			fn(line)
		}
	}
	return count, nil
}

func (e *Engine) send(line string) error {
	e.log.Debug("tx", "line", line)
	if err := e.t.WriteLine(line); err != nil {
		return fmt.Errorf("protocol: write %q: %w", line, err)
	}
	if err := e.t.Flush(); err != nil {
		return fmt.Errorf("protocol: flush: %w", err)
	}
	return nil
}

// poll performs one read. An empty poll takes at least PollInterval, cut
// short by deadline or ctx.
func (e *Engine) poll(ctx context.Context, deadline time.Time) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	start := time.Now()
	raw, err := e.t.ReadLine()
	if err != nil {
		return "", fmt.Errorf("protocol: read: %w", err)
	}
	if line := strings.TrimSpace(raw); line != "" {
		e.log.Debug("rx", "line", line)
		return line, nil
	}

	wait := e.timing.PollInterval - time.Since(start)
	if left := time.Until(deadline); left < wait {
		wait = left
	}
	if wait <= 0 {
		return "", nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-timer.C:
		return "", nil
	}
}
