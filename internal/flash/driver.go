package flash

import (
	"context"
	"fmt"
	"time"

	"github.com/shaunagostinho/moteino-ota/internal/hexfile"
	"github.com/shaunagostinho/moteino-ota/internal/logger"
	"github.com/shaunagostinho/moteino-ota/internal/protocol"
)

// Engine is the set of protocol exchanges the Driver needs.
// *protocol.Engine implements it.
type Engine interface {
	SelectTarget(ctx context.Context, target int) (bool, error)
	Handshake(ctx context.Context, final bool) (bool, error)
	SendLineAndAwaitAck(ctx context.Context, seq int, payload string) (protocol.Ack, error)
	Listen(ctx context.Context, idle, maxWait time.Duration, fn func(string)) (int, error)
}

var _ Engine = (*protocol.Engine)(nil)

// Result summarises a finished run.
type Result struct {
	State State
	// Cursor is the final sequence cursor.
	Cursor int
	// Transmissions counts numbered lines written, resends included.
	Transmissions int
	// Retries counts timed-out lines charged to the retry budget.
	Retries int
	// Desyncs counts out-of-sync acknowledgements.
	Desyncs int
	// Drained counts lines read after completion.
	Drained int
	Elapsed time.Duration
}

// Driver runs transfers through an Engine.
type Driver struct {
	engine   Engine
	cfg      Config
	log      logger.Logger
	progress ProgressCallback
}

// New creates a Driver. cfg must come from NewConfig.
func New(engine Engine, cfg Config, opts ...Option) *Driver {
	if engine == nil {
		panic("engine cannot be nil")
	}
	d := &Driver{
		engine: engine,
		cfg:    cfg,
		log:    logger.With("component", "flash"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Config returns the run configuration.
func (d *Driver) Config() Config { return d.cfg }

// transfer is the mutable state of one run.
type transfer struct {
	state       State
	cursor      int
	budget      int
	lineDesyncs int
	total       int
	start       time.Time
	res         Result
}

// Run transfers img to the configured target. It returns the run summary
// and, when the run did not reach StateComplete, an *AbortError.
func (d *Driver) Run(ctx context.Context, img *hexfile.Image) (*Result, error) {
	t := &transfer{
		budget: d.cfg.retries,
		total:  img.DataLines(),
		start:  time.Now(),
	}
	target := d.cfg.target

	d.enter(t, StateSelectingTarget)
	if !ValidTarget(target) {
		return d.abort(t, fmt.Errorf("%w: %d (must be %d-%d)", ErrInvalidTarget, target, MinTarget, MaxTarget))
	}
	if d.cfg.strictTerminal {
		if err := img.Check(); err != nil {
			return d.abort(t, err)
		}
	}

	d.log.Info("selecting target", "target", target, "lines", t.total)
	ok, err := d.engine.SelectTarget(ctx, target)
	if err != nil {
		return d.abort(t, err)
	}
	if !ok {
		return d.abort(t, ErrGatewayUnresponsive)
	}

	d.enter(t, StateAwaitingStartHandshake)
	ok, err = d.engine.Handshake(ctx, false)
	if err != nil {
		return d.abort(t, err)
	}
	if !ok {
		return d.abort(t, ErrTargetUnresponsive)
	}

	d.enter(t, StateTransmitting)
	if err := d.transmit(ctx, t, img); err != nil {
		return d.abort(t, err)
	}

	d.enter(t, StateAwaitingFinalHandshake)
	ok, err = d.engine.Handshake(ctx, true)
	if err != nil {
		return d.abort(t, err)
	}
	if !ok {
		return d.abort(t, ErrNoFinalAck)
	}

	d.enter(t, StateComplete)
	d.log.Info("transfer complete",
		"target", target,
		"lines", t.cursor,
		"retries", t.res.Retries,
		"desyncs", t.res.Desyncs,
		"elapsed", time.Since(t.start).Round(time.Millisecond).String(),
	)
	d.drain(ctx, t)

	return d.result(t), nil
}

// transmit sends lines from the cursor until the end-of-file record.
func (d *Driver) transmit(ctx context.Context, t *transfer, img *hexfile.Image) error {
	for {
		if t.cursor >= img.Len() {
			return ErrImageExhausted
		}
		line := img.Line(t.cursor)
		if hexfile.IsTerminal(line) {
			return nil
		}

		ack, err := d.engine.SendLineAndAwaitAck(ctx, t.cursor, line)
		t.res.Transmissions++
		if err != nil {
			return err
		}

		switch ack.Result {
		case protocol.Acknowledged:
			t.cursor++
			t.lineDesyncs = 0
			d.report(t, "")

		case protocol.OutOfSync:
			t.res.Desyncs++
			t.lineDesyncs++
			d.log.Debug("out of sync, resending", "seq", t.cursor, "peer_seq", ack.PeerSeq)
			if d.cfg.desyncLimit > 0 && t.lineDesyncs > d.cfg.desyncLimit {
				return fmt.Errorf("%w: %d consecutive acks for other lines, last %d",
					ErrDesyncLimit, t.lineDesyncs, ack.PeerSeq)
			}

		default:
			if t.budget == 0 {
				return ErrRetriesExhausted
			}
			t.budget--
			t.res.Retries++
			d.log.Warn("timeout, retry", "seq", t.cursor, "retries_left", t.budget)
		}
	}
}

// drain logs whatever the gateway prints after a successful transfer.
func (d *Driver) drain(ctx context.Context, t *transfer) {
	if d.cfg.drainIdle <= 0 {
		return
	}
	n, err := d.engine.Listen(ctx, d.cfg.drainIdle, d.cfg.drainMax, func(line string) {
		d.log.Info("gateway", "line", line)
	})
	t.res.Drained = n
	if err != nil && ctx.Err() == nil {
		d.log.Warn("drain stopped", "error", err)
	}
}

func (d *Driver) enter(t *transfer, s State) {
	t.state = s
	d.log.Debug("state", "state", s.String())
	d.report(t, "")
}

func (d *Driver) abort(t *transfer, err error) (*Result, error) {
	failed := t.state
	t.state = StateAborted
	d.log.Error("transfer aborted", "state", failed.String(), "seq", t.cursor, "error", err)
	d.report(t, err.Error())

	return d.result(t), &AbortError{State: failed, Cursor: t.cursor, Err: err}
}

func (d *Driver) report(t *transfer, reason string) {
	if d.progress == nil {
		return
	}
	pct := 100.0
	if t.total > 0 {
		pct = float64(t.cursor) / float64(t.total) * 100
	}
	d.progress(Progress{
		Target:      d.cfg.target,
		State:       t.state,
		Cursor:      t.cursor,
		Total:       t.total,
		RetriesLeft: t.budget,
		Desyncs:     t.res.Desyncs,
		Percentage:  pct,
		Elapsed:     time.Since(t.start),
		Reason:      reason,
	})
}

func (d *Driver) result(t *transfer) *Result {
	res := t.res
	res.State = t.state
	res.Cursor = t.cursor
	res.Elapsed = time.Since(t.start)
	return &res
}
