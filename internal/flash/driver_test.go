package flash

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/moteino-ota/internal/hexfile"
	"github.com/shaunagostinho/moteino-ota/internal/protocol"
	"github.com/shaunagostinho/moteino-ota/internal/protocol/prototest"
)

// fakeEngine scripts the outcome of each exchange. Once acks runs out every
// line is acknowledged.
type fakeEngine struct {
	selectOK bool
	startOK  bool
	finalOK  bool
	acks     []protocol.AckResult
	drain    []string

	selects    int
	handshakes []bool
	sent       []int
	listened   bool
}

func newFakeEngine(acks ...protocol.AckResult) *fakeEngine {
	return &fakeEngine{selectOK: true, startOK: true, finalOK: true, acks: acks}
}

func (f *fakeEngine) SelectTarget(ctx context.Context, target int) (bool, error) {
	f.selects++
	return f.selectOK, nil
}

func (f *fakeEngine) Handshake(ctx context.Context, final bool) (bool, error) {
	f.handshakes = append(f.handshakes, final)
	if final {
		return f.finalOK, nil
	}
	return f.startOK, nil
}

func (f *fakeEngine) SendLineAndAwaitAck(ctx context.Context, seq int, payload string) (protocol.Ack, error) {
	f.sent = append(f.sent, seq)
	if len(f.acks) == 0 {
		return protocol.Ack{Result: protocol.Acknowledged, PeerSeq: seq}, nil
	}
	r := f.acks[0]
	f.acks = f.acks[1:]
	peer := seq
	if r == protocol.OutOfSync {
		peer = seq - 1
	}
	return protocol.Ack{Result: r, PeerSeq: peer}, nil
}

func (f *fakeEngine) Listen(ctx context.Context, idle, maxWait time.Duration, fn func(string)) (int, error) {
	f.listened = true
	for _, l := range f.drain {
		fn(l)
	}
	return len(f.drain), nil
}

const (
	line0 = ":100000000C9434000C9446000C9446000C944600A2"
	line1 = ":100010000C9446000C9446000C9446000C94460080"
)

func testImage() *hexfile.Image {
	return hexfile.FromLines(line0, line1, hexfile.TerminalRecord)
}

func testConfig(t *testing.T, opts ...ConfigOption) Config {
	t.Helper()
	opts = append([]ConfigOption{WithDrain(0, 0)}, opts...)
	cfg, err := NewConfig(10, opts...)
	require.NoError(t, err)
	return cfg
}

func TestRunComplete(t *testing.T) {
	eng := newFakeEngine()
	var states []State
	d := New(eng, testConfig(t), WithProgressCallback(func(p Progress) {
		if len(states) == 0 || states[len(states)-1] != p.State {
			states = append(states, p.State)
		}
	}))

	res, err := d.Run(context.Background(), testImage())
	require.NoError(t, err)
	assert.Equal(t, StateComplete, res.State)
	assert.Equal(t, 2, res.Cursor)
	assert.Equal(t, 2, res.Transmissions)
	assert.Equal(t, []int{0, 1}, eng.sent)
	assert.Equal(t, []bool{false, true}, eng.handshakes)
	assert.False(t, eng.listened)
	assert.Equal(t, []State{
		StateSelectingTarget,
		StateAwaitingStartHandshake,
		StateTransmitting,
		StateAwaitingFinalHandshake,
		StateComplete,
	}, states)
}

func TestRunInvalidTarget(t *testing.T) {
	eng := newFakeEngine()
	d := New(eng, Config{target: 300, strictTerminal: true})

	res, err := d.Run(context.Background(), testImage())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidTarget)
	assert.Equal(t, StateAborted, res.State)
	assert.Zero(t, eng.selects)
	assert.Empty(t, eng.sent)
}

func TestRunRetryBudget(t *testing.T) {
	const budget = 2

	t.Run("R timeouts then ack advances", func(t *testing.T) {
		eng := newFakeEngine(protocol.TimedOut, protocol.TimedOut)
		d := New(eng, testConfig(t, WithRetries(budget)))

		res, err := d.Run(context.Background(), testImage())
		require.NoError(t, err)
		assert.Equal(t, StateComplete, res.State)
		assert.Equal(t, budget, res.Retries)
		assert.Equal(t, []int{0, 0, 0, 1}, eng.sent)
	})

	t.Run("R+1 timeouts abort", func(t *testing.T) {
		eng := newFakeEngine(protocol.TimedOut, protocol.TimedOut, protocol.TimedOut)
		d := New(eng, testConfig(t, WithRetries(budget)))

		res, err := d.Run(context.Background(), testImage())
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrRetriesExhausted)
		assert.Equal(t, StateAborted, res.State)
		assert.Equal(t, 0, res.Cursor)
		assert.Equal(t, []int{0, 0, 0}, eng.sent)

		var abort *AbortError
		require.True(t, errors.As(err, &abort))
		assert.Equal(t, StateTransmitting, abort.State)
	})

	t.Run("budget is per run", func(t *testing.T) {
		// one timeout on each line spends the whole budget of 2
		eng := newFakeEngine(protocol.TimedOut, protocol.Acknowledged, protocol.TimedOut, protocol.TimedOut)
		d := New(eng, testConfig(t, WithRetries(budget)))

		res, err := d.Run(context.Background(), testImage())
		assert.ErrorIs(t, err, ErrRetriesExhausted)
		assert.Equal(t, 1, res.Cursor)
	})
}

func TestRunOutOfSyncKeepsBudget(t *testing.T) {
	eng := newFakeEngine(protocol.Acknowledged, protocol.OutOfSync, protocol.OutOfSync)
	var retriesLeft []int
	d := New(eng, testConfig(t, WithRetries(2)), WithProgressCallback(func(p Progress) {
		retriesLeft = append(retriesLeft, p.RetriesLeft)
	}))

	res, err := d.Run(context.Background(), testImage())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Desyncs)
	assert.Equal(t, 0, res.Retries)
	assert.Equal(t, []int{0, 1, 1, 1}, eng.sent)
	require.NotEmpty(t, retriesLeft)
	for _, r := range retriesLeft {
		assert.Equal(t, 2, r)
	}
}

func TestRunDesyncLimit(t *testing.T) {
	acks := make([]protocol.AckResult, 4)
	for i := range acks {
		acks[i] = protocol.OutOfSync
	}

	eng := newFakeEngine(acks...)
	d := New(eng, testConfig(t, WithDesyncLimit(3)))
	_, err := d.Run(context.Background(), testImage())
	assert.ErrorIs(t, err, ErrDesyncLimit)
	assert.Len(t, eng.sent, 4)

	eng = newFakeEngine(acks...)
	d = New(eng, testConfig(t, WithDesyncLimit(0)))
	res, err := d.Run(context.Background(), testImage())
	require.NoError(t, err)
	assert.Equal(t, 4, res.Desyncs)
}

func TestRunCursorMonotonic(t *testing.T) {
	eng := newFakeEngine(
		protocol.TimedOut, protocol.OutOfSync, protocol.Acknowledged,
		protocol.OutOfSync, protocol.TimedOut, protocol.Acknowledged,
	)
	var cursors []int
	d := New(eng, testConfig(t, WithRetries(5)), WithProgressCallback(func(p Progress) {
		cursors = append(cursors, p.Cursor)
	}))

	res, err := d.Run(context.Background(), testImage())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Cursor)
	for i := 1; i < len(cursors); i++ {
		step := cursors[i] - cursors[i-1]
		assert.True(t, step == 0 || step == 1, "cursor moved by %d", step)
	}
}

func TestRunHandshakeFailures(t *testing.T) {
	tests := []struct {
		name       string
		setup      func(*fakeEngine)
		err        error
		state      State
		handshakes []bool
	}{
		{"gateway silent", func(f *fakeEngine) { f.selectOK = false }, ErrGatewayUnresponsive, StateSelectingTarget, nil},
		{"target silent", func(f *fakeEngine) { f.startOK = false }, ErrTargetUnresponsive, StateAwaitingStartHandshake, []bool{false}},
		{"no final ack", func(f *fakeEngine) { f.finalOK = false }, ErrNoFinalAck, StateAwaitingFinalHandshake, []bool{false, true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eng := newFakeEngine()
			tt.setup(eng)
			d := New(eng, testConfig(t))

			res, err := d.Run(context.Background(), testImage())
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.err)
			assert.Equal(t, StateAborted, res.State)
			assert.Equal(t, tt.handshakes, eng.handshakes)

			var abort *AbortError
			require.True(t, errors.As(err, &abort))
			assert.Equal(t, tt.state, abort.State)
		})
	}
}

func TestRunStrictTerminal(t *testing.T) {
	images := map[string]*hexfile.Image{
		"missing":   hexfile.FromLines(line0, line1),
		"lowercase": hexfile.FromLines(line0, ":00000001ff"),
		"suffixed":  hexfile.FromLines(line0, ":00000001FF00"),
	}
	for name, img := range images {
		t.Run(name, func(t *testing.T) {
			eng := newFakeEngine()
			d := New(eng, testConfig(t))

			_, err := d.Run(context.Background(), img)
			require.Error(t, err)
			assert.Zero(t, eng.selects)
			assert.Empty(t, eng.sent)
		})
	}
}

func TestRunLenientImageExhausted(t *testing.T) {
	eng := newFakeEngine()
	d := New(eng, testConfig(t, WithStrictTerminal(false)))

	res, err := d.Run(context.Background(), hexfile.FromLines(line0, ":00000001ff"))
	assert.ErrorIs(t, err, ErrImageExhausted)
	assert.Equal(t, 2, res.Cursor)
	assert.Equal(t, []int{0, 1}, eng.sent)
	assert.Equal(t, []bool{false}, eng.handshakes)
}

func TestRunTerminalNeverSent(t *testing.T) {
	eng := newFakeEngine()
	d := New(eng, testConfig(t))

	// padded terminal record still matches after trimming
	img := hexfile.FromLines(line0, "  "+hexfile.TerminalRecord+" ", line1)
	res, err := d.Run(context.Background(), img)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Cursor)
	assert.Equal(t, []int{0}, eng.sent)
}

func TestRunDrain(t *testing.T) {
	eng := newFakeEngine()
	eng.drain = []string{"FLASH IMG LEN: 128", "SWAPPING...", "DONE"}
	cfg, err := NewConfig(10)
	require.NoError(t, err)

	res, err := New(eng, cfg).Run(context.Background(), testImage())
	require.NoError(t, err)
	assert.True(t, eng.listened)
	assert.Equal(t, 3, res.Drained)
}

func TestRunProgressReason(t *testing.T) {
	eng := newFakeEngine()
	eng.startOK = false
	var last Progress
	d := New(eng, testConfig(t), WithProgressCallback(func(p Progress) { last = p }))

	_, err := d.Run(context.Background(), testImage())
	require.Error(t, err)
	assert.Equal(t, StateAborted, last.State)
	assert.Contains(t, last.Reason, "no response from target")
	assert.Equal(t, 2, last.Total)
}

var wireTiming = protocol.Timing{
	HandshakeWindow:  150 * time.Millisecond,
	AckWindow:        80 * time.Millisecond,
	AnnounceInterval: 20 * time.Millisecond,
	PollInterval:     2 * time.Millisecond,
}

func runWire(t *testing.T, tr *prototest.Transport, target int) (*Result, error) {
	t.Helper()
	eng := protocol.NewEngine(tr, protocol.WithTiming(wireTiming))
	cfg := Config{target: target, retries: DefaultRetries, strictTerminal: true, desyncLimit: DefaultDesyncLimit}
	return New(eng, cfg).Run(context.Background(), testImage())
}

func TestWireHappyPath(t *testing.T) {
	tr := prototest.New("MID?OK", "FLX?OK", "FLX:0:OK", "FLX:1:OK", "FLX?OK")

	res, err := runWire(t, tr, 10)
	require.NoError(t, err)
	assert.Equal(t, StateComplete, res.State)
	assert.Equal(t, []string{"FLX:0" + line0, "FLX:1" + line1}, tr.DataLines())
	assert.Equal(t, []string{"MID:10"}, tr.WrittenWithPrefix("MID:"))
	assert.Equal(t, []string{"FLX?EOF"}, tr.WrittenWithPrefix("FLX?EOF"))
	assert.NotContains(t, tr.Written(), "FLX:2"+hexfile.TerminalRecord)
}

func TestWireStaleAckResendsLine(t *testing.T) {
	tr := prototest.New("MID?OK", "FLX?OK", "FLX:0:OK", "FLX:0:OK", "FLX:1:OK", "FLX?OK")

	res, err := runWire(t, tr, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Desyncs)
	assert.Equal(t, 0, res.Retries)
	assert.Equal(t, []string{
		"FLX:0" + line0,
		"FLX:1" + line1,
		"FLX:1" + line1,
	}, tr.DataLines())
}

func TestWireSilentGateway(t *testing.T) {
	tr := prototest.New()

	res, err := runWire(t, tr, 10)
	assert.ErrorIs(t, err, ErrGatewayUnresponsive)
	assert.Equal(t, StateAborted, res.State)
	assert.Empty(t, tr.WrittenWithPrefix("FLX"))
}

func TestWireInvalidTargetWritesNothing(t *testing.T) {
	tr := prototest.New("MID?OK")

	_, err := runWire(t, tr, 300)
	assert.ErrorIs(t, err, ErrInvalidTarget)
	assert.Zero(t, tr.BytesWritten())
}
