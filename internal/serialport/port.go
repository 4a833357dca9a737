// Package serialport is the line-oriented serial link to the gateway.
package serialport

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.bug.st/serial"

	"github.com/shaunagostinho/moteino-ota/internal/logger"
)

// Config holds the serial connection settings.
type Config struct {
	PortPath string `yaml:"port_path" json:"portPath"`
	BaudRate int    `yaml:"baud_rate" json:"baudRate"`
	// Settle is the wait after opening, before boot output is drained.
	// Opening the port resets most Moteino gateways.
	Settle time.Duration `yaml:"settle" json:"settle"`
	// ReadTimeout bounds a single ReadLine call when nothing arrives.
	ReadTimeout time.Duration `yaml:"read_timeout" json:"readTimeout"`
}

const (
	DefaultPortPath    = "/dev/ttyUSB0"
	DefaultBaudRate    = 115200
	DefaultSettle      = 2 * time.Second
	DefaultReadTimeout = 100 * time.Millisecond

	drainSilence = 100 * time.Millisecond
	drainTimeout = 1500 * time.Millisecond

	// maxLineLen caps how much unterminated input is buffered before it is
	// handed out as a line anyway.
	maxLineLen = 4096
)

// ErrClosed is returned by operations on a closed Port.
var ErrClosed = errors.New("serialport: port closed")

// opener is swapped in tests.
var opener = func(path string, mode *serial.Mode) (serial.Port, error) {
	return serial.Open(path, mode)
}

// Port reads and writes newline-terminated text lines. It implements
// protocol.Transport.
type Port struct {
	mu      sync.Mutex
	port    serial.Port
	path    string
	timeout time.Duration
	pending []byte
	buf     []byte
	closed  bool
	log     logger.Logger
}

// Open opens cfg.PortPath at 8N1, waits cfg.Settle and discards whatever the
// gateway printed while booting.
func Open(cfg Config, log logger.Logger) (*Port, error) {
	if cfg.PortPath == "" {
		cfg.PortPath = DefaultPortPath
	}
	if cfg.BaudRate == 0 {
		cfg.BaudRate = DefaultBaudRate
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if log == nil {
		log = logger.With("component", "serial")
	}

	mode := &serial.Mode{
		BaudRate: cfg.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	sp, err := opener(cfg.PortPath, mode)
	if err != nil {
		return nil, fmt.Errorf("serialport: open %s: %w", cfg.PortPath, err)
	}

	p := newPort(sp, cfg.PortPath, cfg.ReadTimeout, log)
	if err := sp.SetReadTimeout(cfg.ReadTimeout); err != nil {
		sp.Close()
		return nil, fmt.Errorf("serialport: set timeout: %w", err)
	}
	log.Info("opened", "port", cfg.PortPath, "baud", cfg.BaudRate)

	if cfg.Settle > 0 {
		time.Sleep(cfg.Settle)
	}
	if err := p.drain("boot"); err != nil {
		sp.Close()
		return nil, err
	}
	return p, nil
}

func newPort(sp serial.Port, path string, timeout time.Duration, log logger.Logger) *Port {
	return &Port{
		port:    sp,
		path:    path,
		timeout: timeout,
		buf:     make([]byte, 256),
		log:     log,
	}
}

// Path returns the device path.
func (p *Port) Path() string { return p.path }

// WriteLine writes line followed by a newline.
func (p *Port) WriteLine(line string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}

	data := make([]byte, 0, len(line)+1)
	data = append(data, line...)
	data = append(data, '\n')
	for len(data) > 0 {
		n, err := p.port.Write(data)
		if err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}

// ReadLine returns the next complete line without its terminator. It
// returns "" with a nil error when nothing complete arrived within the read
// timeout. Partial input is kept for the next call.
func (p *Port) ReadLine() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return "", ErrClosed
	}

	if line, ok := p.takeLine(); ok {
		return line, nil
	}
	n, err := p.port.Read(p.buf)
	if err != nil {
		return "", err
	}
	if n == 0 {
		return "", nil
	}
	p.pending = append(p.pending, p.buf[:n]...)
	line, _ := p.takeLine()
	return line, nil
}

// takeLine cuts the first line out of pending. Overlong unterminated input
// is returned whole.
func (p *Port) takeLine() (string, bool) {
	if i := bytes.IndexByte(p.pending, '\n'); i >= 0 {
		line := string(bytes.TrimRight(p.pending[:i], "\r"))
		p.pending = p.pending[i+1:]
		return line, true
	}
	if len(p.pending) >= maxLineLen {
		line := string(p.pending)
		p.pending = p.pending[:0]
		return line, true
	}
	return "", false
}

// Flush blocks until written data has left the output buffer.
func (p *Port) Flush() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	return p.port.Drain()
}

// Close closes the port. Further calls return nil.
func (p *Port) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.port.Close()
}

// drain reads and discards pending input until drainSilence passes with no
// data or drainTimeout elapses. The port's read timeout is restored before it
// returns; failing to change it either way is an error.
func (p *Port) drain(label string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.port.SetReadTimeout(drainSilence); err != nil {
		return fmt.Errorf("serialport: drain %s: set timeout: %w", label, err)
	}

	total := 0
	deadline := time.Now().Add(drainTimeout)
	for time.Now().Before(deadline) {
		n, err := p.port.Read(p.buf)
		if err != nil || n == 0 {
			break
		}
		total += n
	}
	p.pending = p.pending[:0]
	if total > 0 {
		p.log.Debug("drained", "label", label, "bytes", total)
	}
	if err := p.port.SetReadTimeout(p.timeout); err != nil {
		return fmt.Errorf("serialport: drain %s: restore timeout: %w", label, err)
	}
	return nil
}
