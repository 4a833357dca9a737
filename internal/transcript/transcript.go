// Package transcript records the gateway conversation to CSV files.
package transcript

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/shaunagostinho/moteino-ota/internal/logger"
	"github.com/shaunagostinho/moteino-ota/internal/protocol"
)

// Direction of a recorded line.
const (
	TX = "tx"
	RX = "rx"
)

// Config holds transcript configuration.
type Config struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
}

const (
	DefaultPath    = "transcripts"
	maxRowsPerFile = 100_000
)

var csvHeader = []string{"timestamp", "direction", "line"}

// Recorder writes timestamped lines to CSV files with automatic rotation.
type Recorder struct {
	mu      sync.Mutex
	dir     string
	enabled bool
	log     logger.Logger
	now     func() time.Time

	file   *os.File
	writer *csv.Writer
	rows   int
	paths  []string
}

// New creates a Recorder. Nothing is created on disk until the first line.
func New(cfg Config, log logger.Logger) *Recorder {
	if cfg.Path == "" {
		cfg.Path = DefaultPath
	}
	if log == nil {
		log = logger.With("component", "transcript")
	}
	return &Recorder{
		dir:     cfg.Path,
		enabled: cfg.Enabled,
		log:     log,
		now:     time.Now,
	}
}

// SetEnabled toggles recording.
func (r *Recorder) SetEnabled(on bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enabled = on
	if !on {
		r.closeFile()
	}
}

// Enabled reports whether lines are recorded.
func (r *Recorder) Enabled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enabled
}

// Record appends one line. Write failures are logged, never returned, so a
// full disk cannot break a transfer.
func (r *Recorder) Record(direction, line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.enabled {
		return
	}

	now := r.now()
	if r.writer == nil || r.rows >= maxRowsPerFile {
		if err := r.rotateFile(now); err != nil {
			r.log.Error("rotate failed", "error", err)
			return
		}
	}

	if err := r.writer.Write([]string{now.Format(time.RFC3339Nano), direction, line}); err != nil {
		r.log.Error("write failed", "error", err)
		return
	}
	r.writer.Flush()
	r.rows++
}

// Files returns the paths of all files opened so far.
func (r *Recorder) Files() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.paths...)
}

// Close flushes and closes the current file.
func (r *Recorder) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closeFile()
}

func (r *Recorder) rotateFile(now time.Time) error {
	r.closeFile()

	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", r.dir, err)
	}

	name := fmt.Sprintf("moteino-ota_%s_%d.csv", now.Format("2006-01-02_150405"), len(r.paths))
	path := filepath.Join(r.dir, name)
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}

	r.file = f
	r.writer = csv.NewWriter(f)
	r.rows = 0
	r.paths = append(r.paths, path)

	if err := r.writer.Write(csvHeader); err != nil {
		return err
	}
	r.writer.Flush()

	r.log.Info("opened", "path", path)
	return nil
}

func (r *Recorder) closeFile() {
	if r.writer != nil {
		r.writer.Flush()
		r.writer = nil
	}
	if r.file != nil {
		r.file.Close()
		r.file = nil
	}
}

// Wrap returns a Transport that records every line written to or read
// from t. Quiet polls are not recorded.
func (r *Recorder) Wrap(t protocol.Transport) protocol.Transport {
	return &recordingTransport{Transport: t, rec: r}
}

type recordingTransport struct {
	protocol.Transport
	rec *Recorder
}

func (t *recordingTransport) WriteLine(line string) error {
	t.rec.Record(TX, line)
	return t.Transport.WriteLine(line)
}

func (t *recordingTransport) ReadLine() (string, error) {
	line, err := t.Transport.ReadLine()
	if line != "" {
		t.rec.Record(RX, line)
	}
	return line, err
}
