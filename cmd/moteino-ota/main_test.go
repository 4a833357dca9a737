package main

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/moteino-ota/internal/logger"
	"github.com/shaunagostinho/moteino-ota/internal/protocol/prototest"
	"github.com/shaunagostinho/moteino-ota/internal/serialport"
)

const testImage = `:100000000C9434000C9446000C9446000C944600A2
:100010000C9446000C9446000C9446000C94460080
:00000001FF
`

type fixture struct {
	dir    string
	config string
	image  string
	opened []serialport.Config
}

func newFixture(t *testing.T, extraYAML string) *fixture {
	t.Helper()
	dir := t.TempDir()
	f := &fixture{
		dir:    dir,
		config: filepath.Join(dir, "config.yaml"),
		image:  filepath.Join(dir, "flash.hex"),
	}
	require.NoError(t, os.WriteFile(f.image, []byte(testImage), 0o644))
	require.NoError(t, os.WriteFile(f.config, []byte(`
serial:
  open_attempts: 1
transfer:
  handshake_ms: 150
  ack_ms: 80
  announce_ms: 20
  poll_ms: 2
  drain_idle_ms: 0
`+extraYAML), 0o644))

	orig := openPort
	t.Cleanup(func() {
		openPort = orig
		logger.SetDefault(logger.NewSlog(os.Stderr, logger.InfoLevel, ""))
	})
	return f
}

// serve makes openPort hand out tr.
func (f *fixture) serve(tr *prototest.Transport) {
	openPort = func(cfg serialport.Config, _ logger.Logger) (transport, error) {
		f.opened = append(f.opened, cfg)
		return nopCloser{tr}, nil
	}
}

func (f *fixture) run(args ...string) (int, string, string) {
	var stdout, stderr bytes.Buffer
	code := run(append([]string{"-config", f.config}, args...), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestHelp(t *testing.T) {
	f := newFixture(t, "")
	code, stdout, _ := f.run("-h")
	assert.Equal(t, 0, code)
	for _, flag := range []string{"-d", "-f", "-m", "-s", "-b", "-h"} {
		assert.Contains(t, stdout, flag)
	}
}

func TestUnknownFlag(t *testing.T) {
	f := newFixture(t, "")
	code, _, stderr := f.run("-x")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "-x")
}

func TestInvalidTargetWritesNothing(t *testing.T) {
	f := newFixture(t, "")
	tr := prototest.New("MID?OK")
	f.serve(tr)

	code, _, stderr := f.run("-f", f.image, "-m", "300")
	assert.Equal(t, 1, code)
	assert.Empty(t, f.opened)
	assert.Zero(t, tr.BytesWritten())
	assert.Contains(t, stderr, "invalid target id")
}

func TestMissingImage(t *testing.T) {
	f := newFixture(t, "")
	f.serve(prototest.New())

	code, _, stderr := f.run("-f", filepath.Join(f.dir, "nope.hex"), "-m", "10")
	assert.Equal(t, 1, code)
	assert.Empty(t, f.opened)
	assert.Contains(t, stderr, "image file not found")
}

func TestUploadComplete(t *testing.T) {
	f := newFixture(t, "")
	tr := prototest.New("MID?OK", "FLX?OK", "FLX:0:OK", "FLX:1:OK", "FLX?OK")
	f.serve(tr)

	code, stdout, _ := f.run("-f", f.image, "-m", "10", "-s", "/dev/ttyAMA0", "-b", "57600")
	assert.Equal(t, 0, code)
	assert.Len(t, tr.DataLines(), 2)
	assert.Equal(t, "MID:10", tr.Written()[0])
	assert.Contains(t, stdout, "complete: 2/2 lines")

	require.Len(t, f.opened, 1)
	assert.Equal(t, "/dev/ttyAMA0", f.opened[0].PortPath)
	assert.Equal(t, 57600, f.opened[0].BaudRate)
}

func TestSilentGateway(t *testing.T) {
	f := newFixture(t, "")
	tr := prototest.New()
	f.serve(tr)

	code, _, _ := f.run("-f", f.image, "-m", "10")
	assert.Equal(t, 1, code)
	assert.Equal(t, []string{"MID:10"}, tr.Written())
	assert.Empty(t, tr.WrittenWithPrefix("FLX?"))
}

func TestRetriesFlag(t *testing.T) {
	f := newFixture(t, "")
	// line 0 is never acknowledged
	tr := prototest.New("MID?OK", "FLX?OK")
	f.serve(tr)

	code, _, _ := f.run("-f", f.image, "-m", "10", "-retries", "1")
	assert.Equal(t, 1, code)
	assert.Len(t, tr.DataLines(), 2)
}

func TestOpenRetries(t *testing.T) {
	f := newFixture(t, "")
	openRetryDelay = time.Millisecond
	t.Cleanup(func() { openRetryDelay = time.Second })

	calls := 0
	openPort = func(serialport.Config, logger.Logger) (transport, error) {
		calls++
		return nil, errors.New("device busy")
	}
	require.NoError(t, os.WriteFile(f.config, []byte("serial:\n  open_attempts: 3\n"), 0o644))

	code, _, stderr := f.run("-f", f.image, "-m", "10")
	assert.Equal(t, 1, code)
	assert.Equal(t, 3, calls)
	assert.Contains(t, stderr, "device busy")
}

func TestDemo(t *testing.T) {
	f := newFixture(t, "")
	openPort = func(serialport.Config, logger.Logger) (transport, error) {
		t.Fatal("serial port opened in demo mode")
		return nil, nil
	}

	code, _, _ := f.run("-demo", "-f", f.image, "-m", "5")
	assert.Equal(t, 0, code)
}

func writeLargeImage(t *testing.T, path string, lines int) {
	t.Helper()
	var b strings.Builder
	for i := 0; i < lines; i++ {
		fmt.Fprintf(&b, ":10%04X000C9434000C9446000C9446000C944600A2\n", i*16)
	}
	b.WriteString(":00000001FF\n")
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0o644))
}

func TestDemoLargeImageDefaultRetries(t *testing.T) {
	f := newFixture(t, "demo:\n  latency_ms: 1\n")
	writeLargeImage(t, f.image, 300)

	code, stdout, stderr := f.run("-demo", "-f", f.image, "-m", "5")
	assert.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, "complete: 300/300 lines")
}

func TestDemoStaleAcksDoNotSpendRetries(t *testing.T) {
	f := newFixture(t, "demo:\n  latency_ms: 1\n")
	writeLargeImage(t, f.image, 100)

	code, _, stderr := f.run("-demo", "-demo-stale", "0.3", "-retries", "0", "-f", f.image, "-m", "5")
	assert.Equal(t, 0, code, stderr)
}

func TestTranscript(t *testing.T) {
	dir := t.TempDir()
	f := newFixture(t, "transcript:\n  path: "+dir+"\n")
	f.serve(prototest.New("MID?OK", "FLX?OK", "FLX:0:OK", "FLX:1:OK", "FLX?OK"))

	code, _, _ := f.run("-f", f.image, "-m", "10", "-transcript")
	require.Equal(t, 0, code)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	data, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	require.NoError(t, err)
	assert.Contains(t, string(data), "tx,MID:10")
	assert.True(t, strings.Contains(string(data), "rx,FLX?OK"))
}
