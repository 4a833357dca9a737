// Package hexfile loads an Intel HEX image as the ordered list of text lines
// that is streamed to the gateway.
//
// Record contents are not interpreted. The only record the package knows
// about is the end-of-file record that terminates every valid image.
package hexfile

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"
)

// TerminalRecord is the Intel HEX end-of-file record.
const TerminalRecord = ":00000001FF"

var (
	// ErrNotFound is returned when the image file does not exist.
	ErrNotFound = errors.New("hexfile: image not found")
	// ErrNoTerminalRecord is returned by Check when no line equals TerminalRecord.
	ErrNoTerminalRecord = errors.New("hexfile: no end-of-file record")
	// ErrAmbiguousTerminal is returned by Check when a line resembles the
	// end-of-file record without matching it exactly.
	ErrAmbiguousTerminal = errors.New("hexfile: malformed end-of-file record")
)

// Image is an immutable, ordered sequence of trimmed HEX lines.
type Image struct {
	path  string
	lines []string
}

// Load reads the image at path.
func Load(path string) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("hexfile: open %s: %w", path, err)
	}
	defer f.Close()

	img, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("hexfile: read %s: %w", path, err)
	}
	img.path = path
	return img, nil
}

// Parse reads lines from r. Surrounding whitespace (including CR) is trimmed
// and blank lines are dropped.
func Parse(r io.Reader) (*Image, error) {
	var lines []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return &Image{lines: lines}, nil
}

// FromLines builds an image from in-memory lines, trimmed the same way Parse does.
func FromLines(lines ...string) *Image {
	img := &Image{lines: make([]string, 0, len(lines))}
	for _, l := range lines {
		if l = strings.TrimSpace(l); l != "" {
			img.lines = append(img.lines, l)
		}
	}
	return img
}

// Path returns the file the image was loaded from, if any.
func (img *Image) Path() string { return img.path }

// Len returns the number of lines.
func (img *Image) Len() int { return len(img.lines) }

// Line returns the line at index i.
func (img *Image) Line(i int) string { return img.lines[i] }

// Lines returns a copy of all lines.
func (img *Image) Lines() []string {
	out := make([]string, len(img.lines))
	copy(out, img.lines)
	return out
}

// DataLines returns the number of lines before the first terminal record,
// i.e. the number of numbered lines a complete transfer sends.
func (img *Image) DataLines() int {
	if i := img.TerminalIndex(); i >= 0 {
		return i
	}
	return len(img.lines)
}

// TerminalIndex returns the index of the first terminal record, or -1.
func (img *Image) TerminalIndex() int {
	for i, l := range img.lines {
		if IsTerminal(l) {
			return i
		}
	}
	return -1
}

// Check reports images whose end-of-file record would not be recognised:
// a line that only resembles the record, or no record at all.
func (img *Image) Check() error {
	for i, l := range img.lines {
		if IsTerminal(l) {
			return nil
		}
		if resemblesTerminal(l) {
			return fmt.Errorf("%w: line %d is %q", ErrAmbiguousTerminal, i+1, l)
		}
	}
	return ErrNoTerminalRecord
}

// IsTerminal reports whether line is the end-of-file record. The comparison
// is exact after trimming surrounding whitespace.
func IsTerminal(line string) bool {
	return strings.TrimSpace(line) == TerminalRecord
}

func resemblesTerminal(line string) bool {
	return strings.Contains(strings.ToUpper(line), TerminalRecord)
}
