package mcp

import (
	"bytes"
	"errors"
)

// MaxLineSize bounds a single unterminated line held by a Framer.
const MaxLineSize = 16 << 20

// ErrLineTooLong is returned by Feed when a line outgrows the framer's limit.
// The offending line is discarded up to its terminating newline.
var ErrLineTooLong = errors.New("mcp: line exceeds maximum size")

// Framer reassembles newline-delimited messages from arbitrarily chunked
// process output. It is not safe for concurrent use; each connection's
// reader goroutine owns its framer.
type Framer struct {
	buf        []byte
	max        int
	discarding bool
}

// NewFramer returns a framer that rejects lines longer than maxLine bytes.
// A non-positive maxLine means MaxLineSize.
func NewFramer(maxLine int) *Framer {
	if maxLine <= 0 {
		maxLine = MaxLineSize
	}
	return &Framer{max: maxLine}
}

// Feed appends chunk to the buffer and returns every complete line, trimmed
// of surrounding whitespace. Blank lines are skipped. The unterminated tail
// stays buffered for the next call. Returned slices are owned by the caller.
func (f *Framer) Feed(chunk []byte) ([][]byte, error) {
	f.buf = append(f.buf, chunk...)

	var (
		lines [][]byte
		err   error
		start int
	)
	for {
		i := bytes.IndexByte(f.buf[start:], '\n')
		if i < 0 {
			break
		}
		raw := f.buf[start : start+i]
		start += i + 1

		if f.discarding {
			f.discarding = false
			continue
		}
		if len(raw) > f.max {
			err = ErrLineTooLong
			continue
		}
		line := bytes.TrimSpace(raw)
		if len(line) == 0 {
			continue
		}
		lines = append(lines, bytes.Clone(line))
	}

	f.buf = append(f.buf[:0], f.buf[start:]...)
	if len(f.buf) > f.max {
		f.buf = f.buf[:0]
		f.discarding = true
		err = ErrLineTooLong
	}
	return lines, err
}

// Flush returns the trimmed unterminated tail, if any, and empties the buffer.
// Used at end of stream, where a final line may lack its newline.
func (f *Framer) Flush() []byte {
	defer f.Reset()
	if f.discarding {
		return nil
	}
	line := bytes.TrimSpace(f.buf)
	if len(line) == 0 {
		return nil
	}
	return bytes.Clone(line)
}

// Buffered reports how many bytes are waiting for a newline.
func (f *Framer) Buffered() int {
	return len(f.buf)
}

// Reset discards all buffered bytes.
func (f *Framer) Reset() {
	f.buf = f.buf[:0]
	f.discarding = false
}
