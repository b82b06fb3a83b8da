package protocol

import (
	"bytes"
	"errors"
	"fmt"
)

// ErrFrameTooLarge wraps ErrMalformedMessage so callers treat it as a protocol violation.
var ErrFrameTooLarge = fmt.Errorf("%w: frame exceeds limit", ErrMalformedMessage)

// compactAbove is the buffer capacity past which a mostly consumed buffer is
// copied into a right-sized one.
const compactAbove = 64 << 10

// Framer accumulates stream bytes and yields complete newline-delimited frames.
// It is not safe for concurrent use.
type Framer struct {
	buf []byte
	max int
}

func NewFramer(maxFrame int) *Framer {
	return &Framer{max: maxFrame}
}

// Feed appends raw bytes read from the socket.
func (f *Framer) Feed(b []byte) {
	f.buf = append(f.buf, b...)
}

// Next returns the next complete frame without its newline. It returns
// (nil, nil) when no full frame is buffered yet.
func (f *Framer) Next() ([]byte, error) {
	idx := bytes.IndexByte(f.buf, '\n')
	if idx < 0 {
		if f.max > 0 && len(f.buf) > f.max {
			return nil, ErrFrameTooLarge
		}
		return nil, nil
	}
	if f.max > 0 && idx > f.max {
		return nil, ErrFrameTooLarge
	}
	frame := make([]byte, idx)
	copy(frame, f.buf[:idx])
	f.buf = f.buf[idx+1:]
	switch {
	case len(f.buf) == 0:
		f.buf = nil
	case cap(f.buf) > compactAbove && cap(f.buf) > 4*len(f.buf):
		// Release the backing array grown by an earlier large frame.
		f.buf = append([]byte(nil), f.buf...)
	}
	return trimNewline(frame), nil
}

// Buffered reports how many bytes await a terminating newline.
func (f *Framer) Buffered() int {
	return len(f.buf)
}

// IsMalformed reports whether err is a protocol violation from this package.
func IsMalformed(err error) bool {
	return errors.Is(err, ErrMalformedMessage)
}
