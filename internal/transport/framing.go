package transport

import (
	"bufio"
	"errors"
	"fmt"
	"io"
)

// Framing selects how a TCP byte stream is split into messages.
type Framing string

const (
	// FramingLine splits on '\n' and buffers partial messages across reads.
	// A line longer than the message cap is truncated to the cap and the
	// rest of it, up to the next '\n', is discarded.
	FramingLine Framing = "line"
	// FramingRead treats every successful read as exactly one message. It is
	// only correct when the peer writes one message per send and the network
	// neither coalesces nor fragments them.
	FramingRead Framing = "read"
)

// ParseFraming validates a framing name.
func ParseFraming(s string) (Framing, error) {
	switch Framing(s) {
	case FramingLine, FramingRead:
		return Framing(s), nil
	}
	return "", fmt.Errorf("transport: unknown framing %q", s)
}

type framer interface {
	next() ([]byte, error)
}

func newFramer(mode Framing, r io.Reader, maxMessage int) framer {
	if maxMessage <= 0 {
		maxMessage = 511
	}
	if mode == FramingRead {
		return &readFramer{r: r, buf: make([]byte, maxMessage)}
	}
	return &lineFramer{r: bufio.NewReaderSize(r, maxMessage+1), max: maxMessage}
}

type lineFramer struct {
	r   *bufio.Reader
	max int
	err error
}

func (f *lineFramer) next() ([]byte, error) {
	if f.err != nil {
		err := f.err
		f.err = nil
		return nil, err
	}
	line := make([]byte, 0, 64)
	for {
		b, err := f.r.ReadByte()
		if err != nil {
			// A trailing unterminated message is still a message.
			if len(line) > 0 && errors.Is(err, io.EOF) {
				return line, nil
			}
			return nil, err
		}
		if b == '\n' {
			return trimCR(line), nil
		}
		line = append(line, b)
		if len(line) >= f.max {
			// The read error, if any, is reported on the next call.
			f.err = f.skipLine()
			return trimCR(line), nil
		}
	}
}

func trimCR(line []byte) []byte {
	if n := len(line); n > 0 && line[n-1] == '\r' {
		return line[:n-1]
	}
	return line
}

// skipLine drops input through the next '\n'. EOF ends the line.
func (f *lineFramer) skipLine() error {
	for {
		_, err := f.r.ReadSlice('\n')
		switch {
		case err == nil, errors.Is(err, io.EOF):
			return nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		default:
			return err
		}
	}
}

type readFramer struct {
	r   io.Reader
	buf []byte
}

func (f *readFramer) next() ([]byte, error) {
	for {
		n, err := f.r.Read(f.buf)
		if n > 0 {
			msg := make([]byte, n)
			copy(msg, f.buf[:n])
			return msg, nil
		}
		if err != nil {
			return nil, err
		}
	}
}
