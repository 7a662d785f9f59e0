package stream

import (
	"bytes"
	"fmt"
	"strings"
)

// MaxFrameSize bounds how much undelimited data the decoder buffers.
const MaxFrameSize = 1 << 20

var (
	crlf           = []byte("\r\n")
	lf             = []byte("\n")
	frameDelimiter = []byte("\n\n")
)

// Decoder reassembles server-sent events from arbitrarily split chunks.
type Decoder struct {
	buf []byte
}

func NewDecoder() *Decoder {
	return &Decoder{}
}

// Push appends chunk and returns every frame it completed, in order.
// Frames decoded before a malformed one are returned alongside the error.
func (d *Decoder) Push(chunk []byte) ([]Frame, error) {
	d.buf = append(d.buf, chunk...)
	if bytes.Contains(d.buf, crlf) {
		d.buf = bytes.ReplaceAll(d.buf, crlf, lf)
	}

	var frames []Frame
	for {
		idx := bytes.Index(d.buf, frameDelimiter)
		if idx < 0 {
			break
		}
		block := d.buf[:idx]
		d.buf = d.buf[idx+len(frameDelimiter):]

		frame, ok, err := parseBlock(block)
		if err != nil {
			d.buf = nil
			return frames, err
		}
		if ok {
			frames = append(frames, frame)
		}
	}

	if len(d.buf) > MaxFrameSize {
		d.buf = nil
		return frames, fmt.Errorf("%w: frame exceeds %d bytes", ErrMalformedFrame, MaxFrameSize)
	}
	return frames, nil
}

// Pending reports whether buffered bytes still wait for a delimiter.
func (d *Decoder) Pending() bool {
	return len(bytes.TrimSpace(d.buf)) > 0
}

// parseBlock reads one event block. Blocks without data lines (comments, keep-alives) are skipped.
func parseBlock(block []byte) (Frame, bool, error) {
	var (
		event string
		data  []string
	)
	for _, line := range strings.Split(string(block), "\n") {
		line = strings.TrimSuffix(line, "\r")
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "data":
			data = append(data, value)
		case "event":
			event = value
		case "id", "retry":
		}
	}

	if len(data) == 0 {
		return Frame{}, false, nil
	}
	frame, err := ParseFrame([]byte(strings.Join(data, "\n")), event)
	if err != nil {
		return Frame{}, false, err
	}
	return frame, true, nil
}
