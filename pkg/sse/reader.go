// Package sse reads Server-Sent Events frames from a byte stream.
package sse

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"
)

// DefaultEvent is the event name used when a frame has no event: line
const DefaultEvent = "message"

// Frame is a single SSE record
type Frame struct {
	Event string
	Data  string
	ID    string
}

// FrameDecodeError reports a frame that could not be decoded. The frame is
// skipped and the stream remains usable.
type FrameDecodeError struct {
	Raw []byte
	Err error
}

func (e *FrameDecodeError) Error() string {
	return fmt.Sprintf("decode frame (%d bytes): %v", len(e.Raw), e.Err)
}

func (e *FrameDecodeError) Unwrap() error {
	return e.Err
}

// ErrInvalidUTF8 is wrapped by FrameDecodeError for frames that are not UTF-8
var ErrInvalidUTF8 = errors.New("invalid utf-8")

// IsFrameDecodeError reports whether err is a recoverable framing error
func IsFrameDecodeError(err error) bool {
	var fe *FrameDecodeError
	return errors.As(err, &fe)
}

// Reader splits a byte stream into frames on the blank-line delimiter
type Reader struct {
	r   *bufio.Reader
	buf bytes.Buffer
}

// NewReader creates a frame reader over r
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r)}
}

// Next returns the next frame. Frames without data are discarded. A
// *FrameDecodeError means the frame was skipped and Next may be called
// again; io.EOF marks a clean end of stream. Any other error is terminal.
func (r *Reader) Next() (Frame, error) {
	for {
		line, err := r.r.ReadBytes('\n')
		if len(line) > 0 && err == nil && isBlank(line) {
			if r.buf.Len() == 0 {
				// Stray delimiter between frames
				continue
			}

			raw := r.take()
			frame, ok, decodeErr := parseFrame(raw)
			if decodeErr != nil {
				return Frame{}, decodeErr
			}
			if !ok {
				continue
			}
			return frame, nil
		}

		r.buf.Write(line)

		if err != nil {
			// A trailing frame without its delimiter is incomplete
			r.buf.Reset()
			if errors.Is(err, io.EOF) {
				return Frame{}, io.EOF
			}
			return Frame{}, fmt.Errorf("read stream: %w", err)
		}
	}
}

// take returns a copy of the buffered frame and resets the buffer
func (r *Reader) take() []byte {
	raw := make([]byte, r.buf.Len())
	copy(raw, r.buf.Bytes())
	r.buf.Reset()
	return raw
}

func isBlank(line []byte) bool {
	return len(line) == 1 || (len(line) == 2 && line[0] == '\r')
}

// parseFrame extracts event, data and id fields. ok is false when the frame
// carries no data line.
func parseFrame(raw []byte) (Frame, bool, error) {
	if !utf8.Valid(raw) {
		return Frame{}, false, &FrameDecodeError{Raw: raw, Err: ErrInvalidUTF8}
	}

	frame := Frame{Event: DefaultEvent}
	var data []string
	hasData := false

	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSuffix(line, "\r")
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")

		switch field {
		case "event":
			if value != "" {
				frame.Event = value
			}
		case "data":
			hasData = true
			data = append(data, value)
		case "id":
			frame.ID = value
		}
	}

	if !hasData {
		return Frame{}, false, nil
	}

	frame.Data = strings.Join(data, "\n")
	return frame, true, nil
}

// Result is one item of a frame stream
type Result struct {
	Frame Frame
	Err   error
}

// Stream reads frames from r in a goroutine and delivers them in order.
// Frame decode errors are delivered and reading continues; the channel is
// closed after EOF, a terminal read error, or ctx cancellation.
func Stream(ctx context.Context, r io.Reader) <-chan Result {
	results := make(chan Result, 16)

	go func() {
		defer close(results)

		reader := NewReader(r)
		for {
			frame, err := reader.Next()
			if errors.Is(err, io.EOF) {
				return
			}

			select {
			case results <- Result{Frame: frame, Err: err}:
			case <-ctx.Done():
				return
			}

			if err != nil && !IsFrameDecodeError(err) {
				return
			}
		}
	}()

	return results
}
