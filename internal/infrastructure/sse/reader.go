// Package sse reads text/event-stream bodies frame by frame.
package sse

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"strconv"
	"strings"
)

const maxFrameSize = 1 << 20

// ErrFrameTooLarge is returned for an event with a line or payload over
// maxFrameSize. The event is dropped and the Reader stays usable.
var ErrFrameTooLarge = errors.New("sse: frame too large")

// Event is one dispatched server-sent event.
type Event struct {
	ID    string
	Type  string
	Data  []byte
	Retry int
	// Comment is set for comment-only frames, which servers use as keepalives.
	Comment bool
}

type Reader struct {
	br   *bufio.Reader
	line []byte
}

func NewReader(r io.Reader) *Reader {
	return &Reader{br: bufio.NewReaderSize(r, 4096)}
}

// readLine returns the next line without its terminator. A line over
// maxFrameSize is consumed up to its newline and reported as too long.
func (r *Reader) readLine() (string, bool, error) {
	r.line = r.line[:0]
	tooLong := false
	for {
		chunk, err := r.br.ReadSlice('\n')
		if !tooLong {
			if len(r.line)+len(chunk) > maxFrameSize {
				tooLong = true
				r.line = r.line[:0]
			} else {
				r.line = append(r.line, chunk...)
			}
		}
		switch {
		case err == nil:
			line := strings.TrimSuffix(string(r.line), "\n")
			return strings.TrimSuffix(line, "\r"), tooLong, nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		default:
			// An unterminated trailing line never completes a frame.
			return "", false, err
		}
	}
}

// Next blocks until a complete event is available. It returns io.EOF once
// the stream ends; a trailing partial frame is discarded.
func (r *Reader) Next() (Event, error) {
	var (
		ev        Event
		data      bytes.Buffer
		hasData   bool
		seen      bool
		oversized bool
	)

	for {
		line, tooLong, err := r.readLine()
		if err != nil {
			return Event{}, err
		}
		if tooLong {
			seen, oversized = true, true
			continue
		}

		if line == "" {
			if !seen {
				continue
			}
			if oversized {
				return Event{}, ErrFrameTooLarge
			}
			if hasData {
				ev.Data = data.Bytes()
				ev.Comment = false
			}
			return ev, nil
		}
		seen = true

		if strings.HasPrefix(line, ":") {
			if !hasData && ev.Type == "" {
				ev.Comment = true
			}
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")

		switch field {
		case "event":
			ev.Type = value
			ev.Comment = false
		case "data":
			if data.Len()+len(value) > maxFrameSize {
				oversized = true
				continue
			}
			if hasData {
				data.WriteByte('\n')
			}
			data.WriteString(value)
			hasData = true
		case "id":
			ev.ID = value
		case "retry":
			if n, err := strconv.Atoi(value); err == nil {
				ev.Retry = n
			}
		}
	}
}
