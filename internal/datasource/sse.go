package datasource

import (
	"bufio"
	"bytes"
	"io"
	"strings"
)

// Buffer limits for the event-stream scanner. Full-sync payloads for large
// projects can run to megabytes on a single data line.
const (
	sseInitialBuffer = 64 * 1024
	sseMaxLineSize   = 16 * 1024 * 1024
)

// sseEvent is one decoded server-sent event.
type sseEvent struct {
	Name string
	ID   string
	Data []byte
}

// sseReader decodes a text/event-stream body one event at a time, in the
// format the change feed emits: "event:" and "id:" lines followed by one or
// more "data:" lines and a blank separator. Comment lines (leading ':') are
// heartbeats and only count as connection activity.
type sseReader struct {
	scanner  *bufio.Scanner
	activity func()
}

// newSSEReader wraps a stream body. activity, if non-nil, is invoked on every
// line read so the caller can arm a read watchdog.
func newSSEReader(r io.Reader, activity func()) *sseReader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, sseInitialBuffer), sseMaxLineSize)
	return &sseReader{scanner: scanner, activity: activity}
}

// Next returns the next complete event, or an error when the stream ends.
func (r *sseReader) Next() (sseEvent, error) {
	var ev sseEvent
	var data bytes.Buffer
	started := false

	for r.scanner.Scan() {
		if r.activity != nil {
			r.activity()
		}
		line := r.scanner.Text()

		if line == "" {
			if started {
				ev.Data = bytes.TrimSuffix(data.Bytes(), []byte("\n"))
				return ev, nil
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")

		switch field {
		case "event":
			ev.Name = value
			started = true
		case "data":
			data.WriteString(value)
			data.WriteByte('\n')
			started = true
		case "id":
			ev.ID = value
			started = true
		}
	}

	if err := r.scanner.Err(); err != nil {
		return sseEvent{}, err
	}
	return sseEvent{}, ErrStreamClosed
}
