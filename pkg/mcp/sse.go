package mcp

import (
	"bufio"
	"io"
	"strconv"
	"strings"
)

// DefaultSSEEventType is assumed for an event that carries no "event:" field.
const DefaultSSEEventType = "message"

// ParsedSSEEvent is one fully-parsed Server-Sent Event.
type ParsedSSEEvent struct {
	ID        string
	EventType string
	Data      string
	RetryMs   *int
}

// SSEDecoder is an incremental state machine over a byte stream producing
// ParsedSSEEvent values, one per blank-line-terminated event block. It
// follows the SSE spec's field grammar: "field: value" lines accumulate
// into the current event; a line starting with ":" is a comment and
// ignored; a blank line dispatches the accumulated event.
type SSEDecoder struct {
	r    *bufio.Reader
	data strings.Builder
	cur  ParsedSSEEvent
	set  bool // whether the current event has accumulated any field
}

// NewSSEDecoder wraps r for incremental SSE parsing.
func NewSSEDecoder(r io.Reader) *SSEDecoder {
	return &SSEDecoder{r: bufio.NewReaderSize(r, 4096)}
}

// Next reads and returns the next SSE event, blocking on r as needed.
// Returns io.EOF when the stream ends without a trailing blank line after
// a partial event (the partial event is discarded, matching typical SSE
// client behavior on premature close).
func (d *SSEDecoder) Next() (*ParsedSSEEvent, error) {
	for {
		line, err := d.r.ReadString('\n')
		if len(line) == 0 && err != nil {
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")

		if line == "" {
			if !d.set {
				// Blank line with nothing accumulated: keep scanning.
				if err != nil {
					return nil, err
				}
				continue
			}
			ev := d.cur
			ev.Data = strings.TrimSuffix(d.data.String(), "\n")
			if ev.EventType == "" {
				ev.EventType = DefaultSSEEventType
			}
			d.reset()
			return &ev, nil
		}

		if strings.HasPrefix(line, ":") {
			// Comment line, ignored entirely (may be a keep-alive ping).
			if err != nil {
				return nil, err
			}
			continue
		}

		field, value := splitSSEField(line)
		switch field {
		case "id":
			d.cur.ID = value
			d.set = true
		case "event":
			d.cur.EventType = value
			d.set = true
		case "data":
			d.data.WriteString(value)
			d.data.WriteByte('\n')
			d.set = true
		case "retry":
			if ms, convErr := strconv.Atoi(value); convErr == nil {
				d.cur.RetryMs = &ms
				d.set = true
			}
		}

		if err != nil {
			return nil, err
		}
	}
}

func (d *SSEDecoder) reset() {
	d.cur = ParsedSSEEvent{}
	d.data.Reset()
	d.set = false
}

// splitSSEField splits an SSE field line on the first colon. A value with a
// single leading space has that space stripped, per the SSE spec.
func splitSSEField(line string) (field, value string) {
	idx := strings.IndexByte(line, ':')
	if idx < 0 {
		return line, ""
	}
	field = line[:idx]
	value = line[idx+1:]
	value = strings.TrimPrefix(value, " ")
	return field, value
}

// SSEEncoder writes ParsedSSEEvent values to the wire in SSE format.
type SSEEncoder struct {
	w io.Writer
}

// NewSSEEncoder wraps w for SSE event writing.
func NewSSEEncoder(w io.Writer) *SSEEncoder {
	return &SSEEncoder{w: w}
}

// Encode writes one SSE event block followed by a blank-line separator.
func (e *SSEEncoder) Encode(ev *ParsedSSEEvent) error {
	_, err := e.w.Write(AppendSSEEvent(nil, ev))
	return err
}

// AppendSSEEvent appends ev's wire form to buf and returns the extended
// slice. The streaming paths pair it with a BufferPool lease so per-event
// serialization reuses one buffer instead of allocating per event.
func AppendSSEEvent(buf []byte, ev *ParsedSSEEvent) []byte {
	if ev.ID != "" {
		buf = append(buf, "id: "...)
		buf = append(buf, ev.ID...)
		buf = append(buf, '\n')
	}
	if ev.EventType != "" && ev.EventType != DefaultSSEEventType {
		buf = append(buf, "event: "...)
		buf = append(buf, ev.EventType...)
		buf = append(buf, '\n')
	}
	if ev.RetryMs != nil {
		buf = append(buf, "retry: "...)
		buf = strconv.AppendInt(buf, int64(*ev.RetryMs), 10)
		buf = append(buf, '\n')
	}
	for _, line := range strings.Split(ev.Data, "\n") {
		buf = append(buf, "data: "...)
		buf = append(buf, line...)
		buf = append(buf, '\n')
	}
	return append(buf, '\n')
}
