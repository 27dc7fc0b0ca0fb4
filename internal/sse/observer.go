// Package sse observes Server-Sent Events framing in a relayed byte stream.
//
// The observer never alters or retains the bytes it sees. It only tracks
// enough line state to count dispatched events across arbitrary chunk
// boundaries, so it can sit beside a pass-through relay.
package sse

// Observer counts complete events in an event-stream body.
//
// An event is dispatched by an empty line after at least one field line.
// Lines end in LF, CRLF or a lone CR. Comment lines (leading ':') do not
// make a frame count as an event. The zero value is ready to use.
type Observer struct {
	events    int
	lineLen   int
	firstByte byte
	hasField  bool
	afterCR   bool
}

// Write feeds the next chunk of the stream. It never fails.
func (o *Observer) Write(p []byte) (int, error) {
	for _, b := range p {
		if o.afterCR {
			o.afterCR = false
			if b == '\n' {
				continue
			}
		}
		switch b {
		case '\r':
			o.endLine()
			o.afterCR = true
		case '\n':
			o.endLine()
		default:
			if o.lineLen == 0 {
				o.firstByte = b
			}
			o.lineLen++
		}
	}
	return len(p), nil
}

// Events returns the number of events dispatched so far.
func (o *Observer) Events() int {
	return o.events
}

// Pending reports whether the bytes seen so far end inside an unfinished event.
func (o *Observer) Pending() bool {
	return o.hasField || o.lineLen > 0
}

func (o *Observer) endLine() {
	if o.lineLen == 0 {
		if o.hasField {
			o.events++
		}
		o.hasField = false
		return
	}
	if o.firstByte != ':' {
		o.hasField = true
	}
	o.lineLen = 0
}
