package sse

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestObserver_Events(t *testing.T) {
	tests := []struct {
		name    string
		stream  string
		want    int
		pending bool
	}{
		{"single event", "data: hello\n\n", 1, false},
		{"three events", "data: a\n\ndata: b\n\ndata: c\n\n", 3, false},
		{"multi-line event", "event: progress\ndata: {\"a\":1}\ndata: more\nid: 7\n\n", 1, false},
		{"crlf endings", "data: a\r\n\r\ndata: b\r\n\r\n", 2, false},
		{"cr endings", "data: a\r\rdata: b\r\r", 2, false},
		{"comment frame ignored", ": keepalive\n\ndata: x\n\n", 1, false},
		{"extra blank lines", "\n\ndata: x\n\n\n\n", 1, false},
		{"unterminated event", "data: a\n\ndata: b\n", 1, true},
		{"partial line", "data: a\n\ndata: b", 1, true},
		{"empty", "", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var o Observer
			n, err := o.Write([]byte(tt.stream))
			assert.NoError(t, err)
			assert.Equal(t, len(tt.stream), n)
			assert.Equal(t, tt.want, o.Events())
			assert.Equal(t, tt.pending, o.Pending())
		})
	}
}

func TestObserver_ChunkBoundaries(t *testing.T) {
	stream := "data: {\"event\":{\"payload\":{\"event_type\":\"start\"}}}\r\n\r\n" +
		": ping\r\n\r\n" +
		"data: {\"event\":{\"payload\":{\"event_type\":\"progress\"}}}\r\n\r\n" +
		"data: [DONE]\n\n"

	// Every possible split into byte-sized chunks must give the same count.
	for size := 1; size <= len(stream); size++ {
		var o Observer
		for i := 0; i < len(stream); i += size {
			end := min(i+size, len(stream))
			_, _ = o.Write([]byte(stream[i:end]))
		}
		if !assert.Equal(t, 3, o.Events(), "chunk size %d", size) {
			return
		}
	}
}

func TestObserver_CRLFSplitAcrossChunks(t *testing.T) {
	var o Observer
	_, _ = o.Write([]byte("data: a\r"))
	_, _ = o.Write([]byte("\n\r"))
	_, _ = o.Write([]byte("\n"))

	assert.Equal(t, 1, o.Events())
	assert.False(t, o.Pending())
}

func TestObserver_LargeEvent(t *testing.T) {
	var o Observer
	payload := "data: " + strings.Repeat("x", 1<<20) + "\n\n"
	_, _ = o.Write([]byte(payload))

	assert.Equal(t, 1, o.Events())
}
