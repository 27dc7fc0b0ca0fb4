package model

import (
	"errors"
	"net/http"
	"testing"
)

func TestIsEventStream(t *testing.T) {
	tests := []struct {
		contentType string
		want        bool
	}{
		{"text/event-stream", true},
		{"text/event-stream; charset=utf-8", true},
		{"Text/Event-Stream", true},
		{"text/event-stream;;", true},
		{"application/json", false},
		{"text/plain", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.contentType, func(t *testing.T) {
			if got := IsEventStream(tt.contentType); got != tt.want {
				t.Errorf("IsEventStream(%q) = %v, want %v", tt.contentType, got, tt.want)
			}
		})
	}
}

func TestProxyResponse_IsEventStream(t *testing.T) {
	r := &ProxyResponse{Header: http.Header{"Content-Type": {"text/event-stream"}}}
	if !r.IsEventStream() {
		t.Error("expected event stream")
	}
	r = &ProxyResponse{Header: http.Header{}}
	if r.IsEventStream() {
		t.Error("missing content-type must not be an event stream")
	}
}

func TestRelayError(t *testing.T) {
	cause := errors.New("connect: connection refused")
	err := &RelayError{
		StatusCode: http.StatusInternalServerError,
		Payload:    ErrorBody{Error: "Internal server error", Message: cause.Error()},
		Err:        cause,
	}

	if !errors.Is(err, cause) {
		t.Error("RelayError should unwrap to its cause")
	}
	if got, want := err.Error(), "Internal server error: connect: connection refused"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}
