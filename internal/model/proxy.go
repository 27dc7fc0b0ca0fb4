// Package model defines shared types for the proxy.
package model

import (
	"context"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
)

// EventStreamMediaType is the media type of a Server-Sent Events body.
const EventStreamMediaType = "text/event-stream"

// ProxyRequest represents a client request to be forwarded upstream.
type ProxyRequest struct {
	Ctx    context.Context
	Method string
	// Endpoint is the inbound path with the local prefix removed, in escaped form.
	Endpoint string
	Query    url.Values
	Header   http.Header
	// Body is nil for verbs that carry no payload.
	Body io.Reader
	// Stream is true when the client asked for an event-stream relay.
	Stream bool
}

// ProxyResponse represents the upstream response to be relayed back.
type ProxyResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}

// ContentType returns the upstream content-type header value.
func (r *ProxyResponse) ContentType() string {
	return r.Header.Get("Content-Type")
}

// IsEventStream reports whether the upstream declared a text/event-stream body.
func (r *ProxyResponse) IsEventStream() bool {
	return IsEventStream(r.ContentType())
}

// IsEventStream reports whether a content-type value names the SSE media type.
func IsEventStream(contentType string) bool {
	if contentType == "" {
		return false
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mt = strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0])
	}
	return strings.EqualFold(mt, EventStreamMediaType)
}

// ErrorBody is the JSON payload returned for transport-level failures.
type ErrorBody struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// RelayError is a failure that never produced an upstream response.
type RelayError struct {
	StatusCode int
	Payload    ErrorBody
	Err        error
}

func (e *RelayError) Error() string {
	return e.Payload.Error + ": " + e.Payload.Message
}

func (e *RelayError) Unwrap() error {
	return e.Err
}
