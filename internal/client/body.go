package client

import (
	"context"
	"errors"
	"io"
	"net"
	"net/url"
	"sync/atomic"
	"time"
)

// ErrStreamIdle is returned by a streamed body when upstream stays silent for
// longer than the idle timeout.
var ErrStreamIdle = errors.New("upstream stream idle timeout")

// cancelOnClose releases the request context when the body is closed.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelOnClose) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

// idleTimeoutBody cancels the upstream request when no bytes arrive within d.
// Reads only record the time of the last byte; the timer callback decides,
// so a read that lands as the timer fires re-arms it instead of tripping it.
type idleTimeoutBody struct {
	rc       io.ReadCloser
	d        time.Duration
	cancel   context.CancelFunc
	timer    *time.Timer
	lastRead atomic.Int64 // unix nanoseconds
	expired  atomic.Bool
	now      func() time.Time
}

func newIdleTimeoutBody(rc io.ReadCloser, d time.Duration, cancel context.CancelFunc) *idleTimeoutBody {
	b := &idleTimeoutBody{rc: rc, d: d, cancel: cancel, now: time.Now}
	b.lastRead.Store(b.now().UnixNano())
	b.timer = time.AfterFunc(d, b.fire)
	return b
}

// fire runs on the timer goroutine.
func (b *idleTimeoutBody) fire() {
	idle := b.now().Sub(time.Unix(0, b.lastRead.Load()))
	if idle < b.d {
		b.timer.Reset(b.d - idle)
		return
	}
	b.expired.Store(true)
	b.cancel()
}

func (b *idleTimeoutBody) Read(p []byte) (int, error) {
	n, err := b.rc.Read(p)
	if n > 0 {
		b.lastRead.Store(b.now().UnixNano())
	}
	if err != nil && err != io.EOF && b.expired.Load() {
		return n, ErrStreamIdle
	}
	return n, err
}

func (b *idleTimeoutBody) Close() error {
	b.timer.Stop()
	err := b.rc.Close()
	b.cancel()
	return err
}

// ErrorKind classifies a failed upstream call for metrics and logs.
func ErrorKind(err error) string {
	switch {
	case errors.Is(err, ErrStreamIdle):
		return "stream_idle"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return "dns"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "timeout"
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return "connection"
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return "connection"
	}
	return "other"
}

// Cause returns the innermost transport message of err, dropping the
// "Post \"http://host/path\":" wrapper added by net/http so upstream URLs
// are not echoed back to clients.
func Cause(err error) string {
	if errors.Is(err, ErrStreamIdle) {
		return ErrStreamIdle.Error()
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Err != nil {
		return urlErr.Err.Error()
	}
	return err.Error()
}
