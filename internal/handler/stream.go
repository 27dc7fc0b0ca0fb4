package handler

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"llamastack-proxy/internal/client"
	"llamastack-proxy/internal/model"
	"llamastack-proxy/internal/sse"
)

// streamChunkSize bounds a single read from upstream. Chunks are written as
// soon as they arrive, so this only caps per-read memory.
const streamChunkSize = 32 * 1024

type streamOutcome string

const (
	streamCompleted     streamOutcome = "completed"
	streamClientGone    streamOutcome = "client_disconnected"
	streamUpstreamError streamOutcome = "upstream_error"
)

// relayStream commits SSE headers and copies upstream bytes to the client
// unchanged, flushing after every chunk. Once headers are sent nothing else
// may be written, so an upstream failure aborts the connection instead of
// ending the response cleanly; the client sees a truncated stream.
func (h *ProxyHandler) relayStream(c echo.Context, resp *model.ProxyResponse) {
	res := c.Response()
	req := c.Request()

	copyHeaders(res.Header(), resp.Header)
	res.Header().Set(echo.HeaderContentType, model.EventStreamMediaType)
	res.Header().Set(echo.HeaderCacheControl, "no-cache")
	res.Header().Set(echo.HeaderConnection, "keep-alive")
	res.Header().Set("X-Accel-Buffering", "no")
	res.WriteHeader(resp.StatusCode)
	res.Flush()

	if h.metrics != nil {
		h.metrics.StreamsActive.Inc()
		defer h.metrics.StreamsActive.Dec()
	}

	var (
		obs     sse.Observer
		written int64
		outcome = streamCompleted
		cause   error
		start   = time.Now()
		buf     = make([]byte, streamChunkSize)
	)

	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := res.Write(buf[:n]); werr != nil {
				outcome, cause = streamClientGone, werr
				break
			}
			res.Flush()

			before := obs.Events()
			_, _ = obs.Write(buf[:n])
			written += int64(n)
			if h.metrics != nil {
				h.metrics.StreamBytes.Add(float64(n))
				h.metrics.StreamEvents.Add(float64(obs.Events() - before))
			}
		}
		if rerr == nil {
			continue
		}
		if !errors.Is(rerr, io.EOF) {
			cause = rerr
			if req.Context().Err() != nil {
				outcome = streamClientGone
			} else {
				outcome = streamUpstreamError
			}
		}
		break
	}

	attrs := []any{
		"path", req.URL.Path,
		"events", obs.Events(),
		"bytes", written,
		"duration_ms", time.Since(start).Milliseconds(),
		"outcome", string(outcome),
	}

	switch outcome {
	case streamCompleted:
		if obs.Pending() {
			attrs = append(attrs, "unterminated_event", true)
		}
		h.logger.Info("stream relayed", attrs...)
	case streamClientGone:
		h.logger.Debug("stream relay stopped", append(attrs, "err", cause)...)
		h.disconnectLog.Do(func() {
			h.logger.Warn("client disconnected mid-stream", attrs...)
		})
	case streamUpstreamError:
		kind := client.ErrorKind(cause)
		if h.metrics != nil {
			h.metrics.UpstreamErrors.WithLabelValues(kind).Inc()
		}
		h.logger.Error("upstream stream failed",
			append(attrs, "err", cause, "kind", kind)...,
		)
		// net/http drops the connection without writing the terminating chunk.
		// echo's Recover re-panics this value.
		panic(http.ErrAbortHandler)
	}
}
