package middleware

import (
	"errors"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"llamastack-proxy/internal/metrics"
	"llamastack-proxy/internal/model"
)

// MetricsMiddleware returns an Echo middleware that records Prometheus metrics
// for each inbound request.
//
// Requests answered with an event stream are observed in the stream duration
// histogram instead of the latency one: their length follows the generation,
// not the proxy. Recording is deferred so a relay aborted by panic is still
// counted.
func MetricsMiddleware(m *metrics.Metrics) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			m.RequestsInFlight.Inc()
			start := time.Now()

			defer func() {
				m.RequestsInFlight.Dec()
				observeRequest(m, c, err, time.Since(start))
			}()

			return next(c)
		}
	}
}

func observeRequest(m *metrics.Metrics, c echo.Context, err error, elapsed time.Duration) {
	res := c.Response()

	// A returned *echo.HTTPError is written later by Echo's error handler,
	// so the committed status is not final yet.
	statusCode := res.Status
	if err != nil && !res.Committed {
		var he *echo.HTTPError
		if errors.As(err, &he) {
			statusCode = he.Code
		}
	}

	status := strconv.Itoa(statusCode)
	method := metrics.NormalizeMethod(c.Request().Method)
	path := m.NormalizePath(c.Request().URL.Path)

	m.RequestsTotal.WithLabelValues(method, status, path).Inc()

	if res.Committed && model.IsEventStream(res.Header().Get(echo.HeaderContentType)) {
		m.StreamDuration.WithLabelValues(status, path).Observe(elapsed.Seconds())
		return
	}
	m.RequestDuration.WithLabelValues(method, status, path).Observe(elapsed.Seconds())
}
