package handler

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"golang.org/x/time/rate"

	"llamastack-proxy/internal/client"
	"llamastack-proxy/internal/config"
	"llamastack-proxy/internal/metrics"
	"llamastack-proxy/internal/model"
	"llamastack-proxy/internal/service"
)

const (
	errLabelInternal = "Internal server error"
	errLabelStream   = "Error connecting to upstream API"
)

// ErrUpstreamBodyTooLarge is reported when a buffered upstream body exceeds
// upstream.max_body_bytes.
var ErrUpstreamBodyTooLarge = errors.New("upstream response body exceeds size limit")

// ProxyHandler relays API requests to the upstream Llama Stack server.
type ProxyHandler struct {
	service *service.ProxyService
	metrics *metrics.Metrics
	logger  *slog.Logger

	prefix      string
	maxBodySize int64

	// Client disconnects mid-stream are routine; warn at most once per interval.
	disconnectLog rate.Sometimes
}

// NewProxyHandler creates a ProxyHandler. The metrics parameter is optional.
func NewProxyHandler(svc *service.ProxyService, cfg *config.Config, m *metrics.Metrics, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		service:       svc,
		metrics:       m,
		logger:        logger.With("component", "proxy_handler"),
		prefix:        cfg.Server.APIPrefix,
		maxBodySize:   cfg.Upstream.MaxBodyBytes,
		disconnectLog: rate.Sometimes{Interval: 10 * time.Second},
	}
}

// Handle forwards the request upstream with the API prefix stripped. A POST
// carrying stream=true is relayed live when upstream answers with an event
// stream; every other response is read in full and relayed verbatim.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()

	endpoint, ok := service.Endpoint(h.prefix, req.URL.EscapedPath())
	if !ok {
		return echo.ErrNotFound
	}

	header := req.Header
	if rid := c.Response().Header().Get(echo.HeaderXRequestID); rid != "" && header.Get(echo.HeaderXRequestID) == "" {
		header = header.Clone()
		header.Set(echo.HeaderXRequestID, rid)
	}

	pr := &model.ProxyRequest{
		Ctx:      req.Context(),
		Method:   req.Method,
		Endpoint: endpoint,
		Query:    req.URL.Query(),
		Header:   header,
	}

	switch req.Method {
	case http.MethodPost, http.MethodPut:
		raw, err := io.ReadAll(req.Body)
		if err != nil {
			// BodyLimit reports oversized payloads as an *echo.HTTPError.
			var he *echo.HTTPError
			if errors.As(err, &he) {
				return he
			}
			return fmt.Errorf("read request body: %w", err)
		}
		pr.Body = service.JSONBody(raw)
		pr.Stream = req.Method == http.MethodPost && service.StreamRequested(pr.Query)
	}

	resp, err := h.service.Forward(pr)
	if err != nil {
		return h.mapError(c, pr.Stream, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if pr.Stream && resp.IsEventStream() {
		h.relayStream(c, resp)
		return nil
	}
	return h.relayBuffered(c, pr, resp)
}

// relayBuffered reads the whole upstream body before committing the status,
// so a failure while reading can still be reported as a 500.
func (h *ProxyHandler) relayBuffered(c echo.Context, pr *model.ProxyRequest, resp *model.ProxyResponse) error {
	body, err := readLimited(resp.Body, h.maxBodySize)
	if err != nil {
		return h.mapError(c, pr.Stream, err)
	}

	copyHeaders(c.Response().Header(), resp.Header)
	c.Response().WriteHeader(resp.StatusCode)
	if len(body) == 0 {
		return nil
	}
	if _, err := c.Response().Write(body); err != nil {
		h.logger.Warn("writing response body",
			"err", err,
			"path", c.Request().URL.Path,
		)
	}
	return nil
}

// mapError turns a failure without a usable upstream response into a 500
// carrying the underlying transport message.
func (h *ProxyHandler) mapError(c echo.Context, stream bool, err error) error {
	if c.Request().Context().Err() != nil {
		// Client went away; nothing to answer and nothing to count against upstream.
		h.logger.Debug("client disconnected before response",
			"err", err,
			"method", c.Request().Method,
			"path", c.Request().URL.Path,
		)
		return nil
	}

	kind := client.ErrorKind(err)
	if errors.Is(err, ErrUpstreamBodyTooLarge) {
		kind = "body_too_large"
	}
	if h.metrics != nil {
		h.metrics.UpstreamErrors.WithLabelValues(kind).Inc()
	}

	label := errLabelInternal
	if stream {
		label = errLabelStream
	}
	rerr := &model.RelayError{
		StatusCode: http.StatusInternalServerError,
		Payload:    model.ErrorBody{Error: label, Message: client.Cause(err)},
		Err:        err,
	}

	h.logger.Error("proxy error",
		"err", rerr.Err,
		"kind", kind,
		"method", c.Request().Method,
		"path", c.Request().URL.Path,
	)

	return c.JSON(rerr.StatusCode, rerr.Payload)
}

func readLimited(r io.Reader, limit int64) ([]byte, error) {
	if limit <= 0 {
		return io.ReadAll(r)
	}
	body, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > limit {
		return nil, ErrUpstreamBodyTooLarge
	}
	return body, nil
}

// copyHeaders replaces dst values with the upstream ones key by key.
func copyHeaders(dst, src http.Header) {
	for key, vals := range src {
		dst[key] = append([]string(nil), vals...)
	}
}
