// Package client provides the upstream HTTP client for the Llama Stack API.
package client

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"llamastack-proxy/internal/config"
	"llamastack-proxy/internal/metrics"
	"llamastack-proxy/internal/model"
)

// LlamaStackClient sends requests to the upstream Llama Stack API.
type LlamaStackClient struct {
	httpClient     *http.Client
	logger         *slog.Logger
	metrics        *metrics.Metrics
	requestTimeout time.Duration
	streamIdle     time.Duration
}

// NewLlamaStackClient creates a LlamaStackClient with connection pooling and timeouts.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
//
// No overall http.Client timeout is set: it would cut long event streams. Buffered
// calls get a per-request deadline and streamed bodies an idle watchdog instead.
func NewLlamaStackClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *LlamaStackClient {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost:   cfg.Upstream.IdleConnections,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: cfg.Upstream.ResponseHeaderTimeout(),
		// Relay bodies byte for byte; never negotiate gzip on the client's behalf.
		DisableCompression: true,
		DialContext: (&net.Dialer{
			Timeout:   cfg.Upstream.ConnectTimeout(),
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	return &LlamaStackClient{
		httpClient:     &http.Client{Transport: transport},
		logger:         logger.With("component", "llamastack_client"),
		metrics:        m,
		requestTimeout: cfg.Upstream.RequestTimeout(),
		streamIdle:     cfg.Upstream.StreamIdleTimeout(),
	}
}

// Do executes an HTTP request against the upstream and returns the raw response.
// The caller is responsible for closing the response body.
func (c *LlamaStackClient) Do(req *http.Request) (*model.ProxyResponse, error) {
	c.logger.Debug("upstream request",
		"method", req.Method,
		"path", req.URL.Path,
	)

	start := time.Now()
	resp, err := c.httpClient.Do(req) //nolint:bodyclose // body ownership transfers to caller via ProxyResponse
	duration := time.Since(start).Seconds()

	method := metrics.NormalizeMethod(req.Method)

	if err != nil {
		if c.metrics != nil {
			c.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
		}
		return nil, fmt.Errorf("upstream request: %w", err)
	}

	if c.metrics != nil {
		status := strconv.Itoa(resp.StatusCode)
		c.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
		c.metrics.UpstreamResponses.WithLabelValues(method, status).Inc()
	}

	return &model.ProxyResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       resp.Body,
	}, nil
}

// DoBuffered executes a request whose response will be read in full. The whole
// exchange, body included, must finish within the configured request timeout.
// The caller is responsible for closing the response body.
func (c *LlamaStackClient) DoBuffered(ctx context.Context, method, url string, header http.Header, body io.Reader) (*model.ProxyResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	return c.send(ctx, cancel, method, url, header, body, false)
}

// DoStream executes a request and returns the response body as a live stream.
// The provided context controls the lifetime of the upstream request: when it
// is canceled (e.g. the client disconnects) the upstream request is canceled
// too. If no bytes arrive for the configured idle timeout, reads fail with
// ErrStreamIdle. The caller is responsible for closing the returned body.
func (c *LlamaStackClient) DoStream(ctx context.Context, method, url string, header http.Header, body io.Reader) (*model.ProxyResponse, error) {
	ctx, cancel := context.WithCancel(ctx)
	return c.send(ctx, cancel, method, url, header, body, true)
}

func (c *LlamaStackClient) send(ctx context.Context, cancel context.CancelFunc, method, url string, header http.Header, body io.Reader, stream bool) (*model.ProxyResponse, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	req.Header = header

	resp, err := c.Do(req)
	if err != nil {
		cancel()
		return nil, err
	}

	if stream {
		resp.Body = newIdleTimeoutBody(resp.Body, c.streamIdle, cancel)
	} else {
		resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	}
	return resp, nil
}
