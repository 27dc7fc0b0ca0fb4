// Package service implements request routing and upstream forwarding.
package service

import (
	"bytes"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"llamastack-proxy/internal/client"
	"llamastack-proxy/internal/config"
	"llamastack-proxy/internal/model"
)

// StreamParam is the query flag that selects the event-stream relay on POST.
const StreamParam = "stream"

// forwardableRequestHeaders are the only client request headers forwarded upstream.
var forwardableRequestHeaders = []string{
	"Accept-Language",
	"X-Request-Id",
}

// forwardableResponseHeaders are the only response headers relayed to the client.
var forwardableResponseHeaders = map[string]bool{
	"Content-Type":  true,
	"Cache-Control": true,
	"Date":          true,
	"X-Request-Id":  true,
	"X-Trace-Id":    true,
	"Location":      true,
}

// emptyJSONBody is forwarded for a POST or PUT that arrived without a body.
var emptyJSONBody = []byte("{}")

const userAgent = "llamastack-proxy/1.0"

// ProxyService handles the forwarding logic for proxy requests.
type ProxyService struct {
	client  *client.LlamaStackClient
	logger  *slog.Logger
	baseURL *url.URL
}

// NewProxyService creates a ProxyService.
func NewProxyService(c *client.LlamaStackClient, cfg *config.Config, logger *slog.Logger) (*ProxyService, error) {
	u, err := url.Parse(cfg.Upstream.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse upstream base_url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("upstream base_url %q must be absolute", cfg.Upstream.BaseURL)
	}

	return &ProxyService{
		client:  c,
		logger:  logger.With("component", "proxy_service"),
		baseURL: u,
	}, nil
}

// Endpoint strips exactly prefix from path and returns the remainder. The
// remainder keeps its leading slash, trailing slashes and escaping. ok is
// false when path is not beneath prefix.
func Endpoint(prefix, path string) (endpoint string, ok bool) {
	rest, found := strings.CutPrefix(path, prefix)
	if !found || !strings.HasPrefix(rest, "/") {
		return "", false
	}
	return rest, true
}

// StreamRequested reports whether the query carries stream=true.
func StreamRequested(query url.Values) bool {
	return strings.EqualFold(query.Get(StreamParam), "true")
}

// Forward sends a ProxyRequest to the upstream Llama Stack API and returns the
// response. The caller is responsible for closing the response body.
//
// Streaming requests get a live body guarded by an idle watchdog; all others
// run under the buffered request deadline.
func (s *ProxyService) Forward(pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	upstreamURL, err := s.buildUpstreamURL(pr.Endpoint, s.upstreamQuery(pr))
	if err != nil {
		return nil, fmt.Errorf("build upstream url: %w", err)
	}
	header := s.filterRequestHeaders(pr.Header, pr.Body != nil, pr.Stream)

	s.logger.Debug("forwarding request",
		"method", pr.Method,
		"endpoint", pr.Endpoint,
		"stream", pr.Stream,
	)

	var resp *model.ProxyResponse
	if pr.Stream {
		resp, err = s.client.DoStream(pr.Ctx, pr.Method, upstreamURL, header, pr.Body)
	} else {
		resp, err = s.client.DoBuffered(pr.Ctx, pr.Method, upstreamURL, header, pr.Body)
	}
	if err != nil {
		return nil, fmt.Errorf("forward to upstream: %w", err)
	}

	resp.Header = s.filterResponseHeaders(resp.Header)
	return resp, nil
}

// JSONBody returns the payload to forward for a POST or PUT: the raw bytes
// received, or "{}" when the client sent nothing.
func JSONBody(raw []byte) *bytes.Reader {
	if len(bytes.TrimSpace(raw)) == 0 {
		return bytes.NewReader(emptyJSONBody)
	}
	return bytes.NewReader(raw)
}

// upstreamQuery returns the query to send upstream. The stream flag is a
// proxy control parameter on POST and is not forwarded.
func (s *ProxyService) upstreamQuery(pr *model.ProxyRequest) url.Values {
	if pr.Method != http.MethodPost || pr.Query.Get(StreamParam) == "" {
		return pr.Query
	}
	q := make(url.Values, len(pr.Query))
	for k, v := range pr.Query {
		if k != StreamParam {
			q[k] = v
		}
	}
	return q
}

// buildUpstreamURL joins the base URL path with the escaped endpoint without
// cleaning it, so nested segments and trailing slashes survive intact.
func (s *ProxyService) buildUpstreamURL(endpoint string, query url.Values) (string, error) {
	u := *s.baseURL
	escaped := strings.TrimSuffix(s.baseURL.EscapedPath(), "/") + endpoint
	path, err := url.PathUnescape(escaped)
	if err != nil {
		return "", err
	}
	u.Path = path
	u.RawPath = escaped

	if len(query) > 0 {
		u.RawQuery = query.Encode()
	} else {
		u.RawQuery = ""
	}
	return u.String(), nil
}

func (s *ProxyService) filterRequestHeaders(src http.Header, hasBody, stream bool) http.Header {
	dst := make(http.Header)
	for _, key := range forwardableRequestHeaders {
		if vals := src.Values(key); len(vals) > 0 {
			dst[http.CanonicalHeaderKey(key)] = vals
		}
	}
	// Forward provider-data and other X-LlamaStack-* headers.
	for key, vals := range src {
		if strings.HasPrefix(strings.ToLower(key), "x-llamastack-") {
			dst[http.CanonicalHeaderKey(key)] = vals
		}
	}
	if hasBody {
		dst.Set("Content-Type", "application/json")
	}
	if stream {
		dst.Set("Accept", model.EventStreamMediaType)
	} else {
		dst.Set("Accept", "application/json")
	}
	dst.Set("User-Agent", userAgent)
	return dst
}

func (s *ProxyService) filterResponseHeaders(src http.Header) http.Header {
	dst := make(http.Header)
	for key, vals := range src {
		if forwardableResponseHeaders[http.CanonicalHeaderKey(key)] {
			dst[key] = vals
		}
	}
	return dst
}
