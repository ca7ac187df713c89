// Package client provides the upstream HTTP forwarder: it reconstructs a
// live HTTP request from a decrypted descriptor, issues it against the real
// upstream, and captures the full response.
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"cloak-proxy/internal/config"
	"cloak-proxy/internal/metrics"
	"cloak-proxy/internal/model"
)

// ForwardError reports that the upstream could not be reached at all:
// DNS failure, connection failure, or timeout. An upstream HTTP response
// with any status code (4xx/5xx included) is NOT a ForwardError; it is
// returned as a valid descriptor so the client sees the real API error.
type ForwardError struct {
	Err error
}

func (e *ForwardError) Error() string {
	return "forward: " + e.Err.Error()
}

func (e *ForwardError) Unwrap() error { return e.Err }

// Reason returns a bounded, client-safe description of the failure. It
// never includes the upstream URL or hostname.
func (e *ForwardError) Reason() string {
	var dnsErr *net.DNSError
	var urlErr *url.Error
	switch {
	case errors.Is(e.Err, context.DeadlineExceeded):
		return "upstream request timed out"
	case errors.Is(e.Err, context.Canceled):
		return "request canceled"
	case errors.As(e.Err, &dnsErr):
		return "upstream host unreachable"
	case errors.As(e.Err, &urlErr):
		return "upstream connection failed"
	default:
		return "upstream request failed"
	}
}

// UpstreamClient issues reconstructed requests against the live network.
// It is safe for concurrent use; the underlying http.Client manages its
// own connection reuse.
type UpstreamClient struct {
	httpClient       *http.Client
	logger           *slog.Logger
	metrics          *metrics.Metrics
	responseMaxBytes int64
}

// NewUpstreamClient creates an UpstreamClient with connection pooling and a
// bounded overall timeout. The metrics parameter is optional; pass nil to
// disable upstream metrics recording.
func NewUpstreamClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *UpstreamClient {
	transport := &http.Transport{
		MaxIdleConns:        cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost: cfg.Upstream.IdleConnections,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	return &UpstreamClient{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second,
		},
		logger:           logger.With("component", "upstream_client"),
		metrics:          m,
		responseMaxBytes: cfg.Upstream.ResponseMaxBytes,
	}
}

// Forward issues the request described by rd and captures the response.
// The body passes through unmodified in both directions (binary-safe, no
// assumption of UTF-8 or JSON). The context bounds the whole call; cancel
// it to abort an in-flight upstream request.
func (c *UpstreamClient) Forward(ctx context.Context, rd *model.RequestDescriptor) (*model.ResponseDescriptor, error) {
	if err := rd.Validate(); err != nil {
		return nil, fmt.Errorf("invalid request descriptor: %w", err)
	}

	var body io.Reader
	if len(rd.Body) > 0 {
		body = bytes.NewReader(rd.Body)
	}
	req, err := http.NewRequestWithContext(ctx, rd.Method, rd.URL, body)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	for key, value := range rd.Headers {
		req.Header.Set(key, value)
	}

	c.logger.Debug("upstream request",
		"method", rd.Method,
		"host", req.URL.Host,
	)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	duration := time.Since(start).Seconds()

	method := metrics.NormalizeMethod(rd.Method)
	if c.metrics != nil {
		c.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
	}

	if err != nil {
		return nil, &ForwardError{Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.responseMaxBytes+1))
	if err != nil {
		return nil, &ForwardError{Err: fmt.Errorf("read upstream body: %w", err)}
	}
	if int64(len(data)) > c.responseMaxBytes {
		return nil, &ForwardError{Err: fmt.Errorf("upstream response exceeds %d bytes", c.responseMaxBytes)}
	}

	if c.metrics != nil {
		c.metrics.UpstreamResponses.WithLabelValues(method, strconv.Itoa(resp.StatusCode)).Inc()
	}

	headers := make(model.Headers, len(resp.Header))
	for key := range resp.Header {
		headers.Set(key, resp.Header.Get(key))
	}

	return &model.ResponseDescriptor{
		StatusCode: resp.StatusCode,
		Headers:    headers,
		Body:       data,
	}, nil
}
