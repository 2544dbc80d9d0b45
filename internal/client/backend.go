// Package client provides the pooled HTTP client for the backend.
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

	"webgate/internal/config"
	"webgate/internal/metrics"
	"webgate/internal/model"
)

// BackendClient sends forwarded requests to the backend application server.
type BackendClient struct {
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewBackendClient creates a BackendClient with connection pooling and timeouts.
// The metrics parameter is optional; pass nil to disable backend metrics recording.
func NewBackendClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *BackendClient {
	transport := &http.Transport{
		MaxIdleConns:        cfg.Backend.IdleConnections,
		MaxIdleConnsPerHost: cfg.Backend.IdleConnections,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	return &BackendClient{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   time.Duration(cfg.Backend.TimeoutSeconds) * time.Second,
		},
		logger:  logger.With("component", "backend_client"),
		metrics: m,
	}
}

// Do executes an HTTP request against the backend and returns the raw response.
// The caller is responsible for closing the response body.
func (c *BackendClient) Do(req *http.Request) (*model.ProxyResponse, error) {
	c.logger.Debug("backend request",
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
		return nil, fmt.Errorf("backend request: %w", err)
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

// DoStream executes a request and returns the response body as a stream.
// The caller is responsible for closing the returned ReadCloser.
// The provided context controls the lifetime of the backend request:
// when the context is canceled (e.g. client disconnects), the backend
// request is also canceled.
func (c *BackendClient) DoStream(ctx context.Context, method, url string, header http.Header, body io.Reader) (*model.ProxyResponse, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("build backend request: %w", err)
	}
	req.Header = header

	return c.Do(req)
}
