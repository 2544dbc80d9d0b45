// Package service implements the HTTP half of the forwarding engine.
package service

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"webgate/internal/client"
	"webgate/internal/config"
	"webgate/internal/model"
)

// Forwarder relays API and messaging-poll requests to the backend.
type Forwarder struct {
	client  *client.BackendClient
	logger  *slog.Logger
	baseURL *url.URL
}

// NewForwarder creates a Forwarder targeting the configured backend base URL.
func NewForwarder(c *client.BackendClient, cfg *config.Config, logger *slog.Logger) (*Forwarder, error) {
	u, err := url.Parse(cfg.Backend.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse backend base_url: %w", err)
	}

	return &Forwarder{
		client:  c,
		logger:  logger.With("component", "forwarder"),
		baseURL: u,
	}, nil
}

// Forward sends a ProxyRequest to the backend and returns its response.
// The caller is responsible for closing the response body.
//
// Request headers pass through as received (hop-by-hop headers are already
// stripped by middleware), with one rewrite: a missing Origin header is
// synthesized, because the backend validates Origin and same-origin clients
// may not send one. The response is relayed verbatim.
func (f *Forwarder) Forward(pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	target := f.buildTargetURL(pr.Path, pr.Query)

	header := cloneHeader(pr.Header)
	NormalizeOrigin(header)

	f.logger.Debug("forwarding request",
		"method", pr.Method,
		"path", pr.Path,
		"target", target,
	)

	resp, err := f.client.DoStream(pr.Ctx, pr.Method, target, header, pr.Body)
	if err != nil {
		return nil, fmt.Errorf("forward to backend: %w", err)
	}

	return resp, nil
}

func (f *Forwarder) buildTargetURL(path string, query url.Values) string {
	u := *f.baseURL
	u.Path = path
	u.RawQuery = query.Encode()
	return u.String()
}

func cloneHeader(src http.Header) http.Header {
	dst := make(http.Header, len(src))
	for k, vals := range src {
		dst[k] = append([]string(nil), vals...)
	}
	return dst
}

// NormalizeOrigin ensures h carries an Origin header. A present Origin is
// left untouched. A missing one is derived from the Referer's scheme+host;
// when no usable referer exists the Origin is set to the empty string —
// present but empty, never absent.
func NormalizeOrigin(h http.Header) {
	if _, ok := h[http.CanonicalHeaderKey("Origin")]; ok {
		return
	}
	h.Set("Origin", OriginFromReferer(h.Get("Referer")))
}

// OriginFromReferer returns the scheme+host portion of a referer URL: the
// bytes up to, but not including, the first '/' after the "://" separator.
// Malformed referers (no separator, or nothing after the host) derive
// nothing and return the empty string.
func OriginFromReferer(referer string) string {
	i := strings.Index(referer, "://")
	if i < 0 {
		return ""
	}
	rest := referer[i+3:]
	j := strings.Index(rest, "/")
	if j < 0 {
		return ""
	}
	return referer[:i+3+j]
}
