// Package bridge relays upgraded connections between client and backend.
//
// Upgrade handshakes never go through the HTTP request/response forwarding
// path: the handshake is replayed against the backend and the two raw
// sockets are then copied byte-for-byte in both directions until either
// side closes. No frames are parsed.
package bridge

import (
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/labstack/echo/v4"

	"webgate/internal/config"
	"webgate/internal/metrics"
	"webgate/internal/service"
)

const dialTimeout = 30 * time.Second

// Bridge relays upgrade handshakes and the resulting duplex byte streams
// to the backend.
type Bridge struct {
	backend *url.URL
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// New creates a Bridge targeting the configured backend base URL.
// The metrics parameter is optional; pass nil to disable bridge metrics.
func New(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*Bridge, error) {
	u, err := url.Parse(cfg.Backend.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse backend base_url: %w", err)
	}

	return &Bridge{
		backend: u,
		logger:  logger.With("component", "bridge"),
		metrics: m,
	}, nil
}

// Handle bridges one upgrade handshake. The backend connection is dialed and
// the handshake replayed before the client connection is hijacked, so a
// backend that is down still gets an ordinary HTTP error response. Once the
// hijack has happened no HTTP response is possible; failures close both
// connections.
func (b *Bridge) Handle(c echo.Context) error {
	req := c.Request()
	path := req.URL.Path

	backendConn, err := b.dial()
	if err != nil {
		b.logger.Error("bridge dial failed",
			"err", err,
			"path", path,
			"target", b.backend.Host,
		)
		return c.String(http.StatusInternalServerError, "error proxying request "+path+"\n")
	}

	if err := b.writeHandshake(backendConn, req); err != nil {
		_ = backendConn.Close()
		b.logger.Error("bridge handshake failed", "err", err, "path", path)
		return c.String(http.StatusInternalServerError, "error proxying request "+path+"\n")
	}

	clientConn, buf, err := c.Response().Hijack()
	if err != nil {
		_ = backendConn.Close()
		return fmt.Errorf("hijack client connection: %w", err)
	}

	defer func() {
		_ = clientConn.Close()
		_ = backendConn.Close()
	}()

	// Bytes the client sent after the handshake may already sit in the
	// server's read buffer; they must reach the backend before the copy
	// loops take over.
	if n := buf.Reader.Buffered(); n > 0 {
		head, _ := buf.Reader.Peek(n)
		if _, err := backendConn.Write(head); err != nil {
			b.logger.Error("bridge head write failed", "err", err, "path", path)
			return nil
		}
	}

	if b.metrics != nil {
		b.metrics.BridgeTotal.Inc()
		b.metrics.BridgeActive.Inc()
		defer b.metrics.BridgeActive.Dec()
	}

	b.logger.Info("bridge established",
		"path", path,
		"target", b.backend.Host,
		"remote_ip", c.RealIP(),
	)

	// Copy in both directions until either side closes. The deferred closes
	// unblock whichever copy is still running, so neither goroutine leaks.
	done := make(chan struct{}, 2)
	go func() {
		_, _ = io.Copy(backendConn, clientConn)
		done <- struct{}{}
	}()
	go func() {
		_, _ = io.Copy(clientConn, backendConn)
		done <- struct{}{}
	}()
	<-done

	b.logger.Info("bridge closed", "path", path)
	return nil
}

// dial opens the backend connection, TLS-wrapped when the backend is https.
func (b *Bridge) dial() (net.Conn, error) {
	d := &net.Dialer{Timeout: dialTimeout}
	if b.backend.Scheme == "https" {
		return tls.DialWithDialer(d, "tcp", b.addr(), &tls.Config{
			ServerName: b.backend.Hostname(),
			MinVersion: tls.VersionTLS12,
		})
	}
	return d.Dial("tcp", b.addr())
}

func (b *Bridge) addr() string {
	if b.backend.Port() != "" {
		return b.backend.Host
	}
	port := "80"
	if b.backend.Scheme == "https" {
		port = "443"
	}
	return net.JoinHostPort(b.backend.Hostname(), port)
}

// writeHandshake replays the client's upgrade request against the backend,
// with the same Origin normalization applied to every forwarded request.
func (b *Bridge) writeHandshake(conn net.Conn, req *http.Request) error {
	out := req.Clone(req.Context())
	out.URL = &url.URL{Path: req.URL.Path, RawQuery: req.URL.RawQuery}
	out.RequestURI = ""
	out.Body = nil
	out.ContentLength = 0

	service.NormalizeOrigin(out.Header)

	if err := out.Write(conn); err != nil {
		return fmt.Errorf("write handshake: %w", err)
	}
	return nil
}
