package handler

import (
	"io"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"webgate/internal/bridge"
	"webgate/internal/model"
	"webgate/internal/route"
	"webgate/internal/service"
)

// GatewayHandler dispatches classified requests to the forwarder, the
// bridge, or the static fallthrough.
type GatewayHandler struct {
	matcher   *route.Matcher
	forwarder *service.Forwarder
	bridge    *bridge.Bridge
	logger    *slog.Logger
}

// NewGatewayHandler creates a GatewayHandler.
func NewGatewayHandler(m *route.Matcher, f *service.Forwarder, b *bridge.Bridge, logger *slog.Logger) *GatewayHandler {
	return &GatewayHandler{
		matcher:   m,
		forwarder: f,
		bridge:    b,
		logger:    logger.With("component", "gateway"),
	}
}

// Dispatch applies the route decision table to every request. API calls and
// messaging polls are forwarded, upgrade handshakes are bridged, and
// everything else falls through to the static file middleware behind it.
func (h *GatewayHandler) Dispatch(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		req := c.Request()
		d := h.matcher.Match(req.Method, req.URL.Path, route.IsUpgrade(req))

		switch d.Kind {
		case route.KindAPI, route.KindMessagingPoll:
			return h.forward(c, d)
		case route.KindMessagingUpgrade:
			return h.bridge.Handle(c)
		default:
			return next(c)
		}
	}
}

// forward proxies one request to the backend and streams the response back
// verbatim: status, headers and body, including backend error statuses.
func (h *GatewayHandler) forward(c echo.Context, d route.Decision) error {
	req := c.Request()

	pr := &model.ProxyRequest{
		Ctx:    req.Context(),
		Method: req.Method,
		Path:   d.Path,
		Query:  req.URL.Query(),
		Header: req.Header,
		Body:   req.Body,
	}

	resp, err := h.forwarder.Forward(pr)
	if err != nil {
		return h.proxyError(c, d, err)
	}
	defer func() { _ = resp.Body.Close() }()

	for key, vals := range resp.Header {
		for _, v := range vals {
			c.Response().Header().Add(key, v)
		}
	}

	c.Response().WriteHeader(resp.StatusCode)

	// Stream the backend body directly to the client. If io.Copy fails
	// mid-stream (e.g. client disconnect, network error), the HTTP status
	// code has already been sent, so the client receives a truncated
	// response with the original status. This is an inherent trade-off of
	// streaming proxies — we log the error for observability.
	if _, err := io.Copy(c.Response(), resp.Body); err != nil {
		h.logger.Error("streaming response body",
			"err", err,
			"path", req.URL.Path,
		)
	}

	return nil
}

// proxyError writes the one synthetic response the forwarding engine
// manufactures: 500, text/plain, naming the requested path. Backend error
// statuses never come through here — they relay unmodified.
func (h *GatewayHandler) proxyError(c echo.Context, d route.Decision, err error) error {
	path := c.Request().URL.Path
	h.logger.Error("proxy failure",
		"err", err,
		"path", path,
		"rewritten_path", d.Path,
		"kind", d.Kind.String(),
	)
	return c.String(http.StatusInternalServerError, "error proxying request "+path+"\n")
}
