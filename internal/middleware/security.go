package middleware

import (
	"github.com/labstack/echo/v4"

	"webgate/internal/route"
)

// hopByHopHeaders are headers that should not be forwarded by proxies.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// SecurityHeaders returns an Echo middleware that adds security headers
// and strips hop-by-hop headers from requests. Upgrade handshakes keep
// their Connection/Upgrade headers: the bridge needs them intact to replay
// the handshake against the backend.
func SecurityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !route.IsUpgrade(c.Request()) {
				for _, h := range hopByHopHeaders {
					c.Request().Header.Del(h)
				}
			}

			err := next(c)

			// Add security headers to response
			c.Response().Header().Set("X-Content-Type-Options", "nosniff")
			c.Response().Header().Set("X-Frame-Options", "DENY")

			return err
		}
	}
}
