package handler

import (
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"webgate/internal/config"
)

// RegisterRoutes wires the gateway dispatch, the static file catch-all and
// the health routes onto the Echo instance. The dispatch middleware applies
// the full route decision table, so precedence does not depend on
// registration order; only the static middleware must come after it.
func RegisterRoutes(e *echo.Echo, cfg *config.Config, gw *GatewayHandler, health *HealthHandler) {
	e.Use(gw.Dispatch)
	e.Use(echomw.StaticWithConfig(echomw.StaticConfig{
		Root: cfg.Static.Root,
	}))

	e.GET("/healthz", health.Healthz)
	e.GET("/status", health.Status)
}
