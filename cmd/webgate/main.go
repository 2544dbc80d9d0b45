package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"

	"webgate/internal/bridge"
	"webgate/internal/client"
	"webgate/internal/config"
	"webgate/internal/handler"
	"webgate/internal/metrics"
	"webgate/internal/middleware"
	"webgate/internal/route"
	"webgate/internal/service"
	"webgate/internal/transport"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	var cli config.CLI
	kong.Parse(&cli,
		kong.Name("webgate"),
		kong.Description("HTTP front door: static files plus API and messaging proxy."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	fx.New(
		fx.Provide(
			func() *config.CLI { return &cli },
			func() handler.Version { return handler.Version(version) },
			config.Load,
			newLogger,
			metrics.New,
			newEcho,
			route.NewMatcher,
			client.NewBackendClient,
			service.NewForwarder,
			bridge.New,
			handler.NewGatewayHandler,
			handler.NewHealthHandler,
		),
		fx.Invoke(handler.RegisterRoutes, warnConfigPermissions, startServer),
	).Run()
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "text":
		h = slog.NewTextHandler(os.Stdout, opts)
	default:
		h = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(h)
}

func newEcho(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Inbound timeouts to mitigate slow-client attacks.
	e.Server.ReadTimeout = 30 * time.Second
	// WriteTimeout is disabled (0) to avoid cutting off valid long-running streamed
	// responses and bridged upgrade connections. Protection is provided by the
	// backend client timeout, ReadTimeout, and IdleTimeout.
	e.Server.WriteTimeout = 0
	e.Server.IdleTimeout = 120 * time.Second
	e.Server.ReadHeaderTimeout = 10 * time.Second

	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())
	e.Use(middleware.RequestLogger(logger))
	e.Use(echomw.BodyLimit(fmt.Sprintf("%dB", cfg.Server.BodyMaxBytes)))
	e.Use(middleware.SecurityHeaders())

	if cfg.Metrics.Enabled {
		e.Use(middleware.Metrics(m))
		e.GET(cfg.Metrics.Path, echo.WrapHandler(
			promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}),
		))
		logger.Info("metrics enabled", "path", cfg.Metrics.Path)
	}

	return e
}

func warnConfigPermissions(cfg *config.Config, logger *slog.Logger) {
	cfg.WarnPermissions(logger)
}

func startServer(lc fx.Lifecycle, sd fx.Shutdowner, e *echo.Echo, cfg *config.Config, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			ln, err := transport.NewListener(cfg, logger)
			if err != nil {
				return err
			}
			logger.Info("starting server", "url", cfg.Server.URL(), "doc_root", cfg.Static.Root, "backend", cfg.Backend.BaseURL)
			go func() {
				if err := e.Server.Serve(ln); err != nil && err != http.ErrServerClosed {
					logger.Error("server error", "err", err)
					_ = sd.Shutdown(fx.ExitCode(1))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down server")
			return e.Shutdown(ctx)
		},
	})
}
