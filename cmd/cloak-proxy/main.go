package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/fx"

	"cloak-proxy/internal/client"
	"cloak-proxy/internal/config"
	"cloak-proxy/internal/filter"
	"cloak-proxy/internal/handler"
	"cloak-proxy/internal/metrics"
	"cloak-proxy/internal/middleware"
	"cloak-proxy/internal/seal"
	"cloak-proxy/internal/server"
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
		kong.Name("cloak-proxy"),
		kong.Description("Encrypted tunnel proxy for LLM API traffic."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	fx.New(
		fx.Provide(
			func() *config.CLI { return &cli },
			func() handler.Version { return handler.Version(version) },
			config.Load,
			newLogger,
			newSealEngine,
			newFilters,
			newEcho,
			metrics.New,
			client.NewUpstreamClient,
			func(c *client.UpstreamClient) server.Forwarder { return c },
			server.New,
			handler.NewHealthHandler,
		),
		fx.Invoke(warnConfigPermissions, startTunnelServer, startAdminServer),
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

func newSealEngine(cfg *config.Config) (*seal.Engine, error) {
	key, err := cfg.PresharedKey()
	if err != nil {
		return nil, err
	}
	return seal.New(key)
}

func newFilters(cfg *config.Config) *filter.Set {
	return &filter.Set{
		Request: filter.New(filter.DirectionRequest,
			cfg.Filter.Request.Allow,
			cfg.Filter.Request.Deny,
			cfg.Filter.Request.DenyPrefixes,
		),
		Response: filter.New(filter.DirectionResponse,
			cfg.Filter.Response.Allow,
			cfg.Filter.Response.Deny,
			cfg.Filter.Response.DenyPrefixes,
		),
	}
}

func newEcho(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Inbound timeouts to mitigate slow-client attacks on the admin port.
	e.Server.ReadTimeout = 30 * time.Second
	e.Server.WriteTimeout = 30 * time.Second
	e.Server.IdleTimeout = 120 * time.Second
	e.Server.ReadHeaderTimeout = 10 * time.Second

	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())
	e.Use(middleware.RequestLogger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.MetricsMiddleware(m))

	return e
}

func warnConfigPermissions(cfg *config.Config, logger *slog.Logger) {
	cfg.WarnPermissions(logger)
}

func startTunnelServer(lc fx.Lifecycle, s *server.TunnelServer, cfg *config.Config, logger *slog.Logger) {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			addr := cfg.Server.Addr()
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				cancel()
				return fmt.Errorf("bind %s: %w", addr, err)
			}
			logger.Info("starting tunnel server", "addr", addr)
			go func() {
				if err := s.Serve(ctx, ln); err != nil {
					logger.Error("tunnel server error", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(_ context.Context) error {
			logger.Info("shutting down tunnel server")
			cancel()
			return nil
		},
	})
}

func startAdminServer(lc fx.Lifecycle, e *echo.Echo, health *handler.HealthHandler, m *metrics.Metrics, cfg *config.Config, logger *slog.Logger) {
	if !cfg.Admin.Enabled {
		logger.Info("admin server disabled")
		return
	}

	handler.RegisterRoutes(e, health, m, cfg)

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			addr := cfg.Admin.Addr()
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("bind %s: %w", addr, err)
			}
			logger.Info("starting admin server", "addr", addr)
			go func() {
				if err := e.Server.Serve(ln); err != nil && err != http.ErrServerClosed {
					logger.Error("admin server error", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down admin server")
			return e.Shutdown(ctx)
		},
	})
}
