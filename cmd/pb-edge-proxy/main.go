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
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/fx"
	"golang.org/x/time/rate"

	"pb-edge-proxy/internal/client"
	"pb-edge-proxy/internal/config"
	"pb-edge-proxy/internal/forward"
	"pb-edge-proxy/internal/handler"
	"pb-edge-proxy/internal/metrics"
	"pb-edge-proxy/internal/middleware"
	"pb-edge-proxy/internal/service"
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
		kong.Name("pb-edge-proxy"),
		kong.Description("Edge reverse proxy that injects the upstream API token."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	fx.New(appOptions(&cli)).Run()
}

// appOptions builds the dependency graph for one process.
func appOptions(cli *config.CLI) fx.Option {
	return fx.Options(
		fx.Provide(
			func() *config.CLI { return cli },
			func() handler.Version { return handler.Version(version) },
			config.Load,
			newLogger,
			newMetrics,
			newEcho,
			fx.Annotate(client.NewTransport, fx.As(new(http.RoundTripper))),
			forward.New,
			func(f *forward.Forwarder) service.Forwarder { return f },
			service.NewProxyService,
			func(s *service.ProxyService) handler.Forwarder { return s },
			handler.NewProxyHandler,
			handler.NewHealthHandler,
		),
		fx.Invoke(handler.RegisterRoutes, warnConfigPermissions, startServer),
	)
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

func newMetrics(cfg *config.Config) *metrics.Metrics {
	return metrics.New(append(cfg.ReservedRoutes(), cfg.Metrics.Path)...)
}

func newEcho(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Read and write timeouts stay disabled: they would cut off long uploads,
	// streamed responses and upgraded connections. Upstream deadlines live on
	// the forwarding transport.
	e.Server.ReadTimeout = 0
	e.Server.WriteTimeout = 0
	e.Server.IdleTimeout = 120 * time.Second
	e.Server.ReadHeaderTimeout = 10 * time.Second

	e.Use(echomw.Recover())
	e.Use(echomw.RequestIDWithConfig(echomw.RequestIDConfig{
		Generator: uuid.NewString,
	}))
	e.Use(middleware.RequestLogger(logger))
	if cfg.Metrics.Enabled {
		e.Use(middleware.MetricsMiddleware(m))
	}
	if cfg.Server.BodyMaxBytes > 0 {
		e.Use(echomw.BodyLimit(fmt.Sprintf("%dB", cfg.Server.BodyMaxBytes)))
	}
	e.Use(middleware.SecurityHeaders())

	if cfg.Server.RateLimit.Enabled {
		store := echomw.NewRateLimiterMemoryStore(rate.Limit(cfg.Server.RateLimit.RequestsPerSecond))
		e.Use(echomw.RateLimiter(store))
		logger.Info("rate limiter enabled", "rps", cfg.Server.RateLimit.RequestsPerSecond)
	}

	return e
}

func warnConfigPermissions(cfg *config.Config, logger *slog.Logger) {
	cfg.WarnPermissions(logger)
}

func startServer(lc fx.Lifecycle, e *echo.Echo, fwd *forward.Forwarder, cfg *config.Config, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			addr := cfg.Server.Addr()
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("bind %s: %w", addr, err)
			}
			logger.Info("starting server",
				"addr", addr,
				"mount_prefix", cfg.Proxy.MountPrefix,
				"upstream", fwd.Target().Redacted(),
			)
			go func() {
				if err := e.Server.Serve(ln); err != nil && err != http.ErrServerClosed {
					logger.Error("server error", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down server")
			err := e.Shutdown(ctx)
			fwd.Close()
			return err
		},
	})
}
