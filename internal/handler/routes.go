package handler

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pb-edge-proxy/internal/config"
	"pb-edge-proxy/internal/metrics"
)

// RegisterRoutes wires all route handlers onto the Echo instance.
func RegisterRoutes(e *echo.Echo, cfg *config.Config, proxy *ProxyHandler, health *HealthHandler, m *metrics.Metrics) {
	e.GET("/healthz", health.Healthz)
	e.GET("/status", health.Status)

	if cfg.Metrics.Enabled && m != nil {
		e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
	}

	prefix := cfg.Proxy.MountPrefix
	e.Any(prefix, proxy.Handle)
	e.Any(prefix+"/*", proxy.Handle)
}
