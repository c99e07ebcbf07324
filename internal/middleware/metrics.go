package middleware

import (
	"errors"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"pb-edge-proxy/internal/metrics"
)

// MetricsMiddleware returns an Echo middleware that records Prometheus metrics
// for each inbound request.
func MetricsMiddleware(m *metrics.Metrics) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			m.RequestsInFlight.Inc()
			defer m.RequestsInFlight.Dec()

			start := time.Now()
			// Label by the inbound path; the proxy handler rewrites it.
			path := m.NormalizePath(c.Request().URL.Path)

			err := next(c)

			// When a handler returns an *echo.HTTPError the status has not
			// been written yet; Echo's error handler writes it later.
			statusCode := c.Response().Status
			if err != nil {
				var he *echo.HTTPError
				if errors.As(err, &he) {
					statusCode = he.Code
				}
			}

			status := strconv.Itoa(statusCode)
			method := metrics.NormalizeMethod(c.Request().Method)
			duration := time.Since(start).Seconds()

			m.RequestsTotal.WithLabelValues(method, status, path).Inc()
			m.RequestDuration.WithLabelValues(method, status, path).Observe(duration)

			return err
		}
	}
}
