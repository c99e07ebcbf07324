// Package middleware provides Echo middleware for logging, metrics and
// response hardening.
package middleware

import (
	"log/slog"
	"time"

	"github.com/labstack/echo/v4"
)

// RequestLogger returns an Echo middleware that logs each request with slog.
// The path is captured before the handler runs because proxied requests are
// rewritten in place.
func RequestLogger(logger *slog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			req := c.Request()
			path := req.URL.Path

			err := next(c)

			res := c.Response()
			level := slog.LevelInfo
			if res.Status >= 500 {
				level = slog.LevelWarn
			}

			logger.Log(req.Context(), level, "request",
				"method", req.Method,
				"path", path,
				"status", res.Status,
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", res.Header().Get(echo.HeaderXRequestID),
				"remote_ip", c.RealIP(),
				"bytes_in", req.ContentLength,
				"bytes_out", res.Size,
			)

			return err
		}
	}
}
