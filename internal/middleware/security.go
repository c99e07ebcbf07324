package middleware

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// defaultResponseHeaders are added to every response unless the handler (or
// the upstream, for proxied responses) already set them.
var defaultResponseHeaders = map[string]string{
	"X-Content-Type-Options": "nosniff",
	"X-Frame-Options":        "DENY",
}

// SecurityHeaders returns an Echo middleware that strips proxy credentials
// from requests and adds hardening headers to responses.
//
// Connection and Upgrade are left alone: the reverse proxy handles hop-by-hop
// headers itself and needs them to hand off protocol upgrades.
func SecurityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			c.Request().Header.Del("Proxy-Authorization")

			// Headers must be in place before the status line is written,
			// which for proxied responses happens inside the handler.
			c.Response().Before(func() {
				h := c.Response().Header()
				for k, v := range defaultResponseHeaders {
					if !hasHeader(h, k) {
						h.Set(k, v)
					}
				}
			})

			return next(c)
		}
	}
}

// hasHeader reports whether h has a non-empty value for key.
func hasHeader(h http.Header, key string) bool {
	return h.Get(key) != ""
}
