package middleware

import (
	"github.com/labstack/echo/v4"

	"dynamic-proxy-go/internal/rewrite"
)

// SecurityHeaders returns an Echo middleware that strips hop-by-hop headers
// from the inbound request and sets default security headers on the response.
// The defaults are written before the handler runs so a proxied upstream
// response can replace them.
func SecurityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			rewrite.RemoveHopByHop(c.Request().Header)

			h := c.Response().Header()
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-Frame-Options", "DENY")

			return next(c)
		}
	}
}
