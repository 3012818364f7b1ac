package api

import (
	echo "github.com/labstack/echo/v5"
)

// securityHeaders returns middleware that sets security response
// headers. The service serves JSON and WebSocket upgrades only, so the
// CSP forbids embedding any response as a document; dashboards consume
// the API over fetch and /ws/events, not via framing.
func securityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			h := c.Response().Header()
			h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
			h.Set("X-Frame-Options", "DENY")
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
			h.Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")
			return next(c)
		}
	}
}
