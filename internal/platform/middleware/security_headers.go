package middleware

import (
	"github.com/labstack/echo/v4"
)

// SecurityHeaders sets response headers suited to a JSON API that returns
// patient contact details.
func SecurityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Response().Header()

			// No MIME sniffing
			h.Set("X-Content-Type-Options", "nosniff")

			// No framing
			h.Set("X-Frame-Options", "DENY")

			// Legacy XSS filter off; CSP below covers it.
			h.Set("X-XSS-Protection", "0")

			// JSON only: nothing to load, nothing to embed.
			h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")

			// HSTS for one year, subdomains included.
			h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")

			// Booking ids appear in paths; keep them out of Referer.
			h.Set("Referrer-Policy", "no-referrer")

			h.Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")

			// Availability changes with every booking and responses may
			// carry patient contact details.
			h.Set("Cache-Control", "no-store")

			return next(c)
		}
	}
}
