package handlers

import (
	"strings"

	"github.com/gofiber/fiber/v2"
)

// ClientID derives the identity used for task ownership and rate limiting.
// Proxy headers win over the socket address so clients behind the frontend
// proxy are told apart.
func ClientID(c *fiber.Ctx) string {
	if fwd := c.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			fwd = fwd[:i]
		}
		if fwd = strings.TrimSpace(fwd); fwd != "" {
			return fwd
		}
	}
	if real := strings.TrimSpace(c.Get("X-Real-IP")); real != "" {
		return real
	}
	return c.IP()
}
