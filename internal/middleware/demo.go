package middleware

import (
	"github.com/gofiber/fiber/v2"
)

// DemoGuard blocks the route it is mounted on while demo mode is enabled.
// Routes that stay usable in demo mode simply do not mount it.
func DemoGuard(enabled bool) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if !enabled {
			return c.Next()
		}
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
			"error": "This action is disabled in demo mode",
			"code":  "demo_mode",
		})
	}
}
