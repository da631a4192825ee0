package routes

import (
	"github.com/gofiber/fiber/v2"
)

type Options struct {
	JWTSecret string
	// DemoMode makes vaults read-only except for approvals and reads.
	DemoMode bool
}

func SetupRoutes(app *fiber.App, opts Options) {
	api := app.Group("/api")

	api.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"message":   "QuorumVault API v1.0",
			"status":    "running",
			"demo_mode": opts.DemoMode,
		})
	})

	SetupPolicyRoutes(app, opts)
	SetupEscrowRoutes(app, opts)
	SetupNotificationRoutes(app, opts)
}
