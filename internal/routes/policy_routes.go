package routes

import (
	"github.com/gofiber/fiber/v2"

	"QuorumVault/internal/handlers"
	"QuorumVault/internal/middleware"
)

func SetupPolicyRoutes(app *fiber.App, opts Options) {
	demo := middleware.DemoGuard(opts.DemoMode)

	// Vault policy listing
	vaults := app.Group("/api/vaults", middleware.Protected(opts.JWTSecret))
	vaults.Get("/:vaultId/policies", handlers.GetVaultPolicies)

	policies := app.Group("/api/policies", middleware.Protected(opts.JWTSecret))
	policies.Get("/:id", handlers.GetPolicy)

	// Policy changes are admin only
	policies.Post("/", middleware.AdminOnly(), demo, handlers.CreatePolicy)
	policies.Post("/:id/supersede", middleware.AdminOnly(), demo, handlers.SupersedePolicy)
	policies.Post("/:id/deactivate", middleware.AdminOnly(), demo, handlers.DeactivatePolicy)
}
