package routes

import (
	"github.com/gofiber/fiber/v2"

	"QuorumVault/internal/handlers"
	"QuorumVault/internal/middleware"
)

func SetupEscrowRoutes(app *fiber.App, opts Options) {
	escrow := app.Group("/api/escrows", middleware.Protected(opts.JWTSecret))
	demo := middleware.DemoGuard(opts.DemoMode)

	// Create new escrow (requester is the caller)
	escrow.Post("/", demo, handlers.CreateEscrow)

	// Get specific escrow with approvals
	escrow.Get("/:id", handlers.GetEscrowByID)

	// Move draft to pending
	escrow.Post("/:id/submit", demo, handlers.SubmitEscrow)

	// Approvals stay open in demo mode
	escrow.Post("/:id/approvals", handlers.SubmitApproval)

	// Collection contributions
	escrow.Post("/:id/payments", demo, handlers.RecordPayment)

	// Re-check and attempt the next transition
	escrow.Post("/:id/advance", demo, handlers.AdvanceEscrow)

	escrow.Post("/:id/cancel", demo, handlers.CancelEscrow)
}
