package routes

import (
	"github.com/gofiber/fiber/v2"

	"QuorumVault/internal/handlers"
	"QuorumVault/internal/middleware"
)

func SetupNotificationRoutes(app *fiber.App, opts Options) {
	// Notification routes (all require authentication)
	notifications := app.Group("/api/notifications", middleware.Protected(opts.JWTSecret))

	// Get notifications for the caller's address
	notifications.Get("/", handlers.GetNotifications)

	// Mark specific notification as read
	notifications.Put("/:id/read", handlers.MarkNotificationAsRead)
}
