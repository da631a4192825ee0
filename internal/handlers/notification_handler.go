package handlers

import (
	"strconv"

	"github.com/gofiber/fiber/v2"
)

// GetNotifications retrieves notifications for the authenticated address
func GetNotifications(c *fiber.Ctx) error {
	if notifications == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": "Notifications are not enabled",
		})
	}

	limit, err := strconv.Atoi(c.Query("limit", "50"))
	if err != nil || limit <= 0 || limit > 200 {
		limit = 50
	}
	unreadOnly := c.Query("unread_only", "false") == "true"

	rows, err := notifications.ListFor(c.UserContext(), currentAddress(c), unreadOnly, limit)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to retrieve notifications",
		})
	}

	return c.JSON(fiber.Map{
		"notifications": rows,
		"count":         len(rows),
	})
}

// MarkNotificationAsRead marks a single notification as read
func MarkNotificationAsRead(c *fiber.Ctx) error {
	if notifications == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": "Notifications are not enabled",
		})
	}

	id, err := strconv.ParseUint(c.Params("id"), 10, 64)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid notification ID",
		})
	}

	if err := notifications.MarkRead(c.UserContext(), currentAddress(c), uint(id)); err != nil {
		return respondError(c, err)
	}

	return c.JSON(fiber.Map{
		"message": "Notification marked as read",
	})
}
