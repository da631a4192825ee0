package handlers

import (
	"context"
	"errors"
	"log/slog"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"QuorumVault/internal/middleware"
	"QuorumVault/internal/models"
	"QuorumVault/internal/services"
)

// NotificationStore is the read side of persisted notifications.
type NotificationStore interface {
	ListFor(ctx context.Context, recipient string, unreadOnly bool, limit int) ([]models.Notification, error)
	MarkRead(ctx context.Context, recipient string, id uint) error
}

var (
	engine        *services.Engine
	notifications NotificationStore
	validate      = validator.New()
)

// Init wires the handlers to the engine. notifications may be nil when no
// notification store is configured.
func Init(e *services.Engine, n NotificationStore) {
	engine = e
	notifications = n
}

func currentAddress(c *fiber.Ctx) string {
	addr, _ := c.Locals(middleware.LocalAddress).(string)
	return addr
}

// parseBody decodes and validates the JSON request body into req. It returns
// the 400 response body when the request is rejected.
func parseBody(c *fiber.Ctx, req any) fiber.Map {
	if err := c.BodyParser(req); err != nil {
		return fiber.Map{"error": "Invalid request body"}
	}
	if err := validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fe.Namespace()+" failed "+fe.Tag())
			}
			return fiber.Map{"error": "Validation failed", "fields": fields}
		}
		return fiber.Map{"error": err.Error()}
	}
	return nil
}

var statusByKind = map[models.ErrorKind]int{
	models.KindInvalidInput:       fiber.StatusBadRequest,
	models.KindNotAuthorized:      fiber.StatusForbidden,
	models.KindNotFound:           fiber.StatusNotFound,
	models.KindInvalidState:       fiber.StatusConflict,
	models.KindQuorumNotReached:   fiber.StatusConflict,
	models.KindTimelockNotElapsed: fiber.StatusConflict,
	models.KindExecutionReverted:  fiber.StatusConflict,
	models.KindAmbiguous:          fiber.StatusConflict,
	models.KindPolicyMismatch:     fiber.StatusUnprocessableEntity,
	models.KindAmountExceeded:     fiber.StatusUnprocessableEntity,
	models.KindExecutionFailed:    fiber.StatusBadGateway,
	models.KindUnavailable:        fiber.StatusServiceUnavailable,
}

// respondError renders engine errors with their kind and context.
func respondError(c *fiber.Ctx, err error) error {
	var me *models.Error
	if !errors.As(err, &me) {
		slog.Error("unhandled error",
			"module", "handlers",
			"operation", c.Method()+" "+c.Path(),
			"outcome", "failure",
			"error", err,
		)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Internal server error",
		})
	}

	status, ok := statusByKind[me.Kind]
	if !ok {
		status = fiber.StatusInternalServerError
	}
	body := fiber.Map{
		"error": me.Message,
		"kind":  me.Kind,
	}
	if me.Kind == models.KindUnavailable || me.Kind == models.KindExecutionFailed {
		slog.Warn("request failed",
			"module", "handlers",
			"operation", c.Method()+" "+c.Path(),
			"outcome", "failure",
			"kind", me.Kind,
			"error", err,
		)
	}
	if me.EscrowID != "" {
		body["escrow_id"] = me.EscrowID
	}
	if me.PolicyID != "" {
		body["policy_id"] = me.PolicyID
	}
	if me.Required != "" || me.Actual != "" {
		body["required"] = me.Required
		body["actual"] = me.Actual
	}
	return c.Status(status).JSON(body)
}
