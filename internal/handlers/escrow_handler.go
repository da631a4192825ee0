package handlers

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"

	"QuorumVault/internal/escrow"
	"QuorumVault/internal/models"
	"QuorumVault/internal/services"
)

type CreateEscrowRequest struct {
	PolicyID           string                    `json:"policy_id" validate:"required"`
	Type               models.PolicyType         `json:"type" validate:"omitempty,oneof=payment collection"`
	TotalAmount        decimal.Decimal           `json:"total_amount"`
	Recipient          string                    `json:"recipient" validate:"required"`
	Description        string                    `json:"description" validate:"max=1000"`
	Deadline           *time.Time                `json:"deadline"`
	ScheduledReleaseAt *time.Time                `json:"scheduled_release_at"`
	ExpiresAt          *time.Time                `json:"expires_at"`
	OwnerWeight        uint64                    `json:"owner_weight"`
	OwnerProof         []string                  `json:"owner_proof"`
	Participants       []escrow.ParticipantInput `json:"participants" validate:"dive"`
}

type ApprovalRequest struct {
	Weight uint64   `json:"weight" validate:"required,gt=0"`
	Proof  []string `json:"proof"`
}

type PaymentRequest struct {
	ParticipantID     string          `json:"participant_id" validate:"required"`
	Amount            decimal.Decimal `json:"amount"`
	TxHash            string          `json:"tx_hash" validate:"required_without=PaystackReference"`
	PaystackReference string          `json:"paystack_reference"`
}

type CancelEscrowRequest struct {
	Weight uint64   `json:"weight"`
	Proof  []string `json:"proof"`
	Reason string   `json:"reason" validate:"max=500"`
}

// CreateEscrow opens a draft escrow requested by the authenticated address
func CreateEscrow(c *fiber.Ctx) error {
	req := new(CreateEscrowRequest)
	if errBody := parseBody(c, req); errBody != nil {
		return c.Status(fiber.StatusBadRequest).JSON(errBody)
	}

	e, err := engine.CreateEscrow(c.UserContext(), escrow.CreateParams{
		PolicyID:           req.PolicyID,
		Type:               req.Type,
		TotalAmount:        req.TotalAmount,
		Requester:          currentAddress(c),
		Recipient:          req.Recipient,
		Description:        req.Description,
		Deadline:           req.Deadline,
		ScheduledReleaseAt: req.ScheduledReleaseAt,
		ExpiresAt:          req.ExpiresAt,
		OwnerWeight:        req.OwnerWeight,
		OwnerProof:         req.OwnerProof,
		Participants:       req.Participants,
	})
	if err != nil {
		return respondError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"message": "Escrow created successfully",
		"escrow":  e,
	})
}

// GetEscrowByID returns the escrow with its approvals and current tally
func GetEscrowByID(c *fiber.Ctx) error {
	v, err := engine.GetEscrow(c.UserContext(), c.Params("id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(v)
}

// SubmitEscrow moves a draft into pending
func SubmitEscrow(c *fiber.Ctx) error {
	e, err := engine.SubmitEscrow(c.UserContext(), c.Params("id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{
		"message": "Escrow submitted",
		"escrow":  e,
	})
}

// SubmitApproval records the authenticated approver's weighted approval
func SubmitApproval(c *fiber.Ctx) error {
	req := new(ApprovalRequest)
	if errBody := parseBody(c, req); errBody != nil {
		return c.Status(fiber.StatusBadRequest).JSON(errBody)
	}

	res, err := engine.SubmitApproval(c.UserContext(), escrow.ApprovalParams{
		EscrowID: c.Params("id"),
		Approver: currentAddress(c),
		Weight:   req.Weight,
		Proof:    req.Proof,
	})
	if err != nil {
		return respondError(c, err)
	}

	return c.JSON(fiber.Map{
		"message":  "Approval recorded",
		"approval": res,
	})
}

// RecordPayment applies a participant's contribution to a collection
func RecordPayment(c *fiber.Ctx) error {
	req := new(PaymentRequest)
	if errBody := parseBody(c, req); errBody != nil {
		return c.Status(fiber.StatusBadRequest).JSON(errBody)
	}

	res, err := engine.RecordCollectionPayment(c.UserContext(), services.ContributionParams{
		EscrowID:          c.Params("id"),
		ParticipantID:     req.ParticipantID,
		Amount:            req.Amount,
		TxHash:            req.TxHash,
		PaystackReference: req.PaystackReference,
	})
	if err != nil {
		return respondError(c, err)
	}

	status := fiber.StatusCreated
	if res.Duplicate {
		status = fiber.StatusOK
	}
	return c.Status(status).JSON(fiber.Map{
		"message": "Payment recorded",
		"payment": res,
	})
}

// AdvanceEscrow re-checks the escrow and attempts its next transition
func AdvanceEscrow(c *fiber.Ctx) error {
	e, err := engine.Advance(c.UserContext(), c.Params("id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{
		"state":  e.State,
		"escrow": e,
	})
}

// CancelEscrow cancels, or schedules cancellation of, an escrow
func CancelEscrow(c *fiber.Ctx) error {
	req := new(CancelEscrowRequest)
	if errBody := parseBody(c, req); errBody != nil {
		return c.Status(fiber.StatusBadRequest).JSON(errBody)
	}

	e, err := engine.CancelEscrow(c.UserContext(), escrow.CancelParams{
		EscrowID: c.Params("id"),
		Actor:    currentAddress(c),
		Weight:   req.Weight,
		Proof:    req.Proof,
		Reason:   req.Reason,
	})
	if err != nil {
		return respondError(c, err)
	}

	message := "Escrow cancelled"
	if e.State != models.EscrowCancelled {
		message = "Cancellation will apply once the pending execution resolves"
	}
	return c.JSON(fiber.Map{
		"message": message,
		"escrow":  e,
	})
}
