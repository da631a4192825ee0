package handlers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"

	"QuorumVault/internal/merkle"
	"QuorumVault/internal/models"
	"QuorumVault/internal/policy"
)

type MembersRequest struct {
	Roles  []merkle.Member `json:"roles" validate:"required,min=1,dive"`
	Owners []merkle.Member `json:"owners" validate:"required,min=1,dive"`
}

type PolicyRequest struct {
	VaultID    string                   `json:"vault_id" validate:"required,max=64"`
	Type       models.PolicyType        `json:"type" validate:"required,oneof=payment collection"`
	Name       string                   `json:"name" validate:"required,max=255"`
	MaxAmount  *decimal.Decimal         `json:"max_amount"`
	Payment    *models.PaymentRules     `json:"payment"`
	Collection *models.CollectionConfig `json:"collection"`
	// Members, when set, replaces the payment roots with ones computed from
	// the listed approvers and owners.
	Members *MembersRequest `json:"members"`
}

func (r *PolicyRequest) toPolicy(createdBy string) (*models.Policy, *policy.Members) {
	p := &models.Policy{
		VaultID:    r.VaultID,
		Type:       r.Type,
		Name:       r.Name,
		MaxAmount:  r.MaxAmount,
		Payment:    r.Payment,
		Collection: r.Collection,
		CreatedBy:  createdBy,
	}
	if r.Members == nil {
		return p, nil
	}
	if p.Payment == nil {
		p.Payment = &models.PaymentRules{}
	}
	return p, &policy.Members{Roles: r.Members.Roles, Owners: r.Members.Owners}
}

// CreatePolicy registers a new policy for a vault
func CreatePolicy(c *fiber.Ctx) error {
	req := new(PolicyRequest)
	if errBody := parseBody(c, req); errBody != nil {
		return c.Status(fiber.StatusBadRequest).JSON(errBody)
	}

	p, members := req.toPolicy(currentAddress(c))
	created, err := engine.CreatePolicy(c.UserContext(), p, members)
	if err != nil {
		return respondError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"message": "Policy created successfully",
		"policy":  created,
	})
}

// SupersedePolicy replaces an active policy with a new version
func SupersedePolicy(c *fiber.Ctx) error {
	req := new(PolicyRequest)
	if errBody := parseBody(c, req); errBody != nil {
		return c.Status(fiber.StatusBadRequest).JSON(errBody)
	}

	p, members := req.toPolicy(currentAddress(c))
	next, err := engine.SupersedePolicy(c.UserContext(), c.Params("id"), p, members)
	if err != nil {
		return respondError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"message": "Policy superseded successfully",
		"policy":  next,
	})
}

func DeactivatePolicy(c *fiber.Ctx) error {
	p, err := engine.DeactivatePolicy(c.UserContext(), c.Params("id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{
		"message": "Policy deactivated",
		"policy":  p,
	})
}

func GetPolicy(c *fiber.Ctx) error {
	p, err := engine.GetPolicy(c.UserContext(), c.Params("id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"policy": p})
}

// GetVaultPolicies lists every policy version of a vault, newest first
func GetVaultPolicies(c *fiber.Ctx) error {
	policies, err := engine.ListPolicies(c.UserContext(), c.Params("vaultId"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{
		"policies": policies,
		"count":    len(policies),
	})
}
