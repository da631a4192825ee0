package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type PolicyType string

const (
	PolicyPayment    PolicyType = "payment"
	PolicyCollection PolicyType = "collection"
)

// PaymentRules is the rule group for payment policies.
type PaymentRules struct {
	Threshold       uint64 `json:"threshold"`
	TimelockSeconds int64  `json:"timelock_seconds"`
	RolesRoot       string `json:"roles_root"`
	OwnersRoot      string `json:"owners_root"`
}

func (r PaymentRules) Timelock() time.Duration {
	return time.Duration(r.TimelockSeconds) * time.Second
}

// CollectionConfig is the rule group for collection policies.
type CollectionConfig struct {
	AllowPartial           bool  `json:"allow_partial"`
	AllowOverpayment       bool  `json:"allow_overpayment"`
	AutoComplete           bool  `json:"auto_complete"`
	DefaultDeadlineSeconds int64 `json:"default_deadline_seconds"`
}

func (c CollectionConfig) DefaultDeadline() time.Duration {
	return time.Duration(c.DefaultDeadlineSeconds) * time.Second
}

type Policy struct {
	ID         string            `gorm:"type:varchar(36);primaryKey" json:"id"`
	VaultID    string            `gorm:"type:varchar(64);not null;index:idx_policy_vault_type" json:"vault_id"`
	Type       PolicyType        `gorm:"type:varchar(20);not null;index:idx_policy_vault_type" json:"type"`
	Name       string            `gorm:"type:varchar(255);not null" json:"name"`
	Version    int               `gorm:"not null;default:1" json:"version"`
	Active     bool              `gorm:"not null;default:true;index" json:"active"`
	MaxAmount  *decimal.Decimal  `gorm:"type:numeric(38,18)" json:"max_amount,omitempty"`
	Payment    *PaymentRules     `gorm:"serializer:json;type:jsonb" json:"payment,omitempty"`
	Collection *CollectionConfig `gorm:"serializer:json;type:jsonb" json:"collection,omitempty"`

	SupersededBy  *string    `gorm:"type:varchar(36)" json:"superseded_by,omitempty"`
	CreatedBy     string     `gorm:"type:varchar(64)" json:"created_by,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	DeactivatedAt *time.Time `json:"deactivated_at,omitempty"`
}

func (Policy) TableName() string {
	return "policies"
}

// Validate checks that exactly one rules group is populated and that it matches Type.
func (p *Policy) Validate() error {
	switch p.Type {
	case PolicyPayment:
		if p.Payment == nil || p.Collection != nil {
			return Errorf(KindInvalidInput, "payment policy requires payment rules only")
		}
		if p.Payment.Threshold == 0 {
			return Errorf(KindInvalidInput, "payment policy threshold must be positive")
		}
		if p.Payment.TimelockSeconds < 0 {
			return Errorf(KindInvalidInput, "payment policy timelock cannot be negative")
		}
		if !IsHash(p.Payment.RolesRoot) || !IsHash(p.Payment.OwnersRoot) {
			return Errorf(KindInvalidInput, "payment policy roots must be 32-byte hex values")
		}
	case PolicyCollection:
		if p.Collection == nil || p.Payment != nil {
			return Errorf(KindInvalidInput, "collection policy requires collection config only")
		}
		if p.Collection.DefaultDeadlineSeconds < 0 {
			return Errorf(KindInvalidInput, "collection default deadline cannot be negative")
		}
	default:
		return Errorf(KindInvalidInput, "unknown policy type %q", p.Type)
	}
	if p.MaxAmount != nil && !p.MaxAmount.IsPositive() {
		return Errorf(KindInvalidInput, "max amount must be positive")
	}
	return nil
}
