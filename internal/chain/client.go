// Package chain talks to the execution layer that moves funds on the
// blockchain registry.
package chain

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"QuorumVault/internal/models"
)

var (
	// ErrRejected marks a submission the execution layer refused outright.
	// Retrying it cannot succeed.
	ErrRejected       = errors.New("chain: submission rejected")
	ErrHandleNotFound = errors.New("chain: submission handle not found")
	ErrRootNotFound   = errors.New("chain: membership root not found")
)

// ExecutionRequest is sent once per escrow. EscrowID doubles as the
// idempotency key, so resubmitting returns the original submission.
type ExecutionRequest struct {
	EscrowID       string            `json:"escrow_id"`
	VaultID        string            `json:"vault_id"`
	PolicyID       string            `json:"policy_id"`
	Type           models.PolicyType `json:"type"`
	Recipient      string            `json:"recipient"`
	Amount         decimal.Decimal   `json:"amount"`
	ApprovedWeight uint64            `json:"approved_weight"`
	Approvers      []string          `json:"approvers,omitempty"`
}

type Submission struct {
	Handle string `json:"handle"`
	TxHash string `json:"tx_hash,omitempty"`
}

type ReceiptStatus string

const (
	ReceiptPending  ReceiptStatus = "pending"
	ReceiptSuccess  ReceiptStatus = "success"
	ReceiptReverted ReceiptStatus = "reverted"
	ReceiptUnknown  ReceiptStatus = "unknown"
)

type Receipt struct {
	Status        ReceiptStatus `json:"status"`
	TxHash        string        `json:"tx_hash,omitempty"`
	ChainEscrowID string        `json:"chain_escrow_id,omitempty"`
	Reason        string        `json:"reason,omitempty"`
}

// Client is the execution-layer boundary. Every call may block on I/O and
// must never be made while holding an escrow lock.
type Client interface {
	SubmitExecution(ctx context.Context, req ExecutionRequest) (Submission, error)
	GetReceipt(ctx context.Context, handle string) (Receipt, error)
	GetMembershipRoot(ctx context.Context, policyID string) (string, error)
}
