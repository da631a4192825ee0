// Package repository is the persistence boundary for policies, escrows,
// approvals and collection payments.
package repository

import (
	"context"
	"errors"
	"time"

	"QuorumVault/internal/models"
)

// ErrConflict is returned by SaveEscrow when the stored version moved on.
var ErrConflict = errors.New("repository: version conflict")

type Store interface {
	// Atomically runs fn against a store bound to a single transaction. fn's
	// writes are discarded if it returns an error.
	Atomically(ctx context.Context, fn func(tx Store) error) error

	CreatePolicy(ctx context.Context, p *models.Policy) error
	GetPolicy(ctx context.Context, id string) (*models.Policy, error)
	ListPolicies(ctx context.Context, vaultID string) ([]models.Policy, error)
	UpdatePolicy(ctx context.Context, p *models.Policy) error

	CreateEscrow(ctx context.Context, e *models.Escrow) error
	GetEscrow(ctx context.Context, id string) (*models.Escrow, error)
	// LockEscrow loads an escrow and holds its row lock until the surrounding
	// transaction ends.
	LockEscrow(ctx context.Context, id string) (*models.Escrow, error)
	// SaveEscrow persists e (participants included) if its stored version still
	// equals e.Version, then bumps e.Version.
	SaveEscrow(ctx context.Context, e *models.Escrow) error
	ListExpirable(ctx context.Context, now time.Time, limit int) ([]models.Escrow, error)
	ListByState(ctx context.Context, state models.EscrowState, limit int) ([]models.Escrow, error)
	// ListUnlocked returns approved escrows whose release unlock time is at or
	// before now, earliest first.
	ListUnlocked(ctx context.Context, now time.Time, limit int) ([]models.Escrow, error)
	ListAwaitingReceipt(ctx context.Context, limit int) ([]models.Escrow, error)
	// ListStaleClaims returns ready escrows claimed for submission at or before
	// claimedBefore that never recorded a submission handle.
	ListStaleClaims(ctx context.Context, claimedBefore time.Time, limit int) ([]models.Escrow, error)

	UpsertApproval(ctx context.Context, a *models.Approval) error
	ListApprovals(ctx context.Context, escrowID string) ([]models.Approval, error)

	CreatePayment(ctx context.Context, p *models.CollectionPayment) error
	GetPaymentByTxHash(ctx context.Context, txHash string) (*models.CollectionPayment, error)
}

func notFound(what, id string) error {
	return models.Errorf(models.KindNotFound, "%s %s not found", what, id)
}

var expirableStates = []models.EscrowState{
	models.EscrowDraft,
	models.EscrowPending,
	models.EscrowApproved,
	models.EscrowReady,
}

var inFlightStatuses = []models.ExecutionStatus{
	models.ExecutionSubmitting,
	models.ExecutionSubmitted,
	models.ExecutionAmbiguous,
}
