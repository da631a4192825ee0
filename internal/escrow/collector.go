package escrow

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"QuorumVault/internal/merkle"
	"QuorumVault/internal/models"
)

// RootChecker confirms a policy's roles root against an external source of
// truth before approvals are accepted.
type RootChecker interface {
	CheckRoot(ctx context.Context, policyID, root string) error
}

// Collector records approvals and collection payments through the ledger.
type Collector struct {
	ledger *Ledger
	roots  RootChecker
}

func NewCollector(ledger *Ledger, roots RootChecker) *Collector {
	return &Collector{ledger: ledger, roots: roots}
}

type ApprovalParams struct {
	EscrowID string
	Approver string
	Weight   uint64
	Proof    []string
}

type ApprovalResult struct {
	TotalWeight   uint64             `json:"total_weight"`
	Threshold     uint64             `json:"threshold"`
	State         models.EscrowState `json:"state"`
	QuorumReached bool               `json:"quorum_reached"`
}

// Submit verifies an approver's proof and records (or replaces) their
// approval. Reaching the threshold moves the escrow to approved exactly once.
// Quorum and timelock are never reported as errors here.
func (c *Collector) Submit(ctx context.Context, params ApprovalParams) (*ApprovalResult, error) {
	approver, ok := models.NormalizeAddress(params.Approver)
	if !ok {
		return nil, models.Errorf(models.KindInvalidInput, "approver is not a valid address")
	}
	if params.Weight == 0 {
		return nil, models.Errorf(models.KindInvalidInput, "weight must be positive")
	}
	if c.roots != nil {
		if err := c.checkRoot(ctx, params.EscrowID); err != nil {
			return nil, err
		}
	}

	l := c.ledger
	var result ApprovalResult
	_, err := l.withEscrow(ctx, params.EscrowID, func(m *mutation) (bool, error) {
		e, p := m.escrow, m.policy
		if e.Type != models.PolicyPayment || p.Payment == nil {
			return false, models.Errorf(models.KindPolicyMismatch, "collection escrows take payments, not approvals").WithEscrow(e.ID, e.PolicyID)
		}
		if e.State.Terminal() {
			return false, models.Errorf(models.KindInvalidState, "escrow is %s", e.State).WithEscrow(e.ID, e.PolicyID)
		}
		if l.expireIfDue(m) {
			return true, expiredErr(m)
		}
		if !p.Active {
			return false, models.Errorf(models.KindPolicyMismatch, "policy %s is not active", p.ID).WithEscrow(e.ID, e.PolicyID)
		}
		if !l.verifier.Verify(p.Payment.RolesRoot, approver, params.Weight, params.Proof) {
			l.logger.Warn("approval proof rejected",
				"module", "escrow",
				"operation", "submit_approval",
				"outcome", "denied",
				"escrow_id", e.ID,
				"approver", approver,
			)
			return false, models.Errorf(models.KindNotAuthorized, "approval proof does not verify against the roles root").WithEscrow(e.ID, e.PolicyID)
		}
		if e.State == models.EscrowDraft {
			if err := l.transition(m, models.EscrowPending, 0); err != nil {
				return false, err
			}
		}

		err := m.tx.UpsertApproval(ctx, &models.Approval{
			ID:              uuid.NewString(),
			EscrowID:        e.ID,
			ApproverAddress: approver,
			Weight:          params.Weight,
			ProofHash:       merkle.ProofDigest(params.Proof).Hex(),
			CreatedAt:       m.now,
			UpdatedAt:       m.now,
		})
		if err != nil {
			return false, err
		}
		total, _, err := tally(ctx, m.tx, e.ID)
		if err != nil {
			return false, err
		}
		e.ApprovedWeight = total
		m.emit(models.NotificationApprovalRecorded, "Approval recorded",
			fmt.Sprintf("%s approved escrow %s", approver, e.ID),
			map[string]any{"approver": approver, "weight": params.Weight, "total_weight": total})

		if e.State == models.EscrowPending && total >= p.Payment.Threshold {
			if err := l.transition(m, models.EscrowApproved, total); err != nil {
				return false, err
			}
			result.QuorumReached = true
		}
		result.TotalWeight = total
		result.Threshold = p.Payment.Threshold
		result.State = e.State
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Collector) checkRoot(ctx context.Context, escrowID string) error {
	l := c.ledger
	e, err := l.repo.GetEscrow(ctx, escrowID)
	if err != nil {
		return l.storeErr(err, escrowID)
	}
	p, err := l.repo.GetPolicy(ctx, e.PolicyID)
	if err != nil {
		return l.storeErr(err, escrowID)
	}
	if p.Payment == nil {
		return nil
	}
	if err := c.roots.CheckRoot(ctx, p.ID, p.Payment.RolesRoot); err != nil {
		var me *models.Error
		if errors.As(err, &me) {
			return me.WithEscrow(e.ID, p.ID)
		}
		return models.Unavailablef(err, "check membership root")
	}
	return nil
}

type PaymentParams struct {
	EscrowID      string
	ParticipantID string
	Amount        decimal.Decimal
	TxHash        string
}

type PaymentResult struct {
	Escrow    *models.Escrow `json:"escrow"`
	Duplicate bool           `json:"duplicate"`
}

// RecordPayment applies a confirmed contribution. A txHash that was already
// recorded for the same participant and amount is a no-op.
func (c *Collector) RecordPayment(ctx context.Context, params PaymentParams) (*PaymentResult, error) {
	if !params.Amount.IsPositive() {
		return nil, models.Errorf(models.KindInvalidInput, "payment amount must be positive")
	}
	if params.TxHash == "" {
		return nil, models.Errorf(models.KindInvalidInput, "payment tx hash is required")
	}

	l := c.ledger
	duplicate := false
	e, err := l.withEscrow(ctx, params.EscrowID, func(m *mutation) (bool, error) {
		e, p := m.escrow, m.policy
		if e.Type != models.PolicyCollection || p.Collection == nil {
			return false, models.Errorf(models.KindPolicyMismatch, "payment escrows do not take contributions").WithEscrow(e.ID, e.PolicyID)
		}

		prior, err := m.tx.GetPaymentByTxHash(ctx, params.TxHash)
		switch {
		case err == nil:
			if prior.EscrowID == e.ID && prior.ParticipantID == params.ParticipantID && prior.Amount.Equal(params.Amount) {
				duplicate = true
				return false, nil
			}
			return false, models.Errorf(models.KindInvalidInput, "tx hash %s already recorded for another payment", params.TxHash).WithEscrow(e.ID, e.PolicyID)
		case !errors.Is(err, models.ErrNotFound):
			return false, err
		}

		if e.State.Terminal() {
			return false, models.Errorf(models.KindInvalidState, "escrow is %s", e.State).WithEscrow(e.ID, e.PolicyID)
		}
		if l.expireIfDue(m) {
			return true, expiredErr(m)
		}
		if e.State == models.EscrowDraft {
			if err := l.transition(m, models.EscrowPending, 0); err != nil {
				return false, err
			}
		}
		if e.State != models.EscrowPending {
			return false, models.Errorf(models.KindInvalidState, "escrow is %s", e.State).WithEscrow(e.ID, e.PolicyID)
		}

		pt := e.Participant(params.ParticipantID)
		if pt == nil {
			return false, models.Errorf(models.KindNotFound, "participant %s not found", params.ParticipantID).WithEscrow(e.ID, e.PolicyID)
		}
		cfg := p.Collection
		paid := pt.PaidAmount.Add(params.Amount)
		if !cfg.AllowPartial && paid.LessThan(pt.AllocatedAmount) {
			return false, models.Errorf(models.KindInvalidInput, "partial payments are not allowed").
				WithEscrow(e.ID, e.PolicyID).
				WithAmounts(pt.AllocatedAmount.Sub(pt.PaidAmount).String(), params.Amount.String())
		}
		if !cfg.AllowOverpayment && paid.GreaterThan(pt.AllocatedAmount) {
			return false, models.Errorf(models.KindAmountExceeded, "payment exceeds the participant's allocation").
				WithEscrow(e.ID, e.PolicyID).
				WithAmounts(pt.AllocatedAmount.Sub(pt.PaidAmount).String(), params.Amount.String())
		}
		collected := e.CollectedAmount.Add(params.Amount)
		if collected.GreaterThan(e.TotalAmount) {
			return false, models.Errorf(models.KindAmountExceeded, "payment exceeds the escrow total").
				WithEscrow(e.ID, e.PolicyID).
				WithAmounts(e.TotalAmount.Sub(e.CollectedAmount).String(), params.Amount.String())
		}

		now := m.now
		pt.PaidAmount = paid
		pt.Status = models.ParticipantStatusFor(paid, pt.AllocatedAmount, e.Deadline, now)
		pt.PaidAt = &now
		pt.UpdatedAt = now
		if pt.TxHash == nil {
			hash := params.TxHash
			pt.TxHash = &hash
		}
		e.CollectedAmount = collected

		err = m.tx.CreatePayment(ctx, &models.CollectionPayment{
			ID:            uuid.NewString(),
			EscrowID:      e.ID,
			ParticipantID: pt.ID,
			Amount:        params.Amount,
			TxHash:        params.TxHash,
			CreatedAt:     now,
		})
		if err != nil {
			return false, err
		}
		m.emit(models.NotificationPaymentRecorded, "Payment recorded",
			fmt.Sprintf("%s paid %s towards escrow %s", pt.Address, params.Amount.String(), e.ID),
			map[string]any{"participant_id": pt.ID, "amount": params.Amount.String(), "tx_hash": params.TxHash})

		if cfg.AutoComplete && e.FullyPaid() {
			if err := l.transition(m, models.EscrowReleased, 0); err != nil {
				return false, err
			}
		}
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	if duplicate {
		l.logger.Info("duplicate payment ignored",
			"module", "escrow",
			"operation", "record_payment",
			"outcome", "duplicate",
			"escrow_id", params.EscrowID,
			"tx_hash", params.TxHash,
		)
	}
	return &PaymentResult{Escrow: e, Duplicate: duplicate}, nil
}
