package services

import (
	"context"
	"log/slog"

	"github.com/shopspring/decimal"

	"QuorumVault/internal/escrow"
	"QuorumVault/internal/executor"
	"QuorumVault/internal/models"
	"QuorumVault/internal/policy"
)

// Engine is the API surface served over HTTP. It composes the policy store,
// the escrow ledger, the approval collector and the executor.
type Engine struct {
	policies  *policy.Store
	ledger    *escrow.Ledger
	collector *escrow.Collector
	exec      *executor.Executor
	payments  PaymentVerifier
	logger    *slog.Logger
}

func NewEngine(policies *policy.Store, ledger *escrow.Ledger, collector *escrow.Collector, exec *executor.Executor, payments PaymentVerifier, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		policies:  policies,
		ledger:    ledger,
		collector: collector,
		exec:      exec,
		payments:  payments,
		logger:    logger,
	}
}

// CreatePolicy stores p. When members is set the payment roots are computed
// from the member lists instead of taken from p.
func (e *Engine) CreatePolicy(ctx context.Context, p *models.Policy, members *policy.Members) (*models.Policy, error) {
	if members != nil {
		if err := policy.ApplyMembers(p, *members); err != nil {
			return nil, err
		}
	}
	return e.policies.Create(ctx, p)
}

func (e *Engine) SupersedePolicy(ctx context.Context, priorID string, next *models.Policy, members *policy.Members) (*models.Policy, error) {
	if members != nil {
		if err := policy.ApplyMembers(next, *members); err != nil {
			return nil, err
		}
	}
	return e.policies.Supersede(ctx, priorID, next)
}

func (e *Engine) DeactivatePolicy(ctx context.Context, id string) (*models.Policy, error) {
	return e.policies.Deactivate(ctx, id)
}

func (e *Engine) GetPolicy(ctx context.Context, id string) (*models.Policy, error) {
	return e.policies.Get(ctx, id)
}

func (e *Engine) ListPolicies(ctx context.Context, vaultID string) ([]models.Policy, error) {
	return e.policies.ListByVault(ctx, vaultID)
}

func (e *Engine) CreateEscrow(ctx context.Context, params escrow.CreateParams) (*models.Escrow, error) {
	return e.ledger.Create(ctx, params)
}

func (e *Engine) SubmitEscrow(ctx context.Context, id string) (*models.Escrow, error) {
	return e.ledger.Submit(ctx, id)
}

func (e *Engine) SubmitApproval(ctx context.Context, params escrow.ApprovalParams) (*escrow.ApprovalResult, error) {
	return e.collector.Submit(ctx, params)
}

type ContributionParams struct {
	EscrowID      string
	ParticipantID string
	Amount        decimal.Decimal
	TxHash        string
	// PaystackReference records a fiat contribution verified with Paystack
	// instead of an on-chain transfer.
	PaystackReference string
}

type ContributionResult struct {
	Participant *models.Participant `json:"participant"`
	State       models.EscrowState  `json:"state"`
	Collected   decimal.Decimal     `json:"collected_amount"`
	Duplicate   bool                `json:"duplicate"`
}

// RecordCollectionPayment applies a participant's contribution and returns
// the participant's updated record.
func (e *Engine) RecordCollectionPayment(ctx context.Context, params ContributionParams) (*ContributionResult, error) {
	if ref := params.PaystackReference; ref != "" {
		if e.payments == nil {
			return nil, models.Errorf(models.KindInvalidInput, "fiat contributions are not enabled")
		}
		amount, err := e.payments.VerifyPayment(ctx, ref)
		if err != nil {
			return nil, err
		}
		if !params.Amount.IsZero() && !params.Amount.Equal(amount) {
			return nil, models.Errorf(models.KindInvalidInput, "amount does not match verified payment").
				WithAmounts(amount.String(), params.Amount.String())
		}
		params.Amount = amount
		params.TxHash = PaystackTxHash(ref)
	}

	res, err := e.collector.RecordPayment(ctx, escrow.PaymentParams{
		EscrowID:      params.EscrowID,
		ParticipantID: params.ParticipantID,
		Amount:        params.Amount,
		TxHash:        params.TxHash,
	})
	if err != nil {
		return nil, err
	}
	pt := res.Escrow.Participant(params.ParticipantID)
	if pt == nil {
		return nil, models.Errorf(models.KindNotFound, "participant %s not found", params.ParticipantID).WithEscrow(params.EscrowID, res.Escrow.PolicyID)
	}
	return &ContributionResult{
		Participant: pt,
		State:       res.Escrow.State,
		Collected:   res.Escrow.CollectedAmount,
		Duplicate:   res.Duplicate,
	}, nil
}

func (e *Engine) GetEscrow(ctx context.Context, id string) (*escrow.View, error) {
	return e.ledger.Get(ctx, id)
}

// Advance re-checks the escrow and attempts its next forward transition. It
// is the call that reports QuorumNotReached and TimelockNotElapsed.
func (e *Engine) Advance(ctx context.Context, id string) (*models.Escrow, error) {
	v, err := e.ledger.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	cur := v.Escrow

	switch cur.State {
	case models.EscrowDraft:
		return e.ledger.Submit(ctx, id)
	case models.EscrowPending:
		if cur.Type == models.PolicyPayment {
			return e.ledger.Approve(ctx, id)
		}
		return e.ledger.MarkReady(ctx, id)
	case models.EscrowApproved:
		return e.ledger.MarkReady(ctx, id)
	case models.EscrowReady:
		if e.exec == nil {
			return cur, nil
		}
		res, err := e.exec.Execute(ctx, id)
		if err != nil {
			return nil, err
		}
		if res.Escrow != nil {
			return res.Escrow, nil
		}
		v, err := e.ledger.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		return v.Escrow, nil
	default:
		return nil, models.Errorf(models.KindInvalidState, "escrow is %s", cur.State).WithEscrow(cur.ID, cur.PolicyID)
	}
}

func (e *Engine) CancelEscrow(ctx context.Context, params escrow.CancelParams) (*models.Escrow, error) {
	return e.ledger.Cancel(ctx, params)
}
