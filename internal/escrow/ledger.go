// Package escrow holds the escrow ledger and the approval collector. The
// ledger is the only writer of escrow rows; every mutation runs under the
// escrow's keyed lock inside one store transaction.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"QuorumVault/internal/lock"
	"QuorumVault/internal/merkle"
	"QuorumVault/internal/models"
	"QuorumVault/internal/notify"
	"QuorumVault/internal/policy"
	"QuorumVault/internal/repository"
)

type Ledger struct {
	repo      repository.Store
	locker    lock.Locker
	validator policy.Validator
	verifier  merkle.Verifier
	events    notify.Publisher
	logger    *slog.Logger
	nowFn     func() time.Time
}

type Option func(*Ledger)

func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.nowFn = now }
}

func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

func WithPublisher(p notify.Publisher) Option {
	return func(l *Ledger) { l.events = p }
}

func WithVerifier(v merkle.Verifier) Option {
	return func(l *Ledger) { l.verifier = v }
}

func NewLedger(repo repository.Store, locker lock.Locker, opts ...Option) *Ledger {
	l := &Ledger{
		repo:      repo,
		locker:    locker,
		validator: policy.NewValidator(),
		verifier:  merkle.Keccak{},
		events:    notify.Nop{},
		logger:    slog.Default(),
		nowFn:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Now is the ledger's clock.
func (l *Ledger) Now() time.Time {
	return l.nowFn()
}

// mutation is the working set of one locked escrow update.
type mutation struct {
	tx     repository.Store
	escrow *models.Escrow
	policy *models.Policy
	now    time.Time
	events []notify.Event
}

func (m *mutation) emit(typ models.NotificationType, title, message string, data map[string]any) {
	evt := notify.NewEvent(typ, m.escrow, title, message)
	evt.Data = data
	m.events = append(m.events, evt)
}

// withEscrow locks id, loads it with its policy and runs fn. When fn returns
// save=true the escrow is persisted even if fn also returned an error, so a
// rejection can still record a lazy expiry.
func (l *Ledger) withEscrow(ctx context.Context, id string, fn func(m *mutation) (save bool, err error)) (*models.Escrow, error) {
	unlock, err := l.locker.Lock(ctx, "escrow:"+id)
	if err != nil {
		return nil, models.Unavailablef(err, "acquire escrow lock")
	}
	defer unlock()

	var (
		out    *models.Escrow
		events []notify.Event
		opErr  error
	)
	err = l.repo.Atomically(ctx, func(tx repository.Store) error {
		e, err := tx.LockEscrow(ctx, id)
		if err != nil {
			return err
		}
		p, err := tx.GetPolicy(ctx, e.PolicyID)
		if err != nil {
			return err
		}
		m := &mutation{tx: tx, escrow: e, policy: p, now: l.nowFn()}
		save, ferr := fn(m)
		if !save {
			if ferr != nil {
				return ferr
			}
			out = e
			return nil
		}
		if err := tx.SaveEscrow(ctx, e); err != nil {
			return err
		}
		out, events, opErr = e, m.events, ferr
		return nil
	})
	if err != nil {
		return nil, l.storeErr(err, id)
	}
	for _, evt := range events {
		l.events.Publish(evt)
	}
	return out, opErr
}

func (l *Ledger) storeErr(err error, escrowID string) error {
	var me *models.Error
	if errors.As(err, &me) {
		return me.WithEscrow(escrowID, "")
	}
	if errors.Is(err, repository.ErrConflict) {
		return models.Unavailablef(err, "escrow %s was modified concurrently, retry", escrowID)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return models.Unavailablef(err, "request cancelled")
	}
	return models.Unavailablef(err, "persist escrow %s", escrowID)
}

// transition moves the escrow to target if the validator allows it.
func (l *Ledger) transition(m *mutation, target models.EscrowState, weight uint64) error {
	in := policy.Input{Escrow: m.escrow, Policy: m.policy, TotalWeight: weight, Now: m.now}
	if d := l.validator.CanTransition(in, target); !d.Allowed {
		return d.Err(in)
	}
	l.apply(m, target)
	return nil
}

func (l *Ledger) apply(m *mutation, target models.EscrowState) {
	e, now := m.escrow, m.now
	from := e.State
	e.State = target
	switch target {
	case models.EscrowPending:
		e.SubmitAt = &now
	case models.EscrowApproved:
		if e.QuorumReachedAt == nil {
			e.QuorumReachedAt = &now
		}
		e.UnlockAt = policy.ReleaseUnlock(e, m.policy)
		m.emit(models.NotificationQuorumReached, "Quorum reached",
			fmt.Sprintf("Escrow %s reached its approval threshold", e.ID), map[string]any{"approved_weight": e.ApprovedWeight})
	case models.EscrowReady:
		e.ReadyAt = &now
		m.emit(models.NotificationEscrowReady, "Escrow ready", fmt.Sprintf("Escrow %s is ready for execution", e.ID), nil)
	case models.EscrowReleased:
		e.ReleasedAt = &now
		if e.Type == models.PolicyCollection && e.SubmissionHandle == nil {
			m.emit(models.NotificationCollectionCompleted, "Collection complete",
				fmt.Sprintf("Every participant of escrow %s has paid", e.ID), map[string]any{"collected": e.CollectedAmount.String()})
		} else {
			m.emit(models.NotificationEscrowReleased, "Funds released", fmt.Sprintf("Escrow %s was released", e.ID), nil)
		}
	case models.EscrowCancelled:
		e.CancelledAt = &now
		m.emit(models.NotificationEscrowCancelled, "Escrow cancelled", fmt.Sprintf("Escrow %s was cancelled", e.ID),
			map[string]any{"reason": firstNonEmpty(e.RevertReason, e.CancelReason)})
	case models.EscrowExpired:
		e.ExpiredAt = &now
		m.emit(models.NotificationEscrowExpired, "Escrow expired", fmt.Sprintf("Escrow %s expired before release", e.ID), nil)
	}
	l.logger.Info("escrow transitioned",
		"module", "escrow",
		"operation", "transition",
		"outcome", "success",
		"escrow_id", e.ID,
		"from", from,
		"to", target,
	)
}

// expireIfDue applies a lazy expiry and reports whether it did.
func (l *Ledger) expireIfDue(m *mutation) bool {
	if m.escrow.State.Terminal() || !m.escrow.Expired(m.now) {
		return false
	}
	return l.transition(m, models.EscrowExpired, 0) == nil
}

func expiredErr(m *mutation) error {
	return models.Errorf(models.KindInvalidState, "escrow expired").WithEscrow(m.escrow.ID, m.escrow.PolicyID)
}

func tally(ctx context.Context, tx repository.Store, escrowID string) (uint64, []models.Approval, error) {
	approvals, err := tx.ListApprovals(ctx, escrowID)
	if err != nil {
		return 0, nil, err
	}
	var total uint64
	for _, a := range approvals {
		if a.Weight > math.MaxUint64-total {
			total = math.MaxUint64
			break
		}
		total += a.Weight
	}
	return total, approvals, nil
}

type ParticipantInput struct {
	Address string          `json:"address" validate:"required"`
	Amount  decimal.Decimal `json:"amount"`
}

type CreateParams struct {
	PolicyID           string
	Type               models.PolicyType
	TotalAmount        decimal.Decimal
	Requester          string
	Recipient          string
	Description        string
	Deadline           *time.Time
	ScheduledReleaseAt *time.Time
	ExpiresAt          *time.Time
	// Owner proof of the requester, payments only.
	OwnerWeight  uint64
	OwnerProof   []string
	Participants []ParticipantInput
}

// Create validates params against the policy and stores a draft escrow.
func (l *Ledger) Create(ctx context.Context, params CreateParams) (*models.Escrow, error) {
	now := l.nowFn()
	requester, ok := models.NormalizeAddress(params.Requester)
	if !ok {
		return nil, models.Errorf(models.KindInvalidInput, "requester is not a valid address")
	}
	recipient, ok := models.NormalizeAddress(params.Recipient)
	if !ok {
		return nil, models.Errorf(models.KindInvalidInput, "recipient is not a valid address")
	}
	if !params.TotalAmount.IsPositive() {
		return nil, models.Errorf(models.KindInvalidInput, "total amount must be positive")
	}
	if params.ExpiresAt != nil && !params.ExpiresAt.After(now) {
		return nil, models.Errorf(models.KindInvalidInput, "expiry must be in the future")
	}

	p, err := l.repo.GetPolicy(ctx, params.PolicyID)
	if err != nil {
		return nil, l.storeErr(err, "")
	}
	mismatch := func(format string, args ...any) error {
		e := models.Errorf(models.KindPolicyMismatch, format, args...)
		e.PolicyID = p.ID
		return e
	}
	if !p.Active {
		return nil, mismatch("policy %s is not active", p.ID)
	}
	if params.Type != "" && params.Type != p.Type {
		return nil, mismatch("policy %s is a %s policy", p.ID, p.Type)
	}
	if p.MaxAmount != nil && params.TotalAmount.GreaterThan(*p.MaxAmount) {
		e := models.Errorf(models.KindAmountExceeded, "amount exceeds policy maximum").WithAmounts(p.MaxAmount.String(), params.TotalAmount.String())
		e.PolicyID = p.ID
		return nil, e
	}

	e := &models.Escrow{
		ID:              uuid.NewString(),
		VaultID:         p.VaultID,
		PolicyID:        p.ID,
		Type:            p.Type,
		State:           models.EscrowDraft,
		TotalAmount:     params.TotalAmount,
		CollectedAmount: decimal.Zero,
		Requester:       requester,
		Recipient:       recipient,
		Description:     params.Description,
		ExpiresAt:       params.ExpiresAt,
		Version:         1,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	switch p.Type {
	case models.PolicyPayment:
		if !l.verifier.Verify(p.Payment.OwnersRoot, requester, params.OwnerWeight, params.OwnerProof) {
			ne := models.Errorf(models.KindNotAuthorized, "requester is not a vault owner")
			ne.PolicyID = p.ID
			return nil, ne
		}
		if len(params.Participants) > 0 {
			return nil, models.Errorf(models.KindInvalidInput, "payment escrows have no participants")
		}
		e.ScheduledReleaseAt = params.ScheduledReleaseAt
	case models.PolicyCollection:
		if params.ScheduledReleaseAt != nil {
			return nil, models.Errorf(models.KindInvalidInput, "collections have no scheduled release")
		}
		participants, err := buildParticipants(e.ID, params.Participants, params.TotalAmount, p.Collection, now)
		if err != nil {
			return nil, err
		}
		e.Participants = participants
		e.Deadline = params.Deadline
		if e.Deadline == nil && p.Collection.DefaultDeadlineSeconds > 0 {
			d := now.Add(p.Collection.DefaultDeadline())
			e.Deadline = &d
		}
	}

	if err := l.repo.CreateEscrow(ctx, e); err != nil {
		return nil, l.storeErr(err, e.ID)
	}
	l.logger.Info("escrow created",
		"module", "escrow",
		"operation", "create",
		"outcome", "success",
		"escrow_id", e.ID,
		"policy_id", p.ID,
		"type", p.Type,
		"amount", e.TotalAmount.String(),
	)
	return e, nil
}

func buildParticipants(escrowID string, in []ParticipantInput, total decimal.Decimal, cfg *models.CollectionConfig, now time.Time) ([]models.Participant, error) {
	if len(in) == 0 {
		return nil, models.Errorf(models.KindInvalidInput, "collections need at least one participant")
	}
	seen := make(map[string]bool, len(in))
	sum := decimal.Zero
	out := make([]models.Participant, 0, len(in))
	for _, pi := range in {
		addr, ok := models.NormalizeAddress(pi.Address)
		if !ok {
			return nil, models.Errorf(models.KindInvalidInput, "participant %q is not a valid address", pi.Address)
		}
		if seen[addr] {
			return nil, models.Errorf(models.KindInvalidInput, "participant %s listed twice", addr)
		}
		seen[addr] = true
		if !pi.Amount.IsPositive() {
			return nil, models.Errorf(models.KindInvalidInput, "participant %s allocation must be positive", addr)
		}
		sum = sum.Add(pi.Amount)
		out = append(out, models.Participant{
			ID:              uuid.NewString(),
			EscrowID:        escrowID,
			Address:         addr,
			AllocatedAmount: pi.Amount,
			PaidAmount:      decimal.Zero,
			Status:          models.ParticipantPending,
			CreatedAt:       now,
			UpdatedAt:       now,
		})
	}
	switch {
	case sum.GreaterThan(total):
		return nil, models.Errorf(models.KindAmountExceeded, "allocations exceed total").WithAmounts(total.String(), sum.String())
	case sum.LessThan(total) && !cfg.AllowOverpayment:
		return nil, models.Errorf(models.KindInvalidInput, "allocations must add up to the total").WithAmounts(total.String(), sum.String())
	}
	return out, nil
}

// Submit moves a draft into pending.
func (l *Ledger) Submit(ctx context.Context, id string) (*models.Escrow, error) {
	return l.withEscrow(ctx, id, func(m *mutation) (bool, error) {
		if l.expireIfDue(m) {
			return true, expiredErr(m)
		}
		if err := l.transition(m, models.EscrowPending, 0); err != nil {
			return false, err
		}
		return true, nil
	})
}

// Approve moves a pending payment to approved if the current tally meets the
// threshold. The collector makes the same transition as approvals arrive.
func (l *Ledger) Approve(ctx context.Context, id string) (*models.Escrow, error) {
	return l.withEscrow(ctx, id, func(m *mutation) (bool, error) {
		if l.expireIfDue(m) {
			return true, expiredErr(m)
		}
		if m.escrow.State == models.EscrowApproved {
			return false, nil
		}
		total, _, err := tally(ctx, m.tx, m.escrow.ID)
		if err != nil {
			return false, err
		}
		m.escrow.ApprovedWeight = total
		if err := l.transition(m, models.EscrowApproved, total); err != nil {
			return false, err
		}
		return true, nil
	})
}

// MarkReady moves an approved payment (or a fully paid collection) to ready.
func (l *Ledger) MarkReady(ctx context.Context, id string) (*models.Escrow, error) {
	return l.withEscrow(ctx, id, func(m *mutation) (bool, error) {
		if l.expireIfDue(m) {
			return true, expiredErr(m)
		}
		if m.escrow.State == models.EscrowReady {
			return false, nil
		}
		if err := l.transition(m, models.EscrowReady, 0); err != nil {
			return false, err
		}
		return true, nil
	})
}

// Expire transitions id to expired if it is due. It is a no-op for escrows
// that are terminal, not yet due, or have a submission in flight.
func (l *Ledger) Expire(ctx context.Context, id string) (bool, error) {
	expired := false
	_, err := l.withEscrow(ctx, id, func(m *mutation) (bool, error) {
		if m.escrow.State.Terminal() {
			return false, nil
		}
		in := policy.Input{Escrow: m.escrow, Policy: m.policy, Now: m.now}
		if !l.validator.CanTransition(in, models.EscrowExpired).Allowed {
			return false, nil
		}
		l.apply(m, models.EscrowExpired)
		expired = true
		return true, nil
	})
	return expired, err
}

type CancelParams struct {
	EscrowID string
	Actor    string
	Weight   uint64
	Proof    []string
	Reason   string
}

// Cancel cancels a non-terminal escrow. While a submission is in flight the
// request is recorded and applied once the execution resolves without
// releasing funds.
func (l *Ledger) Cancel(ctx context.Context, params CancelParams) (*models.Escrow, error) {
	actor, ok := models.NormalizeAddress(params.Actor)
	if !ok {
		return nil, models.Errorf(models.KindInvalidInput, "actor is not a valid address")
	}
	return l.withEscrow(ctx, params.EscrowID, func(m *mutation) (bool, error) {
		e, p := m.escrow, m.policy
		if e.State.Terminal() {
			return false, models.Errorf(models.KindInvalidState, "escrow is %s", e.State).WithEscrow(e.ID, e.PolicyID)
		}
		switch e.Type {
		case models.PolicyPayment:
			if p.Payment == nil || !l.verifier.Verify(p.Payment.OwnersRoot, actor, params.Weight, params.Proof) {
				return false, models.Errorf(models.KindNotAuthorized, "actor is not a vault owner").WithEscrow(e.ID, e.PolicyID)
			}
		case models.PolicyCollection:
			if actor != e.Requester {
				return false, models.Errorf(models.KindNotAuthorized, "only the requester can cancel a collection").WithEscrow(e.ID, e.PolicyID)
			}
		}
		e.CancelReason = params.Reason
		if e.ExecutionStatus.InFlight() {
			e.CancelRequested = true
			l.logger.Info("escrow cancel deferred",
				"module", "escrow",
				"operation", "cancel",
				"outcome", "deferred",
				"escrow_id", e.ID,
				"execution_status", e.ExecutionStatus,
			)
			return true, nil
		}
		if err := l.transition(m, models.EscrowCancelled, 0); err != nil {
			return false, err
		}
		return true, nil
	})
}

// View is the read projection returned to clients.
type View struct {
	Escrow      *models.Escrow    `json:"escrow"`
	Approvals   []models.Approval `json:"approvals"`
	TotalWeight uint64            `json:"total_weight"`
	Threshold   uint64            `json:"threshold,omitempty"`
}

func (l *Ledger) Get(ctx context.Context, id string) (*View, error) {
	e, err := l.repo.GetEscrow(ctx, id)
	if err != nil {
		return nil, l.storeErr(err, id)
	}
	total, approvals, err := tally(ctx, l.repo, id)
	if err != nil {
		return nil, l.storeErr(err, id)
	}
	v := &View{Escrow: e, Approvals: approvals, TotalWeight: total}
	if p, err := l.repo.GetPolicy(ctx, e.PolicyID); err == nil && p.Payment != nil {
		v.Threshold = p.Payment.Threshold
	}
	now := l.nowFn()
	for i := range e.Participants {
		pt := &e.Participants[i]
		pt.Status = models.ParticipantStatusFor(pt.PaidAmount, pt.AllocatedAmount, e.Deadline, now)
	}
	return v, nil
}

// Policy loads the policy an escrow is bound to.
func (l *Ledger) Policy(ctx context.Context, policyID string) (*models.Policy, error) {
	p, err := l.repo.GetPolicy(ctx, policyID)
	if err != nil {
		return nil, l.storeErr(err, "")
	}
	return p, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
