// Package policy owns policy records and the single gate every escrow state
// advance goes through.
package policy

import (
	"fmt"
	"strconv"
	"time"

	"QuorumVault/internal/models"
)

// Input is everything CanTransition looks at. TotalWeight is the distinct
// approver tally supplied by the collector.
type Input struct {
	Escrow      *models.Escrow
	Policy      *models.Policy
	TotalWeight uint64
	Now         time.Time
}

type Decision struct {
	Allowed  bool
	Kind     models.ErrorKind
	Reason   string
	Required string
	Actual   string
}

// Err converts a denial into a models.Error annotated with the escrow.
func (d Decision) Err(in Input) error {
	if d.Allowed {
		return nil
	}
	e := &models.Error{Kind: d.Kind, Message: d.Reason, Required: d.Required, Actual: d.Actual}
	if in.Escrow != nil {
		e.EscrowID = in.Escrow.ID
		e.PolicyID = in.Escrow.PolicyID
	}
	return e
}

func allow() Decision {
	return Decision{Allowed: true}
}

func deny(kind models.ErrorKind, format string, args ...any) Decision {
	return Decision{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

func (d Decision) with(required, actual string) Decision {
	d.Required = required
	d.Actual = actual
	return d
}

// Validator is pure: the same input always yields the same decision.
type Validator struct{}

func NewValidator() Validator {
	return Validator{}
}

// CanTransition decides whether the escrow in in may move to target.
func (Validator) CanTransition(in Input, target models.EscrowState) Decision {
	e, p := in.Escrow, in.Policy
	if e == nil {
		return deny(models.KindInvalidInput, "escrow is required")
	}
	if p == nil || p.ID != e.PolicyID {
		return deny(models.KindPolicyMismatch, "escrow is not bound to this policy")
	}
	if p.Type != e.Type {
		return deny(models.KindPolicyMismatch, "policy type %s does not match escrow type %s", p.Type, e.Type)
	}
	if e.State.Terminal() {
		return deny(models.KindInvalidState, "escrow is %s", e.State)
	}

	switch target {
	case models.EscrowCancelled:
		if e.ExecutionStatus.InFlight() {
			return deny(models.KindInvalidState, "execution submission in flight")
		}
		return allow()
	case models.EscrowExpired:
		if !e.Expired(in.Now) {
			return deny(models.KindInvalidState, "escrow has not reached its expiry")
		}
		if e.ExecutionStatus.InFlight() {
			return deny(models.KindInvalidState, "execution submission in flight")
		}
		return allow()
	}

	if !p.Active {
		return deny(models.KindPolicyMismatch, "policy %s is not active", p.ID)
	}
	if e.Expired(in.Now) {
		return deny(models.KindInvalidState, "escrow expired at %s", e.ExpiresAt.UTC().Format(time.RFC3339))
	}
	if p.MaxAmount != nil && e.TotalAmount.GreaterThan(*p.MaxAmount) {
		return deny(models.KindAmountExceeded, "amount exceeds policy maximum").
			with(p.MaxAmount.String(), e.TotalAmount.String())
	}

	switch target {
	case models.EscrowPending:
		return from(e, models.EscrowDraft)
	case models.EscrowApproved:
		if d := from(e, models.EscrowPending); !d.Allowed {
			return d
		}
		if e.Type != models.PolicyPayment {
			return deny(models.KindPolicyMismatch, "collection escrows have no approval quorum")
		}
		return quorum(in)
	case models.EscrowReady:
		if e.Type == models.PolicyCollection {
			if d := from(e, models.EscrowPending); !d.Allowed {
				return d
			}
			return fullyPaid(e)
		}
		if d := from(e, models.EscrowApproved); !d.Allowed {
			return d
		}
		return paymentTiming(in)
	case models.EscrowReleased:
		if e.Type == models.PolicyCollection && e.State == models.EscrowPending &&
			p.Collection != nil && p.Collection.AutoComplete {
			return fullyPaid(e)
		}
		if d := from(e, models.EscrowReady); !d.Allowed {
			return d
		}
		if e.ExecutionStatus.InFlight() {
			return deny(models.KindInvalidState, "execution submission already in flight")
		}
		if e.Type == models.PolicyCollection {
			return fullyPaid(e)
		}
		if d := quorum(in); !d.Allowed {
			return d
		}
		return paymentTiming(in)
	}
	return deny(models.KindInvalidState, "unsupported target state %s", target)
}

func from(e *models.Escrow, want models.EscrowState) Decision {
	if e.State != want {
		return deny(models.KindInvalidState, "escrow is %s, expected %s", e.State, want).
			with(string(want), string(e.State))
	}
	return allow()
}

func quorum(in Input) Decision {
	rules := in.Policy.Payment
	if rules == nil {
		return deny(models.KindPolicyMismatch, "policy has no payment rules")
	}
	if in.TotalWeight < rules.Threshold {
		return deny(models.KindQuorumNotReached, "approved weight below threshold").
			with(strconv.FormatUint(rules.Threshold, 10), strconv.FormatUint(in.TotalWeight, 10))
	}
	return allow()
}

// paymentTiming checks the timelock since quorum and the scheduled release.
// Both boundaries are inclusive.
func paymentTiming(in Input) Decision {
	e, rules := in.Escrow, in.Policy.Payment
	if rules == nil {
		return deny(models.KindPolicyMismatch, "policy has no payment rules")
	}
	if e.QuorumReachedAt == nil {
		return deny(models.KindQuorumNotReached, "quorum has not been recorded")
	}
	unlock := e.QuorumReachedAt.Add(rules.Timelock())
	if in.Now.Before(unlock) {
		return deny(models.KindTimelockNotElapsed, "timelock has not elapsed").
			with(unlock.UTC().Format(time.RFC3339), in.Now.UTC().Format(time.RFC3339))
	}
	if e.ScheduledReleaseAt != nil && in.Now.Before(*e.ScheduledReleaseAt) {
		return deny(models.KindTimelockNotElapsed, "scheduled release time not reached").
			with(e.ScheduledReleaseAt.UTC().Format(time.RFC3339), in.Now.UTC().Format(time.RFC3339))
	}
	return allow()
}

// ReleaseUnlock is the earliest time paymentTiming allows a release: the end
// of the timelock or the scheduled release, whichever is later. It is nil
// until quorum is recorded.
func ReleaseUnlock(e *models.Escrow, p *models.Policy) *time.Time {
	if e.QuorumReachedAt == nil || p == nil || p.Payment == nil {
		return nil
	}
	unlock := e.QuorumReachedAt.Add(p.Payment.Timelock())
	if e.ScheduledReleaseAt != nil && e.ScheduledReleaseAt.After(unlock) {
		unlock = *e.ScheduledReleaseAt
	}
	return &unlock
}

func fullyPaid(e *models.Escrow) Decision {
	if !e.FullyPaid() {
		return deny(models.KindInvalidState, "not every participant has paid").
			with(e.TotalAmount.String(), e.CollectedAmount.String())
	}
	return allow()
}
