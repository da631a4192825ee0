package escrow

import (
	"context"
	"fmt"
	"time"

	"QuorumVault/internal/models"
	"QuorumVault/internal/policy"
)

// Claim is handed to the executor once it owns the right to submit.
type Claim struct {
	Escrow    *models.Escrow
	Approvals []models.Approval
	// Existing is set when the escrow was already submitted; the executor
	// returns it without calling the execution layer again.
	Existing *string
	// TakenOver is set when a stale submitting claim was reclaimed.
	TakenOver bool
}

// ClaimExecution checks the ready -> released gate and marks the escrow as
// submitting so no other caller submits it concurrently. A submitting claim
// older than staleAfter is assumed abandoned and may be taken over; the
// execution layer deduplicates by escrow id.
func (l *Ledger) ClaimExecution(ctx context.Context, id string, staleAfter time.Duration) (*Claim, error) {
	var claim *Claim
	_, err := l.withEscrow(ctx, id, func(m *mutation) (bool, error) {
		e := m.escrow
		if e.SubmissionHandle != nil {
			handle := *e.SubmissionHandle
			claim = &Claim{Escrow: e.Clone(), Existing: &handle}
			return false, nil
		}
		if e.ExecutionStatus == models.ExecutionSubmitting {
			if e.SubmittedAt != nil && m.now.Sub(*e.SubmittedAt) < staleAfter {
				return false, models.Errorf(models.KindInvalidState, "execution already in progress").WithEscrow(e.ID, e.PolicyID)
			}
			// The abandoned submission may already have reached the execution
			// layer, so the takeover resubmits without re-running the gate it
			// passed when first claimed.
			if e.State == models.EscrowReady {
				_, approvals, err := tally(ctx, m.tx, e.ID)
				if err != nil {
					return false, err
				}
				now := m.now
				e.SubmittedAt = &now
				claim = &Claim{Escrow: e.Clone(), Approvals: approvals, TakenOver: true}
				l.logger.Warn("taking over stale execution claim",
					"module", "escrow",
					"operation", "claim_execution",
					"outcome", "takeover",
					"escrow_id", e.ID,
				)
				return true, nil
			}
			e.ExecutionStatus = models.ExecutionNone
		}
		if l.expireIfDue(m) {
			return true, expiredErr(m)
		}
		total, approvals, err := tally(ctx, m.tx, e.ID)
		if err != nil {
			return false, err
		}
		in := policy.Input{Escrow: e, Policy: m.policy, TotalWeight: total, Now: m.now}
		if d := l.validator.CanTransition(in, models.EscrowReleased); !d.Allowed {
			return false, d.Err(in)
		}
		now := m.now
		e.ExecutionStatus = models.ExecutionSubmitting
		e.SubmittedAt = &now
		e.FailureReason = ""
		claim = &Claim{Escrow: e.Clone(), Approvals: approvals}
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return claim, nil
}

// RecordSubmission stores the handle returned by the execution layer. On-chain
// references are written once; a different handle is kept as an anomaly.
func (l *Ledger) RecordSubmission(ctx context.Context, id, handle, txHash string, attempts int) (*models.Escrow, error) {
	return l.withEscrow(ctx, id, func(m *mutation) (bool, error) {
		e := m.escrow
		e.ExecutionAttempts = attempts
		if e.SubmissionHandle != nil && *e.SubmissionHandle != handle {
			e.Anomaly = fmt.Sprintf("execution layer returned handle %s, already holding %s", handle, *e.SubmissionHandle)
			l.logger.Error("submission handle mismatch",
				"module", "escrow",
				"operation", "record_submission",
				"outcome", "anomaly",
				"escrow_id", e.ID,
				"stored_handle", *e.SubmissionHandle,
				"returned_handle", handle,
			)
			return true, nil
		}
		if e.State.Terminal() {
			return false, nil
		}
		now := m.now
		if e.SubmissionHandle == nil {
			e.SubmissionHandle = &handle
		}
		if e.TxHash == nil && txHash != "" {
			e.TxHash = &txHash
		}
		e.ExecutionStatus = models.ExecutionSubmitted
		e.SubmittedAt = &now
		e.FailureReason = ""
		return true, nil
	})
}

type OutcomeKind string

const (
	OutcomeSuccess   OutcomeKind = "success"
	OutcomeTransient OutcomeKind = "transient"
	OutcomeRevert    OutcomeKind = "revert"
)

type Outcome struct {
	Kind          OutcomeKind
	TxHash        string
	ChainEscrowID string
	Reason        string
	Attempts      int
}

// Finalize records the result of an execution. Success releases, a revert
// cancels, and a transient failure leaves the escrow ready with the failure
// recorded. Finalizing an already released escrow with the same tx hash is a
// no-op.
func (l *Ledger) Finalize(ctx context.Context, id string, out Outcome) (*models.Escrow, error) {
	return l.withEscrow(ctx, id, func(m *mutation) (bool, error) {
		e := m.escrow
		switch out.Kind {
		case OutcomeSuccess:
			return l.finalizeSuccess(m, out), nil
		case OutcomeRevert:
			if e.State == models.EscrowCancelled && e.ExecutionStatus == models.ExecutionReverted {
				return false, nil
			}
			if e.State != models.EscrowReady {
				return false, models.Errorf(models.KindInvalidState, "cannot record revert on %s escrow", e.State).WithEscrow(e.ID, e.PolicyID)
			}
			e.ExecutionStatus = models.ExecutionReverted
			e.RevertReason = firstNonEmpty(out.Reason, "reverted")
			if out.TxHash != "" && e.TxHash == nil {
				e.TxHash = &out.TxHash
			}
			l.apply(m, models.EscrowCancelled)
			return true, nil
		case OutcomeTransient:
			if e.State != models.EscrowReady {
				return false, nil
			}
			e.ExecutionStatus = models.ExecutionFailed
			e.FailureReason = out.Reason
			if out.Attempts > 0 {
				e.ExecutionAttempts = out.Attempts
			}
			m.emit(models.NotificationExecutionFailed, "Execution failed",
				fmt.Sprintf("Execution of escrow %s failed after %d attempts: %s", e.ID, e.ExecutionAttempts, out.Reason),
				map[string]any{"attempts": e.ExecutionAttempts})
			l.logger.Warn("escrow execution failed",
				"module", "escrow",
				"operation", "finalize",
				"outcome", "failure",
				"escrow_id", e.ID,
				"attempts", e.ExecutionAttempts,
				"reason", out.Reason,
			)
			if e.CancelRequested {
				l.apply(m, models.EscrowCancelled)
			}
			return true, nil
		}
		return false, models.Errorf(models.KindInvalidInput, "unknown outcome %q", out.Kind)
	})
}

func (l *Ledger) finalizeSuccess(m *mutation, out Outcome) bool {
	e := m.escrow
	changed := false
	if out.ChainEscrowID != "" && e.ChainEscrowID == nil {
		e.ChainEscrowID = &out.ChainEscrowID
		changed = true
	}
	if out.TxHash != "" {
		switch {
		case e.TxHash == nil:
			e.TxHash = &out.TxHash
			changed = true
		case *e.TxHash != out.TxHash:
			note := fmt.Sprintf("receipt tx hash %s differs from recorded %s", out.TxHash, *e.TxHash)
			if e.Anomaly != note {
				e.Anomaly = note
				changed = true
				l.logger.Error("tx hash mismatch",
					"module", "escrow",
					"operation", "finalize",
					"outcome", "anomaly",
					"escrow_id", e.ID,
					"recorded", *e.TxHash,
					"receipt", out.TxHash,
				)
			}
		}
	}
	switch e.State {
	case models.EscrowReleased:
		return changed
	case models.EscrowReady:
		e.ExecutionStatus = models.ExecutionConfirmed
		e.FailureReason = ""
		if e.CancelRequested {
			l.logger.Info("release supersedes deferred cancel",
				"module", "escrow",
				"operation", "finalize",
				"escrow_id", e.ID,
			)
		}
		l.apply(m, models.EscrowReleased)
		return true
	default:
		e.Anomaly = fmt.Sprintf("execution confirmed while escrow was %s", e.State)
		l.logger.Error("execution confirmed on non-ready escrow",
			"module", "escrow",
			"operation", "finalize",
			"outcome", "anomaly",
			"escrow_id", e.ID,
			"state", e.State,
		)
		return true
	}
}

// FlagAmbiguous marks a submission whose outcome could not be learned in time.
// The escrow stays ready and is re-checked later.
func (l *Ledger) FlagAmbiguous(ctx context.Context, id, reason string) (*models.Escrow, error) {
	return l.withEscrow(ctx, id, func(m *mutation) (bool, error) {
		e := m.escrow
		if e.State != models.EscrowReady || e.ExecutionStatus != models.ExecutionSubmitted {
			return false, nil
		}
		e.ExecutionStatus = models.ExecutionAmbiguous
		e.FailureReason = reason
		m.emit(models.NotificationExecutionAmbiguous, "Execution outcome unknown",
			fmt.Sprintf("No receipt for escrow %s: %s", e.ID, reason), nil)
		return true, nil
	})
}
