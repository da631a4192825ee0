package models

import (
	"errors"
	"fmt"
)

type ErrorKind string

const (
	KindPolicyMismatch     ErrorKind = "policy_mismatch"
	KindNotAuthorized      ErrorKind = "not_authorized"
	KindInvalidState       ErrorKind = "invalid_state"
	KindTimelockNotElapsed ErrorKind = "timelock_not_elapsed"
	KindQuorumNotReached   ErrorKind = "quorum_not_reached"
	KindAmountExceeded     ErrorKind = "amount_exceeded"
	KindExecutionFailed    ErrorKind = "execution_failed"
	KindExecutionReverted  ErrorKind = "execution_reverted"
	KindAmbiguous          ErrorKind = "ambiguous"
	KindUnavailable        ErrorKind = "unavailable"
	KindNotFound           ErrorKind = "not_found"
	KindInvalidInput       ErrorKind = "invalid_input"
)

// Sentinels for errors.Is; matching is by kind only.
var (
	ErrPolicyMismatch     = &Error{Kind: KindPolicyMismatch}
	ErrNotAuthorized      = &Error{Kind: KindNotAuthorized}
	ErrInvalidState       = &Error{Kind: KindInvalidState}
	ErrTimelockNotElapsed = &Error{Kind: KindTimelockNotElapsed}
	ErrQuorumNotReached   = &Error{Kind: KindQuorumNotReached}
	ErrAmountExceeded     = &Error{Kind: KindAmountExceeded}
	ErrExecutionFailed    = &Error{Kind: KindExecutionFailed}
	ErrExecutionReverted  = &Error{Kind: KindExecutionReverted}
	ErrAmbiguous          = &Error{Kind: KindAmbiguous}
	ErrUnavailable        = &Error{Kind: KindUnavailable}
	ErrNotFound           = &Error{Kind: KindNotFound}
	ErrInvalidInput       = &Error{Kind: KindInvalidInput}
)

// Error is the engine's error value. It carries enough context for a client to
// render a specific message.
type Error struct {
	Kind     ErrorKind
	Message  string
	EscrowID string
	PolicyID string
	Required string
	Actual   string
	Err      error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.EscrowID != "" {
		msg += fmt.Sprintf(" (escrow %s)", e.EscrowID)
	}
	if e.Required != "" || e.Actual != "" {
		msg += fmt.Sprintf(" [required %s, actual %s]", e.Required, e.Actual)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// WithEscrow returns a copy annotated with the escrow and policy ids.
func (e *Error) WithEscrow(escrowID, policyID string) *Error {
	cp := *e
	if cp.EscrowID == "" {
		cp.EscrowID = escrowID
	}
	if cp.PolicyID == "" {
		cp.PolicyID = policyID
	}
	return &cp
}

// WithAmounts returns a copy annotated with required vs actual values.
func (e *Error) WithAmounts(required, actual string) *Error {
	cp := *e
	cp.Required = required
	cp.Actual = actual
	return &cp
}

func Errorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Unavailablef wraps an infrastructure fault (persistence, lock backend) so that
// clients can tell it apart from a rejected request.
func Unavailablef(err error, format string, args ...any) *Error {
	return &Error{Kind: KindUnavailable, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf reports the kind of err, or KindUnavailable for foreign errors.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnavailable
}
