package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type EscrowState string

const (
	EscrowDraft     EscrowState = "draft"
	EscrowPending   EscrowState = "pending"
	EscrowApproved  EscrowState = "approved"
	EscrowReady     EscrowState = "ready"
	EscrowReleased  EscrowState = "released"
	EscrowCancelled EscrowState = "cancelled"
	EscrowExpired   EscrowState = "expired"
)

func (s EscrowState) Terminal() bool {
	return s == EscrowReleased || s == EscrowCancelled || s == EscrowExpired
}

type ExecutionStatus string

const (
	ExecutionNone       ExecutionStatus = ""
	ExecutionSubmitting ExecutionStatus = "submitting"
	ExecutionSubmitted  ExecutionStatus = "submitted"
	ExecutionFailed     ExecutionStatus = "failed"
	ExecutionAmbiguous  ExecutionStatus = "ambiguous"
	ExecutionConfirmed  ExecutionStatus = "confirmed"
	ExecutionReverted   ExecutionStatus = "reverted"
)

// InFlight reports whether a submission may have reached the execution layer
// without a known outcome.
func (s ExecutionStatus) InFlight() bool {
	return s == ExecutionSubmitting || s == ExecutionSubmitted || s == ExecutionAmbiguous
}

type Escrow struct {
	ID       string      `gorm:"type:varchar(36);primaryKey" json:"id"`
	VaultID  string      `gorm:"type:varchar(64);not null;index" json:"vault_id"`
	PolicyID string      `gorm:"type:varchar(36);not null;index" json:"policy_id"`
	Type     PolicyType  `gorm:"type:varchar(20);not null" json:"type"`
	State    EscrowState `gorm:"type:varchar(20);not null;default:'draft';index" json:"state"`

	TotalAmount     decimal.Decimal `gorm:"type:numeric(38,18);not null" json:"total_amount"`
	CollectedAmount decimal.Decimal `gorm:"type:numeric(38,18);not null;default:0" json:"collected_amount"`
	Requester       string          `gorm:"type:varchar(42);not null;index" json:"requester"`
	Recipient       string          `gorm:"type:varchar(42);not null" json:"recipient"`
	Description     string          `gorm:"type:text" json:"description,omitempty"`

	ApprovedWeight  uint64     `gorm:"not null;default:0" json:"approved_weight"`
	QuorumReachedAt *time.Time `json:"quorum_reached_at,omitempty"`
	// UnlockAt is the earliest release time once quorum is reached.
	UnlockAt *time.Time `gorm:"index" json:"unlock_at,omitempty"`

	Deadline           *time.Time `json:"deadline,omitempty"`
	ScheduledReleaseAt *time.Time `json:"scheduled_release_at,omitempty"`
	ExpiresAt          *time.Time `gorm:"index" json:"expires_at,omitempty"`

	// Set at most once.
	ChainEscrowID    *string `gorm:"type:varchar(128)" json:"chain_escrow_id,omitempty"`
	SubmissionHandle *string `gorm:"type:varchar(128);uniqueIndex" json:"submission_handle,omitempty"`
	TxHash           *string `gorm:"type:varchar(66)" json:"tx_hash,omitempty"`

	ExecutionStatus   ExecutionStatus `gorm:"type:varchar(20);index" json:"execution_status,omitempty"`
	ExecutionAttempts int             `gorm:"not null;default:0" json:"execution_attempts"`
	SubmittedAt       *time.Time      `json:"submitted_at,omitempty"`
	FailureReason     string          `gorm:"type:text" json:"failure_reason,omitempty"`
	RevertReason      string          `gorm:"type:text" json:"revert_reason,omitempty"`
	Anomaly           string          `gorm:"type:text" json:"anomaly,omitempty"`

	CancelRequested bool   `gorm:"not null;default:false" json:"cancel_requested"`
	CancelReason    string `gorm:"type:text" json:"cancel_reason,omitempty"`

	Version     int        `gorm:"not null;default:1" json:"version"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	SubmitAt    *time.Time `json:"submit_at,omitempty"`
	ReadyAt     *time.Time `json:"ready_at,omitempty"`
	ReleasedAt  *time.Time `json:"released_at,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`
	ExpiredAt   *time.Time `json:"expired_at,omitempty"`

	Participants []Participant `gorm:"foreignKey:EscrowID" json:"participants,omitempty"`
}

func (Escrow) TableName() string {
	return "escrows"
}

// Clone returns a deep copy, participants included.
func (e *Escrow) Clone() *Escrow {
	cp := *e
	if e.Participants != nil {
		cp.Participants = make([]Participant, len(e.Participants))
		copy(cp.Participants, e.Participants)
	}
	return &cp
}

// Participant returns the participant with the given id, or nil.
func (e *Escrow) Participant(id string) *Participant {
	for i := range e.Participants {
		if e.Participants[i].ID == id {
			return &e.Participants[i]
		}
	}
	return nil
}

// FullyPaid reports whether every participant has paid its allocation.
func (e *Escrow) FullyPaid() bool {
	if len(e.Participants) == 0 {
		return false
	}
	for _, p := range e.Participants {
		if p.PaidAmount.LessThan(p.AllocatedAmount) {
			return false
		}
	}
	return true
}

// Expired reports whether expiresAt has passed at now.
func (e *Escrow) Expired(now time.Time) bool {
	return e.ExpiresAt != nil && !now.Before(*e.ExpiresAt)
}

type ParticipantStatus string

const (
	ParticipantPending ParticipantStatus = "pending"
	ParticipantPartial ParticipantStatus = "partial"
	ParticipantPaid    ParticipantStatus = "paid"
	ParticipantOverdue ParticipantStatus = "overdue"
)

type Participant struct {
	ID              string            `gorm:"type:varchar(36);primaryKey" json:"id"`
	EscrowID        string            `gorm:"type:varchar(36);not null;index" json:"escrow_id"`
	Address         string            `gorm:"type:varchar(42);not null" json:"address"`
	AllocatedAmount decimal.Decimal   `gorm:"type:numeric(38,18);not null" json:"allocated_amount"`
	PaidAmount      decimal.Decimal   `gorm:"type:numeric(38,18);not null;default:0" json:"paid_amount"`
	Status          ParticipantStatus `gorm:"type:varchar(20);not null;default:'pending'" json:"status"`
	PaidAt          *time.Time        `json:"paid_at,omitempty"`
	TxHash          *string           `gorm:"type:varchar(128)" json:"tx_hash,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

func (Participant) TableName() string {
	return "escrow_participants"
}

// ParticipantStatusFor derives a participant's status from what it paid, what it
// owes and the collection deadline.
func ParticipantStatusFor(paid, allocated decimal.Decimal, deadline *time.Time, now time.Time) ParticipantStatus {
	switch {
	case paid.GreaterThanOrEqual(allocated):
		return ParticipantPaid
	case deadline != nil && now.After(*deadline):
		return ParticipantOverdue
	case paid.IsPositive():
		return ParticipantPartial
	default:
		return ParticipantPending
	}
}

type Approval struct {
	ID              string    `gorm:"type:varchar(36);primaryKey" json:"id"`
	EscrowID        string    `gorm:"type:varchar(36);not null;uniqueIndex:idx_approval_escrow_approver" json:"escrow_id"`
	ApproverAddress string    `gorm:"type:varchar(42);not null;uniqueIndex:idx_approval_escrow_approver" json:"approver_address"`
	Weight          uint64    `gorm:"not null" json:"weight"`
	ProofHash       string    `gorm:"type:varchar(66);not null" json:"proof_hash"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func (Approval) TableName() string {
	return "escrow_approvals"
}

// CollectionPayment is one recorded contribution towards a participant's share.
type CollectionPayment struct {
	ID            string          `gorm:"type:varchar(36);primaryKey" json:"id"`
	EscrowID      string          `gorm:"type:varchar(36);not null;index" json:"escrow_id"`
	ParticipantID string          `gorm:"type:varchar(36);not null;index" json:"participant_id"`
	Amount        decimal.Decimal `gorm:"type:numeric(38,18);not null" json:"amount"`
	TxHash        string          `gorm:"type:varchar(128);not null;uniqueIndex" json:"tx_hash"`
	CreatedAt     time.Time       `json:"created_at"`
}

func (CollectionPayment) TableName() string {
	return "collection_payments"
}
