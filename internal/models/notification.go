package models

import (
	"time"

	"gorm.io/gorm"
)

type NotificationType string

const (
	NotificationApprovalRecorded    NotificationType = "approval_recorded"
	NotificationQuorumReached       NotificationType = "quorum_reached"
	NotificationEscrowReady         NotificationType = "escrow_ready"
	NotificationEscrowReleased      NotificationType = "escrow_released"
	NotificationEscrowCancelled     NotificationType = "escrow_cancelled"
	NotificationEscrowExpired       NotificationType = "escrow_expired"
	NotificationExecutionFailed     NotificationType = "execution_failed"
	NotificationExecutionAmbiguous  NotificationType = "execution_ambiguous"
	NotificationPaymentRecorded     NotificationType = "payment_recorded"
	NotificationCollectionCompleted NotificationType = "collection_completed"
)

type Notification struct {
	ID        uint             `json:"id" gorm:"primaryKey"`
	Recipient string           `json:"recipient" gorm:"type:varchar(42);not null;index"`
	Type      NotificationType `json:"type" gorm:"type:varchar(50);not null"`
	EscrowID  string           `json:"escrow_id" gorm:"type:varchar(36);index"`
	Title     string           `json:"title" gorm:"type:varchar(255);not null"`
	Message   string           `json:"message" gorm:"type:text;not null"`
	IsRead    bool             `json:"is_read" gorm:"default:false;index"`
	Data      string           `json:"data" gorm:"type:json"`
	CreatedAt time.Time        `json:"created_at"`
	ReadAt    *time.Time       `json:"read_at"`
}

func (Notification) TableName() string {
	return "notifications"
}

// BeforeCreate hook
func (n *Notification) BeforeCreate(tx *gorm.DB) error {
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}
	return nil
}
