package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"gorm.io/gorm"

	"QuorumVault/internal/models"
)

// StoreSink persists one notification row per recipient.
type StoreSink struct {
	db *gorm.DB
}

func NewStoreSink(db *gorm.DB) *StoreSink {
	return &StoreSink{db: db}
}

func (s *StoreSink) Name() string { return "store" }

func (s *StoreSink) Deliver(ctx context.Context, evt Event) error {
	if len(evt.Recipients) == 0 {
		return nil
	}
	var dataJSON string
	if evt.Data != nil {
		b, err := json.Marshal(evt.Data)
		if err != nil {
			return fmt.Errorf("failed to marshal notification data: %w", err)
		}
		dataJSON = string(b)
	}

	rows := make([]models.Notification, 0, len(evt.Recipients))
	for _, r := range evt.Recipients {
		rows = append(rows, models.Notification{
			Recipient: r,
			Type:      evt.Type,
			EscrowID:  evt.EscrowID,
			Title:     evt.Title,
			Message:   evt.Message,
			Data:      dataJSON,
		})
	}
	if err := s.db.WithContext(ctx).Create(&rows).Error; err != nil {
		return fmt.Errorf("failed to create notifications: %w", err)
	}
	return nil
}

// ListFor returns the newest notifications for a recipient.
func (s *StoreSink) ListFor(ctx context.Context, recipient string, unreadOnly bool, limit int) ([]models.Notification, error) {
	q := s.db.WithContext(ctx).Where("recipient = ?", recipient)
	if unreadOnly {
		q = q.Where("is_read = ?", false)
	}
	var rows []models.Notification
	err := q.Order("created_at DESC").Limit(limit).Find(&rows).Error
	return rows, err
}

// MarkRead marks one notification of recipient as read.
func (s *StoreSink) MarkRead(ctx context.Context, recipient string, id uint) error {
	res := s.db.WithContext(ctx).
		Model(&models.Notification{}).
		Where("id = ? AND recipient = ?", id, recipient).
		Updates(map[string]any{"is_read": true, "read_at": gorm.Expr("NOW()")})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return models.Errorf(models.KindNotFound, "notification %d not found", id)
	}
	return nil
}
