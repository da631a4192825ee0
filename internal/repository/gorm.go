package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"QuorumVault/internal/models"
)

// GormStore is the Postgres-backed Store.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) Atomically(ctx context.Context, fn func(tx Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&GormStore{db: tx})
	})
}

func (s *GormStore) CreatePolicy(ctx context.Context, p *models.Policy) error {
	return s.db.WithContext(ctx).Create(p).Error
}

func (s *GormStore) GetPolicy(ctx context.Context, id string) (*models.Policy, error) {
	var p models.Policy
	if err := s.db.WithContext(ctx).Where("id = ?", id).Take(&p).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, notFound("policy", id)
		}
		return nil, err
	}
	return &p, nil
}

func (s *GormStore) ListPolicies(ctx context.Context, vaultID string) ([]models.Policy, error) {
	var rows []models.Policy
	err := s.db.WithContext(ctx).
		Where("vault_id = ?", vaultID).
		Order("created_at DESC").
		Find(&rows).Error
	return rows, err
}

func (s *GormStore) UpdatePolicy(ctx context.Context, p *models.Policy) error {
	res := s.db.WithContext(ctx).
		Model(&models.Policy{}).
		Where("id = ?", p.ID).
		Updates(map[string]any{
			"active":         p.Active,
			"superseded_by":  p.SupersededBy,
			"deactivated_at": p.DeactivatedAt,
			"updated_at":     p.UpdatedAt,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return notFound("policy", p.ID)
	}
	return nil
}

func (s *GormStore) CreateEscrow(ctx context.Context, e *models.Escrow) error {
	return s.db.WithContext(ctx).Create(e).Error
}

func (s *GormStore) GetEscrow(ctx context.Context, id string) (*models.Escrow, error) {
	return s.loadEscrow(s.db.WithContext(ctx), id)
}

func (s *GormStore) LockEscrow(ctx context.Context, id string) (*models.Escrow, error) {
	return s.loadEscrow(s.db.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}), id)
}

func (s *GormStore) loadEscrow(q *gorm.DB, id string) (*models.Escrow, error) {
	var e models.Escrow
	if err := q.Where("id = ?", id).Take(&e).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, notFound("escrow", id)
		}
		return nil, err
	}
	if err := q.Session(&gorm.Session{NewDB: true}).Where("escrow_id = ?", id).Order("created_at ASC, id ASC").Find(&e.Participants).Error; err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *GormStore) SaveEscrow(ctx context.Context, e *models.Escrow) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		prev := e.Version
		next := e.Clone()
		next.Version = prev + 1
		res := tx.Model(next).
			Where("version = ?", prev).
			Select("*").
			Omit("created_at", clause.Associations).
			Updates(next)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrConflict
		}
		for i := range next.Participants {
			if err := tx.Save(&next.Participants[i]).Error; err != nil {
				return err
			}
		}
		e.Version = next.Version
		return nil
	})
}

func (s *GormStore) ListExpirable(ctx context.Context, now time.Time, limit int) ([]models.Escrow, error) {
	var rows []models.Escrow
	err := s.db.WithContext(ctx).
		Where("state IN ?", expirableStates).
		Where("expires_at IS NOT NULL AND expires_at <= ?", now).
		Where("execution_status NOT IN ?", inFlightStatuses).
		Order("expires_at ASC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

func (s *GormStore) ListByState(ctx context.Context, state models.EscrowState, limit int) ([]models.Escrow, error) {
	var rows []models.Escrow
	err := s.db.WithContext(ctx).
		Where("state = ?", state).
		Order("updated_at ASC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

func (s *GormStore) ListUnlocked(ctx context.Context, now time.Time, limit int) ([]models.Escrow, error) {
	var rows []models.Escrow
	err := s.db.WithContext(ctx).
		Where("state = ?", models.EscrowApproved).
		Where("(unlock_at IS NULL OR unlock_at <= ?)", now).
		Order("unlock_at ASC NULLS FIRST").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

func (s *GormStore) ListStaleClaims(ctx context.Context, claimedBefore time.Time, limit int) ([]models.Escrow, error) {
	var rows []models.Escrow
	err := s.db.WithContext(ctx).
		Where("state = ?", models.EscrowReady).
		Where("execution_status = ?", models.ExecutionSubmitting).
		Where("submission_handle IS NULL").
		Where("(submitted_at IS NULL OR submitted_at <= ?)", claimedBefore).
		Order("submitted_at ASC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

func (s *GormStore) ListAwaitingReceipt(ctx context.Context, limit int) ([]models.Escrow, error) {
	var rows []models.Escrow
	err := s.db.WithContext(ctx).
		Where("state = ?", models.EscrowReady).
		Where("submission_handle IS NOT NULL").
		Where("execution_status IN ?", []models.ExecutionStatus{models.ExecutionSubmitted, models.ExecutionAmbiguous}).
		Order("submitted_at ASC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

func (s *GormStore) UpsertApproval(ctx context.Context, a *models.Approval) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "escrow_id"},
			{Name: "approver_address"},
		},
		DoUpdates: clause.AssignmentColumns([]string{"weight", "proof_hash", "updated_at"}),
	}).Create(a).Error
}

func (s *GormStore) ListApprovals(ctx context.Context, escrowID string) ([]models.Approval, error) {
	var rows []models.Approval
	err := s.db.WithContext(ctx).
		Where("escrow_id = ?", escrowID).
		Order("created_at ASC").
		Find(&rows).Error
	return rows, err
}

func (s *GormStore) CreatePayment(ctx context.Context, p *models.CollectionPayment) error {
	return s.db.WithContext(ctx).Create(p).Error
}

func (s *GormStore) GetPaymentByTxHash(ctx context.Context, txHash string) (*models.CollectionPayment, error) {
	var p models.CollectionPayment
	if err := s.db.WithContext(ctx).Where("tx_hash = ?", txHash).Take(&p).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, notFound("payment", txHash)
		}
		return nil, err
	}
	return &p, nil
}
