package policy

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"QuorumVault/internal/merkle"
	"QuorumVault/internal/models"
	"QuorumVault/internal/repository"
)

// Store manages policy records. Policies are never edited in place: a change
// is a new version that supersedes the active one.
type Store struct {
	repo   repository.Store
	logger *slog.Logger
	nowFn  func() time.Time
}

func NewStore(repo repository.Store, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		repo:   repo,
		logger: logger,
		nowFn:  func() time.Time { return time.Now().UTC() },
	}
}

// Members lists the approver and owner sets a policy's roots commit to.
type Members struct {
	Roles  []merkle.Member
	Owners []merkle.Member
}

// ApplyMembers computes the payment roots for p from member lists.
func ApplyMembers(p *models.Policy, m Members) error {
	if p.Payment == nil {
		return models.Errorf(models.KindInvalidInput, "member lists only apply to payment policies")
	}
	roles, err := merkle.BuildTree(m.Roles)
	if err != nil {
		return models.Errorf(models.KindInvalidInput, "roles: %v", err)
	}
	owners, err := merkle.BuildTree(m.Owners)
	if err != nil {
		return models.Errorf(models.KindInvalidInput, "owners: %v", err)
	}
	p.Payment.RolesRoot = roles.Root().Hex()
	p.Payment.OwnersRoot = owners.Root().Hex()
	return nil
}

func (s *Store) Create(ctx context.Context, p *models.Policy) (*models.Policy, error) {
	s.prepare(p, 1)
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if err := s.repo.CreatePolicy(ctx, p); err != nil {
		return nil, storeErr(err, "create policy")
	}
	s.logger.Info("policy created",
		"module", "policy",
		"operation", "create",
		"outcome", "success",
		"policy_id", p.ID,
		"vault_id", p.VaultID,
		"type", p.Type,
	)
	return p, nil
}

func (s *Store) Get(ctx context.Context, id string) (*models.Policy, error) {
	p, err := s.repo.GetPolicy(ctx, id)
	if err != nil {
		return nil, storeErr(err, "get policy")
	}
	return p, nil
}

func (s *Store) ListByVault(ctx context.Context, vaultID string) ([]models.Policy, error) {
	rows, err := s.repo.ListPolicies(ctx, vaultID)
	if err != nil {
		return nil, storeErr(err, "list policies")
	}
	return rows, nil
}

// Deactivate is idempotent. Escrows already bound to the policy keep their
// reference but can no longer advance.
func (s *Store) Deactivate(ctx context.Context, id string) (*models.Policy, error) {
	var out *models.Policy
	err := s.repo.Atomically(ctx, func(tx repository.Store) error {
		p, err := tx.GetPolicy(ctx, id)
		if err != nil {
			return err
		}
		if p.Active {
			now := s.nowFn()
			p.Active = false
			p.DeactivatedAt = &now
			p.UpdatedAt = now
			if err := tx.UpdatePolicy(ctx, p); err != nil {
				return err
			}
		}
		out = p
		return nil
	})
	if err != nil {
		return nil, storeErr(err, "deactivate policy")
	}
	s.logger.Info("policy deactivated",
		"module", "policy",
		"operation", "deactivate",
		"outcome", "success",
		"policy_id", id,
	)
	return out, nil
}

// Supersede stores next as the following version of priorID and deactivates
// the prior policy in the same transaction.
func (s *Store) Supersede(ctx context.Context, priorID string, next *models.Policy) (*models.Policy, error) {
	err := s.repo.Atomically(ctx, func(tx repository.Store) error {
		prior, err := tx.GetPolicy(ctx, priorID)
		if err != nil {
			return err
		}
		if !prior.Active {
			return models.Errorf(models.KindInvalidState, "policy %s is not active", priorID)
		}
		if next.VaultID == "" {
			next.VaultID = prior.VaultID
		}
		if next.VaultID != prior.VaultID || next.Type != prior.Type {
			return models.Errorf(models.KindPolicyMismatch, "superseding policy must keep vault and type")
		}
		s.prepare(next, prior.Version+1)
		if err := next.Validate(); err != nil {
			return err
		}
		if err := tx.CreatePolicy(ctx, next); err != nil {
			return err
		}
		now := s.nowFn()
		prior.Active = false
		prior.DeactivatedAt = &now
		prior.SupersededBy = &next.ID
		prior.UpdatedAt = now
		return tx.UpdatePolicy(ctx, prior)
	})
	if err != nil {
		return nil, storeErr(err, "supersede policy")
	}
	s.logger.Info("policy superseded",
		"module", "policy",
		"operation", "supersede",
		"outcome", "success",
		"policy_id", next.ID,
		"prior_policy_id", priorID,
		"version", next.Version,
	)
	return next, nil
}

func (s *Store) prepare(p *models.Policy, version int) {
	now := s.nowFn()
	p.ID = uuid.NewString()
	p.Version = version
	p.Active = true
	p.SupersededBy = nil
	p.DeactivatedAt = nil
	p.CreatedAt = now
	p.UpdatedAt = now
}

func storeErr(err error, op string) error {
	var me *models.Error
	if errors.As(err, &me) {
		return err
	}
	return models.Unavailablef(err, "%s", op)
}
