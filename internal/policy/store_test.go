package policy

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"QuorumVault/internal/merkle"
	"QuorumVault/internal/models"
	"QuorumVault/internal/repository"
)

func newPaymentPolicy(vault string) *models.Policy {
	return &models.Policy{
		VaultID: vault,
		Type:    models.PolicyPayment,
		Name:    "treasury",
		Payment: &models.PaymentRules{Threshold: 2, RolesRoot: testRoot, OwnersRoot: testRoot},
	}
}

func TestStoreCreateValidates(t *testing.T) {
	s := NewStore(repository.NewMemoryStore(), nil)
	ctx := context.Background()

	p, err := s.Create(ctx, newPaymentPolicy("v1"))
	require.NoError(t, err)
	assert.NotEmpty(t, p.ID)
	assert.Equal(t, 1, p.Version)
	assert.True(t, p.Active)

	bad := newPaymentPolicy("v1")
	bad.Collection = &models.CollectionConfig{}
	_, err = s.Create(ctx, bad)
	assert.ErrorIs(t, err, models.ErrInvalidInput)
}

func TestStoreSupersede(t *testing.T) {
	s := NewStore(repository.NewMemoryStore(), nil)
	ctx := context.Background()

	prior, err := s.Create(ctx, newPaymentPolicy("v1"))
	require.NoError(t, err)

	next, err := s.Supersede(ctx, prior.ID, newPaymentPolicy(""))
	require.NoError(t, err)
	assert.Equal(t, 2, next.Version)
	assert.Equal(t, "v1", next.VaultID)

	old, err := s.Get(ctx, prior.ID)
	require.NoError(t, err)
	assert.False(t, old.Active)
	require.NotNil(t, old.SupersededBy)
	assert.Equal(t, next.ID, *old.SupersededBy)

	_, err = s.Supersede(ctx, prior.ID, newPaymentPolicy("v1"))
	assert.ErrorIs(t, err, models.ErrInvalidState)

	coll := &models.Policy{Type: models.PolicyCollection, Collection: &models.CollectionConfig{}}
	_, err = s.Supersede(ctx, next.ID, coll)
	assert.ErrorIs(t, err, models.ErrPolicyMismatch)

	list, err := s.ListByVault(ctx, "v1")
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestStoreDeactivateIsIdempotent(t *testing.T) {
	s := NewStore(repository.NewMemoryStore(), nil)
	ctx := context.Background()

	p, err := s.Create(ctx, newPaymentPolicy("v1"))
	require.NoError(t, err)

	first, err := s.Deactivate(ctx, p.ID)
	require.NoError(t, err)
	assert.False(t, first.Active)

	second, err := s.Deactivate(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, first.DeactivatedAt, second.DeactivatedAt)

	_, err = s.Deactivate(ctx, "missing")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestApplyMembers(t *testing.T) {
	p := newPaymentPolicy("v1")
	var roles []merkle.Member
	for i := 1; i <= 3; i++ {
		roles = append(roles, merkle.Member{Address: fmt.Sprintf("0x%040x", i), Weight: 1})
	}
	owners := []merkle.Member{{Address: fmt.Sprintf("0x%040x", 9), Weight: 1}}

	require.NoError(t, ApplyMembers(p, Members{Roles: roles, Owners: owners}))
	tree, err := merkle.BuildTree(roles)
	require.NoError(t, err)
	assert.Equal(t, tree.Root().Hex(), p.Payment.RolesRoot)
	assert.NotEqual(t, p.Payment.RolesRoot, p.Payment.OwnersRoot)

	err = ApplyMembers(p, Members{Roles: roles})
	assert.ErrorIs(t, err, models.ErrInvalidInput)
}
