package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"QuorumVault/internal/models"
)

func seedEscrow(t *testing.T, s *MemoryStore, id string) *models.Escrow {
	t.Helper()
	e := &models.Escrow{
		ID:          id,
		VaultID:     "vault-1",
		PolicyID:    "policy-1",
		Type:        models.PolicyPayment,
		State:       models.EscrowDraft,
		TotalAmount: decimal.NewFromInt(100),
	}
	require.NoError(t, s.CreateEscrow(context.Background(), e))
	return e
}

func TestAtomicallyRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seedEscrow(t, s, "e1")

	boom := errors.New("boom")
	err := s.Atomically(ctx, func(tx Store) error {
		e, err := tx.LockEscrow(ctx, "e1")
		require.NoError(t, err)
		e.State = models.EscrowPending
		require.NoError(t, tx.SaveEscrow(ctx, e))
		require.NoError(t, tx.UpsertApproval(ctx, &models.Approval{ID: "a1", EscrowID: "e1", ApproverAddress: "0x01", Weight: 1}))
		return boom
	})
	require.ErrorIs(t, err, boom)

	got, err := s.GetEscrow(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, models.EscrowDraft, got.State)
	assert.Equal(t, 1, got.Version)

	approvals, err := s.ListApprovals(ctx, "e1")
	require.NoError(t, err)
	assert.Empty(t, approvals)
}

func TestSaveEscrowVersionConflict(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seedEscrow(t, s, "e1")

	a, err := s.GetEscrow(ctx, "e1")
	require.NoError(t, err)
	b, err := s.GetEscrow(ctx, "e1")
	require.NoError(t, err)

	a.State = models.EscrowPending
	require.NoError(t, s.SaveEscrow(ctx, a))
	assert.Equal(t, 2, a.Version)

	b.State = models.EscrowCancelled
	assert.ErrorIs(t, s.SaveEscrow(ctx, b), ErrConflict)
}

func TestUpsertApprovalKeepsOneRowPerApprover(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.UpsertApproval(ctx, &models.Approval{ID: "a1", EscrowID: "e1", ApproverAddress: "0x01", Weight: 1, ProofHash: "p1"}))
	require.NoError(t, s.UpsertApproval(ctx, &models.Approval{ID: "a2", EscrowID: "e1", ApproverAddress: "0x01", Weight: 3, ProofHash: "p2"}))

	rows, err := s.ListApprovals(ctx, "e1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "a1", rows[0].ID)
	assert.Equal(t, uint64(3), rows[0].Weight)
}

func TestListExpirableSkipsInFlightAndTerminal(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	past := time.Now().Add(-time.Minute)

	for _, tc := range []struct {
		id     string
		state  models.EscrowState
		status models.ExecutionStatus
	}{
		{"due", models.EscrowPending, models.ExecutionNone},
		{"inflight", models.EscrowReady, models.ExecutionSubmitted},
		{"done", models.EscrowReleased, models.ExecutionConfirmed},
	} {
		e := seedEscrow(t, s, tc.id)
		e.State = tc.state
		e.ExecutionStatus = tc.status
		e.ExpiresAt = &past
		require.NoError(t, s.SaveEscrow(ctx, e))
	}

	rows, err := s.ListExpirable(ctx, time.Now(), 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "due", rows[0].ID)
}

func TestGetMissingIsNotFound(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.GetEscrow(context.Background(), "nope")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestAtomicallyKeepsConcurrentWrites(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seedEscrow(t, s, "e1")

	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		close(started)
		done <- s.CreateEscrow(ctx, &models.Escrow{
			ID:          "other",
			VaultID:     "vault-1",
			PolicyID:    "policy-1",
			Type:        models.PolicyPayment,
			State:       models.EscrowDraft,
			TotalAmount: decimal.NewFromInt(5),
		})
	}()

	boom := errors.New("boom")
	err := s.Atomically(ctx, func(tx Store) error {
		<-started
		time.Sleep(20 * time.Millisecond)
		e, err := tx.LockEscrow(ctx, "e1")
		require.NoError(t, err)
		e.State = models.EscrowPending
		require.NoError(t, tx.SaveEscrow(ctx, e))
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.NoError(t, <-done)

	other, err := s.GetEscrow(ctx, "other")
	require.NoError(t, err)
	assert.Equal(t, models.EscrowDraft, other.State)

	e1, err := s.GetEscrow(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, models.EscrowDraft, e1.State)
}

func TestAtomicallyHidesUncommittedWrites(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seedEscrow(t, s, "e1")

	err := s.Atomically(ctx, func(tx Store) error {
		e, err := tx.LockEscrow(ctx, "e1")
		require.NoError(t, err)
		e.State = models.EscrowPending
		require.NoError(t, tx.SaveEscrow(ctx, e))

		outside, err := s.GetEscrow(ctx, "e1")
		require.NoError(t, err)
		assert.Equal(t, models.EscrowDraft, outside.State)

		inside, err := tx.GetEscrow(ctx, "e1")
		require.NoError(t, err)
		assert.Equal(t, models.EscrowPending, inside.State)
		return nil
	})
	require.NoError(t, err)

	got, err := s.GetEscrow(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, models.EscrowPending, got.State)
}

func TestListUnlocked(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	add := func(id string, state models.EscrowState, unlockAt *time.Time) {
		e := seedEscrow(t, s, id)
		e.State = state
		e.UnlockAt = unlockAt
		require.NoError(t, s.SaveEscrow(ctx, e))
	}
	past := now.Add(-time.Hour)
	later := now.Add(time.Hour)
	add("locked", models.EscrowApproved, &later)
	add("due", models.EscrowApproved, &past)
	add("at-now", models.EscrowApproved, &now)
	add("no-lock", models.EscrowApproved, nil)
	add("pending", models.EscrowPending, &past)

	got, err := s.ListUnlocked(ctx, now, 10)
	require.NoError(t, err)
	var ids []string
	for _, e := range got {
		ids = append(ids, e.ID)
	}
	assert.ElementsMatch(t, []string{"due", "at-now", "no-lock"}, ids)

	got, err = s.ListUnlocked(ctx, now, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.NotEqual(t, "locked", got[0].ID)
}

func TestListStaleClaims(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	old := now.Add(-10 * time.Minute)
	recent := now.Add(-time.Second)
	handle := "h-1"

	add := func(id string, state models.EscrowState, status models.ExecutionStatus, at *time.Time, h *string) {
		e := seedEscrow(t, s, id)
		e.State = state
		e.ExecutionStatus = status
		e.SubmittedAt = at
		e.SubmissionHandle = h
		require.NoError(t, s.SaveEscrow(ctx, e))
	}
	add("stale", models.EscrowReady, models.ExecutionSubmitting, &old, nil)
	add("fresh", models.EscrowReady, models.ExecutionSubmitting, &recent, nil)
	add("handled", models.EscrowReady, models.ExecutionSubmitting, &old, &handle)
	add("submitted", models.EscrowReady, models.ExecutionSubmitted, &old, &handle)
	add("failed", models.EscrowReady, models.ExecutionFailed, &old, nil)

	got, err := s.ListStaleClaims(ctx, now.Add(-time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "stale", got[0].ID)
}
