// Package escrowtest builds in-memory ledgers with a controllable clock for
// tests of the packages that drive escrows.
package escrowtest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"QuorumVault/internal/escrow"
	"QuorumVault/internal/lock"
	"QuorumVault/internal/merkle"
	"QuorumVault/internal/models"
	"QuorumVault/internal/policy"
	"QuorumVault/internal/repository"
)

type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func Address(i int) string {
	return fmt.Sprintf("0x%040x", i)
}

const (
	owner     = 100
	recipient = 200
)

// Fixture is a payment policy with three approvers of weight 1 and a single
// owner, backed by the in-memory store.
type Fixture struct {
	T         *testing.T
	Ctx       context.Context
	Repo      *repository.MemoryStore
	Ledger    *escrow.Ledger
	Collector *escrow.Collector
	Clock     *Clock
	Policy    *models.Policy

	approvers *merkle.Tree
	owners    *merkle.Tree
}

func New(t *testing.T, threshold uint64, timelock time.Duration) *Fixture {
	t.Helper()
	repo := repository.NewMemoryStore()
	clk := &Clock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	ledger := escrow.NewLedger(repo, lock.NewKeyedMutex(), escrow.WithClock(clk.Now))

	approvers, err := merkle.BuildTree([]merkle.Member{
		{Address: Address(1), Weight: 1},
		{Address: Address(2), Weight: 1},
		{Address: Address(3), Weight: 1},
	})
	require.NoError(t, err)
	owners, err := merkle.BuildTree([]merkle.Member{{Address: Address(owner), Weight: 1}})
	require.NoError(t, err)

	p, err := policy.NewStore(repo, nil).Create(context.Background(), &models.Policy{
		VaultID: "vault-1",
		Type:    models.PolicyPayment,
		Name:    "payments",
		Payment: &models.PaymentRules{
			Threshold:       threshold,
			TimelockSeconds: int64(timelock / time.Second),
			RolesRoot:       approvers.Root().Hex(),
			OwnersRoot:      owners.Root().Hex(),
		},
	})
	require.NoError(t, err)

	return &Fixture{
		T:         t,
		Ctx:       context.Background(),
		Repo:      repo,
		Ledger:    ledger,
		Collector: escrow.NewCollector(ledger, nil),
		Clock:     clk,
		Policy:    p,
		approvers: approvers,
		owners:    owners,
	}
}

// Payment creates a draft payment escrow, optionally expiring after ttl.
func (f *Fixture) Payment(amount int64, ttl time.Duration) *models.Escrow {
	f.T.Helper()
	proof, err := f.owners.Proof(Address(owner))
	require.NoError(f.T, err)
	params := escrow.CreateParams{
		PolicyID:    f.Policy.ID,
		TotalAmount: decimal.NewFromInt(amount),
		Requester:   Address(owner),
		Recipient:   Address(recipient),
		OwnerWeight: 1,
		OwnerProof:  proof,
	}
	if ttl > 0 {
		at := f.Clock.Now().Add(ttl)
		params.ExpiresAt = &at
	}
	e, err := f.Ledger.Create(f.Ctx, params)
	require.NoError(f.T, err)
	return e
}

// Approve records approvals from the given approver indexes (1-3).
func (f *Fixture) Approve(escrowID string, approvers ...int) {
	f.T.Helper()
	for _, i := range approvers {
		proof, err := f.approvers.Proof(Address(i))
		require.NoError(f.T, err)
		_, err = f.Collector.Submit(f.Ctx, escrow.ApprovalParams{
			EscrowID: escrowID,
			Approver: Address(i),
			Weight:   1,
			Proof:    proof,
		})
		require.NoError(f.T, err)
	}
}

// Ready creates a payment escrow, approves it to threshold, waits out the
// timelock and marks it ready.
func (f *Fixture) Ready(amount int64) *models.Escrow {
	f.T.Helper()
	e := f.Payment(amount, 0)
	var approvers []int
	for i := 1; i <= int(f.Policy.Payment.Threshold); i++ {
		approvers = append(approvers, i)
	}
	f.Approve(e.ID, approvers...)
	f.Clock.Advance(f.Policy.Payment.Timelock())
	e, err := f.Ledger.MarkReady(f.Ctx, e.ID)
	require.NoError(f.T, err)
	return e
}

func (f *Fixture) Get(id string) *models.Escrow {
	f.T.Helper()
	e, err := f.Repo.GetEscrow(f.Ctx, id)
	require.NoError(f.T, err)
	return e
}
