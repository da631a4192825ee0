package escrow

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"QuorumVault/internal/lock"
	"QuorumVault/internal/merkle"
	"QuorumVault/internal/models"
	"QuorumVault/internal/notify"
	"QuorumVault/internal/policy"
	"QuorumVault/internal/repository"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type captured struct {
	mu     sync.Mutex
	events []notify.Event
}

func (c *captured) Publish(evt notify.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evt)
}

func (c *captured) count(typ models.NotificationType) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.events {
		if e.Type == typ {
			n++
		}
	}
	return n
}

func address(i int) string {
	return fmt.Sprintf("0x%040x", i)
}

// harness wires a ledger and collector over the in-memory store.
type harness struct {
	t         *testing.T
	ctx       context.Context
	repo      *repository.MemoryStore
	policies  *policy.Store
	ledger    *Ledger
	collector *Collector
	clock     *clock
	events    *captured

	approvers *merkle.Tree
	owners    *merkle.Tree
	weights   map[string]uint64
}

const ownerIndex = 100

func newHarness(t *testing.T, approverWeights ...uint64) *harness {
	t.Helper()
	repo := repository.NewMemoryStore()
	clk := &clock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	events := &captured{}
	ledger := NewLedger(repo, lock.NewKeyedMutex(), WithClock(clk.Now), WithPublisher(events))

	h := &harness{
		t:         t,
		ctx:       context.Background(),
		repo:      repo,
		policies:  policy.NewStore(repo, nil),
		ledger:    ledger,
		collector: NewCollector(ledger, nil),
		clock:     clk,
		events:    events,
		weights:   map[string]uint64{},
	}

	var roles []merkle.Member
	for i, w := range approverWeights {
		a := address(i + 1)
		roles = append(roles, merkle.Member{Address: a, Weight: w})
		h.weights[a] = w
	}
	if len(roles) > 0 {
		tree, err := merkle.BuildTree(roles)
		require.NoError(t, err)
		h.approvers = tree
	}
	owners, err := merkle.BuildTree([]merkle.Member{{Address: address(ownerIndex), Weight: 1}})
	require.NoError(t, err)
	h.owners = owners
	return h
}

func (h *harness) paymentPolicy(threshold uint64, timelock time.Duration) *models.Policy {
	h.t.Helper()
	p, err := h.policies.Create(h.ctx, &models.Policy{
		VaultID: "vault-1",
		Type:    models.PolicyPayment,
		Name:    "payments",
		Payment: &models.PaymentRules{
			Threshold:       threshold,
			TimelockSeconds: int64(timelock / time.Second),
			RolesRoot:       h.approvers.Root().Hex(),
			OwnersRoot:      h.owners.Root().Hex(),
		},
	})
	require.NoError(h.t, err)
	return p
}

func (h *harness) collectionPolicy(cfg models.CollectionConfig) *models.Policy {
	h.t.Helper()
	p, err := h.policies.Create(h.ctx, &models.Policy{
		VaultID:    "vault-1",
		Type:       models.PolicyCollection,
		Name:       "dues",
		Collection: &cfg,
	})
	require.NoError(h.t, err)
	return p
}

func (h *harness) ownerProof() []string {
	proof, err := h.owners.Proof(address(ownerIndex))
	require.NoError(h.t, err)
	return proof
}

func (h *harness) createPayment(p *models.Policy, amount int64) *models.Escrow {
	h.t.Helper()
	e, err := h.ledger.Create(h.ctx, CreateParams{
		PolicyID:    p.ID,
		TotalAmount: decimal.NewFromInt(amount),
		Requester:   address(ownerIndex),
		Recipient:   address(200),
		OwnerWeight: 1,
		OwnerProof:  h.ownerProof(),
	})
	require.NoError(h.t, err)
	return e
}

func (h *harness) approve(escrowID string, approver int) (*ApprovalResult, error) {
	a := address(approver)
	proof, err := h.approvers.Proof(a)
	require.NoError(h.t, err)
	return h.collector.Submit(h.ctx, ApprovalParams{
		EscrowID: escrowID,
		Approver: a,
		Weight:   h.weights[a],
		Proof:    proof,
	})
}

func (h *harness) get(id string) *models.Escrow {
	h.t.Helper()
	e, err := h.repo.GetEscrow(h.ctx, id)
	require.NoError(h.t, err)
	return e
}
