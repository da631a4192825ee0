package services

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"QuorumVault/internal/chain"
	"QuorumVault/internal/escrow"
	"QuorumVault/internal/escrow/escrowtest"
	"QuorumVault/internal/executor"
	"QuorumVault/internal/merkle"
	"QuorumVault/internal/models"
	"QuorumVault/internal/policy"
)

type fixedVerifier struct {
	amount decimal.Decimal
	err    error
	calls  int
}

func (v *fixedVerifier) VerifyPayment(ctx context.Context, reference string) (decimal.Decimal, error) {
	v.calls++
	return v.amount, v.err
}

func newEngine(t *testing.T, f *escrowtest.Fixture, payments PaymentVerifier) (*Engine, *chain.Simulator) {
	t.Helper()
	sim := chain.NewSimulator()
	x := executor.New(f.Ledger, sim, executor.Config{MaxAttempts: 1}, nil)
	return NewEngine(policy.NewStore(f.Repo, nil), f.Ledger, f.Collector, x, payments, nil), sim
}

func TestAdvanceWalksPaymentLifecycle(t *testing.T) {
	f := escrowtest.New(t, 2, time.Hour)
	eng, sim := newEngine(t, f, nil)
	e := f.Payment(500, 0)

	got, err := eng.Advance(f.Ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EscrowPending, got.State)

	f.Approve(e.ID, 1)
	_, err = eng.Advance(f.Ctx, e.ID)
	var me *models.Error
	require.ErrorAs(t, err, &me)
	assert.Equal(t, models.KindQuorumNotReached, me.Kind)
	assert.Equal(t, "2", me.Required)
	assert.Equal(t, "1", me.Actual)

	f.Approve(e.ID, 2)
	_, err = eng.Advance(f.Ctx, e.ID)
	assert.ErrorIs(t, err, models.ErrTimelockNotElapsed)

	f.Clock.Advance(time.Hour)
	got, err = eng.Advance(f.Ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EscrowReady, got.State)

	got, err = eng.Advance(f.Ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionSubmitted, got.ExecutionStatus)
	assert.Equal(t, 1, sim.Submissions())
}

func TestAdvanceRejectsTerminal(t *testing.T) {
	f := escrowtest.New(t, 1, 0)
	eng, _ := newEngine(t, f, nil)
	e := f.Payment(5, time.Minute)
	f.Clock.Advance(time.Hour)

	_, err := eng.Advance(f.Ctx, e.ID)
	assert.ErrorIs(t, err, models.ErrInvalidState)
	assert.Equal(t, models.EscrowExpired, f.Get(e.ID).State)

	_, err = eng.Advance(f.Ctx, e.ID)
	assert.ErrorIs(t, err, models.ErrInvalidState)
}

func TestCreatePolicyFromMembers(t *testing.T) {
	f := escrowtest.New(t, 1, 0)
	eng, _ := newEngine(t, f, nil)

	roles := []merkle.Member{{Address: escrowtest.Address(7), Weight: 3}}
	owners := []merkle.Member{{Address: escrowtest.Address(8), Weight: 1}}
	p, err := eng.CreatePolicy(f.Ctx, &models.Policy{
		VaultID: "vault-2",
		Type:    models.PolicyPayment,
		Name:    "ops",
		Payment: &models.PaymentRules{Threshold: 3},
	}, &policy.Members{Roles: roles, Owners: owners})
	require.NoError(t, err)

	tree, err := merkle.BuildTree(roles)
	require.NoError(t, err)
	assert.Equal(t, tree.Root().Hex(), p.Payment.RolesRoot)
	assert.NotEmpty(t, p.Payment.OwnersRoot)

	listed, err := eng.ListPolicies(f.Ctx, "vault-2")
	require.NoError(t, err)
	assert.Len(t, listed, 1)
}

func collection(t *testing.T, f *escrowtest.Fixture, eng *Engine) *models.Escrow {
	t.Helper()
	p, err := eng.CreatePolicy(f.Ctx, &models.Policy{
		VaultID:    "vault-1",
		Type:       models.PolicyCollection,
		Name:       "dues",
		Collection: &models.CollectionConfig{AutoComplete: true},
	}, nil)
	require.NoError(t, err)
	e, err := eng.CreateEscrow(f.Ctx, escrow.CreateParams{
		PolicyID:    p.ID,
		TotalAmount: decimal.NewFromInt(1500),
		Requester:   escrowtest.Address(100),
		Recipient:   escrowtest.Address(200),
		Participants: []escrow.ParticipantInput{
			{Address: escrowtest.Address(11), Amount: decimal.NewFromInt(1500)},
		},
	})
	require.NoError(t, err)
	return e
}

func TestFiatContribution(t *testing.T) {
	f := escrowtest.New(t, 1, 0)
	verifier := &fixedVerifier{amount: decimal.NewFromInt(1500)}
	eng, _ := newEngine(t, f, verifier)
	e := collection(t, f, eng)
	ptID := e.Participants[0].ID

	res, err := eng.RecordCollectionPayment(f.Ctx, ContributionParams{
		EscrowID:          e.ID,
		ParticipantID:     ptID,
		PaystackReference: "ref-1",
	})
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
	assert.Equal(t, models.ParticipantPaid, res.Participant.Status)
	assert.True(t, res.Participant.PaidAmount.Equal(decimal.NewFromInt(1500)))
	assert.Equal(t, "paystack:ref-1", *res.Participant.TxHash)
	assert.Equal(t, models.EscrowReleased, res.State)

	res, err = eng.RecordCollectionPayment(f.Ctx, ContributionParams{
		EscrowID:          e.ID,
		ParticipantID:     ptID,
		PaystackReference: "ref-1",
	})
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.Equal(t, 2, verifier.calls)
}

func TestFiatContributionErrors(t *testing.T) {
	t.Run("not configured", func(t *testing.T) {
		f := escrowtest.New(t, 1, 0)
		eng, _ := newEngine(t, f, nil)
		e := collection(t, f, eng)
		_, err := eng.RecordCollectionPayment(f.Ctx, ContributionParams{EscrowID: e.ID, ParticipantID: e.Participants[0].ID, PaystackReference: "r"})
		assert.ErrorIs(t, err, models.ErrInvalidInput)
	})
	t.Run("amount mismatch", func(t *testing.T) {
		f := escrowtest.New(t, 1, 0)
		eng, _ := newEngine(t, f, &fixedVerifier{amount: decimal.NewFromInt(1000)})
		e := collection(t, f, eng)
		_, err := eng.RecordCollectionPayment(f.Ctx, ContributionParams{
			EscrowID:          e.ID,
			ParticipantID:     e.Participants[0].ID,
			Amount:            decimal.NewFromInt(1500),
			PaystackReference: "r",
		})
		assert.ErrorIs(t, err, models.ErrInvalidInput)
		assert.True(t, f.Get(e.ID).CollectedAmount.IsZero())
	})
	t.Run("gateway down", func(t *testing.T) {
		f := escrowtest.New(t, 1, 0)
		eng, _ := newEngine(t, f, &fixedVerifier{err: models.Unavailablef(errors.New("timeout"), "verify payment")})
		e := collection(t, f, eng)
		_, err := eng.RecordCollectionPayment(f.Ctx, ContributionParams{EscrowID: e.ID, ParticipantID: e.Participants[0].ID, PaystackReference: "r"})
		assert.ErrorIs(t, err, models.ErrUnavailable)
	})
}

type fakePaystack struct {
	data map[string]any
	err  error
	path *string
}

func (f fakePaystack) Call(method, path string, body, v interface{}) error {
	if f.path != nil {
		*f.path = path
	}
	if f.err != nil {
		return f.err
	}
	raw, err := json.Marshal(f.data)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

func TestPaystackVerifier(t *testing.T) {
	ctx := context.Background()

	var path string
	v := &PaystackVerifier{api: fakePaystack{data: map[string]any{"status": "success", "amount": 150050}, path: &path}}
	amount, err := v.VerifyPayment(ctx, "ref-1")
	require.NoError(t, err)
	assert.Equal(t, "1500.5", amount.String())
	assert.Equal(t, "/transaction/verify/ref-1", path)

	t.Run("amounts beyond float32 precision stay exact", func(t *testing.T) {
		for _, kobo := range []int64{16777217, 987654321} {
			v := &PaystackVerifier{api: fakePaystack{data: map[string]any{"status": "success", "amount": kobo}}}
			amount, err := v.VerifyPayment(ctx, "ref")
			require.NoError(t, err)
			assert.True(t, decimal.New(kobo, -2).Equal(amount), amount.String())
		}
	})

	v = &PaystackVerifier{api: fakePaystack{data: map[string]any{"status": "abandoned", "amount": 100}}}
	_, err = v.VerifyPayment(ctx, "ref")
	assert.ErrorIs(t, err, models.ErrInvalidInput)

	v = &PaystackVerifier{api: fakePaystack{err: errors.New("connection reset")}}
	_, err = v.VerifyPayment(ctx, "ref")
	assert.ErrorIs(t, err, models.ErrUnavailable)

	_, err = v.VerifyPayment(ctx, "")
	assert.ErrorIs(t, err, models.ErrInvalidInput)
}
