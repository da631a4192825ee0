package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"QuorumVault/internal/chain"
	"QuorumVault/internal/escrow/escrowtest"
	"QuorumVault/internal/models"
)

// submitted returns a ready escrow whose submission handle is recorded.
func submitted(t *testing.T, f *escrowtest.Fixture, sim *chain.Simulator) *models.Escrow {
	t.Helper()
	e := f.Ready(100)
	claim, err := f.Ledger.ClaimExecution(f.Ctx, e.ID, time.Minute)
	require.NoError(t, err)
	sub, err := sim.SubmitExecution(f.Ctx, chain.ExecutionRequest{EscrowID: claim.Escrow.ID})
	require.NoError(t, err)
	e, err = f.Ledger.RecordSubmission(f.Ctx, e.ID, sub.Handle, sub.TxHash, 1)
	require.NoError(t, err)
	return e
}

func TestRunOnceReleasesOnSuccess(t *testing.T) {
	f := escrowtest.New(t, 1, 0)
	sim := chain.NewSimulator()
	e := submitted(t, f, sim)

	w := NewWorker(f.Ledger, f.Repo, sim, Config{}, nil)
	stats, err := w.RunOnce(f.Ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Checked: 1, Released: 1}, stats)

	got := f.Get(e.ID)
	assert.Equal(t, models.EscrowReleased, got.State)
	assert.Equal(t, models.ExecutionConfirmed, got.ExecutionStatus)
	require.NotNil(t, got.ChainEscrowID)
	assert.Equal(t, "sim-"+e.ID, *got.ChainEscrowID)

	// Released escrows are no longer polled.
	stats, err = w.RunOnce(f.Ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Checked)
}

func TestPendingReceiptBecomesAmbiguous(t *testing.T) {
	f := escrowtest.New(t, 1, 0)
	sim := chain.NewSimulator()
	e := submitted(t, f, sim)
	sim.Settle(*e.SubmissionHandle, chain.Receipt{Status: chain.ReceiptPending})

	w := NewWorker(f.Ledger, f.Repo, sim, Config{AmbiguousAfter: 10 * time.Minute}, nil)

	stats, err := w.RunOnce(f.Ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Ambiguous)
	assert.Equal(t, models.ExecutionSubmitted, f.Get(e.ID).ExecutionStatus)

	f.Clock.Advance(10 * time.Minute)
	stats, err = w.RunOnce(f.Ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Ambiguous)

	got := f.Get(e.ID)
	assert.Equal(t, models.EscrowReady, got.State)
	assert.Equal(t, models.ExecutionAmbiguous, got.ExecutionStatus)
	assert.Contains(t, got.FailureReason, "no receipt after 10m0s")

	// Still polled, and a late receipt settles it.
	sim.Settle(*e.SubmissionHandle, chain.Receipt{Status: chain.ReceiptSuccess, TxHash: *e.TxHash})
	stats, err = w.RunOnce(f.Ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Checked: 1, Released: 1}, stats)
	assert.Equal(t, models.EscrowReleased, f.Get(e.ID).State)
}

type flakyClient struct {
	chain.Client
	err error
}

func (c flakyClient) GetReceipt(ctx context.Context, handle string) (chain.Receipt, error) {
	return chain.Receipt{}, c.err
}

func TestLookupErrorsLeaveEscrowUntouched(t *testing.T) {
	f := escrowtest.New(t, 1, 0)
	sim := chain.NewSimulator()
	e := submitted(t, f, sim)
	f.Clock.Advance(time.Hour)

	w := NewWorker(f.Ledger, f.Repo, flakyClient{Client: sim, err: errors.New("503")}, Config{}, nil)
	stats, err := w.RunOnce(f.Ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Checked: 1, Errors: 1}, stats)
	assert.Equal(t, models.ExecutionSubmitted, f.Get(e.ID).ExecutionStatus)
}

func TestUnknownHandleBecomesAmbiguous(t *testing.T) {
	f := escrowtest.New(t, 1, 0)
	sim := chain.NewSimulator()
	e := submitted(t, f, sim)
	f.Clock.Advance(time.Hour)

	w := NewWorker(f.Ledger, f.Repo, flakyClient{Client: sim, err: chain.ErrHandleNotFound}, Config{}, nil)
	stats, err := w.RunOnce(f.Ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Ambiguous)

	got := f.Get(e.ID)
	assert.Equal(t, models.ExecutionAmbiguous, got.ExecutionStatus)
	assert.Contains(t, got.FailureReason, "handle not found")
}

func TestRevertCancelsEscrow(t *testing.T) {
	f := escrowtest.New(t, 1, 0)
	sim := chain.NewSimulator()
	sim.Outcome = chain.ReceiptReverted
	e := submitted(t, f, sim)

	w := NewWorker(f.Ledger, f.Repo, sim, Config{}, nil)
	stats, err := w.RunOnce(f.Ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Reverted)

	got := f.Get(e.ID)
	assert.Equal(t, models.EscrowCancelled, got.State)
	assert.Equal(t, "reverted", got.RevertReason)
}

func TestRunStopsOnCancel(t *testing.T) {
	f := escrowtest.New(t, 1, 0)
	w := NewWorker(f.Ledger, f.Repo, chain.NewSimulator(), Config{Interval: time.Millisecond}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()
	time.Sleep(5 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}
}
