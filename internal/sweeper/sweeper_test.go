package sweeper

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"QuorumVault/internal/chain"
	"QuorumVault/internal/escrow/escrowtest"
	"QuorumVault/internal/executor"
	"QuorumVault/internal/models"
	"QuorumVault/internal/reconcile"
)

func TestExpirySweep(t *testing.T) {
	f := escrowtest.New(t, 2, time.Hour)
	due := f.Payment(10, time.Minute)
	later := f.Payment(10, time.Hour)
	f.Approve(due.ID, 1)

	s := New(f.Ledger, f.Repo, nil, Config{}, nil)
	stats, err := s.RunOnce(f.Ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Expired)

	f.Clock.Advance(2 * time.Minute)
	stats, err = s.RunOnce(f.Ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Expired)

	got := f.Get(due.ID)
	assert.Equal(t, models.EscrowExpired, got.State)
	assert.NotNil(t, got.ExpiredAt)
	assert.Equal(t, models.EscrowDraft, f.Get(later.ID).State)

	stats, err = s.RunOnce(f.Ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Expired)
}

func TestConcurrentExpiryIsIdempotent(t *testing.T) {
	f := escrowtest.New(t, 2, time.Hour)
	e := f.Payment(10, time.Minute)
	f.Clock.Advance(time.Hour)

	var expired atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := f.Ledger.Expire(f.Ctx, e.ID)
			assert.NoError(t, err)
			if ok {
				expired.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), expired.Load())
	got := f.Get(e.ID)
	assert.Equal(t, models.EscrowExpired, got.State)
	assert.Equal(t, 2, got.Version)
}

func TestTimelockSweep(t *testing.T) {
	f := escrowtest.New(t, 1, time.Hour)
	e := f.Payment(10, 0)
	f.Approve(e.ID, 3)
	require.Equal(t, models.EscrowApproved, f.Get(e.ID).State)

	s := New(f.Ledger, f.Repo, nil, Config{}, nil)
	stats, err := s.RunOnce(f.Ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{}, stats)
	assert.Equal(t, models.EscrowApproved, f.Get(e.ID).State)

	f.Clock.Advance(time.Hour)
	stats, err = s.RunOnce(f.Ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Ready)
	assert.Equal(t, models.EscrowReady, f.Get(e.ID).State)
}

func TestTimelockSweepSkipsLockedBacklog(t *testing.T) {
	f := escrowtest.New(t, 1, time.Hour)
	locked := []*models.Escrow{f.Payment(10, 0), f.Payment(10, 0)}
	due := f.Payment(10, 0)
	f.Approve(due.ID, 1)

	f.Clock.Advance(time.Hour)
	for _, e := range locked {
		f.Approve(e.ID, 1)
	}

	s := New(f.Ledger, f.Repo, nil, Config{BatchSize: 1}, nil)
	stats, err := s.RunOnce(f.Ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Ready: 1}, stats)
	assert.Equal(t, models.EscrowReady, f.Get(due.ID).State)
	for _, e := range locked {
		assert.Equal(t, models.EscrowApproved, f.Get(e.ID).State)
	}

	f.Clock.Advance(time.Hour)
	for i := 0; i < 2; i++ {
		stats, err = s.RunOnce(f.Ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, stats.Ready)
	}
	for _, e := range locked {
		assert.Equal(t, models.EscrowReady, f.Get(e.ID).State)
	}
}

// droppedResponse delivers the submission but loses the reply, the way a
// cancelled request does after the execution layer has accepted it.
type droppedResponse struct {
	*chain.Simulator
	cancel context.CancelFunc
}

func (d droppedResponse) SubmitExecution(ctx context.Context, req chain.ExecutionRequest) (chain.Submission, error) {
	if _, err := d.Simulator.SubmitExecution(context.Background(), req); err != nil {
		return chain.Submission{}, err
	}
	d.cancel()
	return chain.Submission{}, context.Canceled
}

func TestSweepRecoversInterruptedSubmission(t *testing.T) {
	f := escrowtest.New(t, 1, time.Minute)
	sim := chain.NewSimulator()
	e := f.Ready(10)

	ctx, cancel := context.WithCancel(f.Ctx)
	defer cancel()
	interrupted := executor.New(f.Ledger, droppedResponse{Simulator: sim, cancel: cancel}, executor.Config{MaxAttempts: 3}, nil)
	_, err := interrupted.Execute(ctx, e.ID)
	require.ErrorIs(t, err, models.ErrUnavailable)

	got := f.Get(e.ID)
	require.Equal(t, models.EscrowReady, got.State)
	require.Equal(t, models.ExecutionSubmitting, got.ExecutionStatus)
	require.Nil(t, got.SubmissionHandle)
	require.Equal(t, 1, sim.Submissions())

	x := executor.New(f.Ledger, sim, executor.Config{MaxAttempts: 1}, nil)
	s := New(f.Ledger, f.Repo, x, Config{}, nil)

	t.Run("fresh claim is left alone", func(t *testing.T) {
		stats, err := s.RunOnce(f.Ctx)
		require.NoError(t, err)
		assert.Equal(t, Stats{}, stats)
		assert.Nil(t, f.Get(e.ID).SubmissionHandle)
	})

	t.Run("stale claim is resubmitted once", func(t *testing.T) {
		f.Clock.Advance(3 * time.Minute)
		stats, err := s.RunOnce(f.Ctx)
		require.NoError(t, err)
		assert.Equal(t, Stats{Recovered: 1}, stats)

		got := f.Get(e.ID)
		assert.Equal(t, models.ExecutionSubmitted, got.ExecutionStatus)
		require.NotNil(t, got.SubmissionHandle)
		assert.Equal(t, 1, sim.Submissions())

		stats, err = s.RunOnce(f.Ctx)
		require.NoError(t, err)
		assert.Equal(t, Stats{}, stats)
	})

	t.Run("reconciliation releases it", func(t *testing.T) {
		stats, err := reconcile.NewWorker(f.Ledger, f.Repo, sim, reconcile.Config{}, nil).RunOnce(f.Ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, stats.Released)
		assert.Equal(t, models.EscrowReleased, f.Get(e.ID).State)
	})
}

func TestTimelockSweepAutoExecutes(t *testing.T) {
	f := escrowtest.New(t, 1, time.Minute)
	sim := chain.NewSimulator()
	x := executor.New(f.Ledger, sim, executor.Config{MaxAttempts: 1}, nil)

	e := f.Payment(10, 0)
	f.Approve(e.ID, 2)
	f.Clock.Advance(time.Minute)

	s := New(f.Ledger, f.Repo, x, Config{AutoExecute: true}, nil)
	stats, err := s.RunOnce(f.Ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Ready: 1, Executed: 1}, stats)
	assert.Equal(t, 1, sim.Submissions())

	got := f.Get(e.ID)
	assert.Equal(t, models.ExecutionSubmitted, got.ExecutionStatus)
	assert.NotNil(t, got.SubmissionHandle)
}
