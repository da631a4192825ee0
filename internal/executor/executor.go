// Package executor submits ready escrows to the execution layer.
package executor

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"QuorumVault/internal/chain"
	"QuorumVault/internal/escrow"
	"QuorumVault/internal/models"
)

type Config struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	// StaleClaim is how long a submitting claim is honoured before another
	// caller may take it over.
	StaleClaim time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 200 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 10 * time.Second
	}
	if c.StaleClaim <= 0 {
		c.StaleClaim = 2 * time.Minute
	}
	return c
}

type Executor struct {
	ledger *escrow.Ledger
	client chain.Client
	cfg    Config
	logger *slog.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

func New(ledger *escrow.Ledger, client chain.Client, cfg Config, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		ledger: ledger,
		client: client,
		cfg:    cfg.withDefaults(),
		logger: logger,
		sleep:  sleepCtx,
	}
}

type Result struct {
	Handle   string         `json:"handle"`
	TxHash   string         `json:"tx_hash,omitempty"`
	Replayed bool           `json:"replayed"`
	Escrow   *models.Escrow `json:"escrow,omitempty"`
}

// Execute submits escrowID once. Calling it again after a successful
// submission returns the stored handle without contacting the execution
// layer. Transient failures are retried with exponential backoff; when the
// attempts run out the escrow stays ready with its failure recorded.
func (x *Executor) Execute(ctx context.Context, escrowID string) (*Result, error) {
	claim, err := x.ledger.ClaimExecution(ctx, escrowID, x.cfg.StaleClaim)
	if err != nil {
		return nil, err
	}
	if claim.Existing != nil {
		res := &Result{Handle: *claim.Existing, Replayed: true, Escrow: claim.Escrow}
		if claim.Escrow.TxHash != nil {
			res.TxHash = *claim.Escrow.TxHash
		}
		return res, nil
	}

	req := buildRequest(claim)
	// Outcomes must be recorded even if the caller goes away.
	persistCtx := context.WithoutCancel(ctx)

	var lastErr error
	for attempt := 1; attempt <= x.cfg.MaxAttempts; attempt++ {
		sub, err := x.client.SubmitExecution(ctx, req)
		if err == nil {
			e, rerr := x.ledger.RecordSubmission(persistCtx, escrowID, sub.Handle, sub.TxHash, attempt)
			if rerr != nil {
				return nil, rerr
			}
			x.logger.Info("escrow submitted",
				"module", "executor",
				"operation", "execute",
				"outcome", "success",
				"escrow_id", escrowID,
				"handle", sub.Handle,
				"attempts", attempt,
			)
			return &Result{Handle: sub.Handle, TxHash: sub.TxHash, Escrow: e}, nil
		}

		lastErr = err
		if errors.Is(err, chain.ErrRejected) {
			return nil, x.fail(persistCtx, escrowID, attempt, err)
		}
		if ctx.Err() != nil {
			// The claim stays in submitting; a later call takes it over once
			// stale and the execution layer deduplicates by escrow id.
			return nil, models.Unavailablef(ctx.Err(), "execution interrupted")
		}
		x.logger.Warn("escrow submission failed",
			"module", "executor",
			"operation", "execute",
			"outcome", "retry",
			"escrow_id", escrowID,
			"attempt", attempt,
			"error", err,
		)
		if attempt == x.cfg.MaxAttempts {
			break
		}
		if err := x.sleep(ctx, x.backoff(attempt)); err != nil {
			return nil, models.Unavailablef(err, "execution interrupted")
		}
	}
	return nil, x.fail(persistCtx, escrowID, x.cfg.MaxAttempts, lastErr)
}

func (x *Executor) fail(ctx context.Context, escrowID string, attempts int, cause error) error {
	e, err := x.ledger.Finalize(ctx, escrowID, escrow.Outcome{
		Kind:     escrow.OutcomeTransient,
		Reason:   cause.Error(),
		Attempts: attempts,
	})
	if err != nil {
		return err
	}
	return &models.Error{
		Kind:     models.KindExecutionFailed,
		Message:  "execution failed",
		EscrowID: e.ID,
		PolicyID: e.PolicyID,
		Err:      cause,
	}
}

func (x *Executor) backoff(attempt int) time.Duration {
	d := x.cfg.BaseBackoff << (attempt - 1)
	if d <= 0 || d > x.cfg.MaxBackoff {
		return x.cfg.MaxBackoff
	}
	return d
}

func buildRequest(c *escrow.Claim) chain.ExecutionRequest {
	e := c.Escrow
	approvers := make([]string, 0, len(c.Approvals))
	for _, a := range c.Approvals {
		approvers = append(approvers, a.ApproverAddress)
	}
	amount := e.TotalAmount
	if e.Type == models.PolicyCollection {
		amount = e.CollectedAmount
	}
	return chain.ExecutionRequest{
		EscrowID:       e.ID,
		VaultID:        e.VaultID,
		PolicyID:       e.PolicyID,
		Type:           e.Type,
		Recipient:      e.Recipient,
		Amount:         amount,
		ApprovedWeight: e.ApprovedWeight,
		Approvers:      approvers,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
