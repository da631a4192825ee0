// Package reconcile polls the execution layer for receipts of submitted
// escrows and records their outcomes on the ledger.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"QuorumVault/internal/chain"
	"QuorumVault/internal/escrow"
	"QuorumVault/internal/models"
	"QuorumVault/internal/repository"
)

type Config struct {
	Interval time.Duration
	// AmbiguousAfter is how long a submission may go without a receipt before
	// it is flagged for an operator.
	AmbiguousAfter time.Duration
	BatchSize      int
}

type Worker struct {
	ledger *escrow.Ledger
	repo   repository.Store
	client chain.Client
	cfg    Config
	logger *slog.Logger
}

func NewWorker(ledger *escrow.Ledger, repo repository.Store, client chain.Client, cfg Config, logger *slog.Logger) *Worker {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.AmbiguousAfter <= 0 {
		cfg.AmbiguousAfter = 10 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{ledger: ledger, repo: repo, client: client, cfg: cfg, logger: logger}
}

type Stats struct {
	Checked   int
	Released  int
	Reverted  int
	Ambiguous int
	Errors    int
}

// Run polls until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.RunOnce(ctx); err != nil && ctx.Err() == nil {
				w.logger.Error("reconcile pass failed",
					"module", "reconcile",
					"operation", "run",
					"outcome", "failure",
					"error", err,
				)
			}
		}
	}
}

// RunOnce checks one batch of submitted escrows.
func (w *Worker) RunOnce(ctx context.Context) (Stats, error) {
	var stats Stats
	pending, err := w.repo.ListAwaitingReceipt(ctx, w.cfg.BatchSize)
	if err != nil {
		return stats, fmt.Errorf("list awaiting receipt: %w", err)
	}
	now := w.ledger.Now()
	for _, e := range pending {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		stats.Checked++
		handle := *e.SubmissionHandle

		r, err := w.client.GetReceipt(ctx, handle)
		if err != nil && !errors.Is(err, chain.ErrHandleNotFound) {
			stats.Errors++
			w.logger.Warn("receipt lookup failed",
				"module", "reconcile",
				"operation", "get_receipt",
				"outcome", "failure",
				"escrow_id", e.ID,
				"handle", handle,
				"error", err,
			)
			continue
		}
		if err != nil {
			r = chain.Receipt{Status: chain.ReceiptUnknown, Reason: "handle not found"}
		}

		switch r.Status {
		case chain.ReceiptSuccess:
			_, err = w.ledger.Finalize(ctx, e.ID, escrow.Outcome{
				Kind:          escrow.OutcomeSuccess,
				TxHash:        r.TxHash,
				ChainEscrowID: r.ChainEscrowID,
			})
			if err == nil {
				stats.Released++
			}
		case chain.ReceiptReverted:
			_, err = w.ledger.Finalize(ctx, e.ID, escrow.Outcome{
				Kind:   escrow.OutcomeRevert,
				TxHash: r.TxHash,
				Reason: r.Reason,
			})
			if err == nil {
				stats.Reverted++
			}
		default:
			if e.ExecutionStatus == models.ExecutionAmbiguous ||
				e.SubmittedAt == nil || now.Sub(*e.SubmittedAt) < w.cfg.AmbiguousAfter {
				continue
			}
			reason := fmt.Sprintf("no receipt after %s", now.Sub(*e.SubmittedAt).Round(time.Second))
			if r.Reason != "" {
				reason += ": " + r.Reason
			}
			_, err = w.ledger.FlagAmbiguous(ctx, e.ID, reason)
			if err == nil {
				stats.Ambiguous++
			}
		}
		if err != nil {
			stats.Errors++
			w.logger.Error("record receipt failed",
				"module", "reconcile",
				"operation", "finalize",
				"outcome", "failure",
				"escrow_id", e.ID,
				"receipt_status", r.Status,
				"error", err,
			)
		}
	}
	return stats, nil
}
