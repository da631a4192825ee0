// Package sweeper applies the time-driven transitions: expiry of overdue
// escrows, promotion of approved escrows whose timelock has elapsed, and
// resubmission of execution claims that were abandoned mid-submit.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"QuorumVault/internal/escrow"
	"QuorumVault/internal/executor"
	"QuorumVault/internal/models"
	"QuorumVault/internal/repository"
)

type Executor interface {
	Execute(ctx context.Context, escrowID string) (*executor.Result, error)
}

type Config struct {
	Interval  time.Duration
	BatchSize int
	// AutoExecute submits escrows as soon as the sweep marks them ready.
	AutoExecute bool
	// StaleClaim is how old a submitting claim without a handle must be
	// before the sweep drives it through the executor again. It should match
	// the executor's setting.
	StaleClaim time.Duration
}

type Sweeper struct {
	ledger *escrow.Ledger
	repo   repository.Store
	exec   Executor
	cfg    Config
	logger *slog.Logger
}

func New(ledger *escrow.Ledger, repo repository.Store, exec Executor, cfg Config, logger *slog.Logger) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 200
	}
	if cfg.StaleClaim <= 0 {
		cfg.StaleClaim = 2 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{ledger: ledger, repo: repo, exec: exec, cfg: cfg, logger: logger}
}

type Stats struct {
	Expired   int
	Ready     int
	Executed  int
	Recovered int
	Errors    int
}

func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats, err := s.RunOnce(ctx)
			if err != nil && ctx.Err() == nil {
				s.logger.Error("sweep failed",
					"module", "sweeper",
					"operation", "run",
					"outcome", "failure",
					"error", err,
				)
				continue
			}
			if stats.Expired+stats.Ready+stats.Executed+stats.Recovered > 0 {
				s.logger.Info("sweep complete",
					"module", "sweeper",
					"operation", "run",
					"outcome", "success",
					"expired", stats.Expired,
					"ready", stats.Ready,
					"executed", stats.Executed,
					"recovered", stats.Recovered,
				)
			}
		}
	}
}

// RunOnce runs the expiry sweep, the timelock sweep and the stale claim
// recovery, in that order.
func (s *Sweeper) RunOnce(ctx context.Context) (Stats, error) {
	var stats Stats
	if err := s.expire(ctx, &stats); err != nil {
		return stats, err
	}
	if err := s.promote(ctx, &stats); err != nil {
		return stats, err
	}
	if err := s.recoverClaims(ctx, &stats); err != nil {
		return stats, err
	}
	return stats, nil
}

func (s *Sweeper) expire(ctx context.Context, stats *Stats) error {
	due, err := s.repo.ListExpirable(ctx, s.ledger.Now(), s.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("list expirable: %w", err)
	}
	for _, e := range due {
		expired, err := s.ledger.Expire(ctx, e.ID)
		if err != nil {
			stats.Errors++
			s.warn("expire", e.ID, err)
			continue
		}
		if expired {
			stats.Expired++
		}
	}
	return nil
}

func (s *Sweeper) promote(ctx context.Context, stats *Stats) error {
	unlocked, err := s.repo.ListUnlocked(ctx, s.ledger.Now(), s.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("list unlocked: %w", err)
	}
	pending, err := s.repo.ListByState(ctx, models.EscrowPending, s.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("list pending: %w", err)
	}
	candidates := unlocked
	for _, e := range pending {
		if e.Type == models.PolicyCollection && e.FullyPaid() {
			candidates = append(candidates, e)
		}
	}

	for _, e := range candidates {
		_, err := s.ledger.MarkReady(ctx, e.ID)
		switch {
		case err == nil:
			stats.Ready++
		case errors.Is(err, models.ErrTimelockNotElapsed):
			continue
		default:
			stats.Errors++
			s.warn("mark_ready", e.ID, err)
			continue
		}
		if !s.cfg.AutoExecute || s.exec == nil {
			continue
		}
		if _, err := s.exec.Execute(ctx, e.ID); err != nil {
			stats.Errors++
			s.warn("execute", e.ID, err)
			continue
		}
		stats.Executed++
	}
	return nil
}

// recoverClaims resubmits escrows whose submission was claimed but never
// recorded, as happens when the submitting request is cancelled or the
// handle fails to persist. The execution layer deduplicates by escrow id, so
// a submission that did land returns its original handle.
func (s *Sweeper) recoverClaims(ctx context.Context, stats *Stats) error {
	if s.exec == nil {
		return nil
	}
	stale, err := s.repo.ListStaleClaims(ctx, s.ledger.Now().Add(-s.cfg.StaleClaim), s.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("list stale claims: %w", err)
	}
	for _, e := range stale {
		if _, err := s.exec.Execute(ctx, e.ID); err != nil {
			stats.Errors++
			s.warn("recover_claim", e.ID, err)
			continue
		}
		stats.Recovered++
	}
	return nil
}

func (s *Sweeper) warn(op, escrowID string, err error) {
	s.logger.Warn("sweep step failed",
		"module", "sweeper",
		"operation", op,
		"outcome", "failure",
		"escrow_id", escrowID,
		"error", err,
	)
}
