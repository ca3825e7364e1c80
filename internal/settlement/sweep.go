package settlement

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/Michaelmk708/proofcart/internal/chain"
	"github.com/Michaelmk708/proofcart/internal/escrow"
	"github.com/Michaelmk708/proofcart/internal/faults"
	"github.com/Michaelmk708/proofcart/internal/metrics"
	"github.com/Michaelmk708/proofcart/internal/order"
)

const sweepBatchSize = 50

// Sweep periodically re-drives stuck orders through the same transition
// functions the live path uses, and flags orders whose stored escrow state
// disagrees with the chain.
type Sweep struct {
	orch       *Orchestrator
	interval   time.Duration
	stuckAfter time.Duration
	logger     *slog.Logger
	stop       chan struct{}
	running    atomic.Bool
}

// NewSweep creates the reconciliation sweep. Orders untouched for stuckAfter
// are re-driven every interval.
func NewSweep(orch *Orchestrator, interval, stuckAfter time.Duration, logger *slog.Logger) *Sweep {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweep{
		orch:       orch,
		interval:   interval,
		stuckAfter: stuckAfter,
		logger:     logger,
		stop:       make(chan struct{}),
	}
}

// Running reports whether the sweep loop is actively running.
func (s *Sweep) Running() bool {
	return s.running.Load()
}

// Start begins the periodic sweep loop. Call in a goroutine.
func (s *Sweep) Start(ctx context.Context) {
	s.running.Store(true)
	defer s.running.Store(false)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.safeRun(ctx)
		}
	}
}

// Stop signals the sweep to stop.
func (s *Sweep) Stop() {
	select {
	case s.stop <- struct{}{}:
	default:
	}
}

func (s *Sweep) safeRun(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in settlement sweep", "panic", fmt.Sprint(r))
			metrics.SweepRunsTotal.WithLabelValues("panic").Inc()
		}
	}()

	if err := s.RunOnce(ctx); err != nil {
		s.logger.Warn("sweep run failed", "error", err)
		metrics.SweepRunsTotal.WithLabelValues("error").Inc()
		return
	}
	metrics.SweepRunsTotal.WithLabelValues("ok").Inc()
}

// RunOnce performs a single sweep pass over every recoverable status.
func (s *Sweep) RunOnce(ctx context.Context) error {
	before := time.Now().Add(-s.stuckAfter)

	if err := s.sweepStatus(ctx, order.StatusPaymentPending, before, s.redrivePayment); err != nil {
		return err
	}
	if err := s.sweepStatus(ctx, order.StatusPaymentReceived, before, s.redriveEscrow); err != nil {
		return err
	}
	if err := s.sweepStatus(ctx, order.StatusPendingRelease, before, s.redriveRelease); err != nil {
		return err
	}
	if err := s.sweepStatus(ctx, order.StatusFundsInEscrow, before, s.auditEscrow); err != nil {
		return err
	}
	return s.sweepStatus(ctx, order.StatusInTransit, before, s.auditEscrow)
}

func (s *Sweep) sweepStatus(ctx context.Context, status order.Status, before time.Time,
	redrive func(context.Context, *order.Order) error) error {

	stuck, err := s.orch.orders.ListStuck(ctx, status, before, sweepBatchSize)
	if err != nil {
		return err
	}
	for _, ord := range stuck {
		if err := redrive(ctx, ord); err != nil {
			// One stuck order never blocks the rest of the batch.
			s.logger.Warn("sweep redrive failed",
				"order_id", ord.ID, "status", string(ord.Status), "error", err)
		}
	}
	return nil
}

func (s *Sweep) redrivePayment(ctx context.Context, ord *order.Order) error {
	s.logger.Info("sweep: reconciling stale payment", "order_id", ord.ID)
	return s.orch.reconcilePayment(ctx, ord)
}

func (s *Sweep) redriveEscrow(ctx context.Context, ord *order.Order) error {
	s.logger.Info("sweep: retrying escrow creation", "order_id", ord.ID)
	return s.orch.CreateEscrowForOrder(ctx, ord.ID)
}

func (s *Sweep) redriveRelease(ctx context.Context, ord *order.Order) error {
	s.logger.Info("sweep: retrying release and payout", "order_id", ord.ID)
	return s.orch.ReleaseAndPayout(ctx, ord.ID)
}

// auditEscrow compares the stored escrow record with the chain. Funds that
// moved on chain while the order still thinks they are held mean some actor
// bypassed the orchestrator; the order is flagged, never auto-advanced.
func (s *Sweep) auditEscrow(ctx context.Context, ord *order.Order) error {
	rec, err := s.orch.escrows.GetByOrder(ctx, ord.ID)
	if err != nil {
		return err
	}

	var state *chain.EscrowState
	err = s.orch.callAdapter(ctx, "chain", func(ctx context.Context) error {
		var err error
		state, err = s.orch.chain.GetStatus(ctx, rec.EscrowAddress)
		return err
	})
	if err != nil {
		if faults.IsRetryable(err) {
			return nil // chain unreachable, audit next pass
		}
		return err
	}

	if mismatch := auditMismatch(rec.Status, state.Status); mismatch != "" {
		return s.orch.flagOrder(ctx, ord.ID, fmt.Sprintf(
			"escrow %s: record says %s, chain says %s (%s)",
			rec.EscrowAddress, rec.Status, state.Status, mismatch))
	}
	return nil
}

// auditMismatch reports why a record/chain status pair is inconsistent, or
// "" when the pair is expected.
func auditMismatch(recorded escrow.Status, onChain chain.EscrowStatus) string {
	switch recorded {
	case escrow.StatusHeld, escrow.StatusCreated:
		if onChain == chain.StatusReleased || onChain == chain.StatusRefunded {
			return "funds moved outside the orchestrator"
		}
	case escrow.StatusDisputed:
		if onChain == chain.StatusReleased || onChain == chain.StatusRefunded {
			return "funds moved while disputed"
		}
	}
	return ""
}
