package settlement

import (
	"context"
	"fmt"
	"time"

	"github.com/Michaelmk708/proofcart/internal/chain"
	"github.com/Michaelmk708/proofcart/internal/dispute"
	"github.com/Michaelmk708/proofcart/internal/escrow"
	"github.com/Michaelmk708/proofcart/internal/events"
	"github.com/Michaelmk708/proofcart/internal/faults"
	"github.com/Michaelmk708/proofcart/internal/gateway"
	"github.com/Michaelmk708/proofcart/internal/idgen"
	"github.com/Michaelmk708/proofcart/internal/metrics"
	"github.com/Michaelmk708/proofcart/internal/money"
	"github.com/Michaelmk708/proofcart/internal/order"
	"github.com/Michaelmk708/proofcart/internal/traces"
)

// OpenDisputeRequest is a buyer's or seller's complaint about an order.
type OpenDisputeRequest struct {
	OrderID  string
	OpenerID string
	Reason   string
	Evidence []byte
}

// OpenDispute freezes settlement for an order. Legal while funds sit in
// escrow, in transit, or pending release; at most one active dispute per
// order. The escrow account is locked on chain so no release can land while
// the dispute is open.
func (o *Orchestrator) OpenDispute(ctx context.Context, req OpenDisputeRequest) (*dispute.Dispute, error) {
	if req.Reason == "" {
		return nil, faults.Validationf("dispute reason is required")
	}

	unlock, err := o.locks.LockContext(ctx, req.OrderID)
	if err != nil {
		return nil, err
	}

	ord, err := o.orders.Get(ctx, req.OrderID)
	if err != nil {
		unlock()
		return nil, err
	}
	if ord.BuyerID != req.OpenerID && ord.SellerID != req.OpenerID {
		unlock()
		return nil, ErrNotYourOrder
	}
	if !ord.Status.Disputable() {
		unlock()
		return nil, faults.Conflict("open dispute", string(ord.Status))
	}

	now := time.Now()
	d := &dispute.Dispute{
		ID:        idgen.WithPrefix("dsp_"),
		OrderID:   ord.ID,
		OpenerID:  req.OpenerID,
		Reason:    req.Reason,
		Evidence:  req.Evidence,
		Status:    dispute.StatusOpen,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := o.disputes.Create(ctx, d); err != nil {
		unlock()
		return nil, err
	}
	if _, err := o.orders.UpdateStatus(ctx, ord.ID, ord.Status, order.StatusDisputed, nil); err != nil {
		unlock()
		return nil, err
	}
	rec, err := o.escrows.GetByOrder(ctx, ord.ID)
	if err != nil {
		unlock()
		return nil, err
	}
	unlock()

	// Freeze the escrow. A lock failure does not undo the dispute; the
	// resolver reconciles against the actual chain state anyway.
	err = o.callAdapter(ctx, "chain", func(ctx context.Context) error {
		_, err := o.chain.LockEscrow(ctx, rec.EscrowAddress, req.Reason)
		return err
	})
	if err != nil {
		o.logger.Warn("escrow lock failed, dispute stays open",
			"order_id", ord.ID, "escrow", rec.EscrowAddress, "error", err)
	} else {
		metrics.EscrowOpsTotal.WithLabelValues("lock").Inc()
		rec.Status = escrow.StatusDisputed
		if err := o.escrows.Update(ctx, rec); err != nil {
			o.logger.Error("escrow record update failed after lock",
				"order_id", ord.ID, "error", err)
		}
	}

	metrics.DisputesTotal.WithLabelValues("opened").Inc()
	o.logger.Info("dispute opened", "order_id", ord.ID, "dispute_id", d.ID, "opener", req.OpenerID)
	if err := o.bus.Emit(ctx, events.New(events.DisputeOpened, ord.ID, map[string]any{
		"dispute_id": d.ID,
		"reason":     req.Reason,
	})); err != nil {
		o.logger.Error("event emit failed", "event", events.DisputeOpened, "order_id", ord.ID, "error", err)
	}
	return d, nil
}

// ResolveDisputeRequest is an admin's verdict on a dispute.
type ResolveDisputeRequest struct {
	DisputeID  string
	ResolverID string
	Resolution dispute.Resolution
	Notes      string

	// Split for a PARTIAL resolution, in the order's currency. Must sum
	// to the item amount. Ignored otherwise.
	ReleaseAmount money.Amount
	RefundAmount  money.Amount
}

// ResolveDispute settles a dispute. RELEASE pays the seller as if delivery
// completed, REFUND returns the buyer's money and refunds the escrow on
// chain, PARTIAL splits the item amount across both rails with each
// sub-operation attempted and recorded independently.
//
// The whole resolution runs under the per-order lock, guards included. Two
// concurrent resolutions must serialize so the loser sees the winner's
// terminal state before it can move any funds; a CAS rejection after the
// payout already landed would be a double payment.
func (o *Orchestrator) ResolveDispute(ctx context.Context, req ResolveDisputeRequest) (*order.Order, error) {
	ctx, span := traces.StartSpan(ctx, "settlement.resolve_dispute", traces.DisputeID(req.DisputeID))
	defer span.End()

	admin, err := o.identity.IsAdmin(ctx, req.ResolverID)
	if err != nil {
		return nil, err
	}
	if !admin {
		return nil, faults.Validationf("resolver %s is not an admin", req.ResolverID)
	}

	d, err := o.disputes.Get(ctx, req.DisputeID)
	if err != nil {
		return nil, err
	}

	unlock, err := o.locks.LockContext(ctx, d.OrderID)
	if err != nil {
		return nil, err
	}
	resolveErr := o.resolveLocked(ctx, d.OrderID, req)
	unlock()
	if resolveErr != nil {
		return nil, resolveErr
	}

	if err := o.bus.Emit(ctx, events.New(events.DisputeResolved, d.OrderID, map[string]any{
		"dispute_id": d.ID,
		"resolution": string(req.Resolution),
	})); err != nil {
		o.logger.Error("event emit failed", "event", events.DisputeResolved, "order_id", d.OrderID, "error", err)
	}
	return o.orders.Get(ctx, d.OrderID)
}

// resolveLocked validates the guards and applies the verdict. Caller holds
// the per-order lock; the dispute and the order are re-read under it so a
// resolution that lost the lock race fails its guard instead of re-running.
func (o *Orchestrator) resolveLocked(ctx context.Context, orderID string, req ResolveDisputeRequest) error {
	d, err := o.disputes.Get(ctx, req.DisputeID)
	if err != nil {
		return err
	}
	if !d.Status.Active() {
		return faults.Conflict("resolve dispute", string(d.Status))
	}
	ord, err := o.orders.Get(ctx, orderID)
	if err != nil {
		return err
	}
	if ord.Status != order.StatusDisputed {
		return faults.Conflict("resolve dispute", string(ord.Status))
	}
	if ord.FlagReason != "" {
		return faults.Inconsistent(ord.ID, ord.FlagReason)
	}
	rec, err := o.escrows.GetByOrder(ctx, orderID)
	if err != nil {
		return err
	}

	if err := o.unlockIfLocked(ctx, rec.EscrowAddress); err != nil {
		return err
	}

	switch req.Resolution {
	case dispute.ResolutionRelease:
		return o.resolveRelease(ctx, ord, rec, d, req)
	case dispute.ResolutionRefund:
		return o.resolveRefund(ctx, ord, rec, d, req)
	case dispute.ResolutionPartial:
		return o.resolvePartial(ctx, ord, rec, d, req)
	default:
		return faults.Validationf("unknown resolution %q", req.Resolution)
	}
}

// unlockIfLocked reconciles against the live chain state: a lock that never
// landed needs no unlock, a locked escrow must be thawed before any release
// or refund.
func (o *Orchestrator) unlockIfLocked(ctx context.Context, escrowAddress string) error {
	var state *chain.EscrowState
	err := o.callAdapter(ctx, "chain", func(ctx context.Context) error {
		var err error
		state, err = o.chain.GetStatus(ctx, escrowAddress)
		return err
	})
	if err != nil {
		return err
	}
	if state.Status != chain.StatusLocked {
		return nil
	}
	err = o.callAdapter(ctx, "chain", func(ctx context.Context) error {
		_, err := o.chain.UnlockEscrow(ctx, escrowAddress)
		return err
	})
	if err != nil {
		return err
	}
	metrics.EscrowOpsTotal.WithLabelValues("unlock").Inc()
	return nil
}

// resolveRelease settles in the seller's favor: release the escrow, pay the
// seller the full item amount, complete the order.
func (o *Orchestrator) resolveRelease(ctx context.Context, ord *order.Order, rec *escrow.Record,
	d *dispute.Dispute, req ResolveDisputeRequest) error {

	if err := o.releaseChain(ctx, ord, rec); err != nil {
		return err
	}
	if err := o.disputePayout(ctx, ord, ord.ItemAmount); err != nil {
		return err
	}
	now := time.Now()
	if _, err := o.orders.UpdateStatus(ctx, ord.ID, order.StatusDisputed, order.StatusCompleted,
		func(ord *order.Order) {
			ord.PayoutPending = false
			ord.PayoutCompletedAt = &now
		}); err != nil {
		return err
	}
	metrics.DisputesTotal.WithLabelValues("release").Inc()
	return o.closeDispute(ctx, d, dispute.StatusResolvedSeller, req)
}

// resolveRefund settles in the buyer's favor: refund the escrow on chain and
// the payment on the gateway. No payout is issued and stock is not restored,
// the goods are presumed shipped or compromised.
func (o *Orchestrator) resolveRefund(ctx context.Context, ord *order.Order, rec *escrow.Record,
	d *dispute.Dispute, req ResolveDisputeRequest) error {

	var res *chain.TxResult
	err := o.callAdapter(ctx, "chain", func(ctx context.Context) error {
		var err error
		res, err = o.chain.RefundEscrow(ctx, rec.EscrowAddress, ord.ID)
		return err
	})
	if err != nil {
		return err
	}
	metrics.EscrowOpsTotal.WithLabelValues("refund").Inc()

	now := time.Now()
	rec.Status = escrow.StatusRefunded
	rec.ReleaseTxHash = res.TxHash
	rec.ReleasedAt = &now
	if err := o.escrows.Update(ctx, rec); err != nil {
		o.logger.Error("CRITICAL: escrow refunded on chain but record update failed",
			"order_id", ord.ID, "tx", res.TxHash, "error", err)
		return err
	}

	if err := o.refundBuyer(ctx, ord, ord.TotalAmount, req.Notes); err != nil {
		return err
	}

	if _, err := o.orders.UpdateStatus(ctx, ord.ID, order.StatusDisputed, order.StatusRefunded, nil); err != nil {
		return err
	}
	metrics.DisputesTotal.WithLabelValues("refund").Inc()
	metrics.OrdersTotal.WithLabelValues(string(order.StatusRefunded)).Inc()
	return o.closeDispute(ctx, d, dispute.StatusResolvedBuyer, req)
}

// resolvePartial splits the item amount: the seller's share is paid out, the
// buyer's share refunded. Both sub-operations are attempted even if the
// first fails; each outcome is recorded on its own transaction row, and any
// failure flags the order for manual reconciliation instead of guessing a
// combined result.
func (o *Orchestrator) resolvePartial(ctx context.Context, ord *order.Order, rec *escrow.Record,
	d *dispute.Dispute, req ResolveDisputeRequest) error {

	sum, err := req.ReleaseAmount.Add(req.RefundAmount)
	if err != nil {
		return faults.Validationf("partial split: %v", err)
	}
	if cmp, err := sum.Cmp(ord.ItemAmount); err != nil || cmp != 0 {
		return faults.Validationf("partial split %s does not sum to item amount %s",
			sum.String(), ord.ItemAmount.String())
	}
	if !req.ReleaseAmount.IsPositive() || !req.RefundAmount.IsPositive() {
		return faults.Validationf("partial split requires two positive amounts")
	}

	if err := o.releaseChain(ctx, ord, rec); err != nil {
		return err
	}

	payoutErr := o.disputePayout(ctx, ord, req.ReleaseAmount)
	refundErr := o.refundBuyer(ctx, ord, req.RefundAmount, req.Notes)

	if payoutErr != nil || refundErr != nil {
		return o.flagLocked(ctx, ord.ID,
			fmt.Sprintf("partial resolution incomplete: payout=%v refund=%v", payoutErr, refundErr))
	}

	now := time.Now()
	if _, err := o.orders.UpdateStatus(ctx, ord.ID, order.StatusDisputed, order.StatusCompleted,
		func(ord *order.Order) {
			ord.PayoutPending = false
			ord.PayoutCompletedAt = &now
		}); err != nil {
		return err
	}
	metrics.DisputesTotal.WithLabelValues("partial").Inc()
	return o.closeDispute(ctx, d, dispute.StatusClosed, req)
}

// releaseChain releases the escrow for a dispute resolution, adopting an
// already-released account the same way the normal flow does.
func (o *Orchestrator) releaseChain(ctx context.Context, ord *order.Order, rec *escrow.Record) error {
	var state *chain.EscrowState
	err := o.callAdapter(ctx, "chain", func(ctx context.Context) error {
		var err error
		state, err = o.chain.GetStatus(ctx, rec.EscrowAddress)
		return err
	})
	if err != nil {
		return err
	}

	switch state.Status {
	case chain.StatusHeld:
		var res *chain.TxResult
		err = o.callAdapter(ctx, "chain", func(ctx context.Context) error {
			var err error
			res, err = o.chain.ReleaseEscrow(ctx, rec.EscrowAddress, ord.ID)
			return err
		})
		if err != nil {
			return err
		}
		now := time.Now()
		rec.Status = escrow.StatusReleased
		rec.ReleaseTxHash = res.TxHash
		rec.ReleasedAt = &now
		if err := o.escrows.Update(ctx, rec); err != nil {
			o.logger.Error("CRITICAL: escrow released on chain but record update failed",
				"order_id", ord.ID, "tx", res.TxHash, "error", err)
			return err
		}
		ord.EscrowReleaseTxHash = res.TxHash
		ord.EscrowReleasedAt = &now
		if err := o.orders.Update(ctx, ord); err != nil {
			return err
		}
		metrics.EscrowOpsTotal.WithLabelValues("release").Inc()
		return nil

	case chain.StatusReleased:
		return nil

	default:
		return o.flagLocked(ctx, ord.ID,
			fmt.Sprintf("escrow %s is %s on chain, expected HELD", rec.EscrowAddress, state.Status))
	}
}

// disputePayout pays the seller an amount decided by a resolution and
// records it as its own transaction.
func (o *Orchestrator) disputePayout(ctx context.Context, ord *order.Order, amount money.Amount) error {
	seller, err := o.identity.Get(ctx, ord.SellerID)
	if err != nil {
		return err
	}
	var payout *gateway.Payout
	err = o.callAdapter(ctx, "gateway", func(ctx context.Context) error {
		var err error
		payout, err = o.gateway.CreatePayout(ctx, gateway.PayoutRequest{
			Amount:        amount,
			Destination:   seller.Phone,
			AccountKind:   o.cfg.PayoutKind,
			RecipientName: seller.Email,
			Memo:          ord.TransactionReference,
		})
		return err
	})
	if err != nil {
		return err
	}
	now := time.Now()
	return o.txs.CreateTransaction(ctx, &order.PaymentTransaction{
		ID:          idgen.WithPrefix("tx_"),
		OrderID:     ord.ID,
		Type:        order.TxPayout,
		Status:      order.TxCompleted,
		ExternalID:  payout.PayoutID,
		Amount:      amount,
		CreatedAt:   now,
		CompletedAt: &now,
	})
}

// refundBuyer pushes money back through the gateway and records it as its
// own transaction.
func (o *Orchestrator) refundBuyer(ctx context.Context, ord *order.Order, amount money.Amount, reason string) error {
	if !o.gateway.Capabilities().Refunds {
		return faults.Rejected("gateway", "processor does not support refunds", nil)
	}
	var refund *gateway.Refund
	err := o.callAdapter(ctx, "gateway", func(ctx context.Context) error {
		var err error
		refund, err = o.gateway.InitiateRefund(ctx, ord.GatewayPaymentID, amount, reason)
		return err
	})
	if err != nil {
		return err
	}
	now := time.Now()
	return o.txs.CreateTransaction(ctx, &order.PaymentTransaction{
		ID:          idgen.WithPrefix("tx_"),
		OrderID:     ord.ID,
		Type:        order.TxRefund,
		Status:      order.TxCompleted,
		ExternalID:  refund.RefundID,
		Amount:      amount,
		CreatedAt:   now,
		CompletedAt: &now,
	})
}

func (o *Orchestrator) closeDispute(ctx context.Context, d *dispute.Dispute,
	status dispute.Status, req ResolveDisputeRequest) error {

	now := time.Now()
	d.Status = status
	d.Resolution = req.Resolution
	d.ResolutionNotes = req.Notes
	d.ResolverID = req.ResolverID
	d.ResolvedAt = &now
	d.UpdatedAt = now
	if req.Resolution == dispute.ResolutionPartial {
		d.ReleaseAmount = req.ReleaseAmount
		d.RefundAmount = req.RefundAmount
	}
	if err := o.disputes.Update(ctx, d); err != nil {
		return err
	}
	o.logger.Info("dispute resolved",
		"dispute_id", d.ID, "order_id", d.OrderID,
		"resolution", string(req.Resolution), "resolver", req.ResolverID)
	return nil
}
