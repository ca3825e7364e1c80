// Package settlement is the order settlement orchestrator: the only writer
// of Order.status.
//
// Flow:
//  1. Checkout reserves stock, creates the order, and asks the gateway for
//     a payment link
//  2. The gateway webhook confirms or fails the payment
//  3. A confirmed payment triggers escrow creation on chain
//  4. Shipping and delivery confirmation move the order toward release
//  5. Release moves escrow funds to the seller and pays out via the gateway
//
// Every transition is a compare-and-swap on the stored status. Live-path
// external calls happen with the per-order lock released, so a timed-out
// adapter call never pins the order; dispute resolution is the exception and
// holds the lock end to end, since it moves funds on both rails and a lost
// race there pays twice. The reconciliation sweep re-drives exactly these
// functions for stuck orders.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Michaelmk708/proofcart/internal/catalog"
	"github.com/Michaelmk708/proofcart/internal/chain"
	"github.com/Michaelmk708/proofcart/internal/circuitbreaker"
	"github.com/Michaelmk708/proofcart/internal/dispute"
	"github.com/Michaelmk708/proofcart/internal/escrow"
	"github.com/Michaelmk708/proofcart/internal/events"
	"github.com/Michaelmk708/proofcart/internal/faults"
	"github.com/Michaelmk708/proofcart/internal/gateway"
	"github.com/Michaelmk708/proofcart/internal/identity"
	"github.com/Michaelmk708/proofcart/internal/idgen"
	"github.com/Michaelmk708/proofcart/internal/metrics"
	"github.com/Michaelmk708/proofcart/internal/money"
	"github.com/Michaelmk708/proofcart/internal/order"
	"github.com/Michaelmk708/proofcart/internal/pagination"
	"github.com/Michaelmk708/proofcart/internal/retry"
	"github.com/Michaelmk708/proofcart/internal/syncutil"
	"github.com/Michaelmk708/proofcart/internal/traces"
)

var (
	ErrUnknownReference = errors.New("unknown transaction reference")
	ErrNotYourOrder     = errors.New("order does not belong to caller")
)

const (
	adapterRetries   = 3
	adapterBaseDelay = 500 * time.Millisecond
	adapterTimeout   = 30 * time.Second
)

// Config carries the settlement policy knobs.
type Config struct {
	Currency         string
	ShippingFeeUnits int64 // flat, minor units
	EscrowFeePercent int64 // percent of the item amount
	RedirectURL      string
	WebhookURL       string
	PayoutKind       gateway.AccountKind
}

// Orchestrator drives the order state machine.
type Orchestrator struct {
	cfg      Config
	orders   order.Store
	txs      order.TxStore
	escrows  escrow.Store
	disputes dispute.Store
	catalog  *catalog.Service
	identity *identity.Service
	gateway  gateway.Gateway
	chain    chain.Chain
	bus      *events.Bus
	locks    *syncutil.ContextShardedMutex
	breaker  *circuitbreaker.Breaker
	logger   *slog.Logger
}

// New creates the orchestrator and wires its event handlers: a confirmed
// payment triggers escrow creation, a confirmed delivery triggers release.
func New(cfg Config, orders order.Store, txs order.TxStore, escrows escrow.Store,
	disputes dispute.Store, cat *catalog.Service, ident *identity.Service,
	gw gateway.Gateway, ch chain.Chain, bus *events.Bus, logger *slog.Logger) *Orchestrator {

	if logger == nil {
		logger = slog.Default()
	}
	o := &Orchestrator{
		cfg:      cfg,
		orders:   orders,
		txs:      txs,
		escrows:  escrows,
		disputes: disputes,
		catalog:  cat,
		identity: ident,
		gateway:  gw,
		chain:    ch,
		bus:      bus,
		locks:    syncutil.NewContextShardedMutex(),
		breaker:  circuitbreaker.New(5, 30*time.Second),
		logger:   logger,
	}

	bus.Subscribe(events.PaymentConfirmed, func(ctx context.Context, e *events.Event) error {
		return o.CreateEscrowForOrder(ctx, e.OrderID)
	})
	bus.Subscribe(events.DeliveryConfirmed, func(ctx context.Context, e *events.Event) error {
		return o.ReleaseAndPayout(ctx, e.OrderID)
	})

	return o
}

// CheckoutRequest is a buyer's purchase intent.
type CheckoutRequest struct {
	BuyerID         string
	ProductID       string
	Quantity        int64
	ShippingAddress string
	BuyerPhone      string
	BuyerEmail      string
}

// Checkout reserves stock, creates the order with its fixed monetary
// breakdown, and obtains a payment link. The order waits in PAYMENT_PENDING
// until the gateway webhook arrives.
func (o *Orchestrator) Checkout(ctx context.Context, req CheckoutRequest) (*order.Order, error) {
	ctx, span := traces.StartSpan(ctx, "settlement.checkout")
	defer span.End()

	if req.Quantity <= 0 {
		return nil, faults.Validationf("quantity must be positive, got %d", req.Quantity)
	}
	if req.ShippingAddress == "" {
		return nil, faults.Validationf("shipping address is required")
	}

	product, err := o.catalog.Get(ctx, req.ProductID)
	if err != nil {
		return nil, err
	}
	if !product.Verified || !product.Active {
		return nil, catalog.ErrUnverified
	}
	buyer, err := o.identity.Get(ctx, req.BuyerID)
	if err != nil {
		return nil, err
	}

	itemAmount := product.Price.MulInt(req.Quantity)
	shippingFee := money.New(o.cfg.ShippingFeeUnits, itemAmount.Currency)
	escrowFee := itemAmount.PercentOf(o.cfg.EscrowFeePercent)
	total, err := itemAmount.Add(shippingFee)
	if err != nil {
		return nil, err
	}
	total, err = total.Add(escrowFee)
	if err != nil {
		return nil, err
	}

	// Stock is reserved before anything else and handed back on every
	// failure path below.
	if err := o.catalog.ReserveStock(ctx, product.ID, req.Quantity); err != nil {
		return nil, err
	}

	now := time.Now()
	ord := &order.Order{
		ID:                   idgen.New(),
		TransactionReference: newReference(),
		BuyerID:              buyer.ID,
		SellerID:             product.SellerID,
		ProductID:            product.ID,
		Quantity:             req.Quantity,
		ItemAmount:           itemAmount,
		ShippingFee:          shippingFee,
		EscrowFee:            escrowFee,
		TotalAmount:          total,
		Currency:             total.Currency,
		ShippingAddress:      req.ShippingAddress,
		BuyerPhone:           req.BuyerPhone,
		BuyerEmail:           req.BuyerEmail,
		Status:               order.StatusPaymentPending,
		VerificationSerial:   product.SerialNumber,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if err := ord.CheckTotals(); err != nil {
		o.releaseStock(ctx, product.ID, req.Quantity)
		return nil, err
	}
	if err := o.orders.Create(ctx, ord); err != nil {
		o.releaseStock(ctx, product.ID, req.Quantity)
		return nil, err
	}

	intent, err := o.createPaymentRequest(ctx, ord)
	if err != nil {
		// The order never left PAYMENT_PENDING; cancel it and hand the
		// stock back.
		o.releaseStock(ctx, product.ID, req.Quantity)
		if _, casErr := o.orders.UpdateStatus(ctx, ord.ID, order.StatusPaymentPending, order.StatusCancelled, nil); casErr != nil {
			o.logger.Error("CRITICAL: gateway init failed and cancel failed, order stranded",
				"order_id", ord.ID, "error", casErr)
		}
		metrics.OrdersTotal.WithLabelValues(string(order.StatusCancelled)).Inc()
		return nil, err
	}

	ord.GatewayPaymentID = intent.PaymentID
	ord.GatewayPaymentLink = intent.PaymentLink
	if err := o.orders.Update(ctx, ord); err != nil {
		return nil, err
	}
	if err := o.txs.CreateTransaction(ctx, &order.PaymentTransaction{
		ID:         idgen.WithPrefix("tx_"),
		OrderID:    ord.ID,
		Type:       order.TxPayment,
		Status:     order.TxPending,
		ExternalID: intent.PaymentID,
		Amount:     total,
		CreatedAt:  time.Now(),
	}); err != nil {
		return nil, err
	}

	metrics.OrdersTotal.WithLabelValues(string(order.StatusPaymentPending)).Inc()
	o.logger.Info("order created",
		"order_id", ord.ID, "reference", ord.TransactionReference,
		"total", total.String(), "payment_id", intent.PaymentID)
	return ord, nil
}

func (o *Orchestrator) createPaymentRequest(ctx context.Context, ord *order.Order) (*gateway.PaymentIntent, error) {
	var intent *gateway.PaymentIntent
	err := o.callAdapter(ctx, "gateway", func(ctx context.Context) error {
		var err error
		intent, err = o.gateway.CreatePaymentRequest(ctx, gateway.PaymentRequest{
			Amount:      ord.TotalAmount,
			PayerEmail:  ord.BuyerEmail,
			PayerPhone:  ord.BuyerPhone,
			Reference:   ord.TransactionReference,
			RedirectURL: o.cfg.RedirectURL,
			WebhookURL:  o.cfg.WebhookURL,
		})
		return err
	})
	return intent, err
}

// HandleWebhook processes one gateway delivery. Safe under duplicate and
// concurrent delivery: the transition is idempotent on the payment
// transaction's status, not on receipt count.
func (o *Orchestrator) HandleWebhook(ctx context.Context, raw []byte, signature string) error {
	event, err := o.gateway.VerifyWebhook(raw, signature)
	if err != nil {
		return err
	}

	ctx, span := traces.StartSpan(ctx, "settlement.webhook", traces.Reference(event.Reference))
	defer span.End()

	ord, err := o.orders.GetByReference(ctx, event.Reference)
	if err != nil {
		if errors.Is(err, order.ErrNotFound) {
			return ErrUnknownReference
		}
		return err
	}

	unlock, err := o.locks.LockContext(ctx, ord.ID)
	if err != nil {
		return err
	}
	emit, err := o.applyPaymentState(ctx, ord.ID, event.ExternalID, event.State, event.Raw)
	unlock()
	if err != nil {
		return err
	}
	for _, e := range emit {
		if err := o.bus.Emit(ctx, e); err != nil {
			o.logger.Error("event emit failed", "event", e.Type, "order_id", e.OrderID, "error", err)
		}
	}
	return nil
}

// applyPaymentState advances the payment transaction and the order for a
// reported gateway state. Caller holds the per-order lock. Returned events
// must be emitted after the lock is released.
func (o *Orchestrator) applyPaymentState(ctx context.Context, orderID, externalID string,
	state gateway.PaymentState, raw []byte) ([]*events.Event, error) {

	tx, err := o.txs.GetTransactionByExternalID(ctx, externalID)
	if err != nil {
		if errors.Is(err, order.ErrTxNotFound) {
			return nil, ErrUnknownReference
		}
		return nil, err
	}
	if tx.OrderID != orderID {
		return nil, faults.Validationf("payment %s does not belong to order %s", externalID, orderID)
	}
	if tx.Status.Final() {
		// Replay. Already settled, nothing to do.
		o.logger.Info("webhook replay ignored", "order_id", orderID, "external_id", externalID)
		return nil, nil
	}

	switch state {
	case gateway.StateComplete:
		now := time.Now()
		if err := o.txs.AdvanceTransaction(ctx, tx.ID, order.TxCompleted, raw, &now); err != nil {
			return nil, err
		}
		updated, err := o.orders.UpdateStatus(ctx, orderID, order.StatusPaymentPending, order.StatusPaymentReceived,
			func(ord *order.Order) { ord.PaymentCompletedAt = &now })
		if err != nil {
			if errors.Is(err, order.ErrStatusConflict) {
				// Another delivery won the race; this one is a no-op.
				return nil, nil
			}
			return nil, err
		}
		metrics.TransitionsTotal.WithLabelValues(string(order.StatusPaymentPending), string(order.StatusPaymentReceived)).Inc()
		o.logger.Info("payment confirmed", "order_id", orderID, "reference", updated.TransactionReference)
		return []*events.Event{events.New(events.PaymentConfirmed, orderID, map[string]any{
			"external_id": externalID,
		})}, nil

	case gateway.StateFailed, gateway.StateCancelled:
		txStatus := order.TxFailed
		ordStatus := order.StatusPaymentFailed
		if state == gateway.StateCancelled {
			txStatus = order.TxCancelled
			ordStatus = order.StatusCancelled
		}
		now := time.Now()
		if err := o.txs.AdvanceTransaction(ctx, tx.ID, txStatus, raw, &now); err != nil {
			return nil, err
		}
		updated, err := o.orders.UpdateStatus(ctx, orderID, order.StatusPaymentPending, ordStatus, nil)
		if err != nil {
			if errors.Is(err, order.ErrStatusConflict) {
				return nil, nil
			}
			return nil, err
		}
		// The payment never happened; the reservation goes back.
		o.releaseStock(ctx, updated.ProductID, updated.Quantity)
		metrics.TransitionsTotal.WithLabelValues(string(order.StatusPaymentPending), string(ordStatus)).Inc()
		o.logger.Info("payment did not complete", "order_id", orderID, "state", string(state))
		return []*events.Event{events.New(events.PaymentFailed, orderID, map[string]any{
			"state": string(state),
		})}, nil

	default:
		// Still processing. Keep the raw payload for the audit trail.
		return nil, o.txs.AdvanceTransaction(ctx, tx.ID, order.TxProcessing, raw, nil)
	}
}

// CreateEscrowForOrder locks the buyer's funds on chain for a paid order.
// A failure leaves the order in PAYMENT_RECEIVED; the sweep or a manual
// retry re-drives this same function.
func (o *Orchestrator) CreateEscrowForOrder(ctx context.Context, orderID string) error {
	ctx, span := traces.StartSpan(ctx, "settlement.create_escrow", traces.OrderID(orderID))
	defer span.End()

	unlock, err := o.locks.LockContext(ctx, orderID)
	if err != nil {
		return err
	}
	ord, err := o.orders.Get(ctx, orderID)
	if err != nil {
		unlock()
		return err
	}
	if ord.Status != order.StatusPaymentReceived {
		unlock()
		return faults.Conflict("create escrow", string(ord.Status))
	}
	if ord.FlagReason != "" {
		unlock()
		return faults.Inconsistent(orderID, ord.FlagReason)
	}

	buyerWallet, err := o.identity.WalletAddress(ctx, ord.BuyerID)
	if err != nil {
		unlock()
		return faults.Rejected("chain", fmt.Sprintf("buyer wallet unresolvable: %v", err), err)
	}
	sellerWallet, err := o.identity.WalletAddress(ctx, ord.SellerID)
	if err != nil {
		unlock()
		return faults.Rejected("chain", fmt.Sprintf("seller wallet unresolvable: %v", err), err)
	}
	unlock()

	// Chain round-trip happens without the order lock held.
	var created *chain.CreateResult
	err = o.callAdapter(ctx, "chain", func(ctx context.Context) error {
		var err error
		created, err = o.chain.CreateEscrow(ctx, ord.ID, buyerWallet, sellerWallet, ord.ItemAmount)
		return err
	})
	if err != nil {
		o.logger.Warn("escrow creation failed, order stays retryable",
			"order_id", orderID, "error", err)
		return err
	}

	unlock, err = o.locks.LockContext(ctx, orderID)
	if err != nil {
		o.logger.Error("CRITICAL: escrow created on chain but lock re-acquire failed",
			"order_id", orderID, "escrow", created.EscrowAddress, "error", err)
		return err
	}
	now := time.Now()
	_, err = o.orders.UpdateStatus(ctx, orderID, order.StatusPaymentReceived, order.StatusFundsInEscrow,
		func(ord *order.Order) {
			ord.EscrowAddress = created.EscrowAddress
			ord.EscrowCreateTxHash = created.TxHash
			ord.EscrowCreatedAt = &now
		})
	if err != nil {
		unlock()
		o.logger.Error("CRITICAL: escrow created on chain but order update failed",
			"order_id", orderID, "escrow", created.EscrowAddress, "tx", created.TxHash, "error", err)
		return err
	}
	if err := o.escrows.Create(ctx, &escrow.Record{
		ID:             idgen.WithPrefix("esc_"),
		OrderID:        ord.ID,
		Blockchain:     o.chain.Capabilities().Blockchain,
		EscrowAddress:  created.EscrowAddress,
		CreationTxHash: created.TxHash,
		BuyerWallet:    buyerWallet,
		SellerWallet:   sellerWallet,
		Amount:         ord.ItemAmount,
		Status:         escrow.StatusHeld,
		CreatedAt:      now,
		UpdatedAt:      now,
	}); err != nil {
		unlock()
		o.logger.Error("CRITICAL: escrow created on chain but record insert failed",
			"order_id", orderID, "escrow", created.EscrowAddress, "error", err)
		return err
	}
	unlock()

	metrics.TransitionsTotal.WithLabelValues(string(order.StatusPaymentReceived), string(order.StatusFundsInEscrow)).Inc()
	o.logger.Info("escrow created",
		"order_id", orderID, "escrow", created.EscrowAddress, "tx", created.TxHash)
	return o.bus.Emit(ctx, events.New(events.EscrowCreated, orderID, map[string]any{
		"escrow_address": created.EscrowAddress,
		"tx_hash":        created.TxHash,
	}))
}

// SetShipping records the tracking number and moves the order in transit.
// Seller only; legal only from FUNDS_IN_ESCROW.
func (o *Orchestrator) SetShipping(ctx context.Context, orderID, sellerID, trackingNumber string) (*order.Order, error) {
	if trackingNumber == "" {
		return nil, faults.Validationf("tracking number is required")
	}

	unlock, err := o.locks.LockContext(ctx, orderID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	ord, err := o.orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if ord.SellerID != sellerID {
		return nil, ErrNotYourOrder
	}
	if ord.Status != order.StatusFundsInEscrow {
		return nil, faults.Conflict("mark shipped", string(ord.Status))
	}

	now := time.Now()
	updated, err := o.orders.UpdateStatus(ctx, orderID, order.StatusFundsInEscrow, order.StatusInTransit,
		func(ord *order.Order) {
			ord.TrackingNumber = trackingNumber
			ord.ShippedAt = &now
		})
	if err != nil {
		return nil, err
	}
	metrics.TransitionsTotal.WithLabelValues(string(order.StatusFundsInEscrow), string(order.StatusInTransit)).Inc()
	o.logger.Info("order shipped", "order_id", orderID, "tracking", trackingNumber)

	go o.emitAsync(events.New(events.OrderShipped, orderID, map[string]any{"tracking": trackingNumber}))
	return updated, nil
}

// ConfirmDelivery is the buyer's acknowledgment. Legal only from IN_TRANSIT;
// it moves the order to PENDING_RELEASE and triggers the release sub-flow.
func (o *Orchestrator) ConfirmDelivery(ctx context.Context, orderID, buyerID string) (*order.Order, error) {
	unlock, err := o.locks.LockContext(ctx, orderID)
	if err != nil {
		return nil, err
	}

	ord, err := o.orders.Get(ctx, orderID)
	if err != nil {
		unlock()
		return nil, err
	}
	if ord.BuyerID != buyerID {
		unlock()
		return nil, ErrNotYourOrder
	}
	if ord.Status != order.StatusInTransit {
		unlock()
		return nil, faults.Conflict("confirm delivery", string(ord.Status))
	}

	now := time.Now()
	updated, err := o.orders.UpdateStatus(ctx, orderID, order.StatusInTransit, order.StatusPendingRelease,
		func(ord *order.Order) { ord.DeliveryConfirmedAt = &now })
	unlock()
	if err != nil {
		return nil, err
	}
	metrics.TransitionsTotal.WithLabelValues(string(order.StatusInTransit), string(order.StatusPendingRelease)).Inc()
	o.logger.Info("delivery confirmed", "order_id", orderID)

	// The release sub-flow runs through the event handler so a failure
	// there never turns the buyer's confirmation into an error.
	if err := o.bus.Emit(ctx, events.New(events.DeliveryConfirmed, orderID, nil)); err != nil {
		o.logger.Error("event emit failed", "event", events.DeliveryConfirmed, "order_id", orderID, "error", err)
	}
	return o.orders.Get(ctx, updated.ID)
}

// ReleaseAndPayout finishes a PENDING_RELEASE order: release the escrow on
// chain, then pay the seller through the gateway. Either half can fail
// independently; the order stays in PENDING_RELEASE (with PayoutPending set
// once funds moved on chain) and the sweep re-drives this function.
func (o *Orchestrator) ReleaseAndPayout(ctx context.Context, orderID string) error {
	ctx, span := traces.StartSpan(ctx, "settlement.release_and_payout", traces.OrderID(orderID))
	defer span.End()

	unlock, err := o.locks.LockContext(ctx, orderID)
	if err != nil {
		return err
	}
	ord, err := o.orders.Get(ctx, orderID)
	if err != nil {
		unlock()
		return err
	}
	if ord.Status != order.StatusPendingRelease {
		unlock()
		return faults.Conflict("release escrow", string(ord.Status))
	}
	if ord.FlagReason != "" {
		unlock()
		return faults.Inconsistent(orderID, ord.FlagReason)
	}
	rec, err := o.escrows.GetByOrder(ctx, orderID)
	if err != nil {
		unlock()
		return err
	}
	unlock()

	if !ord.PayoutPending {
		if err := o.releaseEscrow(ctx, ord, rec); err != nil {
			return err
		}
	}
	return o.payoutSeller(ctx, orderID)
}

// releaseEscrow moves the escrowed funds to the seller on chain. The status
// check before release is mandatory: a previous attempt may have released
// and timed out before confirming, and releasing twice is the one bug this
// system must never have.
func (o *Orchestrator) releaseEscrow(ctx context.Context, ord *order.Order, rec *escrow.Record) error {
	var state *chain.EscrowState
	err := o.callAdapter(ctx, "chain", func(ctx context.Context) error {
		var err error
		state, err = o.chain.GetStatus(ctx, rec.EscrowAddress)
		return err
	})
	if err != nil {
		return err
	}

	var releaseTx string
	switch state.Status {
	case chain.StatusHeld:
		var res *chain.TxResult
		err = o.callAdapter(ctx, "chain", func(ctx context.Context) error {
			var err error
			res, err = o.chain.ReleaseEscrow(ctx, rec.EscrowAddress, ord.ID)
			return err
		})
		if err != nil {
			o.logger.Warn("escrow release failed, order stays retryable",
				"order_id", ord.ID, "escrow", rec.EscrowAddress, "error", err)
			return err
		}
		releaseTx = res.TxHash

	case chain.StatusReleased:
		// A previous attempt landed; adopt it instead of re-releasing.
		releaseTx = rec.ReleaseTxHash
		if releaseTx == "" {
			// The prior attempt died before recording its hash. The funds
			// reached the seller, so the order still completes, but the
			// missing hash has to be visible to the operator.
			o.logger.Warn("adopting on-chain release with no recorded tx hash",
				"order_id", ord.ID, "escrow", rec.EscrowAddress)
		} else {
			o.logger.Info("escrow already released on chain, adopting",
				"order_id", ord.ID, "escrow", rec.EscrowAddress, "tx", releaseTx)
		}

	default:
		return o.flagOrder(ctx, ord.ID,
			fmt.Sprintf("escrow %s is %s on chain, expected HELD", rec.EscrowAddress, state.Status))
	}

	unlock, err := o.locks.LockContext(ctx, ord.ID)
	if err != nil {
		o.logger.Error("CRITICAL: escrow released on chain but lock re-acquire failed",
			"order_id", ord.ID, "tx", releaseTx, "error", err)
		return err
	}

	now := time.Now()
	rec.Status = escrow.StatusReleased
	if releaseTx != "" {
		rec.ReleaseTxHash = releaseTx
	}
	rec.ReleasedAt = &now
	if err := o.escrows.Update(ctx, rec); err != nil {
		unlock()
		o.logger.Error("CRITICAL: escrow released on chain but record update failed",
			"order_id", ord.ID, "tx", releaseTx, "error", err)
		return err
	}

	ord, err = o.orders.Get(ctx, ord.ID)
	if err != nil {
		unlock()
		return err
	}
	ord.EscrowReleaseTxHash = rec.ReleaseTxHash
	ord.EscrowReleasedAt = &now
	ord.PayoutPending = true
	if err := o.orders.Update(ctx, ord); err != nil {
		unlock()
		o.logger.Error("CRITICAL: escrow released on chain but order update failed",
			"order_id", ord.ID, "tx", releaseTx, "error", err)
		return err
	}
	unlock()

	metrics.EscrowOpsTotal.WithLabelValues("release").Inc()
	return o.bus.Emit(ctx, events.New(events.EscrowReleased, ord.ID, map[string]any{
		"tx_hash": rec.ReleaseTxHash,
	}))
}

// payoutSeller pays the item amount to the seller. Shipping and escrow fees
// stay with the platform.
func (o *Orchestrator) payoutSeller(ctx context.Context, orderID string) error {
	ord, err := o.orders.Get(ctx, orderID)
	if err != nil {
		return err
	}
	seller, err := o.identity.Get(ctx, ord.SellerID)
	if err != nil {
		return err
	}

	var payout *gateway.Payout
	err = o.callAdapter(ctx, "gateway", func(ctx context.Context) error {
		var err error
		payout, err = o.gateway.CreatePayout(ctx, gateway.PayoutRequest{
			Amount:        ord.ItemAmount,
			Destination:   seller.Phone,
			AccountKind:   o.cfg.PayoutKind,
			RecipientName: seller.Email,
			Memo:          ord.TransactionReference,
		})
		return err
	})
	if err != nil {
		o.logger.Warn("payout failed, sweep will retry", "order_id", orderID, "error", err)
		return err
	}

	if err := o.txs.CreateTransaction(ctx, &order.PaymentTransaction{
		ID:         idgen.WithPrefix("tx_"),
		OrderID:    ord.ID,
		Type:       order.TxPayout,
		Status:     order.TxCompleted,
		ExternalID: payout.PayoutID,
		Amount:     ord.ItemAmount,
		CreatedAt:  time.Now(),
	}); err != nil {
		return err
	}

	unlock, err := o.locks.LockContext(ctx, orderID)
	if err != nil {
		return err
	}
	defer unlock()

	now := time.Now()
	_, err = o.orders.UpdateStatus(ctx, orderID, order.StatusPendingRelease, order.StatusCompleted,
		func(ord *order.Order) {
			ord.PayoutID = payout.PayoutID
			ord.PayoutPending = false
			ord.PayoutCompletedAt = &now
		})
	if err != nil {
		o.logger.Error("CRITICAL: payout issued but order completion failed",
			"order_id", orderID, "payout_id", payout.PayoutID, "error", err)
		return err
	}

	metrics.TransitionsTotal.WithLabelValues(string(order.StatusPendingRelease), string(order.StatusCompleted)).Inc()
	metrics.OrdersTotal.WithLabelValues(string(order.StatusCompleted)).Inc()
	o.logger.Info("order completed", "order_id", orderID, "payout_id", payout.PayoutID)
	return o.bus.Emit(ctx, events.New(events.PayoutCompleted, orderID, map[string]any{
		"payout_id": payout.PayoutID,
	}))
}

// Retry manually re-drives the pending step of a stuck order. It dispatches
// to the same transition functions the live path uses.
func (o *Orchestrator) Retry(ctx context.Context, orderID string) (*order.Order, error) {
	ord, err := o.orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if ord.FlagReason != "" {
		return nil, faults.Inconsistent(orderID, ord.FlagReason)
	}

	switch ord.Status {
	case order.StatusPaymentPending:
		err = o.reconcilePayment(ctx, ord)
	case order.StatusPaymentReceived:
		err = o.CreateEscrowForOrder(ctx, orderID)
	case order.StatusPendingRelease:
		err = o.ReleaseAndPayout(ctx, orderID)
	default:
		return nil, faults.Conflict("retry", string(ord.Status))
	}
	if err != nil {
		return nil, err
	}
	return o.orders.Get(ctx, orderID)
}

// reconcilePayment asks the gateway for the live payment state when the
// webhook never arrived, then applies the same transition the webhook would.
func (o *Orchestrator) reconcilePayment(ctx context.Context, ord *order.Order) error {
	if ord.GatewayPaymentID == "" {
		return faults.Conflict("reconcile payment", string(ord.Status))
	}

	var state gateway.PaymentState
	err := o.callAdapter(ctx, "gateway", func(ctx context.Context) error {
		var err error
		state, err = o.gateway.VerifyPayment(ctx, ord.GatewayPaymentID)
		return err
	})
	if err != nil {
		return err
	}

	unlock, err := o.locks.LockContext(ctx, ord.ID)
	if err != nil {
		return err
	}
	emit, err := o.applyPaymentState(ctx, ord.ID, ord.GatewayPaymentID, state, nil)
	unlock()
	if err != nil {
		return err
	}
	for _, e := range emit {
		if err := o.bus.Emit(ctx, e); err != nil {
			o.logger.Error("event emit failed", "event", e.Type, "order_id", e.OrderID, "error", err)
		}
	}
	return nil
}

// flagOrder marks the order inconsistent and stops automatic transitions.
func (o *Orchestrator) flagOrder(ctx context.Context, orderID, reason string) error {
	unlock, err := o.locks.LockContext(ctx, orderID)
	if err != nil {
		return err
	}
	ferr := o.flagLocked(ctx, orderID, reason)
	unlock()
	return ferr
}

// flagLocked is flagOrder for callers that already hold the per-order lock.
// The locks are not reentrant. The event goes out on its own goroutine so a
// subscriber that re-enters the orchestrator only runs once the lock is free.
func (o *Orchestrator) flagLocked(ctx context.Context, orderID, reason string) error {
	ord, err := o.orders.Get(ctx, orderID)
	if err != nil {
		return err
	}
	ord.FlagReason = reason
	if err := o.orders.Update(ctx, ord); err != nil {
		return err
	}

	metrics.FlaggedOrdersTotal.Inc()
	o.logger.Error("order flagged for manual review", "order_id", orderID, "reason", reason)
	go o.emitAsync(events.New(events.OrderFlagged, orderID, map[string]any{"reason": reason}))
	return faults.Inconsistent(orderID, reason)
}

// GetOrder returns an order with caller scoping: buyers and sellers see
// their own orders, admins see all.
func (o *Orchestrator) GetOrder(ctx context.Context, orderID, callerID string) (*order.Order, error) {
	ord, err := o.orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if ord.BuyerID != callerID && ord.SellerID != callerID {
		admin, err := o.identity.IsAdmin(ctx, callerID)
		if err != nil || !admin {
			return nil, ErrNotYourOrder
		}
	}
	return ord, nil
}

// ListOrders returns one page of the caller's orders for the given role,
// newest first, plus an opaque cursor for the next page.
func (o *Orchestrator) ListOrders(ctx context.Context, callerID string, role order.Role, limit int, cursor string) ([]*order.Order, string, bool, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	orders, err := o.orders.ListByUser(ctx, callerID, role, limit+1, order.WithCursor(cursor))
	if err != nil {
		return nil, "", false, err
	}
	page, next, hasMore := pagination.ComputePage(orders, limit, func(ord *order.Order) (time.Time, string) {
		return ord.CreatedAt, ord.ID
	})
	return page, next, hasMore, nil
}

// Transactions returns the order's payment trail, caller-scoped like GetOrder.
func (o *Orchestrator) Transactions(ctx context.Context, orderID, callerID string) ([]*order.PaymentTransaction, error) {
	if _, err := o.GetOrder(ctx, orderID, callerID); err != nil {
		return nil, err
	}
	return o.txs.ListTransactions(ctx, orderID)
}

// callAdapter wraps an external call with the circuit breaker, a timeout,
// and retry with backoff. Only retryable faults are re-attempted.
func (o *Orchestrator) callAdapter(ctx context.Context, name string, fn func(context.Context) error) error {
	ctx, span := traces.StartSpan(ctx, "adapter."+name, traces.Adapter(name))
	defer span.End()

	if !o.breaker.Allow(name) {
		metrics.AdapterCallsTotal.WithLabelValues(name, "circuit_open").Inc()
		return faults.Unavailable(name, errors.New("circuit breaker open"))
	}

	err := retry.Do(ctx, adapterRetries, adapterBaseDelay, func() error {
		callCtx, cancel := context.WithTimeout(ctx, adapterTimeout)
		defer cancel()

		err := fn(callCtx)
		if err != nil && !faults.IsRetryable(err) {
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil {
		if faults.IsRetryable(err) {
			o.breaker.RecordFailure(name)
		}
		metrics.AdapterCallsTotal.WithLabelValues(name, "error").Inc()
		return err
	}
	o.breaker.RecordSuccess(name)
	metrics.AdapterCallsTotal.WithLabelValues(name, "ok").Inc()
	return nil
}

func (o *Orchestrator) releaseStock(ctx context.Context, productID string, qty int64) {
	if err := o.catalog.ReleaseStock(ctx, productID, qty); err != nil {
		o.logger.Error("CRITICAL: stock release failed, counter is now short",
			"product_id", productID, "qty", qty, "error", err)
	}
}

func (o *Orchestrator) emitAsync(e *events.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := o.bus.Emit(ctx, e); err != nil {
		o.logger.Error("event emit failed", "event", e.Type, "order_id", e.OrderID, "error", err)
	}
}

// newReference generates a human-quotable transaction reference.
func newReference() string {
	return "PC-" + strings.ToUpper(idgen.Hex(6))
}
