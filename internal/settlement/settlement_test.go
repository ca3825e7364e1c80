package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/Michaelmk708/proofcart/internal/catalog"
	"github.com/Michaelmk708/proofcart/internal/chain"
	"github.com/Michaelmk708/proofcart/internal/dispute"
	"github.com/Michaelmk708/proofcart/internal/escrow"
	"github.com/Michaelmk708/proofcart/internal/events"
	"github.com/Michaelmk708/proofcart/internal/faults"
	"github.com/Michaelmk708/proofcart/internal/gateway"
	"github.com/Michaelmk708/proofcart/internal/identity"
	"github.com/Michaelmk708/proofcart/internal/money"
	"github.com/Michaelmk708/proofcart/internal/order"
)

const webhookSecret = "test-webhook-secret"

// flakyChain wraps the simulated chain and fails CreateEscrow a configured
// number of times.
type flakyChain struct {
	*chain.Simulated
	mu        sync.Mutex
	failsLeft int
}

func (f *flakyChain) CreateEscrow(ctx context.Context, orderID, buyerAddr, sellerAddr string, amount money.Amount) (*chain.CreateResult, error) {
	f.mu.Lock()
	fail := f.failsLeft > 0
	if fail {
		f.failsLeft--
	}
	f.mu.Unlock()
	if fail {
		return nil, faults.Unavailable("chain", errors.New("rpc timeout"))
	}
	return f.Simulated.CreateEscrow(ctx, orderID, buyerAddr, sellerAddr, amount)
}

type testEnv struct {
	orch     *Orchestrator
	orders   *order.MemoryStore
	gw       *gateway.Simulated
	ch       *flakyChain
	products *catalog.MemoryStore
	log      *events.MemoryLog
	store    struct {
		escrows  escrow.Store
		disputes dispute.Store
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()
	logger := testLogger()

	orders := order.NewMemoryStore()
	escrows := escrow.NewMemoryStore()
	disputes := dispute.NewMemoryStore()
	products := catalog.NewMemoryStore()
	users := identity.NewMemoryStore()

	now := time.Now()
	if err := products.Create(ctx, &catalog.Product{
		ID:           "prod_1",
		SellerID:     "seller_1",
		Name:         "Signed Vinyl",
		Price:        money.New(50000, "KES"),
		Stock:        5,
		SerialNumber: "SN-0001",
		NFTID:        "nft_1",
		Verified:     true,
		Active:       true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}); err != nil {
		t.Fatalf("seed product: %v", err)
	}
	seed := []*identity.User{
		{ID: "buyer_1", Email: "buyer@example.com", Phone: "+254700000001", WalletAddress: "0xbuyer", CreatedAt: now},
		{ID: "seller_1", Email: "seller@example.com", Phone: "+254700000002", WalletAddress: "0xseller", VerifiedSeller: true, CreatedAt: now},
		{ID: "admin_1", Email: "admin@example.com", Admin: true, CreatedAt: now},
	}
	for _, u := range seed {
		if err := users.Create(ctx, u); err != nil {
			t.Fatalf("seed user %s: %v", u.ID, err)
		}
	}

	gw := gateway.NewSimulated(webhookSecret, "https://pay.test", logger)
	ch := &flakyChain{Simulated: chain.NewSimulated(6, logger)}
	memLog := events.NewMemoryLog()
	bus := events.NewBus(memLog, logger)

	orch := New(Config{
		Currency:         "KES",
		ShippingFeeUnits: 50000,
		EscrowFeePercent: 2,
		RedirectURL:      "https://shop.test/done",
		WebhookURL:       "https://shop.test/payments/webhook",
		PayoutKind:       gateway.AccountMpesa,
	}, orders, orders, escrows, disputes,
		catalog.NewService(products, "https://verify.test"),
		identity.NewService(users),
		gw, ch, bus, logger)

	env := &testEnv{orch: orch, orders: orders, gw: gw, ch: ch, products: products, log: memLog}
	env.store.escrows = escrows
	env.store.disputes = disputes
	return env
}

func (e *testEnv) checkout(t *testing.T) *order.Order {
	t.Helper()
	ord, err := e.orch.Checkout(context.Background(), CheckoutRequest{
		BuyerID:         "buyer_1",
		ProductID:       "prod_1",
		Quantity:        2,
		ShippingAddress: "42 Moi Avenue, Nairobi",
		BuyerPhone:      "+254700000001",
		BuyerEmail:      "buyer@example.com",
	})
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	return ord
}

// deliverWebhook crafts and delivers a signed gateway webhook.
func (e *testEnv) deliverWebhook(t *testing.T, ord *order.Order, state string) error {
	t.Helper()
	raw, err := json.Marshal(map[string]any{
		"id":         "evt_" + ord.ID,
		"invoice_id": ord.GatewayPaymentID,
		"state":      state,
		"api_ref":    ord.TransactionReference,
		"value":      ord.TotalAmount.Units,
		"currency":   ord.TotalAmount.Currency,
	})
	if err != nil {
		t.Fatalf("marshal webhook: %v", err)
	}
	return e.orch.HandleWebhook(context.Background(), raw, e.gw.Sign(raw))
}

func (e *testEnv) mustStatus(t *testing.T, orderID string, want order.Status) *order.Order {
	t.Helper()
	ord, err := e.orders.Get(context.Background(), orderID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if ord.Status != want {
		t.Fatalf("order status = %s, want %s", ord.Status, want)
	}
	return ord
}

func TestFullSettlementFlow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	ord := env.checkout(t)
	if ord.Status != order.StatusPaymentPending {
		t.Fatalf("status after checkout = %s", ord.Status)
	}
	if ord.GatewayPaymentLink == "" {
		t.Fatal("expected a payment link")
	}
	if ord.TotalAmount.Units != 152000 {
		t.Fatalf("total = %d, want 152000", ord.TotalAmount.Units)
	}

	if err := env.deliverWebhook(t, ord, "COMPLETE"); err != nil {
		t.Fatalf("webhook: %v", err)
	}
	// The confirmed payment triggers escrow creation through the bus.
	stored := env.mustStatus(t, ord.ID, order.StatusFundsInEscrow)
	if stored.EscrowAddress == "" {
		t.Fatal("expected an escrow address")
	}
	rec, err := env.store.escrows.GetByOrder(ctx, ord.ID)
	if err != nil {
		t.Fatalf("escrow record: %v", err)
	}
	if rec.Status != escrow.StatusHeld {
		t.Fatalf("escrow record status = %s, want HELD", rec.Status)
	}

	if _, err := env.orch.SetShipping(ctx, ord.ID, "seller_1", "TRACK-99"); err != nil {
		t.Fatalf("set shipping: %v", err)
	}
	env.mustStatus(t, ord.ID, order.StatusInTransit)

	// Delivery confirmation drives release and payout synchronously.
	if _, err := env.orch.ConfirmDelivery(ctx, ord.ID, "buyer_1"); err != nil {
		t.Fatalf("confirm delivery: %v", err)
	}
	done := env.mustStatus(t, ord.ID, order.StatusCompleted)
	if done.PayoutID == "" {
		t.Fatal("expected a payout id")
	}
	if done.PayoutPending {
		t.Fatal("payout should not be pending after completion")
	}

	rec, _ = env.store.escrows.GetByOrder(ctx, ord.ID)
	if rec.Status != escrow.StatusReleased {
		t.Fatalf("escrow record status = %s, want RELEASED", rec.Status)
	}
	state, err := env.ch.GetStatus(ctx, rec.EscrowAddress)
	if err != nil {
		t.Fatalf("chain status: %v", err)
	}
	if state.Status != chain.StatusReleased {
		t.Fatalf("chain status = %s, want RELEASED", state.Status)
	}

	txs, err := env.orders.ListTransactions(ctx, ord.ID)
	if err != nil {
		t.Fatalf("list transactions: %v", err)
	}
	var payouts, payments int
	for _, tx := range txs {
		switch tx.Type {
		case order.TxPayment:
			payments++
		case order.TxPayout:
			payouts++
		}
	}
	if payments != 1 || payouts != 1 {
		t.Fatalf("payments=%d payouts=%d, want 1 and 1", payments, payouts)
	}

	// Every milestone left a trace in the outbox.
	evts, err := env.log.ListByOrder(ctx, ord.ID)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	seen := map[events.Type]bool{}
	for _, e := range evts {
		seen[e.Type] = true
	}
	for _, want := range []events.Type{
		events.PaymentConfirmed, events.EscrowCreated, events.OrderShipped,
		events.DeliveryConfirmed, events.EscrowReleased, events.PayoutCompleted,
	} {
		if !seen[want] {
			t.Errorf("missing %s in outbox", want)
		}
	}
}

func TestWebhookReplayIsIdempotent(t *testing.T) {
	env := newTestEnv(t)

	ord := env.checkout(t)
	if err := env.deliverWebhook(t, ord, "COMPLETE"); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	env.mustStatus(t, ord.ID, order.StatusFundsInEscrow)

	// The gateway redelivers. Nothing changes, no second escrow.
	if err := env.deliverWebhook(t, ord, "COMPLETE"); err != nil {
		t.Fatalf("replay should be a no-op, got %v", err)
	}
	env.mustStatus(t, ord.ID, order.StatusFundsInEscrow)

	evts, _ := env.log.ListByOrder(context.Background(), ord.ID)
	var created int
	for _, e := range evts {
		if e.Type == events.EscrowCreated {
			created++
		}
	}
	if created != 1 {
		t.Fatalf("escrow created %d times, want 1", created)
	}
}

func TestWebhookConcurrentDelivery(t *testing.T) {
	env := newTestEnv(t)
	ord := env.checkout(t)

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = env.deliverWebhook(t, ord, "COMPLETE")
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("delivery %d: %v", i, err)
		}
	}
	env.mustStatus(t, ord.ID, order.StatusFundsInEscrow)
}

func TestWebhookBadSignature(t *testing.T) {
	env := newTestEnv(t)
	ord := env.checkout(t)

	raw := []byte(fmt.Sprintf(`{"id":"e","invoice_id":%q,"state":"COMPLETE","api_ref":%q,"value":1,"currency":"KES"}`,
		ord.GatewayPaymentID, ord.TransactionReference))
	if err := env.orch.HandleWebhook(context.Background(), raw, "deadbeef"); err == nil {
		t.Fatal("expected signature rejection")
	}
	env.mustStatus(t, ord.ID, order.StatusPaymentPending)
}

func TestPaymentFailureReturnsStock(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	ord := env.checkout(t)
	p, _ := env.products.Get(ctx, "prod_1")
	if p.Stock != 3 {
		t.Fatalf("stock after checkout = %d, want 3", p.Stock)
	}

	if err := env.deliverWebhook(t, ord, "FAILED"); err != nil {
		t.Fatalf("webhook: %v", err)
	}
	env.mustStatus(t, ord.ID, order.StatusPaymentFailed)

	p, _ = env.products.Get(ctx, "prod_1")
	if p.Stock != 5 {
		t.Fatalf("stock after failure = %d, want 5", p.Stock)
	}
}

func TestCheckoutConcurrentLastUnit(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// Drain stock down to one unit.
	if err := env.products.ReserveStock(ctx, "prod_1", 4); err != nil {
		t.Fatalf("drain stock: %v", err)
	}

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.orch.Checkout(ctx, CheckoutRequest{
				BuyerID:         "buyer_1",
				ProductID:       "prod_1",
				Quantity:        1,
				ShippingAddress: "somewhere",
			})
		}(i)
	}
	wg.Wait()

	var ok int
	for _, err := range errs {
		if err == nil {
			ok++
		} else if !errors.Is(err, catalog.ErrInsufficientStock) {
			t.Errorf("unexpected error: %v", err)
		}
	}
	if ok != 1 {
		t.Fatalf("%d checkouts succeeded for the last unit, want 1", ok)
	}
}

func TestShippingGuards(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	ord := env.checkout(t)

	// Not escrowed yet.
	_, err := env.orch.SetShipping(ctx, ord.ID, "seller_1", "TRACK-1")
	var conflict *faults.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("want conflict error, got %v", err)
	}
	if conflict.State != string(order.StatusPaymentPending) {
		t.Fatalf("conflict state = %s, want PAYMENT_PENDING", conflict.State)
	}

	if err := env.deliverWebhook(t, ord, "COMPLETE"); err != nil {
		t.Fatal(err)
	}

	// Wrong seller.
	if _, err := env.orch.SetShipping(ctx, ord.ID, "buyer_1", "TRACK-1"); !errors.Is(err, ErrNotYourOrder) {
		t.Fatalf("want ErrNotYourOrder, got %v", err)
	}
	// Wrong buyer confirming a not-yet-shipped order.
	if _, err := env.orch.ConfirmDelivery(ctx, ord.ID, "seller_1"); !errors.Is(err, ErrNotYourOrder) {
		t.Fatalf("want ErrNotYourOrder, got %v", err)
	}
}

func TestConfirmDeliveryBeforeShipmentConflicts(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	ord := env.checkout(t)
	if err := env.deliverWebhook(t, ord, "COMPLETE"); err != nil {
		t.Fatal(err)
	}
	env.mustStatus(t, ord.ID, order.StatusFundsInEscrow)

	// The seller has not shipped; the buyer's confirmation must bounce with
	// the concrete blocking state and leave the order where it was.
	_, err := env.orch.ConfirmDelivery(ctx, ord.ID, "buyer_1")
	var conflict *faults.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("want conflict error, got %v", err)
	}
	if conflict.State != string(order.StatusFundsInEscrow) {
		t.Fatalf("conflict state = %s, want FUNDS_IN_ESCROW", conflict.State)
	}
	env.mustStatus(t, ord.ID, order.StatusFundsInEscrow)
}

func TestReleaseAdoptsChainState(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	ord := env.checkout(t)
	if err := env.deliverWebhook(t, ord, "COMPLETE"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.orch.SetShipping(ctx, ord.ID, "seller_1", "T"); err != nil {
		t.Fatal(err)
	}

	// A previous attempt released on chain but the process died before
	// recording it. The order sits in PENDING_RELEASE.
	stored := env.mustStatus(t, ord.ID, order.StatusInTransit)
	if _, err := env.ch.ReleaseEscrow(ctx, stored.EscrowAddress, ord.ID); err != nil {
		t.Fatalf("out-of-band release: %v", err)
	}

	if _, err := env.orch.ConfirmDelivery(ctx, ord.ID, "buyer_1"); err != nil {
		t.Fatalf("confirm delivery: %v", err)
	}
	// The release path must adopt the released escrow, not call release
	// again: the simulated chain rejects a second release outright.
	done := env.mustStatus(t, ord.ID, order.StatusCompleted)

	// The adopting attempt has no record of which tx moved the funds. It
	// must not invent one; the gap is surfaced in the log instead.
	if done.EscrowReleaseTxHash != "" {
		t.Fatalf("adopted release invented a tx hash: %q", done.EscrowReleaseTxHash)
	}
}

func TestReleaseEventHandlerCanReenterOrder(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// A subscriber that takes the per-order lock for the order being
	// released. Events go out with the lock free, so this must run to
	// completion instead of deadlocking against the release path.
	reentered := make(chan error, 1)
	env.orch.bus.Subscribe(events.EscrowReleased, func(ctx context.Context, e *events.Event) error {
		_, err := env.orch.SetShipping(ctx, e.OrderID, "seller_1", "TRACK-RE")
		reentered <- err
		return nil
	})

	ord := env.checkout(t)
	if err := env.deliverWebhook(t, ord, "COMPLETE"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.orch.SetShipping(ctx, ord.ID, "seller_1", "T"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.orch.ConfirmDelivery(ctx, ord.ID, "buyer_1"); err != nil {
		t.Fatal(err)
	}
	env.mustStatus(t, ord.ID, order.StatusCompleted)

	select {
	case err := <-reentered:
		var conflict *faults.ConflictError
		if !errors.As(err, &conflict) {
			t.Fatalf("reentrant call = %v, want conflict", err)
		}
	default:
		t.Fatal("EscrowReleased subscriber never ran")
	}
}

func TestReleaseAfterCompletionConflicts(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	ord := env.checkout(t)
	if err := env.deliverWebhook(t, ord, "COMPLETE"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.orch.SetShipping(ctx, ord.ID, "seller_1", "T"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.orch.ConfirmDelivery(ctx, ord.ID, "buyer_1"); err != nil {
		t.Fatal(err)
	}
	env.mustStatus(t, ord.ID, order.StatusCompleted)

	err := env.orch.ReleaseAndPayout(ctx, ord.ID)
	var conflict *faults.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("want conflict error, got %v", err)
	}
	if conflict.State != string(order.StatusCompleted) {
		t.Fatalf("conflict state = %s, want COMPLETED", conflict.State)
	}
}

func TestRetryAfterChainOutage(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	ord := env.checkout(t)
	env.ch.mu.Lock()
	env.ch.failsLeft = 10
	env.ch.mu.Unlock()

	// The webhook lands but escrow creation fails; the error is absorbed
	// by the event handler and the order stays retryable.
	if err := env.deliverWebhook(t, ord, "COMPLETE"); err != nil {
		t.Fatalf("webhook: %v", err)
	}
	env.mustStatus(t, ord.ID, order.StatusPaymentReceived)

	env.ch.mu.Lock()
	env.ch.failsLeft = 0
	env.ch.mu.Unlock()

	if _, err := env.orch.Retry(ctx, ord.ID); err != nil {
		t.Fatalf("retry: %v", err)
	}
	env.mustStatus(t, ord.ID, order.StatusFundsInEscrow)
}

func TestSweepRedrivesStuckEscrowCreation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	ord := env.checkout(t)
	env.ch.mu.Lock()
	env.ch.failsLeft = 10
	env.ch.mu.Unlock()
	if err := env.deliverWebhook(t, ord, "COMPLETE"); err != nil {
		t.Fatal(err)
	}
	env.mustStatus(t, ord.ID, order.StatusPaymentReceived)

	env.ch.mu.Lock()
	env.ch.failsLeft = 0
	env.ch.mu.Unlock()

	time.Sleep(10 * time.Millisecond)
	sweep := NewSweep(env.orch, time.Minute, 5*time.Millisecond, testLogger())
	if err := sweep.RunOnce(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	env.mustStatus(t, ord.ID, order.StatusFundsInEscrow)
}

func TestSweepFlagsOutOfBandRelease(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	ord := env.checkout(t)
	if err := env.deliverWebhook(t, ord, "COMPLETE"); err != nil {
		t.Fatal(err)
	}
	stored := env.mustStatus(t, ord.ID, order.StatusFundsInEscrow)

	// Someone released the escrow without going through the orchestrator.
	if _, err := env.ch.ReleaseEscrow(ctx, stored.EscrowAddress, ord.ID); err != nil {
		t.Fatalf("out-of-band release: %v", err)
	}

	time.Sleep(10 * time.Millisecond)
	sweep := NewSweep(env.orch, time.Minute, 5*time.Millisecond, testLogger())
	if err := sweep.RunOnce(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	flagged, _ := env.orders.Get(ctx, ord.ID)
	if flagged.FlagReason == "" {
		t.Fatal("expected the order to be flagged")
	}
	if flagged.Status != order.StatusFundsInEscrow {
		t.Fatalf("flagged order must not auto-advance, got %s", flagged.Status)
	}

	// Flagged orders refuse further automatic transitions.
	var inconsistent *faults.InconsistentError
	if _, err := env.orch.Retry(ctx, ord.ID); !errors.As(err, &inconsistent) {
		t.Fatalf("want inconsistent error, got %v", err)
	}
}

func TestOrderScoping(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	ord := env.checkout(t)

	if _, err := env.orch.GetOrder(ctx, ord.ID, "buyer_1"); err != nil {
		t.Fatalf("buyer access: %v", err)
	}
	if _, err := env.orch.GetOrder(ctx, ord.ID, "seller_1"); err != nil {
		t.Fatalf("seller access: %v", err)
	}
	if _, err := env.orch.GetOrder(ctx, ord.ID, "admin_1"); err != nil {
		t.Fatalf("admin access: %v", err)
	}
	if _, err := env.orch.GetOrder(ctx, ord.ID, "someone_else"); !errors.Is(err, ErrNotYourOrder) {
		t.Fatalf("want ErrNotYourOrder, got %v", err)
	}
}
