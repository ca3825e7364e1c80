package order

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Michaelmk708/proofcart/internal/money"
	"github.com/Michaelmk708/proofcart/internal/pagination"
)

func testOrder(id, ref string) *Order {
	now := time.Now()
	return &Order{
		ID:                   id,
		TransactionReference: ref,
		BuyerID:              "buyer-1",
		SellerID:             "seller-1",
		ProductID:            "product-1",
		Quantity:             1,
		ItemAmount:           money.New(100000, "KES"),
		ShippingFee:          money.New(50000, "KES"),
		EscrowFee:            money.New(2000, "KES"),
		TotalAmount:          money.New(152000, "KES"),
		Currency:             "KES",
		ShippingAddress:      "PO Box 1, Nairobi",
		Status:               StatusPaymentPending,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
}

func TestCanTransition(t *testing.T) {
	legal := []struct{ from, to Status }{
		{StatusPaymentPending, StatusPaymentReceived},
		{StatusPaymentPending, StatusPaymentFailed},
		{StatusPaymentPending, StatusCancelled},
		{StatusPaymentReceived, StatusFundsInEscrow},
		{StatusFundsInEscrow, StatusInTransit},
		{StatusFundsInEscrow, StatusDisputed},
		{StatusInTransit, StatusPendingRelease},
		{StatusInTransit, StatusDisputed},
		{StatusPendingRelease, StatusCompleted},
		{StatusPendingRelease, StatusDisputed},
		{StatusDisputed, StatusCompleted},
		{StatusDisputed, StatusRefunded},
	}
	for _, tc := range legal {
		if !CanTransition(tc.from, tc.to) {
			t.Errorf("%s -> %s should be legal", tc.from, tc.to)
		}
	}

	illegal := []struct{ from, to Status }{
		{StatusPaymentPending, StatusFundsInEscrow},
		{StatusPaymentPending, StatusCompleted},
		{StatusFundsInEscrow, StatusPendingRelease},
		{StatusInTransit, StatusCompleted},
		{StatusCompleted, StatusDisputed},
		{StatusRefunded, StatusCompleted},
		{StatusCancelled, StatusPaymentReceived},
		{StatusPaymentFailed, StatusPaymentReceived},
	}
	for _, tc := range illegal {
		if CanTransition(tc.from, tc.to) {
			t.Errorf("%s -> %s should be illegal", tc.from, tc.to)
		}
	}
}

func TestTerminalStates(t *testing.T) {
	for _, s := range []Status{StatusCompleted, StatusRefunded, StatusCancelled, StatusPaymentFailed} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
		if len(transitions[s]) != 0 {
			t.Errorf("%s should have no outgoing transitions", s)
		}
	}
	for _, s := range []Status{StatusPaymentPending, StatusFundsInEscrow, StatusDisputed} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestDisputable(t *testing.T) {
	for _, s := range []Status{StatusFundsInEscrow, StatusInTransit, StatusPendingRelease} {
		if !s.Disputable() {
			t.Errorf("%s should be disputable", s)
		}
	}
	for _, s := range []Status{StatusPaymentPending, StatusPaymentReceived, StatusCompleted, StatusDisputed} {
		if s.Disputable() {
			t.Errorf("%s should not be disputable", s)
		}
	}
}

func TestCheckTotals(t *testing.T) {
	o := testOrder("o1", "PC-AAA111")
	if err := o.CheckTotals(); err != nil {
		t.Fatalf("valid totals rejected: %v", err)
	}

	o.TotalAmount = money.New(152001, "KES")
	if err := o.CheckTotals(); err == nil {
		t.Fatal("expected totals mismatch error")
	}
}

func TestMemoryStoreCreateGet(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	o := testOrder("o1", "PC-AAA111")
	if err := store.Create(ctx, o); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := store.Create(ctx, o); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("duplicate Create = %v, want ErrDuplicate", err)
	}

	dup := testOrder("o2", "PC-AAA111")
	if err := store.Create(ctx, dup); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("duplicate reference Create = %v, want ErrDuplicate", err)
	}

	got, err := store.Get(ctx, "o1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.TransactionReference != "PC-AAA111" {
		t.Errorf("reference = %q", got.TransactionReference)
	}

	byRef, err := store.GetByReference(ctx, "PC-AAA111")
	if err != nil {
		t.Fatalf("GetByReference: %v", err)
	}
	if byRef.ID != "o1" {
		t.Errorf("id = %q", byRef.ID)
	}

	if _, err := store.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get missing = %v, want ErrNotFound", err)
	}
}

func TestMemoryStoreUpdateStatusCAS(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	o := testOrder("o1", "PC-AAA111")
	if err := store.Create(ctx, o); err != nil {
		t.Fatalf("Create: %v", err)
	}

	now := time.Now()
	updated, err := store.UpdateStatus(ctx, "o1", StatusPaymentPending, StatusPaymentReceived, func(o *Order) {
		o.PaymentCompletedAt = &now
		o.GatewayPaymentID = "inv-123"
	})
	if err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	if updated.Status != StatusPaymentReceived {
		t.Errorf("status = %s", updated.Status)
	}
	if updated.GatewayPaymentID != "inv-123" {
		t.Errorf("gateway payment id not applied")
	}
	if updated.PaymentCompletedAt == nil {
		t.Error("milestone not applied")
	}

	// Replaying the same transition must fail the swap.
	if _, err := store.UpdateStatus(ctx, "o1", StatusPaymentPending, StatusPaymentReceived, nil); !errors.Is(err, ErrStatusConflict) {
		t.Fatalf("replayed UpdateStatus = %v, want ErrStatusConflict", err)
	}

	if _, err := store.UpdateStatus(ctx, "missing", StatusPaymentPending, StatusPaymentReceived, nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("UpdateStatus missing = %v, want ErrNotFound", err)
	}
}

func TestMemoryStoreUpdateStatusConcurrent(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	o := testOrder("o1", "PC-AAA111")
	if err := store.Create(ctx, o); err != nil {
		t.Fatalf("Create: %v", err)
	}

	const workers = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	successes, conflicts := 0, 0

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.UpdateStatus(ctx, "o1", StatusPaymentPending, StatusPaymentReceived, nil)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, ErrStatusConflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if successes != 1 {
		t.Errorf("successes = %d, want exactly 1", successes)
	}
	if conflicts != workers-1 {
		t.Errorf("conflicts = %d, want %d", conflicts, workers-1)
	}
}

func TestMemoryStoreUpdatePreservesStatus(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	o := testOrder("o1", "PC-AAA111")
	if err := store.Create(ctx, o); err != nil {
		t.Fatalf("Create: %v", err)
	}

	// A stale in-memory copy must not overwrite the status column.
	stale, _ := store.Get(ctx, "o1")
	if _, err := store.UpdateStatus(ctx, "o1", StatusPaymentPending, StatusPaymentReceived, nil); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}

	stale.TrackingNumber = "TRK-1"
	if err := store.Update(ctx, stale); err != nil {
		t.Fatalf("Update: %v", err)
	}

	got, _ := store.Get(ctx, "o1")
	if got.Status != StatusPaymentReceived {
		t.Errorf("Update clobbered status: %s", got.Status)
	}
	if got.TrackingNumber != "TRK-1" {
		t.Errorf("tracking not applied")
	}
}

func TestMemoryStoreListByUser(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	a := testOrder("o1", "PC-A")
	b := testOrder("o2", "PC-B")
	b.BuyerID = "buyer-2"
	c := testOrder("o3", "PC-C")
	c.SellerID = "seller-2"
	for _, o := range []*Order{a, b, c} {
		if err := store.Create(ctx, o); err != nil {
			t.Fatalf("Create %s: %v", o.ID, err)
		}
	}

	buyerOrders, err := store.ListByUser(ctx, "buyer-1", RoleBuyer, 10)
	if err != nil {
		t.Fatalf("ListByUser buyer: %v", err)
	}
	if len(buyerOrders) != 2 {
		t.Errorf("buyer orders = %d, want 2", len(buyerOrders))
	}

	sellerOrders, err := store.ListByUser(ctx, "seller-1", RoleSeller, 10)
	if err != nil {
		t.Fatalf("ListByUser seller: %v", err)
	}
	if len(sellerOrders) != 2 {
		t.Errorf("seller orders = %d, want 2", len(sellerOrders))
	}
}

func TestMemoryStoreListByUserCursor(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		o := testOrder(fmt.Sprintf("o%d", i), fmt.Sprintf("PC-%d", i))
		o.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		if err := store.Create(ctx, o); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	first, err := store.ListByUser(ctx, "buyer-1", RoleBuyer, 2)
	if err != nil {
		t.Fatalf("ListByUser: %v", err)
	}
	if len(first) != 2 || first[0].ID != "o4" || first[1].ID != "o3" {
		t.Fatalf("first page = %v", ids(first))
	}

	cur := pagination.Encode(first[1].CreatedAt, first[1].ID)
	second, err := store.ListByUser(ctx, "buyer-1", RoleBuyer, 2, WithCursor(cur))
	if err != nil {
		t.Fatalf("ListByUser cursor: %v", err)
	}
	if len(second) != 2 || second[0].ID != "o2" || second[1].ID != "o1" {
		t.Fatalf("second page = %v", ids(second))
	}

	// A garbage cursor is ignored rather than erroring.
	again, err := store.ListByUser(ctx, "buyer-1", RoleBuyer, 2, WithCursor("not-a-cursor"))
	if err != nil {
		t.Fatalf("ListByUser bad cursor: %v", err)
	}
	if len(again) != 2 || again[0].ID != "o4" {
		t.Fatalf("bad cursor page = %v", ids(again))
	}
}

func ids(orders []*Order) []string {
	out := make([]string, len(orders))
	for i, o := range orders {
		out[i] = o.ID
	}
	return out
}

func TestMemoryStoreListStuck(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	stuck := testOrder("o1", "PC-A")
	stuck.Status = StatusPaymentReceived
	stuck.UpdatedAt = time.Now().Add(-time.Hour)
	fresh := testOrder("o2", "PC-B")
	fresh.Status = StatusPaymentReceived
	flagged := testOrder("o3", "PC-C")
	flagged.Status = StatusPaymentReceived
	flagged.FlagReason = "escrow mismatch"
	flagged.UpdatedAt = time.Now().Add(-time.Hour)
	for _, o := range []*Order{stuck, fresh, flagged} {
		if err := store.Create(ctx, o); err != nil {
			t.Fatalf("Create %s: %v", o.ID, err)
		}
	}

	got, err := store.ListStuck(ctx, StatusPaymentReceived, time.Now().Add(-30*time.Minute), 10)
	if err != nil {
		t.Fatalf("ListStuck: %v", err)
	}
	if len(got) != 1 || got[0].ID != "o1" {
		t.Fatalf("ListStuck returned %d orders, want just o1", len(got))
	}
}

func TestMemoryStoreTransactions(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	tx := &PaymentTransaction{
		ID:         "tx-1",
		OrderID:    "o1",
		Type:       TxPayment,
		Status:     TxPending,
		ExternalID: "inv-123",
		Amount:     money.New(152000, "KES"),
		CreatedAt:  time.Now(),
	}
	if err := store.CreateTransaction(ctx, tx); err != nil {
		t.Fatalf("CreateTransaction: %v", err)
	}

	dup := &PaymentTransaction{ID: "tx-2", OrderID: "o1", Type: TxPayment, Status: TxPending, ExternalID: "inv-123"}
	if err := store.CreateTransaction(ctx, dup); !errors.Is(err, ErrTxDuplicate) {
		t.Fatalf("duplicate external id = %v, want ErrTxDuplicate", err)
	}

	got, err := store.GetTransactionByExternalID(ctx, "inv-123")
	if err != nil {
		t.Fatalf("GetTransactionByExternalID: %v", err)
	}
	if got.ID != "tx-1" {
		t.Errorf("id = %q", got.ID)
	}

	now := time.Now()
	if err := store.AdvanceTransaction(ctx, "tx-1", TxCompleted, []byte(`{"state":"COMPLETE"}`), &now); err != nil {
		t.Fatalf("AdvanceTransaction: %v", err)
	}
	got, _ = store.GetTransactionByExternalID(ctx, "inv-123")
	if got.Status != TxCompleted {
		t.Errorf("status = %s", got.Status)
	}
	if got.CompletedAt == nil {
		t.Error("completed_at not set")
	}
	if !got.Status.Final() {
		t.Error("COMPLETED should be final")
	}

	list, err := store.ListTransactions(ctx, "o1")
	if err != nil {
		t.Fatalf("ListTransactions: %v", err)
	}
	if len(list) != 1 {
		t.Errorf("transactions = %d, want 1", len(list))
	}

	if _, err := store.GetTransactionByExternalID(ctx, "missing"); !errors.Is(err, ErrTxNotFound) {
		t.Fatalf("missing external id = %v, want ErrTxNotFound", err)
	}
}
