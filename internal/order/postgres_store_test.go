//go:build integration

package order

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/Michaelmk708/proofcart/internal/money"
	"github.com/Michaelmk708/proofcart/internal/pagination"
	"github.com/Michaelmk708/proofcart/internal/testutil"
)

func setupPostgres(t *testing.T) (*PostgresStore, func()) {
	t.Helper()

	db, cleanup := testutil.PGTest(t)
	seedOrderFixtures(t, db)
	return NewPostgresStore(db), cleanup
}

// seedOrderFixtures satisfies the foreign keys on the orders table.
func seedOrderFixtures(t *testing.T, db *sql.DB) {
	t.Helper()
	ctx := context.Background()

	for _, stmt := range []string{
		`INSERT INTO users (id, email) VALUES ('buyer-1', 'buyer@test.local'), ('seller-1', 'seller@test.local')`,
		`INSERT INTO products (id, seller_id, name, price, currency, stock, verified, active)
		 VALUES ('product-1', 'seller-1', 'Test Sneaker', 100000, 'KES', 10, TRUE, TRUE)`,
	} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			t.Fatalf("seed fixtures: %v", err)
		}
	}
}

func TestPostgresOrder_CreateGetAndReference(t *testing.T) {
	store, cleanup := setupPostgres(t)
	defer cleanup()
	ctx := context.Background()

	o := testOrder("pg-o1", "PC-PG0001")
	if err := store.Create(ctx, o); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := store.Create(ctx, testOrder("pg-o2", "PC-PG0001")); err != ErrDuplicate {
		t.Errorf("duplicate reference: got %v, want ErrDuplicate", err)
	}

	got, err := store.Get(ctx, "pg-o1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusPaymentPending || got.TotalAmount.Units != 152000 {
		t.Errorf("round trip mismatch: %+v", got)
	}

	byRef, err := store.GetByReference(ctx, "PC-PG0001")
	if err != nil {
		t.Fatalf("GetByReference: %v", err)
	}
	if byRef.ID != "pg-o1" {
		t.Errorf("GetByReference ID = %s", byRef.ID)
	}
}

func TestPostgresOrder_UpdateStatusCAS(t *testing.T) {
	store, cleanup := setupPostgres(t)
	defer cleanup()
	ctx := context.Background()

	if err := store.Create(ctx, testOrder("pg-o1", "PC-PG0001")); err != nil {
		t.Fatalf("Create: %v", err)
	}

	updated, err := store.UpdateStatus(ctx, "pg-o1", StatusPaymentPending, StatusPaymentReceived, func(o *Order) {
		now := time.Now()
		o.PaymentCompletedAt = &now
	})
	if err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	if updated.Status != StatusPaymentReceived || updated.PaymentCompletedAt == nil {
		t.Errorf("transition not applied: %+v", updated)
	}

	// The same swap must fail once the stored status has moved on.
	if _, err := store.UpdateStatus(ctx, "pg-o1", StatusPaymentPending, StatusPaymentReceived, nil); err != ErrStatusConflict {
		t.Errorf("stale swap: got %v, want ErrStatusConflict", err)
	}
}

func TestPostgresOrder_ListByUserCursor(t *testing.T) {
	store, cleanup := setupPostgres(t)
	defer cleanup()
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		o := testOrder("pg-o"+string(rune('a'+i)), "PC-PG000"+string(rune('1'+i)))
		o.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		if err := store.Create(ctx, o); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	first, err := store.ListByUser(ctx, "buyer-1", RoleBuyer, 3)
	if err != nil {
		t.Fatalf("ListByUser: %v", err)
	}
	if len(first) != 3 || first[0].ID != "pg-oe" {
		t.Fatalf("first page = %v", ids(first))
	}

	cur := pagination.Encode(first[2].CreatedAt, first[2].ID)
	second, err := store.ListByUser(ctx, "buyer-1", RoleBuyer, 3, WithCursor(cur))
	if err != nil {
		t.Fatalf("ListByUser cursor: %v", err)
	}
	if len(second) != 2 || second[0].ID != "pg-ob" {
		t.Fatalf("second page = %v", ids(second))
	}
}

func TestPostgresOrder_TransactionLog(t *testing.T) {
	store, cleanup := setupPostgres(t)
	defer cleanup()
	ctx := context.Background()

	if err := store.Create(ctx, testOrder("pg-o1", "PC-PG0001")); err != nil {
		t.Fatalf("Create: %v", err)
	}

	tx := &PaymentTransaction{
		ID:         "tx-1",
		OrderID:    "pg-o1",
		Type:       TxPayment,
		Status:     TxPending,
		ExternalID: "ext-1",
		Amount:     money.New(152000, "KES"),
		CreatedAt:  time.Now(),
	}
	if err := store.CreateTransaction(ctx, tx); err != nil {
		t.Fatalf("CreateTransaction: %v", err)
	}
	dup := *tx
	dup.ID = "tx-2"
	if err := store.CreateTransaction(ctx, &dup); err != ErrTxDuplicate {
		t.Errorf("duplicate external id: got %v, want ErrTxDuplicate", err)
	}

	now := time.Now()
	if err := store.AdvanceTransaction(ctx, "tx-1", TxCompleted, []byte(`{"state":"COMPLETE"}`), &now); err != nil {
		t.Fatalf("AdvanceTransaction: %v", err)
	}

	got, err := store.GetTransactionByExternalID(ctx, "ext-1")
	if err != nil {
		t.Fatalf("GetTransactionByExternalID: %v", err)
	}
	if got.Status != TxCompleted || got.CompletedAt == nil {
		t.Errorf("advance not applied: %+v", got)
	}

	list, err := store.ListTransactions(ctx, "pg-o1")
	if err != nil {
		t.Fatalf("ListTransactions: %v", err)
	}
	if len(list) != 1 {
		t.Errorf("transactions = %d, want 1", len(list))
	}
}
