package dispute

import (
	"context"
	"errors"
	"testing"
	"time"
)

func testDispute(id, orderID string) *Dispute {
	now := time.Now()
	return &Dispute{
		ID:        id,
		OrderID:   orderID,
		OpenerID:  "buyer-1",
		Reason:    "item not as described",
		Status:    StatusOpen,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestStatusActive(t *testing.T) {
	for _, s := range []Status{StatusOpen, StatusInvestigating} {
		if !s.Active() {
			t.Errorf("%s should be active", s)
		}
	}
	for _, s := range []Status{StatusResolvedBuyer, StatusResolvedSeller, StatusClosed} {
		if s.Active() {
			t.Errorf("%s should not be active", s)
		}
	}
}

func TestMemoryStoreOneActivePerOrder(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	if err := store.Create(ctx, testDispute("d1", "o1")); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := store.Create(ctx, testDispute("d2", "o1")); !errors.Is(err, ErrActiveDispute) {
		t.Fatalf("second active dispute = %v, want ErrActiveDispute", err)
	}

	// After resolution a new dispute may be opened.
	d, err := store.Get(ctx, "d1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	now := time.Now()
	d.Status = StatusResolvedBuyer
	d.Resolution = ResolutionRefund
	d.ResolverID = "admin-1"
	d.ResolvedAt = &now
	if err := store.Update(ctx, d); err != nil {
		t.Fatalf("Update: %v", err)
	}

	if err := store.Create(ctx, testDispute("d2", "o1")); err != nil {
		t.Fatalf("Create after resolution: %v", err)
	}
}

func TestMemoryStoreGetActiveByOrder(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	if _, err := store.GetActiveByOrder(ctx, "o1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("no dispute = %v, want ErrNotFound", err)
	}

	if err := store.Create(ctx, testDispute("d1", "o1")); err != nil {
		t.Fatalf("Create: %v", err)
	}
	got, err := store.GetActiveByOrder(ctx, "o1")
	if err != nil {
		t.Fatalf("GetActiveByOrder: %v", err)
	}
	if got.ID != "d1" {
		t.Errorf("id = %q", got.ID)
	}

	got.Status = StatusClosed
	if err := store.Update(ctx, got); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if _, err := store.GetActiveByOrder(ctx, "o1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("closed dispute still active: %v", err)
	}
}
