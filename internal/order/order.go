// Package order holds the Order aggregate and its append-only payment
// transaction log.
//
// Order.status is owned by the settlement orchestrator: every status change
// goes through Store.UpdateStatus, a compare-and-swap conditioned on the
// expected pre-transition status. Nothing else writes the status column.
package order

import (
	"context"
	"errors"
	"time"

	"github.com/Michaelmk708/proofcart/internal/money"
	"github.com/Michaelmk708/proofcart/internal/pagination"
)

var (
	ErrNotFound       = errors.New("order not found")
	ErrDuplicate      = errors.New("order already exists")
	ErrStatusConflict = errors.New("order status changed concurrently")
)

// Status is the settlement state of an order.
type Status string

const (
	StatusPaymentPending  Status = "PAYMENT_PENDING"
	StatusPaymentReceived Status = "PAYMENT_RECEIVED"
	StatusFundsInEscrow   Status = "FUNDS_IN_ESCROW"
	StatusInTransit       Status = "IN_TRANSIT"
	StatusPendingRelease  Status = "PENDING_RELEASE"
	StatusCompleted       Status = "COMPLETED"
	StatusDisputed        Status = "DISPUTED"
	StatusPaymentFailed   Status = "PAYMENT_FAILED"
	StatusRefunded        Status = "REFUNDED"
	StatusCancelled       Status = "CANCELLED"
)

// Terminal reports whether no further transition is permitted.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusRefunded, StatusCancelled, StatusPaymentFailed:
		return true
	}
	return false
}

// transitions is the legal transition table. An order may only move along
// these edges, and only the orchestrator drives the moves.
var transitions = map[Status][]Status{
	StatusPaymentPending:  {StatusPaymentReceived, StatusPaymentFailed, StatusCancelled},
	StatusPaymentReceived: {StatusFundsInEscrow},
	StatusFundsInEscrow:   {StatusInTransit, StatusDisputed},
	StatusInTransit:       {StatusPendingRelease, StatusDisputed},
	StatusPendingRelease:  {StatusCompleted, StatusDisputed},
	StatusDisputed:        {StatusCompleted, StatusRefunded},
}

// CanTransition reports whether from → to is a legal edge.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Disputable reports whether a dispute may be opened in this state.
func (s Status) Disputable() bool {
	switch s {
	case StatusFundsInEscrow, StatusInTransit, StatusPendingRelease:
		return true
	}
	return false
}

// Order is the aggregate root of the settlement flow.
type Order struct {
	ID                   string `json:"id"` // UUID
	TransactionReference string `json:"transactionReference"`

	BuyerID   string `json:"buyerId"`
	SellerID  string `json:"sellerId"`
	ProductID string `json:"productId"`
	Quantity  int64  `json:"quantity"`

	// Monetary breakdown, all in minor units of Currency.
	// Invariant: TotalAmount == ItemAmount + ShippingFee + EscrowFee,
	// fixed at creation.
	ItemAmount  money.Amount `json:"itemAmount"`
	ShippingFee money.Amount `json:"shippingFee"`
	EscrowFee   money.Amount `json:"escrowFee"`
	TotalAmount money.Amount `json:"totalAmount"`
	Currency    string       `json:"currency"`

	ShippingAddress string `json:"shippingAddress"`
	BuyerPhone      string `json:"buyerPhone"`
	BuyerEmail      string `json:"buyerEmail"`

	Status Status `json:"status"`

	// External references.
	GatewayPaymentID    string `json:"gatewayPaymentId,omitempty"`
	GatewayPaymentLink  string `json:"gatewayPaymentLink,omitempty"`
	EscrowAddress       string `json:"escrowAddress,omitempty"`
	EscrowCreateTxHash  string `json:"escrowCreateTxHash,omitempty"`
	EscrowReleaseTxHash string `json:"escrowReleaseTxHash,omitempty"`
	PayoutID            string `json:"payoutId,omitempty"`

	TrackingNumber     string `json:"trackingNumber,omitempty"`
	VerificationSerial string `json:"verificationSerial,omitempty"`

	// FlagReason is set when reconciliation detects an on-chain/off-chain
	// mismatch. A flagged order is excluded from automatic transitions
	// until an operator clears it.
	FlagReason string `json:"flagReason,omitempty"`

	// PayoutPending marks a PENDING_RELEASE order whose escrow released
	// but whose payout has not completed; the sweep retries the payout.
	PayoutPending bool `json:"payoutPending,omitempty"`

	// Milestone timestamps.
	PaymentCompletedAt  *time.Time `json:"paymentCompletedAt,omitempty"`
	EscrowCreatedAt     *time.Time `json:"escrowCreatedAt,omitempty"`
	ShippedAt           *time.Time `json:"shippedAt,omitempty"`
	DeliveryConfirmedAt *time.Time `json:"deliveryConfirmedAt,omitempty"`
	EscrowReleasedAt    *time.Time `json:"escrowReleasedAt,omitempty"`
	PayoutCompletedAt   *time.Time `json:"payoutCompletedAt,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// CheckTotals verifies the monetary invariant.
func (o *Order) CheckTotals() error {
	sum, err := o.ItemAmount.Add(o.ShippingFee)
	if err != nil {
		return err
	}
	sum, err = sum.Add(o.EscrowFee)
	if err != nil {
		return err
	}
	if cmp, err := sum.Cmp(o.TotalAmount); err != nil || cmp != 0 {
		return errors.New("order total does not equal item + shipping + escrow fee")
	}
	return nil
}

// Role distinguishes buyer-side from seller-side order listings.
type Role string

const (
	RoleBuyer  Role = "buyer"
	RoleSeller Role = "seller"
)

// ListOption configures optional parameters for list queries.
type ListOption func(*listOpts)

type listOpts struct {
	cursor *pagination.Cursor
}

func applyListOpts(opts []ListOption) listOpts {
	var o listOpts
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// WithCursor filters results to orders after the given cursor position.
// Invalid cursors are ignored and the listing starts from the top.
func WithCursor(cursor string) ListOption {
	return func(o *listOpts) {
		c, err := pagination.Decode(cursor)
		if err == nil {
			o.cursor = c
		}
	}
}

// Store persists orders.
type Store interface {
	Create(ctx context.Context, o *Order) error
	Get(ctx context.Context, id string) (*Order, error)
	GetByReference(ctx context.Context, ref string) (*Order, error)

	// Update rewrites non-status fields (payment link, flags, ...).
	// Status changes must go through UpdateStatus.
	Update(ctx context.Context, o *Order) error

	// UpdateStatus performs a compare-and-swap: it moves the order from
	// `from` to `to` and applies mutate to the row, failing with
	// ErrStatusConflict when the stored status no longer equals `from`.
	UpdateStatus(ctx context.Context, id string, from, to Status, mutate func(*Order)) (*Order, error)

	ListByUser(ctx context.Context, userID string, role Role, limit int, opts ...ListOption) ([]*Order, error)

	// ListStuck returns non-terminal, unflagged orders in the given status
	// untouched since `before`. Used by the reconciliation sweep.
	ListStuck(ctx context.Context, status Status, before time.Time, limit int) ([]*Order, error)
}
