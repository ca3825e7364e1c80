package order

import (
	"context"
	"errors"
	"time"

	"github.com/Michaelmk708/proofcart/internal/money"
)

var (
	ErrTxNotFound  = errors.New("payment transaction not found")
	ErrTxDuplicate = errors.New("payment transaction already recorded")
)

// TxType classifies a gateway interaction.
type TxType string

const (
	TxPayment TxType = "PAYMENT"
	TxPayout  TxType = "PAYOUT"
	TxRefund  TxType = "REFUND"
)

// TxStatus is the state of a single gateway interaction.
type TxStatus string

const (
	TxPending    TxStatus = "PENDING"
	TxProcessing TxStatus = "PROCESSING"
	TxCompleted  TxStatus = "COMPLETED"
	TxFailed     TxStatus = "FAILED"
	TxCancelled  TxStatus = "CANCELLED"
)

// Final reports whether the transaction can no longer advance.
func (s TxStatus) Final() bool {
	switch s {
	case TxCompleted, TxFailed, TxCancelled:
		return true
	}
	return false
}

// PaymentTransaction logs one gateway interaction for an order. Rows are
// append-only: a new gateway call gets a new row; the only in-place change
// is the status advancement of the same row driven by webhook confirmation.
type PaymentTransaction struct {
	ID         string       `json:"id"`
	OrderID    string       `json:"orderId"`
	Type       TxType       `json:"type"`
	Status     TxStatus     `json:"status"`
	ExternalID string       `json:"externalId"` // unique gateway transaction id
	Amount     money.Amount `json:"amount"`
	RawResponse []byte      `json:"-"` // opaque gateway blob, kept for audit/replay

	CreatedAt   time.Time  `json:"createdAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// TxStore persists the payment transaction log.
type TxStore interface {
	CreateTransaction(ctx context.Context, tx *PaymentTransaction) error
	GetTransactionByExternalID(ctx context.Context, externalID string) (*PaymentTransaction, error)

	// AdvanceTransaction moves a row's status forward and stores the raw
	// gateway response. It is the only permitted in-place mutation.
	AdvanceTransaction(ctx context.Context, id string, status TxStatus, raw []byte, completedAt *time.Time) error

	ListTransactions(ctx context.Context, orderID string) ([]*PaymentTransaction, error)
}
