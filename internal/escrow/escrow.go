// Package escrow keeps the off-chain record of on-chain escrow contracts.
//
// The record mirrors what the chain adapter reported. It never drives
// transitions on its own; the settlement orchestrator writes it after each
// confirmed chain operation, and the reconciliation sweep compares it against
// live chain state.
package escrow

import (
	"context"
	"errors"
	"time"

	"github.com/Michaelmk708/proofcart/internal/money"
)

var (
	ErrNotFound  = errors.New("escrow record not found")
	ErrDuplicate = errors.New("escrow record already exists")
)

// Status of the recorded escrow contract.
type Status string

const (
	StatusCreated  Status = "CREATED"
	StatusHeld     Status = "HELD"
	StatusReleased Status = "RELEASED"
	StatusDisputed Status = "DISPUTED"
	StatusRefunded Status = "REFUNDED"
)

// Record is the off-chain view of one escrow contract.
type Record struct {
	ID      string `json:"id"`
	OrderID string `json:"orderId"`

	Blockchain    string `json:"blockchain"`
	EscrowAddress string `json:"escrowAddress"`

	// Transaction hashes are unique across records; a reused hash means a
	// bookkeeping bug, not a new contract.
	CreationTxHash string `json:"creationTxHash"`
	ReleaseTxHash  string `json:"releaseTxHash,omitempty"`

	BuyerWallet  string `json:"buyerWallet"`
	SellerWallet string `json:"sellerWallet"`

	Amount money.Amount `json:"amount"`
	Status Status       `json:"status"`

	// Metadata is the raw contract payload returned by the chain adapter.
	Metadata []byte `json:"metadata,omitempty"`

	CreatedAt  time.Time  `json:"createdAt"`
	ReleasedAt *time.Time `json:"releasedAt,omitempty"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

// Store persists escrow records.
type Store interface {
	Create(ctx context.Context, r *Record) error
	Get(ctx context.Context, id string) (*Record, error)
	GetByOrder(ctx context.Context, orderID string) (*Record, error)
	Update(ctx context.Context, r *Record) error
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Record, error)
}
