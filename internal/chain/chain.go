// Package chain drives the on-chain escrow program.
//
// Write operations are at-most-once from the adapter's perspective. The
// orchestrator retries around them, so before re-issuing anything that moves
// funds it must reconcile through GetStatus; the adapter never does that on
// its own.
package chain

import (
	"context"
	"errors"
	"math/big"

	"github.com/Michaelmk708/proofcart/internal/money"
)

var (
	ErrInvalidAddress = errors.New("chain: invalid address")
	ErrUnknownEscrow  = errors.New("chain: unknown escrow account")
)

// EscrowStatus is the on-chain state of an escrow account.
type EscrowStatus string

const (
	StatusHeld     EscrowStatus = "HELD"
	StatusLocked   EscrowStatus = "LOCKED"
	StatusReleased EscrowStatus = "RELEASED"
	StatusRefunded EscrowStatus = "REFUNDED"
	StatusUnknown  EscrowStatus = "UNKNOWN"
)

// EscrowState is the live on-chain view of one escrow account.
type EscrowState struct {
	Status EscrowStatus
	Amount *big.Int // chain units
	Buyer  string
	Seller string
}

// CreateResult identifies a newly created escrow account.
type CreateResult struct {
	EscrowAddress string
	TxHash        string
}

// TxResult identifies a submitted state-changing transaction.
type TxResult struct {
	TxHash string
}

// Capabilities describes the configured chain adapter, surfaced once at
// startup.
type Capabilities struct {
	Name       string
	Blockchain string
	Simulated  bool
}

// Chain is the escrow program contract. Amounts cross the boundary in minor
// units and are converted to chain units exactly once, inside the adapter.
type Chain interface {
	CreateEscrow(ctx context.Context, orderID, buyerAddr, sellerAddr string, amount money.Amount) (*CreateResult, error)
	ReleaseEscrow(ctx context.Context, escrowAddress, orderID string) (*TxResult, error)

	// LockEscrow freezes the account when a dispute opens. A locked escrow
	// must be unlocked before release or refund.
	LockEscrow(ctx context.Context, escrowAddress, reason string) (*TxResult, error)
	UnlockEscrow(ctx context.Context, escrowAddress string) (*TxResult, error)

	RefundEscrow(ctx context.Context, escrowAddress, orderID string) (*TxResult, error)
	GetStatus(ctx context.Context, escrowAddress string) (*EscrowState, error)

	Capabilities() Capabilities
}

// ToChainUnits converts a minor-unit amount to the token's smallest unit.
// tokenDecimals is the token's precision (6 for USDC-style stablecoins).
func ToChainUnits(a money.Amount, tokenDecimals int) *big.Int {
	units := big.NewInt(a.Units)
	shift := tokenDecimals - money.Digits(a.Currency)
	if shift == 0 {
		return units
	}
	factor := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(abs(shift))), nil)
	if shift > 0 {
		return units.Mul(units, factor)
	}
	return units.Quo(units, factor)
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
