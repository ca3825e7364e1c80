package chain

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/Michaelmk708/proofcart/internal/idgen"
	"github.com/Michaelmk708/proofcart/internal/money"
)

// Simulated is an in-process escrow program for development and tests. It
// enforces the same lifecycle rules as the real program, so transition bugs
// surface in tests rather than on chain.
type Simulated struct {
	tokenDecimals int
	logger        *slog.Logger

	mu      sync.Mutex
	escrows map[string]*EscrowState
}

// NewSimulated creates a simulated chain adapter.
func NewSimulated(tokenDecimals int, logger *slog.Logger) *Simulated {
	if logger == nil {
		logger = slog.Default()
	}
	return &Simulated{
		tokenDecimals: tokenDecimals,
		logger:        logger,
		escrows:       make(map[string]*EscrowState),
	}
}

func (s *Simulated) CreateEscrow(ctx context.Context, orderID, buyerAddr, sellerAddr string, amount money.Amount) (*CreateResult, error) {
	if buyerAddr == "" || sellerAddr == "" {
		return nil, ErrInvalidAddress
	}
	addr := "0xesc" + idgen.Hex(17)

	s.mu.Lock()
	s.escrows[addr] = &EscrowState{
		Status: StatusHeld,
		Amount: ToChainUnits(amount, s.tokenDecimals),
		Buyer:  buyerAddr,
		Seller: sellerAddr,
	}
	s.mu.Unlock()

	return &CreateResult{EscrowAddress: addr, TxHash: "0x" + idgen.Hex(32)}, nil
}

func (s *Simulated) ReleaseEscrow(ctx context.Context, escrowAddress, orderID string) (*TxResult, error) {
	return s.transition(escrowAddress, StatusHeld, StatusReleased)
}

func (s *Simulated) LockEscrow(ctx context.Context, escrowAddress, reason string) (*TxResult, error) {
	return s.transition(escrowAddress, StatusHeld, StatusLocked)
}

func (s *Simulated) UnlockEscrow(ctx context.Context, escrowAddress string) (*TxResult, error) {
	return s.transition(escrowAddress, StatusLocked, StatusHeld)
}

func (s *Simulated) RefundEscrow(ctx context.Context, escrowAddress, orderID string) (*TxResult, error) {
	return s.transition(escrowAddress, StatusHeld, StatusRefunded)
}

func (s *Simulated) transition(escrowAddress string, from, to EscrowStatus) (*TxResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.escrows[escrowAddress]
	if !ok {
		return nil, ErrUnknownEscrow
	}
	if e.Status != from {
		return nil, fmt.Errorf("escrow %s is %s, expected %s", escrowAddress, e.Status, from)
	}
	e.Status = to
	return &TxResult{TxHash: "0x" + idgen.Hex(32)}, nil
}

func (s *Simulated) GetStatus(ctx context.Context, escrowAddress string) (*EscrowState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.escrows[escrowAddress]
	if !ok {
		return nil, ErrUnknownEscrow
	}
	c := *e
	return &c, nil
}

func (s *Simulated) Capabilities() Capabilities {
	return Capabilities{Name: "simulated", Blockchain: "simulated", Simulated: true}
}

// Compile-time assertion that Simulated implements Chain.
var _ Chain = (*Simulated)(nil)
