// Package dispute models order disputes and their resolution record.
//
// The settlement orchestrator enforces the one-active-dispute-per-order rule
// and drives every status change here; the store itself only persists.
package dispute

import (
	"context"
	"errors"
	"time"

	"github.com/Michaelmk708/proofcart/internal/money"
)

var (
	ErrNotFound      = errors.New("dispute not found")
	ErrDuplicate     = errors.New("dispute already exists")
	ErrActiveDispute = errors.New("order already has an active dispute")
)

// Status of a dispute.
type Status string

const (
	StatusOpen           Status = "OPEN"
	StatusInvestigating  Status = "INVESTIGATING"
	StatusResolvedBuyer  Status = "RESOLVED_BUYER"
	StatusResolvedSeller Status = "RESOLVED_SELLER"
	StatusClosed         Status = "CLOSED"
)

// Active reports whether the dispute still blocks settlement.
func (s Status) Active() bool {
	switch s {
	case StatusOpen, StatusInvestigating:
		return true
	}
	return false
}

// Resolution is the admin's decision on a dispute.
type Resolution string

const (
	ResolutionRelease Resolution = "RELEASE"
	ResolutionRefund  Resolution = "REFUND"
	ResolutionPartial Resolution = "PARTIAL"
)

// Dispute is the record of a contested order.
type Dispute struct {
	ID      string `json:"id"`
	OrderID string `json:"orderId"`

	OpenerID string `json:"openerId"`
	Reason   string `json:"reason"`
	Evidence []byte `json:"evidence,omitempty"`

	Status Status `json:"status"`

	Resolution      Resolution `json:"resolution,omitempty"`
	ResolutionNotes string     `json:"resolutionNotes,omitempty"`
	ResolverID      string     `json:"resolverId,omitempty"`

	// Split amounts for a PARTIAL resolution. Zero otherwise.
	ReleaseAmount money.Amount `json:"releaseAmount,omitzero"`
	RefundAmount  money.Amount `json:"refundAmount,omitzero"`

	CreatedAt  time.Time  `json:"createdAt"`
	ResolvedAt *time.Time `json:"resolvedAt,omitempty"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

// Store persists disputes.
type Store interface {
	// Create inserts a new dispute, failing with ErrActiveDispute when the
	// order already has a non-CLOSED dispute.
	Create(ctx context.Context, d *Dispute) error
	Get(ctx context.Context, id string) (*Dispute, error)
	GetActiveByOrder(ctx context.Context, orderID string) (*Dispute, error)
	Update(ctx context.Context, d *Dispute) error
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Dispute, error)
}
