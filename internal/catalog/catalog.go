// Package catalog exposes the slice of the product catalog the settlement
// flow depends on: stock reservation and authenticity lookups.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Michaelmk708/proofcart/internal/money"
)

var (
	ErrNotFound          = errors.New("product not found")
	ErrDuplicate         = errors.New("product already exists")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrUnverified        = errors.New("product authenticity not verified")
)

// Product is a physical good whose authenticity is attested by an NFT.
type Product struct {
	ID       string `json:"id"`
	SellerID string `json:"sellerId"`

	Name  string       `json:"name"`
	Price money.Amount `json:"price"`
	Stock int64        `json:"stock"`

	SerialNumber   string     `json:"serialNumber"`
	NFTID          string     `json:"nftId,omitempty"`
	NFTMetadataURI string     `json:"nftMetadataUri,omitempty"`
	MintedAt       *time.Time `json:"mintedAt,omitempty"`
	Verified       bool       `json:"verified"`

	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Store persists products and owns the stock counter.
type Store interface {
	Create(ctx context.Context, p *Product) error
	Get(ctx context.Context, id string) (*Product, error)

	// ReserveStock atomically decrements stock by qty, failing with
	// ErrInsufficientStock without modifying the counter when stock < qty.
	// Implementations must be safe under concurrent reservations of the
	// last unit.
	ReserveStock(ctx context.Context, productID string, qty int64) error

	// ReleaseStock returns qty units after a failed or cancelled payment.
	ReleaseStock(ctx context.Context, productID string, qty int64) error
}

// Service answers the settlement flow's catalog questions.
type Service struct {
	store           Store
	verificationURL string
}

// NewService creates a catalog service. baseURL is the public verification
// page prefix, e.g. "https://proofcart.example/verify".
func NewService(store Store, baseURL string) *Service {
	return &Service{store: store, verificationURL: strings.TrimRight(baseURL, "/")}
}

func (s *Service) Get(ctx context.Context, id string) (*Product, error) {
	return s.store.Get(ctx, id)
}

func (s *Service) ReserveStock(ctx context.Context, productID string, qty int64) error {
	return s.store.ReserveStock(ctx, productID, qty)
}

func (s *Service) ReleaseStock(ctx context.Context, productID string, qty int64) error {
	return s.store.ReleaseStock(ctx, productID, qty)
}

// VerificationURL returns the public authenticity page for a serial number.
func (s *Service) VerificationURL(serial string) string {
	return fmt.Sprintf("%s/%s", s.verificationURL, serial)
}
