// Package identity exposes the user attributes settlement needs: wallet
// addresses, seller verification, and the admin flag for dispute resolution.
package identity

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound  = errors.New("user not found")
	ErrDuplicate = errors.New("user already exists")
	ErrNoWallet  = errors.New("user has no wallet address")
)

// User is the minimal identity record the settlement flow reads.
type User struct {
	ID             string    `json:"id"`
	Email          string    `json:"email"`
	Phone          string    `json:"phone,omitempty"`
	WalletAddress  string    `json:"walletAddress,omitempty"`
	VerifiedSeller bool      `json:"verifiedSeller"`
	Admin          bool      `json:"admin"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Store persists users.
type Store interface {
	Create(ctx context.Context, u *User) error
	Get(ctx context.Context, id string) (*User, error)
}

// Service answers settlement's identity questions.
type Service struct {
	store Store
}

// NewService creates an identity service.
func NewService(store Store) *Service {
	return &Service{store: store}
}

func (s *Service) Get(ctx context.Context, id string) (*User, error) {
	return s.store.Get(ctx, id)
}

// WalletAddress returns the user's on-chain wallet, or ErrNoWallet when the
// user exists but never linked one.
func (s *Service) WalletAddress(ctx context.Context, userID string) (string, error) {
	u, err := s.store.Get(ctx, userID)
	if err != nil {
		return "", err
	}
	if u.WalletAddress == "" {
		return "", ErrNoWallet
	}
	return u.WalletAddress, nil
}

// IsVerifiedSeller reports whether the user may list attested goods.
func (s *Service) IsVerifiedSeller(ctx context.Context, userID string) (bool, error) {
	u, err := s.store.Get(ctx, userID)
	if err != nil {
		return false, err
	}
	return u.VerifiedSeller, nil
}

// IsAdmin reports whether the user may resolve disputes.
func (s *Service) IsAdmin(ctx context.Context, userID string) (bool, error) {
	u, err := s.store.Get(ctx, userID)
	if err != nil {
		return false, err
	}
	return u.Admin, nil
}
