// Package gateway talks to the fiat payment processor: payment requests,
// webhook verification, payouts, and refunds.
//
// The settlement orchestrator only sees the Gateway interface; the concrete
// adapter is chosen once at startup. There is no runtime fallback between
// implementations.
package gateway

import (
	"context"
	"errors"

	"github.com/Michaelmk708/proofcart/internal/money"
)

var (
	ErrBadSignature           = errors.New("webhook signature verification failed")
	ErrMalformedPayload       = errors.New("malformed webhook payload")
	ErrUnsupportedAccountKind = errors.New("unsupported payout account kind")
)

// PaymentState is the processor's view of a payment or payout.
type PaymentState string

const (
	StateProcessing PaymentState = "PROCESSING"
	StateComplete   PaymentState = "COMPLETE"
	StateFailed     PaymentState = "FAILED"
	StateCancelled  PaymentState = "CANCELLED"
)

// AccountKind is the destination rail for a payout.
type AccountKind string

const (
	AccountMpesa AccountKind = "MPESA"
	AccountBank  AccountKind = "BANK"
)

// PaymentRequest asks the processor for a hosted payment page.
type PaymentRequest struct {
	Amount      money.Amount
	PayerEmail  string
	PayerPhone  string
	Reference   string
	RedirectURL string
	WebhookURL  string
}

// PaymentIntent is the processor's handle for a created payment request.
type PaymentIntent struct {
	PaymentID   string
	PaymentLink string
}

// PayoutRequest moves settled funds to the seller.
type PayoutRequest struct {
	Amount        money.Amount
	Destination   string
	AccountKind   AccountKind
	RecipientName string
	Memo          string
}

// Payout is the processor's handle for an initiated payout.
type Payout struct {
	PayoutID string
	State    PaymentState
}

// Refund is the processor's handle for an initiated refund.
type Refund struct {
	RefundID string
	State    PaymentState
}

// WebhookEvent is the provider-agnostic form of a gateway callback. The
// adapter normalizes its provider's payload; the webhook handler never sees
// provider-specific fields.
type WebhookEvent struct {
	ExternalID string       // processor's payment/invoice id
	Reference  string       // our transaction reference
	State      PaymentState
	Amount     money.Amount
	Raw        []byte
}

// Capabilities describes what the configured adapter can actually do.
// Surfaced once at startup so missing configuration fails loudly there
// instead of deep inside a transition.
type Capabilities struct {
	Name           string
	Payouts        []AccountKind
	Refunds        bool
	SignedWebhooks bool
	Simulated      bool
}

// Gateway is the payment processor contract. Calls are synchronous network
// round-trips; the orchestrator must not hold row locks across them.
type Gateway interface {
	CreatePaymentRequest(ctx context.Context, req PaymentRequest) (*PaymentIntent, error)

	// VerifyWebhook checks the signature over the raw payload using a
	// constant-time comparison, then normalizes the payload.
	VerifyWebhook(raw []byte, signature string) (*WebhookEvent, error)

	// VerifyPayment queries the processor for the live state of a payment.
	// Used by the reconciliation sweep when a webhook never arrived.
	VerifyPayment(ctx context.Context, paymentID string) (PaymentState, error)

	CreatePayout(ctx context.Context, req PayoutRequest) (*Payout, error)
	PayoutStatus(ctx context.Context, payoutID string) (PaymentState, error)

	InitiateRefund(ctx context.Context, paymentID string, amount money.Amount, reason string) (*Refund, error)

	Capabilities() Capabilities
}

// SupportsPayout reports whether the adapter can pay out to the given kind.
func (c Capabilities) SupportsPayout(kind AccountKind) bool {
	for _, k := range c.Payouts {
		if k == kind {
			return true
		}
	}
	return false
}
