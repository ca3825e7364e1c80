package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/checkout/session"
	"github.com/stripe/stripe-go/v81/payout"
	"github.com/stripe/stripe-go/v81/refund"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/Michaelmk708/proofcart/internal/faults"
	"github.com/Michaelmk708/proofcart/internal/money"
)

// Stripe is the production gateway adapter. Payment requests become Checkout
// Sessions, refunds and payouts go through their respective Stripe APIs, and
// webhook signatures are verified with the endpoint secret.
type Stripe struct {
	webhookSecret string
	logger        *slog.Logger
}

// NewStripe creates the Stripe adapter. The API key is process-global per
// the stripe-go client model.
func NewStripe(apiKey, webhookSecret string, logger *slog.Logger) (*Stripe, error) {
	if apiKey == "" {
		return nil, errors.New("stripe api key is required")
	}
	if webhookSecret == "" {
		return nil, errors.New("stripe webhook secret is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	stripe.Key = apiKey
	return &Stripe{webhookSecret: webhookSecret, logger: logger}, nil
}

func (s *Stripe) CreatePaymentRequest(ctx context.Context, req PaymentRequest) (*PaymentIntent, error) {
	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		ClientReferenceID: stripe.String(req.Reference),
		SuccessURL:        stripe.String(req.RedirectURL),
		CustomerEmail:     stripe.String(req.PayerEmail),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(strings.ToLower(req.Amount.Currency)),
				UnitAmount: stripe.Int64(req.Amount.Units),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String("Order " + req.Reference),
				},
			},
			Quantity: stripe.Int64(1),
		}},
	}
	params.Context = ctx

	sess, err := session.New(params)
	if err != nil {
		return nil, s.classify("create payment request", err)
	}
	return &PaymentIntent{PaymentID: sess.ID, PaymentLink: sess.URL}, nil
}

func (s *Stripe) VerifyWebhook(raw []byte, signature string) (*WebhookEvent, error) {
	event, err := webhook.ConstructEvent(raw, signature, s.webhookSecret)
	if err != nil {
		return nil, ErrBadSignature
	}

	var sess stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
		return nil, ErrMalformedPayload
	}
	if sess.ID == "" || sess.ClientReferenceID == "" {
		return nil, ErrMalformedPayload
	}

	state := StateProcessing
	switch event.Type {
	case "checkout.session.completed":
		state = StateComplete
	case "checkout.session.expired":
		state = StateCancelled
	case "checkout.session.async_payment_failed":
		state = StateFailed
	}

	return &WebhookEvent{
		ExternalID: sess.ID,
		Reference:  sess.ClientReferenceID,
		State:      state,
		Amount:     money.New(sess.AmountTotal, strings.ToUpper(string(sess.Currency))),
		Raw:        raw,
	}, nil
}

func (s *Stripe) VerifyPayment(ctx context.Context, paymentID string) (PaymentState, error) {
	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx

	sess, err := session.Get(paymentID, params)
	if err != nil {
		return "", s.classify("verify payment", err)
	}
	switch sess.PaymentStatus {
	case stripe.CheckoutSessionPaymentStatusPaid:
		return StateComplete, nil
	case stripe.CheckoutSessionPaymentStatusUnpaid:
		if sess.Status == stripe.CheckoutSessionStatusExpired {
			return StateCancelled, nil
		}
		return StateProcessing, nil
	default:
		return StateProcessing, nil
	}
}

func (s *Stripe) CreatePayout(ctx context.Context, req PayoutRequest) (*Payout, error) {
	if req.AccountKind != AccountBank {
		return nil, ErrUnsupportedAccountKind
	}
	params := &stripe.PayoutParams{
		Amount:              stripe.Int64(req.Amount.Units),
		Currency:            stripe.String(strings.ToLower(req.Amount.Currency)),
		Destination:         stripe.String(req.Destination),
		StatementDescriptor: stripe.String(req.Memo),
	}
	params.Context = ctx

	p, err := payout.New(params)
	if err != nil {
		return nil, s.classify("create payout", err)
	}
	return &Payout{PayoutID: p.ID, State: payoutState(p.Status)}, nil
}

func (s *Stripe) PayoutStatus(ctx context.Context, payoutID string) (PaymentState, error) {
	params := &stripe.PayoutParams{}
	params.Context = ctx

	p, err := payout.Get(payoutID, params)
	if err != nil {
		return "", s.classify("payout status", err)
	}
	return payoutState(p.Status), nil
}

func (s *Stripe) InitiateRefund(ctx context.Context, paymentID string, amount money.Amount, reason string) (*Refund, error) {
	intentID, err := s.paymentIntentID(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(intentID),
	}
	if amount.IsPositive() {
		params.Amount = stripe.Int64(amount.Units)
	}
	params.Context = ctx

	r, err := refund.New(params)
	if err != nil {
		return nil, s.classify("initiate refund", err)
	}

	state := StateProcessing
	switch r.Status {
	case stripe.RefundStatusSucceeded:
		state = StateComplete
	case stripe.RefundStatusFailed, stripe.RefundStatusCanceled:
		state = StateFailed
	}
	return &Refund{RefundID: r.ID, State: state}, nil
}

// paymentIntentID resolves the PaymentIntent behind a payment handle. The
// adapter hands out Checkout Session ids, and the refund API only accepts
// the underlying intent.
func (s *Stripe) paymentIntentID(ctx context.Context, paymentID string) (string, error) {
	if !strings.HasPrefix(paymentID, "cs_") {
		return paymentID, nil
	}
	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx

	sess, err := session.Get(paymentID, params)
	if err != nil {
		return "", s.classify("resolve payment intent", err)
	}
	if sess.PaymentIntent == nil || sess.PaymentIntent.ID == "" {
		return "", faults.Rejected("stripe", "checkout session has no payment intent to refund", nil)
	}
	return sess.PaymentIntent.ID, nil
}

func (s *Stripe) Capabilities() Capabilities {
	return Capabilities{
		Name:           "stripe",
		Payouts:        []AccountKind{AccountBank},
		Refunds:        true,
		SignedWebhooks: true,
		Simulated:      false,
	}
}

func payoutState(status stripe.PayoutStatus) PaymentState {
	switch status {
	case stripe.PayoutStatusPaid:
		return StateComplete
	case stripe.PayoutStatusFailed:
		return StateFailed
	case stripe.PayoutStatusCanceled:
		return StateCancelled
	default:
		return StateProcessing
	}
}

// classify maps stripe-go errors onto the shared taxonomy: explicit API
// refusals are Rejected, everything else (network, 5xx) is Unavailable.
func (s *Stripe) classify(op string, err error) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		switch stripeErr.Type {
		case stripe.ErrorTypeInvalidRequest, stripe.ErrorTypeCard:
			return faults.Rejected("stripe", fmt.Sprintf("%s: %s", op, stripeErr.Msg), err)
		}
	}
	return faults.Unavailable("stripe", fmt.Errorf("%s: %w", op, err))
}

// Compile-time assertion that Stripe implements Gateway.
var _ Gateway = (*Stripe)(nil)
