package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/Michaelmk708/proofcart/internal/idgen"
	"github.com/Michaelmk708/proofcart/internal/money"
)

// Simulated is an in-process gateway for development and tests. Payments
// complete only when a webhook is delivered (tests craft those with Sign);
// payouts and refunds complete immediately.
//
// It is selected explicitly by configuration. Production startup refuses it.
type Simulated struct {
	secret  []byte
	baseURL string
	logger  *slog.Logger

	mu       sync.Mutex
	payments map[string]PaymentState
	payouts  map[string]PaymentState
}

// NewSimulated creates a simulated gateway. An empty secret puts webhook
// verification in pass-through mode, which is logged loudly here and again
// on every unverified delivery.
func NewSimulated(secret, baseURL string, logger *slog.Logger) *Simulated {
	if logger == nil {
		logger = slog.Default()
	}
	if secret == "" {
		logger.Warn("INSECURE: simulated gateway has no webhook secret, signature verification is DISABLED")
	}
	return &Simulated{
		secret:   []byte(secret),
		baseURL:  baseURL,
		logger:   logger,
		payments: make(map[string]PaymentState),
		payouts:  make(map[string]PaymentState),
	}
}

// webhookPayload is the simulated provider's wire format.
type webhookPayload struct {
	ID        string `json:"id"`
	InvoiceID string `json:"invoice_id"`
	State     string `json:"state"`
	APIRef    string `json:"api_ref"`
	Value     int64  `json:"value"`
	Currency  string `json:"currency"`
}

func (s *Simulated) CreatePaymentRequest(ctx context.Context, req PaymentRequest) (*PaymentIntent, error) {
	if !req.Amount.IsPositive() {
		return nil, fmt.Errorf("payment amount must be positive, got %s", req.Amount)
	}
	id := idgen.WithPrefix("sim_pay_")

	s.mu.Lock()
	s.payments[id] = StateProcessing
	s.mu.Unlock()

	return &PaymentIntent{
		PaymentID:   id,
		PaymentLink: fmt.Sprintf("%s/checkout/%s", s.baseURL, id),
	}, nil
}

func (s *Simulated) VerifyWebhook(raw []byte, signature string) (*WebhookEvent, error) {
	if len(s.secret) == 0 {
		s.logger.Warn("INSECURE: accepting webhook without signature verification")
	} else {
		mac := hmac.New(sha256.New, s.secret)
		mac.Write(raw)
		expected := hex.EncodeToString(mac.Sum(nil))
		if !hmac.Equal([]byte(expected), []byte(signature)) {
			return nil, ErrBadSignature
		}
	}

	var p webhookPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, ErrMalformedPayload
	}
	if p.APIRef == "" || p.InvoiceID == "" {
		return nil, ErrMalformedPayload
	}

	state := StateProcessing
	switch p.State {
	case "COMPLETE":
		state = StateComplete
	case "FAILED":
		state = StateFailed
	case "CANCELLED":
		state = StateCancelled
	}

	s.mu.Lock()
	s.payments[p.InvoiceID] = state
	s.mu.Unlock()

	return &WebhookEvent{
		ExternalID: p.InvoiceID,
		Reference:  p.APIRef,
		State:      state,
		Amount:     money.New(p.Value, p.Currency),
		Raw:        raw,
	}, nil
}

// Sign computes the signature header for a payload. Tests use it to craft
// valid webhook deliveries.
func (s *Simulated) Sign(raw []byte) string {
	if len(s.secret) == 0 {
		return ""
	}
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(raw)
	return hex.EncodeToString(mac.Sum(nil))
}

func (s *Simulated) VerifyPayment(ctx context.Context, paymentID string) (PaymentState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.payments[paymentID]
	if !ok {
		return "", fmt.Errorf("unknown payment %s", paymentID)
	}
	return state, nil
}

func (s *Simulated) CreatePayout(ctx context.Context, req PayoutRequest) (*Payout, error) {
	if req.AccountKind != AccountMpesa {
		return nil, ErrUnsupportedAccountKind
	}
	if !req.Amount.IsPositive() {
		return nil, fmt.Errorf("payout amount must be positive, got %s", req.Amount)
	}
	id := idgen.WithPrefix("sim_out_")

	s.mu.Lock()
	s.payouts[id] = StateComplete
	s.mu.Unlock()

	return &Payout{PayoutID: id, State: StateComplete}, nil
}

func (s *Simulated) PayoutStatus(ctx context.Context, payoutID string) (PaymentState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.payouts[payoutID]
	if !ok {
		return "", fmt.Errorf("unknown payout %s", payoutID)
	}
	return state, nil
}

func (s *Simulated) InitiateRefund(ctx context.Context, paymentID string, amount money.Amount, reason string) (*Refund, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.payments[paymentID]; !ok {
		return nil, fmt.Errorf("unknown payment %s", paymentID)
	}
	return &Refund{RefundID: idgen.WithPrefix("sim_ref_"), State: StateComplete}, nil
}

func (s *Simulated) Capabilities() Capabilities {
	return Capabilities{
		Name:           "simulated",
		Payouts:        []AccountKind{AccountMpesa},
		Refunds:        true,
		SignedWebhooks: len(s.secret) > 0,
		Simulated:      true,
	}
}

// Compile-time assertion that Simulated implements Gateway.
var _ Gateway = (*Simulated)(nil)
