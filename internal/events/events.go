// Package events is the in-process domain event bus for settlement.
//
// The orchestrator records what happened (PaymentConfirmed, EscrowCreated,
// DeliveryConfirmed, ...) and independent handlers decide what runs next.
// Every event is appended to the outbox log before handlers run, so a crashed
// handler leaves a durable trace to replay from.
package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/Michaelmk708/proofcart/internal/idgen"
)

// Type identifies a domain event.
type Type string

const (
	PaymentConfirmed  Type = "payment.confirmed"
	PaymentFailed     Type = "payment.failed"
	EscrowCreated     Type = "escrow.created"
	OrderShipped      Type = "order.shipped"
	DeliveryConfirmed Type = "delivery.confirmed"
	EscrowReleased    Type = "escrow.released"
	PayoutCompleted   Type = "payout.completed"
	DisputeOpened     Type = "dispute.opened"
	DisputeResolved   Type = "dispute.resolved"
	OrderFlagged      Type = "order.flagged"
)

// Event is one fact about an order's settlement.
type Event struct {
	ID        string         `json:"id"`
	Type      Type           `json:"type"`
	OrderID   string         `json:"orderId"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// New builds an event with a fresh ID and timestamp.
func New(t Type, orderID string, data map[string]any) *Event {
	return &Event{
		ID:        idgen.WithPrefix("evt_"),
		Type:      t,
		OrderID:   orderID,
		Timestamp: time.Now(),
		Data:      data,
	}
}

// Handler consumes one event. Handler errors are logged, never propagated to
// the emitter; each step is independently retryable through the sweep, not
// through emitter failure.
type Handler func(ctx context.Context, e *Event) error

// Log is the outbox. Append happens before dispatch.
type Log interface {
	Append(ctx context.Context, e *Event) error
	ListByOrder(ctx context.Context, orderID string) ([]*Event, error)
}

// Bus fans events out to subscribed handlers.
type Bus struct {
	log    Log
	logger *slog.Logger

	mu       sync.RWMutex
	handlers map[Type][]Handler
}

// NewBus creates an event bus writing to the given outbox log.
func NewBus(log Log, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		log:      log,
		logger:   logger,
		handlers: make(map[Type][]Handler),
	}
}

// Subscribe registers a handler for an event type. Not safe to call after
// Emit traffic starts from multiple goroutines with registration still going;
// wire subscriptions at startup.
func (b *Bus) Subscribe(t Type, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[t] = append(b.handlers[t], h)
}

// Emit appends the event to the outbox, then runs handlers synchronously in
// subscription order. A panicking or failing handler is logged and does not
// stop the others.
func (b *Bus) Emit(ctx context.Context, e *Event) error {
	if err := b.log.Append(ctx, e); err != nil {
		return err
	}

	b.mu.RLock()
	handlers := b.handlers[e.Type]
	b.mu.RUnlock()

	for _, h := range handlers {
		b.safeRun(ctx, h, e)
	}
	return nil
}

func (b *Bus) safeRun(ctx context.Context, h Handler, e *Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"event", e.Type, "order_id", e.OrderID, "panic", r)
		}
	}()
	if err := h(ctx, e); err != nil {
		b.logger.Error("event handler failed",
			"event", e.Type, "order_id", e.OrderID, "error", err)
	}
}

// MemoryLog is an in-memory outbox for development and tests.
type MemoryLog struct {
	mu     sync.RWMutex
	events []*Event
}

// NewMemoryLog creates an empty in-memory outbox.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{}
}

func (m *MemoryLog) Append(ctx context.Context, e *Event) error {
	if e.ID == "" {
		return errors.New("event id required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *e
	m.events = append(m.events, &c)
	return nil
}

func (m *MemoryLog) ListByOrder(ctx context.Context, orderID string) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Event
	for _, e := range m.events {
		if e.OrderID == orderID {
			c := *e
			result = append(result, &c)
		}
	}
	return result, nil
}

// Compile-time assertion that MemoryLog implements Log.
var _ Log = (*MemoryLog)(nil)
