package order

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Michaelmk708/proofcart/internal/pagination"
)

// MemoryStore is an in-memory implementation of Store and TxStore for
// development and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	orders   map[string]*Order
	byRef    map[string]string // transaction reference -> order ID
	txs      map[string]*PaymentTransaction
	txByExt  map[string]string // external id -> tx id
	txsByOrd map[string][]string
}

// NewMemoryStore creates an empty in-memory order store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders:   make(map[string]*Order),
		byRef:    make(map[string]string),
		txs:      make(map[string]*PaymentTransaction),
		txByExt:  make(map[string]string),
		txsByOrd: make(map[string][]string),
	}
}

func copyOrder(o *Order) *Order {
	c := *o
	return &c
}

func copyTx(t *PaymentTransaction) *PaymentTransaction {
	c := *t
	return &c
}

func (m *MemoryStore) Create(ctx context.Context, o *Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.orders[o.ID]; ok {
		return ErrDuplicate
	}
	if _, ok := m.byRef[o.TransactionReference]; ok {
		return ErrDuplicate
	}
	m.orders[o.ID] = copyOrder(o)
	m.byRef[o.TransactionReference] = o.ID
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyOrder(o), nil
}

func (m *MemoryStore) GetByReference(ctx context.Context, ref string) (*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byRef[ref]
	if !ok {
		return nil, ErrNotFound
	}
	return copyOrder(m.orders[id]), nil
}

func (m *MemoryStore) Update(ctx context.Context, o *Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.orders[o.ID]
	if !ok {
		return ErrNotFound
	}
	// Status is owned by UpdateStatus; preserve the stored value.
	status := stored.Status
	c := copyOrder(o)
	c.Status = status
	c.UpdatedAt = time.Now()
	m.orders[o.ID] = c
	return nil
}

func (m *MemoryStore) UpdateStatus(ctx context.Context, id string, from, to Status, mutate func(*Order)) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	if stored.Status != from {
		return nil, ErrStatusConflict
	}

	c := copyOrder(stored)
	c.Status = to
	if mutate != nil {
		mutate(c)
	}
	c.UpdatedAt = time.Now()
	m.orders[id] = c
	return copyOrder(c), nil
}

func (m *MemoryStore) ListByUser(ctx context.Context, userID string, role Role, limit int, opts ...ListOption) ([]*Order, error) {
	lo := applyListOpts(opts)

	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Order
	for _, o := range m.orders {
		if (role == RoleBuyer && o.BuyerID == userID) || (role == RoleSeller && o.SellerID == userID) {
			result = append(result, copyOrder(o))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID > result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if lo.cursor != nil {
		result = afterCursor(result, lo.cursor)
	}
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// afterCursor drops orders at or before the cursor position in the
// (created_at DESC, id DESC) ordering.
func afterCursor(orders []*Order, c *pagination.Cursor) []*Order {
	for i, o := range orders {
		if o.CreatedAt.Before(c.CreatedAt) || (o.CreatedAt.Equal(c.CreatedAt) && o.ID < c.ID) {
			return orders[i:]
		}
	}
	return nil
}

func (m *MemoryStore) ListStuck(ctx context.Context, status Status, before time.Time, limit int) ([]*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Order
	for _, o := range m.orders {
		if o.Status == status && o.FlagReason == "" && o.UpdatedAt.Before(before) {
			result = append(result, copyOrder(o))
		}
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

// --- TxStore ---

func (m *MemoryStore) CreateTransaction(ctx context.Context, tx *PaymentTransaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.txByExt[tx.ExternalID]; ok {
		return ErrTxDuplicate
	}
	m.txs[tx.ID] = copyTx(tx)
	m.txByExt[tx.ExternalID] = tx.ID
	m.txsByOrd[tx.OrderID] = append(m.txsByOrd[tx.OrderID], tx.ID)
	return nil
}

func (m *MemoryStore) GetTransactionByExternalID(ctx context.Context, externalID string) (*PaymentTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.txByExt[externalID]
	if !ok {
		return nil, ErrTxNotFound
	}
	return copyTx(m.txs[id]), nil
}

func (m *MemoryStore) AdvanceTransaction(ctx context.Context, id string, status TxStatus, raw []byte, completedAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.txs[id]
	if !ok {
		return ErrTxNotFound
	}
	tx.Status = status
	if raw != nil {
		tx.RawResponse = raw
	}
	if completedAt != nil {
		tx.CompletedAt = completedAt
	}
	return nil
}

func (m *MemoryStore) ListTransactions(ctx context.Context, orderID string) ([]*PaymentTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := m.txsByOrd[orderID]
	result := make([]*PaymentTransaction, 0, len(ids))
	for _, id := range ids {
		result = append(result, copyTx(m.txs[id]))
	}
	return result, nil
}

// Compile-time assertions.
var (
	_ Store   = (*MemoryStore)(nil)
	_ TxStore = (*MemoryStore)(nil)
)
