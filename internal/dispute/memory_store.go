package dispute

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	disputes map[string]*Dispute
	byOrder  map[string][]string
}

// NewMemoryStore creates an empty in-memory dispute store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		disputes: make(map[string]*Dispute),
		byOrder:  make(map[string][]string),
	}
}

func copyDispute(d *Dispute) *Dispute {
	c := *d
	return &c
}

func (m *MemoryStore) Create(ctx context.Context, d *Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.disputes[d.ID]; ok {
		return ErrDuplicate
	}
	for _, id := range m.byOrder[d.OrderID] {
		if m.disputes[id].Status.Active() {
			return ErrActiveDispute
		}
	}
	m.disputes[d.ID] = copyDispute(d)
	m.byOrder[d.OrderID] = append(m.byOrder[d.OrderID], d.ID)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.disputes[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyDispute(d), nil
}

func (m *MemoryStore) GetActiveByOrder(ctx context.Context, orderID string) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, id := range m.byOrder[orderID] {
		if d := m.disputes[id]; d.Status.Active() {
			return copyDispute(d), nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) Update(ctx context.Context, d *Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.disputes[d.ID]; !ok {
		return ErrNotFound
	}
	c := copyDispute(d)
	c.UpdatedAt = time.Now()
	m.disputes[d.ID] = c
	return nil
}

func (m *MemoryStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Dispute
	for _, d := range m.disputes {
		if d.Status == status {
			result = append(result, copyDispute(d))
		}
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
