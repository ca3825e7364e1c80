package catalog

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu       sync.Mutex
	products map[string]*Product
}

// NewMemoryStore creates an empty in-memory catalog store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{products: make(map[string]*Product)}
}

func copyProduct(p *Product) *Product {
	c := *p
	return &c
}

func (m *MemoryStore) Create(ctx context.Context, p *Product) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.products[p.ID]; ok {
		return ErrDuplicate
	}
	m.products[p.ID] = copyProduct(p)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.products[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyProduct(p), nil
}

func (m *MemoryStore) ReserveStock(ctx context.Context, productID string, qty int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.products[productID]
	if !ok {
		return ErrNotFound
	}
	if p.Stock < qty {
		return ErrInsufficientStock
	}
	p.Stock -= qty
	p.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) ReleaseStock(ctx context.Context, productID string, qty int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.products[productID]
	if !ok {
		return ErrNotFound
	}
	p.Stock += qty
	p.UpdatedAt = time.Now()
	return nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
