package escrow

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
	byOrder map[string]string
	byHash  map[string]string // creation or release tx hash -> record ID
}

// NewMemoryStore creates an empty in-memory escrow record store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*Record),
		byOrder: make(map[string]string),
		byHash:  make(map[string]string),
	}
}

func copyRecord(r *Record) *Record {
	c := *r
	return &c
}

func (m *MemoryStore) Create(ctx context.Context, r *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.records[r.ID]; ok {
		return ErrDuplicate
	}
	if _, ok := m.byOrder[r.OrderID]; ok {
		return ErrDuplicate
	}
	if _, ok := m.byHash[r.CreationTxHash]; ok {
		return ErrDuplicate
	}
	m.records[r.ID] = copyRecord(r)
	m.byOrder[r.OrderID] = r.ID
	m.byHash[r.CreationTxHash] = r.ID
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyRecord(r), nil
}

func (m *MemoryStore) GetByOrder(ctx context.Context, orderID string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byOrder[orderID]
	if !ok {
		return nil, ErrNotFound
	}
	return copyRecord(m.records[id]), nil
}

func (m *MemoryStore) Update(ctx context.Context, r *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.records[r.ID]
	if !ok {
		return ErrNotFound
	}
	if r.ReleaseTxHash != "" && r.ReleaseTxHash != stored.ReleaseTxHash {
		if owner, taken := m.byHash[r.ReleaseTxHash]; taken && owner != r.ID {
			return ErrDuplicate
		}
		m.byHash[r.ReleaseTxHash] = r.ID
	}
	c := copyRecord(r)
	c.UpdatedAt = time.Now()
	m.records[r.ID] = c
	return nil
}

func (m *MemoryStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Record
	for _, r := range m.records {
		if r.Status == status {
			result = append(result, copyRecord(r))
		}
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
