package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/buoooou/airline-order-course-sub001/internal/core/domain"
	"github.com/buoooou/airline-order-course-sub001/internal/port"
)

// MemoryStore implements the order, lock and history repositories in
// process memory. It serves tests and the local stress driver; every
// conditional write is performed under one mutex so it keeps the same
// compare-and-set semantics as the SQL adapters.
type MemoryStore struct {
	mu      sync.Mutex
	orders  map[string]*domain.Order
	locks   map[string]domain.Lock
	history []domain.HistoryEntry
	nextID  int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders: make(map[string]*domain.Order),
		locks:  make(map[string]domain.Lock),
	}
}

func (m *MemoryStore) CreateOrder(ctx context.Context, order *domain.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.orders[order.ID]; exists {
		return errors.Errorf("order %s already exists", order.ID)
	}
	m.orders[order.ID] = order.Clone()
	return nil
}

func (m *MemoryStore) FindByID(ctx context.Context, id string) (*domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	order, ok := m.orders[id]
	if !ok {
		return nil, domain.ErrOrderNotFound
	}
	return order.Clone(), nil
}

func (m *MemoryStore) SaveIfStatus(ctx context.Context, order *domain.Order, expected domain.OrderStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.orders[order.ID]
	if !ok {
		return domain.ErrOrderNotFound
	}
	if stored.Status != expected {
		return port.ErrStaleOrder
	}
	m.orders[order.ID] = order.Clone()
	return nil
}

func (m *MemoryStore) FindByStatus(ctx context.Context, status domain.OrderStatus, changedBefore time.Time, limit int) ([]domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []domain.Order
	for _, order := range m.orders {
		if order.Status == status && !order.UpdatedAt.After(changedBefore) {
			result = append(result, *order.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].UpdatedAt.Equal(result[j].UpdatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].UpdatedAt.Before(result[j].UpdatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) LoadLock(ctx context.Context, name string) (*domain.Lock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	lock, ok := m.locks[name]
	if !ok {
		return nil, nil
	}
	return &lock, nil
}

func (m *MemoryStore) UpsertLockIfExpired(ctx context.Context, name, holder string, now, until time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if current, ok := m.locks[name]; ok && current.LockUntil.After(now) {
		return false, nil
	}
	m.locks[name] = domain.Lock{Name: name, Holder: holder, LockedAt: now, LockUntil: until}
	return true, nil
}

func (m *MemoryStore) ReleaseLock(ctx context.Context, name, holder string, currentUntil, newUntil time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.locks[name]
	if !ok || current.Holder != holder || !current.LockUntil.Equal(currentUntil) {
		return false, nil
	}
	current.LockUntil = newUntil
	m.locks[name] = current
	return true, nil
}

func (m *MemoryStore) AppendHistory(ctx context.Context, entry *domain.HistoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	entry.ID = m.nextID
	m.history = append(m.history, *entry)
	return nil
}

func (m *MemoryStore) QueryHistory(ctx context.Context, filter domain.HistoryFilter) ([]domain.HistoryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []domain.HistoryEntry
	for _, e := range m.history {
		if filter.OrderID != "" && e.OrderID != filter.OrderID {
			continue
		}
		if filter.Event != "" && e.Event != filter.Event {
			continue
		}
		if filter.OnlyFailures && !e.Failed() {
			continue
		}
		if !filter.Since.IsZero() && e.CreatedAt.Before(filter.Since) {
			continue
		}
		result = append(result, e)
	}
	if filter.NewestFirst {
		for i, j := 0, len(result)-1; i < j; i, j = i+1, j-1 {
			result[i], result[j] = result[j], result[i]
		}
	}
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}
