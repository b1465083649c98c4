package repository

import (
	"context"
	"sort"
	"sync"

	"github.com/comitanigiacomo/caresync/internal/core/domain"
)

var _ domain.PendingChangeRepository = (*InMemoryChangeRepository)(nil)

// InMemoryChangeRepository keeps the queue in process memory. Contents are
// lost on restart.
type InMemoryChangeRepository struct {
	store map[string]*domain.PendingChange

	mu sync.RWMutex
}

func NewInMemoryChangeRepository() *InMemoryChangeRepository {
	return &InMemoryChangeRepository{
		store: make(map[string]*domain.PendingChange),
	}
}

func (r *InMemoryChangeRepository) Create(ctx context.Context, change *domain.PendingChange) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.store[change.ID]; ok {
		return domain.ErrDuplicateChange
	}

	clone := *change
	r.store[change.ID] = &clone
	return nil
}

func (r *InMemoryChangeRepository) Update(ctx context.Context, change *domain.PendingChange) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.store[change.ID]
	if !ok {
		return domain.ErrChangeNotFound
	}

	existing.Status = change.Status
	existing.RetryCount = change.RetryCount
	existing.ErrorMessage = change.ErrorMessage
	existing.UpdatedAt = change.UpdatedAt
	return nil
}

func (r *InMemoryChangeRepository) Claim(ctx context.Context, change *domain.PendingChange, from domain.ChangeStatus) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.store[change.ID]
	if !ok || existing.Status != from {
		return false, nil
	}

	existing.Status = change.Status
	existing.UpdatedAt = change.UpdatedAt
	return true, nil
}

func (r *InMemoryChangeRepository) GetByID(ctx context.Context, id string) (*domain.PendingChange, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	change, ok := r.store[id]
	if !ok {
		return nil, domain.ErrChangeNotFound
	}
	clone := *change
	return &clone, nil
}

func (r *InMemoryChangeRepository) List(ctx context.Context) ([]*domain.PendingChange, error) {
	return r.filter(func(*domain.PendingChange) bool { return true }), nil
}

func (r *InMemoryChangeRepository) ListByStatus(ctx context.Context, status domain.ChangeStatus) ([]*domain.PendingChange, error) {
	return r.filter(func(c *domain.PendingChange) bool { return c.Status == status }), nil
}

func (r *InMemoryChangeRepository) CountByStatus(ctx context.Context, status domain.ChangeStatus) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	count := 0
	for _, c := range r.store {
		if c.Status == status {
			count++
		}
	}
	return count, nil
}

func (r *InMemoryChangeRepository) DeleteByStatus(ctx context.Context, status domain.ChangeStatus) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	deleted := 0
	for id, c := range r.store {
		if c.Status == status {
			delete(r.store, id)
			deleted++
		}
	}
	return deleted, nil
}

func (r *InMemoryChangeRepository) filter(keep func(*domain.PendingChange) bool) []*domain.PendingChange {
	r.mu.RLock()
	defer r.mu.RUnlock()

	changes := []*domain.PendingChange{}
	for _, c := range r.store {
		if keep(c) {
			clone := *c
			changes = append(changes, &clone)
		}
	}

	sort.Slice(changes, func(i, j int) bool {
		if changes[i].Timestamp == changes[j].Timestamp {
			return changes[i].ID < changes[j].ID
		}
		return changes[i].Timestamp < changes[j].Timestamp
	})

	return changes
}
