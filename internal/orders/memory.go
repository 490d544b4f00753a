package orders

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/brandsonmedia/storefront/internal/apperr"
	"github.com/brandsonmedia/storefront/internal/pkg/keylock"
)

// MemoryRepository keeps orders in process memory. Writes are serialized per
// order id; different orders update in parallel.
type MemoryRepository struct {
	mu       sync.RWMutex
	byID     map[string]*Order
	byNumber map[string]string
	locks    *keylock.Locker
}

// NewMemoryRepository returns an empty in-process Repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		byID:     make(map[string]*Order),
		byNumber: make(map[string]string),
		locks:    keylock.New(),
	}
}

func clone(o *Order) *Order {
	c := *o
	c.Items = append([]Item(nil), o.Items...)
	return &c
}

func (r *MemoryRepository) Create(_ context.Context, o *Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byID[o.ID]; ok {
		return fmt.Errorf("order %s: %w", o.ID, apperr.ErrConflict)
	}
	if _, ok := r.byNumber[o.OrderNumber]; ok {
		return fmt.Errorf("order %s: %w", o.OrderNumber, apperr.ErrConflict)
	}
	r.byID[o.ID] = clone(o)
	r.byNumber[o.OrderNumber] = o.ID
	return nil
}

func (r *MemoryRepository) GetByID(_ context.Context, id string) (*Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	o, ok := r.byID[id]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	return clone(o), nil
}

func (r *MemoryRepository) GetByOrderNumber(ctx context.Context, number string) (*Order, error) {
	r.mu.RLock()
	id, ok := r.byNumber[number]
	r.mu.RUnlock()
	if !ok {
		return nil, apperr.ErrNotFound
	}
	return r.GetByID(ctx, id)
}

func (r *MemoryRepository) List(_ context.Context, f Filter) ([]Order, error) {
	r.mu.RLock()
	matched := make([]Order, 0)
	for _, o := range r.byID {
		if f.Matches(o) {
			matched = append(matched, *clone(o))
		}
	}
	r.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	if f.Offset >= len(matched) {
		return []Order{}, nil
	}
	end := f.Offset + f.limit()
	if end > len(matched) {
		end = len(matched)
	}
	return matched[f.Offset:end], nil
}

// Update applies mutate to a copy and stores it only when mutate succeeds.
func (r *MemoryRepository) Update(ctx context.Context, id string, mutate func(o *Order) error) (*Order, error) {
	unlock := r.locks.Lock(id)
	defer unlock()

	o, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := mutate(o); err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.byID[id] = clone(o)
	r.mu.Unlock()

	return clone(o), nil
}
