package payments

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/brandsonmedia/storefront/internal/apperr"
	"github.com/brandsonmedia/storefront/internal/orders"
)

// MemoryTracker keeps payment state in process memory.
type MemoryTracker struct {
	mu          sync.RWMutex
	records     map[string]Record
	correlation map[string]string
	events      map[string]Event
	anomalies   []Anomaly
}

// NewMemoryTracker creates an empty tracker.
func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{
		records:     make(map[string]Record),
		correlation: make(map[string]string),
		events:      make(map[string]Event),
	}
}

func correlationIndex(p Provider, key string) string {
	return string(p) + "/" + key
}

func (t *MemoryTracker) Create(_ context.Context, r *Record) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx := correlationIndex(r.Provider, r.CorrelationKey)
	if _, ok := t.correlation[idx]; ok {
		return fmt.Errorf("payment record %s: %w", idx, apperr.ErrConflict)
	}
	t.records[r.ID] = *r
	t.correlation[idx] = r.ID
	return nil
}

func (t *MemoryTracker) Get(_ context.Context, id string) (*Record, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	r, ok := t.records[id]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	return &r, nil
}

func (t *MemoryTracker) FindByCorrelation(ctx context.Context, provider Provider, key string) (*Record, error) {
	t.mu.RLock()
	id, ok := t.correlation[correlationIndex(provider, key)]
	t.mu.RUnlock()
	if !ok {
		return nil, apperr.ErrNotFound
	}
	return t.Get(ctx, id)
}

func (t *MemoryTracker) filter(keep func(Record) bool) []Record {
	t.mu.RLock()
	defer t.mu.RUnlock()

	result := make([]Record, 0)
	for _, r := range t.records {
		if keep(r) {
			result = append(result, r)
		}
	}
	return result
}

func (t *MemoryTracker) ListByOrder(_ context.Context, orderID string) ([]Record, error) {
	result := t.filter(func(r Record) bool { return r.OrderID == orderID })
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

// ListUnsettled returns records the sweep still has to look at, oldest first.
func (t *MemoryTracker) ListUnsettled(_ context.Context, olderThan time.Time, pendingProviders []Provider) ([]Record, error) {
	result := t.filter(func(r Record) bool {
		if r.Settled || r.Flagged || !r.UpdatedAt.Before(olderThan) {
			return false
		}
		return r.Status == orders.PaymentPaid ||
			(r.Status == orders.PaymentPending && slices.Contains(pendingProviders, r.Provider))
	})
	sort.Slice(result, func(i, j int) bool { return result[i].UpdatedAt.Before(result[j].UpdatedAt) })
	return result, nil
}

func (t *MemoryTracker) Update(_ context.Context, r *Record) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.records[r.ID]; !ok {
		return apperr.ErrNotFound
	}
	t.records[r.ID] = *r
	return nil
}

func (t *MemoryTracker) HasEvent(_ context.Context, key string) (bool, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.events[key]
	return ok, nil
}

func (t *MemoryTracker) RecordEvent(_ context.Context, e *Event) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.events[e.Key]; ok {
		return apperr.ErrDuplicateEvent
	}
	t.events[e.Key] = *e
	return nil
}

func (t *MemoryTracker) RecordAnomaly(_ context.Context, a *Anomaly) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.anomalies = append(t.anomalies, *a)
	return nil
}

func (t *MemoryTracker) ListAnomalies(_ context.Context, limit int) ([]Anomaly, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	result := make([]Anomaly, 0, len(t.anomalies))
	for i := len(t.anomalies) - 1; i >= 0 && len(result) < limit; i-- {
		result = append(result, t.anomalies[i])
	}
	return result, nil
}
