package bays

import (
	"context"
	"errors"
	"sync"

	"github.com/wrenchworks/shopops/services/scheduling-service/internal/model"
)

// ErrExhausted means every bay index in [1, capacity] is occupied. Callers
// decide whether to queue the job or show a wait state; the allocator never
// queues.
var ErrExhausted = errors.New("no free bay")

// Store persists bay occupancy.
type Store interface {
	Occupied(ctx context.Context, shopID string) ([]model.Bay, error)
	Assign(ctx context.Context, shopID string, index int, workOrderID string) error
	Release(ctx context.Context, shopID, workOrderID string) (index int, held bool, err error)
}

// CapacitySource resolves a shop's bay count.
type CapacitySource interface {
	Capacity(ctx context.Context, shopID string) (int, error)
}

// Allocator hands out the lowest free bay index per shop. All mutations for
// one shop run under that shop's lock: two concurrent assigns computing the
// same "first free index" independently is exactly the race this exists to
// remove. Reads skip the lock and may be a moment stale.
type Allocator struct {
	store    Store
	capacity CapacitySource

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewAllocator(store Store, capacity CapacitySource) *Allocator {
	return &Allocator{
		store:    store,
		capacity: capacity,
		locks:    map[string]*sync.Mutex{},
	}
}

func (a *Allocator) shopLock(shopID string) *sync.Mutex {
	a.mu.Lock()
	defer a.mu.Unlock()
	l := a.locks[shopID]
	if l == nil {
		l = &sync.Mutex{}
		a.locks[shopID] = l
	}
	return l
}

// Assign gives the work order the lowest-indexed free bay. Assigning a work
// order that already holds a bay returns that bay again (idempotent, covers
// redelivered work-order events).
func (a *Allocator) Assign(ctx context.Context, shopID, workOrderID string) (int, error) {
	l := a.shopLock(shopID)
	l.Lock()
	defer l.Unlock()

	capacity, err := a.capacity.Capacity(ctx, shopID)
	if err != nil {
		return 0, err
	}

	occupied, err := a.store.Occupied(ctx, shopID)
	if err != nil {
		return 0, err
	}
	taken := make(map[int]bool, len(occupied))
	for _, b := range occupied {
		if b.WorkOrderID == workOrderID {
			return b.Index, nil
		}
		taken[b.Index] = true
	}

	for idx := 1; idx <= capacity; idx++ {
		if taken[idx] {
			continue
		}
		if err := a.store.Assign(ctx, shopID, idx, workOrderID); err != nil {
			return 0, err
		}
		return idx, nil
	}
	return 0, ErrExhausted
}

// Release frees the bay held by the work order. Releasing a work order that
// holds no bay is a no-op, not an error. The freed index is immediately
// eligible for the next Assign.
func (a *Allocator) Release(ctx context.Context, shopID, workOrderID string) (int, bool, error) {
	l := a.shopLock(shopID)
	l.Lock()
	defer l.Unlock()

	return a.store.Release(ctx, shopID, workOrderID)
}

// Occupancy is a read-only snapshot for dashboards. It deliberately does not
// take the shop lock; a few seconds of staleness is fine for display.
func (a *Allocator) Occupancy(ctx context.Context, shopID string) ([]model.Bay, error) {
	return a.store.Occupied(ctx, shopID)
}
