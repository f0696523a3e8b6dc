// throttle.go — Per-tenant concurrency cap for LLM requests.
// Weighted semaphores from x/sync grant waiters in FIFO order, which is
// exactly the queue-excess-requests behavior the repair path needs.
package llm

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

const defaultPerTenant = 2

// Throttle hands out at most n concurrent slots per tenant.
type Throttle struct {
	mu    sync.Mutex
	perT  int64
	slots map[string]*tenantSlot
}

// tenantSlot remembers the size its semaphore was built with so a roster
// limit change is noticed on the next Acquire.
type tenantSlot struct {
	sem  *semaphore.Weighted
	size int64
}

// NewThrottle returns a Throttle allowing perTenant in-flight requests per
// tenant; zero or negative means the default of 2.
func NewThrottle(perTenant int) *Throttle {
	if perTenant <= 0 {
		perTenant = defaultPerTenant
	}
	return &Throttle{
		perT:  int64(perTenant),
		slots: make(map[string]*tenantSlot),
	}
}

// Acquire blocks until a slot for tenant is free or ctx is done. A positive
// limit overrides the default cap (the roster's max_concurrent_llm). The
// returned release function must be called exactly once.
func (t *Throttle) Acquire(ctx context.Context, tenant string, limit int) (release func(), err error) {
	sem := t.semFor(tenant, limit)
	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	var once sync.Once
	return func() { once.Do(func() { sem.Release(1) }) }, nil
}

// semFor returns the tenant's semaphore, rebuilding it when the limit
// changed. Holders of a replaced semaphore release into the old one, so a
// hot-reloaded limit can briefly overshoot while they drain.
func (t *Throttle) semFor(tenant string, limit int) *semaphore.Weighted {
	n := t.perT
	if limit > 0 {
		n = int64(limit)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.slots[tenant]
	if !ok || s.size != n {
		s = &tenantSlot{sem: semaphore.NewWeighted(n), size: n}
		t.slots[tenant] = s
	}
	return s.sem
}
