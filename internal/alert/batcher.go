// batcher.go — Accumulates batch-channel events per tenant between ticks.
// The batcher never posts anything itself: the driver owns the tick and asks
// for due batches, the notifier does the talking.
package alert

import (
	"sync"
	"time"

	"github.com/forecourt/oemwatch/internal/types"
)

// Batcher holds pending events for the hourly and daily channels, keyed by
// tenant. Immediate and email events never enter the batcher.
type Batcher struct {
	mu        sync.Mutex
	hourly    map[string][]types.ChangeEvent // tenant -> pending, append order
	daily     map[string][]types.ChangeEvent
	lastHour  time.Time
	lastDaily time.Time
}

// NewBatcher returns an empty batcher. The first hourly and daily drains
// become due one interval after start.
func NewBatcher(start time.Time) *Batcher {
	return &Batcher{
		hourly:    make(map[string][]types.ChangeEvent),
		daily:     make(map[string][]types.ChangeEvent),
		lastHour:  start,
		lastDaily: start,
	}
}

// Add queues an event on its batch channel. Events on non-batch channels are
// ignored so callers can feed every routed event through without filtering.
func (b *Batcher) Add(ev types.ChangeEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch ev.Channel {
	case types.ChannelSlackBatchHour:
		b.hourly[ev.TenantSlug] = append(b.hourly[ev.TenantSlug], ev)
	case types.ChannelSlackBatchDaily:
		b.daily[ev.TenantSlug] = append(b.daily[ev.TenantSlug], ev)
	}
}

// Pending reports queue depths for observability.
func (b *Batcher) Pending() (hourly, daily int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, evs := range b.hourly {
		hourly += len(evs)
	}
	for _, evs := range b.daily {
		daily += len(evs)
	}
	return hourly, daily
}

// Due returns the channels whose interval has elapsed at now, and advances
// their drain clocks. A channel with nothing queued is still returned; the
// caller skips empty drains.
func (b *Batcher) Due(now time.Time, hourlyEvery, dailyEvery time.Duration) []types.Channel {
	b.mu.Lock()
	defer b.mu.Unlock()
	var due []types.Channel
	if now.Sub(b.lastHour) >= hourlyEvery {
		b.lastHour = now
		due = append(due, types.ChannelSlackBatchHour)
	}
	if now.Sub(b.lastDaily) >= dailyEvery {
		b.lastDaily = now
		due = append(due, types.ChannelSlackBatchDaily)
	}
	return due
}

// Drain returns and clears the accumulated events for one channel, keyed by
// tenant. Order within a tenant is arrival order.
func (b *Batcher) Drain(ch types.Channel) map[string][]types.ChangeEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	var src map[string][]types.ChangeEvent
	switch ch {
	case types.ChannelSlackBatchHour:
		src = b.hourly
		b.hourly = make(map[string][]types.ChangeEvent)
	case types.ChannelSlackBatchDaily:
		src = b.daily
		b.daily = make(map[string][]types.ChangeEvent)
	default:
		return nil
	}
	if len(src) == 0 {
		return nil
	}
	return src
}
