package streaming

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/jcheng510/ai-erp-system-sub003/pkg/schema"
)

const defaultChannelBuffer = 64

// severityRank orders severities; unknown or empty severities rank lowest.
var severityRank = map[schema.Severity]int{
	schema.SeverityLow:      1,
	schema.SeverityMedium:   2,
	schema.SeverityHigh:     3,
	schema.SeverityCritical: 4,
}

// Matches reports whether e passes the filter.
func (f EventFilter) Matches(e StreamEvent) bool {
	switch {
	case f.SourceEntity != "" && f.SourceEntity != e.SourceEntity:
		return false
	case f.SourceID != "" && f.SourceID != e.SourceID:
		return false
	case len(f.EventTypes) > 0 && !slices.Contains(f.EventTypes, e.Type):
		return false
	case f.MinSeverity != "" && severityRank[e.Severity] < severityRank[f.MinSeverity]:
		return false
	}
	return true
}

type subscription struct {
	events chan StreamEvent
	filter EventFilter
}

// MemoryHub is the in-process EventHub. Delivery never blocks the
// publisher: a subscriber whose buffer is full misses the event and the
// miss is counted.
type MemoryHub struct {
	mu      sync.RWMutex
	subs    map[uint64]*subscription
	nextID  atomic.Uint64
	dropped atomic.Int64
}

func NewMemoryHub() *MemoryHub {
	return &MemoryHub{subs: make(map[uint64]*subscription)}
}

func (h *MemoryHub) Publish(ctx context.Context, event StreamEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subs {
		if !sub.filter.Matches(event) {
			continue
		}
		select {
		case sub.events <- event:
		default:
			h.dropped.Add(1)
		}
	}
	return nil
}

// Subscribe registers a filtered subscription. Cancelling it removes the
// subscription and closes the channel; the cancel func is idempotent and
// also runs when ctx is done.
func (h *MemoryHub) Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	id := h.nextID.Add(1)
	sub := &subscription{events: make(chan StreamEvent, defaultChannelBuffer), filter: filter}

	h.mu.Lock()
	h.subs[id] = sub
	h.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			close(sub.events)
			h.mu.Unlock()
		})
	}
	stop := context.AfterFunc(ctx, unsubscribe)

	return sub.events, func() {
		stop()
		unsubscribe()
	}, nil
}

// Subscribers returns the number of live subscriptions.
func (h *MemoryHub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped returns how many deliveries were skipped for slow subscribers.
func (h *MemoryHub) Dropped() int64 {
	return h.dropped.Load()
}

var _ EventHub = (*MemoryHub)(nil)
