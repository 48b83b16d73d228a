package bus

import (
	"context"
	"sync"
	"sync/atomic"
)

// MemoryBus is the in-process backend: publish synchronously invokes every
// local subscriber in registration order. Single-instance deployments use it
// directly; the networked backends embed it for their local fan-out leg.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[string]map[int64]*Subscription
	nextID atomic.Int64
	closed atomic.Bool
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[string]map[int64]*Subscription)}
}

func (b *MemoryBus) Publish(ctx context.Context, group string, data []byte) error {
	b.dispatch(group, data)
	return nil
}

// dispatch fans out to the local subscribers of group. Callers that already
// delivered locally (networked receive loops filtering by origin) come through
// here too.
func (b *MemoryBus) dispatch(group string, data []byte) {
	b.mu.RLock()
	m := b.subs[group]
	snapshot := make([]*Subscription, 0, len(m))
	for _, s := range m {
		snapshot = append(snapshot, s)
	}
	b.mu.RUnlock()

	for _, s := range snapshot {
		s.fn(group, data)
	}
}

func (b *MemoryBus) Subscribe(group string, fn DeliverFunc) (*Subscription, error) {
	sub := &Subscription{group: group, id: b.nextID.Add(1), fn: fn}
	b.mu.Lock()
	m := b.subs[group]
	if m == nil {
		m = make(map[int64]*Subscription)
		b.subs[group] = m
	}
	m[sub.id] = sub
	b.mu.Unlock()
	return sub, nil
}

func (b *MemoryBus) Unsubscribe(sub *Subscription) error {
	if sub == nil {
		return nil
	}
	b.mu.Lock()
	if m := b.subs[sub.group]; m != nil {
		delete(m, sub.id)
		if len(m) == 0 {
			delete(b.subs, sub.group)
		}
	}
	b.mu.Unlock()
	return nil
}

// subscriberCount reports local subscribers of group (used by tests and by
// networked backends to decide topic refcounts).
func (b *MemoryBus) subscriberCount(group string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[group])
}

func (b *MemoryBus) Degraded() bool { return false }

func (b *MemoryBus) Close() error {
	b.closed.Store(true)
	b.mu.Lock()
	b.subs = make(map[string]map[int64]*Subscription)
	b.mu.Unlock()
	return nil
}
