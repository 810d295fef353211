// Package bus fans tenant status updates out to live subscribers.
package bus

import (
	"context"
	"sync"

	"github.com/KafClaw/wagate/internal/session"
)

// Wildcard subscribes to every tenant.
const Wildcard = "*"

type subscriber struct {
	id uint64
	fn func(session.Snapshot)
}

// StatusBus decouples the status synchronizer from live subscribers.
type StatusBus struct {
	outbound chan session.Snapshot
	subs     map[string][]subscriber
	nextID   uint64
	running  bool
	mu       sync.RWMutex
}

// NewStatusBus creates a bus with the given queue depth.
func NewStatusBus(depth int) *StatusBus {
	if depth <= 0 {
		depth = 100
	}
	return &StatusBus{
		outbound: make(chan session.Snapshot, depth),
		subs:     make(map[string][]subscriber),
	}
}

// Publish queues a status for dispatch. It never blocks; it returns false
// when the queue is full and the status was dropped.
func (b *StatusBus) Publish(s session.Snapshot) bool {
	select {
	case b.outbound <- s:
		return true
	default:
		return false
	}
}

// Subscribe registers a callback for one tenant, or for all tenants with
// Wildcard. The returned func removes the subscription.
func (b *StatusBus) Subscribe(tenantID string, callback func(session.Snapshot)) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.subs[tenantID] = append(b.subs[tenantID], subscriber{id: id, fn: callback})

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(tenantID, id) })
	}
}

func (b *StatusBus) remove(tenantID string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[tenantID]
	for i, s := range subs {
		if s.id == id {
			subs = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(subs) == 0 {
		delete(b.subs, tenantID)
		return
	}
	b.subs[tenantID] = subs
}

// Subscribers returns the number of callbacks registered for tenantID,
// excluding wildcard subscribers.
func (b *StatusBus) Subscribers(tenantID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[tenantID])
}

// Dispatch runs the dispatcher until ctx is cancelled.
// This should be run as a goroutine.
func (b *StatusBus) Dispatch(ctx context.Context) error {
	b.mu.Lock()
	b.running = true
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		b.running = false
		b.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case s := <-b.outbound:
			b.deliver(s)
		}
	}
}

func (b *StatusBus) deliver(s session.Snapshot) {
	b.mu.RLock()
	callbacks := make([]subscriber, 0, len(b.subs[s.TenantID])+len(b.subs[Wildcard]))
	callbacks = append(callbacks, b.subs[s.TenantID]...)
	if s.TenantID != Wildcard {
		callbacks = append(callbacks, b.subs[Wildcard]...)
	}
	b.mu.RUnlock()

	for _, cb := range callbacks {
		cb.fn(s)
	}
}

// Running reports whether the dispatcher loop is active.
func (b *StatusBus) Running() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.running
}

// QueueSize returns the number of undelivered statuses.
func (b *StatusBus) QueueSize() int {
	return len(b.outbound)
}
