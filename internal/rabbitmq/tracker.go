package rabbitmq

import (
	"context"
	"fmt"
	"sync"
)

// DeliveryTracker enforces the flow-control limit and keeps the ledger of
// outstanding delivery tags for one consumer session. The broker's Qos
// prefetch is the wire-level guarantee; the tracker is the local guarantee
// and the authority on acknowledgment correctness: resolving a tag that is
// unknown or already resolved fails loudly instead of being absorbed.
//
// Acquire and Resolve are called from different goroutines (dispatch loop
// vs. handler workers), so all ledger mutation is serialized by a mutex
// and capacity is a channel semaphore that Acquire can block on.
type DeliveryTracker struct {
	limit int
	slots chan struct{}

	mu          sync.Mutex
	outstanding map[uint64]struct{}
}

// NewDeliveryTracker creates a tracker with the given flow-control limit.
// A non-positive limit defaults to 1.
func NewDeliveryTracker(limit int) *DeliveryTracker {
	if limit <= 0 {
		limit = 1
	}
	return &DeliveryTracker{
		limit:       limit,
		slots:       make(chan struct{}, limit),
		outstanding: make(map[uint64]struct{}),
	}
}

// Limit returns the flow-control limit.
func (t *DeliveryTracker) Limit() int {
	return t.limit
}

// Acquire blocks until a delivery slot is free or the context is
// cancelled. It must be called before Track.
func (t *DeliveryTracker) Acquire(ctx context.Context) error {
	select {
	case t.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Track records a delivery tag as outstanding. The caller must hold a
// slot from Acquire.
func (t *DeliveryTracker) Track(tag uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.outstanding[tag]; exists {
		return fmt.Errorf("%w: tag %d tracked twice", ErrUnknownDeliveryTag, tag)
	}
	t.outstanding[tag] = struct{}{}
	return nil
}

// Resolve removes a tag from the ledger and frees its slot. Resolving an
// unknown or already resolved tag returns ErrUnknownDeliveryTag.
func (t *DeliveryTracker) Resolve(tag uint64) error {
	t.mu.Lock()
	if _, exists := t.outstanding[tag]; !exists {
		t.mu.Unlock()
		return fmt.Errorf("%w: tag %d", ErrUnknownDeliveryTag, tag)
	}
	delete(t.outstanding, tag)
	t.mu.Unlock()

	select {
	case <-t.slots:
	default:
	}
	return nil
}

// Release frees a slot acquired for a delivery that was never tracked,
// such as when tracking itself fails.
func (t *DeliveryTracker) Release() {
	select {
	case <-t.slots:
	default:
	}
}

// Outstanding returns the number of unacknowledged deliveries.
func (t *DeliveryTracker) Outstanding() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.outstanding)
}

// Reset clears the ledger and frees all slots. The connection manager
// calls this after a reconnect: deliveries that were in flight when the
// transport dropped are redelivered by the broker, so keeping their tags
// would wedge flow control permanently.
func (t *DeliveryTracker) Reset() {
	t.mu.Lock()
	t.outstanding = make(map[uint64]struct{})
	t.mu.Unlock()

	for {
		select {
		case <-t.slots:
		default:
			return
		}
	}
}
