package messaging

import (
	"github.com/panjf2000/ants/v2"
)

// PoolDispatcher runs delivery handlers on a bounded goroutine pool. It
// keeps callback execution off the dispatch loops, so a slow callback
// occupies a worker instead of stalling delivery intake and reconnect
// detection.
type PoolDispatcher struct {
	pool *ants.Pool
}

// NewPoolDispatcher creates a dispatcher with the given worker count.
func NewPoolDispatcher(workers int) (*PoolDispatcher, error) {
	if workers <= 0 {
		workers = 10
	}
	pool, err := ants.NewPool(workers, ants.WithNonblocking(false))
	if err != nil {
		return nil, err
	}
	return &PoolDispatcher{pool: pool}, nil
}

// Submit implements rabbitmq.Executor.
func (d *PoolDispatcher) Submit(task func()) error {
	return d.pool.Submit(task)
}

// Running returns the number of busy workers.
func (d *PoolDispatcher) Running() int {
	return d.pool.Running()
}

// Release shuts the pool down, waiting for running tasks to finish.
func (d *PoolDispatcher) Release() {
	d.pool.Release()
}
