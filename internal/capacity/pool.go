// Package capacity bounds runtime concurrency with three named pools
// (turn, subagent, python). Admission is fail-fast: a pool whose waiter
// queue is full rejects immediately instead of building unbounded backlog.
package capacity

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/loomhq/loom/internal/observability"
)

// Pool names used in errors and metric labels.
const (
	PoolTurn     = "turn"
	PoolSubagent = "subagent"
	PoolPython   = "python"
)

// ErrCapacityLimit matches any pool rejection via errors.Is.
var ErrCapacityLimit = errors.New("capacity limit reached")

// LimitError reports which pool rejected admission and its configuration.
type LimitError struct {
	Pool     string
	Max      int
	MaxQueue int
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("%s pool at capacity (max %d running, %d queued)", e.Pool, e.Max, e.MaxQueue)
}

func (e *LimitError) Is(target error) bool { return target == ErrCapacityLimit }

// Pool is a bounded-concurrency semaphore with a bounded waiter queue.
type Pool struct {
	name     string
	max      int
	maxQueue int
	metrics  *observability.Metrics

	mu      sync.Mutex
	waiters int
	active  int

	permits chan struct{}
}

// NewPool creates a pool with max concurrent holders and maxQueue waiters.
func NewPool(name string, max, maxQueue int, metrics *observability.Metrics) *Pool {
	if max < 1 {
		max = 1
	}
	if maxQueue < 0 {
		maxQueue = 0
	}
	p := &Pool{
		name:     name,
		max:      max,
		maxQueue: maxQueue,
		metrics:  metrics,
		permits:  make(chan struct{}, max),
	}
	for i := 0; i < max; i++ {
		p.permits <- struct{}{}
	}
	return p
}

// Acquire blocks until a permit is free or ctx is done. When the waiter
// queue is already full it fails immediately with a *LimitError.
func (p *Pool) Acquire(ctx context.Context) (*Lease, error) {
	p.mu.Lock()
	if p.waiters >= p.maxQueue {
		// A free permit admits even with a full queue.
		select {
		case <-p.permits:
			p.active++
			p.publishGauges()
			p.mu.Unlock()
			p.metrics.RecordPoolWait(p.name, 0)
			return &Lease{pool: p}, nil
		default:
			p.mu.Unlock()
			p.metrics.RecordPoolRejection(p.name)
			return nil, &LimitError{Pool: p.name, Max: p.max, MaxQueue: p.maxQueue}
		}
	}
	p.waiters++
	p.publishGauges()
	p.mu.Unlock()

	start := time.Now()
	select {
	case <-p.permits:
		wait := time.Since(start)
		p.mu.Lock()
		p.waiters--
		p.active++
		p.publishGauges()
		p.mu.Unlock()
		p.metrics.RecordPoolWait(p.name, wait)
		return &Lease{pool: p, wait: wait}, nil
	case <-ctx.Done():
		p.mu.Lock()
		p.waiters--
		p.publishGauges()
		p.mu.Unlock()
		return nil, ctx.Err()
	}
}

// Stats returns the current active and waiting counts.
func (p *Pool) Stats() (active, waiters int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active, p.waiters
}

// Name returns the pool name.
func (p *Pool) Name() string { return p.name }

// Capacity returns the maximum number of concurrent leases.
func (p *Pool) Capacity() int { return p.max }

// publishGauges must run under p.mu.
func (p *Pool) publishGauges() {
	p.metrics.SetPoolGauges(p.name, p.active, p.waiters)
}

// Lease is one held permit. Release is idempotent and nil-safe.
type Lease struct {
	pool *Pool
	wait time.Duration
	once sync.Once
}

// Release returns the permit to the pool.
func (l *Lease) Release() {
	if l == nil {
		return
	}
	l.once.Do(func() {
		l.pool.mu.Lock()
		l.pool.active--
		l.pool.publishGauges()
		l.pool.mu.Unlock()
		l.pool.permits <- struct{}{}
	})
}

// WaitDuration reports how long the acquire spent queued.
func (l *Lease) WaitDuration() time.Duration {
	if l == nil {
		return 0
	}
	return l.wait
}
