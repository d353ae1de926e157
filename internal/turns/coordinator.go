// Package turns runs chat turns: a per-worldline FIFO coordinator, the
// plan→tool→observe engine, and the advisory sinks that surface events and
// streaming deltas to transports.
package turns

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// ErrCoordinatorClosed fails submissions arriving after Shutdown and any
// queued submission Shutdown drained.
var ErrCoordinatorClosed = errors.New("turn coordinator closed")

// Coordinator serializes turn execution per worldline. Submissions for one
// worldline run strictly in arrival order, one at a time; submissions for
// distinct worldlines run in parallel. A Coordinator is a value handle the
// composition root passes around, not a package global.
type Coordinator struct {
	logger *slog.Logger

	mu     sync.Mutex
	queues map[string][]*submission
	closed bool
	wg     sync.WaitGroup
}

type submission struct {
	ctx  context.Context
	fn   func(ctx context.Context) error
	done chan struct{}
	err  error
}

// NewCoordinator returns an empty coordinator.
func NewCoordinator(logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default().With("component", "turn-coordinator")
	}
	return &Coordinator{
		logger: logger,
		queues: make(map[string][]*submission),
	}
}

// Run enqueues fn on the worldline's serial queue and blocks until it has
// run. The context governs fn's execution, not the caller's patience: once
// submitted, the turn runs to completion even if the caller stops waiting,
// so durability is never tied to a transport connection.
func (c *Coordinator) Run(ctx context.Context, worldlineID string, fn func(ctx context.Context) error) error {
	sub := &submission{ctx: ctx, fn: fn, done: make(chan struct{})}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrCoordinatorClosed
	}
	queue, active := c.queues[worldlineID]
	c.queues[worldlineID] = append(queue, sub)
	if !active {
		c.wg.Add(1)
		go c.work(worldlineID)
	}
	c.mu.Unlock()

	<-sub.done
	return sub.err
}

// work drains one worldline's queue serially, then removes the queue entry
// and exits. Queue mutations happen under the coordinator mutex; execution
// does not.
func (c *Coordinator) work(worldlineID string) {
	defer c.wg.Done()
	for {
		c.mu.Lock()
		queue := c.queues[worldlineID]
		if len(queue) == 0 {
			delete(c.queues, worldlineID)
			c.mu.Unlock()
			return
		}
		sub := queue[0]
		c.queues[worldlineID] = queue[1:]
		c.mu.Unlock()

		c.execute(sub)
	}
}

func (c *Coordinator) execute(sub *submission) {
	defer close(sub.done)
	if err := sub.ctx.Err(); err != nil {
		// The submitter's context died while queued; nothing ran yet, so
		// failing here is safe.
		sub.err = err
		return
	}
	sub.err = sub.fn(sub.ctx)
}

// Pending reports how many submissions are queued or running for a
// worldline.
func (c *Coordinator) Pending(worldlineID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queues[worldlineID])
}

// Shutdown rejects new submissions, fails everything still queued with
// ErrCoordinatorClosed, and waits for in-flight turns to finish.
func (c *Coordinator) Shutdown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	var drained []*submission
	for worldlineID, queue := range c.queues {
		drained = append(drained, queue...)
		c.queues[worldlineID] = nil
	}
	c.mu.Unlock()

	for _, sub := range drained {
		sub.err = ErrCoordinatorClosed
		close(sub.done)
	}
	c.wg.Wait()
	c.logger.Info("turn coordinator shut down", "drained", len(drained))
}
