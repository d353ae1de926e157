package turns

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newTestCoordinator() *Coordinator {
	return NewCoordinator(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestCoordinatorSerializesPerWorldline(t *testing.T) {
	c := newTestCoordinator()
	defer c.Shutdown()

	var inFlight, maxInFlight int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := c.Run(context.Background(), "wl_1", func(ctx context.Context) error {
				n := atomic.AddInt32(&inFlight, 1)
				for {
					prev := atomic.LoadInt32(&maxInFlight)
					if n <= prev || atomic.CompareAndSwapInt32(&maxInFlight, prev, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				atomic.AddInt32(&inFlight, -1)
				return nil
			})
			if err != nil {
				t.Errorf("Run error: %v", err)
			}
		}()
	}
	wg.Wait()
	if got := atomic.LoadInt32(&maxInFlight); got != 1 {
		t.Errorf("max in-flight on one worldline = %d, want 1", got)
	}
}

func TestCoordinatorParallelAcrossWorldlines(t *testing.T) {
	c := newTestCoordinator()
	defer c.Shutdown()

	gate := make(chan struct{})
	started := make(chan string, 2)
	var wg sync.WaitGroup
	for _, wid := range []string{"wl_a", "wl_b"} {
		wid := wid
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = c.Run(context.Background(), wid, func(ctx context.Context) error {
				started <- wid
				<-gate
				return nil
			})
		}()
	}

	// Both worldlines must be running before either is released.
	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-time.After(2 * time.Second):
			t.Fatal("worldlines did not run in parallel")
		}
	}
	close(gate)
	wg.Wait()
}

func TestCoordinatorFIFOOrder(t *testing.T) {
	c := newTestCoordinator()
	defer c.Shutdown()

	// Hold the worldline busy so later submissions queue up in order.
	release := make(chan struct{})
	ready := make(chan struct{})
	go func() {
		_ = c.Run(context.Background(), "wl_1", func(ctx context.Context) error {
			close(ready)
			<-release
			return nil
		})
	}()
	<-ready

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = c.Run(context.Background(), "wl_1", func(ctx context.Context) error {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil
			})
		}()
		// Give each submission time to enqueue before the next one.
		time.Sleep(10 * time.Millisecond)
	}
	close(release)
	wg.Wait()

	for i := 1; i < len(order); i++ {
		if order[i] < order[i-1] {
			t.Fatalf("execution order = %v, want FIFO", order)
		}
	}
}

func TestCoordinatorPropagatesError(t *testing.T) {
	c := newTestCoordinator()
	defer c.Shutdown()

	boom := errors.New("turn failed")
	err := c.Run(context.Background(), "wl_1", func(ctx context.Context) error { return boom })
	if !errors.Is(err, boom) {
		t.Errorf("Run error = %v, want %v", err, boom)
	}
}

func TestCoordinatorCanceledWhileQueued(t *testing.T) {
	c := newTestCoordinator()
	defer c.Shutdown()

	release := make(chan struct{})
	ready := make(chan struct{})
	go func() {
		_ = c.Run(context.Background(), "wl_1", func(ctx context.Context) error {
			close(ready)
			<-release
			return nil
		})
	}()
	<-ready

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	errCh := make(chan error, 1)
	go func() {
		errCh <- c.Run(ctx, "wl_1", func(ctx context.Context) error { return nil })
	}()
	time.Sleep(20 * time.Millisecond)
	close(release)

	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Errorf("Run error = %v, want context.Canceled", err)
	}
}

func TestCoordinatorShutdown(t *testing.T) {
	c := newTestCoordinator()

	release := make(chan struct{})
	ready := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- c.Run(context.Background(), "wl_1", func(ctx context.Context) error {
			close(ready)
			<-release
			return nil
		})
	}()
	<-ready

	queued := make(chan error, 1)
	go func() {
		queued <- c.Run(context.Background(), "wl_1", func(ctx context.Context) error { return nil })
	}()
	time.Sleep(20 * time.Millisecond)

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(release)
	}()
	c.Shutdown()

	if err := <-queued; !errors.Is(err, ErrCoordinatorClosed) {
		t.Errorf("queued Run error = %v, want ErrCoordinatorClosed", err)
	}
	if err := <-done; err != nil {
		t.Errorf("in-flight Run error = %v, want nil", err)
	}
	if err := c.Run(context.Background(), "wl_2", func(ctx context.Context) error { return nil }); !errors.Is(err, ErrCoordinatorClosed) {
		t.Errorf("post-shutdown Run error = %v, want ErrCoordinatorClosed", err)
	}
}
