// Package gateway moves blocking storage work off callers' goroutines.
//
// A Gateway owns a fixed pool of workers fed by a bounded queue. Submit never
// blocks: a full queue fails the returned Future with ErrSaturated. Results
// are consumed either by callback on the foreground Loop or by Await from any
// goroutine that is neither the loop nor a worker.
//
// Workers only run submitted operations. They never wait on other Futures and
// never wait for room on the Loop, so a pool of any size >= 1 cannot deadlock
// on itself, even while the Loop is stalled or not yet started.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/charmbracelet/log"
)

var (
	ErrClosed         = errors.New("gateway: closed")
	ErrSaturated      = errors.New("gateway: queue full")
	ErrForegroundWait = errors.New("gateway: refusing to block the foreground loop")
	ErrWorkerWait     = errors.New("gateway: refusing to block inside a pool worker")
)

type Options struct {
	Workers   int
	QueueSize int
}

type job func(ctx context.Context)

type Gateway struct {
	jobs    chan job
	workers int

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup

	pending atomic.Int64
}

func New(opts Options) *Gateway {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.QueueSize < 1 {
		opts.QueueSize = 1
	}

	g := &Gateway{
		jobs:    make(chan job, opts.QueueSize),
		workers: opts.Workers,
	}

	g.wg.Add(opts.Workers)
	for i := 0; i < opts.Workers; i++ {
		go g.work(i)
	}
	return g
}

func (g *Gateway) work(id int) {
	defer g.wg.Done()
	ctx := inWorker(context.Background())

	for j := range g.jobs {
		g.pending.Add(-1)
		j(ctx)
	}
	log.Debug("gateway worker stopped", "worker", id)
}

func (g *Gateway) enqueue(j job) error {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if g.closed {
		return ErrClosed
	}

	g.pending.Add(1)
	select {
	case g.jobs <- j:
		return nil
	default:
		g.pending.Add(-1)
		return ErrSaturated
	}
}

// Submit dispatches op to the pool and returns immediately.
func Submit[T any](g *Gateway, op func(ctx context.Context) (T, error)) *Future[T] {
	f := newFuture[T]()

	err := g.enqueue(func(ctx context.Context) {
		value, err := run(ctx, op)
		f.complete(value, err)
	})
	if err != nil {
		var zero T
		f.complete(zero, err)
	}
	return f
}

func run[T any](ctx context.Context, op func(context.Context) (T, error)) (value T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("gateway: operation panicked: %v", r)
		}
	}()
	return op(ctx)
}

// Go dispatches a mutation whose caller does not wait for the outcome.
// Failures, including a refused dispatch, are logged under name.
func (g *Gateway) Go(name string, op func(ctx context.Context) error) {
	f := Submit(g, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	f.Then(nil, func(_ struct{}, err error) {
		if err != nil {
			log.Error("background operation failed", "op", name, "error", err)
		}
	})
}

// Pending is the number of queued operations not yet picked up by a worker.
func (g *Gateway) Pending() int {
	return int(g.pending.Load())
}

func (g *Gateway) Workers() int {
	return g.workers
}

// Close stops intake, lets the workers finish everything already queued and
// waits for them.
func (g *Gateway) Close() {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.closed = true
	close(g.jobs)
	g.mu.Unlock()

	g.wg.Wait()
}
