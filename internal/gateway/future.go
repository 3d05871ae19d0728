package gateway

import (
	"context"
	"sync"
)

// Future is the pending result of one background operation. Callers either
// register a callback with Then or, off the foreground loop and outside the
// worker pool, block with Await.
type Future[T any] struct {
	done chan struct{}

	mu        sync.Mutex
	value     T
	err       error
	completed bool
	callbacks []pendingCallback[T]
}

type pendingCallback[T any] struct {
	loop *Loop
	fn   func(T, error)
}

func newFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Failed returns a future that is already complete with err.
func Failed[T any](err error) *Future[T] {
	f := newFuture[T]()
	var zero T
	f.complete(zero, err)
	return f
}

func (f *Future[T]) complete(value T, err error) {
	f.mu.Lock()
	if f.completed {
		f.mu.Unlock()
		return
	}
	f.value, f.err, f.completed = value, err, true
	callbacks := f.callbacks
	f.callbacks = nil
	f.mu.Unlock()

	// Callbacks are dispatched before waiters wake, so an Await caller can
	// rely on inline callbacks having run.
	for _, cb := range callbacks {
		dispatch(cb, value, err)
	}
	close(f.done)
}

func dispatch[T any](cb pendingCallback[T], value T, err error) {
	if cb.loop == nil {
		cb.fn(value, err)
		return
	}
	task := func(context.Context) { cb.fn(value, err) }
	if !cb.loop.offer(task) {
		// The completing goroutine is usually a pool worker; it must not wait
		// for a busy or unstarted loop.
		go cb.loop.Post(task)
	}
}

// Done is closed once the result is available.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Then schedules fn on loop once the result is available. When the loop's
// buffer is full the callback is queued from a separate goroutine and may run
// after callbacks of futures that completed later. With a nil loop fn runs on
// whichever goroutine completes the future, so it must not block.
func (f *Future[T]) Then(loop *Loop, fn func(T, error)) {
	cb := pendingCallback[T]{loop: loop, fn: fn}

	f.mu.Lock()
	if !f.completed {
		f.callbacks = append(f.callbacks, cb)
		f.mu.Unlock()
		return
	}
	value, err := f.value, f.err
	f.mu.Unlock()

	dispatch(cb, value, err)
}

// Await blocks until the result is available or ctx ends.
//
// It refuses to wait on the foreground loop (ErrForegroundWait) and inside a
// pool worker (ErrWorkerWait). A worker waiting on another job is the only
// way the pool could starve itself, so refusing it keeps every pool size of
// one or more deadlock-free.
func (f *Future[T]) Await(ctx context.Context) (T, error) {
	var zero T
	if ctx == nil {
		ctx = context.Background()
	}
	if IsForeground(ctx) {
		return zero, ErrForegroundWait
	}
	if IsWorker(ctx) {
		return zero, ErrWorkerWait
	}

	select {
	case <-f.done:
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.value, f.err
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}
