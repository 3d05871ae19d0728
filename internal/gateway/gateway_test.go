package gateway

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestGateway(t *testing.T, workers, queue int) *Gateway {
	t.Helper()
	g := New(Options{Workers: workers, QueueSize: queue})
	t.Cleanup(g.Close)
	return g
}

func newTestLoop(t *testing.T) *Loop {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	l := NewLoop(16)
	l.Start(ctx)
	t.Cleanup(func() {
		cancel()
		l.Wait()
	})
	return l
}

func TestSubmitAwait(t *testing.T) {
	g := newTestGateway(t, 2, 8)

	f := Submit(g, func(ctx context.Context) (int, error) {
		return 42, nil
	})

	got, err := f.Await(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 42, got)
}

func TestSubmitPropagatesError(t *testing.T) {
	g := newTestGateway(t, 1, 1)
	boom := errors.New("boom")

	_, err := Submit(g, func(ctx context.Context) (string, error) {
		return "", boom
	}).Await(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestSubmitRecoversPanics(t *testing.T) {
	g := newTestGateway(t, 1, 1)

	_, err := Submit(g, func(ctx context.Context) (int, error) {
		panic("bad op")
	}).Await(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")

	got, err := Submit(g, func(ctx context.Context) (int, error) { return 1, nil }).Await(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, got, "worker should survive a panicking operation")
}

func TestThenRunsOnLoop(t *testing.T) {
	g := newTestGateway(t, 1, 4)
	l := newTestLoop(t)

	results := make(chan string, 1)
	Submit(g, func(ctx context.Context) (string, error) {
		return "banned", nil
	}).Then(l, func(v string, err error) {
		assert.NoError(t, err)
		results <- v
	})

	select {
	case v := <-results:
		assert.Equal(t, "banned", v)
	case <-time.After(2 * time.Second):
		t.Fatal("callback was not delivered")
	}
}

func TestThenAfterCompletion(t *testing.T) {
	f := Failed[int](ErrClosed)
	l := newTestLoop(t)

	got := make(chan error, 1)
	f.Then(l, func(_ int, err error) { got <- err })

	select {
	case err := <-got:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("callback on completed future was not delivered")
	}
}

func TestAwaitRefusedOnForeground(t *testing.T) {
	g := newTestGateway(t, 1, 4)
	l := newTestLoop(t)

	f := Submit(g, func(ctx context.Context) (int, error) { return 7, nil })

	got := make(chan error, 1)
	l.Post(func(ctx context.Context) {
		_, err := f.Await(ctx)
		got <- err
	})

	select {
	case err := <-got:
		assert.ErrorIs(t, err, ErrForegroundWait)
	case <-time.After(2 * time.Second):
		t.Fatal("foreground Await blocked")
	}
}

func TestAwaitRefusedInsideWorker(t *testing.T) {
	g := newTestGateway(t, 1, 4)

	outer := Submit(g, func(ctx context.Context) (int, error) {
		inner := Submit(g, func(context.Context) (int, error) { return 1, nil })
		return inner.Await(ctx)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := outer.Await(ctx)
	assert.ErrorIs(t, err, ErrWorkerWait)
}

func TestAwaitHonoursContext(t *testing.T) {
	g := newTestGateway(t, 1, 1)
	release := make(chan struct{})
	defer close(release)

	f := Submit(g, func(ctx context.Context) (int, error) {
		<-release
		return 0, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := f.Await(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSubmitSaturated(t *testing.T) {
	g := newTestGateway(t, 1, 1)
	started := make(chan struct{})
	release := make(chan struct{})

	blocker := func(ctx context.Context) (int, error) {
		close(started)
		<-release
		return 0, nil
	}
	first := Submit(g, blocker)
	<-started

	second := Submit(g, func(ctx context.Context) (int, error) { return 2, nil })
	third := Submit(g, func(ctx context.Context) (int, error) { return 3, nil })

	_, err := third.Await(context.Background())
	assert.ErrorIs(t, err, ErrSaturated)

	close(release)
	_, err = first.Await(context.Background())
	require.NoError(t, err)
	v, err := second.Await(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, v)
}

func TestCloseDrainsAndRejects(t *testing.T) {
	g := New(Options{Workers: 1, QueueSize: 16})

	var ran atomic.Int32
	for i := 0; i < 10; i++ {
		g.Go("count", func(ctx context.Context) error {
			ran.Add(1)
			return nil
		})
	}
	g.Close()
	assert.Equal(t, int32(10), ran.Load())

	_, err := Submit(g, func(ctx context.Context) (int, error) { return 1, nil }).Await(context.Background())
	assert.ErrorIs(t, err, ErrClosed)

	g.Close()
}

func TestSingleWorkerManyWaiters(t *testing.T) {
	g := newTestGateway(t, 1, 256)

	var wg sync.WaitGroup
	errs := make(chan error, 100)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			v, err := Submit(g, func(context.Context) (int, error) { return i, nil }).Await(ctx)
			if err == nil && v != i {
				err = errors.New("wrong value")
			}
			if err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Fatalf("waiter failed: %v", err)
	}
}

func TestLoopPostAfterStop(t *testing.T) {
	l := NewLoop(1)
	l.Start(context.Background())
	l.Stop()
	l.Wait()

	assert.False(t, l.Post(func(context.Context) {}))
}

func TestWorkersDoNotWaitForStalledLoop(t *testing.T) {
	g := newTestGateway(t, 1, 8)
	l := NewLoop(1)

	release := make(chan struct{})
	var ran atomic.Int32
	futures := make([]*Future[int], 0, 4)
	for i := 0; i < 4; i++ {
		f := Submit(g, func(ctx context.Context) (int, error) {
			<-release
			return i, nil
		})
		f.Then(l, func(int, error) { ran.Add(1) })
		futures = append(futures, f)
	}
	close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for i, f := range futures {
		got, err := f.Await(ctx)
		require.NoError(t, err, "future %d stuck behind a full loop buffer", i)
		assert.Equal(t, i, got)
	}

	loopCtx, stop := context.WithCancel(context.Background())
	l.Start(loopCtx)
	t.Cleanup(func() {
		stop()
		l.Wait()
	})
	assert.Eventually(t, func() bool { return ran.Load() == 4 }, 2*time.Second, 10*time.Millisecond)
}
