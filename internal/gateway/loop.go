package gateway

import (
	"context"
	"sync"

	"github.com/charmbracelet/log"
)

// Loop is the single foreground goroutine. Posted tasks run one at a time in
// submission order with a foreground-marked context.
type Loop struct {
	tasks chan func(context.Context)
	done  chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once
	finished  chan struct{}
}

func NewLoop(buffer int) *Loop {
	if buffer < 1 {
		buffer = 1
	}
	return &Loop{
		tasks:    make(chan func(context.Context), buffer),
		done:     make(chan struct{}),
		finished: make(chan struct{}),
	}
}

// Start runs the loop in its own goroutine until Stop is called or ctx ends.
func (l *Loop) Start(ctx context.Context) {
	l.startOnce.Do(func() {
		go l.run(ctx)
	})
}

func (l *Loop) run(ctx context.Context) {
	defer close(l.finished)
	fg := Foreground(ctx)

	for {
		select {
		case <-ctx.Done():
			l.Stop()
			return
		case <-l.done:
			return
		case task := <-l.tasks:
			l.execute(fg, task)
		}
	}
}

func (l *Loop) execute(ctx context.Context, task func(context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("foreground task panicked", "panic", r)
		}
	}()
	task(ctx)
}

// Post schedules task on the loop. It reports false once the loop has been
// stopped; the task is then dropped.
func (l *Loop) Post(task func(context.Context)) bool {
	select {
	case <-l.done:
		return false
	default:
	}

	select {
	case l.tasks <- task:
		return true
	case <-l.done:
		return false
	}
}

// offer is Post without waiting for buffer space. It reports false only when
// the buffer is full; a stopped loop drops the task and reports true.
func (l *Loop) offer(task func(context.Context)) bool {
	select {
	case <-l.done:
		return true
	default:
	}

	select {
	case l.tasks <- task:
		return true
	case <-l.done:
		return true
	default:
		return false
	}
}

// Stop ends the loop. Tasks still queued are discarded.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() {
		close(l.done)
	})
}

// Wait blocks until the loop goroutine has returned.
func (l *Loop) Wait() {
	<-l.finished
}
