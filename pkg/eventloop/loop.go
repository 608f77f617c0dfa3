// Package eventloop provides the single sequencer that owns all cascade and
// prefix pool state. I/O goroutines never touch that state directly; they
// hand closures to the loop, which runs them one at a time in submission
// order.
package eventloop

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/sirupsen/logrus"
)

// ErrStopped is returned by Do once the loop has exited.
var ErrStopped = errors.New("eventloop: stopped")

// Loop runs submitted tasks serially. The queue is unbounded so Post never
// blocks, which makes it safe to call from inside a task.
type Loop struct {
	log *logrus.Entry

	mu      sync.Mutex
	tasks   []func()
	stopped bool
	wake    chan struct{}
	done    chan struct{}
}

func New(log *logrus.Entry) *Loop {
	return &Loop{
		log:  log,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// Run executes tasks until ctx is cancelled. Tasks still queued at that point
// are dropped.
func (l *Loop) Run(ctx context.Context) error {
	defer func() {
		l.mu.Lock()
		l.stopped = true
		l.tasks = nil
		l.mu.Unlock()
		close(l.done)
	}()
	for {
		l.mu.Lock()
		batch := l.tasks
		l.tasks = nil
		l.mu.Unlock()

		for i, fn := range batch {
			if ctx.Err() != nil {
				return nil
			}
			l.run(fn)
			batch[i] = nil
		}
		if len(batch) > 0 {
			continue
		}
		select {
		case <-l.wake:
		case <-ctx.Done():
			return nil
		}
	}
}

func (l *Loop) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.log.WithField("panic", r).WithField("stack", string(debug.Stack())).Error("task panicked")
		}
	}()
	fn()
}

// Post queues fn and returns immediately. It reports false if the loop has
// already stopped.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return false
	}
	l.tasks = append(l.tasks, fn)
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Do queues fn and waits until it ran. It must not be called from inside a
// task.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	ran := make(chan struct{})
	if !l.Post(func() {
		defer close(ran)
		fn()
	}) {
		return ErrStopped
	}
	select {
	case <-ran:
		return nil
	case <-l.done:
		// The task may have been the last one to run before the loop exited.
		select {
		case <-ran:
			return nil
		default:
			return ErrStopped
		}
	case <-ctx.Done():
		return fmt.Errorf("eventloop: %w", ctx.Err())
	}
}

// Done is closed after Run returned.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}
