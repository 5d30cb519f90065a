// Package dispatch provides the serialized execution primitives used by the
// logger and incident recording: a single-consumer FIFO queue and an
// injectable timer scheduler.
package dispatch

import (
	"sync"
	"time"
)

// Queue runs pushed functions one at a time, in push order, on a dedicated
// goroutine. Work pushed before Close still runs; the consumer exits once
// the backlog drains.
type Queue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []func()
	closed bool
	done   chan struct{}
}

// NewQueue creates a Queue and starts its consumer goroutine.
func NewQueue() *Queue {
	q := &Queue{done: make(chan struct{})}
	q.cond = sync.NewCond(&q.mu)
	go q.run()
	return q
}

// Push enqueues fn. It reports whether the queue accepted it; a closed
// queue drops work and returns false.
func (q *Queue) Push(fn func()) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.items = append(q.items, fn)
	q.cond.Signal()
	return true
}

// Close stops the queue. Already-pushed work still drains in order before
// the consumer goroutine exits.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.cond.Signal()
	q.mu.Unlock()
}

// Done returns a channel closed once the queue has drained and shut down.
func (q *Queue) Done() <-chan struct{} {
	return q.done
}

func (q *Queue) run() {
	for {
		q.mu.Lock()
		for len(q.items) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.items) == 0 {
			q.mu.Unlock()
			close(q.done)
			return
		}
		fn := q.items[0]
		q.items[0] = nil
		q.items = q.items[1:]
		q.mu.Unlock()

		fn()
	}
}

// Timer is a cancelable pending call.
type Timer interface {
	// Stop cancels the call. It reports whether it fired in time to
	// prevent the call from running.
	Stop() bool
}

// Scheduler schedules a function to run after a delay. Injected into the
// incident reporter so tests can drive timeouts deterministically.
type Scheduler interface {
	AfterFunc(d time.Duration, fn func()) Timer
}

type systemScheduler struct{}

func (systemScheduler) AfterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}

// System returns the wall-clock Scheduler backed by time.AfterFunc.
func System() Scheduler {
	return systemScheduler{}
}
