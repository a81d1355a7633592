// Package eventq provides the ordered delivery queue behind store
// subscriptions.
package eventq

import "sync"

// Queue delivers pushed events to one callback, in order, from a dedicated
// goroutine. Stop blocks until no further callback can fire, which is what
// makes subscription cancellation synchronous.
//
// Because Stop waits for the delivery goroutine, a callback must never
// cancel its own subscription inline; cancellation belongs to the owner of
// the subscription (teardown paths), not to the callback.
type Queue[T any] struct {
	fn func(T)

	mu       sync.Mutex
	notEmpty *sync.Cond
	queue    []T
	stopped  bool

	done chan struct{}
}

func New[T any](fn func(T)) *Queue[T] {
	q := &Queue[T]{
		fn:   fn,
		done: make(chan struct{}),
	}
	q.notEmpty = sync.NewCond(&q.mu)
	go q.run()
	return q
}

// Push enqueues an event. It never blocks and is a no-op after Stop.
func (q *Queue[T]) Push(v T) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return
	}
	q.queue = append(q.queue, v)
	q.notEmpty.Signal()
}

func (q *Queue[T]) run() {
	defer close(q.done)
	for {
		q.mu.Lock()
		for len(q.queue) == 0 && !q.stopped {
			q.notEmpty.Wait()
		}
		if q.stopped {
			q.queue = nil
			q.mu.Unlock()
			return
		}
		v := q.queue[0]
		q.queue = q.queue[1:]
		q.mu.Unlock()

		q.fn(v)
	}
}

// Stop discards pending events and waits for any in-flight callback to
// return. Safe to call more than once.
func (q *Queue[T]) Stop() {
	q.mu.Lock()
	q.stopped = true
	q.mu.Unlock()
	q.notEmpty.Broadcast()
	<-q.done
}
